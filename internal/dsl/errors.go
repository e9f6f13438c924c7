package dsl

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalClause matches every IllegalClauseError.
	ErrIllegalClause = errors.New("illegal clause")
	// ErrNilNode is returned when a node is present but null.
	ErrNilNode = errors.New("nil node")
)

// IllegalClauseError reports a clause that is present but lacks a mandatory
// part.
type IllegalClauseError struct {
	Clause string
	Reason string
}

func (e *IllegalClauseError) Error() string {
	return fmt.Sprintf("illegal %s clause: %s", e.Clause, e.Reason)
}

func (e *IllegalClauseError) Is(target error) bool {
	return target == ErrIllegalClause
}

func illegal(clause, format string, args ...any) error {
	return &IllegalClauseError{Clause: clause, Reason: fmt.Sprintf(format, args...)}
}
