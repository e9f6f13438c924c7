package kusto

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a failure reported by the Kusto service.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("kusto: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("kusto: %d: %s", e.StatusCode, e.Message)
}

const unresolvedFieldMessage = "failed to resolve scalar expression"

// IsUnresolvedField reports whether err is the semantic error Kusto raises
// when a where clause references a column the table lacks.
func IsUnresolvedField(err error) bool {
	var kerr *Error
	if !errors.As(err, &kerr) {
		return false
	}
	return strings.Contains(strings.ToLower(kerr.Message), unresolvedFieldMessage)
}
