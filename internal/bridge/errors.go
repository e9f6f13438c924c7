package bridge

// Phase is the stage of a search a failure happened in.
type Phase string

const (
	PhaseTranslate Phase = "translate"
	PhaseQuery     Phase = "query"
	PhaseParse     Phase = "parse"
)

// PhaseError tags a failure with its phase. It always wraps the failure
// that caused it; build it with NewTranslateError, NewQueryError or
// NewParseError.
type PhaseError struct {
	phase   Phase
	message string
	inner   error
}

func newPhaseError(phase Phase, message string, inner error) *PhaseError {
	if inner == nil {
		panic("bridge: " + string(phase) + " error needs the error it wraps")
	}
	return &PhaseError{phase: phase, message: message, inner: inner}
}

func NewTranslateError(message string, inner error) *PhaseError {
	return newPhaseError(PhaseTranslate, message, inner)
}

func NewQueryError(message string, inner error) *PhaseError {
	return newPhaseError(PhaseQuery, message, inner)
}

func NewParseError(message string, inner error) *PhaseError {
	return newPhaseError(PhaseParse, message, inner)
}

func (e *PhaseError) Error() string {
	return e.message + ": " + e.inner.Error()
}

func (e *PhaseError) Unwrap() error { return e.inner }

func (e *PhaseError) Phase() Phase { return e.phase }

// Type names the failure in the error envelope, e.g. "query_exception".
func (e *PhaseError) Type() string {
	return string(e.phase) + "_exception"
}
