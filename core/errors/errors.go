package errors

import "errors"

type Category string

const (
	CategoryInvalidInput    Category = "invalid_input"
	CategoryStateContention Category = "state_contention"
	CategoryHardwareFault   Category = "hardware_fault"
	CategoryIOFailure       Category = "io_failure"
	CategoryInternalFailure Category = "internal_failure"
)

const (
	CodeInvalidGeometry      = "invalid_geometry"
	CodeUnsupportedFormat    = "unsupported_format"
	CodeInvalidSession       = "invalid_session"
	CodeSessionNotConfigured = "session_not_configured"
	CodeBufferRange          = "buffer_range"
	CodeInvalidBuffer        = "invalid_buffer"
	CodeNoTimeline           = "no_timeline"
	CodeNoFreeSessions       = "no_free_sessions"
	CodeBusy                 = "busy"
	CodeBusError             = "bus_error"
	CodeClosed               = "pipeline_closed"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// Invalid classifies a validation failure. Validation failures are permanent
// for the given input.
func Invalid(cause error, code, hint string) error {
	return Wrap(cause, CategoryInvalidInput, code, hint, false)
}

// Contention classifies a capacity failure.
func Contention(cause error, code, hint string, retryable bool) error {
	return Wrap(cause, CategoryStateContention, code, hint, retryable)
}

// find returns the outermost classification in err's chain.
func find(err error) (*classifiedError, bool) {
	var classified *classifiedError
	ok := errors.As(err, &classified)
	return classified, ok
}

func CategoryOf(err error) Category {
	if classified, ok := find(err); ok {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	if classified, ok := find(err); ok {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	if classified, ok := find(err); ok {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	classified, ok := find(err)
	return ok && classified.retryable
}
