package core

import "fmt"

// Error codes shared across the API surface.
const (
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeForbidden  = "FORBIDDEN"
	ErrCodeValidation = "VALIDATION_FAILED"
	ErrCodeConflict   = "CONFLICT_STATE"
	ErrCodeStorage    = "STORAGE_FAILURE"
	ErrCodeInternal   = "INTERNAL_ERROR"
)

// Error is a coded error carried across layer boundaries so the transport
// can map it to a status code.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a code and optional details.
func NewError(err error, code string, details map[string]any) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: code, Message: msg, Err: err, Details: details}
}
