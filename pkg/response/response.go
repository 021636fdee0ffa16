package response

import (
	"errors"
	"fmt"
	"net/http"
)

// Error carries the HTTP status an error should be reported with.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code and message, so package-level
// sentinels built with NewError can be compared with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	ok := errors.As(target, &t)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Err.Error() == t.Err.Error()
}

func NewError(code int, err string) error {
	return &Error{code, errors.New(err)}
}

// Wrap prefixes cause with msg and attaches code. The cause stays reachable
// through errors.Is and errors.As.
func Wrap(code int, msg string, cause error) error {
	return &Error{code, fmt.Errorf("%s: %w", msg, cause)}
}

// StatusCode reports the attached code, or 500 for plain errors.
func StatusCode(err error) int {
	var respErr *Error
	if errors.As(err, &respErr) {
		return respErr.Code
	}
	return http.StatusInternalServerError
}
