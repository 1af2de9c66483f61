// Package apperr classifies failures into the categories reported back to
// clients in error notices.
package apperr

import (
	"errors"
	"fmt"
)

type Category string

const (
	Auth              Category = "auth"
	NotFound          Category = "not_found"
	InvalidTransition Category = "invalid_transition"
	Validation        Category = "validation"
	Capacity          Category = "capacity"
	Dependency        Category = "dependency"
	Internal          Category = "internal"
)

type Error struct {
	Category Category
	Op       string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on category alone: errors.Is(err, apperr.ErrCapacity).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Category == e.Category
}

var (
	ErrAuth              = &Error{Category: Auth}
	ErrNotFound          = &Error{Category: NotFound}
	ErrInvalidTransition = &Error{Category: InvalidTransition}
	ErrValidation        = &Error{Category: Validation}
	ErrCapacity          = &Error{Category: Capacity}
	ErrDependency        = &Error{Category: Dependency}
)

func New(c Category, op, msg string) *Error {
	return &Error{Category: c, Op: op, Msg: msg}
}

func Wrap(c Category, op string, err error) *Error {
	return &Error{Category: c, Op: op, Err: err}
}

func Validationf(op, format string, args ...any) *Error {
	return &Error{Category: Validation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// CategoryOf returns the category of the first *Error in err's chain,
// or Internal when none is present.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return Internal
}

// Message is the client-facing text for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return string(e.Category)
	}
	return "internal error"
}
