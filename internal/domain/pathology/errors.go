package pathology

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error for the HTTP boundary.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindConflict
	KindValidation
	KindAdapter
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindAdapter:
		return "adapter"
	case KindPersistence:
		return "persistence"
	}
	return "unknown"
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrAdapter     = errors.New("billing adapter failed")
	ErrPersistence = errors.New("persistence failed")

	// ErrDuplicate is returned by stores when a slide id already exists.
	ErrDuplicate = errors.New("duplicate slide id")
)

// Error is a classified domain error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrAdapter:
		return e.Kind == KindAdapter
	case ErrPersistence:
		return e.Kind == KindPersistence
	}
	return false
}

func notFound(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...interface{}) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// AdapterError wraps a failure from the billing recommendation service.
func AdapterError(msg string, err error) error {
	return &Error{Kind: KindAdapter, Msg: msg, Err: err}
}

// persistence classifies a store error. Classified errors and missing rows pass
// through with their own kind.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return &Error{Kind: KindNotFound, Msg: op, Err: err}
	}
	if errors.Is(err, ErrDuplicate) {
		return &Error{Kind: KindConflict, Msg: op, Err: err}
	}
	return &Error{Kind: KindPersistence, Msg: op, Err: err}
}
