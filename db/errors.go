package db

import (
	"errors"
	"fmt"
)

// Kind classifies a persistence failure so callers can pick a response
// without inspecting error text.
type Kind int

const (
	KindStorage Kind = iota
	KindNotFound
	KindInvalidTimestamp
	KindInvalidTitle
	KindNoMessagesFound
	KindInvalidRole
	KindEmptyContent
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindInvalidTimestamp:
		return "invalid timestamp"
	case KindInvalidTitle:
		return "title cannot be empty"
	case KindNoMessagesFound:
		return "no messages found"
	case KindInvalidRole:
		return "invalid role"
	case KindEmptyContent:
		return "content cannot be empty"
	default:
		return "storage failure"
	}
}

// Error is the error type returned by every persistence operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of Op or the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInvalidTimestamp = &Error{Kind: KindInvalidTimestamp}
	ErrInvalidTitle     = &Error{Kind: KindInvalidTitle}
	ErrNoMessagesFound  = &Error{Kind: KindNoMessagesFound}
	ErrInvalidRole      = &Error{Kind: KindInvalidRole}
	ErrEmptyContent     = &Error{Kind: KindEmptyContent}
)

// KindOf reports the kind of err. Errors that did not originate in this
// package are treated as storage failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

func newError(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// storageError wraps a driver error as KindStorage. A nil err stays nil.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}
