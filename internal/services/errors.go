package services

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation and retry decisions
type Kind int

const (
	KindValidation Kind = iota + 1
	KindBusinessRule
	KindNotFound
	KindTransient
	KindPoison
)

// Stable machine-readable error codes
const (
	CodeValidation        = "VALIDATION_FAILED"
	CodeNotFound          = "NOT_FOUND"
	CodeForbidden         = "FORBIDDEN"
	CodeNotPending        = "NOT_PENDING"
	CodeNotActive         = "NOT_ACTIVE"
	CodeOutOfWindow       = "OUT_OF_WINDOW"
	CodeAlreadyActive     = "ALREADY_ACTIVE"
	CodeRoundNotOpen      = "ROUND_NOT_OPEN"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeUnavailable       = "UNAVAILABLE"
)

// Error is a classified failure surfaced to callers
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so callers can use errors.Is(err, services.ErrNotActive)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Temporary lets the queue worker retry infrastructure failures only
func (e *Error) Temporary() bool { return e.Kind == KindTransient }

// Sentinels for errors.Is
var (
	ErrNotFound          = &Error{Kind: KindNotFound, Code: CodeNotFound}
	ErrForbidden         = &Error{Kind: KindBusinessRule, Code: CodeForbidden}
	ErrNotPending        = &Error{Kind: KindBusinessRule, Code: CodeNotPending}
	ErrNotActive         = &Error{Kind: KindBusinessRule, Code: CodeNotActive}
	ErrOutOfWindow       = &Error{Kind: KindBusinessRule, Code: CodeOutOfWindow}
	ErrAlreadyActive     = &Error{Kind: KindBusinessRule, Code: CodeAlreadyActive}
	ErrRoundNotOpen      = &Error{Kind: KindBusinessRule, Code: CodeRoundNotOpen}
	ErrInvalidTransition = &Error{Kind: KindBusinessRule, Code: CodeInvalidTransition}
	ErrValidation        = &Error{Kind: KindValidation, Code: CodeValidation}
)

func newError(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...interface{}) *Error {
	return newError(KindNotFound, CodeNotFound, format, args...)
}

func ruleError(code, format string, args ...interface{}) *Error {
	return newError(KindBusinessRule, code, format, args...)
}

func validationf(format string, args ...interface{}) *Error {
	return newError(KindValidation, CodeValidation, format, args...)
}

// transient wraps an infrastructure failure so async paths retry it
func transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Code: CodeUnavailable, Message: op, Err: err}
}

// KindOf returns the classification of err, KindTransient for unclassified errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// CodeOf returns the stable code of err, CodeUnavailable for unclassified errors
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnavailable
}
