// Package errors classifies the failures the sync engine can hit while talking
// to the remote store. None of them is fatal: each class maps to a recovery
// path in the engine.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error
type ErrorClass int

const (
	// ClassUnknown indicates an unclassified error
	ClassUnknown ErrorClass = iota
	// ClassOrderingViolation: the remote reported a latest number below the
	// locally known one.
	ClassOrderingViolation
	// ClassWriteContention: a compare-and-swap did not commit because another
	// client wrote first.
	ClassWriteContention
	// ClassTransportFailure: the remote call itself failed.
	ClassTransportFailure
	// ClassIllegalReplay: a pending operation can no longer be applied after a
	// rebase and was dropped.
	ClassIllegalReplay
)

func (c ErrorClass) String() string {
	switch c {
	case ClassOrderingViolation:
		return "ordering_violation"
	case ClassWriteContention:
		return "write_contention"
	case ClassTransportFailure:
		return "transport_failure"
	case ClassIllegalReplay:
		return "illegal_replay"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against a class.
var (
	ErrOrderingViolation = &ClassifiedError{Class: ClassOrderingViolation, Code: "ORDERING_VIOLATION"}
	ErrWriteContention   = &ClassifiedError{Class: ClassWriteContention, Code: "WRITE_CONTENTION"}
	ErrTransportFailure  = &ClassifiedError{Class: ClassTransportFailure, Code: "TRANSPORT_FAILURE"}
	ErrIllegalReplay     = &ClassifiedError{Class: ClassIllegalReplay, Code: "ILLEGAL_REPLAY"}
)

// ClassifiedError is an error with a class, the engine operation that hit it
// and an optional cause.
type ClassifiedError struct {
	Code      string
	Message   string
	Class     ErrorClass
	Operation string
	Num       int64

	cause error
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Class.String()
	}
	if e.Operation != "" {
		msg = fmt.Sprintf("[%s] %s: %s", e.Code, e.Operation, msg)
	} else {
		msg = fmt.Sprintf("[%s] %s", e.Code, msg)
	}
	if e.Num > 0 {
		msg = fmt.Sprintf("%s (num %d)", msg, e.Num)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// Is matches any ClassifiedError of the same class.
func (e *ClassifiedError) Is(target error) bool {
	t, ok := target.(*ClassifiedError)
	if !ok {
		return false
	}
	return t.Class == e.Class
}

// New creates a classified error
func New(class ErrorClass, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Code:      codeFor(class),
		Message:   message,
		Class:     class,
		Operation: operation,
	}
}

// Wrap classifies err. Wrapping nil returns nil.
func Wrap(err error, class ErrorClass, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Code:      codeFor(class),
		Message:   class.String(),
		Class:     class,
		Operation: operation,
		cause:     err,
	}
}

// WithNum records the sequence number involved.
func (e *ClassifiedError) WithNum(num int64) *ClassifiedError {
	e.Num = num
	return e
}

// ClassOf returns the class of the first ClassifiedError in err's chain.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}

// IsContention reports whether err is a lost compare-and-swap race.
func IsContention(err error) bool {
	return errors.Is(err, ErrWriteContention)
}

// IsTransport reports whether err is a failed remote call.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransportFailure)
}

func codeFor(class ErrorClass) string {
	switch class {
	case ClassOrderingViolation:
		return ErrOrderingViolation.Code
	case ClassWriteContention:
		return ErrWriteContention.Code
	case ClassTransportFailure:
		return ErrTransportFailure.Code
	case ClassIllegalReplay:
		return ErrIllegalReplay.Code
	default:
		return "UNKNOWN"
	}
}
