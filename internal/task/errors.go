package task

import (
	"fmt"

	"github.com/pkg/errors"
)

// Class tells a runner what to do with a file whose Run failed.
type Class int

const (
	// ClassPermanent writes a failure marker; the file is not retried.
	ClassPermanent Class = iota
	// ClassTransient reverts the file to Pending; it is retried on a later poll.
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "permanent"
}

type classified struct {
	class Class
	cause error
}

func (e *classified) Error() string { return e.cause.Error() }
func (e *classified) Unwrap() error { return e.cause }
func (e *classified) Cause() error  { return e.cause }

// Format keeps the stack trace of the wrapped error visible with %+v.
func (e *classified) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s error: %+v", e.class, e.cause)
		return
	}
	fmt.Fprint(s, e.Error())
}

// Transient marks err as retryable: the file reverts to Pending.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassTransient, cause: errors.WithStack(err)}
}

// Permanent marks err as final: a failure marker is written.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: ClassPermanent, cause: errors.WithStack(err)}
}

// Transientf formats a transient error.
func Transientf(format string, args ...any) error {
	return &classified{class: ClassTransient, cause: errors.Errorf(format, args...)}
}

// Permanentf formats a permanent error.
func Permanentf(format string, args ...any) error {
	return &classified{class: ClassPermanent, cause: errors.Errorf(format, args...)}
}

// Classify returns the class attached to err. Unclassified errors are
// permanent.
func Classify(err error) Class {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	return ClassPermanent
}

// Diagnostic renders err for a failure marker, including a stack trace when
// one was recorded.
func Diagnostic(err error) string {
	return fmt.Sprintf("%+v", err)
}
