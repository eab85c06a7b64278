// Package failure classifies processing errors as transient or permanent.
package failure

import "errors"

type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Classifier is implemented by errors that know their own class.
type Classifier interface {
	FailureClass() Class
}

type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class) + " failure"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) FailureClass() Class { return e.Class }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassTransient, Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassPermanent, Err: err}
}

// ClassOf returns the class of err. Unclassified errors are transient.
func ClassOf(err error) Class {
	var c Classifier
	if errors.As(err, &c) {
		return c.FailureClass()
	}
	return ClassTransient
}

func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ClassPermanent
}
