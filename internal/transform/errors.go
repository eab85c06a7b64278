package transform

import (
	"fmt"

	"github.com/sameanonim/imageboard/internal/failure"
	"github.com/sameanonim/imageboard/internal/models"
)

type Reason string

const (
	ReasonUnsupported     Reason = "unsupported"
	ReasonCorrupt         Reason = "corrupt"
	ReasonToolUnavailable Reason = "tool_unavailable"
	ReasonIOFailure       Reason = "io_failure"
	ReasonTimeout         Reason = "timeout"
)

type Error struct {
	Reason Reason
	Kind   models.MediaKind
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Reason, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FailureClass maps bad input to permanent and environment problems to transient.
func (e *Error) FailureClass() failure.Class {
	switch e.Reason {
	case ReasonUnsupported, ReasonCorrupt:
		return failure.ClassPermanent
	default:
		return failure.ClassTransient
	}
}

func newError(reason Reason, kind models.MediaKind, format string, args ...any) error {
	return &Error{Reason: reason, Kind: kind, Err: fmt.Errorf(format, args...)}
}
