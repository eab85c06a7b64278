package service

import (
	"errors"
	"fmt"

	"github.com/sameanonim/imageboard/internal/repository"
)

var (
	ErrQueueUnavailable = errors.New("processing queue unavailable")
	ErrFileBusy         = errors.New("file is being processed")
	ErrFileNotFound     = repository.ErrFileNotFound
	ErrAlreadyAttached  = repository.ErrAlreadyAttached
)

// ValidationError rejects an upload before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
