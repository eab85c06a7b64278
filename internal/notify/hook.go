// Package notify delivers on_processed notifications to collaborators.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/sameanonim/imageboard/internal/models"
)

// Hook is called once a file reaches processed. Errors are logged, never retried.
type Hook interface {
	OnProcessed(ctx context.Context, f models.File) error
}

type HookFunc func(ctx context.Context, f models.File) error

func (fn HookFunc) OnProcessed(ctx context.Context, f models.File) error { return fn(ctx, f) }

// Fanout calls every hook in order, even after one fails.
type Fanout []Hook

func (hooks Fanout) OnProcessed(ctx context.Context, f models.File) error {
	var errs []error
	for i, h := range hooks {
		if h == nil {
			continue
		}
		if err := h.OnProcessed(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("hook %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

var Nop Hook = HookFunc(func(context.Context, models.File) error { return nil })
