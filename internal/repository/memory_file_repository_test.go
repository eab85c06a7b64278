package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sameanonim/imageboard/internal/models"
)

func TestMemoryRepositoryReportsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryFileRepository()

	processed, err := repo.Create(ctx, newFile(time.Now()))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := repo.Claim(ctx, processed.ID, "tok", 3); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := repo.Complete(ctx, processed.ID, "tok", Completion{ThumbnailKey: "t"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	pending, err := repo.Create(ctx, newFile(time.Now()))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tests := []struct {
		name string
		call func() error
		from models.FileStatus
		to   models.FileStatus
	}{
		{
			name: "claim processed",
			call: func() error { _, err := repo.Claim(ctx, processed.ID, "tok-2", 3); return err },
			from: models.FileStatusProcessed,
			to:   models.FileStatusProcessing,
		},
		{
			name: "dead-letter processed",
			call: func() error { _, err := repo.DeadLetter(ctx, processed.ID, "late"); return err },
			from: models.FileStatusProcessed,
			to:   models.FileStatusDeadLettered,
		},
		{
			name: "dead-letter pending",
			call: func() error { _, err := repo.DeadLetter(ctx, pending.ID, "early"); return err },
			from: models.FileStatusPending,
			to:   models.FileStatusDeadLettered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, ErrTransitionRejected) {
				t.Fatalf("expected ErrTransitionRejected, got %v", err)
			}
			var te *models.TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("expected *models.TransitionError in %v", err)
			}
			if te.From != tt.from || te.To != tt.to {
				t.Fatalf("transition = %s -> %s, want %s -> %s", te.From, te.To, tt.from, tt.to)
			}
		})
	}
}

func TestMemoryRepositoryBudgetRejectionIsNotAGraphError(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryFileRepository()

	f, err := repo.Create(ctx, newFile(time.Now()))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = repo.Claim(ctx, f.ID, "tok", 0)
	if !errors.Is(err, ErrTransitionRejected) {
		t.Fatalf("expected ErrTransitionRejected, got %v", err)
	}
	var te *models.TransitionError
	if errors.As(err, &te) {
		t.Fatalf("budget rejection reported as graph violation: %v", err)
	}
}
