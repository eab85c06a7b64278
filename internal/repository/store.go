package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sameanonim/imageboard/internal/models"
)

var (
	ErrFileNotFound = errors.New("file not found")
	// ErrTransitionRejected means the conditional update matched no row:
	// another worker owns the file, the claim token is stale, or the status does not allow the move.
	ErrTransitionRejected = errors.New("file status transition rejected")
	ErrAlreadyAttached    = errors.New("file already attached to another post")
)

type Completion struct {
	NormalizedKey string
	ThumbnailKey  string
	Width         int
	Height        int
}

// ReleaseFunc removes a file's blobs while the store holds the record locked.
// Returning an error keeps the record.
type ReleaseFunc func(ctx context.Context, f models.File) error

// FileStore is the only place file status changes. Every transition is conditional.
type FileStore interface {
	Create(ctx context.Context, f models.File) (models.File, error)
	Get(ctx context.Context, id int64) (models.File, error)
	ListByStatus(ctx context.Context, status models.FileStatus, limit, offset int) ([]models.File, error)

	// Claim moves pending|failed to processing when attempt_count < maxAttempts.
	Claim(ctx context.Context, id int64, token string, maxAttempts int) (models.File, error)
	Complete(ctx context.Context, id int64, token string, c Completion) (models.File, error)
	Fail(ctx context.Context, id int64, token, reason string) (models.File, error)
	// Interrupt hands back a claim whose attempt never ran to an outcome. The attempt is not charged.
	Interrupt(ctx context.Context, id int64, token, reason string) (models.File, error)
	DeadLetter(ctx context.Context, id int64, reason string) (models.File, error)
	ResetStale(ctx context.Context, lockedBefore time.Time, reason string) ([]models.File, error)

	Attach(ctx context.Context, id, postID int64) (models.File, error)

	// Remove deletes a non-processing file after release succeeds.
	Remove(ctx context.Context, id int64, release ReleaseFunc) error
	ListOrphanCandidates(ctx context.Context, createdBefore time.Time, limit int) ([]models.File, error)
	// ReapOrphan re-checks the orphan predicate under lock, runs release and deletes the record.
	// It reports false when the file no longer qualifies.
	ReapOrphan(ctx context.Context, id int64, createdBefore time.Time, release ReleaseFunc) (bool, error)
}
