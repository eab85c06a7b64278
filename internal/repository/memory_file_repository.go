package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sameanonim/imageboard/internal/models"
)

// MemoryFileRepository keeps files in process memory. One mutex serializes every
// transition, so the conditional semantics match the SQL implementation.
type MemoryFileRepository struct {
	mu     sync.Mutex
	files  map[int64]*models.File
	nextID int64
	now    func() time.Time
}

var _ FileStore = (*MemoryFileRepository)(nil)

func NewMemoryFileRepository() *MemoryFileRepository {
	return &MemoryFileRepository{
		files: make(map[int64]*models.File),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for timestamps.
func (r *MemoryFileRepository) WithClock(now func() time.Time) *MemoryFileRepository {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

func (r *MemoryFileRepository) Create(_ context.Context, f models.File) (models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	now := r.now()
	f.ID = r.nextID
	f.Status = models.FileStatusPending
	f.AttemptCount = 0
	f.LastError = ""
	f.LockToken = ""
	f.LockedAt = nil
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.LastModified = f.CreatedAt
	r.files[f.ID] = &f
	return clone(f), nil
}

func (r *MemoryFileRepository) Get(_ context.Context, id int64) (models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[id]
	if !ok {
		return models.File{}, ErrFileNotFound
	}
	return clone(*f), nil
}

func (r *MemoryFileRepository) ListByStatus(_ context.Context, status models.FileStatus, limit, offset int) ([]models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.File
	for _, f := range r.files {
		if f.Status == status {
			out = append(out, clone(*f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].ID > out[j].ID
		}
		return out[i].LastModified.After(out[j].LastModified)
	})
	return page(out, limit, offset), nil
}

func (r *MemoryFileRepository) Claim(_ context.Context, id int64, token string, maxAttempts int) (models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[id]
	if !ok {
		return models.File{}, ErrFileNotFound
	}
	if err := checkTransition(f, models.FileStatusProcessing); err != nil {
		return models.File{}, err
	}
	if f.AttemptCount >= maxAttempts {
		return models.File{}, ErrTransitionRejected
	}

	now := r.now()
	f.Status = models.FileStatusProcessing
	f.AttemptCount++
	f.LockToken = token
	f.LockedAt = &now
	f.LastModified = now
	return clone(*f), nil
}

func (r *MemoryFileRepository) Complete(_ context.Context, id int64, token string, c Completion) (models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.owned(id, token)
	if err != nil {
		return models.File{}, err
	}

	f.Status = models.FileStatusProcessed
	f.NormalizedKey = c.NormalizedKey
	f.ThumbnailKey = c.ThumbnailKey
	f.Width = c.Width
	f.Height = c.Height
	f.LastError = ""
	f.LockToken = ""
	f.LockedAt = nil
	f.LastModified = r.now()
	return clone(*f), nil
}

func (r *MemoryFileRepository) Fail(_ context.Context, id int64, token, reason string) (models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.owned(id, token)
	if err != nil {
		return models.File{}, err
	}

	r.markFailed(f, reason)
	return clone(*f), nil
}

func (r *MemoryFileRepository) Interrupt(_ context.Context, id int64, token, reason string) (models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.owned(id, token)
	if err != nil {
		return models.File{}, err
	}

	r.markFailed(f, reason)
	if f.AttemptCount > 0 {
		f.AttemptCount--
	}
	return clone(*f), nil
}

func (r *MemoryFileRepository) DeadLetter(_ context.Context, id int64, reason string) (models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[id]
	if !ok {
		return models.File{}, ErrFileNotFound
	}
	if err := checkTransition(f, models.FileStatusDeadLettered); err != nil {
		return models.File{}, err
	}

	f.Status = models.FileStatusDeadLettered
	if reason != "" {
		f.LastError = reason
	}
	f.LastModified = r.now()
	return clone(*f), nil
}

func (r *MemoryFileRepository) ResetStale(_ context.Context, lockedBefore time.Time, reason string) ([]models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reset []models.File
	for _, f := range r.files {
		if f.Status != models.FileStatusProcessing || f.LockedAt == nil || !f.LockedAt.Before(lockedBefore) {
			continue
		}
		r.markFailed(f, reason)
		reset = append(reset, clone(*f))
	}
	sort.Slice(reset, func(i, j int) bool { return reset[i].ID < reset[j].ID })
	return reset, nil
}

func (r *MemoryFileRepository) Attach(_ context.Context, id, postID int64) (models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[id]
	if !ok {
		return models.File{}, ErrFileNotFound
	}
	if f.OwningPostID != nil && *f.OwningPostID != postID {
		return models.File{}, ErrAlreadyAttached
	}

	f.OwningPostID = &postID
	f.LastModified = r.now()
	return clone(*f), nil
}

func (r *MemoryFileRepository) Remove(ctx context.Context, id int64, release ReleaseFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[id]
	if !ok {
		return ErrFileNotFound
	}
	_, err := r.deleteLocked(ctx, f, release)
	return err
}

func (r *MemoryFileRepository) ListOrphanCandidates(_ context.Context, createdBefore time.Time, limit int) ([]models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.File
	for _, f := range r.files {
		if orphanEligible(f, createdBefore) {
			out = append(out, clone(*f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

func (r *MemoryFileRepository) ReapOrphan(ctx context.Context, id int64, createdBefore time.Time, release ReleaseFunc) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[id]
	if !ok || !orphanEligible(f, createdBefore) {
		return false, nil
	}
	return r.deleteLocked(ctx, f, release)
}

func (r *MemoryFileRepository) deleteLocked(ctx context.Context, f *models.File, release ReleaseFunc) (bool, error) {
	if !models.CanDelete(f.Status) {
		return false, ErrTransitionRejected
	}
	if release != nil {
		if err := release(ctx, clone(*f)); err != nil {
			return false, err
		}
	}
	delete(r.files, f.ID)
	return true, nil
}

func (r *MemoryFileRepository) owned(id int64, token string) (*models.File, error) {
	f, ok := r.files[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	if f.Status != models.FileStatusProcessing || f.LockToken != token {
		return nil, ErrTransitionRejected
	}
	return f, nil
}

func (r *MemoryFileRepository) markFailed(f *models.File, reason string) {
	f.Status = models.FileStatusFailed
	f.LastError = nonEmpty(reason)
	f.LockToken = ""
	f.LockedAt = nil
	f.LastModified = r.now()
}

// checkTransition wraps the graph violation so callers can match either
// ErrTransitionRejected or *models.TransitionError.
func checkTransition(f *models.File, to models.FileStatus) error {
	if err := models.CheckTransition(f.ID, f.Status, to); err != nil {
		return fmt.Errorf("%w: %w", ErrTransitionRejected, err)
	}
	return nil
}

func orphanEligible(f *models.File, createdBefore time.Time) bool {
	return f.Orphan() &&
		f.CreatedAt.Before(createdBefore) &&
		f.Status != models.FileStatusProcessing
}

func clone(f models.File) models.File {
	if f.OwningPostID != nil {
		id := *f.OwningPostID
		f.OwningPostID = &id
	}
	if f.LockedAt != nil {
		at := *f.LockedAt
		f.LockedAt = &at
	}
	return f
}

func page(files []models.File, limit, offset int) []models.File {
	if offset >= len(files) {
		return nil
	}
	files = files[offset:]
	if limit > 0 && limit < len(files) {
		files = files[:limit]
	}
	return files
}
