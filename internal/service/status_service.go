package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/sameanonim/imageboard/internal/models"
	"github.com/sameanonim/imageboard/internal/notify"
	"github.com/sameanonim/imageboard/internal/reaper"
	"github.com/sameanonim/imageboard/internal/repository"
	"github.com/sameanonim/imageboard/internal/security"
	"github.com/sameanonim/imageboard/internal/storage"
)

type Status struct {
	FileID       int64             `json:"file_id"`
	Status       models.FileStatus `json:"status"`
	ThumbnailRef string            `json:"thumbnail_ref,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type StatusOptions struct {
	ResourceSecret string
	CacheSize      int
	CacheTTL       time.Duration
	// OnAttach runs when an already processed file joins a post.
	OnAttach notify.Hook
}

// StatusService answers status polls and applies post and operator actions to files.
type StatusService struct {
	files   repository.FileStore
	content storage.ContentStore
	secret  string
	cache   *expirable.LRU[int64, Status]
	hook    notify.Hook
	log     zerolog.Logger
}

func NewStatusService(files repository.FileStore, content storage.ContentStore, opts StatusOptions, log zerolog.Logger) *StatusService {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10000
	}
	if opts.OnAttach == nil {
		opts.OnAttach = notify.Nop
	}
	return &StatusService{
		files:   files,
		content: content,
		secret:  opts.ResourceSecret,
		cache:   expirable.NewLRU[int64, Status](opts.CacheSize, nil, opts.CacheTTL),
		hook:    opts.OnAttach,
		log:     log.With().Str("component", "status").Logger(),
	}
}

// GetStatus reports where a file is in the pipeline. Only terminal answers for
// attached files are cached; orphans can be reaped by another process at any time.
func (s *StatusService) GetStatus(ctx context.Context, id int64) (Status, error) {
	if st, ok := s.cache.Get(id); ok {
		return st, nil
	}

	f, err := s.files.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}

	st := s.statusOf(f)
	if f.Status.Terminal() && !f.Orphan() {
		s.cache.Add(id, st)
	}
	return st, nil
}

func (s *StatusService) statusOf(f models.File) Status {
	st := Status{FileID: f.ID, Status: f.Status}
	switch f.Status {
	case models.FileStatusProcessed:
		st.ThumbnailRef = security.ThumbnailRef(s.secret, f.ThumbnailKey)
	case models.FileStatusFailed, models.FileStatusDeadLettered:
		st.Error = f.LastError
	}
	return st
}

// Attach links a file to the post it was submitted with.
func (s *StatusService) Attach(ctx context.Context, id, postID int64) (models.File, error) {
	if postID <= 0 {
		return models.File{}, invalid("post_id", "must be positive")
	}
	f, err := s.files.Attach(ctx, id, postID)
	if err != nil {
		return models.File{}, err
	}
	if f.Status == models.FileStatusProcessed {
		if err := s.hook.OnProcessed(ctx, f); err != nil {
			s.log.Warn().Err(err).Int64("file_id", id).Int64("post_id", postID).Msg("attach hook failed")
		}
	}
	return f, nil
}

// Delete removes a file and its blobs. Files being processed are refused.
func (s *StatusService) Delete(ctx context.Context, id int64) error {
	err := s.files.Remove(ctx, id, reaper.ReleaseBlobs(s.content))
	s.cache.Remove(id)
	switch {
	case err == nil:
		s.log.Info().Int64("file_id", id).Msg("file deleted")
		return nil
	case errors.Is(err, repository.ErrTransitionRejected):
		return ErrFileBusy
	case errors.Is(err, repository.ErrFileNotFound):
		return err
	default:
		return fmt.Errorf("delete file %d: %w", id, err)
	}
}

func (s *StatusService) ListByStatus(ctx context.Context, status models.FileStatus, limit, offset int) ([]models.File, error) {
	if !status.Valid() {
		return nil, invalid("status", "unknown status %q", status)
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.files.ListByStatus(ctx, status, limit, offset)
}
