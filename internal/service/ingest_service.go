package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/sameanonim/imageboard/internal/config"
	"github.com/sameanonim/imageboard/internal/ids"
	"github.com/sameanonim/imageboard/internal/media/sniffer"
	"github.com/sameanonim/imageboard/internal/models"
	"github.com/sameanonim/imageboard/internal/queue"
	"github.com/sameanonim/imageboard/internal/repository"
	"github.com/sameanonim/imageboard/internal/storage"
)

var ingestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "imageboard_ingest_total",
	Help: "Uploads by outcome and rejected field",
}, []string{"outcome", "field"})

const maxOriginalName = 255

type IngestInput struct {
	Reader      io.Reader
	Filename    string
	ContentType string
}

// FileHandle is returned to the poster right after upload.
type FileHandle struct {
	ID       int64             `json:"file_id"`
	Status   models.FileStatus `json:"status"`
	Kind     models.MediaKind  `json:"kind"`
	MimeType string            `json:"mime_type"`
	ByteSize int64             `json:"byte_size"`
	Checksum string            `json:"checksum"`
}

type IngestService struct {
	files   repository.FileStore
	content storage.ContentStore
	queue   queue.Queue
	cfg     config.IngestConfig
	now     func() time.Time
	log     zerolog.Logger
}

func NewIngestService(files repository.FileStore, content storage.ContentStore, q queue.Queue, cfg config.IngestConfig, log zerolog.Logger) *IngestService {
	return &IngestService{
		files:   files,
		content: content,
		queue:   q,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log.With().Str("component", "ingest").Logger(),
	}
}

// Ingest validates and stores an upload, records it as pending and enqueues its job.
// Either all three happen or none is left behind.
func (s *IngestService) Ingest(ctx context.Context, in IngestInput) (FileHandle, error) {
	data, sniffed, kind, err := s.validate(in)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			ingestTotal.WithLabelValues("rejected", verr.Field).Inc()
		} else {
			ingestTotal.WithLabelValues("error", "").Inc()
		}
		return FileHandle{}, err
	}

	sum := blake2b.Sum256(data)
	key := ids.ObjectKey(s.now(), string(sniffed.Type))
	if err := s.content.Put(ctx, storage.BucketOriginals, key, data, sniffed.MIME); err != nil {
		ingestTotal.WithLabelValues("error", "").Inc()
		return FileHandle{}, fmt.Errorf("store original: %w", err)
	}

	// Rollback must finish even if the client went away.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	f, err := s.files.Create(ctx, models.File{
		StoredKey:    key,
		OriginalName: originalName(in.Filename),
		DeclaredKind: kind,
		MimeType:     sniffed.MIME,
		ByteSize:     int64(len(data)),
		Checksum:     hex.EncodeToString(sum[:]),
		Status:       models.FileStatusPending,
	})
	if err != nil {
		s.deleteOriginal(rctx, key)
		ingestTotal.WithLabelValues("error", "").Inc()
		return FileHandle{}, fmt.Errorf("create record: %w", err)
	}

	if err := s.queue.Enqueue(ctx, models.LaneFor(kind), models.JobFor(f)); err != nil {
		s.rollback(rctx, f)
		ingestTotal.WithLabelValues("error", "").Inc()
		return FileHandle{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	ingestTotal.WithLabelValues("accepted", "").Inc()
	s.log.Info().
		Int64("file_id", f.ID).
		Str("kind", string(kind)).
		Str("mime", sniffed.MIME).
		Int64("bytes", f.ByteSize).
		Msg("upload accepted")

	return FileHandle{
		ID:       f.ID,
		Status:   f.Status,
		Kind:     f.DeclaredKind,
		MimeType: f.MimeType,
		ByteSize: f.ByteSize,
		Checksum: f.Checksum,
	}, nil
}

func (s *IngestService) validate(in IngestInput) ([]byte, sniffer.Result, models.MediaKind, error) {
	var none sniffer.Result
	if in.Reader == nil {
		return nil, none, "", invalid("file", "missing")
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(in.Filename), "."))
	if ext == "" || !slices.Contains(lower(s.cfg.AllowedExtensions), ext) {
		return nil, none, "", invalid("filename", "extension %q not allowed", ext)
	}
	kind, ok := sniffer.KindForExtension(ext)
	if !ok {
		return nil, none, "", invalid("filename", "extension %q not allowed", ext)
	}

	allowedMIME := lower(s.cfg.AllowedMimeTypes)
	declared := sniffer.NormalizeMIME(in.ContentType)
	if declared == "application/octet-stream" {
		declared = ""
	}
	if declared != "" && !slices.Contains(allowedMIME, declared) {
		return nil, none, "", invalid("content_type", "%s not allowed", declared)
	}

	data, err := io.ReadAll(io.LimitReader(in.Reader, s.cfg.MaxBytes+1))
	if err != nil {
		return nil, none, "", fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxBytes {
		return nil, none, "", invalid("file", "larger than %d bytes", s.cfg.MaxBytes)
	}
	if len(data) == 0 {
		return nil, none, "", invalid("file", "empty")
	}

	sniffed, err := sniffer.DetectHead(data)
	if err != nil {
		return nil, none, "", invalid("file", "unrecognized content")
	}
	if !slices.Contains(allowedMIME, sniffed.MIME) {
		return nil, none, "", invalid("file", "content type %s not allowed", sniffed.MIME)
	}
	if declared != "" && declared != sniffed.MIME {
		return nil, none, "", invalid("content_type", "declared %s but content is %s", declared, sniffed.MIME)
	}
	if sniffed.Kind != kind {
		return nil, none, "", invalid("filename", "extension %q does not match %s content", ext, sniffed.Kind)
	}
	return data, sniffed, kind, nil
}

func (s *IngestService) rollback(ctx context.Context, f models.File) {
	err := s.files.Remove(ctx, f.ID, func(ctx context.Context, f models.File) error {
		return s.content.Delete(ctx, storage.BucketOriginals, f.StoredKey)
	})
	if err != nil {
		s.log.Error().Err(err).Int64("file_id", f.ID).Msg("rollback failed, left for the reaper")
	}
}

func (s *IngestService) deleteOriginal(ctx context.Context, key string) {
	if err := s.content.Delete(ctx, storage.BucketOriginals, key); err != nil {
		s.log.Error().Err(err).Str("stored_key", key).Msg("delete original after failed create")
	}
}

func originalName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	if len(name) > maxOriginalName {
		name = strings.ToValidUTF8(name[:maxOriginalName], "")
	}
	return name
}

func lower(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.ToLower(strings.TrimSpace(strings.TrimPrefix(v, "."))))
	}
	return out
}
