package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sameanonim/imageboard/internal/models"
	"github.com/sameanonim/imageboard/internal/queue"
	"github.com/sameanonim/imageboard/internal/repository"
	"github.com/sameanonim/imageboard/internal/retry"
	"github.com/sameanonim/imageboard/internal/storage"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type flakyStore struct {
	*storage.MemoryStore
	failKey string
}

func (s *flakyStore) Delete(ctx context.Context, bucket storage.Bucket, key string) error {
	if key == s.failKey {
		return errors.New("object store unavailable")
	}
	return s.MemoryStore.Delete(ctx, bucket, key)
}

type fixture struct {
	clock   *clock
	files   *repository.MemoryFileRepository
	content *flakyStore
	queue   *queue.MemoryQueue
	reaper  *Reaper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := &fixture{
		clock:   c,
		files:   repository.NewMemoryFileRepository().WithClock(c.now),
		content: &flakyStore{MemoryStore: storage.NewMemoryStore()},
		queue:   queue.NewMemoryQueue(16),
	}
	t.Cleanup(f.queue.Close)

	controller := retry.NewController(retry.Policy{MaxAttempts: 3, Base: time.Minute, Max: time.Hour, Multiplier: 2})
	f.reaper = New(f.files, f.content, f.queue, controller, Options{
		GracePeriod:      24 * time.Hour,
		StaleLockTimeout: 65 * time.Minute,
		BatchSize:        100,
	}, zerolog.Nop()).WithClock(c.now)
	return f
}

func (f *fixture) create(t *testing.T, createdAt time.Time, key string) models.File {
	t.Helper()
	ctx := context.Background()
	if err := f.content.Put(ctx, storage.BucketOriginals, key, []byte("data"), "image/png"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	file, err := f.files.Create(ctx, models.File{
		StoredKey:    key,
		DeclaredKind: models.MediaKindImage,
		MimeType:     "image/png",
		CreatedAt:    createdAt,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return file
}

func TestSweepRespectsGracePeriod(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	cutoff := fx.clock.now().Add(-24 * time.Hour)

	old := fx.create(t, cutoff.Add(-time.Second), "old.png")
	fresh := fx.create(t, cutoff.Add(time.Second), "fresh.png")

	attached := fx.create(t, cutoff.Add(-time.Hour), "attached.png")
	if _, err := fx.files.Attach(ctx, attached.ID, 99); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	busy := fx.create(t, cutoff.Add(-time.Hour), "busy.png")
	if _, err := fx.files.Claim(ctx, busy.ID, "token", 3); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	res, err := fx.reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Deleted != 1 || res.Errors != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	if _, err := fx.files.Get(ctx, old.ID); !errors.Is(err, repository.ErrFileNotFound) {
		t.Fatalf("expected old orphan deleted, got %v", err)
	}
	if _, err := fx.content.Get(ctx, storage.BucketOriginals, "old.png"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected old blob deleted, got %v", err)
	}
	for _, id := range []int64{fresh.ID, attached.ID, busy.ID} {
		if _, err := fx.files.Get(ctx, id); err != nil {
			t.Fatalf("file %d should be kept: %v", id, err)
		}
	}
}

func TestSweepDeletesVariantsOfProcessedOrphans(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	file := fx.create(t, fx.clock.now().Add(-48*time.Hour), "done.png")
	if _, err := fx.files.Claim(ctx, file.ID, "tok", 3); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	for _, key := range []string{"done_normalized.png", "done_thumb.jpg"} {
		if err := fx.content.Put(ctx, storage.BucketVariants, key, []byte("v"), "image/png"); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if _, err := fx.files.Complete(ctx, file.ID, "tok", repository.Completion{
		NormalizedKey: "done_normalized.png",
		ThumbnailKey:  "done_thumb.jpg",
		Width:         10,
		Height:        10,
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	res, err := fx.reaper.Sweep(ctx)
	if err != nil || res.Deleted != 1 {
		t.Fatalf("unexpected sweep: %+v %v", res, err)
	}
	if keys := fx.content.Keys(storage.BucketVariants); len(keys) != 0 {
		t.Fatalf("variants left behind: %v", keys)
	}
}

func TestSweepKeepsRecordWhenBlobDeleteFails(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	stuck := fx.create(t, fx.clock.now().Add(-48*time.Hour), "stuck.png")
	other := fx.create(t, fx.clock.now().Add(-47*time.Hour), "other.png")
	fx.content.failKey = "stuck.png"

	res, err := fx.reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Deleted != 1 || res.Errors != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := fx.files.Get(ctx, stuck.ID); err != nil {
		t.Fatalf("record must survive a failed blob delete: %v", err)
	}
	if _, err := fx.files.Get(ctx, other.ID); !errors.Is(err, repository.ErrFileNotFound) {
		t.Fatalf("sweep should move past the failure, got %v", err)
	}
}

func TestSweepResetsStaleClaims(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	requeue := fx.create(t, fx.clock.now(), "a.png")
	if _, err := fx.files.Claim(ctx, requeue.ID, "t1", 3); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	exhausted := fx.create(t, fx.clock.now(), "b.png")
	for i := 0; i < 2; i++ {
		if _, err := fx.files.Claim(ctx, exhausted.ID, "f", 3); err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if _, err := fx.files.Fail(ctx, exhausted.ID, "f", "io failure"); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}
	if _, err := fx.files.Claim(ctx, exhausted.ID, "t2", 3); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	fresh := fx.create(t, fx.clock.now(), "c.png")
	fx.clock.advance(2 * time.Hour)
	if _, err := fx.files.Claim(ctx, fresh.ID, "t3", 3); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	res, err := fx.reaper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Reset != 2 || res.DeadLettered != 1 || res.Errors != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	got, _ := fx.files.Get(ctx, requeue.ID)
	if got.Status != models.FileStatusFailed || got.AttemptCount != 1 || got.LastError == "" {
		t.Fatalf("unexpected requeued file: %+v", got)
	}
	if fx.queue.Len(models.LaneImage) != 1 {
		t.Fatalf("expected one requeued job, got %d", fx.queue.Len(models.LaneImage))
	}

	got, _ = fx.files.Get(ctx, exhausted.ID)
	if got.Status != models.FileStatusDeadLettered || got.AttemptCount != 3 {
		t.Fatalf("unexpected exhausted file: %+v", got)
	}

	got, _ = fx.files.Get(ctx, fresh.ID)
	if got.Status != models.FileStatusProcessing {
		t.Fatalf("recent claim must not be reset: %+v", got)
	}
}

func TestStaleLockError(t *testing.T) {
	err := &StaleLockError{Timeout: 65 * time.Minute}
	if err.Error() != "processing claim abandoned: no result within 1h5m0s" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}
