package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/sameanonim/imageboard/internal/config"
	"github.com/sameanonim/imageboard/internal/models"
	"github.com/sameanonim/imageboard/internal/queue"
	"github.com/sameanonim/imageboard/internal/repository"
	"github.com/sameanonim/imageboard/internal/security"
	"github.com/sameanonim/imageboard/internal/service"
	"github.com/sameanonim/imageboard/internal/storage"
)

const (
	operatorSecret = "operator-secret"
	resourceSecret = "resource-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	files   *repository.MemoryFileRepository
	content *storage.MemoryStore
	queue   *queue.MemoryQueue
	router  *gin.Engine
}

func newFixture(t *testing.T, checks map[string]HealthCheck) *fixture {
	t.Helper()
	cfg := &config.AppConfig{
		Environment: "test",
		Ingest: config.IngestConfig{
			MaxBytes:          1 << 20,
			AllowedExtensions: []string{"png", "jpg", "mp4"},
			AllowedMimeTypes:  []string{"image/png", "image/jpeg", "video/mp4"},
		},
		Security: config.SecurityConfig{
			OperatorSecret: operatorSecret,
			ResourceSecret: resourceSecret,
		},
	}
	fx := &fixture{
		files:   repository.NewMemoryFileRepository(),
		content: storage.NewMemoryStore(),
		queue:   queue.NewMemoryQueue(8),
	}
	t.Cleanup(fx.queue.Close)

	log := zerolog.Nop()
	ingest := service.NewIngestService(fx.files, fx.content, fx.queue, cfg.Ingest, log)
	status := service.NewStatusService(fx.files, fx.content, service.StatusOptions{ResourceSecret: resourceSecret, CacheSize: 16}, log)

	fx.router = gin.New()
	NewHandlerSet(log, cfg, ingest, status, fx.content, checks).Register(&fx.router.RouterGroup)
	return fx
}

func (fx *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.NRGBA{R: 200, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/media/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func bearer(t *testing.T, role models.OperatorRole) string {
	t.Helper()
	tok, err := security.GenerateOperatorToken(operatorSecret, "op", role, time.Hour)
	if err != nil {
		t.Fatalf("GenerateOperatorToken: %v", err)
	}
	return "Bearer " + tok
}

func TestUploadAndStatus(t *testing.T) {
	fx := newFixture(t, nil)

	rec := fx.do(uploadRequest(t, "cat.png", "image/png", pngBytes(t)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var handle service.FileHandle
	if err := json.Unmarshal(rec.Body.Bytes(), &handle); err != nil {
		t.Fatalf("decode handle: %v", err)
	}
	if handle.ID == 0 || handle.Status != models.FileStatusPending || handle.MimeType != "image/png" {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	if fx.queue.Len(models.LaneImage) != 1 {
		t.Fatal("upload did not enqueue a job")
	}

	rec = fx.do(httptest.NewRequest(http.MethodGet, "/api/v1/media/"+strconv.FormatInt(handle.ID, 10)+"/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("pending status must not be cached")
	}
	var st service.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.FileID != handle.ID || st.Status != models.FileStatusPending {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestUploadRejections(t *testing.T) {
	fx := newFixture(t, nil)

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"no file", httptest.NewRequest(http.MethodPost, "/api/v1/media/upload", strings.NewReader("")), http.StatusBadRequest},
		{"bad extension", uploadRequest(t, "cat.exe", "image/png", pngBytes(t)), http.StatusBadRequest},
		{"mismatched content", uploadRequest(t, "cat.png", "image/png", []byte("plain text")), http.StatusBadRequest},
		{"too large", uploadRequest(t, "big.png", "image/png", bytes.Repeat([]byte{1}, 3<<20)), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := fx.do(tt.req); rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
	if len(fx.content.Keys(storage.BucketOriginals)) != 0 {
		t.Fatal("rejected uploads must not leave blobs")
	}
}

func TestStatusNotFoundAndBadID(t *testing.T) {
	fx := newFixture(t, nil)

	if rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/v1/media/42/status", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/v1/media/abc/status", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func processed(t *testing.T, fx *fixture) models.File {
	t.Helper()
	ctx := context.Background()
	if err := fx.content.Put(ctx, storage.BucketOriginals, "o.png", pngBytes(t), "image/png"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	f, err := fx.files.Create(ctx, models.File{StoredKey: "o.png", DeclaredKind: models.MediaKindImage, MimeType: "image/png"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fx.files.Claim(ctx, f.ID, "tok", 3); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := fx.content.Put(ctx, storage.BucketVariants, "o_thumb_tok.jpg", []byte("jpeg"), "image/jpeg"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	f, err = fx.files.Complete(ctx, f.ID, "tok", repository.Completion{ThumbnailKey: "o_thumb_tok.jpg", Width: 8, Height: 8})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return f
}

func TestThumbnailRequiresSignature(t *testing.T) {
	fx := newFixture(t, nil)
	f := processed(t, fx)

	rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/v1/media/"+strconv.FormatInt(f.ID, 10)+"/status", nil))
	var st service.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Status != models.FileStatusProcessed || st.ThumbnailRef == "" {
		t.Fatalf("unexpected status: %+v", st)
	}

	rec = fx.do(httptest.NewRequest(http.MethodGet, st.ThumbnailRef, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "jpeg" {
		t.Fatalf("expected thumbnail, got %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("unexpected content type %q", ct)
	}

	rec = fx.do(httptest.NewRequest(http.MethodGet, "/media/thumbs/o_thumb_tok.jpg?sig=forged", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec = fx.do(httptest.NewRequest(http.MethodGet, security.ThumbnailRef(resourceSecret, "missing.jpg"), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAttachRequiresServiceRole(t *testing.T) {
	fx := newFixture(t, nil)
	f := processed(t, fx)
	path := "/api/v1/media/" + strconv.FormatInt(f.ID, 10) + "/attach"

	attach := func(auth string, postID int) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"post_id": `+strconv.Itoa(postID)+`}`))
		req.Header.Set("Content-Type", "application/json")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		return fx.do(req)
	}

	if rec := attach("", 77); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := attach(bearer(t, models.OperatorRoleModerator), 77); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec := attach(bearer(t, models.OperatorRoleService), 77); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := attach(bearer(t, models.OperatorRoleService), 78); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 when attaching to another post, got %d", rec.Code)
	}

	got, err := fx.files.Get(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OwningPostID == nil || *got.OwningPostID != 77 {
		t.Fatalf("unexpected owner: %v", got.OwningPostID)
	}
}

func TestAdminListAndDelete(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	f := processed(t, fx)

	dead, err := fx.files.Create(ctx, models.File{StoredKey: "d.png", DeclaredKind: models.MediaKindImage})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fx.files.Claim(ctx, dead.ID, "tok", 3); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := fx.files.Fail(ctx, dead.ID, "tok", "corrupt image"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if _, err := fx.files.DeadLetter(ctx, dead.ID, ""); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	if rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/v1/admin/files", nil)); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/files", nil)
	req.Header.Set("Authorization", bearer(t, models.OperatorRoleModerator))
	rec := fx.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list struct {
		Items []adminFile `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != dead.ID || list.Items[0].LastError != "corrupt image" {
		t.Fatalf("unexpected items: %+v", list.Items)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/files?status=bogus", nil)
	req.Header.Set("Authorization", bearer(t, models.OperatorRoleAdmin))
	if rec := fx.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/admin/files/"+strconv.FormatInt(f.ID, 10), nil)
	req.Header.Set("Authorization", bearer(t, models.OperatorRoleModerator))
	if rec := fx.do(req); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := fx.files.Get(ctx, f.ID); !errors.Is(err, repository.ErrFileNotFound) {
		t.Fatalf("file should be gone, got %v", err)
	}
	if len(fx.content.Keys(storage.BucketVariants)) != 0 || len(fx.content.Keys(storage.BucketOriginals)) != 0 {
		t.Fatal("blobs should be released with the record")
	}

	if rec := fx.do(req); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	fx := newFixture(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})
	if rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	fx = newFixture(t, map[string]HealthCheck{
		"queue": func(context.Context) error { return errors.New("down") },
	})
	rec := fx.do(httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "degraded") {
		t.Fatalf("expected degraded 503, got %d %s", rec.Code, rec.Body.String())
	}
}
