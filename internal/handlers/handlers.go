package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/sameanonim/imageboard/internal/config"
	"github.com/sameanonim/imageboard/internal/middleware"
	"github.com/sameanonim/imageboard/internal/models"
	"github.com/sameanonim/imageboard/internal/service"
	"github.com/sameanonim/imageboard/internal/storage"
)

// HealthCheck reports whether one backing service is reachable.
type HealthCheck func(ctx context.Context) error

type HandlerSet struct {
	log     zerolog.Logger
	cfg     *config.AppConfig
	ingest  *service.IngestService
	status  *service.StatusService
	content storage.ContentStore
	checks  map[string]HealthCheck
}

func NewHandlerSet(
	log zerolog.Logger,
	cfg *config.AppConfig,
	ingest *service.IngestService,
	status *service.StatusService,
	content storage.ContentStore,
	checks map[string]HealthCheck,
) HandlerSet {
	return HandlerSet{
		log:     log,
		cfg:     cfg,
		ingest:  ingest,
		status:  status,
		content: content,
		checks:  checks,
	}
}

func (h HandlerSet) Register(root *gin.RouterGroup) {
	root.GET("/media/thumbs/*key", middleware.SignedThumbnail(h.cfg.Security.ResourceSecret), h.Thumbnail)

	api := root.Group("/api")
	api.GET("/healthz", h.Health)

	v1 := api.Group("/v1")

	media := v1.Group("/media")
	media.POST("/upload", h.UploadMedia)
	media.GET("/:id/status", h.MediaStatus)
	media.POST("/:id/attach",
		middleware.OperatorAuth(h.cfg.Security.OperatorSecret),
		middleware.RequireRoles(models.OperatorRoleService, models.OperatorRoleAdmin),
		h.AttachMedia,
	)

	admin := v1.Group("/admin")
	admin.Use(middleware.OperatorAuth(h.cfg.Security.OperatorSecret))
	admin.GET("/files",
		middleware.RequireRoles(models.OperatorRoleModerator, models.OperatorRoleAdmin),
		h.AdminListFiles,
	)
	admin.DELETE("/files/:id",
		middleware.RequireRoles(models.OperatorRoleModerator, models.OperatorRoleAdmin),
		h.AdminDeleteFile,
	)
}

func fileID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}

// writeError maps service errors onto HTTP responses.
func (h HandlerSet) writeError(c *gin.Context, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "field": verr.Field, "reason": verr.Reason})
	case errors.Is(err, service.ErrFileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, service.ErrAlreadyAttached):
		c.JSON(http.StatusConflict, gin.H{"error": "already_attached"})
	case errors.Is(err, service.ErrFileBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "file_busy"})
	case errors.Is(err, service.ErrQueueUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue_unavailable"})
	default:
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
	}
}
