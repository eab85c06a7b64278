package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sameanonim/imageboard/internal/middleware"
	"github.com/sameanonim/imageboard/internal/models"
)

type adminFile struct {
	ID           int64             `json:"id"`
	PostID       *int64            `json:"post_id"`
	Kind         models.MediaKind  `json:"kind"`
	MimeType     string            `json:"mime_type"`
	OriginalName string            `json:"original_name"`
	ByteSize     int64             `json:"byte_size"`
	Status       models.FileStatus `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	LastError    string            `json:"last_error,omitempty"`
	CreatedAt    string            `json:"created_at"`
	LastModified string            `json:"last_modified"`
}

// AdminListFiles pages through files in one status, dead_lettered by default.
func (h HandlerSet) AdminListFiles(c *gin.Context) {
	limit := 50
	offset := 0

	if perPage := c.Query("perPage"); perPage != "" {
		if v, err := strconv.Atoi(perPage); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}
	if page := c.Query("page"); page != "" {
		if v, err := strconv.Atoi(page); err == nil && v > 1 {
			offset = (v - 1) * limit
		}
	}
	status := models.FileStatus(c.DefaultQuery("status", string(models.FileStatusDeadLettered)))

	files, err := h.status.ListByStatus(c.Request.Context(), status, limit, offset)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]adminFile, 0, len(files))
	for _, f := range files {
		items = append(items, adminFile{
			ID:           f.ID,
			PostID:       f.OwningPostID,
			Kind:         f.DeclaredKind,
			MimeType:     f.MimeType,
			OriginalName: f.OriginalName,
			ByteSize:     f.ByteSize,
			Status:       f.Status,
			AttemptCount: f.AttemptCount,
			LastError:    f.LastError,
			CreatedAt:    f.CreatedAt.UTC().Format(time.RFC3339),
			LastModified: f.LastModified.UTC().Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"items": items,
	})
}

func (h HandlerSet) AdminDeleteFile(c *gin.Context) {
	id, ok := fileID(c)
	if !ok {
		return
	}

	if err := h.status.Delete(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}

	if claims, ok := middleware.OperatorClaims(c); ok {
		h.log.Info().Int64("file_id", id).Str("operator", claims.Subject).Msg("operator deleted file")
	}
	c.Status(http.StatusNoContent)
}
