package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sameanonim/imageboard/internal/media/sniffer"
	"github.com/sameanonim/imageboard/internal/service"
	"github.com/sameanonim/imageboard/internal/storage"
)

// multipartOverhead leaves room for boundaries and headers around the file part.
const multipartOverhead = 1 << 20

func (h HandlerSet) UploadMedia(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.Ingest.MaxBytes+multipartOverhead)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_required"})
		return
	}
	defer file.Close()

	handle, err := h.ingest.Ingest(c.Request.Context(), service.IngestInput{
		Reader:      file,
		Filename:    header.Filename,
		ContentType: sniffer.MimeTypeFromHTTP(http.Header(header.Header)),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, handle)
}

func (h HandlerSet) MediaStatus(c *gin.Context) {
	id, ok := fileID(c)
	if !ok {
		return
	}

	st, err := h.status.GetStatus(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if !st.Status.Terminal() {
		c.Header("Cache-Control", "no-store")
	}
	c.JSON(http.StatusOK, st)
}

type attachRequest struct {
	PostID int64 `json:"post_id" binding:"required"`
}

func (h HandlerSet) AttachMedia(c *gin.Context) {
	id, ok := fileID(c)
	if !ok {
		return
	}

	var req attachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}

	f, err := h.status.Attach(c.Request.Context(), id, req.PostID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"file_id": f.ID, "post_id": req.PostID, "status": f.Status})
}

// Thumbnail serves a signed thumbnail reference. Keys are unique per processing attempt.
func (h HandlerSet) Thumbnail(c *gin.Context) {
	key := c.GetString("thumbnail_key")
	data, err := h.content.Get(c.Request.Context(), storage.BucketVariants, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.writeError(c, err)
		return
	}

	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Data(http.StatusOK, "image/jpeg", data)
}
