package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sameanonim/imageboard/internal/security"
)

// SignedThumbnail admits requests whose ?sig= matches the *key path parameter.
func SignedThumbnail(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimPrefix(c.Param("key"), "/")
		if key == "" || strings.Contains(key, "..") {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		if !security.VerifyThumbnail(secret, key, c.Query("sig")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid_signature"})
			return
		}
		c.Set("thumbnail_key", key)
		c.Next()
	}
}
