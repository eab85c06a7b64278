package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sameanonim/imageboard/internal/models"
)

func RequireRoles(roles ...models.OperatorRole) gin.HandlerFunc {
	roleSet := make(map[models.OperatorRole]struct{}, len(roles))
	for _, role := range roles {
		roleSet[role] = struct{}{}
	}

	return func(c *gin.Context) {
		claims, ok := OperatorClaims(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		if _, ok := roleSet[claims.Role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		c.Next()
	}
}
