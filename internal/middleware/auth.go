package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sameanonim/imageboard/internal/security"
)

const operatorClaimsKey = "operator_claims"

// OperatorAuth accepts HS512 bearer tokens signed with the operator secret.
func OperatorAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := security.ParseOperatorToken(tokenStr, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		c.Set(operatorClaimsKey, claims)
		c.Next()
	}
}

func OperatorClaims(c *gin.Context) (*security.OperatorClaims, bool) {
	v, ok := c.Get(operatorClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*security.OperatorClaims)
	return claims, ok && claims != nil
}
