package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fleet-patch-backend/config"
	"fleet-patch-backend/internal/auth"
)

// CallerKey is the gin context key the authenticated caller is stored
// under.
const CallerKey = "caller"

// TokenAuth is a middleware that authenticates requests by bearer token
// and attaches the resulting caller, with its capabilities, to the
// request context.
func TokenAuth(tokens []config.APIToken) gin.HandlerFunc {
	callers := make(map[string]auth.Caller, len(tokens))
	for _, t := range tokens {
		callers[t.Token] = auth.NewCaller(t.Name, t.Capabilities)
	}
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		caller, ok := callers[token]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(CallerKey, caller)
		c.Next()
	}
}

// Caller returns the authenticated caller for the request. The zero
// caller has no capabilities.
func Caller(c *gin.Context) auth.Caller {
	if v, ok := c.Get(CallerKey); ok {
		if caller, ok := v.(auth.Caller); ok {
			return caller
		}
	}
	return auth.Caller{}
}
