// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file authenticates callers. User requests carry a bearer token that an
// IdentityResolver turns into an identity mapping; service-to-service requests
// carry a shared secret in X-Service-Token.
package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/services"
)

// HeaderServiceToken carries the shared secret of notifying services.
const HeaderServiceToken = "X-Service-Token"

const (
	ctxKeyIdentity = "identity"
	ctxKeyUserID   = "userID"
	ctxKeyToken    = "bearer"

	// ServiceUserID is the caller id recorded for service-token requests.
	ServiceUserID = "service"
)

// Resolver turns a bearer token into an identity. *services.IdentityResolver
// implements it.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*domain.IdentityMapping, error)
}

// BearerToken returns the token from "Authorization: Bearer", falling back to
// the token query parameter for clients that cannot set headers (EventSource,
// <img> tags).
func BearerToken(c *gin.Context) string {
	h := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(c.Query("token"))
}

// Authenticate resolves the caller and stores the identity in the context.
// Missing or invalid tokens get 401; resolver failures other than
// authentication errors get 500.
func Authenticate(res Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c)
		if token == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		m, err := res.Resolve(c.Request.Context(), token)
		switch {
		case errors.Is(err, services.ErrAuthentication):
			abort(c, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		case err != nil:
			LoggerFrom(c).Error().Err(err).Msg("identity resolution failed")
			abort(c, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		c.Set(ctxKeyIdentity, m)
		c.Set(ctxKeyUserID, m.ExternalID)
		c.Set(ctxKeyToken, token)
		c.Next()
	}
}

// Identity returns the identity stored by Authenticate, or nil.
func Identity(c *gin.Context) *domain.IdentityMapping {
	if v, ok := c.Get(ctxKeyIdentity); ok {
		if m, ok := v.(*domain.IdentityMapping); ok {
			return m
		}
	}
	return nil
}

// RequireAdmin rejects callers without the admin role. It must run after
// Authenticate.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !Identity(c).IsAdmin() {
			abort(c, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		c.Next()
	}
}

// ServiceToken admits requests whose X-Service-Token equals expected.
// An empty expected secret rejects everything.
func ServiceToken(expected string) gin.HandlerFunc {
	want := []byte(expected)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(HeaderServiceToken))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			abort(c, http.StatusForbidden, "forbidden", "invalid service token")
			return
		}
		c.Set(ctxKeyUserID, ServiceUserID)
		c.Next()
	}
}

// abort writes the standard error envelope.
func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
