// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, authentication, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-messenger-bridge/internal/config"
	"github.com/tbourn/go-messenger-bridge/internal/http/handlers"
	"github.com/tbourn/go-messenger-bridge/internal/http/middleware"
	"github.com/tbourn/go-messenger-bridge/internal/repo"
)

// eventsPath is mounted below the API base; streams are neither compressed
// nor timed.
const eventsPath = "/events"

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	handlers.Deps

	// Resolver authenticates bearer tokens.
	Resolver middleware.Resolver
	// DB backs the idempotency store; nil disables Idempotency-Key replays.
	DB *gorm.DB
}

// idempotencyStore adapts the repository to the middleware lookup and the
// handlers' recorder.
type idempotencyStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// Lookup implements middleware.IdempotencyLookup.
func (s idempotencyStore) Lookup(ctx context.Context, userID, scope, key string, now time.Time) (string, bool, error) {
	rec, err := repo.GetIdempotency(ctx, s.db, userID, scope, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.ResultID, true, nil
}

// Record implements handlers.IdempotencyRecorder. A concurrent first writer
// wins; losing the race is not an error.
func (s idempotencyStore) Record(ctx context.Context, userID, scope, key, resultID string, status int) error {
	_, err := repo.CreateIdempotency(ctx, s.db, userID, scope, key, resultID, status, s.ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the versioned public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Compression (streams excluded)
//  8. CORS and Security headers
//
// Per group, authentication runs first so idempotency keys and rate-limit
// buckets are per caller, then the idempotency validator (so replays can
// bypass the limiter), then the rate limiter.
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	if apiBase == "/" {
		apiBase = ""
	}
	streams := apiBase + eventsPath

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-API-Key"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 25 << 20
	}
	r.Use(limitBody(maxBody))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics(streams))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Compression
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{streams, "/metrics"})))

	// 8) CORS posture (allow all if none configured) and security headers
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Dependency injection: handlers ← services, idempotency store ← db
	hd := d.Deps
	if hd.Keepalive <= 0 {
		hd.Keepalive = cfg.Events.Keepalive
	}
	if hd.AllowedOrigins == nil {
		hd.AllowedOrigins = cfg.CORS.AllowedOrigins
	}
	if hd.MaxUploadBytes <= 0 && maxBody > 1<<20 {
		hd.MaxUploadBytes = maxBody - 1<<20
	}
	var lookup middleware.IdempotencyLookup
	if d.DB != nil {
		ttl := cfg.IdempotencyTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		store := idempotencyStore{db: d.DB, ttl: ttl}
		lookup = store.Lookup
		if hd.Idempotency == nil {
			hd.Idempotency = store
		}
	}
	h := handlers.New(hd)

	idem := middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, lookup)
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	authn := middleware.Authenticate(d.Resolver)

	// Liveness
	r.GET("/health", h.Liveness)

	api := groupWithPrefix(r, apiBase)
	api.GET("/health", h.Health)

	// Login: public, limited per IP
	api.POST("/auth/hub-login", rl.Handler(), h.HubLogin)

	// Authenticated user API
	user := api.Group("", authn, idem, rl.Handler())
	{
		user.GET("/users/me", h.Me)
		user.GET("/users/me/external-client", h.ExternalClient)
		user.GET("/users", h.ListUsers)

		user.GET("/rooms", h.ListRooms)
		user.POST("/rooms", h.CreateRoom)
		user.POST("/rooms/:room_id/join", h.JoinRoom)
		user.POST("/rooms/dm/:target", h.OpenDirect)

		user.POST("/messages/send", h.SendMessage)
		user.GET("/messages/history/:room_id", h.History)
		user.POST("/messages/upload", h.Upload)
		user.GET("/messages/media/:server/:media_id", h.Media)
		user.GET("/messages/sync", h.Sync)

		user.GET(eventsPath+"/stream", h.EventStream)
		user.GET(eventsPath+"/ws", h.EventSocket)
	}

	// Admin API
	admin := api.Group("/admin", authn, middleware.RequireAdmin(), idem, rl.Handler())
	{
		admin.GET("/users", h.AdminUsers)
		admin.PATCH("/users/:id", h.UpdateUser)
		admin.POST("/users/:id/external-access", h.SetExternalAccess)
		admin.GET("/rooms", h.AdminRooms)
		admin.DELETE("/rooms/:room_id", h.DeleteRoom)
		admin.GET("/stats", h.Stats)
		admin.GET("/notifications", h.NotificationLogs)
	}

	// Service-to-service notification ingress
	svc := api.Group("/notifications", middleware.ServiceToken(cfg.Auth.ServiceToken), idem, rl.Handler())
	{
		svc.POST("/send", h.SendNotification)
	}
}

// corsMiddleware returns the CORS chain. With no configured origins every
// origin is allowed without credentials; otherwise allowed origins are
// echoed.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	base := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			middleware.HeaderServiceToken, middleware.HeaderIdempotencyKey,
		},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Retry-After", "Idempotency-Replayed"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		base.AllowAllOrigins = true
		return []gin.HandlerFunc{
			// Force ACAO: * even for requests without an Origin header.
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(base),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	base.AllowOrigins = origins
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(base),
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
