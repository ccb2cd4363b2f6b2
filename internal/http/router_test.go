package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-messenger-bridge/internal/config"
	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/http/middleware"
	"github.com/tbourn/go-messenger-bridge/internal/repo"
	"github.com/tbourn/go-messenger-bridge/internal/services"
)

// --- resolver accepting two fixed tokens ---
type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, token string) (*domain.IdentityMapping, error) {
	switch token {
	case "user-token":
		return &domain.IdentityMapping{ExternalID: "alice", MatrixUserID: "@alice:hub.local", Role: domain.RoleUser}, nil
	case "admin-token":
		return &domain.IdentityMapping{ExternalID: "root", MatrixUserID: "@root:hub.local", Role: domain.RoleAdmin}, nil
	}
	return nil, services.ErrAuthentication
}

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newRouter(t *testing.T, cfg config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, Deps{Resolver: fakeResolver{}, DB: newTestDB(t)}, cfg)
	return r
}

func baseConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   10,
		Security:    config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
		Auth:        config.AuthConfig{ServiceToken: "svc-secret"},
	}
}

func do(r http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r := newRouter(t, baseConfig())

	// /health works
	w := do(r, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("GET /health = %d %q", w.Code, w.Body.String())
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = do(r, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	if w = do(r, http.MethodGet, "/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	if w = do(r, http.MethodPost, "/health", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := baseConfig()
	cfg.APIBasePath = "/api/v2"
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r := newRouter(t, cfg)

	w := do(r, http.MethodGet, "/health", map[string]string{"Origin": "http://example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func TestRegisterRoutes_Authentication(t *testing.T) {
	r := newRouter(t, baseConfig())

	if w := do(r, http.MethodGet, "/api/v1/users/me", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: want 401, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/v1/users/me", map[string]string{"Authorization": "Bearer nope"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: want 401, got %d", w.Code)
	}

	w := do(r, http.MethodGet, "/api/v1/users/me", map[string]string{"Authorization": "Bearer user-token"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"external_id":"alice"`) {
		t.Fatalf("GET /users/me = %d %s", w.Code, w.Body.String())
	}

	// query-string token for EventSource-style clients
	w = do(r, http.MethodGet, "/api/v1/users/me?token=user-token", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("query token: want 200, got %d", w.Code)
	}
}

func TestRegisterRoutes_AdminRequiresRole(t *testing.T) {
	r := newRouter(t, baseConfig())

	w := do(r, http.MethodGet, "/api/v1/admin/stats", map[string]string{"Authorization": "Bearer user-token"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-admin: want 403, got %d", w.Code)
	}
}

func TestRegisterRoutes_NotificationsRequireServiceToken(t *testing.T) {
	r := newRouter(t, baseConfig())

	if w := do(r, http.MethodPost, "/api/v1/notifications/send", nil); w.Code != http.StatusForbidden {
		t.Fatalf("missing service token: want 403, got %d", w.Code)
	}
	w := do(r, http.MethodPost, "/api/v1/notifications/send", map[string]string{middleware.HeaderServiceToken: "wrong"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong service token: want 403, got %d", w.Code)
	}
}

func TestRegisterRoutes_SecurityHeadersAndRequestID(t *testing.T) {
	cfg := baseConfig()
	cfg.Security = config.SecurityConfig{EnableHSTS: true, HSTSMaxAge: time.Hour}
	r := newRouter(t, cfg)

	w := do(r, http.MethodGet, "/health", map[string]string{"X-Forwarded-Proto": "https"})
	if w.Code != http.StatusOK {
		t.Fatalf("pipeline GET /health = %d", w.Code)
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("nosniff missing, got %q", got)
	}
	if got := w.Header().Get("Strict-Transport-Security"); !strings.HasPrefix(got, "max-age=3600") {
		t.Fatalf("HSTS = %q", got)
	}
}

func TestIdempotencyStore_LookupAndRecord(t *testing.T) {
	db := newTestDB(t)
	s := idempotencyStore{db: db, ttl: time.Hour}
	ctx := context.Background()
	now := time.Now().UTC()

	if _, found, err := s.Lookup(ctx, "svc", "POST /n", "k1", now); err != nil || found {
		t.Fatalf("miss: found=%v err=%v", found, err)
	}
	if err := s.Record(ctx, "svc", "POST /n", "k1", "42", http.StatusOK); err != nil {
		t.Fatalf("Record: %v", err)
	}
	// a second writer loses quietly
	if err := s.Record(ctx, "svc", "POST /n", "k1", "43", http.StatusOK); err != nil {
		t.Fatalf("duplicate Record: %v", err)
	}
	id, found, err := s.Lookup(ctx, "svc", "POST /n", "k1", now)
	if err != nil || !found || id != "42" {
		t.Fatalf("hit: id=%q found=%v err=%v", id, found, err)
	}
	// keys are per caller
	if _, found, _ := s.Lookup(ctx, "other", "POST /n", "k1", now); found {
		t.Fatalf("key leaked across callers")
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	root1 := groupWithPrefix(r, "/")
	root1.GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	root2 := groupWithPrefix(r, "")
	root2.GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })

	// non-root prefix
	api := groupWithPrefix(r, "/api")
	api.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := do(r, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}
