package services

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tbourn/go-messenger-bridge/internal/auth"
	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/matrix"
	"github.com/tbourn/go-messenger-bridge/internal/repo"
)

const (
	hubSecret = "hub-secret"
	hubIssuer = "aesystek-hub"
)

func newResolver(t *testing.T, e *testEnv, hub bool) *IdentityResolver {
	t.Helper()
	tokens, err := auth.NewTokenIssuer("local-secret", time.Hour)
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	r := &IdentityResolver{DB: e.db, Tokens: tokens, Provisioner: e.prov}
	if hub {
		r.Hub = auth.NewHubValidator(hubSecret, hubIssuer)
	}
	return r
}

func hubToken(t *testing.T, sub, role, display string, tenant *int64) string {
	t.Helper()
	tok, err := auth.IssueHubToken(hubSecret, hubIssuer, auth.HubClaims{
		Role:             role,
		DisplayName:      display,
		TenantID:         tenant,
		RegisteredClaims: jwt.RegisteredClaims{Subject: sub},
	}, time.Hour)
	if err != nil {
		t.Fatalf("hub token: %v", err)
	}
	return tok
}

func TestResolve_NewProviderIdentityIsProvisioned(t *testing.T) {
	e := newEnv(t)
	r := newResolver(t, e, true)

	m, err := r.Resolve(e.ctx, hubToken(t, "alice", "manager", "Alice", i64(4)))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.MatrixUserID != "@alice:hub.local" || !m.Provisioned() {
		t.Fatalf("mapping = %+v", m)
	}
	if m.Role != domain.RoleUser || m.DisplayName != "Alice" || m.TenantID == nil || *m.TenantID != 4 {
		t.Fatalf("attributes not taken from provider: %+v", m)
	}
}

func TestResolve_RefreshesProviderAttributes(t *testing.T) {
	e := newEnv(t)
	r := newResolver(t, e, true)
	first, _ := r.Resolve(e.ctx, hubToken(t, "alice", "user", "Alice", i64(4)))

	m, err := r.Resolve(e.ctx, hubToken(t, "alice", "super_admin", "Alice A.", i64(5)))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.ID != first.ID || m.Role != domain.RoleAdmin || m.DisplayName != "Alice A." || *m.TenantID != 5 {
		t.Fatalf("not refreshed: %+v", m)
	}
	stored, _ := repo.GetIdentityByExternalID(e.ctx, e.db, "alice")
	if stored.Role != domain.RoleAdmin || *stored.TenantID != 5 {
		t.Fatalf("refresh not persisted: %+v", stored)
	}

	// A token without tenant keeps the stored one.
	m, _ = r.Resolve(e.ctx, hubToken(t, "alice", "super_admin", "Alice A.", nil))
	if m.TenantID == nil || *m.TenantID != 5 {
		t.Fatalf("tenant dropped: %+v", m.TenantID)
	}
	if e.hs.Calls("register") != 1 {
		t.Fatalf("re-provisioned a provisioned identity")
	}
}

func TestResolve_DegradesWhenBackendDown(t *testing.T) {
	e := newEnv(t)
	r := newResolver(t, e, true)
	e.hs.Fail("register", http.StatusServiceUnavailable, matrix.ErrCodeUnknown)

	m, err := r.Resolve(e.ctx, hubToken(t, "bob", "user", "Bob", nil))
	if err != nil {
		t.Fatalf("resolution must succeed while backend is down: %v", err)
	}
	if m.Provisioned() || m.MatrixUserID != "@bob:hub.local" {
		t.Fatalf("shadow mapping = %+v", m)
	}
	if _, err := e.prov.Actor(m); !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("want ErrNotProvisioned for shadow mapping, got %v", err)
	}

	e.hs.Clear("register")
	m2, err := r.Resolve(e.ctx, hubToken(t, "bob", "user", "Bob", nil))
	if err != nil || !m2.Provisioned() || m2.ID != m.ID {
		t.Fatalf("retry did not provision shadow mapping: %v %+v", err, m2)
	}
}

func TestResolve_LocalToken(t *testing.T) {
	e := newEnv(t)
	r := newResolver(t, e, false)
	e.user("carol", nil)

	tok, _ := r.Tokens.Issue("carol")
	m, err := r.Resolve(e.ctx, tok)
	if err != nil || m.ExternalID != "carol" {
		t.Fatalf("Resolve: %v %+v", err, m)
	}

	unknown, _ := r.Tokens.Issue("ghost")
	if _, err := r.Resolve(e.ctx, unknown); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("unknown subject: want ErrAuthentication, got %v", err)
	}
}

func TestResolve_LocalTokenRetriesProvisioning(t *testing.T) {
	e := newEnv(t)
	r := newResolver(t, e, false)
	seed := &domain.IdentityMapping{ExternalID: "dora", MatrixUserID: "@dora:hub.local", DisplayName: "Dora"}
	_ = repo.CreateIdentity(e.ctx, e.db, seed)

	tok, _ := r.Tokens.Issue("dora")
	m, err := r.Resolve(e.ctx, tok)
	if err != nil || !m.Provisioned() {
		t.Fatalf("Resolve: %v %+v", err, m)
	}
}

func TestResolve_Rejects(t *testing.T) {
	e := newEnv(t)
	r := newResolver(t, e, true)
	wrongIssuer, _ := auth.IssueHubToken(hubSecret, "someone-else", auth.HubClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory"},
	}, time.Hour)

	for _, tok := range []string{"", "garbage", wrongIssuer} {
		if _, err := r.Resolve(e.ctx, tok); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("token %q: want ErrAuthentication, got %v", tok, err)
		}
	}
	if _, err := repo.GetIdentityByExternalID(e.ctx, e.db, "mallory"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rejected token created a mapping")
	}
}

func TestResolve_ProviderTokensIgnoredWhenDisabled(t *testing.T) {
	e := newEnv(t)
	r := newResolver(t, e, false)
	if _, err := r.Resolve(e.ctx, hubToken(t, "alice", "user", "", nil)); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("want ErrAuthentication, got %v", err)
	}
}

func TestLogin_ExchangesProviderToken(t *testing.T) {
	e := newEnv(t)
	r := newResolver(t, e, true)

	res, err := r.Login(e.ctx, hubToken(t, "alice", "viewer", "Alice", nil))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.TokenType != "bearer" || res.ExpiresIn != 3600 || res.User.Role != domain.RoleViewer {
		t.Fatalf("result = %+v", res)
	}
	m, err := r.Resolve(e.ctx, res.AccessToken)
	if err != nil || m.ID != res.User.ID {
		t.Fatalf("issued token not accepted: %v", err)
	}
}

func TestLogin_Failures(t *testing.T) {
	e := newEnv(t)
	if _, err := newResolver(t, e, false).Login(e.ctx, "x"); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("disabled hub: want ErrAuthentication, got %v", err)
	}
	r := newResolver(t, e, true)
	if _, err := r.Login(e.ctx, "garbage"); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("bad token: want ErrAuthentication, got %v", err)
	}
	e.hs.Fail("register", http.StatusBadGateway, matrix.ErrCodeUnknown)
	if _, err := r.Login(e.ctx, hubToken(t, "zed", "user", "", nil)); !IsUpstream(err) {
		t.Fatalf("provisioning failure must fail login, got %v", err)
	}
}
