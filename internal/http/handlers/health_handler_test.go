package handlers

import (
	"net/http"
	"testing"
)

func TestLiveness(t *testing.T) {
	e := newEnv(t)
	w := e.call(http.MethodGet, "/health", "", nil)
	wantStatus(t, w, http.StatusOK)
	if w.Body.String() != "ok" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestHealth_OkAndDegraded(t *testing.T) {
	e := newEnv(t)

	var got HealthResponse
	w := e.call(http.MethodGet, "/api/health", "", nil)
	wantStatus(t, w, http.StatusOK)
	decode(t, w, &got)
	if got.Status != "ok" || got.Backend != "connected" || got.Service != ServiceName {
		t.Fatalf("health = %+v", got)
	}

	e.dir.status = "offline"
	w = e.call(http.MethodGet, "/api/health", "", nil)
	wantStatus(t, w, http.StatusOK)
	decode(t, w, &got)
	if got.Status != "degraded" || got.Backend != "unreachable" {
		t.Fatalf("health = %+v", got)
	}
}
