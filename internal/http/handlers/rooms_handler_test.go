package handlers

import (
	"net/http"
	"testing"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/services"
)

func TestListRooms_Empty(t *testing.T) {
	e := newEnv(t)
	w := e.call(http.MethodGet, "/rooms", "alice", nil)
	wantStatus(t, w, http.StatusOK)
	if w.Body.String() != `{"rooms":[]}` {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestCreateRoom(t *testing.T) {
	e := newEnv(t)

	wantStatus(t, e.call(http.MethodPost, "/rooms", "alice", map[string]any{"name": "  "}), http.StatusBadRequest)

	w := e.call(http.MethodPost, "/rooms", "alice", map[string]any{"name": "Ops", "topic": "t", "invite_users": []string{"bob"}})
	wantStatus(t, w, http.StatusCreated)
	var v services.RoomView
	decode(t, w, &v)
	if v.RoomID != "!new:hub.local" || v.Name != "Ops" {
		t.Fatalf("room = %+v", v)
	}
	if len(e.dir.invite) != 1 || e.dir.invite[0] != "bob" {
		t.Fatalf("invitees = %v", e.dir.invite)
	}
}

func TestJoinRoom(t *testing.T) {
	e := newEnv(t)
	w := e.call(http.MethodPost, "/rooms/!abc:hub.local/join", "alice", nil)
	wantStatus(t, w, http.StatusOK)
	var got JoinResponse
	decode(t, w, &got)
	if got.Status != "joined" || got.RoomID != "!abc:hub.local" || e.dir.joined != "!abc:hub.local" {
		t.Fatalf("join = %+v (service saw %q)", got, e.dir.joined)
	}

	e.dir.err = services.ErrNotProvisioned
	wantStatus(t, e.call(http.MethodPost, "/rooms/!abc:hub.local/join", "alice", nil), http.StatusForbidden)
}

func TestOpenDirect(t *testing.T) {
	e := newEnv(t)
	w := e.call(http.MethodPost, "/rooms/dm/bob", "alice", nil)
	wantStatus(t, w, http.StatusOK)
	var v services.RoomView
	decode(t, w, &v)
	if v.Kind != domain.RoomDirect || v.Name != "Bob" || v.RoomID != "!dm:hub.local" {
		t.Fatalf("dm = %+v", v)
	}

	e.dir.err = services.ErrNotFound
	wantStatus(t, e.call(http.MethodPost, "/rooms/dm/ghost", "alice", nil), http.StatusNotFound)
}
