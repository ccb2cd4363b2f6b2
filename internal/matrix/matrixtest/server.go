// Package matrixtest provides an in-memory homeserver speaking the subset of
// the Client-Server API used by the bridge, for tests.
//
// Membership rules follow a real server closely enough for the bridge's
// behaviour to matter: private rooms need an invite to join, inviting a
// joined member is refused, and only joined members may send or read.
package matrixtest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/tbourn/go-messenger-bridge/internal/matrix"
)

type account struct {
	id          string
	password    string
	displayName string
}

type room struct {
	id           string
	name         string
	topic        string
	preset       string
	direct       bool
	creationType string
	joined       map[string]bool
	invited      map[string]bool
	events       []matrix.Event
	state        map[string]map[string]any
}

type failure struct {
	status  int
	errcode string
}

// RoomInfo is a snapshot of a fake room.
type RoomInfo struct {
	ID           string
	Name         string
	Topic        string
	Preset       string
	Direct       bool
	CreationType string
	Joined       []string
	Invited      []string
	State        map[string]map[string]any
}

// Server is a fake homeserver. Create it with New.
type Server struct {
	*httptest.Server
	ServerName string

	mu       sync.Mutex
	accounts map[string]*account // by user id
	tokens   map[string]string   // token -> user id
	rooms    map[string]*room
	media    map[string]matrix.Media
	failures map[string]failure
	calls    map[string]int
	seq      int
}

// New starts a fake homeserver that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		ServerName: "hub.local",
		accounts:   map[string]*account{},
		tokens:     map[string]string{},
		rooms:      map[string]*room{},
		media:      map[string]matrix.Media{},
		failures:   map[string]failure{},
		calls:      map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/versions", s.op("versions", s.versions))
	mux.HandleFunc("POST /_matrix/client/v3/register", s.op("register", s.register))
	mux.HandleFunc("POST /_matrix/client/v3/login", s.op("login", s.login))
	mux.HandleFunc("PUT /_matrix/client/v3/profile/{user}/displayname", s.op("set_displayname", s.authed(s.setDisplayName)))
	mux.HandleFunc("POST /_matrix/client/v3/createRoom", s.op("create_room", s.authed(s.createRoom)))
	mux.HandleFunc("POST /_matrix/client/v3/join/{room}", s.op("join", s.authed(s.join)))
	mux.HandleFunc("POST /_matrix/client/v3/rooms/{room}/invite", s.op("invite", s.authed(s.invite)))
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/send/{type}/{txn}", s.op("send", s.authed(s.send)))
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/state/{type}/{key}", s.op("send_state", s.authed(s.sendState)))
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/messages", s.op("messages", s.authed(s.messages)))
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/joined_members", s.op("joined_members", s.authed(s.joinedMembers)))
	mux.HandleFunc("GET /_matrix/client/v3/joined_rooms", s.op("joined_rooms", s.authed(s.joinedRooms)))
	mux.HandleFunc("GET /_matrix/client/v3/sync", s.op("sync", s.authed(s.sync)))
	mux.HandleFunc("POST /_matrix/media/v3/upload", s.op("upload", s.authed(s.upload)))
	mux.HandleFunc("GET /_matrix/client/v1/media/download/{server}/{media}", s.op("download", s.authed(s.download)))
	mux.HandleFunc("GET /_matrix/media/v3/download/{server}/{media}", s.op("download", s.authed(s.download)))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Client returns a matrix.Client pointed at the fake.
func (s *Server) Client(t testing.TB) *matrix.Client {
	t.Helper()
	c, err := matrix.NewClient(matrix.Config{
		HomeserverURL: s.URL,
		ServerName:    s.ServerName,
		BreakerName:   "matrixtest-" + t.Name(),
	})
	if err != nil {
		t.Fatalf("matrix client: %v", err)
	}
	return c
}

// Fail makes every call of op answer with status and errcode until Clear.
// Op names match the client's metric labels, e.g. "register", "send".
func (s *Server) Fail(op string, status int, errcode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = failure{status: status, errcode: errcode}
}

// Clear removes an injected failure.
func (s *Server) Clear(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, op)
}

// Calls returns how many times op was invoked.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// AddAccount creates an account directly and returns its access token.
func (s *Server) AddAccount(localpart, password string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.userID(localpart)
	s.accounts[id] = &account{id: id, password: password}
	return s.issueToken(id)
}

// HasAccount reports whether an account exists.
func (s *Server) HasAccount(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[userID]
	return ok
}

// Password returns an account's current password.
func (s *Server) Password(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[userID]; ok {
		return a.password
	}
	return ""
}

// DisplayName returns an account's display name.
func (s *Server) DisplayName(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[userID]; ok {
		return a.displayName
	}
	return ""
}

// RoomCount returns the number of rooms created.
func (s *Server) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Room returns a snapshot of a room, or false.
func (s *Server) Room(roomID string) (RoomInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	state := make(map[string]map[string]any, len(r.state))
	for k, v := range r.state {
		state[k] = v
	}
	return RoomInfo{
		ID: r.id, Name: r.name, Topic: r.topic, Preset: r.preset, Direct: r.direct,
		CreationType: r.creationType, Joined: keys(r.joined), Invited: keys(r.invited), State: state,
	}, true
}

// Kick removes a member from a room, simulating out-of-band membership drift.
func (s *Server) Kick(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		delete(r.joined, userID)
		delete(r.invited, userID)
	}
}

// Events returns the timeline of a room, oldest first.
func (s *Server) Events(roomID string) []matrix.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]matrix.Event(nil), r.events...)
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// --- plumbing ---

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) op(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[name]++
		f, failing := s.failures[name]
		s.mu.Unlock()
		if failing {
			writeError(w, f.status, f.errcode, "injected failure")
			return
		}
		h(w, r)
	}
}

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		userID, ok := s.tokens[token]
		s.mu.Unlock()
		if token == "" || !ok {
			writeError(w, http.StatusUnauthorized, matrix.ErrCodeUnknownToken, "unknown token")
			return
		}
		h(w, r, userID)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"errcode": code, "error": msg})
}

func (s *Server) userID(localpart string) string { return "@" + localpart + ":" + s.ServerName }

func (s *Server) next(prefix string) string {
	s.seq++
	return prefix + strconv.Itoa(s.seq)
}

func (s *Server) issueToken(userID string) string {
	tok := s.next("syt_")
	s.tokens[tok] = userID
	return tok
}

// --- endpoints ---

func (s *Server) versions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"versions": []string{"v1.6", "v1.7"}})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "bad body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.userID(req.Username)
	if _, exists := s.accounts[id]; exists {
		writeError(w, http.StatusBadRequest, matrix.ErrCodeUserInUse, "User ID already taken.")
		return
	}
	s.accounts[id] = &account{id: id, password: req.Password}
	writeJSON(w, http.StatusOK, matrix.AuthResponse{UserID: id, AccessToken: s.issueToken(id), DeviceID: s.next("DEV")})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier struct {
			User string `json:"user"`
		} `json:"identifier"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "bad body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := req.Identifier.User
	if !strings.HasPrefix(id, "@") {
		id = s.userID(id)
	}
	a, ok := s.accounts[id]
	if !ok || a.password != req.Password {
		writeError(w, http.StatusForbidden, matrix.ErrCodeForbidden, "Invalid username or password")
		return
	}
	writeJSON(w, http.StatusOK, matrix.AuthResponse{UserID: id, AccessToken: s.issueToken(id), DeviceID: s.next("DEV")})
}

func (s *Server) setDisplayName(w http.ResponseWriter, r *http.Request, userID string) {
	target := r.PathValue("user")
	if target != userID {
		writeError(w, http.StatusForbidden, matrix.ErrCodeForbidden, "cannot set another user's name")
		return
	}
	var req struct {
		DisplayName string `json:"displayname"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	s.accounts[userID].displayName = req.DisplayName
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request, userID string) {
	var req matrix.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "bad body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := &room{
		id:      s.next("!room") + ":" + s.ServerName,
		name:    req.Name,
		topic:   req.Topic,
		preset:  req.Preset,
		direct:  req.IsDirect,
		joined:  map[string]bool{userID: true},
		invited: map[string]bool{},
		state:   map[string]map[string]any{},
	}
	if t, ok := req.CreationContent["type"].(string); ok {
		rm.creationType = t
	}
	for _, inv := range req.Invite {
		rm.invited[inv] = true
	}
	for _, st := range req.InitialState {
		rm.state[st.Type+"|"+st.StateKey] = st.Content
	}
	s.rooms[rm.id] = rm
	writeJSON(w, http.StatusOK, map[string]string{"room_id": rm.id})
}

func (s *Server) lookupRoom(w http.ResponseWriter, r *http.Request) (*room, bool) {
	rm, ok := s.rooms[r.PathValue("room")]
	if !ok {
		writeError(w, http.StatusNotFound, matrix.ErrCodeNotFound, "room not found")
	}
	return rm, ok
}

func (s *Server) join(w http.ResponseWriter, r *http.Request, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	if !rm.joined[userID] && !rm.invited[userID] && rm.preset != matrix.PresetPublicChat {
		writeError(w, http.StatusForbidden, matrix.ErrCodeForbidden, "You are not invited to this room.")
		return
	}
	delete(rm.invited, userID)
	rm.joined[userID] = true
	writeJSON(w, http.StatusOK, map[string]string{"room_id": rm.id})
}

func (s *Server) invite(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		UserID string `json:"user_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	if !rm.joined[userID] {
		writeError(w, http.StatusForbidden, matrix.ErrCodeForbidden, "inviter not in room")
		return
	}
	if rm.joined[req.UserID] {
		writeError(w, http.StatusForbidden, matrix.ErrCodeForbidden, req.UserID+" is already in the room.")
		return
	}
	rm.invited[req.UserID] = true
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, userID string) {
	var content map[string]any
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "bad body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	if !rm.joined[userID] {
		writeError(w, http.StatusForbidden, matrix.ErrCodeForbidden, "not joined")
		return
	}
	ev := matrix.Event{
		EventID:        s.next("$ev"),
		Type:           r.PathValue("type"),
		Sender:         userID,
		RoomID:         rm.id,
		OriginServerTS: int64(s.seq),
		Content:        content,
	}
	rm.events = append(rm.events, ev)
	writeJSON(w, http.StatusOK, map[string]string{"event_id": ev.EventID})
}

func (s *Server) sendState(w http.ResponseWriter, r *http.Request, userID string) {
	var content map[string]any
	_ = json.NewDecoder(r.Body).Decode(&content)
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	if !rm.joined[userID] {
		writeError(w, http.StatusForbidden, matrix.ErrCodeForbidden, "not joined")
		return
	}
	rm.state[r.PathValue("type")+"|"+r.PathValue("key")] = content
	writeJSON(w, http.StatusOK, map[string]string{"event_id": s.next("$state")})
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	if !rm.joined[userID] {
		writeError(w, http.StatusForbidden, matrix.ErrCodeForbidden, "not joined")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 10
	}
	from, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Query().Get("from"), "t"))
	// Backwards pagination: newest first, skipping `from` events.
	var chunk []matrix.Event
	for i := len(rm.events) - 1 - from; i >= 0 && len(chunk) < limit; i-- {
		chunk = append(chunk, rm.events[i])
	}
	resp := matrix.MessagesResponse{Start: fmt.Sprintf("t%d", from), Chunk: chunk}
	if from+len(chunk) < len(rm.events) {
		resp.End = fmt.Sprintf("t%d", from+len(chunk))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) joinedMembers(w http.ResponseWriter, r *http.Request, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}
	if !rm.joined[userID] {
		writeError(w, http.StatusForbidden, matrix.ErrCodeForbidden, "not joined")
		return
	}
	joined := map[string]any{}
	for id := range rm.joined {
		joined[id] = map[string]any{"display_name": s.accounts[id].displayNameOr(id)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"joined": joined})
}

func (a *account) displayNameOr(def string) string {
	if a == nil || a.displayName == "" {
		return def
	}
	return a.displayName
}

func (s *Server) joinedRooms(w http.ResponseWriter, _ *http.Request, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for id, rm := range s.rooms {
		if rm.joined[userID] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	writeJSON(w, http.StatusOK, map[string]any{"joined_rooms": out})
}

func (s *Server) sync(w http.ResponseWriter, _ *http.Request, _ string) {
	s.mu.Lock()
	batch := s.next("s")
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"next_batch": batch, "rooms": map[string]any{}})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request, _ string) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	id := s.next("media")
	s.media[id] = matrix.Media{ContentType: r.Header.Get("Content-Type"), Body: body}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"content_uri": "mxc://" + s.ServerName + "/" + id})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request, _ string) {
	s.mu.Lock()
	m, ok := s.media[r.PathValue("media")]
	s.mu.Unlock()
	if !ok || r.PathValue("server") != s.ServerName {
		writeError(w, http.StatusNotFound, matrix.ErrCodeNotFound, "media not found")
		return
	}
	w.Header().Set("Content-Type", m.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(m.Body)
}
