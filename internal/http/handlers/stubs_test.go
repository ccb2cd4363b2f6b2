package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/events"
	"github.com/tbourn/go-messenger-bridge/internal/http/middleware"
	"github.com/tbourn/go-messenger-bridge/internal/matrix"
	"github.com/tbourn/go-messenger-bridge/internal/services"
)

var (
	alice = &domain.IdentityMapping{ID: 1, ExternalID: "alice", MatrixUserID: "@alice:hub.local", DisplayName: "Alice", Role: domain.RoleUser}
	root  = &domain.IdentityMapping{ID: 2, ExternalID: "root", MatrixUserID: "@root:hub.local", Role: domain.RoleAdmin}
)

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, token string) (*domain.IdentityMapping, error) {
	switch token {
	case "alice":
		return alice, nil
	case "root":
		return root, nil
	}
	return nil, services.ErrAuthentication
}

type stubLogin struct {
	res *services.LoginResult
	err error
	got string
}

func (s *stubLogin) Login(_ context.Context, tok string) (*services.LoginResult, error) {
	s.got = tok
	return s.res, s.err
}

type stubMessages struct {
	err      error
	sent     []string
	upload   services.Upload
	limit    int
	from     string
	media    *matrix.Media
	since    string
	timeout  time.Duration
	readerID string
}

func (s *stubMessages) Send(_ context.Context, m *domain.IdentityMapping, roomID, body, msgType string) (*services.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.sent = append(s.sent, roomID, body, msgType)
	return &services.Message{EventID: "$e1", RoomID: roomID, Sender: m.MatrixUserID, Body: body, MsgType: msgType}, nil
}

func (s *stubMessages) Upload(_ context.Context, m *domain.IdentityMapping, up services.Upload) (*services.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.upload = up
	return &services.Message{EventID: "$u1", RoomID: up.RoomID, Sender: m.MatrixUserID, Body: up.Caption, MsgType: services.MsgTypeFor(up.ContentType), FileSize: int64(len(up.Data))}, nil
}

func (s *stubMessages) History(_ context.Context, m *domain.IdentityMapping, roomID string, limit int, from string) (*services.History, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.limit, s.from, s.readerID = limit, from, m.ExternalID
	return &services.History{Messages: []services.Message{{EventID: "$h1", RoomID: roomID, Body: "hi"}}, EndToken: "t2"}, nil
}

func (s *stubMessages) Media(_ context.Context, _ *domain.IdentityMapping, _, _ string) (*matrix.Media, error) {
	return s.media, s.err
}

func (s *stubMessages) Sync(_ context.Context, _ *domain.IdentityMapping, since string, timeout time.Duration) (*matrix.SyncResponse, error) {
	s.since, s.timeout = since, timeout
	return &matrix.SyncResponse{NextBatch: "s2"}, s.err
}

type stubDirectory struct {
	err       error
	status    string
	host      string
	search    string
	invite    []string
	joined    string
	name      string
	logStatus domain.NotificationStatus
	logLimit  int
}

func (s *stubDirectory) ListUsers(_ context.Context, _ *domain.IdentityMapping, search string) ([]domain.IdentityMapping, error) {
	s.search = search
	return nil, s.err
}

func (s *stubDirectory) ExternalClient(_ context.Context, m *domain.IdentityMapping, host string) (*services.ExternalClientInfo, error) {
	s.host = host
	if s.err != nil {
		return nil, s.err
	}
	return &services.ExternalClientInfo{Homeserver: "https://" + host, UserID: m.MatrixUserID}, nil
}

func (s *stubDirectory) JoinedRooms(context.Context, *domain.IdentityMapping) ([]services.RoomView, error) {
	return nil, s.err
}

func (s *stubDirectory) Join(_ context.Context, _ *domain.IdentityMapping, roomID string) error {
	s.joined = roomID
	return s.err
}

func (s *stubDirectory) CreateRoom(_ context.Context, _ *domain.IdentityMapping, name, _ string, invite []string) (*domain.RoomMapping, error) {
	s.invite = invite
	if s.err != nil {
		return nil, s.err
	}
	return &domain.RoomMapping{RoomID: "!new:hub.local", Name: name, Kind: domain.RoomGeneral}, nil
}

func (s *stubDirectory) OpenDirect(_ context.Context, _ *domain.IdentityMapping, target string) (*domain.RoomMapping, *domain.IdentityMapping, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return &domain.RoomMapping{RoomID: "!dm:hub.local", Kind: domain.RoomDirect},
		&domain.IdentityMapping{ExternalID: target, DisplayName: "Bob"}, nil
}

func (s *stubDirectory) AdminUsers(context.Context) ([]services.AdminUser, error) {
	return []services.AdminUser{{IdentityMapping: *alice, Provisioned: true}}, s.err
}

func (s *stubDirectory) UpdateDisplayName(_ context.Context, id, name string) (*domain.IdentityMapping, error) {
	s.name = name
	if s.err != nil {
		return nil, s.err
	}
	return &domain.IdentityMapping{ExternalID: id, DisplayName: name}, nil
}

func (s *stubDirectory) AdminRooms(context.Context) ([]services.AdminRoom, error) { return nil, s.err }

func (s *stubDirectory) DeleteRoom(context.Context, string) error { return s.err }

func (s *stubDirectory) Stats(context.Context) (*services.SystemStats, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &services.SystemStats{StreamConnections: 3, BackendStatus: s.BackendStatus(context.Background())}, nil
}

func (s *stubDirectory) NotificationLogs(_ context.Context, status domain.NotificationStatus, limit int) ([]domain.NotificationLog, error) {
	s.logStatus, s.logLimit = status, limit
	if s.err != nil {
		return nil, s.err
	}
	return []domain.NotificationLog{{ID: 1, Title: "t", Status: domain.NotificationSent}}, nil
}

func (s *stubDirectory) BackendStatus(context.Context) string {
	if s.status == "" {
		return "online"
	}
	return s.status
}

type stubAccess struct{ err error }

func (s stubAccess) SetExternalAccess(_ context.Context, id string, enabled bool) (*domain.IdentityMapping, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.IdentityMapping{ExternalID: id, ExternalClientEnabled: enabled}, nil
}

type stubNotifications struct {
	mu    sync.Mutex
	got   []services.Notification
	entry *domain.NotificationLog
	err   error
	logs  map[uint]*domain.NotificationLog
}

func (s *stubNotifications) Send(_ context.Context, n services.Notification) (*domain.NotificationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.entry, s.err
}

func (s *stubNotifications) Log(_ context.Context, id uint) (*domain.NotificationLog, error) {
	if l, ok := s.logs[id]; ok {
		return l, nil
	}
	return nil, services.ErrNotFound
}

type recorded struct {
	userID, scope, key, resultID string
	status                       int
}

type stubRecorder struct{ got []recorded }

func (s *stubRecorder) Record(_ context.Context, userID, scope, key, resultID string, status int) error {
	s.got = append(s.got, recorded{userID, scope, key, resultID, status})
	return nil
}

// env is a fully stubbed handler set mounted on a bare engine.
type env struct {
	r        *gin.Engine
	login    *stubLogin
	msgs     *stubMessages
	dir      *stubDirectory
	notes    *stubNotifications
	broker   *events.Broker
	recorder *stubRecorder
	replay   map[string]string // idempotency key -> stored result id
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := &env{
		r:        gin.New(),
		login:    &stubLogin{},
		msgs:     &stubMessages{},
		dir:      &stubDirectory{},
		notes:    &stubNotifications{logs: map[uint]*domain.NotificationLog{}},
		broker:   events.NewBroker(8),
		recorder: &stubRecorder{},
		replay:   map[string]string{},
	}
	h := New(Deps{
		Login:          e.login,
		Messages:       e.msgs,
		Directory:      e.dir,
		Access:         stubAccess{},
		Notifications:  e.notes,
		Events:         e.broker,
		Idempotency:    e.recorder,
		Keepalive:      time.Hour,
		MaxUploadBytes: 64,
	})

	lookup := func(_ context.Context, _, _, key string, _ time.Time) (string, bool, error) {
		id, ok := e.replay[key]
		return id, ok, nil
	}
	authn := middleware.Authenticate(stubResolver{})
	idem := middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, lookup)

	r := e.r
	r.GET("/health", h.Liveness)
	r.GET("/api/health", h.Health)
	r.POST("/auth/hub-login", h.HubLogin)

	u := r.Group("", authn, idem)
	u.GET("/users/me", h.Me)
	u.GET("/users/me/external-client", h.ExternalClient)
	u.GET("/users", h.ListUsers)
	u.GET("/rooms", h.ListRooms)
	u.POST("/rooms", h.CreateRoom)
	u.POST("/rooms/:room_id/join", h.JoinRoom)
	u.POST("/rooms/dm/:target", h.OpenDirect)
	u.POST("/messages/send", h.SendMessage)
	u.GET("/messages/history/:room_id", h.History)
	u.POST("/messages/upload", h.Upload)
	u.GET("/messages/media/:server/:media_id", h.Media)
	u.GET("/messages/sync", h.Sync)
	u.GET("/events/stream", h.EventStream)
	u.GET("/events/ws", h.EventSocket)

	a := r.Group("/admin", authn, middleware.RequireAdmin())
	a.GET("/users", h.AdminUsers)
	a.PATCH("/users/:id", h.UpdateUser)
	a.POST("/users/:id/external-access", h.SetExternalAccess)
	a.GET("/rooms", h.AdminRooms)
	a.DELETE("/rooms/:room_id", h.DeleteRoom)
	a.GET("/stats", h.Stats)
	a.GET("/notifications", h.NotificationLogs)

	r.POST("/notifications/send", middleware.ServiceToken("svc"), idem, h.SendNotification)
	return e
}

// call performs a request. body may be nil, a []byte, or a value encoded as JSON.
func (e *env) call(method, path, token string, body any, hdr ...string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func wantStatus(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d; body=%s", w.Code, status, w.Body.String())
	}
}
