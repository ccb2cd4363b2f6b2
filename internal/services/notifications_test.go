package services

import (
	"errors"
	"net/http"
	"testing"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/matrix"
	"github.com/tbourn/go-messenger-bridge/internal/repo"
)

func TestFormatBody(t *testing.T) {
	cases := []struct {
		n    Notification
		want string
	}{
		{Notification{SourceApp: "erp", Title: "Neue Bestellung"}, "**[erp]** Neue Bestellung"},
		{Notification{SourceApp: "erp", Title: "T", Body: "B"}, "**[erp]** T\n\nB"},
		{Notification{SourceApp: "mon", Title: "Ausfall", Body: "Linie 3", Priority: domain.PriorityUrgent}, "🔴 **[mon]** Ausfall\n\nLinie 3"},
	}
	for _, c := range cases {
		if got := FormatBody(c.n); got != c.want {
			t.Fatalf("FormatBody(%+v) = %q, want %q", c.n, got, c.want)
		}
	}
}

func TestNotificationValidate(t *testing.T) {
	n := Notification{SourceApp: " erp ", EventType: "created", Title: "x"}
	if err := n.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if n.SourceApp != "erp" || n.TargetType != domain.TargetGeneral || n.Priority != domain.PriorityNormal {
		t.Fatalf("defaults not applied: %+v", n)
	}
	bad := []Notification{
		{EventType: "e", Title: "t"},
		{SourceApp: "a", Title: "t"},
		{SourceApp: "a", EventType: "e"},
		{SourceApp: "a", EventType: "e", Title: "t", TargetType: "broadcast"},
		{SourceApp: "a", EventType: "e", Title: "t", Priority: "low"},
	}
	for _, b := range bad {
		if err := b.Validate(); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%+v: want ErrInvalidInput, got %v", b, err)
		}
	}
}

func TestRoute_GeneralUsesNotificationTenantThenDefault(t *testing.T) {
	e := newEnv(t)
	bot := e.bot()

	l, err := e.router.Route(e.ctx, Notification{SourceApp: "erp", EventType: "e", Title: "t", TenantID: i64(7)}, bot)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	room, _ := repo.GetRoomByRoomID(e.ctx, e.db, l.RoomID)
	if room.DedupKey != domain.GeneralKey(i64(7)) {
		t.Fatalf("tenant 7 notification went to %q", room.DedupKey)
	}

	l, _ = e.router.Route(e.ctx, Notification{SourceApp: "erp", EventType: "e", Title: "t"}, bot)
	room, _ = repo.GetRoomByRoomID(e.ctx, e.db, l.RoomID)
	if room.DedupKey != domain.GeneralKey(i64(1)) {
		t.Fatalf("tenantless notification went to %q", room.DedupKey)
	}
}

func TestRoute_SentLogAndFormattedMessage(t *testing.T) {
	e := newEnv(t)
	bot := e.bot()

	l, err := e.router.Route(e.ctx, Notification{
		SourceApp: "mon", EventType: "alarm", Title: "Ausfall", Body: "Linie 3", Priority: domain.PriorityUrgent,
	}, bot)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if l.Status != domain.NotificationSent || l.EventID == "" || l.Error != "" {
		t.Fatalf("log = %+v", l)
	}
	stored, _ := repo.GetNotificationLog(e.ctx, e.db, l.ID)
	if stored.Status != domain.NotificationSent || stored.EventID != l.EventID {
		t.Fatalf("stored log = %+v", stored)
	}
	evs := e.hs.Events(l.RoomID)
	if len(evs) != 1 || evs[0].Content["body"] != "🔴 **[mon]** Ausfall\n\nLinie 3" || evs[0].Sender != bot.AccountID {
		t.Fatalf("events = %+v", evs)
	}
}

func TestRoute_SendFailureLeavesTerminalFailedLog(t *testing.T) {
	e := newEnv(t)
	bot := e.bot()
	e.hs.Fail("send", http.StatusInternalServerError, matrix.ErrCodeUnknown)

	l, err := e.router.Route(e.ctx, Notification{SourceApp: "erp", EventType: "e", Title: "t"}, bot)
	if !IsUpstream(err) {
		t.Fatalf("want UpstreamError, got %v", err)
	}
	if l == nil || l.Status != domain.NotificationFailed || l.Error == "" || l.RoomID == "" {
		t.Fatalf("log = %+v", l)
	}
	stored, _ := repo.GetNotificationLog(e.ctx, e.db, l.ID)
	if stored.Status != domain.NotificationFailed {
		t.Fatalf("stored status = %s", stored.Status)
	}
	if err := repo.FinishNotificationLog(e.ctx, e.db, &domain.NotificationLog{ID: l.ID, Status: domain.NotificationSent}); !errors.Is(err, repo.ErrTerminal) {
		t.Fatalf("terminal log rewritten: %v", err)
	}
}

func TestRoute_RoomResolutionFailureIsLogged(t *testing.T) {
	e := newEnv(t)
	bot := e.bot()
	e.hs.Fail("create_room", http.StatusBadGateway, matrix.ErrCodeUnknown)

	l, err := e.router.Route(e.ctx, Notification{SourceApp: "erp", EventType: "e", Title: "t", TargetType: domain.TargetServiceRoom}, bot)
	if !IsUpstream(err) || l.Status != domain.NotificationFailed {
		t.Fatalf("Route: %v %+v", err, l)
	}
	pending, _ := repo.ListNotificationLogs(e.ctx, e.db, domain.NotificationPending, 10)
	if len(pending) != 0 {
		t.Fatalf("pending logs left behind: %+v", pending)
	}
}

func TestRoute_EntityBackToBackSharesRoom(t *testing.T) {
	e := newEnv(t)
	bot := e.bot()
	n := Notification{SourceApp: "erp", EventType: "e", Title: "t", TargetType: domain.TargetEntityRoom, EntityType: "order", EntityID: "42"}

	l1, err := e.router.Route(e.ctx, n, bot)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	l2, _ := e.router.Route(e.ctx, n, bot)
	if l1.RoomID != l2.RoomID || e.roomCount(domain.RoomEntity) != 1 || e.roomCount(domain.RoomSpace) != 1 {
		t.Fatalf("entity room not shared: %s vs %s", l1.RoomID, l2.RoomID)
	}

	// missing entity id falls back to the general room
	n.EntityID = ""
	l3, _ := e.router.Route(e.ctx, n, bot)
	room, _ := repo.GetRoomByRoomID(e.ctx, e.db, l3.RoomID)
	if room.Kind != domain.RoomGeneral {
		t.Fatalf("incomplete entity target went to %s", room.Kind)
	}
}

func TestRoute_ServiceRoomKeyedBySourceApp(t *testing.T) {
	e := newEnv(t)
	bot := e.bot()
	l, err := e.router.Route(e.ctx, Notification{SourceApp: "machine-monitoring", EventType: "e", Title: "t", TargetType: domain.TargetServiceRoom}, bot)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	room, _ := repo.GetRoomByRoomID(e.ctx, e.db, l.RoomID)
	if room.Kind != domain.RoomService || room.DedupKey != "machine-monitoring" {
		t.Fatalf("room = %+v", room)
	}
}

func TestRoute_DirectMessageExactTarget(t *testing.T) {
	e := newEnv(t)
	bot := e.bot()
	botMapping, _ := repo.GetIdentityByExternalID(e.ctx, e.db, testBot)
	alice := e.user("alice", nil)
	e.user("al", nil)
	dm, err := e.rooms.Direct(e.ctx, botMapping, alice)
	if err != nil {
		t.Fatalf("Direct: %v", err)
	}

	l, err := e.router.Route(e.ctx, Notification{SourceApp: "erp", EventType: "e", Title: "t", TargetType: domain.TargetDM, TargetUser: "alice"}, bot)
	if err != nil || l.RoomID != dm.RoomID {
		t.Fatalf("dm by external id: %v %+v", err, l)
	}
	l, _ = e.router.Route(e.ctx, Notification{SourceApp: "erp", EventType: "e", Title: "t", TargetType: domain.TargetDM, TargetUser: alice.MatrixUserID}, bot)
	if l.RoomID != dm.RoomID {
		t.Fatalf("dm by account id went to %s", l.RoomID)
	}

	// "al" is a substring of "alice" but has no direct room.
	l, _ = e.router.Route(e.ctx, Notification{SourceApp: "erp", EventType: "e", Title: "t", TargetType: domain.TargetDM, TargetUser: "al"}, bot)
	room, _ := repo.GetRoomByRoomID(e.ctx, e.db, l.RoomID)
	if l.RoomID == dm.RoomID || room.Kind != domain.RoomGeneral {
		t.Fatalf("loose dm match: %+v", room)
	}
	l, _ = e.router.Route(e.ctx, Notification{SourceApp: "erp", EventType: "e", Title: "t", TargetType: domain.TargetDM, TargetUser: "ghost"}, bot)
	if l.Status != domain.NotificationSent || l.RoomID != room.RoomID {
		t.Fatalf("unknown dm target did not fall back to general: %+v", l)
	}
}

func TestSend_RequiresProvisionedBot(t *testing.T) {
	e := newEnv(t)
	n := Notification{SourceApp: "erp", EventType: "e", Title: "t"}
	if _, err := e.router.Send(e.ctx, n); !errors.Is(err, ErrBotUnavailable) {
		t.Fatalf("want ErrBotUnavailable, got %v", err)
	}
	// a regular identity with the bot's name is not the bot
	e.user(testBot, nil)
	if _, err := e.router.Send(e.ctx, n); !errors.Is(err, ErrBotUnavailable) {
		t.Fatalf("want ErrBotUnavailable for non-bot mapping, got %v", err)
	}
}

func TestSend_InvalidWritesNoLog(t *testing.T) {
	e := newEnv(t)
	e.bot()
	if _, err := e.router.Send(e.ctx, Notification{SourceApp: "erp"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
	logs, _ := repo.ListNotificationLogs(e.ctx, e.db, "", 10)
	if len(logs) != 0 {
		t.Fatalf("invalid notification logged")
	}
	l, err := e.router.Send(e.ctx, Notification{SourceApp: "erp", EventType: "e", Title: "t"})
	if err != nil || l.Status != domain.NotificationSent {
		t.Fatalf("Send: %v %+v", err, l)
	}
}

func TestLog(t *testing.T) {
	e := newEnv(t)
	e.bot()
	l, err := e.router.Send(e.ctx, Notification{SourceApp: "crm", EventType: "x", Title: "t"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := e.router.Log(e.ctx, l.ID)
	if err != nil || got.Status != domain.NotificationSent {
		t.Fatalf("Log: %v %+v", err, got)
	}
	if _, err := e.router.Log(e.ctx, l.ID+100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
