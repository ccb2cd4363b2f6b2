package services

import (
	"context"
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/events"
	"github.com/tbourn/go-messenger-bridge/internal/matrix/matrixtest"
	"github.com/tbourn/go-messenger-bridge/internal/repo"
	"github.com/tbourn/go-messenger-bridge/internal/vault"
)

const testBot = "notification_bot"

// testEnv wires every service against an in-memory database and a fake homeserver.
type testEnv struct {
	t      *testing.T
	ctx    context.Context
	db     *gorm.DB
	hs     *matrixtest.Server
	vault  *vault.Vault
	broker *events.Broker

	prov   *ProvisioningService
	rooms  *RoomTopologyManager
	router *NotificationRouter
	msgs   *MessageService
	dir    *DirectoryService
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:services_%s?mode=memory&cache=shared", uuid.NewString())
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

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	hs := matrixtest.New(t)
	mx := hs.Client(t)
	v, err := vault.New("services-test-key")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	broker := events.NewBroker(16)

	prov := &ProvisioningService{DB: db, Matrix: mx, Vault: v}
	rooms := &RoomTopologyManager{DB: db, Matrix: mx, Credentials: prov}
	return &testEnv{
		t: t, ctx: context.Background(), db: db, hs: hs, vault: v, broker: broker,
		prov:  prov,
		rooms: rooms,
		router: &NotificationRouter{
			DB: db, Matrix: mx, Rooms: rooms, Credentials: prov,
			BotName: testBot, DefaultTenantID: 1,
		},
		msgs: &MessageService{DB: db, Matrix: mx, Credentials: prov, Broker: broker},
		dir: &DirectoryService{
			DB: db, Matrix: mx, Credentials: prov, Vault: v, Rooms: rooms, Streams: broker,
			BotName: testBot,
		},
	}
}

func (e *testEnv) user(externalID string, tenant *int64) *domain.IdentityMapping {
	e.t.Helper()
	m, err := e.prov.Provision(e.ctx, ProvisionRequest{ExternalID: externalID, DisplayName: externalID, TenantID: tenant})
	if err != nil {
		e.t.Fatalf("provision %s: %v", externalID, err)
	}
	return m
}

func (e *testEnv) bot() Actor {
	e.t.Helper()
	m, err := e.prov.ProvisionBot(e.ctx, testBot, "Notification Bot")
	if err != nil {
		e.t.Fatalf("provision bot: %v", err)
	}
	return e.actor(m)
}

func (e *testEnv) actor(m *domain.IdentityMapping) Actor {
	e.t.Helper()
	a, err := e.prov.Actor(m)
	if err != nil {
		e.t.Fatalf("actor %s: %v", m.ExternalID, err)
	}
	return a
}

func (e *testEnv) roomCount(kind domain.RoomKind) int64 {
	e.t.Helper()
	var n int64
	if err := e.db.Model(&domain.RoomMapping{}).Where("kind = ?", kind).Count(&n).Error; err != nil {
		e.t.Fatalf("count rooms: %v", err)
	}
	return n
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func i64(v int64) *int64 { return &v }
