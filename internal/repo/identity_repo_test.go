package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
)

func TestIdentity_CreateGetUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	m := &domain.IdentityMapping{ExternalID: "alice", MatrixUserID: "@alice:hub.local", DisplayName: "Alice"}
	if err := CreateIdentity(ctx, db, m); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if err := CreateIdentity(ctx, db, &domain.IdentityMapping{ExternalID: "alice", MatrixUserID: "@x:hub.local"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}

	got, err := GetIdentityByMatrixID(ctx, db, "@alice:hub.local")
	if err != nil || got.ExternalID != "alice" {
		t.Fatalf("GetIdentityByMatrixID: %v %+v", err, got)
	}
	if err := UpdateIdentity(ctx, db, m.ID, map[string]any{"display_name": "Alice A."}); err != nil {
		t.Fatalf("UpdateIdentity: %v", err)
	}
	got, _ = GetIdentity(ctx, db, m.ID)
	if got.DisplayName != "Alice A." {
		t.Fatalf("display name = %q", got.DisplayName)
	}
	if err := UpdateIdentity(ctx, db, 9999, map[string]any{"display_name": "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := GetIdentityByExternalID(ctx, db, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestIdentity_InsertOrFetch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, created, err := InsertOrFetchIdentity(ctx, db, &domain.IdentityMapping{ExternalID: "bob", MatrixUserID: "@bob:s"})
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	second, created, err := InsertOrFetchIdentity(ctx, db, &domain.IdentityMapping{ExternalID: "bob", MatrixUserID: "@bob:s"})
	if err != nil || created {
		t.Fatalf("second insert: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("fetched id %d, want %d", second.ID, first.ID)
	}

	// Account id owned by a different identity cannot be fetched by external id.
	if _, _, err := InsertOrFetchIdentity(ctx, db, &domain.IdentityMapping{ExternalID: "Bob", MatrixUserID: "@bob:s"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
}

func TestIdentity_ListFilters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	rows := []domain.IdentityMapping{
		{ExternalID: "alice", MatrixUserID: "@alice:s", DisplayName: "Alice", TenantID: i64(1)},
		{ExternalID: "bob", MatrixUserID: "@bob:s", DisplayName: "Bob", TenantID: i64(1)},
		{ExternalID: "carol", MatrixUserID: "@carol:s", DisplayName: "Carol", TenantID: i64(2)},
		{ExternalID: "notification_bot", MatrixUserID: "@bot_notification_bot:s", DisplayName: "Bot", IsBot: true},
	}
	for i := range rows {
		if err := CreateIdentity(ctx, db, &rows[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	got, err := ListIdentities(ctx, db, IdentityFilter{ExcludeBots: true, ExcludeExternalID: "alice"})
	if err != nil || len(got) != 2 || got[0].ExternalID != "bob" {
		t.Fatalf("exclude filter: %v %+v", err, got)
	}
	got, _ = ListIdentities(ctx, db, IdentityFilter{TenantID: i64(1)})
	if len(got) != 2 {
		t.Fatalf("tenant filter len = %d", len(got))
	}
	got, _ = ListIdentities(ctx, db, IdentityFilter{Search: "CAR"})
	if len(got) != 1 || got[0].ExternalID != "carol" {
		t.Fatalf("search filter: %+v", got)
	}

	byID, err := ListIdentitiesByMatrixIDs(ctx, db, []string{"@alice:s", "@nobody:s"})
	if err != nil || len(byID) != 1 || byID["@alice:s"].DisplayName != "Alice" {
		t.Fatalf("by matrix ids: %v %+v", err, byID)
	}
	all, _ := AllIdentities(ctx, db)
	if len(all) != 4 {
		t.Fatalf("AllIdentities len = %d", len(all))
	}
}
