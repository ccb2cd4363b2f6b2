package repo

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIdempotency_CreateGetDuplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := GetIdempotency(ctx, db, "u1", "messages.send", "  ", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("blank key: want ErrNotFound, got %v", err)
	}

	rec, err := CreateIdempotency(ctx, db, "u1", "messages.send", "k1", "$evt", 200, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := GetIdempotency(ctx, db, "u1", "messages.send", "k1", now)
	if err != nil || got.ID != rec.ID || got.ResultID != "$evt" {
		t.Fatalf("get: %v %+v", err, got)
	}
	if _, err := CreateIdempotency(ctx, db, "u1", "messages.send", "k1", "$other", 200, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
	if _, err := GetIdempotency(ctx, db, "u1", "notifications.send", "k1", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other scope: want ErrNotFound, got %v", err)
	}
}

func TestIdempotency_ExpiredKeyCanBeReused(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := CreateIdempotency(ctx, db, "u1", "s", "k", "1", 200, time.Nanosecond); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := GetIdempotency(ctx, db, "u1", "s", "k", time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired: want ErrNotFound, got %v", err)
	}
	if _, err := CreateIdempotency(ctx, db, "u1", "s", "k", "2", 200, time.Hour); err != nil {
		t.Fatalf("reuse after expiry: %v", err)
	}
}

func TestPurgeExpiredIdempotency(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b"} {
		if _, err := CreateIdempotency(ctx, db, "svc", "s", k, "1", 200, time.Minute); err != nil {
			t.Fatalf("create %s: %v", k, err)
		}
	}
	if _, err := CreateIdempotency(ctx, db, "svc", "s", "live", "1", 200, 48*time.Hour); err != nil {
		t.Fatalf("create live: %v", err)
	}

	n, err := PurgeExpiredIdempotency(ctx, db, time.Now().UTC().Add(time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if _, err := GetIdempotency(ctx, db, "svc", "s", "live", time.Now().UTC()); err != nil {
		t.Fatalf("live record purged: %v", err)
	}
}
