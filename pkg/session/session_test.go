package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cloudbro-kube-ai/opshub/pkg/token"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "test:"), mr
}

func TestSaveLookupDelete(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	rec := token.SessionRecord{
		UserID:    "u1",
		RefreshID: "r1",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		IPAddress: "203.0.113.9",
		UserAgent: "test-agent",
	}
	if err := store.Save(ctx, rec, time.Hour); err != nil {
		t.Fatal(err)
	}

	got, err := store.Lookup(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.UserID != "u1" || got.IPAddress != "203.0.113.9" {
		t.Errorf("lookup = %+v", got)
	}

	if err := store.Delete(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	got, err = store.Lookup(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("record survived delete: %+v", got)
	}

	// Deleting a missing session is not an error.
	if err := store.Delete(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
}

func TestLookupMissingReturnsNil(t *testing.T) {
	store, _ := testStore(t)
	got, err := store.Lookup(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v", got)
	}
}

func TestTTLEviction(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	rec := token.SessionRecord{UserID: "u1", RefreshID: "r1", CreatedAt: time.Now()}
	if err := store.Save(ctx, rec, time.Minute); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(2 * time.Minute)

	got, err := store.Lookup(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("record survived TTL: %+v", got)
	}
}

func TestDeleteAllForUser(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		rec := token.SessionRecord{UserID: "u1", RefreshID: id, CreatedAt: time.Now()}
		if err := store.Save(ctx, rec, time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	other := token.SessionRecord{UserID: "u2", RefreshID: "other", CreatedAt: time.Now()}
	if err := store.Save(ctx, other, time.Hour); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteAllForUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"r1", "r2", "r3"} {
		if got, _ := store.Lookup(ctx, id); got != nil {
			t.Errorf("session %s survived", id)
		}
	}
	if got, _ := store.Lookup(ctx, "other"); got == nil {
		t.Error("unrelated user's session was deleted")
	}
}
