package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newPresenceStoreTest(t *testing.T) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return NewStore(rdb, "sp", time.Minute), mr, rdb
}

func testPresence(connID, subjectID string) *Presence {
	return &Presence{
		ConnID:      connID,
		SubjectID:   subjectID,
		Role:        "member",
		RemoteAddr:  "127.0.0.1:1234",
		ConnectedAt: 1700000000,
		LastSeen:    1700000000,
	}
}

func TestTrackAndGet(t *testing.T) {
	store, _, _ := newPresenceStoreTest(t)
	ctx := context.Background()

	if err := store.Track(ctx, testPresence("c1", "u1")); err != nil {
		t.Fatalf("track: %v", err)
	}
	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SubjectID != "u1" || got.Role != "member" {
		t.Fatalf("unexpected record: %+v", got)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
}

func TestTrackLongSubject(t *testing.T) {
	store, _, _ := newPresenceStoreTest(t)
	ctx := context.Background()

	subject := strings.Repeat("u", 300)
	if err := store.Track(ctx, testPresence("c1", subject)); err != nil {
		t.Fatalf("track: %v", err)
	}
	ids, err := store.SubjectConnections(ctx, subject)
	if err != nil {
		t.Fatalf("subject connections: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("expected [c1], got %v", ids)
	}
	got, err := store.Get(ctx, "c1")
	if err != nil || got.SubjectID != subject {
		t.Fatalf("unexpected record %+v err=%v", got, err)
	}
}

func TestTrackTwiceDoesNotDoubleCount(t *testing.T) {
	store, _, _ := newPresenceStoreTest(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.Track(ctx, testPresence("c1", "u1")); err != nil {
			t.Fatalf("track %d: %v", i, err)
		}
	}
	count, _ := store.Count(ctx)
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
}

func TestResetClearsStaleCount(t *testing.T) {
	store, mr, _ := newPresenceStoreTest(t)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2"} {
		if err := store.Track(ctx, testPresence(id, "u1")); err != nil {
			t.Fatalf("track %s: %v", id, err)
		}
	}
	if err := store.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if count, _ := store.Count(ctx); count != 0 {
		t.Fatalf("expected count 0 after reset, got %d", count)
	}
	if mr.Exists(store.countKey()) {
		t.Fatal("expected counter key removed")
	}

	if err := store.Track(ctx, testPresence("c3", "u2")); err != nil {
		t.Fatalf("track after reset: %v", err)
	}
	if count, _ := store.Count(ctx); count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
}

func TestUntrackIdempotentCounterAndIndex(t *testing.T) {
	store, _, rdb := newPresenceStoreTest(t)
	ctx := context.Background()

	if err := store.Track(ctx, testPresence("c1", "u1")); err != nil {
		t.Fatalf("track: %v", err)
	}
	existed, err := store.Untrack(ctx, "c1", "u1")
	if err != nil || !existed {
		t.Fatalf("first untrack: existed=%v err=%v", existed, err)
	}
	existed, err = store.Untrack(ctx, "c1", "u1")
	if err != nil || existed {
		t.Fatalf("second untrack: existed=%v err=%v", existed, err)
	}

	count, _ := store.Count(ctx)
	if count != 0 {
		t.Fatalf("expected count 0, got %d", count)
	}
	members, err := rdb.SMembers(ctx, store.subjectKey("u1")).Result()
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected empty subject index, got %v", members)
	}
	if _, err := store.Get(ctx, "c1"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil, got %v", err)
	}
}

func TestAnonymousPresenceSkipsSubjectIndex(t *testing.T) {
	store, _, rdb := newPresenceStoreTest(t)
	ctx := context.Background()

	p := testPresence("c-anon", "")
	p.Anonymous = true
	if err := store.Track(ctx, p); err != nil {
		t.Fatalf("track: %v", err)
	}
	n, err := rdb.Exists(ctx, store.subjectKey("")).Result()
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if n != 0 {
		t.Fatal("anonymous presence must not create a subject index")
	}
	got, err := store.Get(ctx, "c-anon")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Anonymous {
		t.Fatal("expected anonymous flag to round trip")
	}
}

func TestSubjectConnectionsPrunesExpired(t *testing.T) {
	store, mr, _ := newPresenceStoreTest(t)
	ctx := context.Background()

	if err := store.Track(ctx, testPresence("c1", "u1")); err != nil {
		t.Fatalf("track c1: %v", err)
	}
	mr.FastForward(30 * time.Second)
	if err := store.Track(ctx, testPresence("c2", "u1")); err != nil {
		t.Fatalf("track c2: %v", err)
	}
	mr.FastForward(45 * time.Second)

	ids, err := store.SubjectConnections(ctx, "u1")
	if err != nil {
		t.Fatalf("subject connections: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c2" {
		t.Fatalf("expected only c2 live, got %v", ids)
	}
}

func TestTouchExtendsTTL(t *testing.T) {
	store, mr, _ := newPresenceStoreTest(t)
	ctx := context.Background()

	if err := store.Track(ctx, testPresence("c1", "u1")); err != nil {
		t.Fatalf("track: %v", err)
	}
	mr.FastForward(50 * time.Second)
	if err := store.Touch(ctx, "c1", time.Unix(1700000500, 0)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	mr.FastForward(50 * time.Second)

	got, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("expected record to survive after touch: %v", err)
	}
	if got.LastSeen != 1700000500 {
		t.Fatalf("expected last seen updated, got %d", got.LastSeen)
	}

	if err := store.Touch(ctx, "missing", time.Now()); err != nil {
		t.Fatalf("touch of unknown connection must be a no-op: %v", err)
	}
}

func TestGetCorruptRecord(t *testing.T) {
	store, _, rdb := newPresenceStoreTest(t)
	ctx := context.Background()

	if err := rdb.Set(ctx, store.connKey("bad"), []byte("xx"), time.Minute).Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Get(ctx, "bad"); !errors.Is(err, ErrPresenceCorrupt) {
		t.Fatalf("expected ErrPresenceCorrupt, got %v", err)
	}
}

func TestStoreRedisUnavailable(t *testing.T) {
	store, mr, _ := newPresenceStoreTest(t)
	mr.Close()

	err := store.Track(context.Background(), testPresence("c1", "u1"))
	if !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
