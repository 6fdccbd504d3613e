package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), "redis://"+server.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, server
}

func TestNewRedisStore(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if _, err := NewRedisStore(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestConsumeRefreshSessionIsSingleUse(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "hash-1", "usr_1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	if got, _ := server.Get("cmdhub:refresh:hash-1"); got != "usr_1" {
		t.Fatalf("stored value = %q, want usr_1", got)
	}
	if ttl := server.TTL("cmdhub:refresh:hash-1"); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("ttl = %s, want within the refresh window", ttl)
	}

	owner, err := store.ConsumeRefreshSession(ctx, "hash-1")
	if err != nil || owner != "usr_1" {
		t.Fatalf("ConsumeRefreshSession() = %q, %v", owner, err)
	}
	if _, err := store.ConsumeRefreshSession(ctx, "hash-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second consume error = %v, want ErrSessionNotFound", err)
	}
}

func TestConsumeRefreshSessionRace(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if err := store.SaveRefreshSession(ctx, "hash-race", "usr_1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeRefreshSession(ctx, "hash-race"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("token spent %d times, want exactly once", wins)
	}
}

func TestSaveRejectsPastExpiry(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.SaveRefreshSession(context.Background(), "old", "usr_1", time.Now().Add(-time.Minute)); err == nil {
		t.Fatal("expected error for past expiry")
	}
}

func TestExpiredSessionIsGone(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()
	if err := store.SaveRefreshSession(ctx, "short", "usr_2", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	server.FastForward(2 * time.Second)

	if _, err := store.ConsumeRefreshSession(ctx, "short"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ConsumeRefreshSession() error = %v, want ErrSessionNotFound", err)
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	for hash, user := range map[string]string{"token-1": "usr_1", "token-2": "usr_2"} {
		if err := store.SaveRefreshSession(ctx, hash, user, time.Now().Add(time.Hour)); err != nil {
			t.Fatalf("save %s: %v", hash, err)
		}
	}

	if err := store.RevokeRefreshSession(ctx, "token-1"); err != nil {
		t.Fatalf("RevokeRefreshSession() error = %v", err)
	}
	if _, err := store.ConsumeRefreshSession(ctx, "token-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("revoked token error = %v", err)
	}
	if owner, err := store.ConsumeRefreshSession(ctx, "token-2"); err != nil || owner != "usr_2" {
		t.Fatalf("token-2 = %q, %v", owner, err)
	}
	if err := store.RevokeRefreshSession(ctx, "never-existed"); err != nil {
		t.Fatalf("revoking unknown token: %v", err)
	}
}
