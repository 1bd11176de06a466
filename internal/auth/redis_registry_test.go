package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// testRedisRegistry spins up an in-process Redis and returns a registry over it.
func testRedisRegistry(t *testing.T) *RedisSessionRegistry {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisSessionRegistry(client)
}

func TestRedisRegistry_PutAndGet(t *testing.T) {
	reg := testRedisRegistry(t)
	ctx := context.Background()

	session := &Session{
		ID:            "sess-001",
		JudgeID:       "judge-1",
		StationID:     "station-s3",
		EventID:       "event-e1",
		RefreshDigest: HashToken("raw-refresh"),
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	}

	if err := reg.Put(ctx, session); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := reg.Get(ctx, "sess-001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got.JudgeID != "judge-1" {
		t.Errorf("JudgeID = %q, want %q", got.JudgeID, "judge-1")
	}
	if got.RefreshDigest != HashToken("raw-refresh") {
		t.Error("RefreshDigest mismatch")
	}
	if got.Revoked {
		t.Error("new session should not be revoked")
	}
}

func TestRedisRegistry_GetUnknown(t *testing.T) {
	reg := testRedisRegistry(t)

	if _, err := reg.Get(context.Background(), "no-such-session"); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Get() unknown session error = %v, want ErrSessionInvalid", err)
	}
}

func TestRedisRegistry_RotateCAS(t *testing.T) {
	reg := testRedisRegistry(t)
	ctx := context.Background()

	oldDigest := HashToken("old-token")
	newDigest := HashToken("new-token")

	session := &Session{
		ID: "sess-rot", JudgeID: "judge-1", StationID: "station-s3", EventID: "event-e1",
		RefreshDigest: oldDigest, ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if err := reg.Put(ctx, session); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := reg.Rotate(ctx, "sess-rot", oldDigest, newDigest); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	got, _ := reg.Get(ctx, "sess-rot")
	if got.RefreshDigest != newDigest {
		t.Error("Rotate() should replace the stored digest")
	}

	// The losing side of a rotation race presents the superseded digest.
	if err := reg.Rotate(ctx, "sess-rot", oldDigest, HashToken("third")); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Rotate() with stale digest error = %v, want ErrSessionInvalid", err)
	}
}

func TestRedisRegistry_RevokeBlocksRotation(t *testing.T) {
	reg := testRedisRegistry(t)
	ctx := context.Background()

	digest := HashToken("token")
	session := &Session{
		ID: "sess-rev", JudgeID: "judge-1", StationID: "station-s3", EventID: "event-e1",
		RefreshDigest: digest, ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if err := reg.Put(ctx, session); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := reg.Revoke(ctx, "sess-rev"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	revoked, err := reg.IsRevoked(ctx, "sess-rev")
	if err != nil {
		t.Fatalf("IsRevoked() error = %v", err)
	}
	if !revoked {
		t.Error("session should be revoked after Revoke()")
	}

	if err := reg.Rotate(ctx, "sess-rev", digest, HashToken("new")); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Rotate() on revoked session error = %v, want ErrSessionInvalid", err)
	}
}

func TestRedisRegistry_RevokeUnknownIsNoop(t *testing.T) {
	reg := testRedisRegistry(t)

	if err := reg.Revoke(context.Background(), "no-such-session"); err != nil {
		t.Errorf("Revoke() on unknown session error = %v", err)
	}

	revoked, err := reg.IsRevoked(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("IsRevoked() error = %v", err)
	}
	if !revoked {
		t.Error("unknown sessions should count as revoked")
	}
}
