package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSQLiteRegistry_PutAndGet(t *testing.T) {
	db := testDB(t)
	reg := NewSQLiteSessionRegistry(db)
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
		t.Errorf("RefreshDigest mismatch")
	}
	if got.Revoked {
		t.Error("new session should not be revoked")
	}
}

func TestSQLiteRegistry_GetUnknown(t *testing.T) {
	db := testDB(t)
	reg := NewSQLiteSessionRegistry(db)

	if _, err := reg.Get(context.Background(), "no-such-session"); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Get() unknown session error = %v, want ErrSessionInvalid", err)
	}
}

func TestSQLiteRegistry_Rotate(t *testing.T) {
	db := testDB(t)
	reg := NewSQLiteSessionRegistry(db)
	ctx := context.Background()

	oldDigest := HashToken("old-token")
	newDigest := HashToken("new-token")

	session := &Session{
		ID:            "sess-rot",
		JudgeID:       "judge-1",
		StationID:     "station-s3",
		EventID:       "event-e1",
		RefreshDigest: oldDigest,
		ExpiresAt:     time.Now().Add(24 * time.Hour),
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

	// Rotating again with the superseded digest must fail: rotation is
	// replace, never append.
	if err := reg.Rotate(ctx, "sess-rot", oldDigest, HashToken("third")); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Rotate() with stale digest error = %v, want ErrSessionInvalid", err)
	}
}

func TestSQLiteRegistry_RotateRevoked(t *testing.T) {
	db := testDB(t)
	reg := NewSQLiteSessionRegistry(db)
	ctx := context.Background()

	digest := HashToken("token")
	session := &Session{
		ID:            "sess-rev",
		JudgeID:       "judge-1",
		StationID:     "station-s3",
		EventID:       "event-e1",
		RefreshDigest: digest,
		ExpiresAt:     time.Now().Add(24 * time.Hour),
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

func TestSQLiteRegistry_IsRevokedUnknown(t *testing.T) {
	db := testDB(t)
	reg := NewSQLiteSessionRegistry(db)

	revoked, err := reg.IsRevoked(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("IsRevoked() error = %v", err)
	}
	if !revoked {
		t.Error("unknown sessions should count as revoked")
	}
}

func TestSQLiteRegistry_DeleteExpired(t *testing.T) {
	db := testDB(t)
	reg := NewSQLiteSessionRegistry(db)
	ctx := context.Background()

	expired := &Session{
		ID: "sess-old", JudgeID: "judge-1", StationID: "station-s3", EventID: "event-e1",
		RefreshDigest: HashToken("a"), ExpiresAt: time.Now().Add(-time.Hour),
	}
	live := &Session{
		ID: "sess-live", JudgeID: "judge-1", StationID: "station-s3", EventID: "event-e1",
		RefreshDigest: HashToken("b"), ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := reg.Put(ctx, expired); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := reg.Put(ctx, live); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	count, err := reg.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if count != 1 {
		t.Errorf("DeleteExpired() = %d, want 1", count)
	}

	if _, err := reg.Get(ctx, "sess-old"); !errors.Is(err, ErrSessionInvalid) {
		t.Error("expired session should be gone")
	}
	if _, err := reg.Get(ctx, "sess-live"); err != nil {
		t.Errorf("live session should survive, got %v", err)
	}
}
