package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// sessionKeyPrefix namespaces session hashes in Redis.
const sessionKeyPrefix = "trailscore:session:"

// rotateScript performs the compare-and-replace half of refresh rotation
// server-side, so two gateways racing to rotate the same session cannot
// both succeed.
//
// Returns: 0 = not found, 1 = revoked, 2 = digest mismatch, 3 = rotated.
const rotateScript = `
local digest = redis.call("HGET", KEYS[1], "refresh_digest")
if not digest then
  return 0
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
  return 1
end
if digest ~= ARGV[1] then
  return 2
end
redis.call("HSET", KEYS[1], "refresh_digest", ARGV[2])
return 3
`

var rotateLua = redis.NewScript(rotateScript)

// Rotation script result codes.
const (
	rotateNotFound int64 = 0
	rotateRevoked  int64 = 1
	rotateMismatch int64 = 2
	rotateRotated  int64 = 3
)

// RedisSessionRegistry implements SessionRegistry on a shared Redis instance,
// for venues running several gateways against one judge roster.
//
// Expiry is delegated to Redis key TTLs, so DeleteExpired is a no-op here.
type RedisSessionRegistry struct {
	client *redis.Client
}

// NewRedisSessionRegistry creates a Redis-backed session registry.
func NewRedisSessionRegistry(client *redis.Client) *RedisSessionRegistry {
	return &RedisSessionRegistry{client: client}
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// Put creates the session hash and sets its TTL from the session expiry.
func (r *RedisSessionRegistry) Put(ctx context.Context, session *Session) error {
	session.CreatedAt = time.Now().UTC()

	key := sessionKey(session.ID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"judge_id":       session.JudgeID,
		"station_id":     session.StationID,
		"event_id":       session.EventID,
		"refresh_digest": session.RefreshDigest,
		"revoked":        boolToRedis(session.Revoked),
		"created_at":     session.CreatedAt.Format(time.RFC3339),
	})
	if ttl := time.Until(session.ExpiresAt); ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// Get retrieves a session by id.
func (r *RedisSessionRegistry) Get(ctx context.Context, sessionID string) (*Session, error) {
	fields, err := r.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionInvalid
	}

	s := &Session{
		ID:            sessionID,
		JudgeID:       fields["judge_id"],
		StationID:     fields["station_id"],
		EventID:       fields["event_id"],
		RefreshDigest: fields["refresh_digest"],
		Revoked:       fields["revoked"] == "1",
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, fields["created_at"]) //nolint:errcheck // format is controlled

	if ttl, err := r.client.TTL(ctx, sessionKey(sessionID)).Result(); err == nil && ttl > 0 {
		s.ExpiresAt = time.Now().UTC().Add(ttl)
	}

	return s, nil
}

// Rotate replaces the stored digest via the server-side CAS script.
func (r *RedisSessionRegistry) Rotate(ctx context.Context, sessionID, oldDigest, newDigest string) error {
	result, err := rotateLua.Run(ctx, r.client,
		[]string{sessionKey(sessionID)}, oldDigest, newDigest).Int64()
	if err != nil {
		return fmt.Errorf("rotating session digest: %w", err)
	}

	if result != rotateRotated {
		return ErrSessionInvalid
	}
	return nil
}

// Revoke marks the session revoked. The key keeps its TTL so the revocation
// outlives any outstanding refresh token for the session.
func (r *RedisSessionRegistry) Revoke(ctx context.Context, sessionID string) error {
	// HSet on a missing key would create a TTL-less orphan; only mark
	// sessions that exist.
	exists, err := r.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	if exists == 0 {
		return nil
	}
	if err := r.client.HSet(ctx, sessionKey(sessionID), "revoked", "1").Err(); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// IsRevoked reports whether the session is revoked. Expired or unknown
// sessions count as revoked.
func (r *RedisSessionRegistry) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	revoked, err := r.client.HGet(ctx, sessionKey(sessionID), "revoked").Result()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking session revocation: %w", err)
	}
	return revoked == "1", nil
}

// DeleteExpired is a no-op: Redis evicts expired session keys itself.
func (r *RedisSessionRegistry) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

func boolToRedis(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
