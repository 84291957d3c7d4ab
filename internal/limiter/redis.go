package limiter

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// Redis is a fixed-window limiter backed by Redis, for deployments that
// want rate-limit state shared across instances without touching Postgres.
type Redis struct {
	client   *redis.Client
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

// NewRedis constructs a Redis-backed limiter.
func NewRedis(client *redis.Client, window time.Duration, maxFails int, blockFor time.Duration) *Redis {
	return &Redis{client: client, window: window, maxFails: maxFails, blockFor: blockFor}
}

func (l *Redis) failKey(userID uuid.UUID, fingerprint []byte) string {
	return "pcl:fails:" + userID.String() + ":" + hex.EncodeToString(fingerprint)
}

func (l *Redis) blockKey(userID uuid.UUID, fingerprint []byte) string {
	return "pcl:block:" + userID.String() + ":" + hex.EncodeToString(fingerprint)
}

// Allow reports whether a password check is currently allowed for the pair.
func (l *Redis) Allow(ctx context.Context, userID uuid.UUID, fingerprint []byte) (bool, time.Duration, error) {
	ttl, err := l.client.TTL(ctx, l.blockKey(userID, fingerprint)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("limiter redis ttl: %w", err)
	}
	if ttl > 0 {
		return false, ttl, nil
	}
	return true, 0, nil
}

// Success resets counters for the pair.
func (l *Redis) Success(ctx context.Context, userID uuid.UUID, fingerprint []byte) error {
	return l.Reset(ctx, userID, fingerprint)
}

// Failure records a failed attempt; may place a temporary block.
func (l *Redis) Failure(ctx context.Context, userID uuid.UUID, fingerprint []byte) (bool, time.Duration, error) {
	key := l.failKey(userID, fingerprint)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("limiter redis incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("limiter redis expire: %w", err)
		}
	}
	if count >= int64(l.maxFails) {
		if err := l.client.Set(ctx, l.blockKey(userID, fingerprint), 1, l.blockFor).Err(); err != nil {
			return false, 0, fmt.Errorf("limiter redis block: %w", err)
		}
		return true, l.blockFor, nil
	}
	return false, 0, nil
}

// Reset clears all counters for the pair.
func (l *Redis) Reset(ctx context.Context, userID uuid.UUID, fingerprint []byte) error {
	err := l.client.Del(ctx, l.failKey(userID, fingerprint), l.blockKey(userID, fingerprint)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("limiter redis del: %w", err)
	}
	return nil
}
