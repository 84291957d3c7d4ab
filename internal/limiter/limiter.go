// Package limiter defines interfaces and implementations for password-check
// rate limiting, keyed by (requester fingerprint, target user).
package limiter

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Limiter controls password-verification attempts and temporary lockouts.
// Keys combine the requester fingerprint with the target user so one source
// cannot stuff credentials across many users, and one target cannot be used
// to exhaust a shared bucket.
type Limiter interface {
	// Allow reports whether a password check is currently allowed for the
	// pair, with an optional retry-after hint.
	Allow(ctx context.Context, userID uuid.UUID, fingerprint []byte) (bool, time.Duration, error)
	// Success resets counters after a successful login. Successful logins
	// never count against the limit.
	Success(ctx context.Context, userID uuid.UUID, fingerprint []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, userID uuid.UUID, fingerprint []byte) (bool, time.Duration, error)
	// Reset clears all counters for the pair. Administrative/test action,
	// never reachable from a user-facing path.
	Reset(ctx context.Context, userID uuid.UUID, fingerprint []byte) error
}

// FingerprintIP returns a stable fingerprint for an IP string so raw
// addresses are never stored.
func FingerprintIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}
