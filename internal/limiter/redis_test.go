package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, maxFails int) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, time.Minute, maxFails, 10*time.Minute), mr
}

func TestRedis_BlocksAtThreshold(t *testing.T) {
	l, _ := newRedisLimiter(t, 3)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())
	fp := FingerprintIP("1.2.3.4")

	// Under the threshold: allowed, failures recorded without block.
	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, user, fp)
		require.NoError(t, err)
		require.True(t, ok)
		blocked, _, err := l.Failure(ctx, user, fp)
		require.NoError(t, err)
		require.False(t, blocked, "attempt %d should not block", i+1)
	}

	// Third failure reaches the threshold.
	blocked, retry, err := l.Failure(ctx, user, fp)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, 10*time.Minute, retry)

	ok, retry, err := l.Allow(ctx, user, fp)
	require.NoError(t, err)
	require.False(t, ok)
	require.Greater(t, retry, time.Duration(0))
}

func TestRedis_KeysAreScopedPerPair(t *testing.T) {
	l, _ := newRedisLimiter(t, 1)
	ctx := context.Background()
	alice, bob := uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4())
	fp := FingerprintIP("1.2.3.4")

	blocked, _, err := l.Failure(ctx, alice, fp)
	require.NoError(t, err)
	require.True(t, blocked)

	// Same source, different target user: unaffected.
	ok, _, err := l.Allow(ctx, bob, fp)
	require.NoError(t, err)
	require.True(t, ok)

	// Same target, different source: unaffected.
	ok, _, err = l.Allow(ctx, alice, FingerprintIP("5.6.7.8"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedis_SuccessResets(t *testing.T) {
	l, _ := newRedisLimiter(t, 2)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())
	fp := FingerprintIP("1.2.3.4")

	_, _, err := l.Failure(ctx, user, fp)
	require.NoError(t, err)
	require.NoError(t, l.Success(ctx, user, fp))

	// Counter restarted: a single failure does not block again.
	blocked, _, err := l.Failure(ctx, user, fp)
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestRedis_ResetUnblocks(t *testing.T) {
	l, _ := newRedisLimiter(t, 1)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())
	fp := FingerprintIP("1.2.3.4")

	blocked, _, err := l.Failure(ctx, user, fp)
	require.NoError(t, err)
	require.True(t, blocked)

	require.NoError(t, l.Reset(ctx, user, fp))

	ok, _, err := l.Allow(ctx, user, fp)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedis_BlockExpires(t *testing.T) {
	l, mr := newRedisLimiter(t, 1)
	ctx := context.Background()
	user := uuid.Must(uuid.NewV4())
	fp := FingerprintIP("1.2.3.4")

	blocked, _, err := l.Failure(ctx, user, fp)
	require.NoError(t, err)
	require.True(t, blocked)

	mr.FastForward(11 * time.Minute)

	ok, _, err := l.Allow(ctx, user, fp)
	require.NoError(t, err)
	require.True(t, ok)
}
