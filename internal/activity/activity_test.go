package activity

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helioslabs/gatekeep/internal/clock"
	"github.com/helioslabs/gatekeep/internal/model"
	"github.com/helioslabs/gatekeep/internal/repository/inmemory"
)

func TestTracker_WritesLastSeen(t *testing.T) {
	store := inmemory.NewStore()
	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tr := New(store, zap.NewNop(), clk, 16)

	ctx := context.Background()
	repo, err := store.Begin(ctx)
	require.NoError(t, err)
	sess := &model.CompatSession{ID: uuid.Must(uuid.NewV4())}
	require.NoError(t, repo.CompatSessions().Add(ctx, sess))

	tr.Bind("203.0.113.4").RecordCompatSession(sess.ID)
	tr.Close()

	got, err := repo.CompatSessions().Lookup(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastActiveAt)
	require.True(t, got.LastActiveAt.Equal(clk.Now()))
	require.Equal(t, "203.0.113.4", got.LastActiveIP)
}

func TestTracker_UnknownSessionDoesNotBlock(t *testing.T) {
	store := inmemory.NewStore()
	tr := New(store, zap.NewNop(), clock.System{}, 1)

	tr.Bind("203.0.113.4").RecordCompatSession(uuid.Must(uuid.NewV4()))
	tr.Close() // drains without error
}
