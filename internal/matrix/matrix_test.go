package matrix

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServerName_Identifiers(t *testing.T) {
	t.Parallel()
	s := ServerName("example.com")

	require.Equal(t, "@alice:example.com", s.MXID("alice"))

	local, ok := s.Localpart("@alice:example.com")
	require.True(t, ok)
	require.Equal(t, "alice", local)

	// Bare localparts pass through.
	local, ok = s.Localpart("alice")
	require.True(t, ok)
	require.Equal(t, "alice", local)

	// Foreign server names are rejected.
	_, ok = s.Localpart("@alice:something.corp")
	require.False(t, ok)

	// Malformed identifiers are rejected.
	_, ok = s.Localpart("@noserver")
	require.False(t, ok)
	_, ok = s.Localpart("@:example.com")
	require.False(t, ok)
}

func TestGenerateDevice(t *testing.T) {
	t.Parallel()
	seen := map[string]struct{}{}
	for range 100 {
		d, err := GenerateDevice(rand.Reader)
		require.NoError(t, err)
		require.Len(t, d, deviceLen)
		seen[d] = struct{}{}
	}
	require.Len(t, seen, 100, "device ids should not collide")
}

func TestMock_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMock("example.org")

	require.Equal(t, "example.org", m.Homeserver())

	// Devices require a provisioned user.
	require.Error(t, m.CreateDevice(ctx, "test", "DEV1"))

	require.NoError(t, m.ProvisionUser(ctx, "test"))
	require.NoError(t, m.CreateDevice(ctx, "test", "DEV1"))
	// Creating the same device twice is fine.
	require.NoError(t, m.CreateDevice(ctx, "test", "DEV1"))
	require.Len(t, m.Devices("test"), 1)

	// Deleting a non-existent device is not an error.
	require.NoError(t, m.DeleteDevice(ctx, "test", "DEV2"))
	require.NoError(t, m.DeleteDevice(ctx, "test", "DEV1"))
	require.Empty(t, m.Devices("test"))

	avail, err := m.IsLocalpartAvailable(ctx, "test")
	require.NoError(t, err)
	require.False(t, avail)

	avail, err = m.IsLocalpartAvailable(ctx, "alice")
	require.NoError(t, err)
	require.True(t, avail)

	m.ReserveLocalpart("alice")
	avail, err = m.IsLocalpartAvailable(ctx, "alice")
	require.NoError(t, err)
	require.False(t, avail)
}
