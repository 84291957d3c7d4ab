package matrix

import (
	"context"
	"fmt"
	"sync"
)

// Mock is an in-memory Connector used by tests and dev deployments.
type Mock struct {
	ServerName

	mu       sync.RWMutex
	users    map[string]map[string]struct{} // localpart -> device ids
	reserved map[string]struct{}

	// CreateDeviceErr, when set, is returned from CreateDevice. Test hook
	// for the provisioning-failure path.
	CreateDeviceErr error
}

// NewMock constructs a mock connector for the given server name.
func NewMock(serverName string) *Mock {
	return &Mock{
		ServerName: ServerName(serverName),
		users:      map[string]map[string]struct{}{},
		reserved:   map[string]struct{}{},
	}
}

// ProvisionUser ensures the user exists.
func (m *Mock) ProvisionUser(_ context.Context, localpart string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[localpart]; !ok {
		m.users[localpart] = map[string]struct{}{}
	}
	return nil
}

// CreateDevice registers a device for a provisioned user.
func (m *Mock) CreateDevice(_ context.Context, localpart, deviceID string) error {
	if m.CreateDeviceErr != nil {
		return m.CreateDeviceErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	devices, ok := m.users[localpart]
	if !ok {
		return fmt.Errorf("mock homeserver: user %q not provisioned", localpart)
	}
	devices[deviceID] = struct{}{}
	return nil
}

// DeleteDevice removes a device. Removing an absent device is not an error.
func (m *Mock) DeleteDevice(_ context.Context, localpart, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	devices, ok := m.users[localpart]
	if !ok {
		return fmt.Errorf("mock homeserver: user %q not provisioned", localpart)
	}
	delete(devices, deviceID)
	return nil
}

// IsLocalpartAvailable reports whether a localpart is free.
func (m *Mock) IsLocalpartAvailable(_ context.Context, localpart string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.reserved[localpart]; ok {
		return false, nil
	}
	_, taken := m.users[localpart]
	return !taken, nil
}

// ReserveLocalpart marks a localpart as unavailable without provisioning it.
func (m *Mock) ReserveLocalpart(localpart string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved[localpart] = struct{}{}
}

// Devices returns a copy of the device set for a user.
func (m *Mock) Devices(localpart string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.users[localpart]))
	for d := range m.users[localpart] {
		out = append(out, d)
	}
	return out
}
