// Package matrix talks to the home-server user directory. The core only
// depends on the Connector interface; a real Synapse admin-API client and a
// deterministic in-memory mock both implement it.
package matrix

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Connector is the capability set the lifecycle engine needs from the
// home-server directory.
type Connector interface {
	// Homeserver returns the server name this connector serves.
	Homeserver() string
	// MXID builds the full user identifier for a localpart.
	MXID(localpart string) string
	// Localpart extracts the localpart from a full identifier. It returns
	// false when the input is not an identifier for this homeserver.
	Localpart(mxid string) (string, bool)
	// ProvisionUser ensures the user exists in the directory.
	ProvisionUser(ctx context.Context, localpart string) error
	// CreateDevice registers a device for the user. Login must not proceed
	// when this fails.
	CreateDevice(ctx context.Context, localpart, deviceID string) error
	// DeleteDevice removes a device for the user.
	DeleteDevice(ctx context.Context, localpart, deviceID string) error
	// IsLocalpartAvailable reports whether a localpart is free for registration.
	IsLocalpartAvailable(ctx context.Context, localpart string) (bool, error)
}

// ServerName implements the pure identifier derivations shared by every
// connector implementation.
type ServerName string

// Homeserver returns the server name.
func (s ServerName) Homeserver() string { return string(s) }

// MXID builds `@localpart:server`.
func (s ServerName) MXID(localpart string) string {
	return fmt.Sprintf("@%s:%s", localpart, s)
}

// Localpart parses `@localpart:server`, rejecting identifiers for other
// servers. A bare localpart is returned unchanged.
func (s ServerName) Localpart(mxid string) (string, bool) {
	if !strings.HasPrefix(mxid, "@") {
		return mxid, true
	}
	local, server, found := strings.Cut(mxid[1:], ":")
	if !found || server != string(s) || local == "" {
		return "", false
	}
	return local, true
}

const (
	deviceLen      = 10
	deviceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// GenerateDevice produces a random device identifier from a CSPRNG.
func GenerateDevice(rng io.Reader) (string, error) {
	buf := make([]byte, deviceLen)
	out := make([]byte, 0, deviceLen)
	for len(out) < deviceLen {
		if _, err := io.ReadFull(rng, buf[:1]); err != nil {
			return "", fmt.Errorf("generate device: %w", err)
		}
		// Rejection sampling over the 62-char alphabet.
		if buf[0] >= 248 {
			continue
		}
		out = append(out, deviceAlphabet[buf[0]%62])
	}
	return string(out), nil
}
