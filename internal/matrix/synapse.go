package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Synapse is a Connector backed by the Synapse admin API.
type Synapse struct {
	ServerName
	base   string
	token  string
	client *http.Client
}

// NewSynapse constructs a connector for the admin API at base, authenticated
// with the shared admin bearer token. Timeouts are configured on the
// injected http.Client.
func NewSynapse(serverName, base, token string, client *http.Client) *Synapse {
	if client == nil {
		client = http.DefaultClient
	}
	return &Synapse{ServerName: ServerName(serverName), base: base, token: token, client: client}
}

// ProvisionUser ensures the user exists on the homeserver.
func (s *Synapse) ProvisionUser(ctx context.Context, localpart string) error {
	path := "/_synapse/admin/v2/users/" + url.PathEscape(s.MXID(localpart))
	return s.do(ctx, http.MethodPut, path, map[string]any{}, nil)
}

// CreateDevice registers a device for the user.
func (s *Synapse) CreateDevice(ctx context.Context, localpart, deviceID string) error {
	path := "/_synapse/admin/v2/users/" + url.PathEscape(s.MXID(localpart)) + "/devices"
	return s.do(ctx, http.MethodPost, path, map[string]any{"device_id": deviceID}, nil)
}

// DeleteDevice removes a device for the user.
func (s *Synapse) DeleteDevice(ctx context.Context, localpart, deviceID string) error {
	path := "/_synapse/admin/v2/users/" + url.PathEscape(s.MXID(localpart)) + "/devices/" + url.PathEscape(deviceID)
	return s.do(ctx, http.MethodDelete, path, nil, nil)
}

// IsLocalpartAvailable reports whether a localpart is free for registration.
func (s *Synapse) IsLocalpartAvailable(ctx context.Context, localpart string) (bool, error) {
	var out struct {
		Available bool `json:"available"`
	}
	path := "/_synapse/admin/v1/username_available?username=" + url.QueryEscape(localpart)
	if err := s.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Available, nil
}

func (s *Synapse) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("synapse %s %s: encode body: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.base+path, reader)
	if err != nil {
		return fmt.Errorf("synapse %s %s: build request: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("synapse %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("synapse %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("synapse %s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}
