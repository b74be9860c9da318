// internal/identity/client.go
// Package identity provides a client for the RegistryAccord identity service.
// The gateway uses it to look up the roles of an authenticated caller.
package identity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
)

// Client for interacting with the RegistryAccord identity service.
type Client struct {
	base string       // Base URL of the identity service
	hc   *http.Client // HTTP client with custom configuration
}

// RoleRecord is the role assignment of one user.
type RoleRecord struct {
	DID   string   `json:"did"`   // User identifier
	Roles []string `json:"roles"` // Assigned roles
}

// New creates a new identity client with the specified base URL.
// It configures appropriate timeouts for identity service requests.
func New(baseURL string) *Client {
	// Configure HTTP transport with connection timeouts
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// Roles returns the roles assigned to userID. An unknown user has no roles.
func (c *Client) Roles(ctx context.Context, userID string) ([]string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, fmt.Errorf("invalid identity url: %w", err)
	}
	u.Path = "/xrpc/com.registryaccord.identity.getRoles"
	q := u.Query()
	q.Set("did", userID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var rec RoleRecord
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return nil, err
		}
		return rec.Roles, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("identity getRoles failed: %s", resp.Status)
	}
}
