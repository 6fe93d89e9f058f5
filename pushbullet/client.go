package pushbullet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const baseURL = "https://api.pushbullet.com/v2"

// ErrAuth marks credential failures. Terminal: callers surface it instead
// of retrying.
var ErrAuth = errors.New("authentication failed")

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("not found")

// Client talks to the Pushbullet REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client authenticating with the given access
// token. If httpClient is nil, http.DefaultClient is used.
func NewClient(token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
	}
}

// get sends an authenticated GET request and decodes the response into
// result.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, result interface{}) error {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Access-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("API %s (%d): %w", endpoint, resp.StatusCode, ErrAuth)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("API %s: %w", endpoint, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("API %s (%d): %s", endpoint, resp.StatusCode, apiErr.Error.Message)
		}
		return fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// Me returns the authenticated account. Used at startup to verify the
// token and to obtain the user iden for key derivation.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.get(ctx, "/users/me", nil, &user); err != nil {
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	return &user, nil
}

// Devices returns all active devices on the account.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var resp deviceListResponse
	if err := c.get(ctx, "/devices", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	devices := resp.Devices[:0]
	for _, d := range resp.Devices {
		if d.Active {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

// Pushes returns active pushes modified after the given cursor timestamp,
// oldest first. A zero cursor fetches only the most recent push, matching
// first-run behavior where history must not be replayed.
func (c *Client) Pushes(ctx context.Context, modifiedAfter float64) ([]Push, error) {
	query := url.Values{"active": {"true"}}
	if modifiedAfter > 0 {
		query.Set("modified_after", strconv.FormatFloat(modifiedAfter, 'f', -1, 64))
	} else {
		query.Set("limit", "1")
	}

	var resp pushListResponse
	if err := c.get(ctx, "/pushes", query, &resp); err != nil {
		return nil, fmt.Errorf("listing pushes: %w", err)
	}

	// The API returns newest first. Reverse so callers process in
	// delivery order.
	pushes := resp.Pushes
	for i, j := 0, len(pushes)-1; i < j; i, j = i+1, j-1 {
		pushes[i], pushes[j] = pushes[j], pushes[i]
	}
	return pushes, nil
}
