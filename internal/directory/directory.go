// Package directory looks up user device registrations for push delivery.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// UserDirectory resolves a user's registered push device tokens. An empty
// slice is a valid answer.
type UserDirectory interface {
	DeviceTokens(ctx context.Context, userID string) ([]string, error)
}

// User is the directory's user document.
type User struct {
	ID           string   `json:"id,omitempty"`
	DeviceTokens []string `json:"deviceTokens"`
}

// HTTPDirectory queries a user service at GET {base}/users/{id}.
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPDirectory creates a client for the user service at baseURL.
func NewHTTPDirectory(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPDirectory {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDirectory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// DeviceTokens fetches the user document. A 404 means the user has no devices.
func (d *HTTPDirectory) DeviceTokens(ctx context.Context, userID string) ([]string, error) {
	endpoint := d.baseURL + "/users/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		d.logger.Debug("user not found in directory", zap.String("user_id", userID))
		return []string{}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("user directory returned status %d: %s", resp.StatusCode, string(body))
	}

	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("invalid user directory response: %w", err)
	}
	if u.DeviceTokens == nil {
		return []string{}, nil
	}
	return u.DeviceTokens, nil
}

// StaticDirectory serves device tokens from memory.
type StaticDirectory struct {
	mu     sync.RWMutex
	tokens map[string][]string
}

// NewStaticDirectory creates a directory seeded with tokens.
func NewStaticDirectory(tokens map[string][]string) *StaticDirectory {
	d := &StaticDirectory{tokens: make(map[string][]string, len(tokens))}
	for id, t := range tokens {
		d.tokens[id] = append([]string(nil), t...)
	}
	return d
}

func (d *StaticDirectory) DeviceTokens(_ context.Context, userID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string{}, d.tokens[userID]...), nil
}

// Register adds tokens for userID.
func (d *StaticDirectory) Register(userID string, tokens ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[userID] = append(d.tokens[userID], tokens...)
}
