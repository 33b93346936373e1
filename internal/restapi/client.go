// ABOUTME: REST client for the Jaibber server: auth, projects, messages, tasks.
// ABOUTME: Holds the bearer token and tracks its expiry from the JWT claims.

package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates rejected credentials or an expired token.
var ErrUnauthorized = errors.New("unauthorized")

// Project is one channel-backed project the account is a member of.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ChannelName string `json:"ablyChannelName"`
	Role        string `json:"role"`
}

// ServerMessage is a persisted message as the server returns it.
type ServerMessage struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	SenderID   string    `json:"senderId"`
	SenderType string    `json:"senderType"` // "user", "agent" or "api"
	SenderName string    `json:"senderName"`
	Type       string    `json:"type"` // "message", "response" or "error"
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PersistMessage is the payload for the fire-and-forget message write.
// Passing a client-generated id makes the server skip re-publishing the
// message to the channel.
type PersistMessage struct {
	ID         string `json:"id"`
	SenderType string `json:"senderType"`
	SenderName string `json:"senderName"`
	Type       string `json:"type"`
	Text       string `json:"text"`
}

// Client talks to the Jaibber server. It is safe for concurrent use
// once Login has succeeded.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger

	mu          sync.RWMutex
	token       string
	tokenExpiry time.Time
	userID      string
	username    string
}

// NewClient creates a client for the server at baseURL. A trailing
// slash is stripped.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With("component", "restapi"),
	}
}

// Login exchanges credentials for a bearer token and records the
// authenticated identity. The token's exp claim is read without
// verification (the server owns validation) so callers can schedule
// re-login.
func (c *Client) Login(ctx context.Context, username, password string) error {
	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/token", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: check username and password", ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed (%d): %s", resp.StatusCode, readBody(resp.Body))
	}

	var data struct {
		Token    string `json:"token"`
		UserID   string `json:"userId"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return fmt.Errorf("decoding login response: %w", err)
	}

	expiry := tokenExpiry(data.Token)

	c.mu.Lock()
	c.token = data.Token
	c.tokenExpiry = expiry
	c.userID = data.UserID
	c.username = data.Username
	c.mu.Unlock()

	c.logger.Info("logged in", "user_id", data.UserID, "username", data.Username)
	return nil
}

// tokenExpiry extracts the exp claim without verifying the signature.
// A token we cannot parse gets a zero expiry, meaning "unknown".
func tokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// UserID returns the authenticated account id, empty before Login.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Username returns the authenticated display name, empty before Login.
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// TokenExpiry returns when the current bearer token lapses, zero if
// unknown.
func (c *Client) TokenExpiry() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokenExpiry
}

// ListProjects returns the projects the account is a member of.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var data struct {
		Projects []Project `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/projects", nil, &data); err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return data.Projects, nil
}

// FetchMessages returns up to limit recent messages for a project in
// chronological order. The server sends newest first; the slice is
// reversed here so callers can append directly.
func (c *Client) FetchMessages(ctx context.Context, projectID string, limit int) ([]ServerMessage, error) {
	var data struct {
		Data []ServerMessage `json:"data"`
	}
	path := fmt.Sprintf("/api/projects/%s/messages?limit=%d", projectID, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	msgs := data.Data
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// PersistMessage writes a message record. Call sites treat this as
// fire-and-forget: the wire event already published is the canonical
// display record, so failures are for the caller to log, not retry.
func (c *Client) PersistMessage(ctx context.Context, projectID string, msg PersistMessage) error {
	path := fmt.Sprintf("/api/projects/%s/messages", projectID)
	if err := c.do(ctx, http.MethodPost, path, msg, nil); err != nil {
		return fmt.Errorf("persisting message: %w", err)
	}
	return nil
}

// UpdateTaskStatus patches a task's status field.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string) error {
	path := fmt.Sprintf("/api/tasks/%s", taskID)
	if err := c.do(ctx, http.MethodPatch, path, map[string]string{"status": status}, nil); err != nil {
		return fmt.Errorf("updating task %s: %w", taskID, err)
	}
	return nil
}

// TransportTokenRequest fetches a short-lived scoped credential for the
// pub/sub transport. The payload is opaque to us; the transport client
// consumes it as issued.
func (c *Client) TransportTokenRequest(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/api/ably/token", nil, &raw); err != nil {
		return nil, fmt.Errorf("requesting transport token: %w", err)
	}
	return raw, nil
}

// do issues an authenticated JSON request and decodes the response into
// out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readBody(resp.Body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func readBody(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	return string(raw)
}
