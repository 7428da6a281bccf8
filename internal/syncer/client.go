// Package syncer drains the desktop outbox to the cloud and replays the
// cloud change feed into the local cache on a fixed schedule.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultHTTPTimeout = 15 * time.Second

var (
	errMissingBaseURL = errors.New("cloud base url is required")
	errMissingSecret  = errors.New("sync secret is required")
	errUnauthorized   = errors.New("sync request unauthorized")
)

// Event is one change-feed entry returned by the two-way pull.
type Event struct {
	EntityType string `json:"entity_type"`
	EventType  string `json:"event_type"`
	EntityID   string `json:"entity_id"`
	Payload    string `json:"payload"`
	CreatedAt  string `json:"created_at"`
}

// PushRequestItem mirrors one outbox row on the wire.
type PushRequestItem struct {
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// PushResponse summarizes the cloud's handling of a push batch.
type PushResponse struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
	Errors   []struct {
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
		Reason     string `json:"reason"`
	} `json:"errors"`
}

// API is the cloud sync surface the pull and push cycles depend on.
type API interface {
	PullEvents(ctx context.Context, entityType string, since time.Time) ([]Event, error)
	PullReadOnly(ctx context.Context, tables []string, since time.Time) (map[string][]json.RawMessage, error)
	Push(ctx context.Context, items []PushRequestItem) (PushResponse, error)
}

// ClientConfig configures the cloud sync client.
type ClientConfig struct {
	BaseURL    string
	SyncSecret string
	Device     string
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client talks to the cloud sync endpoints. It exchanges the shared
// secret for a session token on first use and retries once with a fresh
// token when the server reports 401.
type Client struct {
	baseURL    string
	syncSecret string
	device     string
	httpClient *http.Client
	logger     *zap.Logger

	mu           sync.Mutex
	sessionToken string
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if cfg.SyncSecret == "" {
		return nil, errMissingSecret
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	device := strings.TrimSpace(cfg.Device)
	if device == "" {
		device = "desktop"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		syncSecret: cfg.SyncSecret,
		device:     device,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// PullEvents fetches change-feed events for one entity type after since.
func (c *Client) PullEvents(ctx context.Context, entityType string, since time.Time) ([]Event, error) {
	query := url.Values{}
	query.Set("entity_type", entityType)
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339))
	}

	var response struct {
		Events []Event `json:"events"`
		Count  int     `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/sync/pull?"+query.Encode(), nil, &response); err != nil {
		return nil, err
	}
	return response.Events, nil
}

// PullReadOnly fetches changed rows of the allow-listed tables after since.
func (c *Client) PullReadOnly(ctx context.Context, tables []string, since time.Time) (map[string][]json.RawMessage, error) {
	query := url.Values{}
	query.Set("entities", strings.Join(tables, ","))
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339))
	}

	response := map[string][]json.RawMessage{}
	if err := c.do(ctx, http.MethodGet, "/sync/pull-readonly?"+query.Encode(), nil, &response); err != nil {
		return nil, err
	}
	return response, nil
}

// Push submits one outbox batch.
func (c *Client) Push(ctx context.Context, items []PushRequestItem) (PushResponse, error) {
	var response PushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/push", items, &response); err != nil {
		return PushResponse{}, err
	}
	return response, nil
}

// do performs one authenticated request, refreshing the session token
// and retrying a single time on 401.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	err := c.doOnce(ctx, method, path, body, out)
	if !errors.Is(err, errUnauthorized) {
		return err
	}

	c.mu.Lock()
	c.sessionToken = ""
	c.mu.Unlock()
	if err := c.authenticate(ctx); err != nil {
		return err
	}
	return c.doOnce(ctx, method, path, body, out)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if response.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("sync request %s %s failed: status %d: %s", method, path, response.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

// bearerToken returns the cached session token, fetching one when absent.
func (c *Client) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.sessionToken
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	if err := c.authenticate(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionToken, nil
}

func (c *Client) authenticate(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{
		"secret": c.syncSecret,
		"device": c.device,
	})
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/auth", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("sync auth failed: status %d", response.StatusCode)
	}

	var decoded struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return err
	}
	if decoded.AccessToken == "" {
		return errors.New("sync auth returned empty token")
	}

	c.mu.Lock()
	c.sessionToken = decoded.AccessToken
	c.mu.Unlock()
	return nil
}
