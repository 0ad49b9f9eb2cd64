// Package feedsync is the offline-tolerant write path of a social feed client.
//
// It talks to a hosted relational post service (PostgREST under /rest/v1,
// GoTrue under /auth/v1), keeps a durable queue of posts written while offline,
// and reconciles that queue with an optimistic read cache once the device is
// back online.
//
// Usage:
//
//	client := feedsync.NewClient("anon-key", feedsync.WithAccessToken(jwt))
//	storage, _ := feedsync.OpenSQLiteStorage("feed.db")
//	queue := feedsync.NewOfflineQueue(storage, nil)
//	manager := feedsync.NewOfflineManager(queue, client, feedsync.NewFeedCache(nil), nil)
//	manager.Init(signal)
//	defer manager.Destroy()
//
//	outcome, err := manager.CreatePost(ctx, "hello")
package feedsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Local      Environment = "local"
)

var environments = map[Environment]string{
	Production: DefaultBaseURL,
	Local:      "http://127.0.0.1:54321",
}

const (
	DefaultBaseURL = "https://api.pulsefeed.app"
	DefaultTimeout = 30 * time.Second
	DefaultTable   = "posts"
)

// PostService is the remote post resource as consumed by the engine.
type PostService interface {
	CreatePost(ctx context.Context, content, authorEmail, authorID string) (*Post, error)
	ListPosts(ctx context.Context, offset, limit int) ([]Post, error)
	DeletePost(ctx context.Context, id string) error
	CurrentUser(ctx context.Context) (*User, error)
}

var _ PostService = (*Client)(nil)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	anonKey    string
	baseURL    string
	table      string
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithAccessToken sets the session token of the signed-in user.
func WithAccessToken(token string) ClientOption {
	return func(c *Client) { c.accessToken = token }
}

// WithTable overrides the table backing the post resource.
func WithTable(table string) ClientOption {
	return func(c *Client) { c.table = table }
}

// NewClient creates a new feed client.
// anonKey is the project's public key; it is sent on every request.
func NewClient(anonKey string, opts ...ClientOption) *Client {
	c := &Client{
		anonKey: anonKey,
		baseURL: DefaultBaseURL,
		table:   DefaultTable,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or clears the session access token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// BaseURL returns the service root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values, header map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
	}
	bearer := c.token()
	if bearer == "" {
		bearer = c.anonKey
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		// GoTrue reports {"msg": "..."} or {"error_description": "..."}.
		var alt struct {
			Msg              string `json:"msg"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(data, &alt)
		switch {
		case alt.Msg != "":
			apiErr.Message = alt.Msg
		case alt.ErrorDescription != "":
			apiErr.Message = alt.ErrorDescription
		default:
			apiErr.Message = strings.TrimSpace(string(data))
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// ============================================================================
// Post resource
// ============================================================================

func (c *Client) restPath() string {
	return "/rest/v1/" + c.table
}

// CreatePost inserts a post and returns the stored record with its
// server-assigned id and timestamp.
func (c *Client) CreatePost(ctx context.Context, content, authorEmail, authorID string) (*Post, error) {
	payload := []map[string]string{{
		"content":      content,
		"author_email": authorEmail,
		"user_id":      authorID,
	}}
	data, err := c.doRequest(ctx, http.MethodPost, c.restPath(), payload, nil, map[string]string{
		"Prefer": "return=representation",
	})
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]Post](data)
	if err != nil {
		return nil, err
	}
	if len(*rows) == 0 {
		return nil, fmt.Errorf("create post: empty representation")
	}
	post := (*rows)[0]
	return &post, nil
}

// ListPosts returns up to limit posts starting at offset, newest first.
func (c *Client) ListPosts(ctx context.Context, offset, limit int) ([]Post, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "created_at.desc")
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	data, err := c.doRequest(ctx, http.MethodGet, c.restPath(), nil, q, nil)
	if err != nil {
		return nil, err
	}
	rows, err := decodeJSON[[]Post](data)
	if err != nil {
		return nil, err
	}
	return *rows, nil
}

// DeletePost removes a post by its server id.
func (c *Client) DeletePost(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)
	_, err := c.doRequest(ctx, http.MethodDelete, c.restPath(), nil, q, nil)
	return err
}

// CurrentUser resolves the signed-in user. The identity is read from the
// access token claims first so it is available offline; the auth endpoint is
// only consulted when the token does not carry an email. If that call fails
// for any reason but a rejected session, the token's subject is used with an
// empty email.
// Returns (nil, nil) when there is no session.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	token := c.token()
	if token == "" {
		return nil, nil
	}
	claimed, claimErr := TokenIdentity(token)
	if claimErr == nil && claimed.Email != "" {
		return claimed, nil
	}

	data, err := c.doRequest(ctx, http.MethodGet, "/auth/v1/user", nil, nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			return nil, nil
		}
		if claimErr == nil {
			return claimed, nil
		}
		return nil, err
	}
	u, err := decodeJSON[User](data)
	if err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, nil
	}
	return u, nil
}
