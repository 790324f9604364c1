// Package metahost is a Go client for the MetaHost admin API.
package metahost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the MetaHost admin API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Plugin describes a plugin record as reported by the host.
type Plugin struct {
	ID        int32    `json:"id"`
	Path      string   `json:"path"`
	Status    string   `json:"status"`
	Live      bool     `json:"live"`
	Origin    int32    `json:"origin"`
	Factories []string `json:"factories,omitempty"`
}

// LoadResult is returned by Load.
type LoadResult struct {
	ID      int32  `json:"id"`
	Already bool   `json:"already"`
	Plugin  Plugin `json:"plugin"`
}

// HistoryRecord is one lifecycle event from the host journal.
type HistoryRecord struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	PluginID    int32     `json:"plugin_id"`
	Path        string    `json:"path"`
	Status      string    `json:"status"`
	Origin      int32     `json:"origin"`
	Message     string    `json:"message,omitempty"`
	Forced      bool      `json:"forced,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Signature   string    `json:"signature,omitempty"`
	Signer      string    `json:"signer,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// HistoryQuery filters History results. Zero fields are omitted.
type HistoryQuery struct {
	Limit    int
	Offset   int
	PluginID int32
	Kind     string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	// PluginID is set when a failed load still created a record.
	PluginID *int32
	Output   string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("metahost api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("metahost api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient instantiates a client for the admin API. When httpClient is nil, a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// List returns every plugin record in ascending id order.
func (c *Client) List(ctx context.Context) ([]Plugin, error) {
	var out struct {
		Plugins []Plugin `json:"plugins"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/plugins", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Plugins, nil
}

// Get fetches a single plugin record.
func (c *Client) Get(ctx context.Context, id int32) (Plugin, error) {
	var p Plugin
	if err := c.send(ctx, http.MethodGet, pluginPath(id), nil, nil, &p); err != nil {
		return Plugin{}, err
	}
	return p, nil
}

// Load asks the host to load the module at path.
func (c *Client) Load(ctx context.Context, file string) (LoadResult, error) {
	var res LoadResult
	body := map[string]string{"path": file}
	if err := c.send(ctx, http.MethodPost, "/api/v1/plugins", nil, body, &res); err != nil {
		return LoadResult{}, err
	}
	return res, nil
}

// Unload removes a plugin.
func (c *Client) Unload(ctx context.Context, id int32) error {
	return c.send(ctx, http.MethodDelete, pluginPath(id), nil, nil, nil)
}

// Pause pauses a running plugin.
func (c *Client) Pause(ctx context.Context, id int32) (Plugin, error) {
	var p Plugin
	if err := c.send(ctx, http.MethodPost, pluginPath(id)+"/pause", nil, nil, &p); err != nil {
		return Plugin{}, err
	}
	return p, nil
}

// Unpause resumes a paused plugin.
func (c *Client) Unpause(ctx context.Context, id int32) (Plugin, error) {
	var p Plugin
	if err := c.send(ctx, http.MethodPost, pluginPath(id)+"/unpause", nil, nil, &p); err != nil {
		return Plugin{}, err
	}
	return p, nil
}

// Exec runs a console line on the host and returns its output.
func (c *Client) Exec(ctx context.Context, line string) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	if err := c.send(ctx, http.MethodPost, "/api/v1/console", nil, map[string]string{"line": line}, &out); err != nil {
		return "", err
	}
	return out.Output, nil
}

// History lists lifecycle records, newest first.
func (c *Client) History(ctx context.Context, q HistoryQuery) ([]HistoryRecord, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.PluginID != 0 {
		params.Set("plugin", strconv.Itoa(int(q.PluginID)))
	}
	if q.Kind != "" {
		params.Set("kind", q.Kind)
	}
	var out struct {
		Records []HistoryRecord `json:"records"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/history", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func pluginPath(id int32) string {
	return "/api/v1/plugins/" + strconv.Itoa(int(id))
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		var envelope struct {
			Error  *APIError `json:"error"`
			ID     *int32    `json:"id"`
			Output string    `json:"output"`
		}
		envelope.Error = apiErr
		if len(data) > 0 && json.Unmarshal(data, &envelope) == nil {
			apiErr.PluginID = envelope.ID
			apiErr.Output = envelope.Output
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
