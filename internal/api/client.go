package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client represents a SublinkPro backend API client
type Client struct {
	baseURL string
	http    *resty.Client
	tokenMu sync.RWMutex
	token   string
}

// Error is a business-level rejection from the backend: the request was
// delivered and answered, but the backend said no. Transport failures are
// returned as plain wrapped errors instead.
type Error struct {
	Status  int    // HTTP status
	Code    int    // backend business code, 0 means ok
	Message string // human-readable, rendered verbatim to the user
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("request rejected (HTTP %d, code %d)", e.Status, e.Code)
}

// envelope is the backend's uniform response wrapper
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NewClient creates a new SublinkPro API client
func NewClient(baseURL string, timeout time.Duration) *Client {
	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// Configure resty client
	client.http = resty.New().
		SetHeader("User-Agent", "sublink-admin").
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry on 429 (Too Many Requests) and 5xx server errors
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	return client
}

// SetToken installs the bearer token used for authenticated requests
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// Token returns the current bearer token (empty when unauthenticated)
func (c *Client) Token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// BaseURL returns the backend root URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) request() *resty.Request {
	req := c.http.R()
	if tok := c.Token(); tok != "" {
		req.SetAuthToken(tok)
	}
	return req
}

// Get performs a GET request against the backend API
func (c *Client) Get(endpoint string, params map[string]string) (*resty.Response, error) {
	req := c.request()
	if params != nil {
		req.SetQueryParams(params)
	}
	return req.Get(c.buildURL(endpoint))
}

// Post performs a POST request against the backend API
func (c *Client) Post(endpoint string, payload interface{}) (*resty.Response, error) {
	return c.request().
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(c.buildURL(endpoint))
}

// Put performs a PUT request against the backend API
func (c *Client) Put(endpoint string, payload interface{}) (*resty.Response, error) {
	return c.request().
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Put(c.buildURL(endpoint))
}

// Delete performs a DELETE request against the backend API
func (c *Client) Delete(endpoint string, params map[string]string) (*resty.Response, error) {
	req := c.request()
	if params != nil {
		req.SetQueryParams(params)
	}
	return req.Delete(c.buildURL(endpoint))
}

// buildURL constructs the full URL for an endpoint
func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}

// unwrap validates a response and decodes its data payload into out.
// out may be nil when the caller only cares about success.
func unwrap(resp *resty.Response, requestErr error, out interface{}) error {
	if requestErr != nil {
		return fmt.Errorf("request failed: %w", requestErr)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		if !resp.IsSuccess() {
			return &Error{Status: resp.StatusCode(), Message: resp.Status()}
		}
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if !resp.IsSuccess() || env.Code != 0 {
		return &Error{Status: resp.StatusCode(), Code: env.Code, Message: env.Message}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to parse response data: %w", err)
		}
	}
	return nil
}

// Login exchanges credentials (plus optional captcha proof) for a session token
func (c *Client) Login(req LoginRequest) (*LoginData, error) {
	resp, err := c.Post("api/auth/login", req)

	var data LoginData
	if err := unwrap(resp, err, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Logout invalidates the current session server-side
func (c *Client) Logout() error {
	resp, err := c.Post("api/auth/logout", nil)
	return unwrap(resp, err, nil)
}

// Me fetches the current user profile
func (c *Client) Me() (*User, error) {
	resp, err := c.Get("api/auth/me", nil)

	var user User
	if err := unwrap(resp, err, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ExchangeRememberToken trades a long-lived remember token for a fresh session
func (c *Client) ExchangeRememberToken(rememberToken string) (*LoginData, error) {
	resp, err := c.Post("api/auth/remember", map[string]string{
		"remember_token": rememberToken,
	})

	var data LoginData
	if err := unwrap(resp, err, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// StopTask requests cancellation of a running backend task. Advisory only:
// the authoritative terminal status arrives later on the event stream.
func (c *Client) StopTask(taskID string) error {
	resp, err := c.Post(fmt.Sprintf("api/tasks/%s/stop", taskID), nil)
	return unwrap(resp, err, nil)
}

// taskData is the payload of endpoints that launch a background task
type taskData struct {
	TaskID string `json:"task_id"`
}

// StartSpeedTest launches a speed test across the given nodes
func (c *Client) StartSpeedTest(nodeIDs []string) (string, error) {
	resp, err := c.Post("api/nodes/speedtest", map[string]interface{}{
		"node_ids": nodeIDs,
	})

	var data taskData
	if err := unwrap(resp, err, &data); err != nil {
		return "", err
	}
	return data.TaskID, nil
}

// RefreshSubscription launches a refresh of one subscription source
func (c *Client) RefreshSubscription(subscriptionID string) (string, error) {
	resp, err := c.Post(fmt.Sprintf("api/subscriptions/%s/refresh", subscriptionID), nil)

	var data taskData
	if err := unwrap(resp, err, &data); err != nil {
		return "", err
	}
	return data.TaskID, nil
}

// ApplyTagRules launches a tag-rule application run
func (c *Client) ApplyTagRules(ruleID string) (string, error) {
	resp, err := c.Post(fmt.Sprintf("api/tags/%s/apply", ruleID), nil)

	var data taskData
	if err := unwrap(resp, err, &data); err != nil {
		return "", err
	}
	return data.TaskID, nil
}

// ListNodes lists all proxy nodes
func (c *Client) ListNodes() ([]Node, error) {
	resp, err := c.Get("api/nodes", nil)

	var nodes []Node
	if err := unwrap(resp, err, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ListSubscriptions lists all subscription sources
func (c *Client) ListSubscriptions() ([]Subscription, error) {
	resp, err := c.Get("api/subscriptions", nil)

	var subs []Subscription
	if err := unwrap(resp, err, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// LookupIP fetches geo/ISP information for a node exit IP
func (c *Client) LookupIP(ip string) (*IPInfo, error) {
	resp, err := c.Get("api/tools/iplookup", map[string]string{"ip": ip})

	var info IPInfo
	if err := unwrap(resp, err, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
