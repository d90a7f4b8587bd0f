// Package client talks to a running cmdgate server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentsh/cmdgate/internal/approvals"
	"github.com/agentsh/cmdgate/internal/gateway"
)

type Client struct {
	baseURL    string
	apiKey     string
	headerName string
	httpClient *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		headerName: "X-API-Key",
		// Long polls ask for at most a minute.
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
}

// WithHeader changes the header the API key is sent in.
func (c *Client) WithHeader(name string) *Client {
	if name != "" {
		c.headerName = name
	}
	return c
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

func (c *Client) CheckCommand(ctx context.Context, agent, command string) (gateway.Result, error) {
	var out gateway.Result
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/check/command", nil, map[string]any{"agent": agent, "command": command}, &out)
	return out, err
}

func (c *Client) RequestApproval(ctx context.Context, agent, command string) (approvals.Status, error) {
	var out approvals.Status
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/approvals", nil, map[string]any{"agent": agent, "command": command}, &out)
	return out, err
}

// GetApproval returns the request state. A positive wait long-polls until
// the request is resolved or wait elapses.
func (c *Client) GetApproval(ctx context.Context, id string, wait time.Duration) (approvals.Status, error) {
	var out approvals.Status
	var q url.Values
	if wait > 0 {
		q = url.Values{"wait": {wait.String()}}
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/approvals/"+url.PathEscape(id), q, nil, &out)
	return out, err
}

func (c *Client) ListApprovals(ctx context.Context) ([]approvals.Status, error) {
	var out []approvals.Status
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/approvals", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveApproval sends decision "approve" or "deny".
func (c *Client) ResolveApproval(ctx context.Context, id, decision, reason, code string) (approvals.Status, error) {
	var out approvals.Status
	body := map[string]any{"decision": decision, "reason": reason, "code": code}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(id), nil, body, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set(c.headerName, c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
