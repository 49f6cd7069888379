// Package client is a thin HTTP client for the opensandboxd API, used by
// the osbx CLI and available for embedding in other Go programs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

// apiPrefix is the versioned route group every sandbox endpoint lives
// under; it excludes /health, /ready, /metrics, and /control, which the
// server keeps unversioned.
const apiPrefix = "/api/v1"

// Client is an HTTP client for the opensandboxd control API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new opensandboxd API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

func readAPIErr(resp *http.Response) error {
	defer resp.Body.Close()
	var env types.ErrorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Error.Message != "" {
		return fmt.Errorf("api error (status %d, %s): %s", resp.StatusCode, env.Error.Name, env.Error.Message)
	}
	return fmt.Errorf("api error (status %d)", resp.StatusCode)
}

// CreateSandbox creates a new sandbox.
func (c *Client) CreateSandbox(ctx context.Context, req types.CreateRequest) (*types.Sandbox, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/sandboxes", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, readAPIErr(resp)
	}
	var sandbox types.Sandbox
	if err := json.NewDecoder(resp.Body).Decode(&sandbox); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &sandbox, nil
}

// ListSandboxes lists sandboxes, optionally filtered by state/name prefix.
func (c *Client) ListSandboxes(ctx context.Context, filter types.ListFilter) ([]*types.Sandbox, error) {
	path := "/sandboxes"
	q := make([]string, 0, 4)
	if filter.State != "" {
		q = append(q, "state="+string(filter.State))
	}
	if filter.NamePrefix != "" {
		q = append(q, "name_prefix="+filter.NamePrefix)
	}
	if filter.Page > 0 {
		q = append(q, "page="+strconv.Itoa(filter.Page))
	}
	if filter.Limit > 0 {
		q = append(q, "limit="+strconv.Itoa(filter.Limit))
	}
	if len(q) > 0 {
		path += "?" + joinQuery(q)
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIErr(resp)
	}
	var sandboxes []*types.Sandbox
	if err := json.NewDecoder(resp.Body).Decode(&sandboxes); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return sandboxes, nil
}

func joinQuery(parts []string) string {
	s := ""
	for i, p := range parts {
		if i > 0 {
			s += "&"
		}
		s += p
	}
	return s
}

// GetSandbox gets a sandbox by ID.
func (c *Client) GetSandbox(ctx context.Context, id string) (*types.Sandbox, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/sandboxes/"+id, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIErr(resp)
	}
	var sandbox types.Sandbox
	if err := json.NewDecoder(resp.Body).Decode(&sandbox); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &sandbox, nil
}

// DeleteSandbox deletes a sandbox.
func (c *Client) DeleteSandbox(ctx context.Context, id string) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/sandboxes/"+id, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return readAPIErr(resp)
	}
	return nil
}

// ExtendSandbox extends a sandbox's deadline by the given number of seconds.
func (c *Client) ExtendSandbox(ctx context.Context, id string, seconds int64) (*types.Sandbox, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/sandboxes/"+id+"/extend", types.ExtendRequest{Seconds: seconds})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIErr(resp)
	}
	var sandbox types.Sandbox
	if err := json.NewDecoder(resp.Body).Decode(&sandbox); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &sandbox, nil
}

// Stats fetches the composed resource snapshot for a sandbox.
func (c *Client) Stats(ctx context.Context, id string) (*types.Stats, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/sandboxes/"+id+"/stats", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIErr(resp)
	}
	var stats types.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &stats, nil
}

// Logs fetches the sandbox container's log output.
func (c *Client) Logs(ctx context.Context, id string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/sandboxes/"+id+"/logs", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readAPIErr(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return string(body), nil
}

// RunCommand runs a command in a sandbox and waits for it to finish.
func (c *Client) RunCommand(ctx context.Context, id string, spec types.CommandSpec) (*types.ProcessResult, error) {
	spec.Stream = false
	resp, err := c.doRequest(ctx, http.MethodPost, "/sandboxes/"+id+"/process/run", spec)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readAPIErr(resp)
	}
	var result types.ProcessResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// CreatePTY creates a PTY session in a sandbox and returns its id and
// WebSocket attach endpoint.
func (c *Client) CreatePTY(ctx context.Context, id string, req types.PTYCreateRequest) (*types.PTYCreateResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/sandboxes/"+id+"/pty", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, readAPIErr(resp)
	}
	var out types.PTYCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// KillProcess sends a kill signal to a running command.
func (c *Client) KillProcess(ctx context.Context, id, commandID, signal string) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/sandboxes/"+id+"/process/"+commandID+"/kill", types.KillRequest{Signal: signal})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return readAPIErr(resp)
	}
	return nil
}
