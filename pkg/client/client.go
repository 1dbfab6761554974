// Package client wraps the daemon's JSON-over-HTTP RPC surface for CLI
// and nested-container use, grounded on the teacher's pkg/client/client.go
// dial/timeout/wrap shape (one method per RPC, a shared http.Client,
// context timeouts per call) with the mTLS/certificate machinery
// dropped: Quilt is single-host and has no join-token concept.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/quilt/pkg/api"
	"github.com/cuemby/quilt/pkg/network"
	"github.com/cuemby/quilt/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Client is a thin wrapper around the daemon's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client dialing the daemon at addr (host:port, no
// scheme).
func New(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// CreateContainer creates a container, returning its id.
func (c *Client) CreateContainer(ctx context.Context, req api.CreateContainerRequest) (string, error) {
	var resp api.CreateContainerResponse
	if _, err := c.do(ctx, http.MethodPost, "/containers", req, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("%s", resp.ErrorMessage)
	}
	return resp.ContainerID, nil
}

// GetContainerStatus returns a container's current status, addressing
// it by id unless byName is set.
func (c *Client) GetContainerStatus(ctx context.Context, idOrName string, byName bool) (*api.StatusResponse, error) {
	path := "/containers/" + idOrName
	if byName {
		path += "?by_name=true"
	}

	var resp api.StatusResponse
	code, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	if err != nil {
		return nil, err
	}
	if code >= 300 {
		return nil, fmt.Errorf("%s", resp.ErrorMessage)
	}
	return &resp, nil
}

// ListContainers returns every persisted container record.
func (c *Client) ListContainers(ctx context.Context) ([]*types.Container, error) {
	var containers []*types.Container
	if _, err := c.do(ctx, http.MethodGet, "/containers", nil, &containers); err != nil {
		return nil, err
	}
	return containers, nil
}

// StartContainer transitions a container from Created to Running.
func (c *Client) StartContainer(ctx context.Context, idOrName string, byName bool) error {
	path := "/containers/" + idOrName + "/start"
	if byName {
		path += "?by_name=true"
	}
	return c.simplePost(ctx, path)
}

// StopContainer sends SIGTERM then, after timeout, SIGKILL.
func (c *Client) StopContainer(ctx context.Context, idOrName string, byName bool, timeoutSeconds int) error {
	path := fmt.Sprintf("/containers/%s/stop?timeout_seconds=%d", idOrName, timeoutSeconds)
	if byName {
		path += "&by_name=true"
	}
	return c.simplePost(ctx, path)
}

// KillContainer sends an unconditional SIGKILL.
func (c *Client) KillContainer(ctx context.Context, idOrName string, byName bool) error {
	path := "/containers/" + idOrName + "/kill"
	if byName {
		path += "?by_name=true"
	}
	return c.simplePost(ctx, path)
}

// RemoveContainer deletes a container's record and schedules resource
// cleanup.
func (c *Client) RemoveContainer(ctx context.Context, idOrName string, byName, force bool) error {
	path := "/containers/" + idOrName
	query := ""
	if force {
		query = "?force=true"
	}
	if byName {
		if query == "" {
			query = "?by_name=true"
		} else {
			query += "&by_name=true"
		}
	}

	var resp api.ErrorResponse
	code, err := c.do(ctx, http.MethodDelete, path+query, nil, &resp)
	if err != nil {
		return err
	}
	if code >= 300 {
		return fmt.Errorf("%s", resp.ErrorMessage)
	}
	return nil
}

// ExecContainer runs a one-off command inside a running container's
// namespaces.
func (c *Client) ExecContainer(ctx context.Context, idOrName string, byName bool, req api.ExecRequest) (string, error) {
	path := "/containers/" + idOrName + "/exec"
	if byName {
		path += "?by_name=true"
	}

	var resp api.ExecResponse
	code, err := c.do(ctx, http.MethodPost, path, req, &resp)
	if err != nil {
		return "", err
	}
	if code >= 300 || !resp.Success {
		return "", fmt.Errorf("%s", resp.ErrorMessage)
	}
	return resp.Output, nil
}

// GetContainerLogs returns the container's buffered log lines.
func (c *Client) GetContainerLogs(ctx context.Context, idOrName string, byName bool) ([]string, error) {
	path := "/containers/" + idOrName + "/logs"
	if byName {
		path += "?by_name=true"
	}

	var resp api.LogsResponse
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// ListNetworks returns the "icc" active-allocation listing.
func (c *Client) ListNetworks(ctx context.Context) ([]api.NetworkEntry, error) {
	var entries []api.NetworkEntry
	if _, err := c.do(ctx, http.MethodGet, "/icc/networks", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListDNS returns the "icc" DNS-registration listing.
func (c *Client) ListDNS(ctx context.Context) ([]api.DNSEntry, error) {
	var entries []api.DNSEntry
	if _, err := c.do(ctx, http.MethodGet, "/icc/dns", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Diagnose returns the ICC connectivity report for a container.
func (c *Client) Diagnose(ctx context.Context, id string) (*network.DiagnosticsReport, error) {
	var report network.DiagnosticsReport
	if _, err := c.do(ctx, http.MethodGet, "/icc/diagnose/"+id, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) simplePost(ctx context.Context, path string) error {
	var resp api.ErrorResponse
	code, err := c.do(ctx, http.MethodPost, path, nil, &resp)
	if err != nil {
		return err
	}
	if code >= 300 || !resp.Success {
		return fmt.Errorf("%s", resp.ErrorMessage)
	}
	return nil
}

// DefaultTimeout is the per-request timeout CLI commands should apply
// via context.WithTimeout when the caller doesn't already carry a
// deadline.
const DefaultTimeout = defaultTimeout
