// Package mcp defines the registry contract for tool-serving MCP
// endpoints. The discovery subsystem itself runs as a separate service;
// the platform only speaks this wire shape to it.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Transport is how an MCP endpoint is reached.
type Transport string

const (
	TransportStdio  Transport = "stdio"
	TransportSSH    Transport = "ssh"
	TransportDocker Transport = "docker"
	TransportHTTP   Transport = "http"
)

// ValidTransport reports whether t names a known transport.
func ValidTransport(t Transport) bool {
	switch t {
	case TransportStdio, TransportSSH, TransportDocker, TransportHTTP:
		return true
	}
	return false
}

// Endpoint is one registered MCP server.
type Endpoint struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Transport Transport         `json:"transport"`
	Command   string            `json:"command,omitempty"` // stdio/docker
	URL       string            `json:"url,omitempty"`     // http
	Host      string            `json:"host,omitempty"`    // ssh
	Env       map[string]string `json:"env,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Tool is one capability an endpoint advertises.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolList is the discovery response for one endpoint.
type ToolList struct {
	EndpointID string    `json:"endpointId"`
	Tools      []Tool    `json:"tools"`
	FetchedAt  time.Time `json:"fetchedAt"`
}

// Client talks to the external MCP registry service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a registry client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling mcp registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp registry returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding registry response: %w", err)
	}
	return nil
}

// ListEndpoints returns all registered endpoints.
func (c *Client) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var out struct {
		Items []Endpoint `json:"items"`
	}
	if err := c.get(ctx, "/api/v1/mcp/endpoints", &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ListTools runs discovery against one endpoint.
func (c *Client) ListTools(ctx context.Context, endpointID string) (*ToolList, error) {
	var out ToolList
	if err := c.get(ctx, "/api/v1/mcp/endpoints/"+endpointID+"/tools", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping verifies the registry is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp registry returned status %d", resp.StatusCode)
	}
	return nil
}
