// Package sidecar is a typed client of the per-droplet sidecar HTTP
// surface spec.md §6.4 defines (workflow deploy, credential inject/verify,
// lifecycle prepare-update/checkpoint, health). Grounded on the same
// internal/chain/client.go typed-client shape as internal/cloudapi, but
// against a plain droplet, so each Client targets exactly one droplet's
// base URL rather than one shared provider endpoint.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetctl/controlplane/internal/domain/errs"
)

// Config configures a Client against one droplet's sidecar.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to one droplet's sidecar over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client for one droplet. cfg.BaseURL is typically
// derived from droplet.Droplet.PublicDNS.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sidecar: base URL required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{baseURL: cfg.BaseURL, http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.ValidationFailed, "sidecar: encode request", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.Wrap(errs.SidecarUnreachable, "sidecar: build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.SidecarUnreachable, "sidecar: "+method+" "+path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.SidecarUnreachable, "sidecar: read response", err)
	}

	if resp.StatusCode >= 300 {
		return errs.New(errs.SidecarUnreachable, fmt.Sprintf("sidecar: %s %s returned %d", method, path, resp.StatusCode)).
			WithContext("status", fmt.Sprint(resp.StatusCode))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errs.Wrap(errs.SidecarUnreachable, "sidecar: decode response", err)
		}
	}
	return nil
}

// DeployWorkflow pushes a new workflow definition to the droplet.
func (c *Client) DeployWorkflow(ctx context.Context, name, workflowJSON, version string) error {
	return c.do(ctx, http.MethodPost, "/api/workflows/deploy", map[string]string{
		"workflow_name": name,
		"workflow_json": workflowJSON,
		"version":       version,
	}, nil)
}

// InjectCredential pushes one encrypted credential blob.
func (c *Client) InjectCredential(ctx context.Context, credentialType string, encryptedPayload []byte) error {
	return c.do(ctx, http.MethodPost, "/api/credentials/inject", map[string]interface{}{
		"credential_type":   credentialType,
		"encrypted_payload": encryptedPayload,
		"timestamp":         time.Now().UTC(),
	}, nil)
}

// VerifyCredential reports whether the droplet confirms a credential of
// the given type is active.
func (c *Client) VerifyCredential(ctx context.Context, credentialType string) (bool, error) {
	var out struct {
		Verified bool `json:"verified"`
	}
	err := c.do(ctx, http.MethodGet, "/api/credentials/verify?type="+credentialType, nil, &out)
	return out.Verified, err
}

// PrepareUpdate asks the droplet to ready itself for a blue-green swap.
func (c *Client) PrepareUpdate(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/lifecycle/prepare-update", nil, nil)
}

// Checkpoint acks a lifecycle checkpoint mid-update.
func (c *Client) Checkpoint(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/lifecycle/checkpoint", nil, nil)
}

// PullImage asks the droplet to pull the given sidecar image tag without
// swapping it in yet (blue-green update step 2).
func (c *Client) PullImage(ctx context.Context, version string) error {
	return c.do(ctx, http.MethodPost, "/api/lifecycle/pull-image", map[string]string{
		"version": version,
	}, nil)
}

// SwapContainer swaps the running sidecar container to the already-pulled
// image (blue-green update step 4).
func (c *Client) SwapContainer(ctx context.Context, version string) error {
	return c.do(ctx, http.MethodPost, "/api/lifecycle/swap-container", map[string]string{
		"version": version,
	}, nil)
}

// Health reports whether the sidecar container is up and responsive.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
