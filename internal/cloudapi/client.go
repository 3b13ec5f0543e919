// Package cloudapi is the provider-agnostic outbound client spec.md §6.5
// describes: create/delete/power/get against whatever cloud backs a
// region's droplets. Grounded on internal/chain/client.go's shape (a
// typed client wrapping *http.Client with a Config/New constructor and
// one method per remote operation), generalized here from Neo N3 JSON-RPC
// to a plain REST adapter, and wrapped with infrastructure/ratelimit and
// infrastructure/resilience the way internal/chain never needed to be
// since a blockchain RPC node has no governor concept.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/infrastructure/ratelimit"
	"github.com/fleetctl/controlplane/infrastructure/resilience"
)

// VMConfig is the input to CreateVM: everything the provisioning factory
// knows about the droplet it wants at create time.
type VMConfig struct {
	TenantID   string
	Region     string
	SizeTag    string
	Slug       string
	CloudInit  string
	AccountID  string
}

// VM is what the provider hands back for a created or queried instance.
type VM struct {
	ID         string `json:"id"`
	PublicIPv4 string `json:"public_ipv4"`
	Status     string `json:"status"`
}

// Config configures a Client against one provider endpoint.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	RateLimit ratelimit.RateLimitConfig
	Retry     resilience.RetryConfig
}

// Client is a typed REST client over one cloud provider's droplet API.
type Client struct {
	baseURL string
	token   string
	http    *ratelimit.RateLimitedClient
	retry   resilience.RetryConfig
}

// New builds a Client. cfg.BaseURL must already point at the provider's
// API root (no trailing slash required).
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cloudapi: base URL required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry = resilience.DefaultRetryConfig()
		retry.MaxAttempts = 3
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    ratelimit.NewRateLimitedClient(&http.Client{Timeout: timeout}, cfg.RateLimit),
		retry:   retry,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var stop *nonRetryable
	err := resilience.Retry(ctx, c.retry, func() error {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return errs.Wrap(errs.ValidationFailed, "cloudapi: encode request", err)
			}
			reader = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return errs.Wrap(errs.CloudAPIError, "cloudapi: build request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return errs.Wrap(errs.CloudAPIError, "cloudapi: "+method+" "+path, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return errs.Wrap(errs.CloudAPIError, "cloudapi: read response", err)
		}

		if resp.StatusCode >= 300 {
			cerr := errs.New(errs.CloudAPIError, fmt.Sprintf("cloudapi: %s %s returned %d", method, path, resp.StatusCode)).
				WithContext("status", fmt.Sprint(resp.StatusCode))
			if !errs.RetryableStatus(resp.StatusCode) {
				stop = &nonRetryable{cerr}
				return nil
			}
			return cerr
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return errs.Wrap(errs.CloudAPIError, "cloudapi: decode response", err)
			}
		}
		return nil
	})

	if stop != nil {
		return stop.err
	}
	return err
}

// nonRetryable holds a cloud API error the status code rules out
// retrying (any 4xx other than 429). do() records it and ends
// resilience.Retry with a nil result, so no further attempt is made, then
// returns the held error.
type nonRetryable struct{ err error }

func (n *nonRetryable) Error() string { return n.err.Error() }

// CreateVM provisions a new instance. Retried up to 3 times per spec §6.5.
func (c *Client) CreateVM(ctx context.Context, cfg VMConfig) (VM, error) {
	var vm VM
	err := c.do(ctx, http.MethodPost, "/v1/vms", map[string]interface{}{
		"tenant_id":  cfg.TenantID,
		"region":     cfg.Region,
		"size_tag":   cfg.SizeTag,
		"slug":       cfg.Slug,
		"cloud_init": cfg.CloudInit,
	}, &vm)
	return vm, err
}

// DeleteVM tears down an instance.
func (c *Client) DeleteVM(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/vms/"+id, nil, nil)
}

// PowerOn boots a stopped instance.
func (c *Client) PowerOn(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/vms/"+id+"/power-on", nil, nil)
}

// PowerOff stops a running instance without destroying it.
func (c *Client) PowerOff(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/vms/"+id+"/power-off", nil, nil)
}

// PowerCycle hard-reboots an instance.
func (c *Client) PowerCycle(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/vms/"+id+"/power-cycle", nil, nil)
}

// GetVM returns a provider-reported instance status.
func (c *Client) GetVM(ctx context.Context, id string) (VM, error) {
	var vm VM
	err := c.do(ctx, http.MethodGet, "/v1/vms/"+id, nil, &vm)
	return vm, err
}
