package cloudapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/fleetctl/controlplane/infrastructure/ratelimit"
	"github.com/fleetctl/controlplane/infrastructure/resilience"
	"github.com/fleetctl/controlplane/infrastructure/testutil"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		Token:     "test-token",
		RateLimit: ratelimit.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		Retry:     resilience.RetryConfig{MaxAttempts: 2, InitialDelay: 0, MaxDelay: 0, Multiplier: 1},
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}

func TestCreateVM(t *testing.T) {
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/vms" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(VM{ID: "vm-1", PublicIPv4: "10.0.0.1", Status: "active"})
	}))
	defer server.Close()

	c, err := New(testConfig(server.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vm, err := c.CreateVM(context.Background(), VMConfig{TenantID: "t1", Region: "nyc1", SizeTag: "s-1vcpu-1gb"})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if vm.ID != "vm-1" || vm.PublicIPv4 != "10.0.0.1" {
		t.Errorf("unexpected VM: %+v", vm)
	}
}

func TestDo_RetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(VM{ID: "vm-2", Status: "active"})
	}))
	defer server.Close()

	c, err := New(testConfig(server.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vm, err := c.GetVM(context.Background(), "vm-2")
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if vm.ID != "vm-2" {
		t.Errorf("unexpected VM: %+v", vm)
	}
}

func TestDo_DoesNotRetryOn4xx(t *testing.T) {
	attempts := 0
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c, err := New(testConfig(server.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.GetVM(context.Background(), "missing"); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (4xx should not retry)", attempts)
	}
}

func TestPowerActions(t *testing.T) {
	var gotPath string
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := New(testConfig(server.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := c.PowerOn(ctx, "vm-1"); err != nil || gotPath != "/v1/vms/vm-1/power-on" {
		t.Errorf("PowerOn: err=%v path=%s", err, gotPath)
	}
	if err := c.PowerOff(ctx, "vm-1"); err != nil || gotPath != "/v1/vms/vm-1/power-off" {
		t.Errorf("PowerOff: err=%v path=%s", err, gotPath)
	}
	if err := c.PowerCycle(ctx, "vm-1"); err != nil || gotPath != "/v1/vms/vm-1/power-cycle" {
		t.Errorf("PowerCycle: err=%v path=%s", err, gotPath)
	}
	if err := c.DeleteVM(ctx, "vm-1"); err != nil || gotPath != "/v1/vms/vm-1" {
		t.Errorf("DeleteVM: err=%v path=%s", err, gotPath)
	}
}
