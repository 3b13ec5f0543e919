package sidecar

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/fleetctl/controlplane/infrastructure/testutil"
)

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}

func TestDeployWorkflow(t *testing.T) {
	var gotBody map[string]string
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/workflows/deploy" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.DeployWorkflow(context.Background(), "onboarding", `{"steps":[]}`, "v2"); err != nil {
		t.Fatalf("DeployWorkflow: %v", err)
	}
	if gotBody["workflow_name"] != "onboarding" || gotBody["version"] != "v2" {
		t.Errorf("unexpected body: %+v", gotBody)
	}
}

func TestVerifyCredential(t *testing.T) {
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type") != "db_password" {
			t.Errorf("type = %s", r.URL.Query().Get("type"))
		}
		json.NewEncoder(w).Encode(map[string]bool{"verified": true})
	}))
	defer server.Close()

	c, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	verified, err := c.VerifyCredential(context.Background(), "db_password")
	if err != nil {
		t.Fatalf("VerifyCredential: %v", err)
	}
	if !verified {
		t.Error("expected verified=true")
	}
}

func TestDo_NonSuccessStatusReturnsError(t *testing.T) {
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Health(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestLifecycleCheckpoints(t *testing.T) {
	var paths []string
	server := testutil.NewHTTPTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := New(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := c.PrepareUpdate(ctx); err != nil {
		t.Fatalf("PrepareUpdate: %v", err)
	}
	if err := c.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/api/lifecycle/prepare-update" || paths[1] != "/api/lifecycle/checkpoint" {
		t.Errorf("unexpected paths: %v", paths)
	}
}
