package heartbeat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/heartbeat"
	memstore "github.com/fleetctl/controlplane/internal/storage/memory"
)

func TestIngest_LastWriterWins(t *testing.T) {
	p := New(nil, memstore.New(), Config{}, nil)

	older := heartbeat.Heartbeat{DropletID: "d-1", Timestamp: time.Now().Add(-time.Minute), CPUPercent: 10}
	newer := heartbeat.Heartbeat{DropletID: "d-1", Timestamp: time.Now(), CPUPercent: 55}

	p.ingest(mustMarshal(t, newer))
	p.ingest(mustMarshal(t, older))

	buffered := p.buffer["d-1"]
	if buffered.CPUPercent != 55 {
		t.Errorf("CPUPercent = %v, want the newer sample's 55", buffered.CPUPercent)
	}
}

func TestIngest_DiscardsMalformedPayload(t *testing.T) {
	p := New(nil, memstore.New(), Config{}, nil)
	p.ingest("not json")

	if len(p.buffer) != 0 {
		t.Errorf("expected malformed payloads to be discarded, buffer has %d entries", len(p.buffer))
	}
}

func TestFlush_PersistsBufferedSamples(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	d, err := store.CreateDroplet(ctx, droplet.Droplet{TenantID: "t-1", State: droplet.StateActiveHealthy})
	if err != nil {
		t.Fatalf("CreateDroplet: %v", err)
	}

	p := New(nil, store, Config{}, nil)
	p.ingest(mustMarshal(t, heartbeat.Heartbeat{DropletID: d.ID, Timestamp: time.Now(), CPUPercent: 42}))

	p.flush(ctx)

	got, err := store.GetDroplet(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDroplet: %v", err)
	}
	if got.CPUPercent != 42 {
		t.Errorf("CPUPercent = %v, want 42", got.CPUPercent)
	}
	if len(p.buffer) != 0 {
		t.Errorf("expected buffer to be drained after a successful flush, has %d entries", len(p.buffer))
	}
}

func TestHealthy_FalseWhenNotRunning(t *testing.T) {
	p := New(nil, memstore.New(), Config{}, nil)
	if p.Healthy() {
		t.Error("expected a never-started processor to report unhealthy")
	}
}

func mustMarshal(t *testing.T, hb heartbeat.Heartbeat) string {
	t.Helper()
	raw, err := json.Marshal(hb)
	if err != nil {
		t.Fatalf("marshal heartbeat: %v", err)
	}
	return string(raw)
}
