package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/inference"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

type fakeSource struct {
	mu      sync.Mutex
	state   inference.State
	err     error
	watcher func(inference.StateChange)
}

func (f *fakeSource) State() inference.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSource) Watch(fn func(inference.StateChange)) func() {
	f.mu.Lock()
	f.watcher = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.watcher = nil
		f.mu.Unlock()
	}
}

func (f *fakeSource) transition(to inference.State, err error) {
	f.mu.Lock()
	change := inference.StateChange{From: f.state, To: to, Err: err, At: time.Now().UTC()}
	f.state = to
	f.err = err
	fn := f.watcher
	f.mu.Unlock()
	if fn != nil {
		fn(change)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startPublisher(t *testing.T, source Source) (*Publisher, *bus.Client) {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "status-test", testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	cfg := config.Default().Status
	cfg.NodeID = "node-a"
	p, err := NewPublisher(context.Background(), cfg, client, source, testLogger())
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	t.Cleanup(p.Close)
	return p, client
}

func findNode(p *Publisher, id string) (Node, bool) {
	for _, n := range p.Nodes() {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublisherAnnouncesLocalState(t *testing.T) {
	source := &fakeSource{}
	p, _ := startPublisher(t, source)

	node, ok := findNode(p, "node-a")
	if !ok || node.State != "unloaded" || !node.Healthy {
		t.Fatalf("unexpected local node %+v", node)
	}
	if !p.Healthy() {
		t.Fatal("expected healthy publisher")
	}

	source.transition(inference.Error, errors.New("model load failed: missing weights"))
	node, _ = findNode(p, "node-a")
	if node.State != "error" || node.Error != "model load failed: missing weights" {
		t.Fatalf("state change not tracked: %+v", node)
	}
}

func TestPublisherTracksPeers(t *testing.T) {
	p, client := startPublisher(t, &fakeSource{state: inference.Ready})

	err := client.PublishJSON(protocol.SubjectHeartbeatPrefix+".node-b", protocol.ModelStatus{
		NodeID:    "node-b",
		State:     "ready",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := findNode(p, "node-b")
		return ok
	})

	total, ready := p.counts()
	if total != 2 || ready != 2 {
		t.Fatalf("expected 2 nodes ready, got %d/%d", ready, total)
	}
}

func TestPublisherMarksStaleNodesUnhealthy(t *testing.T) {
	p, _ := startPublisher(t, &fakeSource{})
	p.update(protocol.ModelStatus{NodeID: "node-c", State: "ready", Timestamp: time.Now().Add(-time.Hour)})

	p.evaluateHealth()
	node, ok := findNode(p, "node-c")
	if !ok || node.Healthy {
		t.Fatalf("expected stale node to be unhealthy, got %+v", node)
	}
}
