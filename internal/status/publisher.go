package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/inference"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Source reports the local inference channel state.
type Source interface {
	State() inference.State
	LastError() error
	Watch(fn func(inference.StateChange)) func()
}

// Node is a dictation node as last seen on the bus.
type Node struct {
	ID       string    `json:"id"`
	State    string    `json:"state"`
	Error    string    `json:"error,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// Publisher announces the local model state on the bus and tracks the state
// of peer nodes from their announcements.
type Publisher struct {
	cfg    config.StatusConfig
	log    *slog.Logger
	bus    *bus.Client
	source Source
	clock  func() time.Time

	mu    sync.RWMutex
	nodes map[string]*Node

	cancel  context.CancelFunc
	unwatch func()
	subs    []*nats.Subscription
	wg      sync.WaitGroup
}

func NewPublisher(ctx context.Context, cfg config.StatusConfig, busClient *bus.Client, source Source, log *slog.Logger) (*Publisher, error) {
	ctx, cancel := context.WithCancel(ctx)
	p := &Publisher{
		cfg:    cfg,
		log:    log.With(slog.String("component", "status")),
		bus:    busClient,
		source: source,
		clock:  time.Now,
		nodes:  make(map[string]*Node),
		cancel: cancel,
	}

	if err := p.initMetrics(otel.Meter("github.com/loqalabs/loqa-dictate/status")); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := p.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	p.unwatch = source.Watch(func(change inference.StateChange) {
		msg := protocol.ModelStatus{NodeID: cfg.NodeID, State: change.To.String(), Timestamp: change.At}
		if change.Err != nil {
			msg.Error = change.Err.Error()
		}
		if err := p.publish(protocol.SubjectStatus, msg); err != nil {
			p.log.Warn("failed to publish state change", slog.String("error", err.Error()))
		}
	})

	if err := p.publish(protocol.SubjectStatus, p.snapshot()); err != nil {
		p.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	p.wg.Add(2)
	go p.runHeartbeat(ctx)
	go p.monitorHealth(ctx)
	return p, nil
}

func (p *Publisher) Close() {
	if p.unwatch != nil {
		p.unwatch()
	}
	p.cancel()
	for _, sub := range p.subs {
		_ = sub.Drain()
	}
	p.wg.Wait()
}

func (p *Publisher) subscribe() error {
	conn := p.bus.Conn()
	sub, err := conn.Subscribe(protocol.SubjectStatus, p.handleStatus)
	if err != nil {
		return fmt.Errorf("subscribe status: %w", err)
	}
	p.subs = append(p.subs, sub)

	sub, err = conn.Subscribe(protocol.SubjectHeartbeatPrefix+".*", p.handleStatus)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	p.subs = append(p.subs, sub)
	return nil
}

func (p *Publisher) snapshot() protocol.ModelStatus {
	msg := protocol.ModelStatus{
		NodeID:    p.cfg.NodeID,
		State:     p.source.State().String(),
		Timestamp: p.clock().UTC(),
	}
	if err := p.source.LastError(); err != nil {
		msg.Error = err.Error()
	}
	return msg
}

func (p *Publisher) publish(subject string, msg protocol.ModelStatus) error {
	if err := p.bus.PublishJSON(subject, msg); err != nil {
		return err
	}
	p.update(msg)
	return nil
}

func (p *Publisher) runHeartbeat(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Duration(p.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	subject := protocol.SubjectHeartbeatPrefix + "." + p.cfg.NodeID
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publish(subject, p.snapshot()); err != nil {
				p.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (p *Publisher) monitorHealth(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evaluateHealth()
		}
	}
}

func (p *Publisher) handleStatus(msg *nats.Msg) {
	var status protocol.ModelStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		p.log.Warn("invalid status message", slog.String("error", err.Error()))
		return
	}
	if status.NodeID == "" {
		return
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = p.clock().UTC()
	}
	p.update(status)
}

func (p *Publisher) update(status protocol.ModelStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	node, ok := p.nodes[status.NodeID]
	if !ok {
		node = &Node{ID: status.NodeID}
		p.nodes[status.NodeID] = node
	}
	if status.Timestamp.Before(node.LastSeen) {
		return
	}
	node.State = status.State
	node.Error = status.Error
	node.LastSeen = status.Timestamp
	node.Healthy = true
}

func (p *Publisher) evaluateHealth() {
	p.mu.Lock()
	defer p.mu.Unlock()
	timeout := time.Duration(p.cfg.HeartbeatTimeout) * time.Millisecond
	now := p.clock()
	for _, node := range p.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Nodes returns the known nodes, including this one.
func (p *Publisher) Nodes() []Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	nodes := make([]Node, 0, len(p.nodes))
	for _, node := range p.nodes {
		nodes = append(nodes, *node)
	}
	return nodes
}

// Healthy reports whether this node's own heartbeats are being seen.
func (p *Publisher) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	node, ok := p.nodes[p.cfg.NodeID]
	return ok && node.Healthy
}

func (p *Publisher) initMetrics(meter metric.Meter) error {
	nodes, err := meter.Int64ObservableGauge("dictate.status.nodes", metric.WithDescription("Number of known dictation nodes"))
	if err != nil {
		return err
	}
	ready, err := meter.Int64ObservableGauge("dictate.status.nodes_ready", metric.WithDescription("Healthy nodes with a loaded model"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, ok := p.counts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(ready, ok)
		return nil
	}, nodes, ready)
	return err
}

func (p *Publisher) counts() (total, ready int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, node := range p.nodes {
		total++
		if node.Healthy && node.State == inference.Ready.String() {
			ready++
		}
	}
	return total, ready
}
