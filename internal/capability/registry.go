package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce  = "ctrl.node.announce"
	SubjectHeartbeat = "ctrl.node.heartbeat"
)

// Capability is something a node can do, such as "stt".
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// presence is the payload of both announce and heartbeat messages. Heartbeats
// carry capabilities too because model and session state change at runtime.
type presence struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// DescribeFunc reports the local node's current capabilities.
type DescribeFunc func() []Capability

// Registry advertises the local node and tracks peers seen on the bus.
type Registry struct {
	cfg      config.NodeConfig
	log      *slog.Logger
	bus      *bus.Client
	describe DescribeFunc
	now      func() time.Time

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	gauges metric.Registration
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, describe DescribeFunc, log *slog.Logger) (*Registry, error) {
	if busClient == nil {
		return nil, fmt.Errorf("capability registry requires a bus connection")
	}
	if describe == nil {
		describe = func() []Capability { return nil }
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:      cfg,
		log:      log.With(slog.String("component", "capability-registry")),
		bus:      busClient,
		describe: describe,
		now:      time.Now,
		nodes:    make(map[string]*NodeInfo),
		cancel:   cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	if err := r.publish(SubjectAnnounce); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	if r.gauges != nil {
		if err := r.gauges.Unregister(); err != nil {
			r.log.Warn("failed to unregister metrics", slog.String("error", err.Error()))
		}
		r.gauges = nil
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := r.bus.Subscribe(SubjectAnnounce, r.handlePresence)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.bus.Subscribe(SubjectHeartbeat+".*", r.handlePresence)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publish(SubjectHeartbeat + "." + r.cfg.ID); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) publish(subject string) error {
	msg := presence{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.describe(),
		Timestamp:    r.now().UTC(),
	}
	if err := r.bus.PublishJSON(subject, msg); err != nil {
		return err
	}
	r.update(msg)
	return nil
}

func (r *Registry) handlePresence(msg *nats.Msg) {
	var p presence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		r.log.Warn("invalid presence message", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if p.NodeID == "" {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = r.now().UTC()
	}
	r.update(p)
}

func (r *Registry) update(p presence) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[p.NodeID]
	if !ok {
		node = &NodeInfo{ID: p.NodeID}
		r.nodes[p.NodeID] = node
	}
	if p.Role != "" {
		node.Role = p.Role
	}
	if p.Capabilities != nil {
		node.Capabilities = p.Capabilities
	}
	if p.Timestamp.After(node.LastSeen) {
		node.LastSeen = p.Timestamp
	}
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether the local node's own heartbeat is current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns the known nodes accepted by filter, ordered by ID.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	r.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/capability")
	nodes, err := meter.Int64ObservableGauge("scribe.nodes.known", metric.WithDescription("Number of scribe nodes seen on the bus"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("scribe.nodes.healthy", metric.WithDescription("Number of scribe nodes with a current heartbeat"))
	if err != nil {
		return err
	}
	r.gauges, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		known, up := r.counts()
		obs.ObserveInt64(nodes, known)
		obs.ObserveInt64(healthy, up)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) counts() (known, healthy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.nodes {
		known++
		if node.Healthy {
			healthy++
		}
	}
	return known, healthy
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// WithAttribute matches nodes advertising any capability with key set to value.
func WithAttribute(key, value string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Attributes[key] == value {
				return true
			}
		}
		return false
	}
}
