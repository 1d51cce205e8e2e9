package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-transcriber/internal/bus"
	"github.com/loqalabs/loqa-transcriber/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Transcribe is the capability every transcriber node advertises.
const Transcribe = "stt.transcribe"

const (
	subjectAnnounce     = "ctrl.node.announce"
	subjectHeartbeat    = "ctrl.node.heartbeat"
	subjectHeartbeatAll = subjectHeartbeat + ".*"
	subjectDiscover     = "ctrl.node.discover"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry announces this node's transcription capability and tracks the
// other transcriber nodes on the bus.
type Registry struct {
	cfg   config.NodeConfig
	self  announceMessage
	log   *slog.Logger
	bus   *bus.Client
	mu    sync.RWMutex
	nodes map[string]*NodeInfo
	subs  []*nats.Subscription
	wg    sync.WaitGroup

	cancel context.CancelFunc
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, stt config.STTConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg: cfg,
		self: announceMessage{
			NodeID:       cfg.ID,
			Role:         cfg.Role,
			Capabilities: LocalCapabilities(cfg, stt),
		},
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

// LocalCapabilities merges the configured capabilities with the transcription
// settings this node runs with.
func LocalCapabilities(cfg config.NodeConfig, stt config.STTConfig) []Capability {
	caps := make([]Capability, 0, len(cfg.Capabilities)+1)
	found := false
	for _, c := range cfg.Capabilities {
		attrs := make(map[string]string, len(c.Attributes)+5)
		for k, v := range c.Attributes {
			attrs[k] = v
		}
		if c.Name == Transcribe {
			found = true
			addSTTAttributes(attrs, stt)
		}
		caps = append(caps, Capability{Name: c.Name, Tier: c.Tier, Attributes: attrs})
	}
	if !found && stt.Enabled {
		attrs := make(map[string]string, 5)
		addSTTAttributes(attrs, stt)
		caps = append(caps, Capability{Name: Transcribe, Attributes: attrs})
	}
	return caps
}

func addSTTAttributes(attrs map[string]string, stt config.STTConfig) {
	attrs["mode"] = stt.Mode
	attrs["language"] = stt.Language
	attrs["model"] = filepath.Base(stt.ModelPath)
	attrs["threads"] = strconv.Itoa(stt.Threads)
	attrs["max_concurrency"] = strconv.Itoa(stt.MaxConcurrency)
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	handlers := map[string]nats.MsgHandler{
		subjectAnnounce:     r.handleAnnounce,
		subjectHeartbeatAll: r.handleHeartbeat,
		subjectDiscover:     r.handleDiscover,
	}
	for subject, handler := range handlers {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := r.self
	msg.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(subjectAnnounce, payload); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	payload, err := json.Marshal(heartbeatMessage{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(subjectHeartbeat+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

// handleDiscover lets late joiners learn about this node without waiting for
// the next announce.
func (r *Registry) handleDiscover(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	reply := r.self
	reply.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(payload); err != nil {
		r.log.Warn("failed to answer discover", slog.String("error", err.Error()))
	}
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		snapshot := *node
		if filter == nil || filter(snapshot) {
			results = append(results, snapshot)
		}
	}
	return results
}

// Transcribers returns the healthy nodes that advertise transcription.
func (r *Registry) Transcribers() []NodeInfo {
	return r.Query(func(n NodeInfo) bool {
		return n.Healthy && WithCapabilityFilter(Transcribe)(n)
	})
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-transcriber/capability")
	gauge, err := meter.Int64ObservableGauge("loqa.stt.nodes", metric.WithDescription("Healthy transcriber nodes seen on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(r.Transcribers())))
		return nil
	}, gauge)
	return err
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
