package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

var (
	MetricGossipOutCount     = []string{"symbiosome", "bus", "gossip", "out", "count"}
	MetricGossipInCount      = []string{"symbiosome", "bus", "gossip", "in", "count"}
	MetricGossipDropCount    = []string{"symbiosome", "bus", "gossip", "drop", "count"}
	MetricGossipMemberGauge  = []string{"symbiosome", "bus", "gossip", "members"}
	MetricGossipOversizedOut = []string{"symbiosome", "bus", "gossip", "oversized", "count"}
)

// GossipConfig configures a memberlist-backed bus for one channel.
type GossipConfig struct {
	// ChannelName is the deterministic channel identifier shared by every
	// same-origin context. Required.
	ChannelName string

	// NodeName must be unique per process in the gossip group. When empty,
	// a random suffix is appended to the hostname.
	NodeName string

	// BindAddr and BindPort are where the gossip protocol listens.
	BindAddr string
	BindPort int

	// Neighbours are tried on startup to join the same-origin group.
	Neighbours []string

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// MetricLabels to add to every metric emitted by the bus.
	MetricLabels []metrics.Label
}

var _ Bus = (*Gossip)(nil)

// Gossip fans envelopes out to every same-origin process: local subscribers
// are served directly, remote processes receive the envelope as a
// memberlist user broadcast. Envelopes carrying another channel's name are
// dropped with a diagnostic, never surfaced.
type Gossip struct {
	cfg    GossipConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	local *channel
	ml    *memberlist.Memberlist
	queue *memberlist.TransmitLimitedQueue

	lk     sync.Mutex
	owned  []uint64
	closed bool
}

func NewGossip(cfg GossipConfig) (*Gossip, error) {
	if cfg.ChannelName == "" {
		return nil, ErrChannelRequired
	}

	g := &Gossip{
		cfg: cfg,
		local: &channel{
			name: cfg.ChannelName,
			subs: make(map[uint64]*subscriber),
		},
	}

	if cfg.LogHandler != nil {
		g.logger = slog.New(cfg.LogHandler)
	} else {
		g.logger = slog.Default()
	}
	if cfg.MetricSink != nil {
		g.msink = cfg.MetricSink
	} else {
		g.msink = metrics.Default()
	}

	mlCfg := memberlist.DefaultLANConfig()
	if cfg.NodeName != "" {
		mlCfg.Name = cfg.NodeName
	} else {
		// Several same-origin processes may share a hostname.
		mlCfg.Name = fmt.Sprintf("%s-%s", mlCfg.Name, uuid.NewString()[:8])
	}
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	// A zero port binds an ephemeral one.
	mlCfg.BindPort = cfg.BindPort
	if cfg.BindPort != 0 {
		mlCfg.AdvertisePort = cfg.BindPort
	}
	mlCfg.Logger = slog.NewLogLogger(g.logger.Handler(), slog.LevelDebug)
	mlCfg.Delegate = (*gossipDelegate)(g)
	mlCfg.Events = &gossipEvents{logger: g.logger}

	// memberlist still speaks the legacy metrics API.
	mlCfg.MetricLabels = make([]leg_metrics.Label, len(cfg.MetricLabels))
	for i, label := range cfg.MetricLabels {
		mlCfg.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("bus: could not start gossip: %w", err)
	}
	g.ml = ml
	g.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       g.ml.NumMembers,
		RetransmitMult: mlCfg.RetransmitMult,
	}

	if len(cfg.Neighbours) > 0 {
		joined, err := ml.Join(cfg.Neighbours)
		if err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("bus: could not join same-origin group: %w", err)
		}
		if joined != len(cfg.Neighbours) {
			g.logger.Warn(
				"not all neighbours are reachable",
				"joined", joined,
				"expected", len(cfg.Neighbours),
			)
		}
	}

	return g, nil
}

func (g *Gossip) Publish(env Envelope) error {
	g.lk.Lock()
	if g.closed {
		g.lk.Unlock()
		return ErrBusClosed
	}
	g.lk.Unlock()

	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	// Local contexts first, then the rest of the origin's processes.
	g.local.publish(env)

	buf := appendEnvelope(nil, g.cfg.ChannelName, env)
	if len(buf) > maxGossipEnvelope {
		g.msink.IncrCounterWithLabels(MetricGossipOversizedOut, 1.0, g.cfg.MetricLabels)
		g.logger.Warn("envelope too large for gossip, delivered locally only", "bytes", len(buf))
		return nil
	}

	g.queue.QueueBroadcast(&envelopeBroadcast{buf: buf})
	g.msink.IncrCounterWithLabels(MetricGossipOutCount, 1.0, g.cfg.MetricLabels)
	g.msink.SetGaugeWithLabels(
		MetricGossipMemberGauge,
		float32(g.ml.NumMembers()),
		g.cfg.MetricLabels,
	)
	return nil
}

func (g *Gossip) Subscribe(handler Handler) (func(), error) {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.closed {
		return nil, ErrBusClosed
	}
	id := g.local.subscribe(handler)
	g.owned = append(g.owned, id)
	return func() { g.local.unsubscribe(id) }, nil
}

func (g *Gossip) Close() error {
	g.lk.Lock()
	if g.closed {
		g.lk.Unlock()
		return nil
	}
	g.closed = true
	owned := g.owned
	g.owned = nil
	g.lk.Unlock()

	for _, id := range owned {
		g.local.unsubscribe(id)
	}

	if err := g.ml.Leave(2 * time.Second); err != nil {
		g.logger.Warn("gossip leave failed", "error", err)
	}
	return g.ml.Shutdown()
}

const maxGossipEnvelope = 1 << 16

// gossipDelegate adapts a Gossip bus to memberlist's Delegate interface.
type gossipDelegate Gossip

func (d *gossipDelegate) NodeMeta(limit int) []byte {
	meta := []byte(d.cfg.ChannelName)
	if len(meta) > limit {
		meta = meta[:limit]
	}
	return meta
}

func (d *gossipDelegate) NotifyMsg(buf []byte) {
	g := (*Gossip)(d)
	channelName, env, err := decodeEnvelope(buf)
	if err != nil {
		g.msink.IncrCounterWithLabels(
			MetricGossipDropCount,
			1.0,
			append(g.cfg.MetricLabels, metrics.Label{Name: "reason", Value: "malformed"}),
		)
		g.logger.Warn("dropping malformed gossip envelope", "error", err)
		return
	}
	if channelName != g.cfg.ChannelName {
		g.msink.IncrCounterWithLabels(
			MetricGossipDropCount,
			1.0,
			append(g.cfg.MetricLabels, metrics.Label{Name: "reason", Value: "channel_mismatch"}),
		)
		g.logger.Debug(
			"dropping envelope for another channel",
			"channel", channelName,
		)
		return
	}

	g.msink.IncrCounterWithLabels(MetricGossipInCount, 1.0, g.cfg.MetricLabels)
	g.local.publish(env)
}

func (d *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	return (*Gossip)(d).queue.GetBroadcasts(overhead, limit)
}

func (d *gossipDelegate) LocalState(join bool) []byte { return nil }

func (d *gossipDelegate) MergeRemoteState(buf []byte, join bool) {}

type envelopeBroadcast struct {
	buf []byte
}

func (b *envelopeBroadcast) Invalidates(memberlist.Broadcast) bool { return false }

func (b *envelopeBroadcast) Message() []byte { return b.buf }

func (b *envelopeBroadcast) Finished() {}

type gossipEvents struct {
	logger *slog.Logger
}

func (e *gossipEvents) NotifyJoin(node *memberlist.Node) {
	e.logger.Info("same-origin peer joined", "peer", node.Name, "addr", node.Address())
}

func (e *gossipEvents) NotifyLeave(node *memberlist.Node) {
	e.logger.Info("same-origin peer left", "peer", node.Name, "addr", node.Address())
}

func (e *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	e.logger.Info("same-origin peer updated", "peer", node.Name, "addr", node.Address())
}
