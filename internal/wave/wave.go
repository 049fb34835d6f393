// Package wave floods envelopes over the neighbor mesh with the Echo
// algorithm: the first arrival of a wave id forwards the payload to every
// neighbor but the sender, later arrivals are echoes; once all children have
// echoed, the node reports to its parent, and the originator learns the
// number of peers reached.
package wave

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/lilvirgola/p2pdocs/internal/clock"
	"github.com/lilvirgola/p2pdocs/internal/monitoring"
	"github.com/lilvirgola/p2pdocs/internal/types"
)

// Bus receives each envelope exactly once per peer.
type Bus interface {
	Receive(env types.Envelope)
}

// Sender is the reliable unicast used to ship tokens.
type Sender interface {
	Send(to types.PeerID, target types.Component, body any) error
}

// CompletionFunc is invoked at the originator when its wave closes.
type CompletionFunc func(waveID string, count uint32)

type waveState struct {
	parent    types.PeerID
	remaining mapset.Set[types.PeerID]
	count     uint32
	stamp     clock.VectorClock
}

// Engine is one peer's echo-wave endpoint.
type Engine struct {
	mu        sync.Mutex
	id        types.PeerID
	neighbors mapset.Set[types.PeerID]
	pending   map[string]*waveState

	bus        Bus
	link       Sender
	onComplete CompletionFunc
	log        *zap.Logger
	metrics    *monitoring.Metrics
}

// New returns an engine for id delivering into bus.
func New(id types.PeerID, bus Bus, log *zap.Logger, metrics *monitoring.Metrics) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		id:        id,
		neighbors: mapset.NewSet[types.PeerID](),
		pending:   make(map[string]*waveState),
		bus:       bus,
		log:       log,
		metrics:   metrics,
	}
}

// SetSender wires the unicast layer; must be called before any wave.
func (e *Engine) SetSender(s Sender) { e.link = s }

// SetCompletion wires the wave_complete notification.
func (e *Engine) SetCompletion(fn CompletionFunc) { e.onComplete = fn }

// StartWave floods env across the mesh by self-casting the initial token.
func (e *Engine) StartWave(env types.Envelope) {
	if e.metrics != nil {
		e.metrics.WavesStarted.Inc()
	}
	e.OnToken(types.Token{Stamp: env.Stamp, From: e.id, Count: 0, Envelope: &env})
}

// OnToken processes one wave token, from the local self-cast or from Link.
func (e *Engine) OnToken(t types.Token) {
	key := clock.Key(t.Stamp)

	var (
		deliver  *types.Envelope
		children []types.PeerID
		echoTo   types.PeerID
		echoCnt  uint32
		complete bool
		count    uint32
	)

	e.mu.Lock()
	w, exists := e.pending[key]
	if !exists {
		if t.Envelope == nil {
			// A late echo for a wave this peer already closed.
			e.mu.Unlock()
			e.log.Warn("token for unknown wave dropped",
				zap.String("wave_id", key), zap.String("from", string(t.From)))
			return
		}
		remaining := e.neighbors.Clone()
		remaining.Remove(t.From)
		w = &waveState{
			parent:    t.From,
			remaining: remaining,
			count:     t.Count + 1,
			stamp:     t.Stamp,
		}
		e.pending[key] = w
		deliver = t.Envelope
		children = remaining.ToSlice()
	} else {
		w.remaining.Remove(t.From)
		w.count += t.Count
	}

	if w.remaining.Cardinality() == 0 {
		if w.parent == e.id {
			complete = true
			count = w.count
		} else {
			echoTo = w.parent
			echoCnt = w.count
		}
		delete(e.pending, key)
	}
	e.mu.Unlock()

	if deliver != nil {
		e.bus.Receive(*deliver)
	}
	for _, child := range children {
		tok := types.Token{Stamp: t.Stamp, From: e.id, Count: 0, Envelope: t.Envelope}
		if err := e.link.Send(child, types.ComponentWave, tok); err != nil {
			e.log.Warn("token send failed",
				zap.String("wave_id", key), zap.String("to", string(child)), zap.Error(err))
		}
	}
	if echoTo != "" {
		tok := types.Token{Stamp: t.Stamp, From: e.id, Count: echoCnt}
		if err := e.link.Send(echoTo, types.ComponentWave, tok); err != nil {
			e.log.Warn("echo send failed",
				zap.String("wave_id", key), zap.String("to", string(echoTo)), zap.Error(err))
		}
	}
	if complete {
		if e.metrics != nil {
			e.metrics.WavesCompleted.Inc()
			e.metrics.WaveReach.Observe(float64(count))
		}
		e.log.Debug("wave complete", zap.String("wave_id", key), zap.Uint32("count", count))
		if e.onComplete != nil {
			e.onComplete(key, count)
		}
	}
}

// AddNeighbor registers a new direct neighbor. Waves already in progress
// keep their recorded remaining sets; only waves started afterwards see the
// change.
func (e *Engine) AddNeighbor(p types.PeerID) {
	e.mu.Lock()
	e.neighbors.Add(p)
	n := e.neighbors.Cardinality()
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.Neighbors.Set(float64(n))
	}
}

// DelNeighbor removes a neighbor. A pending wave still waiting on it will
// not close; that window is bounded by wave lifetime.
func (e *Engine) DelNeighbor(p types.PeerID) {
	e.mu.Lock()
	e.neighbors.Remove(p)
	n := e.neighbors.Cardinality()
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.Neighbors.Set(float64(n))
	}
}

// ReplaceNeighbor swaps old for new in a single update.
func (e *Engine) ReplaceNeighbor(old, new types.PeerID) {
	e.mu.Lock()
	e.neighbors.Remove(old)
	e.neighbors.Add(new)
	n := e.neighbors.Cardinality()
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.Neighbors.Set(float64(n))
	}
}

// Neighbors returns the current neighbor set.
func (e *Engine) Neighbors() []types.PeerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.neighbors.ToSlice()
}
