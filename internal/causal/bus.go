// Package causal implements the causal broadcast layer: outgoing operations
// are stamped with the bus's vector clock, incoming envelopes are buffered
// until every causal dependency has been delivered.
package causal

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lilvirgola/p2pdocs/internal/clock"
	"github.com/lilvirgola/p2pdocs/internal/monitoring"
	"github.com/lilvirgola/p2pdocs/internal/tracing"
	"github.com/lilvirgola/p2pdocs/internal/types"
)

// Applier is the document surface the bus delivers remote operations to.
type Applier interface {
	ApplyRemoteInsert(ch types.Char) (int, bool)
	ApplyRemoteDelete(id types.CharID) (int, bool)
}

// DeliverySink is notified of the positional effect of each delivered
// remote operation.
type DeliverySink interface {
	RemoteInserted(index int, value rune)
	RemoteDeleted(index int)
}

// WaveStarter disseminates a stamped envelope across the mesh.
type WaveStarter interface {
	StartWave(env types.Envelope)
}

type effect struct {
	op    types.Op
	index int
	ok    bool
}

// Bus is one peer's causal broadcast endpoint.
type Bus struct {
	mu     sync.Mutex
	myID   types.PeerID
	stamp  clock.VectorClock // own broadcasts plus merged receives
	delivd clock.VectorClock // delivered count per origin
	buffer map[string]types.Envelope

	doc     Applier
	sink    DeliverySink
	waves   WaveStarter
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// New returns a bus for myID delivering into doc.
func New(myID types.PeerID, doc Applier, log *zap.Logger, metrics *monitoring.Metrics) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		myID:    myID,
		stamp:   clock.NewWithPeer(string(myID)),
		delivd:  clock.NewVectorClock(),
		buffer:  make(map[string]types.Envelope),
		doc:     doc,
		log:     log,
		metrics: metrics,
	}
}

// SetWaves wires the disseminator; must be called before Broadcast.
func (b *Bus) SetWaves(w WaveStarter) { b.waves = w }

// SetSink wires the delivery notification sink.
func (b *Bus) SetSink(s DeliverySink) { b.sink = s }

// Broadcast stamps op with the incremented clock and starts a wave carrying
// it. The local replica has already applied the operation; the bus accounts
// for it in the delivery counters so causally dependent remote envelopes
// become deliverable, but never re-applies it.
func (b *Bus) Broadcast(op types.Op) types.Envelope {
	_, span := tracing.StartSpan(context.Background(), "causal.broadcast",
		attribute.String("peer", string(b.myID)))
	defer span.End()

	b.mu.Lock()
	b.stamp = clock.Increment(b.stamp, string(b.myID))
	b.delivd = clock.Increment(b.delivd, string(b.myID))
	env := types.Envelope{
		Origin:  b.myID,
		Stamp:   clock.Clone(b.stamp),
		Payload: op,
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Broadcasts.Inc()
	}
	b.waves.StartWave(env)
	return env
}

// Receive merges the envelope's stamp, buffers it, and delivers every
// buffered envelope whose causal dependencies are satisfied. Envelopes whose
// origin counter has already been delivered are dropped; that also covers
// the originator seeing its own flood.
func (b *Bus) Receive(env types.Envelope) {
	_, span := tracing.StartSpan(context.Background(), "causal.receive",
		attribute.String("origin", string(env.Origin)))
	defer span.End()

	b.mu.Lock()
	b.stamp = clock.Merge(b.stamp, env.Stamp)

	seq := clock.Get(env.Stamp, string(env.Origin))
	if seq > clock.Get(b.delivd, string(env.Origin)) {
		b.buffer[bufferKey(env)] = env
	}
	effects := b.drainLocked()
	b.mu.Unlock()

	b.notify(effects)
}

// drainLocked repeatedly delivers any buffered envelope satisfying the
// deliverable predicate stamp <= increment(delivered, origin). Caller holds
// the lock.
func (b *Bus) drainLocked() []effect {
	var effects []effect
	for {
		e, ok := b.nextDeliverable()
		if !ok {
			break
		}
		delete(b.buffer, bufferKey(e))
		b.delivd = clock.Increment(b.delivd, string(e.Origin))

		ef := effect{op: e.Payload}
		switch e.Payload.Kind {
		case types.OpInsert:
			if e.Payload.Char == nil {
				b.log.Error("insert envelope without character", zap.String("origin", string(e.Origin)))
				continue
			}
			ef.index, ef.ok = b.doc.ApplyRemoteInsert(*e.Payload.Char)
		case types.OpDelete:
			ef.index, ef.ok = b.doc.ApplyRemoteDelete(e.Payload.Target)
		default:
			b.log.Error("unknown operation kind", zap.Int("kind", int(e.Payload.Kind)))
			continue
		}
		effects = append(effects, ef)
		if b.metrics != nil {
			b.metrics.Deliveries.Inc()
		}
	}
	if b.metrics != nil {
		b.metrics.BufferedEnvelopes.Set(float64(len(b.buffer)))
	}
	return effects
}

func (b *Bus) notify(effects []effect) {
	if b.sink == nil {
		return
	}
	for _, ef := range effects {
		if !ef.ok {
			continue
		}
		switch ef.op.Kind {
		case types.OpInsert:
			b.sink.RemoteInserted(ef.index, ef.op.Char.Value)
		case types.OpDelete:
			b.sink.RemoteDeleted(ef.index)
		}
	}
}

// nextDeliverable finds a buffered envelope whose causal dependencies are
// all delivered.
func (b *Bus) nextDeliverable() (types.Envelope, bool) {
	for _, e := range b.buffer {
		next := clock.Increment(clock.Clone(b.delivd), string(e.Origin))
		if clock.LessOrEqual(e.Stamp, next) {
			return e, true
		}
	}
	return types.Envelope{}, false
}

// Snapshot exposes the clock pair for bootstrap of new joiners.
func (b *Bus) Snapshot() (stamp, delivered clock.VectorClock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clock.Clone(b.stamp), clock.Clone(b.delivd)
}

// Install replaces the clock pair during bootstrap. Envelopes buffered
// during the handoff stay buffered; anything the snapshot already covers is
// dropped and the rest is re-examined against the new counters.
func (b *Bus) Install(stamp, delivered clock.VectorClock) {
	b.mu.Lock()
	b.stamp = clock.Clone(stamp)
	if _, ok := b.stamp[string(b.myID)]; !ok {
		b.stamp[string(b.myID)] = 0
	}
	b.delivd = clock.Clone(delivered)
	for k, e := range b.buffer {
		if clock.Get(e.Stamp, string(e.Origin)) <= clock.Get(b.delivd, string(e.Origin)) {
			delete(b.buffer, k)
		}
	}
	effects := b.drainLocked()
	b.mu.Unlock()

	b.notify(effects)
}

// Pending returns the number of buffered undelivered envelopes.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

func bufferKey(e types.Envelope) string {
	return fmt.Sprintf("%s/%d", e.Origin, clock.Get(e.Stamp, string(e.Origin)))
}
