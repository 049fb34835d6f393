// Package link provides reliable point-to-point delivery on top of the peer
// runtime's best-effort channel: every unicast is retransmitted until
// acknowledged, and retransmission duplicates are suppressed at the
// receiver.
package link

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/lilvirgola/p2pdocs/internal/monitoring"
	"github.com/lilvirgola/p2pdocs/internal/types"
)

// DefaultRetryInterval is the retransmission period until ACK.
const DefaultRetryInterval = 5 * time.Second

// Transport is the best-effort frame channel between connected peers.
type Transport interface {
	Send(to types.PeerID, frame types.Frame) error
}

// TokenHandler consumes wave tokens addressed to this peer.
type TokenHandler func(tok types.Token)

// MeshHandler consumes mesh control messages addressed to this peer.
type MeshHandler func(from types.PeerID, msg types.MeshMessage)

type pendingMsg struct {
	frame types.Frame
	timer *time.Timer
}

// Link is one peer's reliable unicast endpoint.
type Link struct {
	mu      sync.Mutex
	id      types.PeerID
	seq     uint64
	retry   time.Duration
	pending map[types.MsgID]*pendingMsg
	seen    mapset.Set[types.MsgID]
	closed  bool

	transport Transport
	onToken   TokenHandler
	onMesh    MeshHandler
	log       *zap.Logger
	metrics   *monitoring.Metrics
}

// New returns a link endpoint for id over transport. A non-positive retry
// interval falls back to the default.
func New(id types.PeerID, transport Transport, retry time.Duration, log *zap.Logger, metrics *monitoring.Metrics) *Link {
	if log == nil {
		log = zap.NewNop()
	}
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	return &Link{
		id:        id,
		retry:     retry,
		pending:   make(map[types.MsgID]*pendingMsg),
		seen:      mapset.NewSet[types.MsgID](),
		transport: transport,
		log:       log,
		metrics:   metrics,
	}
}

// HandleWave registers the wave token consumer.
func (l *Link) HandleWave(fn TokenHandler) { l.onToken = fn }

// HandleMesh registers the mesh message consumer.
func (l *Link) HandleMesh(fn MeshHandler) { l.onMesh = fn }

// Send ships body to the target component at the destination peer, retrying
// until acknowledged or the peer is dropped.
func (l *Link) Send(to types.PeerID, target types.Component, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal unicast body: %w", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("link closed")
	}
	l.seq++
	msgID := types.MsgID{Peer: l.id, Seq: l.seq}
	frame := types.Frame{
		Kind:   types.FrameDeliver,
		MsgID:  msgID,
		From:   l.id,
		To:     to,
		Target: target,
		Body:   raw,
	}
	p := &pendingMsg{frame: frame}
	p.timer = time.AfterFunc(l.retry, func() { l.retransmit(msgID) })
	l.pending[msgID] = p
	n := len(l.pending)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.LinkSends.Inc()
		l.metrics.PendingUnicasts.Set(float64(n))
	}
	if err := l.transport.Send(to, frame); err != nil {
		// Keep it pending; the retry timer covers the gap.
		l.log.Debug("unicast send failed, awaiting retry",
			zap.String("to", string(to)), zap.Error(err))
	}
	return nil
}

func (l *Link) retransmit(msgID types.MsgID) {
	l.mu.Lock()
	p, ok := l.pending[msgID]
	if !ok || l.closed {
		l.mu.Unlock()
		return
	}
	frame := p.frame
	p.timer.Reset(l.retry)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.LinkRetries.Inc()
	}
	if err := l.transport.Send(frame.To, frame); err != nil {
		l.log.Debug("retransmission failed",
			zap.String("to", string(frame.To)), zap.Error(err))
	}
}

// OnFrame processes one incoming frame from the peer runtime.
func (l *Link) OnFrame(f types.Frame) {
	switch f.Kind {
	case types.FrameDeliver:
		l.handleDeliver(f)
	case types.FrameAck:
		l.handleAck(f.MsgID)
	default:
		l.log.Warn("unknown frame kind", zap.String("kind", string(f.Kind)))
	}
}

func (l *Link) handleDeliver(f types.Frame) {
	l.mu.Lock()
	duplicate := l.seen.Contains(f.MsgID)
	if !duplicate {
		l.seen.Add(f.MsgID)
	}
	l.mu.Unlock()

	// ACK both fresh and duplicate deliveries; the sender may have missed
	// the first ACK.
	ack := types.Frame{Kind: types.FrameAck, MsgID: f.MsgID, From: l.id, To: f.From}
	if err := l.transport.Send(f.From, ack); err != nil {
		l.log.Debug("ack send failed", zap.String("to", string(f.From)), zap.Error(err))
	}
	if duplicate {
		if l.metrics != nil {
			l.metrics.LinkDuplicates.Inc()
		}
		return
	}

	switch f.Target {
	case types.ComponentWave:
		var tok types.Token
		if err := json.Unmarshal(f.Body, &tok); err != nil {
			l.log.Error("malformed wave token", zap.Error(err))
			return
		}
		if l.onToken != nil {
			l.onToken(tok)
		}
	case types.ComponentMesh:
		var msg types.MeshMessage
		if err := json.Unmarshal(f.Body, &msg); err != nil {
			l.log.Error("malformed mesh message", zap.Error(err))
			return
		}
		if l.onMesh != nil {
			l.onMesh(f.From, msg)
		}
	default:
		l.log.Warn("unicast for unknown component", zap.String("target", string(f.Target)))
	}
}

func (l *Link) handleAck(msgID types.MsgID) {
	l.mu.Lock()
	p, ok := l.pending[msgID]
	if ok {
		p.timer.Stop()
		delete(l.pending, msgID)
	}
	n := len(l.pending)
	l.mu.Unlock()

	if ok && l.metrics != nil {
		l.metrics.PendingUnicasts.Set(float64(n))
	}
}

// DropPeer cancels every pending unicast addressed to a removed peer.
func (l *Link) DropPeer(peer types.PeerID) {
	l.mu.Lock()
	for id, p := range l.pending {
		if p.frame.To == peer {
			p.timer.Stop()
			delete(l.pending, id)
		}
	}
	n := len(l.pending)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.PendingUnicasts.Set(float64(n))
	}
}

// Pending returns the number of unacknowledged unicasts.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close stops all retry timers.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, p := range l.pending {
		p.timer.Stop()
		delete(l.pending, id)
	}
}
