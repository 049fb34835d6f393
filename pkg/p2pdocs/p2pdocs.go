// Package p2pdocs assembles one peer of the collaborative editor: document
// CRDT, causal bus, echo-wave disseminator, reliable links, mesh manager
// and persistence, wired over the TCP peer runtime.
package p2pdocs

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/lilvirgola/p2pdocs/internal/causal"
	"github.com/lilvirgola/p2pdocs/internal/clock"
	"github.com/lilvirgola/p2pdocs/internal/crdt"
	"github.com/lilvirgola/p2pdocs/internal/link"
	"github.com/lilvirgola/p2pdocs/internal/mesh"
	"github.com/lilvirgola/p2pdocs/internal/monitoring"
	"github.com/lilvirgola/p2pdocs/internal/network"
	"github.com/lilvirgola/p2pdocs/internal/session"
	"github.com/lilvirgola/p2pdocs/internal/storage"
	"github.com/lilvirgola/p2pdocs/internal/types"
	"github.com/lilvirgola/p2pdocs/internal/wave"
)

// Options configures one peer.
type Options struct {
	// PeerID is the stable identity, "name@ip".
	PeerID string
	// APIPort is the TCP port of the peer runtime (every peer in a mesh
	// listens on the same one).
	APIPort int
	// SaveDir holds the autosaved text and crash-recovery snapshots.
	SaveDir string
	// AutosaveThreshold is the number of local edits between text writes.
	AutosaveThreshold int
	// RetryInterval is the unicast retransmission period.
	RetryInterval time.Duration
	// AddrResolver optionally overrides peer-id-to-address resolution.
	AddrResolver func(peerID string) string

	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

// Node is one running peer.
type Node struct {
	id      types.PeerID
	doc     *crdt.Doc
	bus     *causal.Bus
	waves   *wave.Engine
	link    *link.Link
	mesh    *mesh.Mesh
	session *session.Session
	net     *network.Manager
	store   *storage.SnapshotStore
	saver   *storage.Autosaver
	log     *zap.Logger
}

// persistedState is the crash-recovery snapshot, keyed by peer id in the
// snapshot store.
type persistedState struct {
	Chars     []types.Char      `json:"chars"`
	Counter   uint64            `json:"counter"`
	Stamp     clock.VectorClock `json:"stamp"`
	Delivered clock.VectorClock `json:"delivered"`
}

// peerEvents adapts runtime connection events onto the mesh.
type peerEvents struct{ m *mesh.Mesh }

func (e *peerEvents) PeerConnected(p types.PeerID)    { e.m.HandlePeerConnected(p) }
func (e *peerEvents) PeerDisconnected(p types.PeerID) { e.m.HandlePeerDisconnected(p) }

// New builds a peer from opts and restores its last persisted state, if
// any. Start must be called before the peer is reachable.
func New(ctx context.Context, opts Options) (*Node, error) {
	if !types.ValidPeerID(opts.PeerID) {
		return nil, fmt.Errorf("invalid peer id %q", opts.PeerID)
	}
	id := types.PeerID(opts.PeerID)

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.SaveDir == "" {
		opts.SaveDir = "./data"
	}

	store, err := storage.NewSnapshotStore(filepath.Join(opts.SaveDir, "snapshots"))
	if err != nil {
		return nil, err
	}
	saver, err := storage.NewAutosaver(opts.SaveDir, opts.PeerID, opts.AutosaveThreshold, log, opts.Metrics)
	if err != nil {
		return nil, err
	}

	doc := crdt.New(id, log)
	bus := causal.New(id, doc, log, opts.Metrics)
	sess := session.New(doc, bus, saver, log)
	bus.SetSink(sess)

	waves := wave.New(id, bus, log, opts.Metrics)
	bus.SetWaves(waves)

	netm := network.NewManager(ctx, id, opts.APIPort, log)
	if opts.AddrResolver != nil {
		resolve := opts.AddrResolver
		netm.SetAddrResolver(func(p types.PeerID) string { return resolve(string(p)) })
	}

	lk := link.New(id, netm, opts.RetryInterval, log, opts.Metrics)
	waves.SetSender(lk)
	lk.HandleWave(waves.OnToken)

	msh := mesh.New(id, netm, lk, waves, sess, log, opts.Metrics)
	lk.HandleMesh(msh.OnMeshMessage)
	msh.SetNotify(sess.NeighborsChanged)
	sess.SetMesh(msh)

	netm.SetSink(lk)
	netm.SetEvents(&peerEvents{m: msh})

	waves.SetCompletion(func(waveID string, count uint32) {
		log.Debug("wave complete", zap.String("wave_id", waveID), zap.Uint32("reached", count))
	})

	n := &Node{
		id:      id,
		doc:     doc,
		bus:     bus,
		waves:   waves,
		link:    lk,
		mesh:    msh,
		session: sess,
		net:     netm,
		store:   store,
		saver:   saver,
		log:     log,
	}

	var ps persistedState
	found, err := store.Get(opts.PeerID, &ps)
	if err != nil {
		log.Warn("snapshot unreadable, starting empty", zap.Error(err))
	} else if found {
		doc.Restore(ps.Chars, ps.Counter)
		bus.Install(ps.Stamp, ps.Delivered)
		log.Info("restored from snapshot", zap.Int("chars", len(ps.Chars)))
	}
	saver.SetOnFlush(n.persist)

	return n, nil
}

// Start brings the peer runtime online.
func (n *Node) Start() error {
	return n.net.Start()
}

// Session returns the document session for the editor adapter.
func (n *Node) Session() *session.Session { return n.session }

// ID returns the peer identity.
func (n *Node) ID() string { return string(n.id) }

// persist upserts the crash-recovery snapshot.
func (n *Node) persist() {
	stamp, delivered := n.bus.Snapshot()
	ps := persistedState{
		Chars:     n.doc.Snapshot(),
		Counter:   n.doc.Counter(),
		Stamp:     stamp,
		Delivered: delivered,
	}
	if err := n.store.Put(string(n.id), ps); err != nil {
		n.log.Error("snapshot write failed", zap.Error(err))
	}
}

// Shutdown leaves the mesh gracefully, flushes state and stops networking.
func (n *Node) Shutdown() {
	n.mesh.LeaveAll()
	n.link.Close()
	n.net.Shutdown()
	n.saver.Flush(n.doc.Text())
}
