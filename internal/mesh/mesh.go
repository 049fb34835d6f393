// Package mesh tracks the direct neighbor set, runs the join/leave protocol
// with full state handoff for new joiners, and stitches the remaining peers
// together on graceful exit.
package mesh

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lilvirgola/p2pdocs/internal/clock"
	"github.com/lilvirgola/p2pdocs/internal/monitoring"
	"github.com/lilvirgola/p2pdocs/internal/types"
)

var (
	// ErrInvalidPeerAddress reports a malformed peer id; surfaced to the
	// editor as error:invalid_peer_address.
	ErrInvalidPeerAddress = errors.New("invalid peer address")
	// ErrPeerRefused reports a refused low-level connect.
	ErrPeerRefused = errors.New("peer refused connection")
)

// Runtime is the process-wide peer runtime (§ external interfaces).
type Runtime interface {
	Connect(peer types.PeerID) types.ConnectResult
	Disconnect(peer types.PeerID)
}

// Waves is the disseminator's neighbor-set surface.
type Waves interface {
	AddNeighbor(p types.PeerID)
	DelNeighbor(p types.PeerID)
}

// Unicaster ships mesh control messages and prunes state for dead peers.
type Unicaster interface {
	Send(to types.PeerID, target types.Component, body any) error
	DropPeer(p types.PeerID)
}

// StateProvider snapshots and installs the replicated state during
// bootstrap handoff.
type StateProvider interface {
	SnapshotChars() []types.Char
	InstallChars(chars []types.Char)
	SnapshotClocks() (stamp, delivered clock.VectorClock)
	InstallClocks(stamp, delivered clock.VectorClock)
}

// Mesh is one peer's neighbor manager.
type Mesh struct {
	mu        sync.Mutex
	id        types.PeerID
	neighbors map[types.PeerID]struct{}

	runtime Runtime
	link    Unicaster
	waves   Waves
	state   StateProvider
	notify  func() // neighbor list changed
	log     *zap.Logger
	metrics *monitoring.Metrics
}

// New returns a mesh manager for id.
func New(id types.PeerID, runtime Runtime, link Unicaster, waves Waves, state StateProvider, log *zap.Logger, metrics *monitoring.Metrics) *Mesh {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mesh{
		id:        id,
		neighbors: make(map[types.PeerID]struct{}),
		runtime:   runtime,
		link:      link,
		waves:     waves,
		state:     state,
		log:       log,
		metrics:   metrics,
	}
}

// SetNotify wires the neighbor-change notification (editor re-init).
func (m *Mesh) SetNotify(fn func()) { m.notify = fn }

// Join connects to peer and adds it to the neighbor set. In Ask mode the
// contacted peer is asked for a full state transfer.
func (m *Mesh) Join(peer types.PeerID, mode types.JoinMode) error {
	if !types.ValidPeerID(string(peer)) {
		return ErrInvalidPeerAddress
	}
	if peer == m.id {
		return ErrInvalidPeerAddress
	}

	switch m.runtime.Connect(peer) {
	case types.Refused:
		return ErrPeerRefused
	case types.Connected, types.AlreadyConnected:
	}

	if added := m.addNeighbor(peer); added {
		m.waves.AddNeighbor(peer)
		m.notifyChanged()
	}

	if mode == types.Ask {
		err := m.link.Send(peer, types.ComponentMesh, types.MeshMessage{
			Kind:      types.MeshStateRequest,
			Requester: m.id,
		})
		if err != nil {
			m.log.Warn("state request failed", zap.String("peer", string(peer)), zap.Error(err))
		}
	}
	return nil
}

// Leave drops a single neighbor.
func (m *Mesh) Leave(peer types.PeerID) {
	if removed := m.delNeighbor(peer); !removed {
		return
	}
	m.waves.DelNeighbor(peer)
	m.link.DropPeer(peer)
	m.runtime.Disconnect(peer)
	m.notifyChanged()
}

// LeaveAll performs a graceful exit: every ordered pair of current
// neighbors is told to connect to each other before this peer disconnects,
// preserving best-effort connectivity of the remainder.
func (m *Mesh) LeaveAll() {
	m.mu.Lock()
	peers := make([]types.PeerID, 0, len(m.neighbors))
	for p := range m.neighbors {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	for i := 0; i < len(peers); i++ {
		for j := i + 1; j < len(peers); j++ {
			n1, n2 := peers[i], peers[j]
			if err := m.link.Send(n1, types.ComponentMesh, types.MeshMessage{Kind: types.MeshJoinCommand, Peer: n2}); err != nil {
				m.log.Warn("stitch command failed", zap.String("peer", string(n1)), zap.Error(err))
			}
			if err := m.link.Send(n2, types.ComponentMesh, types.MeshMessage{Kind: types.MeshJoinCommand, Peer: n1}); err != nil {
				m.log.Warn("stitch command failed", zap.String("peer", string(n2)), zap.Error(err))
			}
		}
	}

	for _, p := range peers {
		m.Leave(p)
	}
}

// OnMeshMessage handles mesh control unicasts; registered with Link.
func (m *Mesh) OnMeshMessage(from types.PeerID, msg types.MeshMessage) {
	switch msg.Kind {
	case types.MeshStateRequest:
		m.handleStateRequest(msg.Requester)
	case types.MeshJoinCommand:
		if err := m.Join(msg.Peer, types.NoAsk); err != nil {
			m.log.Warn("join command failed",
				zap.String("peer", string(msg.Peer)), zap.Error(err))
		}
	case types.MeshInstallCRDT:
		m.state.InstallChars(msg.Chars)
	case types.MeshInstallVC:
		m.state.InstallClocks(msg.Clock, msg.Delivered)
	default:
		m.log.Warn("unknown mesh message", zap.String("kind", string(msg.Kind)), zap.String("from", string(from)))
	}
}

func (m *Mesh) handleStateRequest(requester types.PeerID) {
	chars := m.state.SnapshotChars()
	stamp, delivered := m.state.SnapshotClocks()

	if err := m.link.Send(requester, types.ComponentMesh, types.MeshMessage{
		Kind:  types.MeshInstallCRDT,
		Chars: chars,
	}); err != nil {
		m.log.Warn("crdt handoff failed", zap.String("peer", string(requester)), zap.Error(err))
	}
	if err := m.link.Send(requester, types.ComponentMesh, types.MeshMessage{
		Kind:      types.MeshInstallVC,
		Clock:     stamp,
		Delivered: delivered,
	}); err != nil {
		m.log.Warn("clock handoff failed", zap.String("peer", string(requester)), zap.Error(err))
	}
}

// HandlePeerConnected records an inbound connection accepted by the peer
// runtime: the remote initiated a join towards us.
func (m *Mesh) HandlePeerConnected(peer types.PeerID) {
	if added := m.addNeighbor(peer); added {
		m.waves.AddNeighbor(peer)
		m.notifyChanged()
	}
}

// HandlePeerDisconnected records a dropped connection.
func (m *Mesh) HandlePeerDisconnected(peer types.PeerID) {
	if removed := m.delNeighbor(peer); !removed {
		return
	}
	m.waves.DelNeighbor(peer)
	m.link.DropPeer(peer)
	m.notifyChanged()
}

// Neighbors returns the current neighbor set, sorted.
func (m *Mesh) Neighbors() []types.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.PeerID, 0, len(m.neighbors))
	for p := range m.neighbors {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Mesh) addNeighbor(peer types.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.neighbors[peer]; ok {
		return false
	}
	m.neighbors[peer] = struct{}{}
	return true
}

func (m *Mesh) delNeighbor(peer types.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.neighbors[peer]; !ok {
		return false
	}
	delete(m.neighbors, peer)
	return true
}

func (m *Mesh) notifyChanged() {
	if m.metrics != nil {
		m.metrics.Neighbors.Set(float64(len(m.Neighbors())))
	}
	if m.notify != nil {
		m.notify()
	}
}
