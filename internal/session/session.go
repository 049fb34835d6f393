// Package session is the thin façade between the editor adapter and the
// collaboration core: it maps edit events to document calls, routes
// outbound operations through the causal bus, and fans notifications back
// to the editor.
package session

import (
	"errors"

	"go.uber.org/zap"

	"github.com/lilvirgola/p2pdocs/internal/clock"
	"github.com/lilvirgola/p2pdocs/internal/crdt"
	"github.com/lilvirgola/p2pdocs/internal/mesh"
	"github.com/lilvirgola/p2pdocs/internal/storage"
	"github.com/lilvirgola/p2pdocs/internal/types"
)

// Broadcaster is the causal bus surface the session depends on.
type Broadcaster interface {
	Broadcast(op types.Op) types.Envelope
	Snapshot() (stamp, delivered clock.VectorClock)
	Install(stamp, delivered clock.VectorClock)
}

// Topology is the mesh surface the session depends on.
type Topology interface {
	Join(peer types.PeerID, mode types.JoinMode) error
	Leave(peer types.PeerID)
	LeaveAll()
	Neighbors() []types.PeerID
}

// EditorNotifier receives outbound notifications for the editor adapter.
type EditorNotifier interface {
	Init(content string, clientID types.PeerID, neighbors []types.PeerID)
	RemoteInsert(index int, value rune)
	RemoteDelete(index int)
	Error(kind string)
}

// Session owns one peer's document surface.
type Session struct {
	doc      *crdt.Doc
	bus      Broadcaster
	mesh     Topology
	notifier EditorNotifier
	saver    *storage.Autosaver
	log      *zap.Logger
}

// New returns a session over doc and bus; the mesh and notifier are wired
// afterwards.
func New(doc *crdt.Doc, bus Broadcaster, saver *storage.Autosaver, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{doc: doc, bus: bus, saver: saver, log: log}
}

// SetMesh wires the neighbor manager.
func (s *Session) SetMesh(m Topology) { s.mesh = m }

// SetNotifier wires the editor adapter.
func (s *Session) SetNotifier(n EditorNotifier) { s.notifier = n }

// LocalInsert inserts value after the index-th character and broadcasts the
// resulting operation. The local replica is updated before the broadcast.
func (s *Session) LocalInsert(index int, value rune) error {
	ch, err := s.doc.InsertLocal(index, value)
	if err != nil {
		s.log.Warn("local insert rejected", zap.Int("index", index), zap.Error(err))
		return err
	}
	s.bus.Broadcast(types.Op{Kind: types.OpInsert, Char: &ch})
	if s.saver != nil {
		s.saver.Edited(s.doc.Text())
	}
	return nil
}

// LocalDelete removes the index-th character and broadcasts the deletion.
func (s *Session) LocalDelete(index int) error {
	id, err := s.doc.DeleteLocal(index)
	if err != nil {
		s.log.Warn("local delete rejected", zap.Int("index", index), zap.Error(err))
		return err
	}
	s.bus.Broadcast(types.Op{Kind: types.OpDelete, Target: id})
	if s.saver != nil {
		s.saver.Edited(s.doc.Text())
	}
	return nil
}

// Connect validates addr and joins the mesh with a state request. A
// malformed address is the only failure surfaced to the editor.
func (s *Session) Connect(addr string) error {
	if err := s.mesh.Join(types.PeerID(addr), types.Ask); err != nil {
		if errors.Is(err, mesh.ErrInvalidPeerAddress) && s.notifier != nil {
			s.notifier.Error("invalid_peer_address")
		}
		return err
	}
	return nil
}

// Disconnect leaves the mesh gracefully.
func (s *Session) Disconnect() { s.mesh.LeaveAll() }

// DisconnectPeer leaves a single neighbor.
func (s *Session) DisconnectPeer(peer types.PeerID) { s.mesh.Leave(peer) }

// ClientID returns this peer's id.
func (s *Session) ClientID() types.PeerID { return s.doc.PeerID() }

// Content returns the current plain-text projection.
func (s *Session) Content() string { return s.doc.Text() }

// NeighborList returns the current neighbors.
func (s *Session) NeighborList() []types.PeerID {
	if s.mesh == nil {
		return nil
	}
	return s.mesh.Neighbors()
}

// RemoteInserted implements the causal delivery sink.
func (s *Session) RemoteInserted(index int, value rune) {
	if s.notifier != nil {
		s.notifier.RemoteInsert(index, value)
	}
}

// RemoteDeleted implements the causal delivery sink.
func (s *Session) RemoteDeleted(index int) {
	if s.notifier != nil {
		s.notifier.RemoteDelete(index)
	}
}

// NeighborsChanged re-emits init to the editor after mesh changes.
func (s *Session) NeighborsChanged() {
	if s.notifier != nil {
		s.notifier.Init(s.Content(), s.ClientID(), s.NeighborList())
	}
}

// SnapshotChars implements the mesh state provider.
func (s *Session) SnapshotChars() []types.Char { return s.doc.Snapshot() }

// InstallChars installs a received document snapshot, refreshes the editor
// and forces an autosave write.
func (s *Session) InstallChars(chars []types.Char) {
	s.doc.Install(chars)
	if s.saver != nil {
		s.saver.Flush(s.doc.Text())
	}
	if s.notifier != nil {
		s.notifier.Init(s.Content(), s.ClientID(), s.NeighborList())
	}
}

// SnapshotClocks implements the mesh state provider.
func (s *Session) SnapshotClocks() (clock.VectorClock, clock.VectorClock) {
	return s.bus.Snapshot()
}

// InstallClocks implements the mesh state provider.
func (s *Session) InstallClocks(stamp, delivered clock.VectorClock) {
	s.bus.Install(stamp, delivered)
}
