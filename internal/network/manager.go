// Package network is the process-wide peer runtime: it owns the TCP
// listener, the connect/disconnect primitives and the best-effort frame
// channel between connected peers. Frames are line-delimited JSON; a
// connection opens with a "P2PDOCS:<peer-id>" handshake line.
package network

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lilvirgola/p2pdocs/internal/types"
)

const handshakePrefix = "P2PDOCS"

// maxFrameBytes bounds one frame line; state-transfer frames carry whole
// documents.
const maxFrameBytes = 16 << 20

// FrameSink receives every frame read from a connection.
type FrameSink interface {
	OnFrame(f types.Frame)
}

// PeerEvents is notified of connection lifecycle changes.
type PeerEvents interface {
	PeerConnected(p types.PeerID)
	PeerDisconnected(p types.PeerID)
}

// Manager implements the peer runtime over TCP.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	id     types.PeerID
	port   int

	mu       sync.RWMutex
	listener net.Listener
	conns    map[types.PeerID]net.Conn
	started  bool

	sink    FrameSink
	events  PeerEvents
	resolve func(types.PeerID) string
	log     *zap.Logger
}

// NewManager returns a runtime for id listening on port.
func NewManager(ctx context.Context, id types.PeerID, port int, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	c, cancel := context.WithCancel(ctx)
	return &Manager{
		ctx:    c,
		cancel: cancel,
		id:     id,
		port:   port,
		conns:  make(map[types.PeerID]net.Conn),
		log:    log,
	}
}

// SetSink wires the frame consumer; must be set before Start.
func (m *Manager) SetSink(s FrameSink) { m.sink = s }

// SetEvents wires the lifecycle consumer; must be set before Start.
func (m *Manager) SetEvents(e PeerEvents) { m.events = e }

// SetAddrResolver overrides how a peer id is mapped to a dial address. The
// default uses the ip component of the id with the configured port.
func (m *Manager) SetAddrResolver(fn func(types.PeerID) string) { m.resolve = fn }

// Start opens the listener and begins accepting peer connections.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", m.port))
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	m.listener = listener
	m.started = true

	go m.acceptConnections()

	m.log.Info("peer runtime listening",
		zap.String("peer_id", string(m.id)), zap.String("addr", listener.Addr().String()))
	return nil
}

func (m *Manager) acceptConnections() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.log.Warn("accept error", zap.Error(err))
			continue
		}
		go m.handleInbound(conn)
	}
}

func (m *Manager) handleInbound(conn net.Conn) {
	peerID, scanner, ok := m.readHandshake(conn)
	if !ok {
		conn.Close()
		return
	}

	// Answer the handshake.
	if _, err := fmt.Fprintf(conn, "%s:%s\n", handshakePrefix, m.id); err != nil {
		conn.Close()
		return
	}

	if !m.register(peerID, conn) {
		// A connection to this peer already exists; keep the old one.
		conn.Close()
		return
	}

	if m.events != nil {
		m.events.PeerConnected(peerID)
	}
	m.readLoop(peerID, conn, scanner)
}

// Connect dials peer and performs the handshake. The peer's address is the
// ip component of its id; every peer listens on the same configured port.
func (m *Manager) Connect(peer types.PeerID) types.ConnectResult {
	m.mu.RLock()
	_, exists := m.conns[peer]
	m.mu.RUnlock()
	if exists {
		return types.AlreadyConnected
	}

	addr := ""
	if m.resolve != nil {
		addr = m.resolve(peer)
	} else {
		at := strings.LastIndex(string(peer), "@")
		if at < 0 {
			return types.Refused
		}
		addr = net.JoinHostPort(string(peer)[at+1:], fmt.Sprintf("%d", m.port))
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		m.log.Warn("dial failed", zap.String("peer", string(peer)), zap.Error(err))
		return types.Refused
	}

	if _, err := fmt.Fprintf(conn, "%s:%s\n", handshakePrefix, m.id); err != nil {
		conn.Close()
		return types.Refused
	}

	remoteID, scanner, ok := m.readHandshake(conn)
	if !ok || remoteID != peer {
		m.log.Warn("handshake mismatch",
			zap.String("expected", string(peer)), zap.String("got", string(remoteID)))
		conn.Close()
		return types.Refused
	}

	if !m.register(peer, conn) {
		conn.Close()
		return types.AlreadyConnected
	}

	if m.events != nil {
		m.events.PeerConnected(peer)
	}
	go m.readLoop(peer, conn, scanner)

	m.log.Info("connected to peer", zap.String("peer", string(peer)))
	return types.Connected
}

// Disconnect closes the connection to peer, if any.
func (m *Manager) Disconnect(peer types.PeerID) {
	m.mu.Lock()
	conn, ok := m.conns[peer]
	if ok {
		delete(m.conns, peer)
	}
	m.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Send ships one frame to a connected peer. Best-effort: delivery failures
// surface as errors and are compensated by Link retries.
func (m *Manager) Send(to types.PeerID, frame types.Frame) error {
	m.mu.RLock()
	conn, ok := m.conns[to]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer %s not connected", to)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// Shutdown closes the listener and every connection.
func (m *Manager) Shutdown() {
	m.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		m.listener.Close()
	}
	for _, conn := range m.conns {
		conn.Close()
	}
	m.conns = make(map[types.PeerID]net.Conn)
	m.started = false
}

// readHandshake consumes the "P2PDOCS:<peer-id>" line and returns the
// remote id along with the scanner for subsequent frames.
func (m *Manager) readHandshake(conn net.Conn) (types.PeerID, *bufio.Scanner, bool) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), maxFrameBytes)
	if !scanner.Scan() {
		return "", nil, false
	}
	line := strings.TrimSpace(scanner.Text())
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 || parts[0] != handshakePrefix || !types.ValidPeerID(parts[1]) {
		m.log.Warn("bad handshake", zap.String("line", line))
		return "", nil, false
	}
	return types.PeerID(parts[1]), scanner, true
}

func (m *Manager) register(peer types.PeerID, conn net.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conns[peer]; exists {
		return false
	}
	m.conns[peer] = conn
	return true
}

// readLoop decodes frames line by line until the connection drops. One
// goroutine per connection keeps per-pair FIFO ordering.
func (m *Manager) readLoop(peer types.PeerID, conn net.Conn, scanner *bufio.Scanner) {
	defer func() {
		m.mu.Lock()
		current, ok := m.conns[peer]
		stillRegistered := ok && current == conn
		if stillRegistered {
			delete(m.conns, peer)
		}
		m.mu.Unlock()
		conn.Close()
		if stillRegistered && m.events != nil {
			m.events.PeerDisconnected(peer)
		}
	}()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var frame types.Frame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			m.log.Warn("failed to decode frame", zap.String("peer", string(peer)), zap.Error(err))
			continue
		}
		if m.sink != nil {
			m.sink.OnFrame(frame)
		}
	}
}

// Connected reports whether a live connection to peer exists.
func (m *Manager) Connected(peer types.PeerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[peer]
	return ok
}
