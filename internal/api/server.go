// Package api is the editor adapter: a WebSocket endpoint speaking the
// JSON editor protocol, bridging editor events into the document session
// and session notifications back to every attached editor.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lilvirgola/p2pdocs/internal/types"
)

// DocSession is the collaboration surface the adapter drives.
type DocSession interface {
	LocalInsert(index int, value rune) error
	LocalDelete(index int) error
	Connect(addr string) error
	Disconnect()
	DisconnectPeer(peer types.PeerID)
	ClientID() types.PeerID
	Content() string
	NeighborList() []types.PeerID
}

type wireOperation struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Char  string `json:"char,omitempty"`
}

type wireMessage struct {
	Type        string          `json:"type"`
	ClientID    string          `json:"client_id,omitempty"`
	Content     string          `json:"content,omitempty"`
	Neighbors   []string        `json:"neighbors,omitempty"`
	PeerAddress string          `json:"peer_address,omitempty"`
	PeerID      string          `json:"peer_id,omitempty"`
	Index       json.RawMessage `json:"index,omitempty"`
	Char        string          `json:"char,omitempty"`
	Operations  []wireOperation `json:"operations,omitempty"`
	Message     string          `json:"message,omitempty"`
}

type client struct {
	id   string
	ws   *websocket.Conn
	send chan wireMessage
}

// Server fans the editor protocol across any number of attached editors.
type Server struct {
	session  DocSession
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client

	httpServer *http.Server
	log        *zap.Logger
}

// NewServer returns an adapter over session.
func NewServer(session DocSession, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		session: session,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		log:     log,
	}
}

// Handler returns the HTTP handler serving the WebSocket endpoint at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Run serves the adapter on the front-end port; blocks until Shutdown.
func (s *Server) Run(port int) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server and closes every editor socket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		close(c.send)
		c.ws.Close()
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.NewString(), ws: ws, send: make(chan wireMessage, 64)}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	go s.writeLoop(c)
	s.sendTo(c, s.initMessage())
	s.readLoop(c)
}

func (s *Server) writeLoop(c *client) {
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			s.log.Debug("editor write failed", zap.String("conn", c.id), zap.Error(err))
			return
		}
	}
}

func (s *Server) readLoop(c *client) {
	defer func() {
		s.mu.Lock()
		if cur, ok := s.clients[c.id]; ok && cur == c {
			delete(s.clients, c.id)
			close(c.send)
		}
		s.mu.Unlock()
		c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("malformed editor message", zap.Error(err))
			continue
		}
		s.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *client, msg wireMessage) {
	switch msg.Type {
	case "ping":
		s.sendTo(c, wireMessage{Type: "pong"})
	case "get_client_id":
		s.sendTo(c, s.initMessage())
	case "connect":
		if err := s.session.Connect(msg.PeerAddress); err != nil {
			s.log.Warn("connect failed", zap.String("peer_address", msg.PeerAddress), zap.Error(err))
		}
	case "disconnect":
		if msg.PeerID != "" {
			s.session.DisconnectPeer(types.PeerID(msg.PeerID))
		} else {
			s.session.Disconnect()
		}
	case "insert":
		index, ok := parseIndex(msg.Index)
		if !ok {
			s.log.Warn("insert with non-numeric index")
			return
		}
		value, ok := firstRune(msg.Char)
		if !ok {
			s.log.Warn("insert without character")
			return
		}
		if err := s.session.LocalInsert(index, value); err != nil {
			s.log.Warn("insert rejected", zap.Int("index", index), zap.Error(err))
		}
	case "delete":
		index, ok := parseIndex(msg.Index)
		if !ok {
			// The editor sends a "marker" index for its cursor sentinel row;
			// nothing to delete.
			return
		}
		if err := s.session.LocalDelete(index); err != nil {
			s.log.Warn("delete rejected", zap.Int("index", index), zap.Error(err))
		}
	default:
		s.log.Warn("unknown editor message type", zap.String("type", msg.Type))
	}
}

func (s *Server) initMessage() wireMessage {
	neighbors := s.session.NeighborList()
	list := make([]string, len(neighbors))
	for i, n := range neighbors {
		list[i] = string(n)
	}
	return wireMessage{
		Type:      "init",
		ClientID:  string(s.session.ClientID()),
		Content:   s.session.Content(),
		Neighbors: list,
	}
}

// sendTo enqueues msg for one editor. The registry lock also serializes
// against channel close on disconnect.
func (s *Server) sendTo(c *client, msg wireMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.clients[c.id]; !ok || cur != c {
		return
	}
	select {
	case c.send <- msg:
	default:
		s.log.Warn("editor send buffer full, dropping", zap.String("conn", c.id))
	}
}

func (s *Server) broadcast(msg wireMessage) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		s.sendTo(c, msg)
	}
}

// Init implements the session notifier.
func (s *Server) Init(content string, clientID types.PeerID, neighbors []types.PeerID) {
	list := make([]string, len(neighbors))
	for i, n := range neighbors {
		list[i] = string(n)
	}
	s.broadcast(wireMessage{Type: "init", ClientID: string(clientID), Content: content, Neighbors: list})
}

// RemoteInsert implements the session notifier.
func (s *Server) RemoteInsert(index int, value rune) {
	s.broadcast(wireMessage{
		Type:       "operations",
		Operations: []wireOperation{{Type: "insert", Index: index, Char: string(value)}},
	})
}

// RemoteDelete implements the session notifier.
func (s *Server) RemoteDelete(index int) {
	s.broadcast(wireMessage{
		Type:       "operations",
		Operations: []wireOperation{{Type: "delete", Index: index}},
	})
}

// Error implements the session notifier.
func (s *Server) Error(kind string) {
	s.broadcast(wireMessage{Type: "error", Message: kind})
}

// parseIndex accepts a JSON number; anything else (notably the editor's
// "marker" string) reports false.
func parseIndex(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}
