package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentlink/internal/realtime"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Peer is one accepted WebSocket connection.
type Peer struct {
	conn     *websocket.Conn
	username string

	writeMu sync.Mutex
}

// Emit writes one event frame to the peer.
func (p *Peer) Emit(event string, data any) error {
	env, err := realtime.NewEnvelope(event, data)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wsjson.Write(ctx, p.conn, env)
}

// Hub tracks open peers and which chat sessions they joined.
type Hub struct {
	mu     sync.RWMutex
	peers  map[*Peer]struct{}
	active map[string]map[*Peer]string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		peers:  make(map[*Peer]struct{}),
		active: make(map[string]map[*Peer]string),
	}
}

// Register tracks a newly accepted peer.
func (h *Hub) Register(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p] = struct{}{}
	slog.Info("Sandbox peer connected", "username", p.username)
}

// Join records that peer joined sessionID as agentID.
func (h *Hub) Join(sessionID, agentID string, p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[sessionID]; !exists {
		h.active[sessionID] = make(map[*Peer]string)
	}
	h.active[sessionID][p] = agentID
	slog.Debug("Sandbox peer joined session", "session_id", sessionID, "agent_id", agentID)
}

// Unregister forgets peer and removes it from every session it joined.
func (h *Hub) Unregister(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.peers, p)

	for sid, peers := range h.active {
		if _, ok := peers[p]; ok {
			delete(peers, p)
			if len(peers) == 0 {
				delete(h.active, sid)
			}
		}
	}
}

// Members returns the number of peers joined to sessionID.
func (h *Hub) Members(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionID])
}

// Broadcast emits an event to every peer joined to sessionID.
func (h *Hub) Broadcast(sessionID, event string, data any) {
	h.mu.RLock()
	peers := make([]*Peer, 0, len(h.active[sessionID]))
	for p := range h.active[sessionID] {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	for _, p := range peers {
		if err := p.Emit(event, data); err != nil {
			slog.Debug("Sandbox broadcast failed", "session_id", sessionID, "event", event, "error", err)
		}
	}
}

// CloseAll closes every open connection.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[*Peer]struct{})
	h.active = make(map[string]map[*Peer]string)
	h.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close(websocket.StatusGoingAway, reason)
	}
}
