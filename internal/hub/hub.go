package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Room-membership and countdown event names.
const (
	EventPlayerJoined  = "player-joined"
	EventPlayerLeft    = "player-left"
	EventCountdownTick = "countdown-tick"
	EventCountdownGo   = "countdown-go"
	EventError         = "error"
)

const (
	defaultCountdownFrom     = 3
	defaultCountdownInterval = time.Second
)

// envelope is the wire frame for server-to-client events.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// transport abstracts the underlying socket so the registry can be exercised
// without a network connection.
type transport interface {
	WriteJSON(v any) error
	Close() error
}

// connection is one live client attachment. Writes are serialized per
// connection because websocket writers are not safe for concurrent use.
type connection struct {
	userID    string
	transport transport
	writeMu   sync.Mutex
}

func (c *connection) send(e envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteJSON(e)
}

// Config tunes the hub.
type Config struct {
	CountdownFrom     int
	CountdownInterval time.Duration
	Logger            *zap.Logger
}

// Hub is the lifecycle-scoped registry of live connections, grouped per user
// and per battle room. It holds only ephemeral membership state; battle
// outcomes always live in the store.
type Hub struct {
	mu          sync.RWMutex
	users       map[string]map[*connection]struct{}
	rooms       map[string]map[*connection]struct{}
	roomsByConn map[*connection]map[string]struct{}
	closed      bool

	countdownFrom     int
	countdownInterval time.Duration
	logger            *zap.Logger
}

// New constructs an empty hub.
func New(cfg Config) *Hub {
	from := cfg.CountdownFrom
	if from <= 0 {
		from = defaultCountdownFrom
	}
	interval := cfg.CountdownInterval
	if interval <= 0 {
		interval = defaultCountdownInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		users:             make(map[string]map[*connection]struct{}),
		rooms:             make(map[string]map[*connection]struct{}),
		roomsByConn:       make(map[*connection]map[string]struct{}),
		countdownFrom:     from,
		countdownInterval: interval,
		logger:            logger,
	}
}

func (h *Hub) attach(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.users[conn.userID]; !ok {
		h.users[conn.userID] = make(map[*connection]struct{})
	}
	h.users[conn.userID][conn] = struct{}{}
	h.roomsByConn[conn] = make(map[string]struct{})
}

// detach removes the connection from the user registry and every room it was
// part of. Battle state is never touched by a disconnect.
func (h *Hub) detach(conn *connection) {
	h.mu.Lock()
	memberRooms := make([]string, 0, len(h.roomsByConn[conn]))
	for battleID := range h.roomsByConn[conn] {
		memberRooms = append(memberRooms, battleID)
		h.removeFromRoom(conn, battleID)
	}
	delete(h.roomsByConn, conn)
	if peers, ok := h.users[conn.userID]; ok {
		delete(peers, conn)
		if len(peers) == 0 {
			delete(h.users, conn.userID)
		}
	}
	h.mu.Unlock()

	for _, battleID := range memberRooms {
		h.EmitToBattle(battleID, EventPlayerLeft, map[string]any{
			"battle_session_id": battleID,
			"user_id":           conn.userID,
		})
	}
}

// joinRoom subscribes the connection to a battle room and announces it.
func (h *Hub) joinRoom(conn *connection, battleID string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if _, ok := h.rooms[battleID]; !ok {
		h.rooms[battleID] = make(map[*connection]struct{})
	}
	h.rooms[battleID][conn] = struct{}{}
	if _, ok := h.roomsByConn[conn]; !ok {
		h.roomsByConn[conn] = make(map[string]struct{})
	}
	h.roomsByConn[conn][battleID] = struct{}{}
	h.mu.Unlock()

	h.EmitToBattle(battleID, EventPlayerJoined, map[string]any{
		"battle_session_id": battleID,
		"user_id":           conn.userID,
	})
}

// leaveRoom unsubscribes the connection from a battle room and announces it.
func (h *Hub) leaveRoom(conn *connection, battleID string) {
	h.mu.Lock()
	h.removeFromRoom(conn, battleID)
	if memberships, ok := h.roomsByConn[conn]; ok {
		delete(memberships, battleID)
	}
	h.mu.Unlock()

	h.EmitToBattle(battleID, EventPlayerLeft, map[string]any{
		"battle_session_id": battleID,
		"user_id":           conn.userID,
	})
}

// caller must hold h.mu.
func (h *Hub) removeFromRoom(conn *connection, battleID string) {
	if members, ok := h.rooms[battleID]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(h.rooms, battleID)
		}
	}
}

// EmitToBattle broadcasts an event to every connection in the battle's room.
// Best effort: with no subscribers it is a silent no-op, and a failed write
// only drops that one connection's delivery.
func (h *Hub) EmitToBattle(battleID string, event string, payload any) {
	h.mu.RLock()
	members := h.rooms[battleID]
	targets := make([]*connection, 0, len(members))
	for conn := range members {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.send(envelope{Event: event, Data: payload}); err != nil {
			h.logger.Debug("battle emit dropped",
				zap.String("battle_id", battleID),
				zap.String("event", event),
				zap.Error(err))
		}
	}
}

// EmitToUser sends an event to every live connection of one user.
func (h *Hub) EmitToUser(userID string, event string, payload any) {
	h.mu.RLock()
	peers := h.users[userID]
	targets := make([]*connection, 0, len(peers))
	for conn := range peers {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.send(envelope{Event: event, Data: payload}); err != nil {
			h.logger.Debug("user emit dropped",
				zap.String("user_id", userID),
				zap.String("event", event),
				zap.Error(err))
		}
	}
}

// StartCountdown runs the synchronized countdown for a battle room from a
// single server-side timer, so every subscriber observes the same tick
// sequence regardless of when their client received the start signal.
func (h *Hub) StartCountdown(battleID string) {
	go func() {
		for tick := h.countdownFrom; tick >= 1; tick-- {
			h.EmitToBattle(battleID, EventCountdownTick, map[string]any{
				"battle_session_id": battleID,
				"count":             tick,
			})
			time.Sleep(h.countdownInterval)
		}
		h.EmitToBattle(battleID, EventCountdownGo, map[string]any{
			"battle_session_id": battleID,
		})
	}()
}

// Close tears the registry down and closes every live connection.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	targets := make([]*connection, 0, len(h.roomsByConn))
	for conn := range h.roomsByConn {
		targets = append(targets, conn)
	}
	h.users = make(map[string]map[*connection]struct{})
	h.rooms = make(map[string]map[*connection]struct{})
	h.roomsByConn = make(map[*connection]map[string]struct{})
	h.mu.Unlock()

	for _, conn := range targets {
		_ = conn.transport.Close()
	}
}
