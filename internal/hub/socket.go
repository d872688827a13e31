package hub

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/numclash/backend/internal/battle"
)

// Client-to-server message names.
const (
	actionJoinBattle     = "join-battle"
	actionLeaveBattle    = "leave-battle"
	actionSubmitRound    = "submit-round"
	actionCompleteBattle = "complete-battle"
)

// Acknowledgement event names sent back to the issuing connection only.
const (
	eventJoinResult     = "join-battle-result"
	eventLeaveResult    = "leave-battle-result"
	eventSubmitResult   = "submit-round-result"
	eventCompleteResult = "complete-battle-result"
)

const (
	maxMessageBytes = 8 << 10
	pongWait        = 60 * time.Second
	pingPeriod      = 45 * time.Second
	writeWait       = 10 * time.Second
)

// Verifier authenticates the handshake token and yields the user identifier.
type Verifier interface {
	Verify(tokenString string) (string, error)
}

// Coordinator is the slice of the battle service the socket needs.
type Coordinator interface {
	Join(ctx context.Context, userID string, battleCode string) (battle.JoinResult, error)
	SubmitRound(ctx context.Context, userID string, params battle.SubmitParams) (battle.SubmitResult, error)
	Complete(ctx context.Context, userID string, battleID string, totalTime float64) (battle.CompleteResult, error)
	ActiveBattleIDs(ctx context.Context, userID string) ([]string, error)
}

// EndpointConfig wires the websocket endpoint.
type EndpointConfig struct {
	Hub      *Hub
	Verifier Verifier
	Battles  Coordinator
	Logger   *zap.Logger
}

// Endpoint upgrades authenticated HTTP requests to websocket sessions and
// pumps client actions into the battle coordinator.
type Endpoint struct {
	hub      *Hub
	verifier Verifier
	battles  Coordinator
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewEndpoint validates the wiring and returns a ready handler.
func NewEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	if cfg.Hub == nil {
		return nil, errors.New("hub is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	if cfg.Battles == nil {
		return nil, errors.New("battle coordinator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Endpoint{
		hub:      cfg.Hub,
		verifier: cfg.Verifier,
		battles:  cfg.Battles,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Token auth gates the upgrade; cross-origin browsers are allowed.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// clientMessage is the single inbound frame shape; unused fields stay zero.
type clientMessage struct {
	Event        string  `json:"event"`
	BattleID     string  `json:"battle_session_id,omitempty"`
	BattleCode   string  `json:"battle_code,omitempty"`
	RoundNumber  int     `json:"round_number,omitempty"`
	Symbol       string  `json:"user_symbol,omitempty"`
	ResponseTime float64 `json:"response_time,omitempty"`
	TotalTime    float64 `json:"total_time,omitempty"`
}

func (e *Endpoint) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	userID, err := e.verifier.Verify(handshakeToken(request))
	if err != nil {
		http.Error(writer, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	socket, err := e.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		e.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &connection{userID: userID, transport: socket}
	e.hub.attach(conn)
	defer func() {
		e.hub.detach(conn)
		_ = socket.Close()
	}()

	// Resume every in-flight battle so a reconnecting client keeps receiving
	// round and completion events without re-joining by code.
	if battleIDs, err := e.battles.ActiveBattleIDs(request.Context(), userID); err == nil {
		for _, battleID := range battleIDs {
			e.hub.joinRoom(conn, battleID)
		}
	} else {
		e.logger.Warn("active battle lookup failed",
			zap.String("user_id", userID), zap.Error(err))
	}

	socket.SetReadLimit(maxMessageBytes)
	_ = socket.SetReadDeadline(time.Now().Add(pongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go e.keepAlive(conn, socket, stop)

	for {
		var message clientMessage
		if err := socket.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.logger.Debug("websocket closed unexpectedly",
					zap.String("user_id", userID), zap.Error(err))
			}
			return
		}
		e.dispatch(request.Context(), conn, message)
	}
}

func (e *Endpoint) keepAlive(conn *connection, socket *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			conn.writeMu.Lock()
			err := socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			conn.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (e *Endpoint) dispatch(ctx context.Context, conn *connection, message clientMessage) {
	switch message.Event {
	case actionJoinBattle:
		result, err := e.battles.Join(ctx, conn.userID, message.BattleCode)
		if err != nil {
			e.sendError(conn, err)
			return
		}
		e.hub.joinRoom(conn, result.Session.ID)
		e.reply(conn, eventJoinResult, result)

	case actionLeaveBattle:
		if message.BattleID == "" {
			e.sendError(conn, errors.New("battle_session_id is required"))
			return
		}
		e.hub.leaveRoom(conn, message.BattleID)
		e.reply(conn, eventLeaveResult, map[string]any{
			"battle_session_id": message.BattleID,
		})

	case actionSubmitRound:
		result, err := e.battles.SubmitRound(ctx, conn.userID, battle.SubmitParams{
			BattleSessionID: message.BattleID,
			RoundNumber:     message.RoundNumber,
			Symbol:          message.Symbol,
			ResponseTime:    message.ResponseTime,
		})
		if err != nil {
			e.sendError(conn, err)
			return
		}
		e.reply(conn, eventSubmitResult, result)

	case actionCompleteBattle:
		result, err := e.battles.Complete(ctx, conn.userID, message.BattleID, message.TotalTime)
		if err != nil {
			e.sendError(conn, err)
			return
		}
		e.reply(conn, eventCompleteResult, result)

	default:
		e.sendError(conn, errors.New("unknown event: "+message.Event))
	}
}

func (e *Endpoint) reply(conn *connection, event string, payload any) {
	if err := conn.send(envelope{Event: event, Data: payload}); err != nil {
		e.logger.Debug("websocket reply dropped",
			zap.String("user_id", conn.userID),
			zap.String("event", event),
			zap.Error(err))
	}
}

// sendError reports a failed action to the issuing connection only; peers in
// the room never see another player's errors.
func (e *Endpoint) sendError(conn *connection, err error) {
	message := err.Error()
	var battleErr *battle.Error
	if errors.As(err, &battleErr) {
		message = battleErr.Message()
	}
	e.reply(conn, EventError, map[string]any{"message": message})
}

// handshakeToken pulls the bearer token from the Authorization header, or the
// token query parameter for browser websocket clients that cannot set headers.
func handshakeToken(request *http.Request) string {
	header := request.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return request.URL.Query().Get("token")
}
