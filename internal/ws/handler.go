// Package ws relays domain events to connected viewers over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/karaoke-night-system/internal/engine"
	"github.com/karaoke-night-system/pkg/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // In production, implement proper origin checking
	},
}

type VoteMessage struct {
	Type    string `json:"type"`
	EntryID string `json:"entry_id"`
}

// Hub holds viewer connections and broadcasts domain events to all of
// them in emission order, via a single bus subscription.
type Hub struct {
	engine *engine.Engine
	log    zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

func NewHub(eng *engine.Engine, log zerolog.Logger) *Hub {
	return &Hub{
		engine: eng,
		log:    log.With().Str("component", "ws").Logger(),
		conns:  make(map[string]*websocket.Conn),
	}
}

// Run broadcasts events from the bus subscription until the context is
// cancelled or the bus closes.
func (h *Hub) Run(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	userID := c.GetString("user_id") // set by auth middleware
	connID := userID + ":" + uuid.New().String()
	h.addConnection(connID, conn)
	defer h.removeConnection(connID)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Msg("websocket closed")
			}
			break
		}

		var msg VoteMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.log.Debug().Err(err).Msg("unparseable client message")
			continue
		}

		// Votes are the only client-originated mutation over the socket;
		// everything else goes through the HTTP API.
		if msg.Type == "vote" {
			h.handleVote(c.Request.Context(), userID, msg)
		}
	}
}

func (h *Hub) handleVote(ctx context.Context, userID string, msg VoteMessage) {
	entryID, err := uuid.Parse(msg.EntryID)
	if err != nil {
		return
	}
	voterID, err := uuid.Parse(userID)
	if err != nil {
		return
	}
	if _, err := h.engine.VoteSong(ctx, entryID, voterID); err != nil {
		h.log.Debug().Err(err).Msg("ws vote rejected")
	}
}

func (h *Hub) addConnection(connID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[connID] = conn
}

func (h *Hub) removeConnection(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.conns[connID]; ok {
		conn.Close()
		delete(h.conns, connID)
	}
}

func (h *Hub) broadcast(ev events.Event) {
	messageJSON, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID, conn := range h.conns {
		if err := conn.WriteMessage(websocket.TextMessage, messageJSON); err != nil {
			h.log.Debug().Err(err).Str("conn", connID).Msg("failed to send event")
		}
	}
}
