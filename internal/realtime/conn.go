package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/terminal-bench/slaengine/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
)

// HandlerConfig tunes websocket connections.
type HandlerConfig struct {
	SendBuffer int
	// ChatRate is chat messages per second per connection; 0 disables the limit.
	ChatRate  float64
	ChatBurst int
	// AllowedOrigins restricts the Origin header; empty allows any.
	AllowedOrigins []string
}

// Handler upgrades HTTP requests to websocket room connections.
type Handler struct {
	hub      *Hub
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, cfg HandlerConfig) *Handler {
	h := &Handler{hub: hub, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.DebugKV(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(uuid.NewString(), h.cfg.SendBuffer)
	if h.cfg.ChatRate > 0 {
		burst := h.cfg.ChatBurst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(h.cfg.ChatRate), burst)
	}
	h.hub.Register(client)

	ctx := logger.With(context.WithoutCancel(r.Context()), "client_id", client.ID)
	logger.DebugKV(ctx, "websocket client connected", "remote", r.RemoteAddr)

	go h.writePump(conn, client)
	go h.readPump(ctx, conn, client)
}

func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, client *Client) {
	defer func() {
		h.hub.Disconnect(client)
		_ = conn.Close()
		logger.DebugKV(ctx, "websocket client disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.DebugKV(ctx, "websocket read failed", "error", err)
			}
			return
		}

		h.handleFrame(ctx, client, message)
	}
}

func (h *Handler) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleFrame(ctx context.Context, client *Client, message []byte) {
	frame, err := DecodeFrame(message)
	if err != nil {
		h.replyError(client, "malformed frame")
		return
	}

	switch frame.Event {
	case EventJoinRoom:
		var req JoinRoom
		if err := json.Unmarshal(frame.Data, &req); err != nil || req.IncidentID == "" {
			h.replyError(client, "join-room requires incidentId")
			return
		}
		if err := h.hub.Join(ctx, client, req.IncidentID); err != nil {
			logger.WarnKV(ctx, "join announcement failed", "incident_id", req.IncidentID, "error", err)
		}

	case EventChat:
		var msg Chat
		if err := json.Unmarshal(frame.Data, &msg); err != nil || msg.IncidentID == "" {
			h.replyError(client, "chat requires incidentId and content")
			return
		}
		if h.hub.RoomOf(client) != msg.IncidentID {
			h.replyError(client, "join the room before chatting")
			return
		}
		if !client.limiter.Allow() {
			h.replyError(client, "chat rate limit exceeded")
			return
		}
		out, err := EncodeFrame(EventChat, msg)
		if err != nil {
			return
		}
		if err := h.hub.Broadcast(ctx, msg.IncidentID, out); err != nil {
			logger.WarnKV(ctx, "chat broadcast failed", "incident_id", msg.IncidentID, "error", err)
		}

	default:
		h.replyError(client, "unknown event "+frame.Event)
	}
}

func (h *Handler) replyError(client *Client, message string) {
	frame, err := EncodeFrame(EventError, ErrorMessage{Message: message})
	if err != nil {
		return
	}
	h.hub.SendTo(client, frame)
}
