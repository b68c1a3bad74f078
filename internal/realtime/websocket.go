package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	headerDeviceID         = "X-Device-ID"
	queryAccessToken       = "access_token"
	queryDeviceID          = "device_id"
	defaultWriteTimeout    = 10 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultMaxMessageBytes = 1 << 20
)

// TransportConfig tunes the websocket transport.
type TransportConfig struct {
	WriteTimeout    time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string
	Logger          *zap.Logger
}

// WebsocketHandler authenticates the handshake and pumps frames between a
// websocket and the coordinator.
type WebsocketHandler struct {
	coordinator     *Coordinator
	upgrader        websocket.Upgrader
	writeTimeout    time.Duration
	pongWait        time.Duration
	maxMessageBytes int64
	logger          *zap.Logger
}

// NewWebsocketHandler builds the transport for the coordinator.
func NewWebsocketHandler(coordinator *Coordinator, cfg TransportConfig) *WebsocketHandler {
	handler := &WebsocketHandler{
		coordinator:     coordinator,
		writeTimeout:    cfg.WriteTimeout,
		pongWait:        cfg.PongWait,
		maxMessageBytes: cfg.MaxMessageBytes,
		logger:          cfg.Logger,
	}
	if handler.writeTimeout <= 0 {
		handler.writeTimeout = defaultWriteTimeout
	}
	if handler.pongWait <= 0 {
		handler.pongWait = defaultPongWait
	}
	if handler.maxMessageBytes <= 0 {
		handler.maxMessageBytes = defaultMaxMessageBytes
	}
	if handler.logger == nil {
		handler.logger = zap.NewNop()
	}
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[strings.TrimRight(origin, "/")] = true
	}
	handler.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(allowed) == 0 || origin == "" || allowed[origin]
		},
	}
	return handler
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		token = r.URL.Query().Get(queryAccessToken)
	}
	deviceID := r.Header.Get(headerDeviceID)
	if deviceID == "" {
		deviceID = r.URL.Query().Get(queryDeviceID)
	}

	session, err := h.coordinator.Authenticate(r.Context(), token, deviceID)
	if err != nil {
		status, code := http.StatusInternalServerError, "handshake_failed"
		if errors.Is(err, ErrUnauthorized) {
			status, code = http.StatusUnauthorized, "unauthorized"
		}
		h.logger.Info("realtime handshake rejected", zap.Int("status", status), zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("realtime upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := h.coordinator.Connect(ctx, session)
	if err != nil {
		h.logger.Error("realtime connect failed", zap.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "connect failed"), time.Now().Add(h.writeTimeout))
		_ = ws.Close()
		return
	}

	go h.writeLoop(ws, conn)
	h.readLoop(ctx, ws, conn)
	h.coordinator.Disconnect(ctx, conn)
}

func (h *WebsocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *Connection) {
	ws.SetReadLimit(h.maxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(h.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		messageType, frame, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("realtime read ended", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.pongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		h.coordinator.Handle(ctx, conn, frame)
	}
}

// writeLoop drains the outbound queue with a write deadline per frame and
// keeps the peer alive with control pings. It closes the socket on exit.
func (h *WebsocketHandler) writeLoop(ws *websocket.Conn, conn *Connection) {
	pingTicker := time.NewTicker(h.pongWait * 9 / 10)
	defer func() {
		pingTicker.Stop()
		_ = ws.Close()
	}()
	outbound := conn.Outbound()
	for {
		select {
		case frame, ok := <-outbound:
			_ = ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}
