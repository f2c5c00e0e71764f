package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamServer keeps an upgraded connection subscribed to the trace until
// the peer leaves.
type StreamServer interface {
	Serve(conn *websocket.Conn) error
}

// StreamHandler upgrades operator connections for the live tail.
type StreamHandler struct {
	stream       StreamServer
	upgrader     websocket.Upgrader
	allowedHosts map[string]bool
	logger       *zap.Logger
}

// NewStreamHandler creates a StreamHandler. Browser origins must match one of
// allowedOrigins; requests without an Origin header are accepted.
func NewStreamHandler(stream StreamServer, allowedOrigins []string, logger *zap.Logger) *StreamHandler {
	h := &StreamHandler{
		stream:       stream,
		allowedHosts: make(map[string]bool),
		logger:       logger,
	}
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			h.allowedHosts["*"] = true
			continue
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			h.allowedHosts[parsed.Host] = true
		}
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedHosts["*"] {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return h.allowedHosts[parsed.Host] || parsed.Host == r.Host
}

// HandleStream handles GET /api/v1/debugger/stream
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Warn("live tail upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("live tail client connected", zap.String("remote", r.RemoteAddr))
	if err := h.stream.Serve(conn); err != nil {
		h.logger.Warn("live tail client refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	h.logger.Info("live tail client disconnected", zap.String("remote", r.RemoteAddr))
}
