package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wireEvent is one frame on the /v1/events stream.
type wireEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

const writeTimeout = 5 * time.Second

// handleEvents streams bus events to a websocket client. The topic query
// parameter narrows the stream to a prefix (default: every task event).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "event bus not configured")
		return
	}
	prefix := strings.TrimSpace(r.URL.Query().Get("topic"))
	if prefix == "" {
		prefix = "task."
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)
	s.logger.Info("ws: client connected", "topic", prefix)

	// The client never sends; CloseRead handles pings and reports the close.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("ws: client disconnected", "topic", prefix)
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, wireEvent{Topic: ev.Topic, Payload: ev.Payload})
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed, closing", "error", err)
				_ = conn.Close(websocket.StatusPolicyViolation, "write failed")
				return
			}
		}
	}
}
