package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleEventWS implements GET /api/v1/events/ws, the WebSocket mirror of
// the SSE feed. The connection is write-only; inbound frames are drained
// and dropped.
func (s *Server) handleEventWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library;
		// cross-origin needs an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	s.cfg.Logger.Debug("ws: event client connected")

	ctx := r.Context()
	// Reading in the background surfaces client close promptly.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			wire := toWireEvent(event)
			if wire == nil {
				continue
			}
			if err := wsjson.Write(ctx, conn, wire); err != nil {
				s.cfg.Logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}
