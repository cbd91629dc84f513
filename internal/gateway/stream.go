package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/apprapid/missionctl/internal/bus"
)

// wireEvent is the JSON shape shared by the SSE and WebSocket feeds.
type wireEvent struct {
	Type       string    `json:"type"`
	TaskID     string    `json:"task_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	AgentName  string    `json:"agent_name,omitempty"`
	Message    string    `json:"message,omitempty"`
	SyncSource string    `json:"sync_source,omitempty"`
	Timestamp  time.Time `json:"ts"`
}

// toWireEvent converts a bus event to its wire shape, or nil for topics the
// feeds do not carry.
func toWireEvent(ev bus.Event) *wireEvent {
	out := &wireEvent{Type: ev.Topic, Timestamp: time.Now().UTC()}
	switch payload := ev.Payload.(type) {
	case bus.TaskEvent:
		out.TaskID = payload.TaskID
		out.Title = payload.Title
		out.Status = payload.Status
		out.Priority = payload.Priority
		out.SyncSource = payload.SyncSource
	case bus.TaskDeletedEvent:
		out.TaskID = payload.TaskID
		out.Title = payload.Title
	case bus.ActivityEvent:
		out.TaskID = payload.TaskID
		out.AgentID = payload.AgentID
		out.Message = payload.Message
	case bus.DeliverableEvent:
		out.TaskID = payload.TaskID
		out.Title = payload.Title
	case bus.AgentEvent:
		out.AgentName = payload.AgentName
		out.TaskID = payload.TaskID
		out.Message = payload.Summary
	default:
		return nil
	}
	return out
}

// handleEventStream implements GET /api/v1/events/stream, an SSE feed of
// every task and agent bus event.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Debug("sse: client disconnected")
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			wire := toWireEvent(event)
			if wire == nil {
				continue
			}
			data, err := json.Marshal(wire)
			if err != nil {
				s.cfg.Logger.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				s.cfg.Logger.Debug("sse: write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
