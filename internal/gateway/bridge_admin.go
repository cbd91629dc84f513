package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/apprapid/missionctl/internal/crm"
)

// bridgeHealthResponse is the GET /api/v1/bridge/health payload.
type bridgeHealthResponse struct {
	Status        string    `json:"status"` // healthy, degraded, unhealthy
	Configured    bool      `json:"configured"`
	Activated     bool      `json:"activated"`
	PollerRunning bool      `json:"poller_running"`
	RemoteOK      bool      `json:"remote_ok"`
	RemoteTasks   int64     `json:"remote_tasks,omitempty"`
	RemoteError   string    `json:"remote_error,omitempty"`
	LastPoll      time.Time `json:"last_poll,omitzero"`
	Watermark     time.Time `json:"watermark,omitzero"`
	DedupEntries  int       `json:"dedup_entries"`
	QueueDepth    int       `json:"queue_depth"`
}

func (s *Server) handleBridgeHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	status := s.cfg.Bridge.Status()
	resp := bridgeHealthResponse{
		Configured:    status.Configured,
		Activated:     status.Activated,
		PollerRunning: status.PollerRunning,
		LastPoll:      status.LastPoll,
		Watermark:     status.Watermark,
		DedupEntries:  status.DedupEntries,
		QueueDepth:    status.QueueDepth,
	}

	switch {
	case !status.Configured:
		resp.Status = "unhealthy"
	default:
		count, err := s.cfg.Bridge.ProbeRemote(r.Context())
		if err != nil {
			resp.RemoteError = err.Error()
			resp.Status = "unhealthy"
		} else {
			resp.RemoteOK = true
			resp.RemoteTasks = count
			if status.Activated && status.PollerRunning {
				resp.Status = "healthy"
			} else {
				// Reachable but dormant: no event has woken the bridge yet.
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type bridgePushRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleBridgePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req bridgePushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	res, err := s.cfg.Bridge.TriggerPush(r.Context(), req.TaskID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// bridgePullRequest selects the pull mode: a poll cycle, a full reconcile
// sweep, or a direct single-record apply.
type bridgePullRequest struct {
	Action string          `json:"action,omitempty"`
	Task   *crm.RemoteTask `json:"task,omitempty"`
}

func (s *Server) handleBridgePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req bridgePullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch {
	case req.Task != nil:
		res, err := s.cfg.Bridge.ApplyRemote(r.Context(), *req.Task)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	case req.Action == "poll" || req.Action == "":
		stats, err := s.cfg.Bridge.TriggerPoll(r.Context())
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats)
	case req.Action == "reconcile":
		stats, err := s.cfg.Bridge.Reconcile(r.Context())
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats)
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}
