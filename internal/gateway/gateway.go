// Package gateway is the local HTTP surface: task CRUD, agent roster,
// event feeds (REST, SSE and WebSocket) and the bridge admin endpoints.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/apprapid/missionctl/internal/bridge"
	"github.com/apprapid/missionctl/internal/bus"
	"github.com/apprapid/missionctl/internal/persistence"
)

// Config holds the gateway dependencies.
type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Bridge *bridge.Service
	Logger *slog.Logger

	// AuthToken protects every endpoint except /healthz. Empty means all
	// authorized requests are rejected.
	AuthToken string

	// AllowOrigins is the CORS and WebSocket origin allowlist. Empty means
	// same-origin only.
	AllowOrigins []string
}

// Server serves the REST API.
type Server struct {
	cfg Config
}

// New creates a gateway server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/events/stream", s.handleEventStream)
	mux.HandleFunc("/api/v1/events/ws", s.handleEventWS)
	mux.HandleFunc("/api/v1/bridge/health", s.handleBridgeHealth)
	mux.HandleFunc("/api/v1/bridge/push", s.handleBridgePush)
	mux.HandleFunc("/api/v1/bridge/pull", s.handleBridgePull)

	var h http.Handler = mux
	h = corsMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.CountTasks(r.Context()); err != nil {
		dbOK = false
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": dbOK, "db_ok": dbOK})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.listTasks(w, r)
	case http.MethodPost:
		s.createTask(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	tasks, total, err := s.cfg.Store.ListTasks(r.Context(), statusFilter, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

type createTaskRequest struct {
	Title            string `json:"title"`
	Description      string `json:"description"`
	Status           string `json:"status"`
	Priority         string `json:"priority"`
	AssignedAgentID  string `json:"assigned_agent_id"`
	CreatedByAgentID string `json:"created_by_agent_id"`
	DueDate          string `json:"due_date"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	body, err := validateBody(r, createTaskSchema)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req createTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task := &persistence.Task{
		Title:            req.Title,
		Description:      req.Description,
		Status:           persistence.TaskStatus(req.Status),
		Priority:         persistence.TaskPriority(req.Priority),
		AssignedAgentID:  req.AssignedAgentID,
		CreatedByAgentID: req.CreatedByAgentID,
		DueDate:          req.DueDate,
	}
	if err := s.cfg.Store.CreateTask(r.Context(), task); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.recordEvent(r, "task_created", req.CreatedByAgentID, task.ID,
		fmt.Sprintf("Task %q created", task.Title))
	writeJSON(w, http.StatusCreated, task)
}

// handleTaskByID routes /api/v1/tasks/{id} and its activity and deliverable
// subresources.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusNotFound, "task id required")
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "activities":
			s.handleActivities(w, r, id)
		case "deliverables":
			s.handleDeliverables(w, r, id)
		default:
			writeError(w, http.StatusNotFound, "not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, err := s.cfg.Store.GetTask(r.Context(), id)
		if err != nil {
			s.taskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodPatch:
		s.updateTask(w, r, id)
	case http.MethodDelete:
		if err := s.cfg.Store.DeleteTask(r.Context(), id); err != nil {
			s.taskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type updateTaskRequest struct {
	Title            *string `json:"title"`
	Description      *string `json:"description"`
	Status           *string `json:"status"`
	Priority         *string `json:"priority"`
	AssignedAgentID  *string `json:"assigned_agent_id"`
	DueDate          *string `json:"due_date"`
	UpdatedByAgentID string  `json:"updated_by_agent_id"`
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request, id string) {
	body, err := validateBody(r, updateTaskSchema)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req updateTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	existing, err := s.cfg.Store.GetTask(ctx, id)
	if err != nil {
		s.taskError(w, err)
		return
	}

	// Agent-initiated review→complete moves need the master agent's
	// sign-off. User-initiated moves (no agent id) pass through.
	if req.Status != nil && persistence.TaskStatus(*req.Status) == persistence.StatusComplete &&
		existing.Status == persistence.StatusReview && req.UpdatedByAgentID != "" {
		agent, err := s.cfg.Store.GetAgent(ctx, req.UpdatedByAgentID)
		if err != nil || !agent.IsMaster {
			writeError(w, http.StatusForbidden, "only the master agent can approve tasks in review")
			return
		}
	}

	upd := persistence.TaskUpdate{
		Title:           req.Title,
		Description:     req.Description,
		Priority:        (*persistence.TaskPriority)(req.Priority),
		AssignedAgentID: req.AssignedAgentID,
		DueDate:         req.DueDate,
	}
	if req.Status != nil {
		status := persistence.TaskStatus(*req.Status)
		upd.Status = &status
	}
	task, err := s.cfg.Store.UpdateTask(ctx, id, upd)
	if err != nil {
		s.taskError(w, err)
		return
	}

	if req.Status != nil && persistence.TaskStatus(*req.Status) != existing.Status {
		eventType := "task_status_changed"
		if task.Status == persistence.StatusComplete {
			eventType = "task_completed"
		}
		s.recordEvent(r, eventType, req.UpdatedByAgentID, id,
			fmt.Sprintf("Task %q moved to %s", existing.Title, task.Status))
	}
	if req.AssignedAgentID != nil && *req.AssignedAgentID != existing.AssignedAgentID && *req.AssignedAgentID != "" {
		if agent, err := s.cfg.Store.GetAgent(ctx, *req.AssignedAgentID); err == nil {
			s.recordEvent(r, "task_assigned", agent.ID, id,
				fmt.Sprintf("%q assigned to %s", existing.Title, agent.Name))
		}
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		activities, err := s.cfg.Store.ListActivities(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activities": activities})
	case http.MethodPost:
		var a persistence.Activity
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		a.TaskID = taskID
		if err := s.cfg.Store.InsertActivity(r.Context(), &a); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, a)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleDeliverables(w http.ResponseWriter, r *http.Request, taskID string) {
	switch r.Method {
	case http.MethodGet:
		deliverables, err := s.cfg.Store.ListDeliverables(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deliverables": deliverables})
	case http.MethodPost:
		var d persistence.Deliverable
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		d.TaskID = taskID
		if err := s.cfg.Store.InsertDeliverable(r.Context(), &d); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, d)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	agents, err := s.cfg.Store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.cfg.Store.ListRecentEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) taskError(w http.ResponseWriter, err error) {
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// recordEvent appends an audit-feed row; failures are logged, never
// surfaced to the client.
func (s *Server) recordEvent(r *http.Request, typ, agentID, taskID, message string) {
	if err := s.cfg.Store.InsertEvent(r.Context(), typ, agentID, taskID, message); err != nil {
		s.cfg.Logger.Warn("failed to record event", "type", typ, "task_id", taskID, "error", err)
	}
}
