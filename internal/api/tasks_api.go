package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ktstudio/ktstudio/internal/app/batch"
	"github.com/ktstudio/ktstudio/internal/domain"
	"github.com/ktstudio/ktstudio/internal/health"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

type createTaskRequest struct {
	Kind    string          `json:"kind"`
	Owner   domain.Owner    `json:"owner"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	payload, err := domain.DecodePayload(kind, req.Payload)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	task, err := s.tasks.Create(r.Context(), kind, req.Owner, payload)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := s.tasks.List(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid task id %q", part))
			return
		}
		ids = append(ids, id)
	}
	statuses, err := s.tasks.StatusOf(r.Context(), ids)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	cancelled, err := s.tasks.Cancel(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": cancelled})
}

func (s *Server) handleGlobalStop(w http.ResponseWriter, r *http.Request) {
	ids, err := s.tasks.GlobalStop(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": ids})
}

// handleDeleteTasks clears terminal tasks (mode=clear, the default) or
// removes every task of the owner (mode=reset).
func (s *Server) handleDeleteTasks(w http.ResponseWriter, r *http.Request) {
	owner, err := parseOwner(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var n int64
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "clear":
		n, err = s.tasks.ClearLogs(r.Context(), owner)
	case "reset":
		n, err = s.tasks.ForceReset(r.Context(), owner)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid mode %q (want clear or reset)", mode))
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// handleTaskEvents streams a task's events as SSE until a terminal event,
// the client leaving, or the hub closing.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before reading the snapshot so no transition falls between.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch, err := s.events.Subscribe(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	task, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writer := bufio.NewWriter(w)
	send := func(event string, v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", event, data)
		writer.Flush()
		flusher.Flush()
	}

	// The current state goes first so late subscribers see where the task is.
	send("snapshot", task)
	if task.IsTerminal() {
		return
	}
	for ev := range ch {
		send(string(ev.Type), ev)
		if ev.Terminal() {
			return
		}
	}
}

// ─── Batch ──────────────────────────────────────────────────────────────────

// handleBatch starts a flow in the background and answers 202 at once.
func (s *Server) handleBatch(flow batch.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.batch == nil {
			writeError(w, http.StatusServiceUnavailable, "batch supervisor not enabled")
			return
		}
		projectID, err := strconv.ParseInt(chi.URLParam(r, "project"), 10, 64)
		if err != nil || projectID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid project id")
			return
		}

		ctx := context.WithoutCancel(s.background)
		log := s.log.With(zap.String("flow", string(flow)), zap.Int64("project_id", projectID))
		go func() {
			rep, err := s.batch.Run(ctx, flow, projectID)
			if err != nil {
				log.Warn("batch ended early", zap.Error(err), zap.Any("report", rep))
				return
			}
			log.Info("batch finished", zap.Any("report", rep))
		}()

		writeJSON(w, http.StatusAccepted, map[string]any{
			"flow":       flow,
			"project_id": projectID,
			"status":     "started",
		})
	}
}

// ─── System ─────────────────────────────────────────────────────────────────

func (s *Server) handleSystemLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "system log not enabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	logs, err := s.logs.ListLogs(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if logs == nil {
		logs = []domain.SystemLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	checks := s.health.Statuses()
	if checks == nil {
		checks = []health.Status{}
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// ─── Request Parsing ────────────────────────────────────────────────────────

func taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return 0, false
	}
	return id, true
}

func parseOwner(r *http.Request) (domain.Owner, error) {
	var o domain.Owner
	q := r.URL.Query()
	for _, f := range []struct {
		key string
		dst *int64
	}{
		{"project_id", &o.ProjectID},
		{"character_id", &o.CharacterID},
		{"scene_id", &o.SceneID},
		{"video_id", &o.VideoID},
	} {
		v := q.Get(f.key)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return o, fmt.Errorf("invalid %s %q", f.key, v)
		}
		*f.dst = n
	}
	return o, nil
}

func parseFilter(r *http.Request) (domain.TaskFilter, error) {
	owner, err := parseOwner(r)
	if err != nil {
		return domain.TaskFilter{}, err
	}
	f := domain.TaskFilter{Owner: owner}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		st := domain.TaskStatus(v)
		switch st {
		case domain.TaskQueued, domain.TaskRunning, domain.TaskDone, domain.TaskFailed:
			f.Status = st
		default:
			return f, fmt.Errorf("invalid status %q", v)
		}
	}
	if v := q.Get("kind"); v != "" {
		k, err := domain.ParseKind(v)
		if err != nil {
			return f, err
		}
		f.Kind = k
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}
