package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomstack/loom/agent"
	"github.com/loomstack/loom/internal/ctxkeys"
	"github.com/loomstack/loom/internal/pool"
	"github.com/loomstack/loom/store"
	"github.com/loomstack/loom/workflow"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := map[string]string{}

	if err := s.dbPool.Ping(r.Context()); err != nil {
		status = "degraded"
		checks["database"] = err.Error()
	} else {
		checks["database"] = "ok"
	}
	if s.cacheMgr != nil {
		if err := s.cacheMgr.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["cache"] = err.Error()
		} else {
			checks["cache"] = "ok"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// --- workflow lifecycle ---

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	var cfg workflow.Config
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	// Lenient pass: the raw draft is stored as-is, but the response tells
	// the editor how much of it is currently well-formed.
	nodes, edges := s.engine.Validator().ValidateDraft(&cfg)
	if err := s.store.Workflows.SaveDraft(r.Context(), &cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          cfg.ID,
		"valid_nodes": len(nodes),
		"valid_edges": len(edges),
	})
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.Workflows.LoadDraft(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrWorkflowNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.Workflows.Publish(r.Context(), id, s.engine.Validator())
	if err != nil {
		var verr *workflow.ValidationError
		switch {
		case errors.Is(err, store.ErrWorkflowNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &verr):
			writeError(w, http.StatusUnprocessableEntity, verr.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "published"})
}

type runRequest struct {
	Inputs map[string]any `json:"inputs"`
}

func (s *Server) loadPublished(w http.ResponseWriter, r *http.Request) (*workflow.Config, bool) {
	cfg, err := s.store.Workflows.LoadPublished(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrWorkflowNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, store.ErrNotPublished):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return cfg, true
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.loadPublished(w, r)
	if !ok {
		return
	}
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := s.engine.Run(r.Context(), cfg, req.Inputs)
	if err != nil {
		var verr *workflow.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// sseFrame is the serialized form of one workflow stream event. The
// execution error is flattened to a string for the wire.
type sseFrame struct {
	Kind   workflow.EventKind   `json:"event"`
	Result *workflow.NodeResult `json:"result,omitempty"`
	State  *workflow.State      `json:"state,omitempty"`
	Error  string               `json:"error,omitempty"`
}

func (s *Server) handleRunWorkflowStream(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.loadPublished(w, r)
	if !ok {
		return
	}
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.engine.RunStream(r.Context(), cfg, req.Inputs)
	if err != nil {
		var verr *workflow.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for ev := range events {
		frame := sseFrame{Kind: ev.Kind, Result: ev.Result, State: ev.State}
		if ev.Err != nil {
			frame.Error = ev.Err.Error()
		}
		data, err := json.Marshal(frame)
		if err != nil {
			s.logger.Error("marshal stream event", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// --- agent chat ---

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Query          string `json:"query"`
	UserID         string `json:"user_id"`
	PresetPrompt   string `json:"preset_prompt,omitempty"`
	// MemorySummary is a previously summarized long-term memory of the
	// conversation, recalled into the system prompt when present.
	MemorySummary string `json:"memory_summary,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		writeError(w, http.StatusServiceUnavailable, "no llm provider configured")
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	ctx := ctxkeys.WithUserID(r.Context(), req.UserID)
	ctx = ctxkeys.WithInvokeSource(ctx, string(agent.InvokeFromServiceAPI))

	history, err := s.store.Messages.History(ctx, req.ConversationID, s.cfg.Agent.HistoryLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	taskID := uuid.NewString()
	ctx = ctxkeys.WithTaskID(ctx, taskID)

	q, err := agent.NewQueue(ctx, taskID, req.UserID, agent.InvokeFromServiceAPI, s.cacheMgr, s.logger)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	preset := req.PresetPrompt
	if preset == "" {
		preset = s.cfg.Agent.PresetPrompt
	}
	runner, err := agent.NewRunner(agent.Config{
		UserID:       req.UserID,
		InvokeFrom:   agent.InvokeFromServiceAPI,
		PresetPrompt: preset,
		Memory: agent.LongTermMemory{
			Enabled: req.MemorySummary != "",
			Summary: req.MemorySummary,
		},
		Review:        s.reviewConfig(),
		Tools:         s.agentTools,
		MaxIterations: s.cfg.Agent.MaxIterations,
	}, s.provider, s.collector, s.logger)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	err = s.tasks.Submit(ctx, func(taskCtx context.Context) error {
		return runner.Run(taskCtx, q, req.Query, history)
	})
	if err != nil {
		if errors.Is(err, pool.ErrPoolFull) {
			writeError(w, http.StatusTooManyRequests, "too many concurrent tasks")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Task-ID", taskID)

	started := time.Now()
	acc := agent.NewAccumulator()
	status := store.MessageStatusNormal

	for t := range q.Listen(ctx) {
		acc.Add(t)
		s.collector.RecordAgentEvent(string(t.Event))
		switch t.Event {
		case agent.EventStop:
			status = store.MessageStatusStopped
		case agent.EventTimeout:
			status = store.MessageStatusTimeout
		case agent.EventError:
			status = store.MessageStatusError
		}
		if err := agent.WriteSSE(w, t); err != nil {
			s.logger.Warn("client stream write failed", zap.Error(err))
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
		if t.Event.Terminal() {
			break
		}
	}

	s.persistExchange(taskID, req, acc, status, time.Since(started))
}

// persistExchange records the completed exchange and its reasoning trace.
// It runs on a fresh context so a closed client connection cannot lose the
// write.
func (s *Server) persistExchange(taskID string, req chatRequest, acc *agent.Accumulator, status string, latency time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	thoughts := acc.Thoughts()
	answer := ""
	totalTokens := 0
	totalPrice := 0.0
	for _, t := range thoughts {
		switch t.Event {
		case agent.EventAgentMessage:
			answer += t.Answer
		case agent.EventAgentEnd:
			totalTokens = t.TotalTokens
			totalPrice = t.TotalPrice
		}
	}

	rec := &store.MessageRecord{
		ID:             taskID,
		ConversationID: req.ConversationID,
		Query:          req.Query,
		Answer:         answer,
		Status:         status,
		TotalTokens:    totalTokens,
		TotalPrice:     totalPrice,
		Latency:        latency.Seconds(),
	}
	if err := s.store.Messages.Save(ctx, rec); err != nil {
		s.logger.Error("persist message failed", zap.Error(err))
		return
	}
	if err := s.store.Thoughts.SaveRun(ctx, rec.ID, thoughts); err != nil {
		s.logger.Error("persist thoughts failed", zap.Error(err))
	}
}

type stopRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleStopChat(w http.ResponseWriter, r *http.Request) {
	if s.cacheMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "task stop requires redis")
		return
	}
	var req stopRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID := r.PathValue("task_id")
	err := agent.Stop(r.Context(), taskID, agent.InvokeFromServiceAPI, req.UserID, s.cacheMgr)
	if err != nil {
		if errors.Is(err, agent.ErrNotTaskOwner) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "stopping"})
}
