package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mux-ai/mux/internal/bgprocess"
	"github.com/mux-ai/mux/internal/engine"
	"github.com/mux-ai/mux/internal/history"
	"github.com/mux-ai/mux/internal/logging"
	"github.com/mux-ai/mux/pkg/types"
)

func workspaceID(r *http.Request) types.WorkspaceID {
	return types.WorkspaceID(chi.URLParam(r, "workspaceID"))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SendMessageRequest is the body of POST /workspace/{id}/message.
type SendMessageRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// sendMessage starts the agentic loop for a workspace. The response returns
// immediately; progress is delivered over the event feed.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r)

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text is required")
		return
	}
	if s.engine.State(ws) != engine.StateIdle {
		writeError(w, http.StatusConflict, ErrCodeAlreadyStreaming, "workspace is already streaming")
		return
	}

	go func() {
		err := s.engine.SendMessage(context.Background(), ws, req.Text, req.Model)
		if err != nil && !errors.Is(err, engine.ErrAlreadyStreaming) {
			logging.Warn().Err(err).Str("workspace", ws.String()).Msg("send message failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// InterruptRequest is the body of POST /workspace/{id}/interrupt.
type InterruptRequest struct {
	Soft    bool `json:"soft,omitempty"`
	Salvage bool `json:"salvage,omitempty"`
}

func (s *Server) interrupt(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r)

	var req InterruptRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
			return
		}
	}

	err := s.engine.Interrupt(ws, engine.InterruptOptions{Soft: req.Soft, Salvage: req.Salvage})
	if errors.Is(err, engine.ErrNotStreaming) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no active stream")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) compact(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Compact(r.Context(), workspaceID(r)); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state": s.engine.State(workspaceID(r)),
	})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.history.Entries(r.Context(), workspaceID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) getPartial(w http.ResponseWriter, r *http.Request) {
	p, err := s.history.ReadPartial(r.Context(), workspaceID(r))
	if errors.Is(err, history.ErrNoPartial) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no partial entry")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SpawnProcessRequest is the body of POST /workspace/{id}/process.
type SpawnProcessRequest struct {
	Script string `json:"script"`
}

func (s *Server) spawnProcess(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r)

	var req SpawnProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Script == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "script is required")
		return
	}

	id, err := s.processes.Spawn(r.Context(), ws, req.Script, bgprocess.SpawnOptions{})
	switch {
	case errors.Is(err, bgprocess.ErrInvalidScript):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, bgprocess.ErrNoExecutor):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "unknown workspace")
	case err != nil:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, map[string]string{"processID": id})
	}
}

func (s *Server) listProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"processes": s.processes.List(workspaceID(r)),
	})
}

func (s *Server) readProcess(w http.ResponseWriter, r *http.Request) {
	ws := workspaceID(r)
	id := chi.URLParam(r, "processID")

	opts := bgprocess.ReadOptions{
		Filter: r.URL.Query().Get("filter"),
		Peek:   r.URL.Query().Get("peek") == "true",
	}
	if tail := r.URL.Query().Get("tail"); tail != "" {
		n, err := strconv.Atoi(tail)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "tail must be a non-negative integer")
			return
		}
		opts.TailLines = n
	}

	res, err := s.processes.Read(ws, id, opts)
	switch {
	case errors.Is(err, bgprocess.ErrProcessNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "process not found")
	case errors.Is(err, bgprocess.ErrBadFilter):
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) terminateProcess(w http.ResponseWriter, r *http.Request) {
	err := s.processes.Terminate(workspaceID(r), chi.URLParam(r, "processID"))
	switch {
	case errors.Is(err, bgprocess.ErrProcessNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "process not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	default:
		writeSuccess(w)
	}
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.providers.AllModels()})
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg := *s.appConfig
	// API keys never leave the process.
	redacted := make(map[string]any, len(cfg.Provider))
	for name, p := range cfg.Provider {
		redacted[name] = map[string]any{
			"baseURL":  p.BaseURL,
			"model":    p.Model,
			"disabled": p.Disabled,
			"hasKey":   p.APIKey != "",
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"model":      cfg.Model,
		"smallModel": cfg.SmallModel,
		"provider":   redacted,
	})
}
