package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mux-ai/mux/internal/event"
	"github.com/mux-ai/mux/internal/logging"
	"github.com/mux-ai/mux/pkg/types"
)

// SSEHeartbeatInterval is how often an idle event stream sends a comment to
// keep intermediaries from closing the connection.
const SSEHeartbeatInterval = 30 * time.Second

// sseEventBuffer bounds the per-connection queue. A slow client drops
// events rather than stalling the bus.
const sseEventBuffer = 256

type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, rc: http.NewResponseController(w)}, nil
}

func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) writeHeartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// allEvents streams every bus event over SSE.
func (s *Server) allEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, "")
}

// workspaceEvents streams events scoped to one workspace.
func (s *Server) workspaceEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, workspaceID(r))
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, ws types.WorkspaceID) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := sse.writeEvent("server.connected", map[string]any{}); err != nil {
		return
	}

	events := make(chan event.Event, sseEventBuffer)
	unsub := s.bus.SubscribeAll(func(ev event.Event) {
		if ws != "" && ev.Workspace != ws {
			return
		}
		select {
		case events <- ev:
		default:
			// Slow client; drop rather than block the bus.
		}
	})
	defer unsub()

	heartbeat := time.NewTicker(SSEHeartbeatInterval)
	defer heartbeat.Stop()

	log := logging.ForComponent("sse")
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			if err := sse.writeEvent(string(ev.Type), ev); err != nil {
				log.Debug().Err(err).Msg("sse write failed, closing")
				return
			}
		case <-heartbeat.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}
