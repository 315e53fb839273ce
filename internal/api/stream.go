package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kylemclaren/patrol-tasks/internal/recurrence"
	"github.com/kylemclaren/patrol-tasks/internal/stream"
)

const heartbeatInterval = 15 * time.Second

// StreamOccurrence handles GET /api/v1/tasks/{id}/occurrences/{date}/stream
// Progress of the occurrence is pushed as server-sent events until it
// completes or the client goes away.
func (s *Server) StreamOccurrence(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	date, err := recurrence.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	key := stream.Key(task.ID, date)
	clientID := uuid.NewString()
	client := s.streamMgr.Subscribe(key, clientID)
	defer s.streamMgr.Unsubscribe(key, clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done:
			return
		case ev := <-client.Progress:
			if err := writeEvent(w, "progress", ev); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-client.Complete:
			// flush pending progress before the terminal event
			for drained := false; !drained; {
				select {
				case p := <-client.Progress:
					if err := writeEvent(w, "progress", p); err != nil {
						return
					}
				default:
					drained = true
				}
			}
			if err := writeEvent(w, "complete", ev); err == nil {
				flusher.Flush()
			}
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
