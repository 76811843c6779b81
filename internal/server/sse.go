package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/strandloop/strand/pkg/models"
)

// streamEvents writes one JSON object per data: frame until the channel
// closes. A run emits exactly one terminal event (or pauses at
// requires_action), after which the producer closes the channel.
//
// If the client goes away mid-stream the run is cancelled so the
// synchronous emitter does not block forever, and the remaining events
// are drained.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, runID, agentType string, events <-chan models.AgentEvent, cancel func()) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("client disconnected, cancelling run", "run_id", runID)
			cancel()
			for ev := range events {
				s.finishIfSettled(runID, agentType, ev)
			}
			return

		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("marshalling event", "run_id", runID, "type", ev.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			s.finishIfSettled(runID, agentType, ev)
		}
	}
}

// finishIfSettled drops the registry entry once the run can no longer
// be addressed. requires_action keeps the entry alive for resume.
func (s *Server) finishIfSettled(runID, agentType string, ev models.AgentEvent) {
	if s.metrics != nil {
		s.metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	}
	if ev.Type.Terminal() {
		if s.metrics != nil {
			s.metrics.RunsFinished.WithLabelValues(agentType, terminalStatus(ev.Type)).Inc()
		}
		s.registry.remove(runID)
	}
}

func terminalStatus(t models.AgentEventType) string {
	switch t {
	case models.EventRunCompleted:
		return string(models.RunCompleted)
	case models.EventRunFailed:
		return string(models.RunFailed)
	case models.EventRunCancelled:
		return string(models.RunCancelled)
	default:
		return string(t)
	}
}
