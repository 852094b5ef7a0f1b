package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zengqingfu1442/onnx-simplifier/internal/dispatch"
	"github.com/zengqingfu1442/onnx-simplifier/internal/model"
)

// eventDone is the SSE event that ends every message stream.
const eventDone = "done"

// handleStreamMessages streams a job's outbound messages as SSE events named
// after their channel. A job that has already settled gets its terminal
// message replayed from storage. The stream always ends with a done event
// carrying the final status.
func (s *Server) handleStreamMessages(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if model.Terminal(job.Status) {
		w.WriteHeader(http.StatusOK)
		msg := terminalMessage(job)
		_ = writeSSEEvent(w, string(msg.Channel), msg.Content)
		_ = writeSSEEvent(w, eventDone, job.Status)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A topic closed after the status check above yields a closed channel.
	// The terminal message is then rebuilt from storage.
	ch, unsub := s.jobs.Broker().Subscribe(job.ID)
	defer unsub()

	messageStreams.Inc()
	defer messageStreams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	sawTerminal := false
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				final, err := s.store.GetJob(r.Context(), job.ID)
				if err != nil {
					s.logger.Error("reload settled job", "job_id", job.ID, "error", err)
					final = job
				}
				if !sawTerminal {
					msg := terminalMessage(final)
					_ = writeSSEEvent(w, string(msg.Channel), msg.Content)
				}
				_ = writeSSEEvent(w, eventDone, final.Status)
				if canFlush {
					flusher.Flush()
				}
				return
			}
			sawTerminal = sawTerminal || msg.Terminal
			if err := writeSSEEvent(w, string(msg.Channel), msg.Content); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// terminalMessage rebuilds the response message of a settled job. A job whose
// stream closed without a recorded outcome is reported as failed.
func terminalMessage(job *model.Job) dispatch.Message {
	if job.Status == model.StatusCompleted {
		return dispatch.Message{RequestID: job.ID, Channel: dispatch.ChannelConvertDone, Content: dispatch.EncodeResult(job.Output), Terminal: true}
	}
	reason := job.Error
	if reason == "" {
		reason = job.Operation + " failed!"
	}
	return dispatch.Message{RequestID: job.ID, Channel: dispatch.ChannelStderr, Content: reason, Terminal: true}
}

// messageHistoryLine is a single relayed line in the history response.
type messageHistoryLine struct {
	Seq       int    `json:"seq"`
	Channel   string `json:"channel"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// messageHistoryResponse is the JSON response for
// GET /v1/conversions/{id}/messages/history.
type messageHistoryResponse struct {
	ConversionID string               `json:"conversion_id"`
	Lines        []messageHistoryLine `json:"lines"`
}

func (s *Server) handleGetMessageHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.lookupJob(w, r); !ok {
		return
	}

	stored, err := s.store.GetMessages(r.Context(), id)
	if err != nil {
		s.logger.Error("get messages", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}

	lines := make([]messageHistoryLine, len(stored))
	for i, l := range stored {
		lines[i] = messageHistoryLine{
			Seq:       l.Seq,
			Channel:   l.Channel,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, messageHistoryResponse{
		ConversionID: id,
		Lines:        lines,
	})
}

// writeSSEEvent writes a named SSE event. Multi-line data is split so that
// each segment gets its own "data:" prefix.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}
