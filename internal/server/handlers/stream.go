package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/freema/workflowd/internal/redisclient"
	"github.com/freema/workflowd/internal/registry"
)

// StreamHandler handles SSE streaming of a run's stdout event stream.
type StreamHandler struct {
	reg   *registry.Registry
	redis *redisclient.Client
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(reg *registry.Registry, redis *redisclient.Client) *StreamHandler {
	return &StreamHandler{reg: reg, redis: redis}
}

// Stream handles GET /api/v1/runs/{runID}/stream.
// First replays the buffered history, then subscribes to live stream-json
// lines via Redis Pub/Sub until the run finishes or the client disconnects.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run ID is required")
		return
	}

	run, err := h.reg.Read(r.Context(), runID)
	if err != nil {
		writeAppError(w, err)
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

	rc := http.NewResponseController(w)
	flush := func() { flusher.Flush() }

	isTerminal := run.Status.IsTerminal()

	// Subscribe before replaying history to avoid missing events published
	// between the registry read above and the subscribe call below.
	streamKey := h.redis.Key("run", runID, "stream")
	doneKey := h.redis.Key("run", runID, "done")

	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()

	var msgCh <-chan *redis.Message
	if !isTerminal {
		pubsub := h.redis.Unwrap().Subscribe(subCtx, streamKey, doneKey)
		defer pubsub.Close()
		msgCh = pubsub.Channel()
	}

	writeSSE(w, "connected", map[string]interface{}{
		"run_id": run.RunID,
		"status": run.Status,
	})
	flush()

	historyKey := h.redis.Key("run", runID, "history")
	history, err := h.redis.Unwrap().LRange(r.Context(), historyKey, 0, -1).Result()
	if err == nil && len(history) > 0 {
		for _, msg := range history {
			fmt.Fprintf(w, "data: %s\n\n", msg)
		}
		flush()
	}

	if isTerminal {
		writeSSE(w, "done", map[string]interface{}{
			"run_id": run.RunID,
			"status": run.Status,
		})
		flush()
		return
	}

	maxDuration := 10 * time.Minute
	deadline := time.After(maxDuration)
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	slog.Debug("SSE stream started", "run_id", runID)

	for {
		_ = rc.SetWriteDeadline(time.Now().Add(30 * time.Second))

		select {
		case <-r.Context().Done():
			slog.Debug("SSE client disconnected", "run_id", runID)
			return

		case <-deadline:
			writeSSE(w, "timeout", map[string]string{
				"message": "stream closed after 10 minutes",
			})
			flush()
			slog.Debug("SSE stream timed out", "run_id", runID)
			return

		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flush()

		case msg, ok := <-msgCh:
			if !ok {
				return
			}

			if msg.Channel == doneKey {
				fmt.Fprintf(w, "event: done\ndata: %s\n\n", msg.Payload)
				flush()
				return
			}

			fmt.Fprintf(w, "data: %s\n\n", msg.Payload)
			flush()
		}
	}
}

// writeSSE writes a named SSE event with JSON data.
func writeSSE(w http.ResponseWriter, event string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
}
