package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"patchwork/internal/apperrors"
	"patchwork/internal/job"
)

// StreamLogs handles GET /v1/jobs/{jobId}/stream - server-sent events.
//
// Frames are written as `data: <json>` with event types connected, logs,
// status, finished and error. The connection closes when the job reaches a
// terminal status or the client disconnects.
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	// Ownership check up front so unauthorized observers get a proper 403
	// instead of an open stream.
	if _, err := h.svc.Get(r.Context(), credentials(r), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.handleError(w, r, apperrors.Internal("stream", fmt.Errorf("response writer does not support flushing")))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(event job.StreamEvent) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	_ = h.streamer.Stream(r.Context(), jobID, emit)
}
