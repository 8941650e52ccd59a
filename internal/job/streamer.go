package job

import (
	"context"
	"errors"
	"time"

	"patchwork/internal/apperrors"
)

// Stream event types.
const (
	EventConnected = "connected"
	EventLogs      = "logs"
	EventStatus    = "status"
	EventFinished  = "finished"
	EventError     = "error"
)

// StreamEvent is one frame pushed to a log stream observer.
type StreamEvent struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId,omitempty"`
	Logs    string `json:"logs,omitempty"`
	Status  Status `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// EmitFunc delivers an event to the observer. Returning an error stops the
// stream (observer gone).
type EmitFunc func(StreamEvent) error

// Streamer pushes log/status deltas to observers by polling the store.
//
// This is a pull-based simulation of push delivery: it trades event-driven
// immediacy for resilience against missed notifications, at the cost of
// latency bounded by the poll interval. The per-connection log cursor lives
// on the stack of Stream, owned by the connection.
type Streamer struct {
	store    Store
	interval time.Duration
}

// NewStreamer creates a streamer. Non-positive interval defaults to 2s.
func NewStreamer(store Store, interval time.Duration) *Streamer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Streamer{store: store, interval: interval}
}

// Stream emits events for one observer until the job reaches a terminal
// state, the job disappears, or ctx is cancelled (observer disconnect).
// The first pass runs immediately, subsequent passes on the interval.
func (s *Streamer) Stream(ctx context.Context, jobID string, emit EmitFunc) error {
	if err := emit(StreamEvent{Type: EventConnected, JobID: jobID}); err != nil {
		return nil
	}

	cursor := 0
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if done := s.pass(ctx, jobID, &cursor, emit); done {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// pass runs one poll cycle. Returns true when the stream should close.
func (s *Streamer) pass(ctx context.Context, jobID string, cursor *int, emit EmitFunc) bool {
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			_ = emit(StreamEvent{Type: EventError, JobID: jobID, Message: "job not found"})
			return true
		}
		// Transient store trouble: report it and keep the connection open.
		if emit(StreamEvent{Type: EventError, JobID: jobID, Message: err.Error()}) != nil {
			return true
		}
		return false
	}

	logs, err := s.store.Logs(ctx, jobID)
	if err == nil && len(logs) > *cursor {
		delta := logs[*cursor:]
		if emit(StreamEvent{Type: EventLogs, JobID: jobID, Logs: delta}) != nil {
			return true
		}
		*cursor = len(logs)
	}

	if emit(StreamEvent{Type: EventStatus, JobID: jobID, Status: j.Status}) != nil {
		return true
	}

	if j.Status.Terminal() {
		_ = emit(StreamEvent{Type: EventFinished, JobID: jobID, Status: j.Status})
		return true
	}
	return false
}
