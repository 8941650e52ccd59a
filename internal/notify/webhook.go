// Package notify delivers signed webhook notifications for terminal jobs.
// Delivery is asynchronous: events are queued in a bounded buffer and
// delivered by a worker pool with retries; a full buffer drops the event.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"patchwork/internal/job"
	"patchwork/pkg/backoff"
	"patchwork/pkg/circuitbreaker"
)

// Event types delivered to the webhook destination.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Event is the JSON payload posted to the webhook destination.
type Event struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	JobID   string       `json:"jobId"`
	Title   string       `json:"title"`
	Author  string       `json:"author"`
	Status  job.Status   `json:"status"`
	Changes *job.Changes `json:"changes,omitempty"`
	Time    time.Time    `json:"time"`
}

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordWebhookDelivered(ctx context.Context, durationSeconds float64)
	RecordWebhookFailed(ctx context.Context)
	RecordWebhookDropped(ctx context.Context)
}

// Config holds configuration for the webhook notifier.
type Config struct {
	URL              string        // destination, empty disables notifications
	SigningKey       string        // HMAC key for X-Signature-256, empty = unsigned
	Workers          int           // delivery workers (default 2)
	BufferSize       int           // queue capacity (default 64)
	MaxRetries       int           // attempts per event (default 3)
	HTTPTimeout      time.Duration // per-request timeout (default 10s)
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}

// Webhook is an async notifier posting job lifecycle events.
type Webhook struct {
	cfg     Config
	queue   chan *Event
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  backoff.Policy
	logger  *slog.Logger
	metrics MetricsRecorder

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a webhook notifier and starts its workers.
func New(cfg Config, metrics MetricsRecorder) *Webhook {
	cfg = cfg.withDefaults()

	w := &Webhook{
		cfg:   cfg,
		queue: make(chan *Event, cfg.BufferSize),
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker:  circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
		policy:   backoff.Default(),
		logger:   slog.With("component", "webhook"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	w.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go w.worker()
	}

	w.logger.Info("Webhook notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return w
}

// JobFinished implements job.Notifier. Non-blocking: a full queue drops the
// event with a counter rather than stalling the processor.
func (w *Webhook) JobFinished(j *job.Job) {
	eventType := EventJobCompleted
	if j.Status == job.StatusFailed {
		eventType = EventJobFailed
	}

	event := &Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		JobID:   j.ID,
		Title:   j.Title,
		Author:  j.Author,
		Status:  j.Status,
		Changes: j.Changes,
		Time:    time.Now().UTC(),
	}

	if w.closed.Load() {
		w.drop(event, "notifier closed")
		return
	}

	select {
	case w.queue <- event:
	default:
		w.drop(event, "buffer full")
	}
}

func (w *Webhook) drop(event *Event, reason string) {
	w.dropped.Add(1)
	if w.metrics != nil {
		w.metrics.RecordWebhookDropped(context.Background())
	}
	w.logger.Warn("Dropped webhook event", "jobId", event.JobID, "reason", reason)
}

func (w *Webhook) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.shutdown:
			// Drain what is already queued, then exit.
			for {
				select {
				case event := <-w.queue:
					w.deliver(event)
				default:
					return
				}
			}
		case event := <-w.queue:
			w.deliver(event)
		}
	}
}

func (w *Webhook) deliver(event *Event) {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		err := w.breaker.Do(func() error {
			return w.send(event)
		})
		if err == nil {
			w.delivered.Add(1)
			if w.metrics != nil {
				w.metrics.RecordWebhookDelivered(context.Background(), time.Since(start).Seconds())
			}
			return
		}
		lastErr = err
		if attempt < w.cfg.MaxRetries {
			time.Sleep(w.policy.Delay(attempt))
		}
	}

	w.failed.Add(1)
	if w.metrics != nil {
		w.metrics.RecordWebhookFailed(context.Background())
	}
	w.logger.Warn("Webhook delivery failed", "jobId", event.JobID, "error", lastErr)
}

func (w *Webhook) send(event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.SigningKey != "" {
		req.Header.Set("X-Signature-256", Sign(body, w.cfg.SigningKey))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("HTTP %d", resp.StatusCode)
}

// Sign computes the HMAC-SHA256 signature header value for a payload.
func Sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Stats holds delivery counters.
type Stats struct {
	Delivered int64
	Failed    int64
	Dropped   int64
}

// Stats returns current delivery counters.
func (w *Webhook) Stats() Stats {
	return Stats{
		Delivered: w.delivered.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
	}
}

// Close stops accepting events and waits for queued deliveries until the
// context deadline.
func (w *Webhook) Close(ctx context.Context) error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(w.shutdown)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ job.Notifier = (*Webhook)(nil)
