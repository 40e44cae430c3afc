// Package replay delivers queued analytics events once connectivity is back.
package replay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/time/rate"

	"github.com/muandane/special-stack/edgeworker/internal/queue"
)

// Sync tags that trigger a replay.
const (
	TagBackgroundSync = "background-sync"
	TagAnalyticsSync  = "analytics-sync"
)

var (
	deliveredCounter = metrics.NewCounter("edgeworker_replay_events_delivered_total")
	failedCounter    = metrics.NewCounter("edgeworker_replay_events_failed_total")
)

// Queue is the part of the offline buffer the replayer needs.
type Queue interface {
	DrainAll(ctx context.Context) ([]queue.Event, error)
	Remove(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64) error
}

// Doer sends HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Report summarizes one replay pass.
type Report struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Options configures a Replayer.
type Options struct {
	Endpoint string
	APIKey   string
	// Rate limits deliveries per second; zero means unlimited.
	Rate   float64
	Client Doer
	Logger *slog.Logger
}

// Replayer drains the offline buffer against the analytics endpoint.
type Replayer struct {
	queue    Queue
	endpoint string
	apiKey   string
	client   Doer
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu sync.Mutex
}

// New returns a Replayer for q.
func New(q Queue, opts Options) (*Replayer, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("analytics endpoint cannot be empty")
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &Replayer{
		queue:    q,
		endpoint: opts.Endpoint,
		apiKey:   opts.APIKey,
		client:   opts.Client,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   opts.Logger,
	}, nil
}

// Handles reports whether tag triggers a replay.
func Handles(tag string) bool {
	return tag == TagBackgroundSync || tag == TagAnalyticsSync
}

// Replay makes one delivery attempt for every queued event, one at a time
// and in queue order. Delivered events are removed; failed ones stay queued
// for the next trigger. Concurrent calls run one after the other.
func (r *Replayer) Replay(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report Report
	events, err := r.queue.DrainAll(ctx)
	if err != nil {
		return report, fmt.Errorf("read offline queue: %w", err)
	}
	if len(events) == 0 {
		return report, nil
	}

	r.logger.Info("replaying offline analytics events", "count", len(events))
	for _, event := range events {
		if err := r.limiter.Wait(ctx); err != nil {
			return report, err
		}
		report.Attempted++
		logger := r.logger.With("event_id", event.ID)

		if err := r.deliver(ctx, event); err != nil {
			report.Failed++
			failedCounter.Inc()
			logger.Warn("failed to deliver analytics event", "error", err, "attempts", event.Attempts+1)
			if err := r.queue.MarkFailed(ctx, event.ID); err != nil {
				logger.Error("failed to record delivery attempt", "error", err)
			}
			continue
		}

		if err := r.queue.Remove(ctx, event.ID); err != nil {
			// Delivered but still queued; the next pass sends it again.
			logger.Error("failed to remove delivered event", "error", err)
		}
		report.Delivered++
		deliveredCounter.Inc()
	}

	r.logger.Info("replay completed",
		"attempted", report.Attempted,
		"delivered", report.Delivered,
		"failed", report.Failed,
	)
	return report, nil
}

func (r *Replayer) deliver(ctx context.Context, event queue.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(event.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("apikey", r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("analytics endpoint returned %d", resp.StatusCode)
	}
	return nil
}
