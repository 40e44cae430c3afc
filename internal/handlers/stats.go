package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/muandane/special-stack/edgeworker/internal/cache"
	"github.com/muandane/special-stack/edgeworker/internal/lifecycle"
	"github.com/muandane/special-stack/edgeworker/internal/replay"
	"github.com/muandane/special-stack/edgeworker/internal/strategy"
)

// Stats counts how proxied requests were answered.
type Stats struct {
	requests    atomic.Uint64
	network     atomic.Uint64
	cacheHits   atomic.Uint64
	fallbacks   atomic.Uint64
	passthrough atomic.Uint64
	unavailable atomic.Uint64
}

func NewStats() *Stats {
	return &Stats{}
}

// Record counts a response by source.
func (s *Stats) Record(source string) {
	s.requests.Add(1)
	switch source {
	case string(strategy.SourceNetwork):
		s.network.Add(1)
	case string(strategy.SourceCache):
		s.cacheHits.Add(1)
	case string(strategy.SourceFallback):
		s.fallbacks.Add(1)
	case SourcePassthrough:
		s.passthrough.Add(1)
	}
}

// RecordUnavailable counts a request that could not be answered at all.
func (s *Stats) RecordUnavailable() {
	s.requests.Add(1)
	s.unavailable.Add(1)
}

// Counters is the JSON view of Stats.
type Counters struct {
	TotalRequests uint64  `json:"total_requests"`
	Network       uint64  `json:"network"`
	CacheHits     uint64  `json:"cache_hits"`
	Fallbacks     uint64  `json:"fallbacks"`
	Passthrough   uint64  `json:"passthrough"`
	Unavailable   uint64  `json:"unavailable"`
	CacheHitRatio float64 `json:"cache_hit_ratio"`
}

// Counters returns a snapshot of the counters.
func (s *Stats) Counters() Counters {
	c := Counters{
		TotalRequests: s.requests.Load(),
		Network:       s.network.Load(),
		CacheHits:     s.cacheHits.Load(),
		Fallbacks:     s.fallbacks.Load(),
		Passthrough:   s.passthrough.Load(),
		Unavailable:   s.unavailable.Load(),
	}
	if intercepted := c.TotalRequests - c.Passthrough; intercepted > 0 {
		c.CacheHitRatio = float64(c.CacheHits) / float64(intercepted) * 100
	}
	return c
}

// WorkerStatus is the part of the worker the stats report reads.
type WorkerStatus interface {
	Version() string
	State() lifecycle.State
	Active() bool
	Store() cache.Store
	LastReplay() (replay.Report, bool)
}

// QueueCounter reports the number of buffered analytics events.
type QueueCounter interface {
	Count(ctx context.Context) (int, error)
}

type StatsReport struct {
	Version      string         `json:"version"`
	State        string         `json:"state"`
	Active       bool           `json:"active"`
	Requests     Counters       `json:"requests"`
	Cache        cache.Stats    `json:"cache"`
	QueuedEvents int            `json:"queued_events"`
	LastReplay   *replay.Report `json:"last_replay,omitempty"`
}

type StatsHandler struct {
	stats  *Stats
	worker WorkerStatus
	queue  QueueCounter
	logger *slog.Logger
}

func NewStatsHandler(stats *Stats, worker WorkerStatus, queue QueueCounter, logger *slog.Logger) *StatsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsHandler{stats: stats, worker: worker, queue: queue, logger: logger}
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report := StatsReport{
		Version:  h.worker.Version(),
		State:    string(h.worker.State()),
		Active:   h.worker.Active(),
		Requests: h.stats.Counters(),
	}

	cacheStats, err := h.worker.Store().Stats(ctx)
	if err != nil {
		h.logger.Error("failed to collect cache stats", "error", err)
		http.Error(w, "failed to collect cache stats", http.StatusInternalServerError)
		return
	}
	report.Cache = cacheStats

	if h.queue != nil {
		n, err := h.queue.Count(ctx)
		if err != nil {
			h.logger.Error("failed to count queued events", "error", err)
			http.Error(w, "failed to count queued events", http.StatusInternalServerError)
			return
		}
		report.QueuedEvents = n
	}

	if last, ok := h.worker.LastReplay(); ok {
		report.LastReplay = &last
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
