package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/VictoriaMetrics/metrics"

	"github.com/muandane/special-stack/edgeworker/internal/cache"
	"github.com/muandane/special-stack/edgeworker/internal/fetch"
)

// ErrUnavailable is returned when neither the network nor the cache can
// answer and the resource kind has no placeholder.
var ErrUnavailable = errors.New("resource unavailable offline")

// Source tells where a result came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Result is the response produced by a strategy.
type Result struct {
	Entry    *cache.Entry
	Source   Source
	Decision Decision
}

// Runner executes strategies against a cache store and a fetcher.
type Runner struct {
	store   cache.Store
	fetcher fetch.Fetcher
	logger  *slog.Logger
}

// NewRunner returns a Runner. A nil logger falls back to slog.Default.
func NewRunner(store cache.Store, fetcher fetch.Fetcher, logger *slog.Logger) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store cannot be nil")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, fetcher: fetcher, logger: logger}, nil
}

// Serve runs the strategy named by d.
func (r *Runner) Serve(ctx context.Context, req *http.Request, d Decision) (*Result, error) {
	var (
		res *Result
		err error
	)
	switch d.Strategy {
	case CacheFirst:
		res, err = r.CacheFirst(ctx, req, d)
	case NetworkFirst:
		res, err = r.NetworkFirst(ctx, req, d)
	default:
		return nil, fmt.Errorf("unknown strategy %q", d.Strategy)
	}

	source := "error"
	if err == nil {
		source = string(res.Source)
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`edgeworker_strategy_results_total{strategy=%q,source=%q}`, d.Strategy, source)).Inc()
	return res, err
}

// CacheFirst answers from d.Namespace or the install shell when possible and
// only goes to the network on a miss. Successful network responses are
// stored. Images that can be neither fetched nor found get a placeholder.
func (r *Runner) CacheFirst(ctx context.Context, req *http.Request, d Decision) (*Result, error) {
	key := cache.Key(req)
	logger := r.logger.With("strategy", CacheFirst, "namespace", d.Namespace, "key", key)

	if entry, ok := r.match(ctx, logger, d, key); ok {
		return &Result{Entry: entry, Source: SourceCache, Decision: d}, nil
	}

	entry, err := r.network(ctx, req)
	if err != nil {
		if d.Kind == KindImage {
			logger.Info("network unavailable, serving image placeholder", "error", err)
			return &Result{Entry: PlaceholderImage(), Source: SourceFallback, Decision: d}, nil
		}
		logger.Warn("network unavailable and no cached copy", "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, key, err)
	}

	r.save(ctx, logger, req, d.Namespace, key, entry)
	return &Result{Entry: entry, Source: SourceNetwork, Decision: d}, nil
}

// NetworkFirst prefers a fresh network response, falling back to the cached
// copy in d.Namespace or the install shell and, for page navigations, to the offline page.
func (r *Runner) NetworkFirst(ctx context.Context, req *http.Request, d Decision) (*Result, error) {
	key := cache.Key(req)
	logger := r.logger.With("strategy", NetworkFirst, "namespace", d.Namespace, "key", key)

	entry, err := r.network(ctx, req)
	if err == nil {
		r.save(ctx, logger, req, d.Namespace, key, entry)
		return &Result{Entry: entry, Source: SourceNetwork, Decision: d}, nil
	}

	if cached, ok := r.match(ctx, logger, d, key); ok {
		logger.Info("network unavailable, serving cached copy", "error", err)
		return &Result{Entry: cached, Source: SourceCache, Decision: d}, nil
	}

	if FromHTTP(req).Destination == DestinationDocument {
		logger.Info("network unavailable, serving offline page", "error", err)
		return &Result{Entry: OfflinePage(), Source: SourceFallback, Decision: d}, nil
	}

	logger.Warn("network unavailable and no cached copy", "error", err)
	return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, key, err)
}

func (r *Runner) network(ctx context.Context, req *http.Request) (*cache.Entry, error) {
	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return fetch.Snapshot(resp)
}

// match looks key up in d.Namespace, then in the install shell.
func (r *Runner) match(ctx context.Context, logger *slog.Logger, d Decision, key string) (*cache.Entry, bool) {
	if entry, ok := r.lookup(ctx, logger, d.Namespace, key); ok {
		return entry, true
	}
	if d.Shell == "" || d.Shell == d.Namespace {
		return nil, false
	}
	return r.lookup(ctx, logger, d.Shell, key)
}

// lookup treats store failures as misses.
func (r *Runner) lookup(ctx context.Context, logger *slog.Logger, namespace, key string) (*cache.Entry, bool) {
	entry, ok, err := r.store.Match(ctx, namespace, key)
	if err != nil {
		logger.Error("cache lookup failed", "error", err)
		return nil, false
	}
	return entry, ok
}

// save writes successful, shareable responses only. The stored copy drops
// Set-Cookie while the caller still serves entry as fetched. Failures are
// logged; the response is still served.
func (r *Runner) save(ctx context.Context, logger *slog.Logger, req *http.Request, namespace, key string, entry *cache.Entry) {
	if !entry.OK() {
		return
	}
	if !fetch.Shareable(req, entry) {
		logger.Debug("response not stored", "reason", "private or credentialed")
		return
	}
	stored := fetch.ForStorage(entry)
	err := r.store.Put(ctx, namespace, key, stored)
	if errors.Is(err, cache.ErrNamespaceNotFound) {
		if err = r.store.Open(ctx, namespace); err == nil {
			err = r.store.Put(ctx, namespace, key, stored)
		}
	}
	if err != nil {
		logger.Error("cache write failed", "error", err)
	}
}
