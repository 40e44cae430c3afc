package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/muandane/special-stack/edgeworker/internal/cache"
	"github.com/muandane/special-stack/edgeworker/internal/strategy"
)

// SourceHeader tells the client where a response came from.
const SourceHeader = "X-Edgeworker-Source"

// SourcePassthrough marks responses the worker did not intercept.
const SourcePassthrough = "passthrough"

// Interceptor runs the caching strategies for a request. handled is false
// when the request must go straight to the network.
type Interceptor interface {
	Fetch(ctx context.Context, r *http.Request) (res *strategy.Result, handled bool, err error)
}

type ProxyHandler struct {
	worker      Interceptor
	passthrough http.Handler
	stats       *Stats
	logger      *slog.Logger
}

func NewProxyHandler(worker Interceptor, origin *url.URL, stats *Stats, logger *slog.Logger) (*ProxyHandler, error) {
	if worker == nil {
		return nil, fmt.Errorf("worker cannot be nil")
	}
	if origin == nil {
		return nil, fmt.Errorf("origin url cannot be nil")
	}
	if stats == nil {
		stats = NewStats()
	}
	if logger == nil {
		logger = slog.Default()
	}

	rp := httputil.NewSingleHostReverseProxy(origin)
	base := rp.Director
	rp.Director = func(r *http.Request) {
		base(r)
		r.Host = origin.Host
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("passthrough request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "origin unreachable", http.StatusBadGateway)
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		resp.Header.Set(SourceHeader, SourcePassthrough)
		return nil
	}

	return &ProxyHandler{
		worker:      worker,
		passthrough: rp,
		stats:       stats,
		logger:      logger,
	}, nil
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := cache.Key(r)
	logger := h.logger.With(
		"method", r.Method,
		"key", key,
		"remote_addr", r.RemoteAddr,
	)

	res, handled, err := h.worker.Fetch(r.Context(), r)
	if !handled {
		h.stats.Record(SourcePassthrough)
		h.passthrough.ServeHTTP(w, r)
		return
	}
	if err != nil {
		h.stats.RecordUnavailable()
		if errors.Is(err, strategy.ErrUnavailable) {
			logger.Warn("resource unavailable offline", "error", err)
			http.Error(w, "resource unavailable offline", http.StatusBadGateway)
			return
		}
		logger.Error("failed to serve request", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.stats.Record(string(res.Source))
	acceptsGzip := strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
	writeEntry(w, res.Entry, string(res.Source), acceptsGzip)

	logger.Info("request served",
		"strategy", res.Decision.Strategy,
		"namespace", res.Decision.Namespace,
		"source", res.Source,
		"status", res.Entry.Status,
		"duration", time.Since(start).String(),
	)
}

// writeEntry replays a stored response, compressed when the client accepts
// gzip and the body is worth compressing.
func writeEntry(w http.ResponseWriter, entry *cache.Entry, source string, acceptsGzip bool) {
	header := w.Header()
	for k, vs := range entry.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Content-Encoding":
			continue
		}
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if entry.ContentType != "" {
		header.Set("Content-Type", entry.ContentType)
	}
	header.Set(SourceHeader, source)

	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}

	body := entry.Data
	if acceptsGzip {
		if gz, ok := gzipBody(entry); ok {
			header.Set("Content-Encoding", "gzip")
			header.Add("Vary", "Accept-Encoding")
			body = gz
		}
	}

	header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

func gzipBody(entry *cache.Entry) ([]byte, bool) {
	if entry.IsCompressed && entry.CompressedData != nil {
		return entry.CompressedData, true
	}
	if !cache.ShouldCompress(entry.ContentType, int64(len(entry.Data))) {
		return nil, false
	}
	compressed, err := cache.CompressData(entry.Data)
	if err != nil || len(compressed) >= len(entry.Data) {
		return nil, false
	}
	return compressed, true
}
