package handlers

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muandane/special-stack/edgeworker/internal/cache"
	"github.com/muandane/special-stack/edgeworker/internal/events"
	"github.com/muandane/special-stack/edgeworker/internal/lifecycle"
	"github.com/muandane/special-stack/edgeworker/internal/notify"
	"github.com/muandane/special-stack/edgeworker/internal/queue"
	"github.com/muandane/special-stack/edgeworker/internal/replay"
	"github.com/muandane/special-stack/edgeworker/internal/strategy"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubWorker struct {
	res     *strategy.Result
	handled bool
	err     error
	store   cache.Store
	last    *replay.Report
}

func (s *stubWorker) Fetch(ctx context.Context, r *http.Request) (*strategy.Result, bool, error) {
	return s.res, s.handled, s.err
}

func (s *stubWorker) Version() string { return "v3" }
func (s *stubWorker) State() lifecycle.State { return lifecycle.StateActivated }
func (s *stubWorker) Active() bool { return true }
func (s *stubWorker) Store() cache.Store { return s.store }
func (s *stubWorker) LastReplay() (replay.Report, bool) {
	if s.last == nil {
		return replay.Report{}, false
	}
	return *s.last, true
}

func newProxy(t *testing.T, w *stubWorker, origin *httptest.Server) (*ProxyHandler, *Stats) {
	t.Helper()
	u, err := url.Parse(origin.URL)
	require.NoError(t, err)
	stats := NewStats()
	h, err := NewProxyHandler(w, u, stats, nil)
	require.NoError(t, err)
	return h, stats
}

func passthroughOrigin(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "origin %s %s", r.Method, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProxy_PassesThroughWhenNotHandled(t *testing.T) {
	origin := passthroughOrigin(t)
	h, stats := newProxy(t, &stubWorker{}, origin)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rest/v1/eventos", strings.NewReader("{}")))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "origin POST /rest/v1/eventos", rec.Body.String())
	assert.Equal(t, SourcePassthrough, rec.Header().Get(SourceHeader))
	assert.Equal(t, uint64(1), stats.Counters().Passthrough)
}

func TestProxy_WritesCachedEntry(t *testing.T) {
	entry := &cache.Entry{
		Status:      http.StatusOK,
		Header:      http.Header{"Etag": []string{`"abc"`}, "Content-Length": []string{"999"}},
		Data:        []byte("<h1>agenda</h1>"),
		ContentType: "text/html",
	}
	w := &stubWorker{handled: true, res: &strategy.Result{Entry: entry, Source: strategy.SourceCache}}
	h, stats := newProxy(t, w, passthroughOrigin(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agenda", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>agenda</h1>", rec.Body.String())
	assert.Equal(t, "cache", rec.Header().Get(SourceHeader))
	assert.Equal(t, `"abc"`, rec.Header().Get("ETag"))
	assert.Equal(t, "15", rec.Header().Get("Content-Length"))
	assert.Equal(t, uint64(1), stats.Counters().CacheHits)
}

func TestProxy_GzipWhenAccepted(t *testing.T) {
	body := strings.Repeat("evento ", 400)
	entry := &cache.Entry{Status: http.StatusOK, Data: []byte(body), ContentType: "text/html"}
	w := &stubWorker{handled: true, res: &strategy.Result{Entry: entry, Source: strategy.SourceNetwork}}
	h, _ := newProxy(t, w, passthroughOrigin(t))

	req := httptest.NewRequest(http.MethodGet, "/agenda", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, body, string(plain))
}

func TestProxy_UnavailableIsBadGateway(t *testing.T) {
	w := &stubWorker{handled: true, err: fmt.Errorf("%w: /rest/v1/eventos", strategy.ErrUnavailable)}
	h, stats := newProxy(t, w, passthroughOrigin(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rest/v1/eventos", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, uint64(1), stats.Counters().Unavailable)

	w.err = errors.New("boom")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rest/v1/eventos", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNewProxyHandler_Validates(t *testing.T) {
	_, err := NewProxyHandler(nil, &url.URL{}, nil, nil)
	assert.Error(t, err)
	_, err = NewProxyHandler(&stubWorker{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestStats_HitRatioIgnoresPassthrough(t *testing.T) {
	s := NewStats()
	s.Record(string(strategy.SourceCache))
	s.Record(string(strategy.SourceNetwork))
	s.Record(SourcePassthrough)
	s.Record(SourcePassthrough)

	c := s.Counters()
	assert.Equal(t, uint64(4), c.TotalRequests)
	assert.InDelta(t, 50.0, c.CacheHitRatio, 0.001)
}

type recordingBus struct {
	events []events.Event
	err    error
}

func (b *recordingBus) Dispatch(ctx context.Context, e events.Event) error {
	b.events = append(b.events, e)
	return b.err
}

func newControl(t *testing.T, bus *recordingBus) (*gin.Engine, *queue.Store, *cache.MemoryStore) {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "analytics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	store := cache.NewMemoryStore()
	worker := &stubWorker{store: store, last: &replay.Report{Attempted: 2, Delivered: 2}}

	engine := gin.New()
	api := NewControlAPI(ControlOptions{
		Bus:     bus,
		Queue:   q,
		Store:   store,
		Current: []string{"role-static-v3", "role-dynamic-v3", "role-images-v3"},
		Stats:   NewStatsHandler(NewStats(), worker, q, nil),
	})
	api.Register(engine.Group(ControlPrefix))
	return engine, q, store
}

func do(engine http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestControl_Sync(t *testing.T) {
	bus := &recordingBus{}
	engine, _, _ := newControl(t, bus)

	rec := do(engine, http.MethodPost, "/_worker/sync", `{"tag":"analytics-sync"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, bus.events, 1)
	assert.Equal(t, events.Event{Type: events.Sync, Tag: "analytics-sync"}, bus.events[0])

	rec = do(engine, http.MethodPost, "/_worker/sync", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bus.err = errors.New("replay failed")
	rec = do(engine, http.MethodPost, "/_worker/sync", `{"tag":"background-sync"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestControl_PushRequiresTitle(t *testing.T) {
	bus := &recordingBus{}
	engine, _, _ := newControl(t, bus)

	rec := do(engine, http.MethodPost, "/_worker/push", `{"body":"sem titulo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, bus.events)

	rec = do(engine, http.MethodPost, "/_worker/push", `{"title":"Show hoje","url":"/agenda"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, bus.events, 1)
	var p notify.Payload
	require.NoError(t, json.Unmarshal(bus.events[0].Data, &p))
	assert.Equal(t, "Show hoje", p.Title)
	assert.Equal(t, "/agenda", p.URL)
}

func TestControl_PushHandlerErrors(t *testing.T) {
	bus := &recordingBus{err: fmt.Errorf("push handler: %w", notify.ErrInvalidPayload)}
	engine, _, _ := newControl(t, bus)
	assert.Equal(t, http.StatusBadRequest, do(engine, http.MethodPost, "/_worker/push", `{"title":" "}`).Code)

	bus.err = errors.New("no window")
	assert.Equal(t, http.StatusInternalServerError, do(engine, http.MethodPost, "/_worker/push", `{"title":"x"}`).Code)
}

func TestControl_NotificationClick(t *testing.T) {
	bus := &recordingBus{}
	engine, _, _ := newControl(t, bus)

	rec := do(engine, http.MethodPost, "/_worker/notifications/click", `{"tag":"evt","action":"view","url":"/locais"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, bus.events, 1)
	assert.Equal(t, events.NotificationClick, bus.events[0].Type)
	assert.JSONEq(t, `{"tag":"evt","action":"view","url":"/locais"}`, string(bus.events[0].Data))
}

func TestControl_AnalyticsBuffersEvent(t *testing.T) {
	engine, q, _ := newControl(t, &recordingBus{})

	rec := do(engine, http.MethodPost, "/_worker/analytics", `{"event":"page_view","path":"/agenda"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"id":1}`, rec.Body.String())

	rec = do(engine, http.MethodPost, "/_worker/analytics", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	n, err := q.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestControl_AnalyticsAcceptsGzip(t *testing.T) {
	engine, q, _ := newControl(t, &recordingBus{})

	compressed, err := cache.CompressData([]byte(`{"event":"share","target":"/artistas/42"}`))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/_worker/analytics", bytes.NewReader(compressed))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	queued, err := q.DrainAll(context.Background())
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.JSONEq(t, `{"event":"share","target":"/artistas/42"}`, string(queued[0].Payload))
}

func TestControl_Namespaces(t *testing.T) {
	engine, _, store := newControl(t, &recordingBus{})
	ctx := context.Background()
	require.NoError(t, store.Open(ctx, "role-static-v3"))
	require.NoError(t, store.Open(ctx, "role-static-v2"))

	rec := do(engine, http.MethodGet, "/_worker/namespaces", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Namespaces []string `json:"namespaces"`
		Current    []string `json:"current"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"role-static-v2", "role-static-v3"}, body.Namespaces)
	assert.Len(t, body.Current, 3)
}

func TestControl_Stats(t *testing.T) {
	engine, q, _ := newControl(t, &recordingBus{})
	_, err := q.Enqueue(context.Background(), json.RawMessage(`{"event":"click"}`))
	require.NoError(t, err)

	rec := do(engine, http.MethodGet, "/_worker/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var report StatsReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "v3", report.Version)
	assert.Equal(t, "activated", report.State)
	assert.Equal(t, 1, report.QueuedEvents)
	require.NotNil(t, report.LastReplay)
	assert.Equal(t, 2, report.LastReplay.Delivered)
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(&stubWorker{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","worker":"activated","active":true}`, rec.Body.String())
}
