package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muandane/special-stack/edgeworker/internal/cache"
	"github.com/muandane/special-stack/edgeworker/internal/clients"
	"github.com/muandane/special-stack/edgeworker/internal/config"
	"github.com/muandane/special-stack/edgeworker/internal/events"
	"github.com/muandane/special-stack/edgeworker/internal/lifecycle"
	"github.com/muandane/special-stack/edgeworker/internal/notify"
	"github.com/muandane/special-stack/edgeworker/internal/queue"
	"github.com/muandane/special-stack/edgeworker/internal/replay"
	"github.com/muandane/special-stack/edgeworker/internal/strategy"
)

type fakeWindows struct {
	mu      sync.Mutex
	claimed []string
	shown   []notify.Notification
	closed  []string
	opened  []string
	focus   bool
}

func (f *fakeWindows) Claim(ctx context.Context, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed = append(f.claimed, version)
	return nil
}

func (f *fakeWindows) Show(ctx context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shown = append(f.shown, n)
	return nil
}

func (f *fakeWindows) Close(ctx context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, tag)
	return nil
}

func (f *fakeWindows) Focus(ctx context.Context, url string) (bool, error) {
	return f.focus, nil
}

func (f *fakeWindows) Open(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, url)
	return nil
}

// origin serves every path with 200 while online and refuses connections
// while offline.
type origin struct {
	offline atomic.Bool
	hits    atomic.Int32
}

func (o *origin) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	o.hits.Add(1)
	if o.offline.Load() {
		return nil, errors.New("connection refused")
	}
	ct := "text/html"
	if strings.HasSuffix(req.URL.Path, ".png") {
		ct = "image/png"
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{ct}},
		Body:       io.NopCloser(strings.NewReader("body " + req.URL.RequestURI())),
	}, nil
}

type fixture struct {
	worker  *Worker
	bus     *events.Bus
	store   *cache.MemoryStore
	origin  *origin
	windows *fakeWindows
	queue   *queue.Store
	posts   *atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fw := &fakeWindows{}
	f := newFixtureWith(t, fw)
	f.windows = fw
	return f
}

func newFixtureWith(t *testing.T, windows Windows) *fixture {
	t.Helper()

	posts := &atomic.Int32{}
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(api.Close)

	q, err := queue.Open(filepath.Join(t.TempDir(), "analytics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	replayer, err := replay.New(q, replay.Options{Endpoint: api.URL + config.AnalyticsPath, Client: api.Client()})
	require.NoError(t, err)

	cfg := config.DefaultWorker()
	cfg.Version = "v2"
	cfg.Manifest = []string{"/", "/agenda"}

	f := &fixture{
		bus:     events.NewBus(),
		store:   cache.NewMemoryStore(),
		origin:  &origin{},
		queue:   q,
		posts:   posts,
	}
	f.worker, err = New(Options{
		Config:   cfg,
		Store:    f.store,
		Fetcher:  f.origin,
		Replayer: replayer,
		Windows:  windows,
	})
	require.NoError(t, err)
	f.worker.Register(f.bus)
	return f
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{Store: cache.NewMemoryStore(), Fetcher: &origin{}, Windows: &fakeWindows{}})
	assert.Error(t, err)
}

func TestWorker_NotInterceptingBeforeStart(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/agenda", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")

	res, handled, err := f.worker.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Nil(t, res)
	assert.False(t, f.worker.Active())
}

func TestWorker_StartInstallsAndClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.worker.Start(ctx, f.bus))
	assert.True(t, f.worker.Active())
	assert.Equal(t, lifecycle.StateActivated, f.worker.State())
	assert.Equal(t, []string{"v2"}, f.windows.claimed)

	static := config.DefaultWorker()
	static.Version = "v2"
	entry, ok, err := f.store.Match(ctx, static.Namespace(config.PurposeStatic), "/agenda")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "body /agenda", string(entry.Data))
}

func TestWorker_StartFailsWhenManifestUnreachable(t *testing.T) {
	f := newFixture(t)
	f.origin.offline.Store(true)

	err := f.worker.Start(context.Background(), f.bus)
	assert.ErrorIs(t, err, lifecycle.ErrInstallFailed)
	assert.False(t, f.worker.Active())

	req := httptest.NewRequest(http.MethodGet, "/agenda", nil)
	_, handled, err := f.worker.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestWorker_FetchServesOfflineFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.worker.Start(ctx, f.bus))

	nav := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/agenda", nil)
		r.Header.Set("Sec-Fetch-Mode", "navigate")
		return r
	}

	res, handled, err := f.worker.Fetch(ctx, nav())
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, strategy.SourceNetwork, res.Source)

	f.origin.offline.Store(true)
	res, handled, err = f.worker.Fetch(ctx, nav())
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, strategy.SourceCache, res.Source)
	assert.Equal(t, "body /agenda", string(res.Entry.Data))
}

func TestWorker_OfflineFirstVisitServesInstalledShell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.worker.Start(ctx, f.bus))

	f.origin.offline.Store(true)
	req := httptest.NewRequest(http.MethodGet, "/agenda", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")

	res, handled, err := f.worker.Fetch(ctx, req)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, strategy.SourceCache, res.Source)
	assert.Equal(t, "body /agenda", string(res.Entry.Data))
}

func TestWorker_FetchIgnoresNonGet(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Start(context.Background(), f.bus))

	req := httptest.NewRequest(http.MethodPost, "/rest/v1/eventos", strings.NewReader(`{}`))
	_, handled, err := f.worker.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestWorker_PushAndClick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.bus.Dispatch(ctx, events.Event{Type: events.Push, Data: []byte(`{"title":"Show hoje","url":"/agenda"}`)}))
	require.Len(t, f.windows.shown, 1)
	assert.Equal(t, "/agenda", f.windows.shown[0].Data.URL)

	click, err := json.Marshal(notify.Click{Tag: "role-notification", Action: notify.ActionView, URL: "/agenda"})
	require.NoError(t, err)
	require.NoError(t, f.bus.Dispatch(ctx, events.Event{Type: events.NotificationClick, Data: click}))
	assert.Equal(t, []string{"role-notification"}, f.windows.closed)
	assert.Equal(t, []string{"/agenda"}, f.windows.opened)
}

func TestWorker_ClickWithoutConnectedWindows(t *testing.T) {
	f := newFixtureWith(t, clients.NewRegistry(nil))

	click, err := json.Marshal(notify.Click{Tag: "role-notification", Action: notify.ActionView, URL: "/agenda"})
	require.NoError(t, err)
	assert.NoError(t, f.bus.Dispatch(context.Background(), events.Event{Type: events.NotificationClick, Data: click}))
}

func TestWorker_InvalidPushIsReported(t *testing.T) {
	f := newFixture(t)
	err := f.bus.Dispatch(context.Background(), events.Event{Type: events.Push, Data: []byte(`not json`)})
	assert.ErrorIs(t, err, notify.ErrInvalidPayload)
	assert.Empty(t, f.windows.shown)
}

func TestWorker_SyncReplaysKnownTags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, json.RawMessage(`{"event":"page_view"}`))
	require.NoError(t, err)

	require.NoError(t, f.bus.Dispatch(ctx, events.Event{Type: events.Sync, Tag: "periodic-refresh"}))
	assert.Equal(t, int32(0), f.posts.Load())
	_, ok := f.worker.LastReplay()
	assert.False(t, ok)

	require.NoError(t, f.bus.Dispatch(ctx, events.Event{Type: events.Sync, Tag: replay.TagAnalyticsSync}))
	assert.Equal(t, int32(1), f.posts.Load())
	report, ok := f.worker.LastReplay()
	require.True(t, ok)
	assert.Equal(t, 1, report.Delivered)

	n, err := f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
