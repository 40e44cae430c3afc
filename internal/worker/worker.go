// Package worker wires the caching strategies, the lifecycle manager, the
// sync replayer and the notification bridge behind explicit event handlers.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/muandane/special-stack/edgeworker/internal/cache"
	"github.com/muandane/special-stack/edgeworker/internal/config"
	"github.com/muandane/special-stack/edgeworker/internal/events"
	"github.com/muandane/special-stack/edgeworker/internal/fetch"
	"github.com/muandane/special-stack/edgeworker/internal/lifecycle"
	"github.com/muandane/special-stack/edgeworker/internal/notify"
	"github.com/muandane/special-stack/edgeworker/internal/replay"
	"github.com/muandane/special-stack/edgeworker/internal/strategy"
)

// Windows is what the worker needs from the connected application windows.
type Windows interface {
	notify.Windows
	lifecycle.Claimer
}

// Options holds the collaborators of a Worker.
type Options struct {
	Config   config.Worker
	Store    cache.Store
	Fetcher  fetch.Fetcher
	Replayer *replay.Replayer
	Windows  Windows
	Logger   *slog.Logger
}

// Worker is one installed version of the offline worker.
type Worker struct {
	cfg        config.Worker
	namespaces config.Namespaces
	store      cache.Store
	runner     *strategy.Runner
	lifecycle  *lifecycle.Manager
	replayer   *replay.Replayer
	bridge     *notify.Bridge
	logger     *slog.Logger

	active     atomic.Bool
	lastReplay atomic.Pointer[replay.Report]
}

// New builds a Worker. It does not install anything until Start.
func New(opts Options) (*Worker, error) {
	if opts.Replayer == nil {
		return nil, fmt.Errorf("replayer cannot be nil")
	}
	if opts.Windows == nil {
		return nil, fmt.Errorf("windows cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	runner, err := strategy.NewRunner(opts.Store, opts.Fetcher, opts.Logger)
	if err != nil {
		return nil, err
	}

	return &Worker{
		cfg:        opts.Config,
		namespaces: opts.Config.Namespaces(),
		store:      opts.Store,
		runner:     runner,
		lifecycle:  lifecycle.NewManager(opts.Config, opts.Store, opts.Fetcher, opts.Windows, opts.Logger),
		replayer:   opts.Replayer,
		bridge:     notify.NewBridge(opts.Windows, opts.Logger),
		logger:     opts.Logger.With("version", opts.Config.Version),
	}, nil
}

// Register attaches the worker's handlers to bus.
func (w *Worker) Register(bus *events.Bus) {
	bus.On(events.Install, w.onInstall)
	bus.On(events.Activate, w.onActivate)
	bus.On(events.Push, w.onPush)
	bus.On(events.NotificationClick, w.onNotificationClick)
	bus.On(events.Sync, w.onSync)
}

// Start installs the worker and, since it skips waiting, activates it right
// away. On install failure the worker stays inactive and every request
// passes through to the network.
func (w *Worker) Start(ctx context.Context, bus *events.Bus) error {
	if err := bus.Dispatch(ctx, events.Event{Type: events.Install}); err != nil {
		return err
	}
	return bus.Dispatch(ctx, events.Event{Type: events.Activate})
}

func (w *Worker) onInstall(ctx context.Context, _ events.Event) error {
	return w.lifecycle.Install(ctx)
}

func (w *Worker) onActivate(ctx context.Context, _ events.Event) error {
	if _, err := w.lifecycle.Activate(ctx); err != nil {
		return err
	}
	w.active.Store(true)
	return nil
}

func (w *Worker) onPush(ctx context.Context, e events.Event) error {
	_, err := w.bridge.Push(ctx, e.Data)
	return err
}

func (w *Worker) onNotificationClick(ctx context.Context, e events.Event) error {
	var click notify.Click
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &click); err != nil {
			return fmt.Errorf("decode notification click: %w", err)
		}
	}
	return w.bridge.Click(ctx, click)
}

func (w *Worker) onSync(ctx context.Context, e events.Event) error {
	if !replay.Handles(e.Tag) {
		w.logger.Info("ignoring sync event", "tag", e.Tag)
		return nil
	}
	report, err := w.replayer.Replay(ctx)
	if err != nil {
		return err
	}
	w.lastReplay.Store(&report)
	return nil
}

// Fetch handles an intercepted request. It reports false when the request
// is not intercepted and must go straight to the network: before
// activation, and for requests the selector ignores.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (*strategy.Result, bool, error) {
	if !w.active.Load() {
		return nil, false, nil
	}
	decision, ok := strategy.Classify(strategy.FromHTTP(r), w.cfg.Rules, w.namespaces)
	if !ok {
		return nil, false, nil
	}
	res, err := w.runner.Serve(ctx, r, decision)
	return res, true, err
}

// Active reports whether the worker controls requests.
func (w *Worker) Active() bool {
	return w.active.Load()
}

// State returns the lifecycle state.
func (w *Worker) State() lifecycle.State {
	return w.lifecycle.State()
}

// Version returns the configured cache version.
func (w *Worker) Version() string {
	return w.cfg.Version
}

// Store returns the cache store the worker writes to.
func (w *Worker) Store() cache.Store {
	return w.store
}

// LastReplay returns the report of the most recent replay, if any.
func (w *Worker) LastReplay() (replay.Report, bool) {
	r := w.lastReplay.Load()
	if r == nil {
		return replay.Report{}, false
	}
	return *r, true
}
