// Package lifecycle brings the worker's caches to a known state when a
// version is installed and activated.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/muandane/special-stack/edgeworker/internal/cache"
	"github.com/muandane/special-stack/edgeworker/internal/config"
	"github.com/muandane/special-stack/edgeworker/internal/fetch"
)

// ErrInstallFailed is returned when the static namespace could not be
// pre-warmed with the whole manifest.
var ErrInstallFailed = errors.New("install failed")

// State is the lifecycle state of a worker version.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Claimer takes control of the open client pages.
type Claimer interface {
	Claim(ctx context.Context, version string) error
}

// Manager runs install and activate for one worker version.
type Manager struct {
	cfg     config.Worker
	store   cache.Store
	fetcher fetch.Fetcher
	claimer Claimer
	logger  *slog.Logger

	mu    sync.RWMutex
	state State
}

// NewManager returns a Manager in the parsed state. claimer may be nil.
func NewManager(cfg config.Worker, store cache.Store, fetcher fetch.Fetcher, claimer Claimer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		claimer: claimer,
		logger:  logger.With("version", cfg.Version),
		state:   StateParsed,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Install pre-warms the static namespace with every manifest URL. All URLs
// are fetched before anything is written; a single failed fetch or non-2xx
// response fails the install and leaves the store untouched. If a write
// fails midway the static namespace is dropped.
func (m *Manager) Install(ctx context.Context) error {
	m.setState(StateInstalling)
	namespace := m.cfg.Namespace(config.PurposeStatic)
	logger := m.logger.With("namespace", namespace)

	entries, err := m.prefetch(ctx)
	if err != nil {
		m.setState(StateRedundant)
		logger.Error("install failed", "error", err)
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	if err := m.commit(ctx, namespace, entries); err != nil {
		if _, dropErr := m.store.Drop(ctx, namespace); dropErr != nil {
			logger.Error("failed to drop partially written namespace", "error", dropErr)
		}
		m.setState(StateRedundant)
		logger.Error("install failed", "error", err)
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	m.setState(StateInstalled)
	logger.Info("install completed", "entries", len(entries))
	return nil
}

func (m *Manager) prefetch(ctx context.Context) ([]*cache.Entry, error) {
	entries := make([]*cache.Entry, len(m.cfg.Manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range m.cfg.Manifest {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, target, nil)
			if err != nil {
				return fmt.Errorf("manifest url %s: %w", target, err)
			}
			resp, err := m.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("manifest url %s: %w", target, err)
			}
			entry, err := fetch.Snapshot(resp)
			if err != nil {
				return fmt.Errorf("manifest url %s: %w", target, err)
			}
			if !entry.OK() {
				return fmt.Errorf("manifest url %s: unexpected status %d", target, entry.Status)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *Manager) commit(ctx context.Context, namespace string, entries []*cache.Entry) error {
	if err := m.store.Open(ctx, namespace); err != nil {
		return fmt.Errorf("open namespace: %w", err)
	}
	for i, target := range m.cfg.Manifest {
		req, err := http.NewRequest(http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		if err := m.store.Put(ctx, namespace, cache.Key(req), fetch.ForStorage(entries[i])); err != nil {
			return fmt.Errorf("store %s: %w", target, err)
		}
	}
	return nil
}

// Activate deletes every namespace that is not current for this version and
// claims the open clients. It returns the names it deleted; running it again
// deletes nothing.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	m.setState(StateActivating)
	current := m.cfg.Namespaces().Current()

	names, err := m.store.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if slices.Contains(current, name) {
			continue
		}
		if _, err := m.store.Drop(ctx, name); err != nil {
			return deleted, fmt.Errorf("drop namespace %s: %w", name, err)
		}
		m.logger.Info("deleted old cache namespace", "namespace", name)
		deleted = append(deleted, name)
	}

	if m.claimer != nil {
		if err := m.claimer.Claim(ctx, m.cfg.Version); err != nil {
			return deleted, fmt.Errorf("claim clients: %w", err)
		}
	}

	m.setState(StateActivated)
	m.logger.Info("activated", "deleted", len(deleted))
	return deleted, nil
}
