// Package connectivity watches the origin and fires a background sync when
// it comes back after an outage.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/muandane/special-stack/edgeworker/internal/events"
	"github.com/muandane/special-stack/edgeworker/internal/replay"
)

var reconnects = metrics.NewCounter("edgeworker_connectivity_restored_total")

// Dispatcher receives the sync event.
type Dispatcher interface {
	Dispatch(ctx context.Context, e events.Event) error
}

// Monitor probes the origin on a fixed interval.
type Monitor struct {
	target   string
	interval time.Duration
	client   *http.Client
	bus      Dispatcher
	logger   *slog.Logger

	online atomic.Bool
}

// NewMonitor returns a Monitor probing target. It starts out assuming the
// origin is online, so the first successful probe fires nothing.
func NewMonitor(target string, interval time.Duration, client *http.Client, bus Dispatcher, logger *slog.Logger) *Monitor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		target:   target,
		interval: interval,
		client:   client,
		bus:      bus,
		logger:   logger.With("component", "connectivity", "target", target),
	}
	m.online.Store(true)
	return m
}

// Online reports the result of the last probe.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Run probes until ctx is done. A zero interval disables the monitor.
func (m *Monitor) Run(ctx context.Context) error {
	if m.interval <= 0 {
		m.logger.Info("connectivity monitor disabled")
		return nil
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and dispatches a sync on an offline to online
// transition. It reports whether the origin answered.
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.probe(ctx)
	up := err == nil
	was := m.online.Swap(up)

	switch {
	case was && !up:
		m.logger.Warn("origin unreachable", "error", err)
	case !was && up:
		reconnects.Inc()
		m.logger.Info("origin reachable again, requesting sync")
		ev := events.Event{Type: events.Sync, Tag: replay.TagBackgroundSync}
		if err := m.bus.Dispatch(ctx, ev); err != nil {
			m.logger.Error("sync after reconnect failed", "error", err)
		}
	}
	return up
}

func (m *Monitor) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.target, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	// Any answer, even an error status, means the network is up.
	return nil
}
