// Package monitor runs the watch loop: keep the link to the paired tag up,
// sample its signal strength and feed the alarm.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/tagwatch/internal/alarm"
	"github.com/chaz8081/tagwatch/internal/proximity"
)

// Link is the part of the connection manager the monitor drives.
type Link interface {
	Connect(ctx context.Context, id string) error
	ReadSignalStrength(ctx context.Context, id string) (int, error)
	Active() (string, bool)
	Close() error
}

// Observer receives smoothed estimates, and Lost when samples stop coming.
// *alarm.Controller implements it.
type Observer interface {
	Observe(ctx context.Context, est proximity.Estimate) *alarm.Transition
	Lost(ctx context.Context) *alarm.Transition
}

// Options configures the monitor.
type Options struct {
	Interval     time.Duration // between RSSI reads (default 2s)
	ReconnectMax int           // backoff cap in seconds (default 30)
	LostAfter    int           // consecutive missed samples before Lost (default 3)
}

// DefaultOptions returns sensible defaults for production use.
func DefaultOptions() Options {
	return Options{
		Interval:     2 * time.Second,
		ReconnectMax: 30,
		LostAfter:    3,
	}
}

// Monitor samples one peripheral until its context is cancelled.
type Monitor struct {
	link Link
	est  *proximity.Estimator
	obs  Observer
	id   string
	opts Options

	backoff func(attempt, maxSeconds int) time.Duration

	mu    sync.Mutex
	fresh *proximity.Estimate

	seen   bool // the link was up at least once
	misses int
	lost   bool
}

// New creates a Monitor for peripheral id.
func New(link Link, est *proximity.Estimator, obs Observer, id string, opts Options) *Monitor {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.LostAfter <= 0 {
		opts.LostAfter = def.LostAfter
	}
	return &Monitor{
		link:    link,
		est:     est,
		obs:     obs,
		id:      id,
		opts:    opts,
		backoff: backoffDelay,
	}
}

// Record is the sample sink handed to the connection manager. It must not
// call back into the manager.
func (m *Monitor) Record(id string, rssi int, at time.Time) {
	if id != m.id {
		return
	}
	est, err := m.est.Add(rssi, at)
	if err != nil {
		slog.Debug("[MONITOR] dropped sample", "id", id, "rssi", rssi, "error", err)
		return
	}
	slog.Debug("[MONITOR] sample", "id", id, "rssi", rssi, "mean_rssi", est.RSSI, "distance", est.Distance)
	m.mu.Lock()
	m.fresh = &est
	m.mu.Unlock()
}

// Run keeps the link up and samples every Interval until ctx is done. The
// link is closed on return.
func (m *Monitor) Run(ctx context.Context) error {
	defer func() {
		if err := m.link.Close(); err != nil {
			slog.Warn("[MONITOR] close failed", "id", m.id, "error", err)
		}
	}()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	attempt := 0
	wasUp := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		if !m.connected() {
			if wasUp {
				// Readings from the old link say nothing about the new one.
				m.est.Reset()
				wasUp = false
			}
			if attempt > 0 {
				delay := m.backoff(attempt-1, m.opts.ReconnectMax)
				slog.Info("[MONITOR] reconnect backoff", "attempt", attempt+1, "delay", delay)
				if !wait(ctx, delay) {
					return nil
				}
			}
			if err := m.link.Connect(ctx, m.id); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				attempt++
				slog.Warn("[MONITOR] connect failed", "id", m.id, "attempt", attempt, "error", err)
				// A tag that was here and cannot be reached is as gone as a
				// silent one. Failures before the first link do not count.
				if m.seen {
					m.miss(ctx)
				}
				continue
			}
			if attempt > 0 {
				slog.Info("[MONITOR] reconnected", "id", m.id, "attempts", attempt+1)
			}
			attempt = 0
			m.seen = true
			m.evaluate(ctx)

			// Under the probe policy the connect sequence itself is the
			// sample and the link is already down again.
			if wasUp = m.connected(); !wasUp {
				if !tick(ctx, ticker) {
					return nil
				}
				continue
			}
		}

		if !tick(ctx, ticker) {
			return nil
		}

		if _, err := m.link.ReadSignalStrength(ctx, m.id); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("[MONITOR] rssi read failed", "id", m.id, "error", err)
			m.miss(ctx)
			continue
		}
		m.evaluate(ctx)
	}
}

// miss counts a sampling round without a usable sample and reports the tag
// lost once LostAfter rounds in a row came back empty.
func (m *Monitor) miss(ctx context.Context) {
	m.misses++
	if m.lost || m.misses < m.opts.LostAfter {
		return
	}
	m.lost = true
	slog.Warn("[MONITOR] no signal from tag", "id", m.id, "missed", m.misses)
	if tr := m.obs.Lost(ctx); tr != nil {
		slog.Info("[MONITOR] alarm transition", "id", m.id, "to", tr.To.String(), "reason", tr.Reason)
	}
}

func (m *Monitor) connected() bool {
	id, ok := m.link.Active()
	return ok && id == m.id
}

// evaluate passes the latest estimate to the observer once. A round that
// produced no valid sample counts as a miss.
func (m *Monitor) evaluate(ctx context.Context) {
	m.mu.Lock()
	est := m.fresh
	m.fresh = nil
	m.mu.Unlock()
	if est == nil {
		m.miss(ctx)
		return
	}
	m.misses = 0
	m.lost = false
	if tr := m.obs.Observe(ctx, *est); tr != nil {
		slog.Info("[MONITOR] alarm transition", "id", m.id, "to", tr.To.String(), "reason", tr.Reason)
	}
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

func tick(ctx context.Context, t *time.Ticker) bool {
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
