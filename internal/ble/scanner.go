package ble

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultScanDuration is how long a discovery scan runs unless stopped.
const DefaultScanDuration = 3 * time.Second

// Scanner runs discovery scans and feeds named peripherals into the Registry.
type Scanner struct {
	adapter  Adapter
	registry *Registry
	feed     *Feed
	duration time.Duration

	mu       sync.Mutex
	scanning bool
	gen      uint64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewScanner creates a Scanner. A non-positive duration uses DefaultScanDuration.
func NewScanner(adapter Adapter, registry *Registry, feed *Feed, duration time.Duration) *Scanner {
	if duration <= 0 {
		duration = DefaultScanDuration
	}
	return &Scanner{
		adapter:  adapter,
		registry: registry,
		feed:     feed,
		duration: duration,
	}
}

// Scanning reports whether a scan is in progress.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// StartScan begins discovery in the background. It is a no-op while a scan
// is already running. The scan ends after the configured duration, when ctx
// is cancelled, or on StopScan.
func (s *Scanner) StartScan(ctx context.Context) error {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		slog.Debug("[SCAN] already scanning")
		return nil
	}
	s.scanning = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	// Let a scan that was just stopped finish releasing the radio.
	s.wg.Wait()

	if err := s.adapter.Enable(); err != nil {
		slog.Error("[SCAN] failed to start scan", "error", err)
		s.setStopped(gen)
		return opError("scan", "", ErrScanStart, err)
	}

	s.registry.Apply(Event{Kind: EventReset})

	scanCtx, cancel := context.WithTimeout(ctx, s.duration)
	s.mu.Lock()
	if s.gen != gen || !s.scanning {
		// StopScan raced with the start.
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	slog.Debug("[SCAN] starting scan", "duration", s.duration)
	go s.run(scanCtx, cancel, gen)
	return nil
}

func (s *Scanner) run(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer s.wg.Done()
	defer cancel()

	// The native scan blocks until StopScan; translate ctx expiry into one.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.adapter.StopScan()
		case <-done:
		}
	}()

	err := s.adapter.Scan(ctx, s.handleAdvertisement)
	close(done)

	if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		slog.Error("[SCAN] scan returned in error", "error", opError("scan", "", ErrScanStart, err))
	}
	s.setStopped(gen)
	s.feed.Publish(Event{Kind: EventScanStopped})
	slog.Debug("[SCAN] scan is stopped")
}

// handleAdvertisement drops anonymous peripherals and upserts the rest.
func (s *Scanner) handleAdvertisement(adv Advertisement) {
	if adv.Name == "" || adv.ID == "" {
		return
	}
	ev := Event{Kind: EventDiscovered, ID: adv.ID, Name: adv.Name, RSSI: adv.RSSI}
	s.registry.Apply(ev)
	s.feed.Publish(ev)
}

// StopScan ends the current scan if any. It always leaves the scanner in the
// not-scanning state and is safe to call repeatedly.
func (s *Scanner) StopScan() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.scanning = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the background scan, if any, has finished.
func (s *Scanner) Wait() {
	s.wg.Wait()
}

// setStopped clears the scanning flag unless a newer scan has started.
func (s *Scanner) setStopped(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.scanning = false
	s.cancel = nil
}
