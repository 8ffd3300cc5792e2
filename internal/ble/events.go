package ble

import (
	"log/slog"
	"slices"
	"sync"
)

// EventKind identifies an event on the feed or a registry mutation.
type EventKind int

const (
	// Discovery feed.
	EventDiscovered EventKind = iota + 1
	EventScanStopped

	// Connection feed.
	EventConnected
	EventDisconnected
	EventCharacteristicUpdated

	// Registry-only mutations.
	EventReset
	EventPhase
	EventSignal
	EventServices
)

func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "peripheral_discovered"
	case EventScanStopped:
		return "scan_stopped"
	case EventConnected:
		return "peripheral_connected"
	case EventDisconnected:
		return "peripheral_disconnected"
	case EventCharacteristicUpdated:
		return "characteristic_updated"
	case EventReset:
		return "reset"
	case EventPhase:
		return "phase"
	case EventSignal:
		return "signal"
	case EventServices:
		return "services"
	default:
		return "unknown"
	}
}

// Event carries one discovery, connection or registry update. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind           EventKind
	ID             string
	Name           string
	RSSI           int
	Phase          Phase
	Services       []Service
	Service        string
	Characteristic string
	Value          []byte
}

// Feed delivers events to subscribers one at a time, in publish order, on
// the publisher's goroutine.
type Feed struct {
	mu     sync.Mutex
	subs   map[uint64]func(Event)
	nextID uint64

	dispatch sync.Mutex
}

// NewFeed creates an empty Feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[uint64]func(Event))}
}

// Subscription is the handle returned by Subscribe. Close it exactly once
// when the owning scope ends; extra calls are ignored.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Close removes the handler from the feed.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// Subscribe registers handler for every event published after this call.
func (f *Feed) Subscribe(handler func(Event)) *Subscription {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subs[id] = handler
	f.mu.Unlock()

	return &Subscription{cancel: func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}}
}

// Publish delivers ev to all current subscribers. A panicking handler is
// logged and does not stop delivery to the others.
func (f *Feed) Publish(ev Event) {
	f.dispatch.Lock()
	defer f.dispatch.Unlock()

	f.mu.Lock()
	ids := make([]uint64, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		f.mu.Lock()
		h, ok := f.subs[id]
		f.mu.Unlock()
		if !ok {
			continue
		}
		deliver(h, ev)
	}
}

func deliver(h func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[BLE] event handler panicked", "event", ev.Kind.String(), "panic", r)
		}
	}()
	h(ev)
}

