package ble

import (
	"sort"
	"sync"
)

// Phase is the connection phase of a peripheral.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnecting:
		return "disconnecting"
	default:
		return "idle"
	}
}

// Peripheral is a discovered BLE device as seen by the registry.
type Peripheral struct {
	ID       string
	Name     string
	Phase    Phase
	RSSI     int
	Services []Service
}

// Connected reports whether the link is up.
func (p Peripheral) Connected() bool { return p.Phase == PhaseConnected }

// Connecting reports whether a connect is in progress.
func (p Peripheral) Connecting() bool { return p.Phase == PhaseConnecting }

func (p Peripheral) clone() Peripheral {
	if p.Services == nil {
		return p
	}
	svcs := make([]Service, len(p.Services))
	for i, s := range p.Services {
		svcs[i] = Service{UUID: s.UUID, Characteristics: append([]string(nil), s.Characteristics...)}
	}
	p.Services = svcs
	return p
}

// Table maps peripheral IDs to their records.
type Table map[string]Peripheral

// Reduce applies ev to table and returns the resulting table. The input table
// is never modified. Events that do not change anything return table as is.
func Reduce(table Table, ev Event) Table {
	switch ev.Kind {
	case EventDiscovered:
		if ev.Name == "" {
			return table
		}
		p, ok := table[ev.ID]
		if !ok {
			p = Peripheral{ID: ev.ID}
		}
		p.Name = ev.Name
		p.RSSI = ev.RSSI
		return with(table, p)

	case EventReset:
		next := make(Table, len(table))
		for id, p := range table {
			if p.Phase != PhaseIdle {
				next[id] = p
			}
		}
		return next

	case EventPhase, EventConnected, EventDisconnected:
		p, ok := table[ev.ID]
		if !ok {
			return table
		}
		switch ev.Kind {
		case EventConnected:
			p.Phase = PhaseConnected
		case EventDisconnected:
			p.Phase = PhaseIdle
		default:
			p.Phase = ev.Phase
		}
		return with(table, p)

	case EventSignal:
		p, ok := table[ev.ID]
		if !ok {
			return table
		}
		p.RSSI = ev.RSSI
		return with(table, p)

	case EventServices:
		p, ok := table[ev.ID]
		if !ok {
			return table
		}
		p.Services = ev.Services
		return with(table, p.clone())
	}
	return table
}

func with(table Table, p Peripheral) Table {
	next := make(Table, len(table)+1)
	for id, q := range table {
		next[id] = q
	}
	next[p.ID] = p
	return next
}

// Registry owns the peripheral table. Mutations go through Reduce so each
// update is a whole-table swap.
type Registry struct {
	mu    sync.RWMutex
	table Table
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{table: Table{}}
}

// Apply reduces ev into the registry.
func (r *Registry) Apply(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table = Reduce(r.table, ev)
}

// Get returns a copy of the peripheral with the given ID.
func (r *Registry) Get(id string) (Peripheral, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.table[id]
	if !ok {
		return Peripheral{}, false
	}
	return p.clone(), true
}

// Snapshot returns copies of all peripherals, strongest RSSI first.
func (r *Registry) Snapshot() []Peripheral {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Peripheral, 0, len(r.table))
	for _, p := range r.table {
		result = append(result, p.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].RSSI == result[j].RSSI {
			return result[i].ID < result[j].ID
		}
		return result[i].RSSI > result[j].RSSI
	})
	return result
}

// Len returns the number of tracked peripherals.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table)
}

// Remember inserts a peripheral known from a previous session (the pairing
// record) so it can be connected without a fresh scan.
func (r *Registry) Remember(id, name string) {
	if name == "" {
		name = id
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.table[id]; ok {
		return
	}
	r.table = with(r.table, Peripheral{ID: id, Name: name})
}
