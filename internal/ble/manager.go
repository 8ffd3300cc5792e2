package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Policy decides what happens to the link after the connect sequence.
type Policy string

const (
	// PolicyKeepAlive keeps the link open for repeated reads and writes.
	PolicyKeepAlive Policy = "keepalive"
	// PolicyProbe disconnects right after the RSSI read.
	PolicyProbe Policy = "probe"
)

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	ServiceUUID        string        // actuator service
	CharacteristicUUID string        // actuator characteristic under ServiceUUID
	SettleDelay        time.Duration // wait after connect before GATT operations (default 900ms)
	ConnectTimeout     time.Duration // bound on the native connect call (default 10s)
	ReadTimeout        time.Duration // bound on one RSSI read (default 3s)
	Policy             Policy

	// OnSignal receives every RSSI read, including zero reads.
	OnSignal func(id string, rssi int, at time.Time)
}

// DefaultManagerOptions returns sensible defaults.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		ServiceUUID:        DefaultServiceUUID,
		CharacteristicUUID: DefaultCharacteristicUUID,
		SettleDelay:        900 * time.Millisecond,
		ConnectTimeout:     10 * time.Second,
		ReadTimeout:        3 * time.Second,
		Policy:             PolicyKeepAlive,
	}
}

type link struct {
	id       string
	conn     Connection
	services []Service

	cancelRead context.CancelFunc // set while an RSSI read is in flight
}

// Manager owns connect, disconnect and write operations against one
// peripheral at a time. Overlapping operations are rejected with ErrBusy.
type Manager struct {
	adapter  Adapter
	registry *Registry
	feed     *Feed
	opts     ManagerOptions

	mu     sync.Mutex
	busy   bool
	active *link
}

// NewManager creates a connection manager over adapter.
func NewManager(adapter Adapter, registry *Registry, feed *Feed, opts ManagerOptions) *Manager {
	def := DefaultManagerOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = def.CharacteristicUUID
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = def.SettleDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.Policy == "" {
		opts.Policy = def.Policy
	}
	return &Manager{
		adapter:  adapter,
		registry: registry,
		feed:     feed,
		opts:     opts,
	}
}

// Active returns the ID of the connected peripheral, if any.
func (m *Manager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.id, true
}

func (m *Manager) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy {
		return ErrBusy
	}
	m.busy = true
	return nil
}

func (m *Manager) end() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

// linkFor returns the active link if it belongs to id (caller must hold mu).
func (m *Manager) linkFor(id string) *link {
	if m.active == nil || m.active.id != id {
		return nil
	}
	return m.active
}

// Toggle disconnects a connected peripheral or connects an idle one.
func (m *Manager) Toggle(ctx context.Context, id string) error {
	p, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("ble: toggle %s: %w", id, ErrUnknownPeripheral)
	}
	switch p.Phase {
	case PhaseConnected:
		return m.Disconnect(ctx, id)
	case PhaseIdle:
		return m.Connect(ctx, id)
	default:
		return fmt.Errorf("ble: toggle %s while %s: %w", id, p.Phase, ErrBusy)
	}
}

// Connect runs the connect sequence: connect, settle, discover services,
// read RSSI, then apply the configured Policy.
func (m *Manager) Connect(ctx context.Context, id string) error {
	if err := m.begin(); err != nil {
		return fmt.Errorf("ble: connect %s: %w", id, err)
	}
	defer m.end()

	if m.opts.Policy == PolicyProbe {
		return m.connectOnce(ctx, id)
	}
	l, err := m.connect(ctx, id)
	if err != nil {
		return err
	}
	_, err = m.readSignal(ctx, l)
	return err
}

// connectOnce runs the connect sequence and always drops the link
// afterwards, also when discovery or the read failed.
func (m *Manager) connectOnce(ctx context.Context, id string) (err error) {
	defer func() {
		m.mu.Lock()
		open := m.linkFor(id) != nil
		m.mu.Unlock()
		if !open {
			return
		}
		if derr := m.disconnect(id); err == nil {
			err = derr
		}
	}()

	l, err := m.connect(ctx, id)
	if err != nil {
		return err
	}
	_, err = m.readSignal(ctx, l)
	return err
}

// connect brings the link up and discovers services (caller holds busy).
// An already connected peripheral is returned as is.
func (m *Manager) connect(ctx context.Context, id string) (*link, error) {
	if _, ok := m.registry.Get(id); !ok {
		return nil, fmt.Errorf("ble: connect %s: %w", id, ErrUnknownPeripheral)
	}

	m.mu.Lock()
	if l := m.linkFor(id); l != nil {
		m.mu.Unlock()
		return m.ensureServices(ctx, l)
	}
	if m.active != nil {
		other := m.active.id
		m.mu.Unlock()
		return nil, fmt.Errorf("ble: connect %s while %s is active: %w", id, other, ErrActiveConnection)
	}
	m.mu.Unlock()

	m.registry.Apply(Event{Kind: EventPhase, ID: id, Phase: PhaseConnecting})

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	conn, err := m.adapter.Connect(cctx, id)
	cancel()
	if err != nil {
		m.registry.Apply(Event{Kind: EventPhase, ID: id, Phase: PhaseIdle})
		opErr := opError("connect", id, ErrConnect, err)
		slog.Error("[BLE] connect failed", "id", id, "error", opErr)
		return nil, opErr
	}

	l := &link{id: id, conn: conn}
	m.mu.Lock()
	m.active = l
	m.mu.Unlock()
	conn.OnDisconnect(func() { m.handleDisconnect(l) })

	m.registry.Apply(Event{Kind: EventConnected, ID: id})
	m.feed.Publish(Event{Kind: EventConnected, ID: id})
	slog.Info("[BLE] connected", "id", id)

	// Some stacks reject service discovery right after the link comes up.
	if err := sleep(ctx, m.opts.SettleDelay); err != nil {
		slog.Warn("[BLE] connect abandoned during settle delay", "id", id, "error", err)
		_ = m.disconnect(id)
		return nil, fmt.Errorf("ble: connect %s: %w", id, err)
	}

	return m.ensureServices(ctx, l)
}

func (m *Manager) ensureServices(ctx context.Context, l *link) (*link, error) {
	m.mu.Lock()
	discovered := l.services != nil
	m.mu.Unlock()
	if discovered {
		return l, nil
	}

	svcs, err := l.conn.DiscoverServices(ctx)
	if err != nil {
		opErr := opError("discover", l.id, ErrServiceDiscovery, err)
		slog.Error("[BLE] service discovery failed", "id", l.id, "error", opErr)
		return nil, opErr
	}
	if svcs == nil {
		svcs = []Service{}
	}

	m.mu.Lock()
	l.services = svcs
	m.mu.Unlock()
	m.registry.Apply(Event{Kind: EventServices, ID: l.id, Services: svcs})
	slog.Debug("[BLE] services discovered", "id", l.id, "count", len(svcs))
	return l, nil
}

// readSignal reads RSSI with a deadline. A read that outlives ReadTimeout, or
// whose link drops meanwhile, counts as a failed read.
func (m *Manager) readSignal(ctx context.Context, l *link) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, m.opts.ReadTimeout)
	defer cancel()
	m.mu.Lock()
	l.cancelRead = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		l.cancelRead = nil
		m.mu.Unlock()
	}()

	rssi, err := l.conn.ReadRSSI(rctx)
	if err != nil {
		opErr := opError("read_rssi", l.id, ErrRead, err)
		slog.Error("[BLE] rssi read failed", "id", l.id, "error", opErr)
		return 0, opErr
	}
	slog.Debug("[BLE] retrieved current RSSI value", "id", l.id, "rssi", rssi)

	// Zero is what the stack reports when it has no reading.
	if rssi != 0 {
		m.registry.Apply(Event{Kind: EventSignal, ID: l.id, RSSI: rssi})
	}
	if m.opts.OnSignal != nil {
		m.opts.OnSignal(l.id, rssi, time.Now())
	}
	return rssi, nil
}

// ReadSignalStrength reads RSSI over the active link to id.
func (m *Manager) ReadSignalStrength(ctx context.Context, id string) (int, error) {
	if err := m.begin(); err != nil {
		return 0, fmt.Errorf("ble: read rssi %s: %w", id, err)
	}
	defer m.end()

	m.mu.Lock()
	l := m.linkFor(id)
	m.mu.Unlock()
	if l == nil {
		return 0, fmt.Errorf("ble: read rssi %s: %w", id, ErrNotConnected)
	}
	return m.readSignal(ctx, l)
}

// Disconnect closes the link to id. The peripheral always ends up Idle, even
// when the native disconnect fails.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	if err := m.begin(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", id, err)
	}
	defer m.end()
	return m.disconnect(id)
}

func (m *Manager) disconnect(id string) error {
	m.mu.Lock()
	l := m.linkFor(id)
	if l != nil {
		m.active = nil
		if l.cancelRead != nil {
			l.cancelRead()
		}
	}
	m.mu.Unlock()

	if l == nil {
		m.registry.Apply(Event{Kind: EventPhase, ID: id, Phase: PhaseIdle})
		return nil
	}

	m.registry.Apply(Event{Kind: EventPhase, ID: id, Phase: PhaseDisconnecting})
	err := l.conn.Disconnect()
	m.registry.Apply(Event{Kind: EventDisconnected, ID: id})
	m.feed.Publish(Event{Kind: EventDisconnected, ID: id})

	if err != nil {
		opErr := opError("disconnect", id, ErrDisconnect, err)
		slog.Error("[BLE] error when trying to disconnect device", "id", id, "error", opErr)
		return opErr
	}
	slog.Info("[BLE] disconnected", "id", id)
	return nil
}

// handleDisconnect runs when the stack reports the link dropped.
func (m *Manager) handleDisconnect(l *link) {
	m.mu.Lock()
	if m.active != l {
		m.mu.Unlock()
		return
	}
	m.active = nil
	if l.cancelRead != nil {
		l.cancelRead()
	}
	m.mu.Unlock()

	m.registry.Apply(Event{Kind: EventDisconnected, ID: l.id})
	m.feed.Publish(Event{Kind: EventDisconnected, ID: l.id})
	slog.Warn("[BLE] link lost", "id", l.id)
}

// WriteActuationSignal writes a single byte to the configured actuator
// characteristic of id, connecting first if needed.
func (m *Manager) WriteActuationSignal(ctx context.Context, id string, value byte) error {
	if err := m.begin(); err != nil {
		return fmt.Errorf("ble: write %s: %w", id, err)
	}
	defer m.end()

	l, err := m.connect(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	svcs := l.services
	m.mu.Unlock()
	if !hasActuator(svcs, m.opts.ServiceUUID, m.opts.CharacteristicUUID) {
		opErr := opError("write", id, ErrCharacteristicNotFound,
			fmt.Errorf("service %s characteristic %s", m.opts.ServiceUUID, m.opts.CharacteristicUUID))
		slog.Error("[BLE] peripheral lacks actuator characteristic", "id", id, "error", opErr)
		return opErr
	}

	ch, err := l.conn.DiscoverCharacteristic(m.opts.ServiceUUID, m.opts.CharacteristicUUID)
	if err != nil {
		opErr := opError("write", id, ErrServiceDiscovery, err)
		slog.Error("[BLE] discover actuator characteristic failed", "id", id, "error", opErr)
		return opErr
	}
	if err := ch.Write([]byte{value}); err != nil {
		opErr := opError("write", id, ErrWrite, err)
		slog.Error("[BLE] actuation write failed", "id", id, "value", value, "error", opErr)
		return opErr
	}
	slog.Info("[BLE] actuation written", "id", id, "value", value)
	return nil
}

// Subscribe enables notifications on a characteristic of the connected
// peripheral and republishes them as EventCharacteristicUpdated.
func (m *Manager) Subscribe(ctx context.Context, id, serviceUUID, charUUID string) error {
	if err := m.begin(); err != nil {
		return fmt.Errorf("ble: subscribe %s: %w", id, err)
	}
	defer m.end()

	m.mu.Lock()
	l := m.linkFor(id)
	m.mu.Unlock()
	if l == nil {
		return fmt.Errorf("ble: subscribe %s: %w", id, ErrNotConnected)
	}

	ch, err := l.conn.DiscoverCharacteristic(serviceUUID, charUUID)
	if err != nil {
		return opError("subscribe", id, ErrServiceDiscovery, err)
	}
	return ch.Subscribe(func(data []byte) {
		value := make([]byte, len(data))
		copy(value, data)
		slog.Debug("[BLE] received data", "id", id, "characteristic", charUUID, "value", value)
		m.feed.Publish(Event{
			Kind:           EventCharacteristicUpdated,
			ID:             id,
			Service:        serviceUUID,
			Characteristic: charUUID,
			Value:          value,
		})
	})
}

// Close disconnects the active peripheral, if any.
func (m *Manager) Close() error {
	id, ok := m.Active()
	if !ok {
		return nil
	}
	return m.disconnect(id)
}

func hasActuator(svcs []Service, serviceUUID, charUUID string) bool {
	for _, s := range svcs {
		if equalUUID(s.UUID, serviceUUID) && s.HasCharacteristic(charUUID) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
