package kasa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Config configures a Manager.
type Config struct {
	// Capacity is the number of device slots. Default: 4.
	Capacity int

	// DiscoveryTimeout is the wait window per broadcast. Default: 2 seconds.
	DiscoveryTimeout time.Duration

	Session SessionConfig
	Scanner ScannerConfig
}

// Binding names a device bound by address instead of discovery.
type Binding struct {
	Alias   string
	Address string
	Kind    Kind
}

// Stats is a point-in-time view of manager activity.
type Stats struct {
	Devices  int
	Capacity int
	Session  SessionStats
	Scanner  ScannerStats
	LastScan ScanReport
}

// Manager ties a Session, Registry and Scanner together and exposes the
// operations used by the bridge and API.
//
// Devices bound with Bind are re-bound after each scan if discovery did not
// find them, so well-known devices survive a rescan.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Manager struct {
	session  *Session
	registry *Registry
	scanner  *Scanner
	timeout  time.Duration

	bindMu   sync.Mutex
	bindings []Binding

	onChange   func(State)
	onChangeMu sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// NewManager creates a Manager. No I/O happens until Scan or a device
// operation is called.
func NewManager(cfg Config) *Manager {
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	session := NewSession(cfg.Session)
	registry := NewRegistry(cfg.Capacity)
	return &Manager{
		session:  session,
		registry: registry,
		scanner:  NewScanner(session, registry, cfg.Scanner),
		timeout:  cfg.DiscoveryTimeout,
	}
}

// SetLogger sets the logger on the manager and its components.
func (m *Manager) SetLogger(logger Logger) {
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
	m.session.SetLogger(logger)
	m.scanner.SetLogger(logger)
}

// SetOnChange registers a callback invoked with a fresh snapshot after a
// command is issued or a refresh succeeds. It runs on the caller's
// goroutine and must not block.
func (m *Manager) SetOnChange(fn func(State)) {
	m.onChangeMu.Lock()
	defer m.onChangeMu.Unlock()
	m.onChange = fn
}

// Registry returns the underlying registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Scan rebuilds the registry from discovery and re-binds static devices
// that were not discovered. Static devices are re-bound even when the
// scan fails; the scan error is still returned.
func (m *Manager) Scan(ctx context.Context) (int, error) {
	n, err := m.scanner.Scan(ctx, m.timeout)
	m.rebind()
	if err != nil {
		return n, err
	}
	return m.registry.Len(), nil
}

// rebind adds every static binding that no tracked device covers, by
// alias or by address.
func (m *Manager) rebind() {
	m.bindMu.Lock()
	bindings := append([]Binding(nil), m.bindings...)
	m.bindMu.Unlock()

	for _, b := range bindings {
		if _, ok := m.registry.Get(truncateAlias(b.Alias)); ok {
			continue
		}
		if _, ok := m.registry.ByAddress(b.Address); ok {
			continue
		}
		if _, err := m.add(b); err != nil {
			m.logWarn("kasa static device not re-bound", "alias", b.Alias, "error", err)
		}
	}
}

// Bind adds a device by alias and address without discovery.
func (m *Manager) Bind(alias, address string, kind Kind) (Device, error) {
	b := Binding{Alias: alias, Address: address, Kind: kind}
	d, err := m.add(b)
	if err != nil {
		return nil, err
	}

	m.bindMu.Lock()
	m.bindings = append(m.bindings, b)
	m.bindMu.Unlock()

	m.logInfo("kasa device bound", "alias", d.Alias(), "address", address, "kind", kind)
	return d, nil
}

func (m *Manager) add(b Binding) (Device, error) {
	if b.Address == "" {
		return nil, fmt.Errorf("%w: empty address for %q", ErrInvalidAddress, b.Alias)
	}

	var d Device
	switch b.Kind {
	case KindPlug:
		d = NewPlug(m.session, b.Alias, b.Address)
	case KindBulb:
		d = NewBulb(m.session, b.Alias, b.Address)
	default:
		return nil, fmt.Errorf("%w: kind %s", ErrUnsupportedModel, b.Kind)
	}

	d.pinAlias()
	if err := m.registry.Add(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Refresh queries one device by alias.
func (m *Manager) Refresh(ctx context.Context, alias string) (State, error) {
	d, ok := m.registry.Get(alias)
	if !ok {
		return State{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, alias)
	}
	if _, err := d.QueryInfo(ctx); err != nil {
		return d.State(), err
	}
	st := d.State()
	m.notify(st)
	return st, nil
}

// RefreshAll queries every device and returns how many responded
// plausibly.
func (m *Manager) RefreshAll(ctx context.Context) int {
	n := m.registry.RefreshAll(ctx)
	for _, d := range m.registry.Devices() {
		if st := d.State(); st.Confirmed {
			m.notify(st)
		}
	}
	return n
}

// SetOnOff switches a device by alias.
func (m *Manager) SetOnOff(ctx context.Context, alias string, on bool) (State, error) {
	d, ok := m.registry.Get(alias)
	if !ok {
		return State{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, alias)
	}
	err := d.SetOnOff(ctx, on)
	st := d.State()
	m.notify(st)
	return st, err
}

// SetBrightness sets a bulb's brightness by alias.
func (m *Manager) SetBrightness(ctx context.Context, alias string, value int) (State, error) {
	b, err := m.bulb(alias)
	if err != nil {
		return State{}, err
	}
	err = b.SetBrightness(ctx, value)
	st := b.State()
	m.notify(st)
	return st, err
}

// SetColorTemp sets a bulb's colour temperature by alias.
func (m *Manager) SetColorTemp(ctx context.Context, alias string, kelvin int) (State, error) {
	b, err := m.bulb(alias)
	if err != nil {
		return State{}, err
	}
	err = b.SetColorTemp(ctx, kelvin)
	st := b.State()
	m.notify(st)
	return st, err
}

// SetTransition sets a bulb's transition period by alias.
func (m *Manager) SetTransition(ctx context.Context, alias string, period time.Duration) error {
	b, err := m.bulb(alias)
	if err != nil {
		return err
	}
	return b.SetTransition(ctx, period)
}

func (m *Manager) bulb(alias string) (*Bulb, error) {
	d, ok := m.registry.Get(alias)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, alias)
	}
	b, ok := d.(*Bulb)
	if !ok {
		return nil, fmt.Errorf("%w: %q is a %s", ErrUnsupportedModel, alias, d.Kind())
	}
	return b, nil
}

// Device returns a device by alias.
func (m *Manager) Device(alias string) (Device, bool) {
	return m.registry.Get(alias)
}

// DeviceAt returns a device by discovery index.
func (m *Manager) DeviceAt(i int) (Device, bool) {
	return m.registry.At(i)
}

// Plug returns a plug by alias.
func (m *Manager) Plug(alias string) (*Plug, bool) {
	return m.registry.Plug(alias)
}

// Bulb returns a bulb by alias.
func (m *Manager) Bulb(alias string) (*Bulb, bool) {
	return m.registry.Bulb(alias)
}

// Count returns the number of tracked devices.
func (m *Manager) Count() int {
	return m.registry.Len()
}

// Snapshots returns the state of every tracked device in discovery order.
func (m *Manager) Snapshots() []State {
	devices := m.registry.Devices()
	out := make([]State, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.State())
	}
	return out
}

// LastScan returns the report of the most recent scan.
func (m *Manager) LastScan() ScanReport {
	return m.scanner.LastReport()
}

// Stats returns current manager statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		Devices:  m.registry.Len(),
		Capacity: m.registry.Cap(),
		Session:  m.session.Stats(),
		Scanner:  m.scanner.Stats(),
		LastScan: m.scanner.LastReport(),
	}
}

// IsNotFound reports whether err means no device matched.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDeviceNotFound)
}

func (m *Manager) notify(st State) {
	m.onChangeMu.RLock()
	fn := m.onChange
	m.onChangeMu.RUnlock()
	if fn != nil {
		fn(st)
	}
}

func (m *Manager) logInfo(msg string, keysAndValues ...any) {
	if l := m.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (m *Manager) logWarn(msg string, keysAndValues ...any) {
	if l := m.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (m *Manager) getLogger() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}
