package kasa

import (
	"context"
	"fmt"
	"sync"
)

// DefaultCapacity is the default number of device slots.
const DefaultCapacity = 4

// Registry is a bounded, insertion-ordered collection of devices keyed by
// alias.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Device handles remain valid after Reset but are no longer tracked.
type Registry struct {
	mu       sync.RWMutex
	capacity int
	devices  []Device
}

// NewRegistry creates a registry with the given capacity.
// A non-positive capacity uses DefaultCapacity.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		capacity: capacity,
		devices:  make([]Device, 0, capacity),
	}
}

// Get returns the first device whose alias matches exactly.
func (r *Registry) Get(alias string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.find(alias)
}

// At returns the device at index i in discovery order.
func (r *Registry) At(i int) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.devices) {
		return nil, false
	}
	return r.devices[i], true
}

// Plug returns the device with the given alias if it is a plug.
func (r *Registry) Plug(alias string) (*Plug, bool) {
	d, ok := r.Get(alias)
	if !ok {
		return nil, false
	}
	p, ok := d.(*Plug)
	return p, ok
}

// Bulb returns the device with the given alias if it is a bulb.
func (r *Registry) Bulb(alias string) (*Bulb, bool) {
	d, ok := r.Get(alias)
	if !ok {
		return nil, false
	}
	b, ok := d.(*Bulb)
	return b, ok
}

// ByAddress returns the first device whose last known address is addr.
func (r *Registry) ByAddress(addr string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.Address() == addr {
			return d, true
		}
	}
	return nil, false
}

// Len returns the number of occupied slots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Cap returns the registry capacity.
func (r *Registry) Cap() int {
	return r.capacity
}

// Devices returns a copy of the tracked devices in discovery order.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Reset drops every tracked device.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.devices)
	r.devices = r.devices[:0]
}

// UpdateAddress sets the address of the device with the given alias.
// It reports whether such a device exists.
func (r *Registry) UpdateAddress(alias, addr string) bool {
	r.mu.RLock()
	d, ok := r.find(alias)
	r.mu.RUnlock()
	if !ok {
		return false
	}
	d.setAddress(addr)
	return true
}

// Add appends a device.
//
// Returns:
//   - ErrDuplicateAlias if a device with the same alias is tracked
//   - ErrRegistryFull if every slot is occupied
func (r *Registry) Add(d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alias := d.Alias()
	if _, ok := r.find(alias); ok {
		return fmt.Errorf("%w: %q", ErrDuplicateAlias, alias)
	}
	if len(r.devices) >= r.capacity {
		return fmt.Errorf("%w: %d devices", ErrRegistryFull, r.capacity)
	}
	r.devices = append(r.devices, d)
	return nil
}

// RefreshAll queries every tracked device in order and returns how many
// produced a plausible, parsed response. Short or unparseable replies are
// not counted, although they still carried bytes. Devices that fail keep
// their cached state. Iteration stops early if ctx is cancelled.
func (r *Registry) RefreshAll(ctx context.Context) int {
	ok := 0
	for _, d := range r.Devices() {
		if ctx.Err() != nil {
			break
		}
		if _, err := d.QueryInfo(ctx); err == nil {
			ok++
		}
	}
	return ok
}

// find returns the first device with alias. Caller holds r.mu.
func (r *Registry) find(alias string) (Device, bool) {
	for _, d := range r.devices {
		if d.Alias() == alias {
			return d, true
		}
	}
	return nil, false
}
