package kasa

import (
	"context"
	"errors"
	"time"
)

const (
	// bulbBufferSize is a bulb's response scratch size.
	bulbBufferSize = 1536

	// bulbMinResponse is the shortest plausible bulb query reply.
	bulbMinResponse = 400

	// MinColorTemp and MaxColorTemp bound colour temperature in Kelvin.
	MinColorTemp = 2500
	MaxColorTemp = 9000

	// MaxBrightness is the top of the brightness scale.
	MaxBrightness = 100
)

// Bulb is a dimmable light (LB and KL families).
type Bulb struct {
	header

	brightness        int
	colorTemp         int
	dimmable          bool
	variableColorTemp bool
}

var _ Device = (*Bulb)(nil)

// NewBulb binds a bulb by alias and address without discovery.
func NewBulb(s *Session, alias, addr string) *Bulb {
	b := &Bulb{}
	b.init(s, KindBulb, alias, addr, bulbBufferSize)
	return b
}

// Brightness returns the last commanded or confirmed brightness (0-100).
func (b *Bulb) Brightness() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.brightness
}

// ColorTemp returns the last commanded or confirmed colour temperature.
func (b *Bulb) ColorTemp() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.colorTemp
}

// Dimmable reports whether the bulb accepts brightness commands.
func (b *Bulb) Dimmable() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dimmable
}

// VariableColorTemp reports whether the bulb supports colour temperature.
func (b *Bulb) VariableColorTemp() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.variableColorTemp
}

// QueryInfo refreshes system info and light state in one request.
//
// Light state comes from the lighting service object when present and from
// the light_state field of sysinfo otherwise. Returns the raw response
// length. A response of 400 bytes or fewer leaves cached state untouched.
func (b *Bulb) QueryInfo(ctx context.Context) (int, error) {
	n, reply, err := b.query(ctx, cmdBulbQuery, bulbMinResponse)
	if err != nil {
		return n, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirm(reply.info())
	b.applyLight(reply)
	return n, nil
}

// SetOnOff sends a transition on/off command and records the state as
// assumed.
func (b *Bulb) SetOnOff(ctx context.Context, on bool) error {
	b.mu.Lock()
	b.assume(on)
	addr := b.addr
	b.mu.Unlock()

	return b.session.SendCommand(ctx, addr, lightCommand(on))
}

// SetBrightness sets the brightness, clamped to [0,100].
//
// Zero or below turns the bulb off and leaves the stored brightness alone.
// Above zero, a bulb recorded as off is switched on first. The brightness is
// recorded even if switching on failed; the first error is returned.
func (b *Bulb) SetBrightness(ctx context.Context, value int) error {
	value = clamp(value, 0, MaxBrightness)
	if value == 0 {
		return b.SetOnOff(ctx, false)
	}

	var errs []error
	if !b.On() {
		if err := b.SetOnOff(ctx, true); err != nil {
			errs = append(errs, err)
		}
	}

	b.mu.Lock()
	b.brightness = value
	b.confirmed = false
	b.updatedAt = time.Now()
	addr := b.addr
	b.mu.Unlock()

	if err := b.session.SendCommand(ctx, addr, transitionCommand("brightness", value)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SetColorTemp sets the colour temperature, clamped to [2500,9000] K.
func (b *Bulb) SetColorTemp(ctx context.Context, kelvin int) error {
	kelvin = clamp(kelvin, MinColorTemp, MaxColorTemp)

	b.mu.Lock()
	b.colorTemp = kelvin
	b.confirmed = false
	b.updatedAt = time.Now()
	addr := b.addr
	b.mu.Unlock()

	return b.session.SendCommand(ctx, addr, transitionCommand("color_temp", kelvin))
}

// SetTransition sets the animation period applied to later light changes.
// Nothing is recorded locally.
func (b *Bulb) SetTransition(ctx context.Context, period time.Duration) error {
	ms := int(period / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	return b.session.SendCommand(ctx, b.Address(), transitionCommand("transition_period", ms))
}

// State returns a snapshot of the bulb.
func (b *Bulb) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := b.snapshot()
	st.Brightness = b.brightness
	st.ColorTemp = b.colorTemp
	st.Dimmable = b.dimmable
	st.VariableColorTemp = b.variableColorTemp
	return st
}

// applyDiscovery populates the bulb from a discovery reply.
func (b *Bulb) applyDiscovery(reply *sysinfoReply, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := reply.info()
	b.model = truncate(info.Model, maxModelLen)
	b.errCode = info.ErrCode
	b.applyLight(reply)
	b.confirmed = true
	b.updatedAt = now
}

// applyLight copies light state fields that are present. Caller holds b.mu.
func (b *Bulb) applyLight(reply *sysinfoReply) {
	info := reply.info()
	if v, ok := flag(info.IsDimmable); ok {
		b.dimmable = v
	}
	if v, ok := flag(info.IsVariableColorTemp); ok {
		b.variableColorTemp = v
	}

	ls := reply.light()
	if ls == nil {
		return
	}
	if on, ok := flag(ls.OnOff); ok {
		b.on = on
	}
	if v, ok := ls.brightness(); ok {
		b.brightness = clamp(v, 0, MaxBrightness)
	}
	if v, ok := ls.colorTemp(); ok {
		b.colorTemp = v
	}
	if v, ok := flag(ls.IsDimmable); ok {
		b.dimmable = v
	}
	if v, ok := flag(ls.IsVariableColorTemp); ok {
		b.variableColorTemp = v
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
