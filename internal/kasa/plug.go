package kasa

import (
	"context"
	"time"
)

const (
	// plugBufferSize is a plug's response scratch size.
	plugBufferSize = 1024

	// plugMinResponse is the shortest plausible plug sysinfo reply.
	plugMinResponse = 200
)

// Plug is a relay device (HS, KP and EP families).
type Plug struct {
	header
}

var _ Device = (*Plug)(nil)

// NewPlug binds a plug by alias and address without discovery.
func NewPlug(s *Session, alias, addr string) *Plug {
	p := &Plug{}
	p.init(s, KindPlug, alias, addr, plugBufferSize)
	return p
}

// QueryInfo refreshes alias, relay state and error code from get_sysinfo.
//
// Returns the raw response length. A response of 200 bytes or fewer is
// implausible and leaves cached state untouched.
func (p *Plug) QueryInfo(ctx context.Context) (int, error) {
	n, reply, err := p.query(ctx, cmdGetSysinfo, plugMinResponse)
	if err != nil {
		return n, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	info := reply.info()
	p.confirm(info)
	if on, ok := flag(info.RelayState); ok {
		p.on = on
	}
	return n, nil
}

// SetOnOff switches the relay and records the new state as assumed.
// The local state is updated before the command is sent.
func (p *Plug) SetOnOff(ctx context.Context, on bool) error {
	p.mu.Lock()
	p.assume(on)
	addr := p.addr
	p.mu.Unlock()

	return p.session.SendCommand(ctx, addr, relayCommand(on))
}

// State returns a snapshot of the plug.
func (p *Plug) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot()
}

// applyDiscovery populates the plug from a discovery reply.
func (p *Plug) applyDiscovery(info *sysinfo, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = truncate(info.Model, maxModelLen)
	p.errCode = info.ErrCode
	if on, ok := flag(info.RelayState); ok {
		p.on = on
	}
	p.confirmed = true
	p.updatedAt = now
}
