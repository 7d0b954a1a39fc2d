package kasa

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// MaxAliasLen is the longest alias kept, in bytes.
	MaxAliasLen = 31

	// maxModelLen is the longest model string kept, in bytes.
	maxModelLen = 15
)

// Kind tags a device family.
type Kind int

// Device families.
const (
	KindUnknown Kind = iota
	KindPlug
	KindBulb
)

// String returns the lowercase family name.
func (k Kind) String() string {
	switch k {
	case KindPlug:
		return "plug"
	case KindBulb:
		return "bulb"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind parses "plug" or "bulb".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "plug":
		return KindPlug, nil
	case "bulb":
		return KindBulb, nil
	default:
		return KindUnknown, fmt.Errorf("%w: kind %q", ErrUnsupportedModel, s)
	}
}

// State is an immutable snapshot of a device.
//
// Bulb-only fields are zero for plugs.
type State struct {
	Alias             string    `json:"alias"`
	Address           string    `json:"address"`
	Model             string    `json:"model,omitempty"`
	Kind              Kind      `json:"kind"`
	On                bool      `json:"on"`
	ErrCode           int       `json:"err_code"`
	Brightness        int       `json:"brightness,omitempty"`
	ColorTemp         int       `json:"color_temp,omitempty"`
	Dimmable          bool      `json:"dimmable,omitempty"`
	VariableColorTemp bool      `json:"variable_color_temp,omitempty"`
	Confirmed         bool      `json:"confirmed"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Device is the behaviour shared by every device family.
//
// Concrete values are *Plug or *Bulb; use Kind or a type switch to reach
// family-specific operations.
type Device interface {
	Alias() string
	Address() string
	Model() string
	Kind() Kind
	On() bool
	ErrCode() int
	State() State

	// QueryInfo refreshes cached state from the device and returns the raw
	// response length. Cached state is kept on any failure.
	QueryInfo(ctx context.Context) (int, error)

	// SetOnOff sends an on/off command and records the new state as assumed.
	SetOnOff(ctx context.Context, on bool) error

	setAddress(addr string)
	pinAlias()
}

// header is the state common to every device family.
type header struct {
	mu sync.RWMutex

	alias     string
	addr      string
	model     string
	kind      Kind
	on        bool
	errCode   int
	confirmed bool
	updatedAt time.Time

	// pinned keeps a bound alias when the device reports another one.
	pinned bool

	session *Session

	// buf is this device's private response scratch buffer.
	buf []byte
}

func (h *header) init(s *Session, kind Kind, alias, addr string, bufSize int) {
	h.alias = truncateAlias(alias)
	h.addr = addr
	h.kind = kind
	h.session = s
	h.buf = make([]byte, bufSize)
	h.updatedAt = time.Now()
}

// Alias returns the device alias.
func (h *header) Alias() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.alias
}

// Address returns the last known network address.
func (h *header) Address() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.addr
}

// Model returns the reported model string.
func (h *header) Model() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.model
}

// Kind returns the device family.
func (h *header) Kind() Kind {
	return h.kind
}

// On returns the last commanded or confirmed on/off state.
func (h *header) On() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.on
}

// ErrCode returns the error code from the most recent successful query.
func (h *header) ErrCode() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.errCode
}

func (h *header) pinAlias() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pinned = true
}

func (h *header) setAddress(addr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addr = addr
}

// snapshot fills the common fields of a State. Caller holds h.mu.
func (h *header) snapshot() State {
	return State{
		Alias:     h.alias,
		Address:   h.addr,
		Model:     h.model,
		Kind:      h.kind,
		On:        h.on,
		ErrCode:   h.errCode,
		Confirmed: h.confirmed,
		UpdatedAt: h.updatedAt,
	}
}

// assume records a commanded on/off state. Caller holds h.mu.
func (h *header) assume(on bool) {
	h.on = on
	h.confirmed = false
	h.updatedAt = time.Now()
}

// confirm records state reported by the device. Caller holds h.mu.
func (h *header) confirm(info *sysinfo) {
	if info.Alias != "" && !h.pinned {
		h.alias = truncateAlias(info.Alias)
	}
	if info.Model != "" {
		h.model = truncate(info.Model, maxModelLen)
	}
	h.errCode = info.ErrCode
	h.confirmed = true
	h.updatedAt = time.Now()
}

// query runs a query into the device's scratch buffer and parses the reply
// when it is longer than minLen.
func (h *header) query(ctx context.Context, payload []byte, minLen int) (int, *sysinfoReply, error) {
	n, err := h.session.Query(ctx, h.Address(), payload, h.buf, 0)
	if err != nil {
		return n, nil, err
	}
	if n <= minLen {
		return n, nil, fmt.Errorf("%w: %d bytes", ErrImplausibleResponse, n)
	}

	reply, err := parseReply(h.buf[:n])
	if err != nil {
		return n, nil, err
	}
	return n, reply, nil
}

// truncateAlias shortens an alias to MaxAliasLen bytes on a rune boundary.
func truncateAlias(alias string) string {
	return truncate(alias, MaxAliasLen)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
