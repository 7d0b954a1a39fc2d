package kasa

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeDevice is a Dialer that serves each connection like a Kasa device
// over net.Pipe.
type fakeDevice struct {
	// respond returns the plaintext reply for a request; nil means stay
	// silent until the client hangs up.
	respond func(req []byte) []byte

	dialErr  error
	dialHang bool

	requests chan string
	dials    atomic.Int32
	active   atomic.Int32
	maxSeen  atomic.Int32
	lastAddr atomic.Value
}

func newFakeDevice(respond func(req []byte) []byte) *fakeDevice {
	return &fakeDevice{
		respond:  respond,
		requests: make(chan string, 64),
	}
}

func (f *fakeDevice) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	f.dials.Add(1)
	f.lastAddr.Store(address)
	if f.dialHang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.dialErr != nil {
		return nil, f.dialErr
	}

	client, server := net.Pipe()
	n := f.active.Add(1)
	for {
		cur := f.maxSeen.Load()
		if n <= cur || f.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	go f.serve(server)
	return &trackedConn{Conn: client, onClose: func() { f.active.Add(-1) }}, nil
}

func (f *fakeDevice) serve(conn net.Conn) {
	defer conn.Close()

	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return
	}
	body := make([]byte, binary.BigEndian.Uint16(hdr[2:]))
	if _, err := io.ReadFull(conn, body); err != nil {
		return
	}
	req := Decrypt(body, 0)
	f.requests <- string(req)

	var resp []byte
	if f.respond != nil {
		resp = f.respond(req)
	}
	if resp == nil {
		_, _ = io.Copy(io.Discard, conn)
		return
	}

	frame, err := Encrypt(resp, true)
	if err != nil {
		return
	}
	_, _ = conn.Write(frame)
	_, _ = io.Copy(io.Discard, conn)
}

// nextRequest waits for the next plaintext request the device received.
func (f *fakeDevice) nextRequest(t *testing.T) string {
	t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for device request")
		return ""
	}
}

// drainRequests returns every request received so far.
func (f *fakeDevice) drainRequests() []string {
	var out []string
	for {
		select {
		case req := <-f.requests:
			out = append(out, req)
		default:
			return out
		}
	}
}

type trackedConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *trackedConn) Close() error {
	c.once.Do(c.onClose)
	return c.Conn.Close()
}

// testSession returns a session wired to dev with short timings.
func testSession(dev *fakeDevice) *Session {
	return NewSession(SessionConfig{
		ConnectTimeout: 200 * time.Millisecond,
		QueryTimeout:   200 * time.Millisecond,
		SettleDelay:    time.Millisecond,
		Dialer:         dev,
	})
}

// datagram is one scripted discovery reply.
type datagram struct {
	from    string
	payload []byte
}

// fakePacketConn replays scripted discovery replies. script[i] is delivered
// after the i-th broadcast.
type fakePacketConn struct {
	mu       sync.Mutex
	script   [][]datagram
	sent     [][]byte
	dests    []net.Addr
	deadline time.Time
	writeErr error
	closed   bool

	queue chan datagram
}

func newFakePacketConn(script ...[]datagram) *fakePacketConn {
	return &fakePacketConn{script: script, queue: make(chan datagram, 64)}
}

func (c *fakePacketConn) listener() PacketListener {
	return func(context.Context, string, string) (net.PacketConn, error) {
		return c, nil
	}
}

func (c *fakePacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.sent = append(c.sent, append([]byte(nil), b...))
	c.dests = append(c.dests, addr)
	if i := len(c.sent) - 1; i < len(c.script) {
		for _, d := range c.script[i] {
			c.queue <- d
		}
	}
	return len(b), nil
}

func (c *fakePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	select {
	case d := <-c.queue:
		n := copy(b, d.payload)
		return n, &net.UDPAddr{IP: net.ParseIP(d.from), Port: DefaultPort}, nil
	default:
	}

	select {
	case d := <-c.queue:
		n := copy(b, d.payload)
		return n, &net.UDPAddr{IP: net.ParseIP(d.from), Port: DefaultPort}, nil
	case <-time.After(time.Until(deadline)):
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *fakePacketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakePacketConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4zero, Port: 50000}
}

func (c *fakePacketConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *fakePacketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *fakePacketConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (c *fakePacketConn) broadcasts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// minFixtureLen keeps fixtures above every plausibility threshold.
const minFixtureLen = 480

// sysinfoFields returns a realistic get_sysinfo object.
func sysinfoFields(alias, model string) map[string]any {
	return map[string]any{
		"alias":       alias,
		"model":       model,
		"err_code":    0,
		"sw_ver":      "1.5.4 Build 180815 Rel.121440",
		"hw_ver":      "2.0",
		"mac":         "50:C7:BF:00:00:01",
		"deviceId":    strings.Repeat("8006", 10),
		"hwId":        strings.Repeat("A1B2", 8),
		"oemId":       strings.Repeat("C3D4", 8),
		"fwId":        strings.Repeat("0", 32),
		"rssi":        -58,
		"latitude_i":  0,
		"longitude_i": 0,
		"updating":    0,
	}
}

// plugReply builds a plug sysinfo reply.
func plugReply(t *testing.T, alias, model string, relay int) []byte {
	t.Helper()
	info := sysinfoFields(alias, model)
	info["type"] = "IOT.SMARTPLUGSWITCH"
	info["dev_name"] = "Smart Wi-Fi Plug"
	info["relay_state"] = relay
	info["on_time"] = 1200
	return marshalReply(t, map[string]any{
		"system": map[string]any{"get_sysinfo": info},
	})
}

// bulbDiscoveryReply builds a bulb sysinfo reply with embedded light_state.
func bulbDiscoveryReply(t *testing.T, alias, model string, on, brightness int) []byte {
	t.Helper()
	info := sysinfoFields(alias, model)
	info["mic_type"] = "IOT.SMARTBULB"
	info["description"] = "Smart Wi-Fi LED Bulb with Tunable White Light"
	info["is_dimmable"] = 1
	info["is_variable_color_temp"] = 1
	info["light_state"] = map[string]any{
		"on_off":     on,
		"brightness": brightness,
		"color_temp": 2700,
		"hue":        0,
		"saturation": 0,
	}
	return marshalReply(t, map[string]any{
		"system": map[string]any{"get_sysinfo": info},
	})
}

// bulbQueryReply builds a combined sysinfo and get_light_state reply.
func bulbQueryReply(t *testing.T, alias string, lightState map[string]any) []byte {
	t.Helper()
	info := sysinfoFields(alias, "KL130(EU)")
	info["mic_type"] = "IOT.SMARTBULB"
	info["description"] = "Smart Wi-Fi LED Bulb with Color Changing"
	return marshalReply(t, map[string]any{
		"system": map[string]any{"get_sysinfo": info},
		lightingService: map[string]any{
			"get_light_state": lightState,
		},
	})
}

func marshalReply(t *testing.T, v map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if len(b) < minFixtureLen {
		if sys, ok := v["system"].(map[string]any); ok {
			if info, ok := sys["get_sysinfo"].(map[string]any); ok {
				info["oem_notes"] = strings.Repeat("0", minFixtureLen-len(b))
			}
		}
		if b, err = json.Marshal(v); err != nil {
			t.Fatalf("marshal fixture: %v", err)
		}
	}
	return b
}

// discoveryDatagram encrypts a reply the way a device answers discovery.
func discoveryDatagram(t *testing.T, from string, reply []byte) datagram {
	t.Helper()
	payload, err := Encrypt(reply, false)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	return datagram{from: from, payload: payload}
}

// mockLogger records log calls.
type mockLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *mockLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, level+": "+msg)
}

func (l *mockLogger) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *mockLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *mockLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *mockLogger) Error(msg string, _ ...any) { l.record("error", msg) }

func (l *mockLogger) has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e == entry {
			return true
		}
	}
	return false
}
