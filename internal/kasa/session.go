package kasa

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Default protocol constants and timings.
const (
	// DefaultPort is the TCP and UDP port Kasa devices listen on.
	DefaultPort = 9999

	// DefaultConnectTimeout bounds a single TCP connect.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultQueryTimeout is the read window for a query response.
	DefaultQueryTimeout = 300 * time.Millisecond

	// DefaultSettleDelay is the pause after a fire-and-forget command before
	// the connection is closed, giving the device time to read it.
	DefaultSettleDelay = 10 * time.Millisecond

	// sendBufferSize is the framed command buffer size.
	sendBufferSize = 512

	// writeTimeout bounds a single payload write.
	writeTimeout = 2 * time.Second
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Dialer opens outbound TCP connections to devices.
// *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// PacketListener opens the UDP socket used for discovery. The returned
// socket must be able to send to the broadcast address.
type PacketListener func(ctx context.Context, network, address string) (net.PacketConn, error)

// SessionConfig holds connection settings for a Session.
type SessionConfig struct {
	// Port is the device port. Default: 9999.
	Port int

	// ConnectTimeout bounds each TCP connect. Default: 5 seconds.
	ConnectTimeout time.Duration

	// QueryTimeout is used by Query when the caller passes zero.
	// Default: 300 milliseconds.
	QueryTimeout time.Duration

	// SettleDelay is the pause after a command write. Default: 10 milliseconds.
	SettleDelay time.Duration

	// Dialer overrides the TCP dialer. Default: *net.Dialer.
	Dialer Dialer

	// ListenPacket overrides how the discovery socket is opened.
	// Default: a UDP listener with SO_BROADCAST enabled.
	ListenPacket PacketListener
}

// SessionStats holds operational statistics for device I/O.
type SessionStats struct {
	CommandsSent    uint64
	CommandsFailed  uint64
	QueriesOK       uint64
	QueriesFailed   uint64
	ConnectFailures uint64
	LastActivity    time.Time
}

// Session owns the single I/O lock shared by every device operation.
//
// Commands, queries and discovery all acquire the same lock, so at most one
// socket operation is in flight at a time. Each operation opens a private
// connection and closes it before releasing the lock; connections are never
// pooled.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Waiting for the lock honours context cancellation.
type Session struct {
	cfg SessionConfig

	// sem is a one-slot semaphore; a channel so acquisition can be cancelled.
	sem     chan struct{}
	sendBuf []byte

	logger   Logger
	loggerMu sync.RWMutex

	commandsSent    atomic.Uint64
	commandsFailed  atomic.Uint64
	queriesOK       atomic.Uint64
	queriesFailed   atomic.Uint64
	connectFailures atomic.Uint64
	lastActivity    atomic.Int64
}

// NewSession creates a Session, applying defaults for unset fields.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.ListenPacket == nil {
		cfg.ListenPacket = listenBroadcast
	}

	return &Session{
		cfg:     cfg,
		sem:     make(chan struct{}, 1),
		sendBuf: make([]byte, sendBufferSize),
	}
}

// SetLogger sets the logger for I/O diagnostics.
func (s *Session) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	defer s.loggerMu.Unlock()
	s.logger = logger
}

// Port returns the configured device port.
func (s *Session) Port() int {
	return s.cfg.Port
}

// QueryTimeout returns the default query window.
func (s *Session) QueryTimeout() time.Duration {
	return s.cfg.QueryTimeout
}

// SendCommand delivers a framed, encoded payload to the device at addr and
// closes the connection after the settle delay. No response is read.
//
// Parameters:
//   - ctx: Context for cancellation (lock wait, connect and settle)
//   - addr: Device host, optionally with a port
//   - payload: Plaintext JSON command
//
// Returns:
//   - error: ErrConnectFailed, ErrBufferOverflow or ErrSendFailed (wrapped)
func (s *Session) SendCommand(ctx context.Context, addr string, payload []byte) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	err := s.sendCommandLocked(ctx, addr, payload)
	if err != nil {
		s.commandsFailed.Add(1)
		s.logDebug("kasa command failed", "addr", addr, "error", err)
		return err
	}

	s.commandsSent.Add(1)
	s.touch()
	return nil
}

func (s *Session) sendCommandLocked(ctx context.Context, addr string, payload []byte) error {
	n, err := Encode(s.sendBuf, payload, true)
	if err != nil {
		return err
	}

	conn, err := s.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := s.write(conn, s.sendBuf[:n]); err != nil {
		return err
	}

	timer := time.NewTimer(s.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	return nil
}

// Query sends a framed payload to the device at addr and reads the framed
// response into buf, decoded in place.
//
// The 4-byte response header carries the payload length; the body is read
// until that length or until timeout elapses. A truncated body is decoded
// as far as it was received and callers judge plausibility by length.
//
// Parameters:
//   - ctx: Context for cancellation
//   - addr: Device host, optionally with a port
//   - payload: Plaintext JSON query
//   - buf: Destination for the decoded response
//   - timeout: Read window; zero uses the session default
//
// Returns:
//   - int: Decoded response length, 0 on failure
//   - error: ErrConnectFailed, ErrNoResponse, ErrResponseTooLarge,
//     ErrBufferOverflow or ErrSendFailed (wrapped)
func (s *Session) Query(ctx context.Context, addr string, payload, buf []byte, timeout time.Duration) (int, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	if timeout <= 0 {
		timeout = s.cfg.QueryTimeout
	}

	n, err := s.queryLocked(ctx, addr, payload, buf, timeout)
	if err != nil {
		s.queriesFailed.Add(1)
		s.logDebug("kasa query failed", "addr", addr, "error", err)
		return 0, err
	}

	s.queriesOK.Add(1)
	s.touch()
	return n, nil
}

func (s *Session) queryLocked(ctx context.Context, addr string, payload, buf []byte, timeout time.Duration) (int, error) {
	n, err := Encode(s.sendBuf, payload, true)
	if err != nil {
		return 0, err
	}

	conn, err := s.dial(ctx, addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := s.write(conn, s.sendBuf[:n]); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}

	var header [HeaderLen]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}

	length := frameLen(header[:])
	if length > len(buf) {
		return 0, fmt.Errorf("%w: %d bytes, buffer %d", ErrResponseTooLarge, length, len(buf))
	}

	got, err := io.ReadFull(conn, buf[:length])
	if err != nil && got == 0 {
		return 0, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}

	return Decode(buf, buf[:got], 0), nil
}

// exclusive runs fn while holding the session lock.
func (s *Session) exclusive(ctx context.Context, fn func() error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return fn()
}

// Stats returns current I/O statistics.
func (s *Session) Stats() SessionStats {
	var last time.Time
	if ts := s.lastActivity.Load(); ts != 0 {
		last = time.Unix(0, ts)
	}
	return SessionStats{
		CommandsSent:    s.commandsSent.Load(),
		CommandsFailed:  s.commandsFailed.Load(),
		QueriesOK:       s.queriesOK.Load(),
		QueriesFailed:   s.queriesFailed.Load(),
		ConnectFailures: s.connectFailures.Load(),
		LastActivity:    last,
	}
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() {
	<-s.sem
}

// dial connects with an explicit deadline; an unreachable device cannot
// block the caller past ConnectTimeout.
func (s *Session) dial(ctx context.Context, addr string) (net.Conn, error) {
	target, err := s.hostPort(addr)
	if err != nil {
		s.connectFailures.Add(1)
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.cfg.Dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		s.connectFailures.Add(1)
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, target, err)
	}
	return conn, nil
}

func (s *Session) write(conn net.Conn, frame []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

// hostPort appends the session port to addr unless it already has one.
func (s *Session) hostPort(addr string) (string, error) {
	if addr == "" {
		return "", ErrInvalidAddress
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr, nil
	}
	if net.ParseIP(addr) == nil {
		if _, _, err := net.SplitHostPort(addr + ":0"); err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
	}
	return net.JoinHostPort(addr, strconv.Itoa(s.cfg.Port)), nil
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) logDebug(msg string, keysAndValues ...any) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
