package kasa

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBroadcastAddress is the limited broadcast address.
	DefaultBroadcastAddress = "255.255.255.255"

	// DefaultDiscoveryTimeout is the wait window per broadcast.
	DefaultDiscoveryTimeout = 2 * time.Second

	// discoverySendSize is the discovery request buffer size.
	discoverySendSize = 256

	// discoveryRecvSize is the datagram receive buffer size.
	discoveryRecvSize = 1536

	// discoveryMinReply is the shortest plausible discovery reply.
	discoveryMinReply = 400

	// broadcastAttempts is the number of broadcasts per scan, the first
	// plus one re-broadcast after a silent window.
	broadcastAttempts = 2
)

// ScannerConfig holds discovery settings.
type ScannerConfig struct {
	// BroadcastAddress is the discovery destination. Default: 255.255.255.255.
	BroadcastAddress string

	// ListenAddress is the local UDP bind address. Default: ":0".
	ListenAddress string
}

// ScanReport summarises one scan.
type ScanReport struct {
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	Broadcasts        int           `json:"broadcasts"`
	Replies           int           `json:"replies"`
	Tracked           int           `json:"tracked"`
	AddressUpdates    int           `json:"address_updates"`
	DroppedAtCapacity int           `json:"dropped_at_capacity"`
	IgnoredModel      int           `json:"ignored_model"`
	Malformed         int           `json:"malformed"`
	Devices           int           `json:"devices"`
	Error             string        `json:"error,omitempty"`
}

// ScannerStats accumulates scan counters over the scanner's lifetime.
type ScannerStats struct {
	Scans             uint64
	ScanErrors        uint64
	Replies           uint64
	Tracked           uint64
	AddressUpdates    uint64
	DroppedAtCapacity uint64
	IgnoredModel      uint64
	Malformed         uint64
}

// Scanner discovers devices by UDP broadcast and rebuilds a Registry.
//
// Thread Safety:
//   - Scan holds the session lock for its whole duration, so it never
//     overlaps a command or query.
type Scanner struct {
	session  *Session
	registry *Registry
	cfg      ScannerConfig

	sendBuf []byte
	recvBuf []byte

	reportMu sync.RWMutex
	report   ScanReport

	logger   Logger
	loggerMu sync.RWMutex

	scans             atomic.Uint64
	scanErrors        atomic.Uint64
	replies           atomic.Uint64
	tracked           atomic.Uint64
	addressUpdates    atomic.Uint64
	droppedAtCapacity atomic.Uint64
	ignoredModel      atomic.Uint64
	malformed         atomic.Uint64
}

// NewScanner creates a scanner that fills registry using session for I/O.
func NewScanner(session *Session, registry *Registry, cfg ScannerConfig) *Scanner {
	if cfg.BroadcastAddress == "" {
		cfg.BroadcastAddress = DefaultBroadcastAddress
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":0"
	}
	return &Scanner{
		session:  session,
		registry: registry,
		cfg:      cfg,
		sendBuf:  make([]byte, discoverySendSize),
		recvBuf:  make([]byte, discoveryRecvSize),
	}
}

// SetLogger sets the logger for discovery diagnostics.
func (sc *Scanner) SetLogger(logger Logger) {
	sc.loggerMu.Lock()
	defer sc.loggerMu.Unlock()
	sc.logger = logger
}

// Scan clears the registry and rebuilds it from broadcast replies.
//
// The request is broadcast once and then once more if the first window of
// length timeout passes with no datagram. Each received datagram restarts
// the window. Replies are deduplicated by alias; a known alias only has its
// address updated. Unknown models, undersized or unparseable replies and
// devices beyond capacity are counted in the ScanReport and skipped.
//
// Parameters:
//   - ctx: Context for cancellation
//   - timeout: Wait window per broadcast; zero uses DefaultDiscoveryTimeout
//
// Returns:
//   - int: Number of tracked devices (zero is a valid outcome)
//   - error: ErrSocketCreate, ErrSocketOption, ErrBufferOverflow or
//     ErrBroadcastSend (wrapped); ScanCode maps these to legacy codes
func (sc *Scanner) Scan(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}

	report := ScanReport{StartedAt: time.Now()}
	err := sc.session.exclusive(ctx, func() error {
		return sc.scanLocked(ctx, timeout, &report)
	})

	report.Duration = time.Since(report.StartedAt)
	report.Devices = sc.registry.Len()
	if err != nil {
		report.Error = err.Error()
		if !isContextErr(err) {
			sc.scanErrors.Add(1)
			sc.logWarn("kasa scan failed", "error", err, "code", ScanCode(err))
		}
	}
	sc.record(report)

	sc.logInfo("kasa scan complete",
		"devices", report.Devices,
		"replies", report.Replies,
		"address_updates", report.AddressUpdates,
		"dropped_at_capacity", report.DroppedAtCapacity,
		"ignored_model", report.IgnoredModel,
		"malformed", report.Malformed,
		"duration", report.Duration,
	)

	return report.Devices, err
}

func (sc *Scanner) scanLocked(ctx context.Context, timeout time.Duration, report *ScanReport) error {
	sc.registry.Reset()

	conn, err := sc.session.cfg.ListenPacket(ctx, "udp4", sc.cfg.ListenAddress)
	if err != nil {
		if errors.Is(err, ErrSocketOption) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrSocketCreate, err)
	}
	defer conn.Close()

	n, err := Encode(sc.sendBuf, cmdGetSysinfo, false)
	if err != nil {
		return err
	}
	request := sc.sendBuf[:n]

	dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(sc.cfg.BroadcastAddress, strconv.Itoa(sc.session.Port())))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBroadcastSend, err)
	}

	if err := sc.broadcast(conn, request, dst, report); err != nil {
		return err
	}

	for {
		deadline := time.Now().Add(timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("%w: %w", ErrSocketOption, err)
		}

		got, from, err := conn.ReadFrom(sc.recvBuf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !isTimeout(err) {
				sc.logDebug("kasa discovery read failed", "error", err)
				return nil
			}
			if report.Broadcasts >= broadcastAttempts {
				return nil
			}
			if err := sc.broadcast(conn, request, dst, report); err != nil {
				return err
			}
			continue
		}

		sc.handleReply(sc.recvBuf[:got], from, report)
	}
}

func (sc *Scanner) broadcast(conn net.PacketConn, request []byte, dst net.Addr, report *ScanReport) error {
	if _, err := conn.WriteTo(request, dst); err != nil {
		return fmt.Errorf("%w: %w", ErrBroadcastSend, err)
	}
	report.Broadcasts++
	return nil
}

// handleReply classifies one datagram and updates the registry.
func (sc *Scanner) handleReply(data []byte, from net.Addr, report *ScanReport) {
	report.Replies++

	if len(data) <= discoveryMinReply {
		report.Malformed++
		return
	}

	n := Decode(data, data, 0)
	reply, err := parseReply(data[:n])
	if err != nil {
		report.Malformed++
		sc.logDebug("kasa discovery reply discarded", "from", from, "error", err)
		return
	}

	info := reply.info()
	kind := Classify(info.Model)
	if kind == KindUnknown {
		report.IgnoredModel++
		return
	}

	addr := hostOf(from)
	alias := truncateAlias(info.Alias)
	if sc.registry.UpdateAddress(alias, addr) {
		report.AddressUpdates++
		return
	}

	now := time.Now()
	var dev Device
	switch kind {
	case KindPlug:
		p := NewPlug(sc.session, alias, addr)
		p.applyDiscovery(info, now)
		dev = p
	case KindBulb:
		b := NewBulb(sc.session, alias, addr)
		b.applyDiscovery(reply, now)
		dev = b
	}

	if err := sc.registry.Add(dev); err != nil {
		report.DroppedAtCapacity++
		sc.logDebug("kasa device not tracked", "alias", alias, "model", info.Model, "error", err)
		return
	}
	report.Tracked++
}

// LastReport returns the report of the most recent scan.
func (sc *Scanner) LastReport() ScanReport {
	sc.reportMu.RLock()
	defer sc.reportMu.RUnlock()
	return sc.report
}

// Stats returns counters accumulated over every scan.
func (sc *Scanner) Stats() ScannerStats {
	return ScannerStats{
		Scans:             sc.scans.Load(),
		ScanErrors:        sc.scanErrors.Load(),
		Replies:           sc.replies.Load(),
		Tracked:           sc.tracked.Load(),
		AddressUpdates:    sc.addressUpdates.Load(),
		DroppedAtCapacity: sc.droppedAtCapacity.Load(),
		IgnoredModel:      sc.ignoredModel.Load(),
		Malformed:         sc.malformed.Load(),
	}
}

func (sc *Scanner) record(r ScanReport) {
	sc.scans.Add(1)
	sc.replies.Add(uint64(r.Replies))                     //nolint:gosec // counts are non-negative
	sc.tracked.Add(uint64(r.Tracked))                     //nolint:gosec // counts are non-negative
	sc.addressUpdates.Add(uint64(r.AddressUpdates))       //nolint:gosec // counts are non-negative
	sc.droppedAtCapacity.Add(uint64(r.DroppedAtCapacity)) //nolint:gosec // counts are non-negative
	sc.ignoredModel.Add(uint64(r.IgnoredModel))           //nolint:gosec // counts are non-negative
	sc.malformed.Add(uint64(r.Malformed))                 //nolint:gosec // counts are non-negative

	sc.reportMu.Lock()
	sc.report = r
	sc.reportMu.Unlock()
}

func (sc *Scanner) logInfo(msg string, keysAndValues ...any) {
	if l := sc.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (sc *Scanner) logWarn(msg string, keysAndValues ...any) {
	if l := sc.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (sc *Scanner) logDebug(msg string, keysAndValues ...any) {
	if l := sc.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (sc *Scanner) getLogger() Logger {
	sc.loggerMu.RLock()
	defer sc.loggerMu.RUnlock()
	return sc.logger
}

// hostOf returns the IP of a datagram source.
func hostOf(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
