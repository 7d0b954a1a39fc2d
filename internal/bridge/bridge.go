package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/nerrad567/kasa-core/internal/history"
	"github.com/nerrad567/kasa-core/internal/infrastructure/config"
	"github.com/nerrad567/kasa-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/kasa-core/internal/kasa"
)

// Bridge operation constants.
const (
	// commandTimeout bounds one command or request, including the device round trip.
	commandTimeout = 5 * time.Second

	// historyTimeout bounds one history insert.
	historyTimeout = 2 * time.Second
)

// Bridge translates between MQTT and the Kasa device manager.
// It handles:
//   - Commands from MQTT executed as device operations, answered with an ack
//   - Requests (read_state, read_all, scan) answered on the response topic
//   - Retained state publication, telemetry and history for every change
//   - Periodic polling behind per-device circuit breakers
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg     config.BridgeConfig
	topics  mqtt.Topics
	qos     byte
	mqtt    MQTTClient
	devices Controller
	health  *HealthReporter

	telemetry TelemetryWriter // optional
	history   HistoryRecorder // optional

	// State cache for change detection, keyed by alias.
	stateCache   map[string]kasa.State
	stateCacheMu sync.Mutex

	// Per-device circuit breakers used by the poller.
	breakers   map[string]*gobreaker.CircuitBreaker
	breakersMu sync.Mutex

	newBackOff func() backoff.BackOff

	metrics bridgeCounters

	// Shutdown coordination. stopped is set under goMu before wg.Wait,
	// so no goroutine is added once Stop starts waiting.
	done      chan struct{}
	wg        sync.WaitGroup
	goMu      sync.Mutex
	stopped   bool
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is the structured logger used by the bridge.
// Compatible with logging.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Controller is the device surface the bridge drives. *kasa.Manager
// satisfies it.
type Controller interface {
	Scan(ctx context.Context) (int, error)
	Refresh(ctx context.Context, alias string) (kasa.State, error)
	SetOnOff(ctx context.Context, alias string, on bool) (kasa.State, error)
	SetBrightness(ctx context.Context, alias string, value int) (kasa.State, error)
	SetColorTemp(ctx context.Context, alias string, kelvin int) (kasa.State, error)
	SetTransition(ctx context.Context, alias string, period time.Duration) error
	Snapshots() []kasa.State
	LastScan() kasa.ScanReport
	Stats() kasa.Stats
}

// TelemetryWriter receives every published state change and scan report.
// *influxdb.Client satisfies it.
type TelemetryWriter interface {
	WriteDeviceState(st kasa.State)
	WriteScanReport(report kasa.ScanReport)
}

// HistoryRecorder persists state changes. history.Repository satisfies it.
type HistoryRecorder interface {
	RecordStateChange(ctx context.Context, st kasa.State, source string) error
}

// Options holds everything needed to create a bridge.
type Options struct {
	Config config.BridgeConfig

	// Topics builds the topic tree; the zero value uses the "kasa" prefix.
	Topics mqtt.Topics

	// QoS is used for state, ack and response publications.
	QoS byte

	// Version is reported in health messages.
	Version string

	MQTT       MQTTClient
	Controller Controller

	// Telemetry and History are optional.
	Telemetry TelemetryWriter
	History   HistoryRecorder

	Logger Logger
}

// bridgeCounters are updated atomically.
type bridgeCounters struct {
	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	requestsHandled  atomic.Uint64
	statesPublished  atomic.Uint64
	pollCycles       atomic.Uint64
	pollSkipped      atomic.Uint64
}

// Metrics is a snapshot of bridge counters.
type Metrics struct {
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	RequestsHandled  uint64 `json:"requests_handled"`
	StatesPublished  uint64 `json:"states_published"`
	PollCycles       uint64 `json:"poll_cycles"`
	PollSkipped      uint64 `json:"poll_skipped"`
	OpenBreakers     int    `json:"open_breakers"`
}

// New creates a bridge. Call Start to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("device controller is required")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:        opts.Config,
		topics:     opts.Topics,
		qos:        opts.QoS,
		mqtt:       opts.MQTT,
		devices:    opts.Controller,
		telemetry:  opts.Telemetry,
		history:    opts.History,
		stateCache: make(map[string]kasa.State),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		newBackOff: defaultBackOff,
		done:       make(chan struct{}),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.Config.ID,
		Version:   opts.Version,
		Interval:  opts.Config.GetHealthInterval(),
		Topic:     b.topics.Health(),
		Publisher: opts.MQTT,
		Stats:     b.healthStats,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to commands and requests, runs the startup scan when
// scan is true, and starts the poll, rescan and health loops.
func (b *Bridge) Start(ctx context.Context, scan bool) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	commandTopic := b.topics.AllCommands()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.dispatch(b.handleCommand)); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := b.topics.AllRequests()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.dispatch(b.handleRequest)); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	if scan {
		b.StartupScan(ctx)
	}
	b.PublishAll(history.SourceScan)

	b.health.Start(ctx)
	if interval := b.cfg.GetPollInterval(); interval > 0 {
		b.runEvery(ctx, interval, b.PollOnce)
	}
	if interval := b.cfg.GetRescanInterval(); interval > 0 {
		b.runEvery(ctx, interval, func(ctx context.Context) { b.Rescan(ctx) }) //nolint:errcheck // Logged inside
	}

	b.logInfo("bridge started",
		"bridge_id", b.cfg.ID,
		"devices", len(b.devices.Snapshots()),
		"poll_interval", b.cfg.GetPollInterval(),
		"rescan_interval", b.cfg.GetRescanInterval())

	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.goMu.Lock()
		b.stopped = true
		close(b.done)
		b.goMu.Unlock()

		// Abort in-flight commands and polls.
		b.ctxCancel()

		b.wg.Wait()

		// Publishes "stopping".
		b.health.Stop()

		b.logInfo("bridge stopped")
	})
}

// dispatch runs an MQTT message handler on a tracked goroutine so the
// MQTT client's delivery goroutine never blocks on device I/O.
func (b *Bridge) dispatch(handle func(topic string, payload []byte) error) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		b.goTracked(func() {
			if err := handle(topic, payload); err != nil {
				b.logError("message handling failed", err, "topic", topic)
			}
		})
		return nil
	}
}

// goTracked runs fn on a wg-tracked goroutine unless Stop has begun.
// It reports whether fn was started.
func (b *Bridge) goTracked(fn func()) bool {
	b.goMu.Lock()
	defer b.goMu.Unlock()
	if b.stopped {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

// handleCommand executes a command message and publishes its ack.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	b.metrics.commandsReceived.Add(1)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.metrics.commandsFailed.Add(1)
		cmd.ID = uuid.NewString()
		cmd.Alias = mqtt.LastSegment(topic)
		b.publishAck(NewAckError(cmd, ErrCodeInvalidCommand, "malformed command payload"))
		return fmt.Errorf("parsing command: %w", err)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Alias == "" {
		cmd.Alias = mqtt.LastSegment(topic)
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"alias", cmd.Alias,
		"command", cmd.Command)

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	st, err := b.executeCommand(ctx, cmd)
	if err != nil {
		b.metrics.commandsFailed.Add(1)
		b.publishAck(NewAckError(cmd, ErrorCode(err), err.Error()))
		b.logWarn("command failed", "command_id", cmd.ID, "alias", cmd.Alias, "error", err)
		if st.Alias != "" {
			b.HandleStateChange(st)
		}
		return nil
	}

	b.publishAck(NewAckMessage(cmd, AckAccepted, &st))
	b.HandleStateChange(st)
	return nil
}

// executeCommand maps a command onto a controller operation.
// The returned state is valid whenever the device exists, even on error.
func (b *Bridge) executeCommand(ctx context.Context, cmd CommandMessage) (kasa.State, error) {
	switch cmd.Command {
	case CommandOn:
		return b.devices.SetOnOff(ctx, cmd.Alias, true)
	case CommandOff:
		return b.devices.SetOnOff(ctx, cmd.Alias, false)
	case CommandSetBrightness:
		level, err := intParam(cmd.Parameters, "level")
		if err != nil {
			return kasa.State{}, err
		}
		return b.devices.SetBrightness(ctx, cmd.Alias, level)
	case CommandSetColorTemp:
		kelvin, err := intParam(cmd.Parameters, "kelvin")
		if err != nil {
			return kasa.State{}, err
		}
		return b.devices.SetColorTemp(ctx, cmd.Alias, kelvin)
	case CommandSetTransition:
		ms, err := intParam(cmd.Parameters, "period_ms")
		if err != nil {
			return kasa.State{}, err
		}
		if ms < 0 {
			return kasa.State{}, fmt.Errorf("%w: period_ms must not be negative", ErrInvalidParameters)
		}
		if err := b.devices.SetTransition(ctx, cmd.Alias, time.Duration(ms)*time.Millisecond); err != nil {
			return kasa.State{}, err
		}
		// The period is not part of device state; ack the cached snapshot.
		st, _ := b.snapshot(cmd.Alias)
		return st, nil
	case CommandRefresh:
		return b.devices.Refresh(ctx, cmd.Alias)
	default:
		return kasa.State{}, fmt.Errorf("%w: %q", ErrInvalidCommand, cmd.Command)
	}
}

// snapshot returns the cached state of one device without device I/O.
// A missing device yields a State carrying only the alias.
func (b *Bridge) snapshot(alias string) (kasa.State, bool) {
	for _, st := range b.devices.Snapshots() {
		if st.Alias == alias {
			return st, true
		}
	}
	return kasa.State{Alias: alias}, false
}

// intParam reads a numeric parameter. JSON numbers arrive as float64.
func intParam(params map[string]any, key string) (int, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrInvalidParameters, key)
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: %q must be a number", ErrInvalidParameters, key)
	}
	return int(f), nil
}

// handleRequest answers a request message on its response topic.
func (b *Bridge) handleRequest(topic string, payload []byte) error {
	b.metrics.requestsHandled.Add(1)

	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		req.RequestID = mqtt.LastSegment(topic)
		b.publishResponse(errorResponse(req.RequestID, ErrCodeInvalidCommand, "malformed request payload"))
		return fmt.Errorf("parsing request: %w", err)
	}
	if req.RequestID == "" {
		req.RequestID = mqtt.LastSegment(topic)
	}

	b.logInfo("received request", "request_id", req.RequestID, "action", req.Action)

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	var resp ResponseMessage
	switch req.Action {
	case ActionReadState:
		resp = b.handleReadState(ctx, req)
	case ActionReadAll:
		resp = b.handleReadAll(ctx, req)
	case ActionScan:
		resp = b.handleScan(req)
	default:
		resp = errorResponse(req.RequestID, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown action: %s", req.Action))
	}

	b.publishResponse(resp)
	return nil
}

func (b *Bridge) handleReadState(ctx context.Context, req RequestMessage) ResponseMessage {
	if req.Alias == "" {
		return errorResponse(req.RequestID, ErrCodeInvalidParameters, "alias is required")
	}

	if req.Refresh {
		st, err := b.devices.Refresh(ctx, req.Alias)
		if err != nil {
			resp := errorResponse(req.RequestID, ErrorCode(err), err.Error())
			if st.Alias != "" {
				resp.Data = st
			}
			return resp
		}
		b.HandleStateChange(st)
		return ResponseMessage{RequestID: req.RequestID, Timestamp: time.Now().UTC(), Success: true, Data: st}
	}

	if st, ok := b.snapshot(req.Alias); ok {
		return ResponseMessage{RequestID: req.RequestID, Timestamp: time.Now().UTC(), Success: true, Data: st}
	}
	return errorResponse(req.RequestID, ErrCodeNotFound, fmt.Sprintf("device %q not found", req.Alias))
}

func (b *Bridge) handleReadAll(ctx context.Context, req RequestMessage) ResponseMessage {
	if req.Refresh {
		for _, st := range b.devices.Snapshots() {
			if fresh, err := b.devices.Refresh(ctx, st.Alias); err == nil {
				b.HandleStateChange(fresh)
			}
			if ctx.Err() != nil {
				break
			}
		}
	}
	return ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      b.devices.Snapshots(),
	}
}

func (b *Bridge) handleScan(req RequestMessage) ResponseMessage {
	report, err := b.Rescan(b.ctx)
	if err != nil {
		resp := errorResponse(req.RequestID, ErrCodeScanFailed, err.Error())
		resp.Data = report
		return resp
	}
	return ResponseMessage{RequestID: req.RequestID, Timestamp: time.Now().UTC(), Success: true, Data: report}
}

// Rescan runs discovery, publishes the discovery report and the state of
// every tracked device.
func (b *Bridge) Rescan(ctx context.Context) (kasa.ScanReport, error) {
	_, err := b.devices.Scan(ctx)
	report := b.devices.LastScan()
	b.publishDiscovery(report)
	if err != nil {
		b.logWarn("scan failed", "error", err, "code", kasa.ScanCode(err))
		return report, err
	}
	b.PublishAll(history.SourceScan)
	return report, nil
}

// StartupScan runs the first discovery, retrying with exponential backoff
// while the scan fails or finds nothing. Exhausted retries are logged, not
// fatal: statically bound devices still work.
func (b *Bridge) StartupScan(ctx context.Context) {
	retries := b.cfg.StartupScanRetries
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	op := func() error {
		attempt++
		n, err := b.devices.Scan(ctx)
		b.publishDiscovery(b.devices.LastScan())
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			b.logWarn("startup scan failed", "attempt", attempt, "error", err, "code", kasa.ScanCode(err))
			return err
		}
		if n == 0 {
			b.logWarn("startup scan found no devices", "attempt", attempt)
			return ErrNoDevices
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b.newBackOff(), uint64(retries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		b.logWarn("startup scan gave up", "attempts", attempt, "error", err)
		return
	}
	b.logInfo("startup scan complete", "attempts", attempt, "devices", len(b.devices.Snapshots()))
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// PublishAll publishes the state of every tracked device.
func (b *Bridge) PublishAll(source string) {
	for _, st := range b.devices.Snapshots() {
		b.handleState(st, source)
	}
}

// HandleStateChange publishes a snapshot if it differs from the last one
// seen for the device. Register it with kasa.Manager.SetOnChange so changes
// made outside MQTT (for example through the HTTP API) reach subscribers.
// Confirmed snapshots come from a query; unconfirmed ones from a command.
func (b *Bridge) HandleStateChange(st kasa.State) {
	source := history.SourceCommand
	if st.Confirmed {
		source = history.SourcePoll
	}
	b.handleState(st, source)
}

func (b *Bridge) handleState(st kasa.State, source string) {
	if st.Alias == "" || b.stateUnchanged(st) {
		return
	}

	b.publishState(st, source)

	if b.telemetry != nil {
		b.telemetry.WriteDeviceState(st)
	}
	if b.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := b.history.RecordStateChange(ctx, st, source); err != nil {
			b.logError("failed to record state history", err, "alias", st.Alias)
		}
	}
}

func (b *Bridge) publishState(st kasa.State, source string) {
	payload, err := json.Marshal(NewStateMessage(st, source))
	if err != nil {
		b.logError("failed to marshal state", err, "alias", st.Alias)
		return
	}
	if err := b.mqtt.Publish(b.topics.State(st.Alias), payload, b.qos, true); err != nil {
		b.logDebug("state publish failed", "alias", st.Alias, "error", err)
		return
	}
	b.metrics.statesPublished.Add(1)
}

// Resync republishes every retained state and the health report without
// touching telemetry or history. Register it with mqtt.Client.SetOnConnect:
// a restarted broker may have lost its retained messages.
func (b *Bridge) Resync() {
	for _, st := range b.devices.Snapshots() {
		if st.Alias == "" {
			continue
		}
		source := history.SourceCommand
		if st.Confirmed {
			source = history.SourcePoll
		}
		b.publishState(st, source)
	}
	if err := b.health.PublishNow(); err != nil {
		b.logDebug("health publish failed", "error", err)
	}
}

// stateUnchanged reports whether st matches the cached snapshot for its
// alias, ignoring the timestamp, and caches st when it does not.
func (b *Bridge) stateUnchanged(st kasa.State) bool {
	key := st
	key.UpdatedAt = time.Time{}

	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()

	if cached, ok := b.stateCache[st.Alias]; ok && cached == key {
		return true
	}
	b.stateCache[st.Alias] = key
	return false
}

// ClearStateCache forgets published states so the next snapshot of every
// device is published again.
func (b *Bridge) ClearStateCache() {
	b.stateCacheMu.Lock()
	b.stateCache = make(map[string]kasa.State)
	b.stateCacheMu.Unlock()
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Ack(ack.Alias), payload, b.qos, false); err != nil {
		b.logError("failed to publish ack", err, "command_id", ack.CommandID)
	}
}

func (b *Bridge) publishResponse(resp ResponseMessage) {
	payload, err := json.Marshal(resp)
	if err != nil {
		b.logError("failed to marshal response", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Response(resp.RequestID), payload, b.qos, false); err != nil {
		b.logError("failed to publish response", err, "request_id", resp.RequestID)
	}
}

func (b *Bridge) publishDiscovery(report kasa.ScanReport) {
	if b.telemetry != nil {
		b.telemetry.WriteScanReport(report)
	}

	payload, err := json.Marshal(DiscoveryMessage{
		ScanID:    uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Report:    report,
		Devices:   b.devices.Snapshots(),
	})
	if err != nil {
		b.logError("failed to marshal discovery", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Discovery(), payload, b.qos, false); err != nil {
		b.logDebug("discovery publish failed", "error", err)
	}
}

// GetMetrics returns a snapshot of bridge counters.
func (b *Bridge) GetMetrics() Metrics {
	return Metrics{
		CommandsReceived: b.metrics.commandsReceived.Load(),
		CommandsFailed:   b.metrics.commandsFailed.Load(),
		RequestsHandled:  b.metrics.requestsHandled.Load(),
		StatesPublished:  b.metrics.statesPublished.Load(),
		PollCycles:       b.metrics.pollCycles.Load(),
		PollSkipped:      b.metrics.pollSkipped.Load(),
		OpenBreakers:     b.OpenBreakers(),
	}
}

// healthStats feeds the health reporter.
func (b *Bridge) healthStats() HealthStats {
	stats := b.devices.Stats()
	return HealthStats{
		Devices:  stats.Devices,
		Capacity: stats.Capacity,
		Statistics: BridgeStatistics{
			CommandsSent:    stats.Session.CommandsSent,
			CommandsFailed:  stats.Session.CommandsFailed,
			QueriesOK:       stats.Session.QueriesOK,
			QueriesFailed:   stats.Session.QueriesFailed,
			ConnectFailures: stats.Session.ConnectFailures,
			Scans:           stats.Scanner.Scans,
			OpenBreakers:    b.OpenBreakers(),
		},
	}
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error, keysAndValues ...any) {
	if l := b.getLogger(); l != nil {
		l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}

// isCancelled reports whether err came from context cancellation.
func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
