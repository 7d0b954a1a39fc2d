package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the slice of the MQTT client the reporter needs.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthStats is the device-side input to a health report.
type HealthStats struct {
	Devices    int
	Capacity   int
	Statistics BridgeStatistics
}

// HealthReporterConfig configures a HealthReporter. Interval defaults to
// 30s; Stats may be nil, in which case reports carry zero devices.
type HealthReporterConfig struct {
	BridgeID  string
	Version   string
	Interval  time.Duration
	Topic     string
	Publisher HealthPublisher
	Stats     func() HealthStats
}

// HealthReporter keeps the retained {prefix}/health message current. It
// reports starting on PublishStarting, the evaluated status every
// interval, and stopping on Stop.
type HealthReporter struct {
	cfg      HealthReporterConfig
	interval time.Duration
	started  time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	logger Logger

	loop     sync.WaitGroup
	stopOnce sync.Once
}

func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	h := &HealthReporter{cfg: cfg, interval: cfg.Interval, started: time.Now()}
	if h.interval <= 0 {
		h.interval = defaultHealthInterval
	}
	return h
}

// Start launches the report loop. It publishes once immediately and
// exits when ctx ends or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	h.loop.Add(1)
	go func() {
		defer h.loop.Done()
		h.tick(loopCtx)
	}()
}

func (h *HealthReporter) tick(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if err := h.PublishNow(); err != nil {
			h.warn("health publish failed", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the loop and leaves "stopping" as the retained status.
// Further calls do nothing.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		cancel := h.cancel
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		h.loop.Wait()

		if err := h.publish(HealthStopping, ""); err != nil {
			h.warn("health publish failed", err)
		}
	})
}

func (h *HealthReporter) SetLogger(logger Logger) {
	h.mu.Lock()
	h.logger = logger
	h.mu.Unlock()
}

func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow evaluates and publishes the current status.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.Status())
}

// Status is degraded when the broker is unreachable, nothing is tracked,
// or any device breaker is open; healthy otherwise.
func (h *HealthReporter) Status() (HealthStatus, string) {
	pub := h.cfg.Publisher
	if pub == nil || !pub.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}

	switch stats := h.snapshot(); {
	case stats.Devices == 0:
		return HealthDegraded, "no devices tracked"
	case stats.Statistics.OpenBreakers > 0:
		return HealthDegraded, "devices unreachable"
	}
	return HealthHealthy, ""
}

// Message builds the payload for status without publishing it.
func (h *HealthReporter) Message(status HealthStatus, reason string) HealthMessage {
	stats := h.snapshot()
	return HealthMessage{
		Bridge:         h.cfg.BridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        h.cfg.Version,
		UptimeSeconds:  int64(time.Since(h.started) / time.Second),
		DevicesManaged: stats.Devices,
		Capacity:       stats.Capacity,
		Statistics:     &stats.Statistics,
		Reason:         reason,
	}
}

func (h *HealthReporter) snapshot() HealthStats {
	if h.cfg.Stats == nil {
		return HealthStats{}
	}
	return h.cfg.Stats()
}

// publish sends the message retained at QoS 1. Without a publisher it is
// a no-op.
func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	payload, err := json.Marshal(h.Message(status, reason))
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(h.cfg.Topic, payload, 1, true)
}

func (h *HealthReporter) warn(msg string, err error) {
	h.mu.Lock()
	logger := h.logger
	h.mu.Unlock()
	if logger != nil {
		logger.Warn(msg, "error", err)
	}
}
