package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/kasa-core/internal/infrastructure/config"
	"github.com/nerrad567/kasa-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/kasa-core/internal/kasa"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	handlers  map[string]mqtt.MessageHandler
	connected bool
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MockMQTTClient) subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

// onTopic returns every publication on topic, oldest first.
func (m *MockMQTTClient) onTopic(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// fakeController implements Controller over an in-memory device table.
type fakeController struct {
	mu sync.Mutex

	order  []string
	states map[string]kasa.State

	// refreshErr fails Refresh for an alias; commandErr fails every command.
	refreshErr map[string]error
	commandErr error

	refreshCalls map[string]int
	transitions  map[string]time.Duration

	// scanResults are consumed one per Scan call; the last one repeats.
	scanResults []scanResult
	scanCalls   int
	report      kasa.ScanReport
}

type scanResult struct {
	n   int
	err error
}

func newFakeController(states ...kasa.State) *fakeController {
	f := &fakeController{
		states:       make(map[string]kasa.State),
		refreshErr:   make(map[string]error),
		refreshCalls: make(map[string]int),
		transitions:  make(map[string]time.Duration),
	}
	for _, st := range states {
		f.order = append(f.order, st.Alias)
		f.states[st.Alias] = st
	}
	return f
}

func (f *fakeController) Scan(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.scanCalls++
	res := scanResult{n: len(f.order)}
	if len(f.scanResults) > 0 {
		i := f.scanCalls - 1
		if i >= len(f.scanResults) {
			i = len(f.scanResults) - 1
		}
		res = f.scanResults[i]
	}
	f.report = kasa.ScanReport{StartedAt: time.Now(), Broadcasts: 1, Devices: res.n}
	if res.err != nil {
		f.report.Error = res.err.Error()
	}
	return res.n, res.err
}

func (f *fakeController) lookup(alias string) (kasa.State, error) {
	st, ok := f.states[alias]
	if !ok {
		return kasa.State{}, fmt.Errorf("%w: %q", kasa.ErrDeviceNotFound, alias)
	}
	return st, nil
}

func (f *fakeController) Refresh(_ context.Context, alias string) (kasa.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refreshCalls[alias]++
	st, err := f.lookup(alias)
	if err != nil {
		return st, err
	}
	if err := f.refreshErr[alias]; err != nil {
		return st, err
	}
	st.Confirmed = true
	st.UpdatedAt = time.Now()
	f.states[alias] = st
	return st, nil
}

func (f *fakeController) command(alias string, bulbOnly bool, apply func(*kasa.State)) (kasa.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.lookup(alias)
	if err != nil {
		return st, err
	}
	if bulbOnly && st.Kind != kasa.KindBulb {
		return kasa.State{}, fmt.Errorf("%w: %q is a %s", kasa.ErrUnsupportedModel, alias, st.Kind)
	}
	if f.commandErr != nil {
		return st, f.commandErr
	}
	apply(&st)
	st.Confirmed = false
	st.UpdatedAt = time.Now()
	f.states[alias] = st
	return st, nil
}

func (f *fakeController) SetOnOff(_ context.Context, alias string, on bool) (kasa.State, error) {
	return f.command(alias, false, func(st *kasa.State) { st.On = on })
}

func (f *fakeController) SetBrightness(_ context.Context, alias string, value int) (kasa.State, error) {
	return f.command(alias, true, func(st *kasa.State) { st.Brightness = value })
}

func (f *fakeController) SetColorTemp(_ context.Context, alias string, kelvin int) (kasa.State, error) {
	return f.command(alias, true, func(st *kasa.State) { st.ColorTemp = kelvin })
}

func (f *fakeController) SetTransition(_ context.Context, alias string, period time.Duration) error {
	_, err := f.command(alias, true, func(*kasa.State) {})
	if err == nil {
		f.mu.Lock()
		f.transitions[alias] = period
		f.mu.Unlock()
	}
	return err
}

func (f *fakeController) Snapshots() []kasa.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]kasa.State, 0, len(f.order))
	for _, alias := range f.order {
		out = append(out, f.states[alias])
	}
	return out
}

func (f *fakeController) LastScan() kasa.ScanReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

func (f *fakeController) Stats() kasa.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return kasa.Stats{
		Devices:  len(f.order),
		Capacity: 4,
		Session:  kasa.SessionStats{CommandsSent: 7, QueriesOK: 3},
		Scanner:  kasa.ScannerStats{Scans: uint64(f.scanCalls)},
	}
}

func (f *fakeController) refreshes(alias string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls[alias]
}

// fakeTelemetry implements TelemetryWriter.
type fakeTelemetry struct {
	mu      sync.Mutex
	states  []kasa.State
	reports []kasa.ScanReport
}

func (f *fakeTelemetry) WriteDeviceState(st kasa.State) {
	f.mu.Lock()
	f.states = append(f.states, st)
	f.mu.Unlock()
}

func (f *fakeTelemetry) WriteScanReport(report kasa.ScanReport) {
	f.mu.Lock()
	f.reports = append(f.reports, report)
	f.mu.Unlock()
}

// fakeHistory implements HistoryRecorder.
type fakeHistory struct {
	mu      sync.Mutex
	sources []string
	aliases []string
}

func (f *fakeHistory) RecordStateChange(_ context.Context, st kasa.State, source string) error {
	f.mu.Lock()
	f.aliases = append(f.aliases, st.Alias)
	f.sources = append(f.sources, source)
	f.mu.Unlock()
	return nil
}

func plugState(alias string) kasa.State {
	return kasa.State{Alias: alias, Address: "192.168.1.20", Model: "HS100(UK)", Kind: kasa.KindPlug}
}

func bulbState(alias string) kasa.State {
	return kasa.State{
		Alias:             alias,
		Address:           "192.168.1.30",
		Model:             "KL130(EU)",
		Kind:              kasa.KindBulb,
		Brightness:        100,
		ColorTemp:         2700,
		Dimmable:          true,
		VariableColorTemp: true,
	}
}

type testEnv struct {
	bridge    *Bridge
	mqtt      *MockMQTTClient
	devices   *fakeController
	telemetry *fakeTelemetry
	history   *fakeHistory
}

func newTestEnv(t *testing.T, cfg config.BridgeConfig, states ...kasa.State) *testEnv {
	t.Helper()

	env := &testEnv{
		mqtt:      NewMockMQTTClient(),
		devices:   newFakeController(states...),
		telemetry: &fakeTelemetry{},
		history:   &fakeHistory{},
	}

	b, err := New(Options{
		Config:     cfg,
		QoS:        1,
		Version:    "test",
		MQTT:       env.mqtt,
		Controller: env.devices,
		Telemetry:  env.telemetry,
		History:    env.history,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(b.Stop)

	env.bridge = b
	return env
}

func lastAck(t *testing.T, m *MockMQTTClient, alias string) AckMessage {
	t.Helper()
	acks := m.onTopic("kasa/ack/" + alias)
	if len(acks) == 0 {
		t.Fatalf("no ack published for %q", alias)
	}
	var ack AckMessage
	if err := json.Unmarshal(acks[len(acks)-1].Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return ack
}

func lastResponse(t *testing.T, m *MockMQTTClient, id string) map[string]any {
	t.Helper()
	resps := m.onTopic("kasa/response/" + id)
	if len(resps) == 0 {
		t.Fatalf("no response published for %q", id)
	}
	var resp map[string]any
	if err := json.Unmarshal(resps[len(resps)-1].Payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}
