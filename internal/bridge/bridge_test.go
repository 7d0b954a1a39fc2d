package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerrad567/kasa-core/internal/history"
	"github.com/nerrad567/kasa-core/internal/infrastructure/config"
	"github.com/nerrad567/kasa-core/internal/kasa"
)

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Options{Controller: newFakeController()}); err == nil {
		t.Error("New() without MQTT client should fail")
	}
	if _, err := New(Options{MQTT: NewMockMQTTClient()}); err == nil {
		t.Error("New() without controller should fail")
	}
}

func TestStart_SubscribesAndPublishesStates(t *testing.T) {
	env := newTestEnv(t, config.BridgeConfig{ID: "kasa-test"}, plugState("Lamp"), bulbState("Desk"))

	if err := env.bridge.Start(context.Background(), false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for _, topic := range []string{"kasa/command/+", "kasa/request/+"} {
		if !env.mqtt.subscribed(topic) {
			t.Errorf("not subscribed to %s", topic)
		}
	}

	for _, alias := range []string{"Lamp", "Desk"} {
		states := env.mqtt.onTopic("kasa/state/" + alias)
		if len(states) != 1 {
			t.Fatalf("state publications for %s = %d, want 1", alias, len(states))
		}
		if !states[0].Retained {
			t.Errorf("state for %s not retained", alias)
		}
	}

	if len(env.mqtt.onTopic("kasa/health")) == 0 {
		t.Error("no health status published on start")
	}
}

func TestStop_Idempotent(t *testing.T) {
	env := newTestEnv(t, config.BridgeConfig{}, plugState("Lamp"))
	if err := env.bridge.Start(context.Background(), false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	env.bridge.Stop()
	env.bridge.Stop()

	health := env.mqtt.onTopic("kasa/health")
	var msg HealthMessage
	if err := json.Unmarshal(health[len(health)-1].Payload, &msg); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if msg.Status != HealthStopping {
		t.Errorf("final health status = %s, want %s", msg.Status, HealthStopping)
	}
}

func TestDispatch_DuringAndAfterStop(t *testing.T) {
	env := newTestEnv(t, config.BridgeConfig{}, plugState("Lamp"))

	var handled atomic.Int32
	handler := env.bridge.dispatch(func(string, []byte) error {
		handled.Add(1)
		return nil
	})

	var senders sync.WaitGroup
	for i := 0; i < 8; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			for j := 0; j < 50; j++ {
				handler("kasa/command/Lamp", []byte(`{"command":"on"}`)) //nolint:errcheck // always nil
			}
		}()
	}
	env.bridge.Stop()
	senders.Wait()

	before := handled.Load()
	if err := handler("kasa/command/Lamp", nil); err != nil {
		t.Fatalf("dispatch after Stop error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := handled.Load(); got != before {
		t.Errorf("handled after Stop = %d, want %d", got, before)
	}
	if !env.bridge.stopped {
		t.Error("stopped flag not set")
	}
}

func TestHandleCommand(t *testing.T) {
	tests := []struct {
		name       string
		topic      string
		payload    string
		wantStatus AckStatus
		wantCode   string
		wantAlias  string
		setup      func(env *testEnv)
		check      func(t *testing.T, env *testEnv)
	}{
		{
			name:       "switch plug on",
			topic:      "kasa/command/Lamp",
			payload:    `{"id":"c1","command":"on"}`,
			wantStatus: AckAccepted,
			wantAlias:  "Lamp",
			check: func(t *testing.T, env *testEnv) {
				if st := env.devices.Snapshots()[0]; !st.On {
					t.Error("plug not switched on")
				}
			},
		},
		{
			name:       "alias in payload overrides topic",
			topic:      "kasa/command/ignored",
			payload:    `{"id":"c2","alias":"Lamp","command":"off"}`,
			wantStatus: AckAccepted,
			wantAlias:  "Lamp",
		},
		{
			name:       "set brightness",
			topic:      "kasa/command/Desk",
			payload:    `{"id":"c3","command":"set_brightness","parameters":{"level":40}}`,
			wantStatus: AckAccepted,
			wantAlias:  "Desk",
			check: func(t *testing.T, env *testEnv) {
				if st := env.devices.Snapshots()[1]; st.Brightness != 40 {
					t.Errorf("brightness = %d, want 40", st.Brightness)
				}
			},
		},
		{
			name:       "set colour temperature",
			topic:      "kasa/command/Desk",
			payload:    `{"id":"c4","command":"set_color_temp","parameters":{"kelvin":4000}}`,
			wantStatus: AckAccepted,
			wantAlias:  "Desk",
			check: func(t *testing.T, env *testEnv) {
				if st := env.devices.Snapshots()[1]; st.ColorTemp != 4000 {
					t.Errorf("color temp = %d, want 4000", st.ColorTemp)
				}
			},
		},
		{
			name:       "set transition acks cached state",
			topic:      "kasa/command/Desk",
			payload:    `{"id":"c5","command":"set_transition","parameters":{"period_ms":250}}`,
			wantStatus: AckAccepted,
			wantAlias:  "Desk",
			check: func(t *testing.T, env *testEnv) {
				if got := env.devices.transitions["Desk"]; got != 250*time.Millisecond {
					t.Errorf("transition = %v, want 250ms", got)
				}
				if env.devices.refreshes("Desk") != 0 {
					t.Error("set_transition queried the bulb")
				}
			},
		},
		{
			name:       "set transition ignores failing query",
			topic:      "kasa/command/Desk",
			payload:    `{"id":"c5b","command":"set_transition","parameters":{"period_ms":500}}`,
			setup: func(env *testEnv) {
				env.devices.refreshErr["Desk"] = kasa.ErrNoResponse
			},
			wantStatus: AckAccepted,
			wantAlias:  "Desk",
			check: func(t *testing.T, env *testEnv) {
				if got := env.devices.transitions["Desk"]; got != 500*time.Millisecond {
					t.Errorf("transition = %v, want 500ms", got)
				}
			},
		},
		{
			name:       "missing brightness level",
			topic:      "kasa/command/Desk",
			payload:    `{"id":"c6","command":"set_brightness"}`,
			wantStatus: AckFailed,
			wantCode:   ErrCodeInvalidParameters,
			wantAlias:  "Desk",
		},
		{
			name:       "non-numeric kelvin",
			topic:      "kasa/command/Desk",
			payload:    `{"id":"c7","command":"set_color_temp","parameters":{"kelvin":"warm"}}`,
			wantStatus: AckFailed,
			wantCode:   ErrCodeInvalidParameters,
			wantAlias:  "Desk",
		},
		{
			name:       "negative transition",
			topic:      "kasa/command/Desk",
			payload:    `{"id":"c8","command":"set_transition","parameters":{"period_ms":-1}}`,
			wantStatus: AckFailed,
			wantCode:   ErrCodeInvalidParameters,
			wantAlias:  "Desk",
		},
		{
			name:       "brightness on a plug",
			topic:      "kasa/command/Lamp",
			payload:    `{"id":"c9","command":"set_brightness","parameters":{"level":10}}`,
			wantStatus: AckFailed,
			wantCode:   ErrCodeInvalidCommand,
			wantAlias:  "Lamp",
		},
		{
			name:       "unknown command",
			topic:      "kasa/command/Lamp",
			payload:    `{"id":"c10","command":"blink"}`,
			wantStatus: AckFailed,
			wantCode:   ErrCodeInvalidCommand,
			wantAlias:  "Lamp",
		},
		{
			name:       "unknown device",
			topic:      "kasa/command/Garage",
			payload:    `{"id":"c11","command":"on"}`,
			wantStatus: AckFailed,
			wantCode:   ErrCodeNotFound,
			wantAlias:  "Garage",
		},
		{
			name:       "generated command id",
			topic:      "kasa/command/Lamp",
			payload:    `{"command":"refresh"}`,
			wantStatus: AckAccepted,
			wantAlias:  "Lamp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, config.BridgeConfig{}, plugState("Lamp"), bulbState("Desk"))
			if tt.setup != nil {
				tt.setup(env)
			}

			if err := env.bridge.handleCommand(tt.topic, []byte(tt.payload)); err != nil {
				t.Fatalf("handleCommand() error = %v", err)
			}

			ack := lastAck(t, env.mqtt, tt.wantAlias)
			if ack.Status != tt.wantStatus {
				t.Errorf("ack status = %s, want %s", ack.Status, tt.wantStatus)
			}
			if ack.CommandID == "" {
				t.Error("ack has empty command id")
			}
			if tt.wantCode == "" {
				if ack.Error != nil {
					t.Errorf("unexpected ack error %+v", ack.Error)
				}
				if ack.State == nil || ack.State.Alias != tt.wantAlias {
					t.Errorf("ack state = %+v, want alias %q", ack.State, tt.wantAlias)
				}
			} else if ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("ack error = %+v, want code %s", ack.Error, tt.wantCode)
			}

			if tt.check != nil {
				tt.check(t, env)
			}
		})
	}
}

func TestHandleCommand_MalformedPayload(t *testing.T) {
	env := newTestEnv(t, config.BridgeConfig{}, plugState("Lamp"))

	if err := env.bridge.handleCommand("kasa/command/Lamp", []byte("{not json")); err == nil {
		t.Error("handleCommand() should return a parse error")
	}

	ack := lastAck(t, env.mqtt, "Lamp")
	if ack.Status != AckFailed || ack.Error == nil || ack.Error.Code != ErrCodeInvalidCommand {
		t.Errorf("ack = %+v, want failed INVALID_COMMAND", ack)
	}
	if got := env.bridge.GetMetrics().CommandsFailed; got != 1 {
		t.Errorf("CommandsFailed = %d, want 1", got)
	}
}

func TestHandleCommand_DeviceTimeout(t *testing.T) {
	env := newTestEnv(t, config.BridgeConfig{}, plugState("Lamp"))
	env.devices.commandErr = fmt.Errorf("query Lamp: %w", kasa.ErrNoResponse)

	if err := env.bridge.handleCommand("kasa/command/Lamp", []byte(`{"id":"t1","command":"on"}`)); err != nil {
		t.Fatalf("handleCommand() error = %v", err)
	}

	ack := lastAck(t, env.mqtt, "Lamp")
	if ack.Status != AckTimeout {
		t.Errorf("ack status = %s, want %s", ack.Status, AckTimeout)
	}
}

func TestHandleCommand_PublishesStateTelemetryAndHistory(t *testing.T) {
	env := newTestEnv(t, config.BridgeConfig{}, plugState("Lamp"))

	if err := env.bridge.handleCommand("kasa/command/Lamp", []byte(`{"id":"h1","command":"on"}`)); err != nil {
		t.Fatalf("handleCommand() error = %v", err)
	}

	states := env.mqtt.onTopic("kasa/state/Lamp")
	if len(states) != 1 {
		t.Fatalf("state publications = %d, want 1", len(states))
	}
	var msg StateMessage
	if err := json.Unmarshal(states[0].Payload, &msg); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if !msg.State.On || msg.Source != history.SourceCommand {
		t.Errorf("state message = %+v, want on from command", msg)
	}

	if len(env.telemetry.states) != 1 {
		t.Errorf("telemetry writes = %d, want 1", len(env.telemetry.states))
	}
	if len(env.history.sources) != 1 || env.history.sources[0] != history.SourceCommand {
		t.Errorf("history sources = %v, want [command]", env.history.sources)
	}
}

func TestHandleStateChange_Dedup(t *testing.T) {
	env := newTestEnv(t, config.BridgeConfig{}, plugState("Lamp"))

	st := plugState("Lamp")
	st.On = true
	st.UpdatedAt = time.Now()

	env.bridge.HandleStateChange(st)

	st.UpdatedAt = st.UpdatedAt.Add(time.Second)
	env.bridge.HandleStateChange(st)

	if got := len(env.mqtt.onTopic("kasa/state/Lamp")); got != 1 {
		t.Errorf("publications after identical state = %d, want 1", got)
	}

	st.On = false
	env.bridge.HandleStateChange(st)
	if got := len(env.mqtt.onTopic("kasa/state/Lamp")); got != 2 {
		t.Errorf("publications after change = %d, want 2", got)
	}

	env.bridge.ClearStateCache()
	env.bridge.HandleStateChange(st)
	if got := len(env.mqtt.onTopic("kasa/state/Lamp")); got != 3 {
		t.Errorf("publications after cache clear = %d, want 3", got)
	}

	env.bridge.HandleStateChange(kasa.State{})
	if got := env.bridge.GetMetrics().StatesPublished; got != 3 {
		t.Errorf("StatesPublished = %d, want 3", got)
	}
}

func TestResync(t *testing.T) {
	env := newTestEnv(t, config.BridgeConfig{}, plugState("Lamp"), plugState("Fan"))

	env.bridge.PublishAll(history.SourceScan)
	env.bridge.Resync()

	for _, alias := range []string{"Lamp", "Fan"} {
		if got := len(env.mqtt.onTopic("kasa/state/" + alias)); got != 2 {
			t.Errorf("%s state publications = %d, want 2", alias, got)
		}
	}
	if got := len(env.history.aliases); got != 2 {
		t.Errorf("history records = %d, want 2 (resync must not record)", got)
	}
	if got := len(env.mqtt.onTopic("kasa/health")); got != 1 {
		t.Errorf("health publications = %d, want 1", got)
	}
}

func TestHandleRequest(t *testing.T) {
	tests := []struct {
		name        string
		id          string
		payload     string
		wantSuccess bool
		wantCode    string
	}{
		{
			name:        "read state from cache",
			id:          "r1",
			payload:     `{"request_id":"r1","action":"read_state","alias":"Lamp"}`,
			wantSuccess: true,
		},
		{
			name:        "read state with refresh",
			id:          "r2",
			payload:     `{"request_id":"r2","action":"read_state","alias":"Lamp","refresh":true}`,
			wantSuccess: true,
		},
		{
			name:     "read state without alias",
			id:       "r3",
			payload:  `{"request_id":"r3","action":"read_state"}`,
			wantCode: ErrCodeInvalidParameters,
		},
		{
			name:     "read state of unknown device",
			id:       "r4",
			payload:  `{"request_id":"r4","action":"read_state","alias":"Garage"}`,
			wantCode: ErrCodeNotFound,
		},
		{
			name:        "read all",
			id:          "r5",
			payload:     `{"request_id":"r5","action":"read_all","refresh":true}`,
			wantSuccess: true,
		},
		{
			name:        "scan",
			id:          "r6",
			payload:     `{"request_id":"r6","action":"scan"}`,
			wantSuccess: true,
		},
		{
			name:     "unknown action",
			id:       "r7",
			payload:  `{"request_id":"r7","action":"reboot"}`,
			wantCode: ErrCodeInvalidCommand,
		},
		{
			name:        "request id from topic",
			id:          "r8",
			payload:     `{"action":"read_all"}`,
			wantSuccess: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, config.BridgeConfig{}, plugState("Lamp"))

			if err := env.bridge.handleRequest("kasa/request/"+tt.id, []byte(tt.payload)); err != nil {
				t.Fatalf("handleRequest() error = %v", err)
			}

			resp := lastResponse(t, env.mqtt, tt.id)
			if resp["success"] != tt.wantSuccess {
				t.Errorf("success = %v, want %v", resp["success"], tt.wantSuccess)
			}
			if tt.wantCode != "" {
				e, _ := resp["error"].(map[string]any)
				if e == nil || e["code"] != tt.wantCode {
					t.Errorf("error = %v, want code %s", resp["error"], tt.wantCode)
				}
			}
		})
	}
}

func TestHandleRequest_ScanFailure(t *testing.T) {
	env := newTestEnv(t, config.BridgeConfig{}, plugState("Lamp"))
	env.devices.scanResults = []scanResult{{err: kasa.ErrBroadcastSend}}

	if err := env.bridge.handleRequest("kasa/request/s1", []byte(`{"action":"scan"}`)); err != nil {
		t.Fatalf("handleRequest() error = %v", err)
	}

	resp := lastResponse(t, env.mqtt, "s1")
	e, _ := resp["error"].(map[string]any)
	if e == nil || e["code"] != ErrCodeScanFailed {
		t.Errorf("error = %v, want code %s", resp["error"], ErrCodeScanFailed)
	}
	if len(env.mqtt.onTopic("kasa/discovery")) != 1 {
		t.Error("failed scan should still publish a discovery report")
	}
	if len(env.telemetry.reports) != 1 {
		t.Errorf("telemetry scan reports = %d, want 1", len(env.telemetry.reports))
	}
}

func TestPollOnce_BreakerSkipsFailingDevice(t *testing.T) {
	cfg := config.BridgeConfig{Breaker: config.BreakerConfig{Failures: 2, OpenTimeout: 60}}
	env := newTestEnv(t, cfg, plugState("Lamp"), plugState("Dead"))
	env.devices.refreshErr["Dead"] = kasa.ErrConnectFailed

	for i := 0; i < 4; i++ {
		env.bridge.PollOnce(context.Background())
	}

	if got := env.devices.refreshes("Dead"); got != 2 {
		t.Errorf("refreshes of failing device = %d, want 2", got)
	}
	if got := env.devices.refreshes("Lamp"); got != 4 {
		t.Errorf("refreshes of healthy device = %d, want 4", got)
	}
	if got := env.bridge.OpenBreakers(); got != 1 {
		t.Errorf("OpenBreakers() = %d, want 1", got)
	}
	if got := env.bridge.BreakerStates()["Dead"]; got != "open" {
		t.Errorf("breaker state = %q, want open", got)
	}

	m := env.bridge.GetMetrics()
	if m.PollCycles != 4 || m.PollSkipped != 2 {
		t.Errorf("metrics = %+v, want 4 cycles and 2 skipped", m)
	}

	if len(env.history.sources) == 0 || env.history.sources[0] != history.SourcePoll {
		t.Errorf("history sources = %v, want poll first", env.history.sources)
	}
}

func TestPollOnce_CancelledContext(t *testing.T) {
	env := newTestEnv(t, config.BridgeConfig{}, plugState("Lamp"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env.bridge.PollOnce(ctx)

	if got := env.devices.refreshes("Lamp"); got != 0 {
		t.Errorf("refreshes = %d, want 0", got)
	}
}

func TestStartupScan(t *testing.T) {
	tests := []struct {
		name      string
		retries   int
		results   []scanResult
		wantCalls int
	}{
		{
			name:      "first attempt succeeds",
			retries:   3,
			results:   []scanResult{{n: 1}},
			wantCalls: 1,
		},
		{
			name:      "retries until devices found",
			retries:   3,
			results:   []scanResult{{n: 0}, {err: kasa.ErrBroadcastSend}, {n: 2}},
			wantCalls: 3,
		},
		{
			name:      "gives up after retries",
			retries:   2,
			results:   []scanResult{{n: 0}},
			wantCalls: 3,
		},
		{
			name:      "no retries",
			retries:   0,
			results:   []scanResult{{err: kasa.ErrSocketCreate}},
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, config.BridgeConfig{StartupScanRetries: tt.retries})
			env.devices.scanResults = tt.results
			env.bridge.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

			env.bridge.StartupScan(context.Background())

			if env.devices.scanCalls != tt.wantCalls {
				t.Errorf("scan calls = %d, want %d", env.devices.scanCalls, tt.wantCalls)
			}
			if got := len(env.mqtt.onTopic("kasa/discovery")); got != tt.wantCalls {
				t.Errorf("discovery publications = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", kasa.ErrDeviceNotFound), ErrCodeNotFound},
		{ErrInvalidParameters, ErrCodeInvalidParameters},
		{ErrInvalidCommand, ErrCodeInvalidCommand},
		{kasa.ErrUnsupportedModel, ErrCodeInvalidCommand},
		{kasa.ErrNoResponse, ErrCodeTimeout},
		{context.DeadlineExceeded, ErrCodeTimeout},
		{kasa.ErrConnectFailed, ErrCodeDeviceUnreachable},
		{errors.New("other"), ErrCodeDeviceUnreachable},
	}

	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
