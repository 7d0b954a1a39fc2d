package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
kasa:
  broadcast_address: "192.168.1.255"
  capacity: 6
  query_timeout_ms: 500
  devices:
    - alias: "Lamp1"
      address: "192.168.1.40"
      type: "bulb"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Kasa.BroadcastAddress != "192.168.1.255" {
		t.Errorf("Kasa.BroadcastAddress = %q, want %q", cfg.Kasa.BroadcastAddress, "192.168.1.255")
	}
	if cfg.Kasa.Capacity != 6 {
		t.Errorf("Kasa.Capacity = %d, want 6", cfg.Kasa.Capacity)
	}
	if cfg.Kasa.QueryTimeout() != 500*time.Millisecond {
		t.Errorf("QueryTimeout() = %v, want 500ms", cfg.Kasa.QueryTimeout())
	}
	if len(cfg.Kasa.Devices) != 1 || cfg.Kasa.Devices[0].Type != "bulb" {
		t.Errorf("Kasa.Devices = %+v", cfg.Kasa.Devices)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"broadcast address", cfg.Kasa.BroadcastAddress, "255.255.255.255"},
		{"port", cfg.Kasa.Port, 9999},
		{"capacity", cfg.Kasa.Capacity, 4},
		{"query timeout", cfg.Kasa.QueryTimeout(), 300 * time.Millisecond},
		{"connect timeout", cfg.Kasa.ConnectTimeout(), 5 * time.Second},
		{"settle delay", cfg.Kasa.SettleDelay(), 10 * time.Millisecond},
		{"discovery timeout", cfg.Kasa.DiscoveryTimeout(), 2 * time.Second},
		{"scan on start", cfg.Kasa.ScanOnStart, true},
		{"topic prefix", cfg.MQTT.TopicPrefix, "kasa"},
		{"poll interval", cfg.Bridge.GetPollInterval(), 30 * time.Second},
		{"breaker open timeout", cfg.Bridge.Breaker.GetOpenTimeout(), time.Minute},
		{"history retention", cfg.History.Retention(), 30 * 24 * time.Hour},
		{"log level", cfg.Logging.Level, "debug"},
		{"log format", cfg.Logging.Format, "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
kasa:
  capacity: 0
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected validation error for zero capacity, got nil")
	}
	if !strings.Contains(err.Error(), "kasa.capacity") {
		t.Errorf("error = %v, want mention of kasa.capacity", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "broadcast address not IPv4",
			mutate:  func(c *Config) { c.Kasa.BroadcastAddress = "ff02::1" },
			wantErr: "kasa.broadcast_address",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Kasa.Port = 70000 },
			wantErr: "kasa.port",
		},
		{
			name:    "zero query timeout",
			mutate:  func(c *Config) { c.Kasa.QueryTimeoutMS = 0 },
			wantErr: "kasa timeouts",
		},
		{
			name: "static devices exceed capacity",
			mutate: func(c *Config) {
				c.Kasa.Capacity = 1
				c.Kasa.Devices = []StaticDeviceConfig{
					{Alias: "A", Address: "10.0.0.1", Type: "plug"},
					{Alias: "B", Address: "10.0.0.2", Type: "plug"},
				}
			},
			wantErr: "exceeds kasa.capacity",
		},
		{
			name: "duplicate static alias",
			mutate: func(c *Config) {
				c.Kasa.Devices = []StaticDeviceConfig{
					{Alias: "A", Address: "10.0.0.1", Type: "plug"},
					{Alias: "A", Address: "10.0.0.2", Type: "bulb"},
				}
			},
			wantErr: "duplicated",
		},
		{
			name: "static device bad type",
			mutate: func(c *Config) {
				c.Kasa.Devices = []StaticDeviceConfig{{Alias: "A", Address: "10.0.0.1", Type: "strip"}}
			},
			wantErr: "type must be plug or bulb",
		},
		{
			name:    "wildcard topic prefix",
			mutate:  func(c *Config) { c.MQTT.TopicPrefix = "kasa/#" },
			wantErr: "wildcards",
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "influx enabled without url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: "influxdb.url",
		},
		{
			name:    "api disabled ignores port",
			mutate:  func(c *Config) { c.API.Enabled = false; c.API.Port = 0 },
			wantErr: "",
		},
		{
			name:    "breaker failures zero",
			mutate:  func(c *Config) { c.Bridge.Breaker.Failures = 0 },
			wantErr: "bridge.breaker.failures",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Kasa.Port = 0
	cfg.MQTT.QoS = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	if !strings.Contains(err.Error(), "kasa.port") || !strings.Contains(err.Error(), "mqtt.qos") {
		t.Errorf("Validate() error = %v, want both problems reported", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("KASACORE_KASA_BROADCAST_ADDRESS", "10.0.0.255")
	t.Setenv("KASACORE_KASA_CAPACITY", "8")
	t.Setenv("KASACORE_DATABASE_PATH", "/env/kasa.db")
	t.Setenv("KASACORE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("KASACORE_MQTT_PORT", " 8883 ")
	t.Setenv("KASACORE_MQTT_USERNAME", "envuser")
	t.Setenv("KASACORE_MQTT_PASSWORD", "envpass")
	t.Setenv("KASACORE_API_HOST", "127.0.0.1")
	t.Setenv("KASACORE_API_PORT", "9090")
	t.Setenv("KASACORE_INFLUXDB_URL", "http://influx:8086")
	t.Setenv("KASACORE_INFLUXDB_TOKEN", "env-token")
	t.Setenv("KASACORE_LOG_LEVEL", "warn")

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"broadcast", cfg.Kasa.BroadcastAddress, "10.0.0.255"},
		{"capacity", cfg.Kasa.Capacity, 8},
		{"database path", cfg.Database.Path, "/env/kasa.db"},
		{"mqtt host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"mqtt port", cfg.MQTT.Broker.Port, 8883},
		{"mqtt username", cfg.MQTT.Auth.Username, "envuser"},
		{"mqtt password", cfg.MQTT.Auth.Password, "envpass"},
		{"api host", cfg.API.Host, "127.0.0.1"},
		{"api port", cfg.API.Port, 9090},
		{"influx url", cfg.InfluxDB.URL, "http://influx:8086"},
		{"influx token", cfg.InfluxDB.Token, "env-token"},
		{"log level", cfg.Logging.Level, "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestApplyEnvOverrides_IgnoresUnusableValues(t *testing.T) {
	t.Setenv("KASACORE_KASA_CAPACITY", "lots")
	t.Setenv("KASACORE_MQTT_HOST", "")

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Kasa.Capacity != 4 {
		t.Errorf("Kasa.Capacity = %d, want default 4", cfg.Kasa.Capacity)
	}
	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want default localhost", cfg.MQTT.Broker.Host)
	}
}

func TestTimeoutGetters(t *testing.T) {
	cfg := &Config{API: APIConfig{Timeouts: APITimeoutConfig{Read: 15, Write: 20, Idle: 90}}}

	if got := cfg.GetReadTimeout(); got != 15*time.Second {
		t.Errorf("GetReadTimeout() = %v, want 15s", got)
	}
	if got := cfg.GetWriteTimeout(); got != 20*time.Second {
		t.Errorf("GetWriteTimeout() = %v, want 20s", got)
	}
	if got := cfg.GetIdleTimeout(); got != 90*time.Second {
		t.Errorf("GetIdleTimeout() = %v, want 90s", got)
	}
}
