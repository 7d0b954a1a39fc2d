package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors configs/config.yaml, one field per top-level section.
type Config struct {
	Kasa     KasaConfig     `yaml:"kasa"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Database DatabaseConfig `yaml:"database"`
	History  HistoryConfig  `yaml:"history"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// KasaConfig contains device discovery and connection settings.
type KasaConfig struct {
	// BroadcastAddress is the discovery destination.
	// Default: "255.255.255.255"
	BroadcastAddress string `yaml:"broadcast_address"`

	// ListenAddress is the local UDP bind address for discovery.
	// Default: ":0"
	ListenAddress string `yaml:"listen_address"`

	// Port is the device port for both discovery and control.
	// Default: 9999
	Port int `yaml:"port"`

	// Capacity is the maximum number of tracked devices.
	// Default: 4
	Capacity int `yaml:"capacity"`

	// DiscoveryTimeoutMS is the wait window per discovery broadcast.
	// Default: 2000
	DiscoveryTimeoutMS int `yaml:"discovery_timeout_ms"`

	// QueryTimeoutMS is the read window for a device query.
	// Default: 300
	QueryTimeoutMS int `yaml:"query_timeout_ms"`

	// ConnectTimeoutMS bounds each TCP connect.
	// Default: 5000
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`

	// SettleDelayMS is the pause after a command before closing.
	// Default: 10
	SettleDelayMS int `yaml:"settle_delay_ms"`

	// ScanOnStart runs discovery when the service starts.
	// Default: true
	ScanOnStart bool `yaml:"scan_on_start"`

	// Devices are bound by address without discovery.
	Devices []StaticDeviceConfig `yaml:"devices"`
}

// StaticDeviceConfig names a device bound at startup.
type StaticDeviceConfig struct {
	Alias   string `yaml:"alias"`
	Address string `yaml:"address"`
	Type    string `yaml:"type"` // "plug" or "bulb"
}

// BridgeConfig contains MQTT bridge and poller settings.
type BridgeConfig struct {
	// ID identifies this bridge instance in health messages.
	ID string `yaml:"id"`

	// PollInterval is how often every device is refreshed (seconds).
	// 0 disables polling. Default: 30
	PollInterval int `yaml:"poll_interval"`

	// RescanInterval is how often discovery is repeated (seconds).
	// 0 disables periodic rescans. Default: 0
	RescanInterval int `yaml:"rescan_interval"`

	// HealthInterval is how often health is published (seconds).
	// Default: 30
	HealthInterval int `yaml:"health_interval"`

	// StartupScanRetries is the number of retries for the first scan.
	// Default: 3
	StartupScanRetries int `yaml:"startup_scan_retries"`

	// Breaker configures the per-device circuit breaker used by the poller.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig contains circuit breaker settings.
type BreakerConfig struct {
	// Failures is the number of consecutive failed polls that opens the breaker.
	// Default: 3
	Failures int `yaml:"failures"`

	// OpenTimeout is how long an open breaker skips the device (seconds).
	// Default: 60
	OpenTimeout int `yaml:"open_timeout"`
}

// DatabaseConfig locates the SQLite file behind the state history.
// BusyTimeout is in seconds.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// RetentionDays is how long history rows are kept. 0 keeps them forever.
	// Default: 30
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig is the broker connection used by the bridge.
type MQTTConfig struct {
	Enabled bool `yaml:"enabled"`

	// TopicPrefix is the root of the topic tree.
	// Default: "kasa"
	TopicPrefix string `yaml:"topic_prefix"`

	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig is optional; an empty username connects anonymously.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig delays are seconds. MaxAttempts 0 retries forever.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig values are seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig configures telemetry. FlushInterval is in seconds.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig selects level (debug|info|warn|error), format
// (json|text) and output (stdout|stderr).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load builds a Config from defaults, then the YAML file at path, then
// KASACORE_* environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Kasa: KasaConfig{
			BroadcastAddress:   "255.255.255.255",
			ListenAddress:      ":0",
			Port:               9999,
			Capacity:           4,
			DiscoveryTimeoutMS: 2000,
			QueryTimeoutMS:     300,
			ConnectTimeoutMS:   5000,
			SettleDelayMS:      10,
			ScanOnStart:        true,
		},
		Bridge: BridgeConfig{
			ID:                 "kasa-bridge-01",
			PollInterval:       30,
			HealthInterval:     30,
			StartupScanRetries: 3,
			Breaker: BreakerConfig{
				Failures:    3,
				OpenTimeout: 60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/kasacore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Enabled:     true,
			TopicPrefix: "kasa",
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "kasacore",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// envOverrides lists the variables that override file values. String
// values apply when non-empty, integers when they parse.
var envOverrides = []struct {
	key   string
	apply func(cfg *Config, v string)
}{
	{"KASACORE_KASA_BROADCAST_ADDRESS", setString(func(c *Config) *string { return &c.Kasa.BroadcastAddress })},
	{"KASACORE_KASA_CAPACITY", setInt(func(c *Config) *int { return &c.Kasa.Capacity })},
	{"KASACORE_DATABASE_PATH", setString(func(c *Config) *string { return &c.Database.Path })},
	{"KASACORE_MQTT_HOST", setString(func(c *Config) *string { return &c.MQTT.Broker.Host })},
	{"KASACORE_MQTT_PORT", setInt(func(c *Config) *int { return &c.MQTT.Broker.Port })},
	{"KASACORE_MQTT_USERNAME", setString(func(c *Config) *string { return &c.MQTT.Auth.Username })},
	{"KASACORE_MQTT_PASSWORD", setString(func(c *Config) *string { return &c.MQTT.Auth.Password })},
	{"KASACORE_API_HOST", setString(func(c *Config) *string { return &c.API.Host })},
	{"KASACORE_API_PORT", setInt(func(c *Config) *int { return &c.API.Port })},
	{"KASACORE_INFLUXDB_URL", setString(func(c *Config) *string { return &c.InfluxDB.URL })},
	{"KASACORE_INFLUXDB_TOKEN", setString(func(c *Config) *string { return &c.InfluxDB.Token })},
	{"KASACORE_LOG_LEVEL", setString(func(c *Config) *string { return &c.Logging.Level })},
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.key); ok {
			o.apply(cfg, v)
		}
	}
}

func setString(field func(*Config) *string) func(*Config, string) {
	return func(cfg *Config, v string) {
		if v != "" {
			*field(cfg) = v
		}
	}
}

func setInt(field func(*Config) *int) func(*Config, string) {
	return func(cfg *Config, v string) {
		if n, ok := parseInt(v); ok {
			*field(cfg) = n
		}
	}
}

func parseInt(v string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	return n, err == nil
}

// Validate reports every problem at once, joined with "; ".
func (c *Config) Validate() error {
	var errs []string

	if net.ParseIP(c.Kasa.BroadcastAddress).To4() == nil {
		errs = append(errs, "kasa.broadcast_address must be an IPv4 address")
	}
	if c.Kasa.Port < 1 || c.Kasa.Port > 65535 {
		errs = append(errs, "kasa.port must be between 1 and 65535")
	}
	if c.Kasa.Capacity < 1 {
		errs = append(errs, "kasa.capacity must be at least 1")
	}
	if c.Kasa.DiscoveryTimeoutMS < 1 || c.Kasa.QueryTimeoutMS < 1 || c.Kasa.ConnectTimeoutMS < 1 {
		errs = append(errs, "kasa timeouts must be positive")
	}
	if c.Kasa.SettleDelayMS < 0 {
		errs = append(errs, "kasa.settle_delay_ms must not be negative")
	}
	if len(c.Kasa.Devices) > c.Kasa.Capacity {
		errs = append(errs, "kasa.devices exceeds kasa.capacity")
	}
	seen := make(map[string]bool, len(c.Kasa.Devices))
	for i, d := range c.Kasa.Devices {
		if d.Alias == "" {
			errs = append(errs, fmt.Sprintf("kasa.devices[%d].alias is required", i))
		} else if seen[d.Alias] {
			errs = append(errs, fmt.Sprintf("kasa.devices[%d].alias %q is duplicated", i, d.Alias))
		}
		seen[d.Alias] = true
		if d.Address == "" {
			errs = append(errs, fmt.Sprintf("kasa.devices[%d].address is required", i))
		}
		if d.Type != "plug" && d.Type != "bulb" {
			errs = append(errs, fmt.Sprintf("kasa.devices[%d].type must be plug or bulb", i))
		}
	}


	if c.Bridge.PollInterval < 0 || c.Bridge.RescanInterval < 0 {
		errs = append(errs, "bridge intervals must not be negative")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1")
	}
	if c.Bridge.Breaker.Failures < 1 {
		errs = append(errs, "bridge.breaker.failures must be at least 1")
	}

	if c.History.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when history is enabled")
	}

	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required")
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		errs = append(errs, "mqtt.topic_prefix must not contain wildcards")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// seconds converts a whole-seconds config value.
func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// millis converts a millisecond config value.
func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// HTTP server timeouts.
func (c *Config) GetReadTimeout() time.Duration  { return seconds(c.API.Timeouts.Read) }
func (c *Config) GetWriteTimeout() time.Duration { return seconds(c.API.Timeouts.Write) }
func (c *Config) GetIdleTimeout() time.Duration  { return seconds(c.API.Timeouts.Idle) }

// DiscoveryTimeout returns the per-broadcast discovery window.
func (k KasaConfig) DiscoveryTimeout() time.Duration {
	return millis(k.DiscoveryTimeoutMS)
}

// QueryTimeout returns the device query read window.
func (k KasaConfig) QueryTimeout() time.Duration {
	return millis(k.QueryTimeoutMS)
}

// ConnectTimeout returns the TCP connect deadline.
func (k KasaConfig) ConnectTimeout() time.Duration {
	return millis(k.ConnectTimeoutMS)
}

// SettleDelay returns the post-command settle delay.
func (k KasaConfig) SettleDelay() time.Duration {
	return millis(k.SettleDelayMS)
}

// GetPollInterval returns the device poll interval. Zero disables polling.
func (b BridgeConfig) GetPollInterval() time.Duration {
	return seconds(b.PollInterval)
}

// GetRescanInterval returns the periodic rescan interval. Zero disables it.
func (b BridgeConfig) GetRescanInterval() time.Duration {
	return seconds(b.RescanInterval)
}

// GetHealthInterval returns the health publish interval.
func (b BridgeConfig) GetHealthInterval() time.Duration {
	return seconds(b.HealthInterval)
}

// GetOpenTimeout returns how long an open breaker stays open.
func (b BreakerConfig) GetOpenTimeout() time.Duration {
	return seconds(b.OpenTimeout)
}

// Retention returns the history retention window. Zero keeps history forever.
func (h HistoryConfig) Retention() time.Duration {
	return time.Duration(h.RetentionDays) * 24 * time.Hour
}
