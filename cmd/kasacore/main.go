// Kasa Core - local control service for TP-Link Kasa plugs and bulbs.
//
// This is the main entry point. It discovers devices on the LAN, keeps
// their state fresh, and exposes them over MQTT and a small HTTP API.
// State changes can be written to InfluxDB and to a SQLite history table.
//
// Configuration is read from configs/config.yaml, or the path in
// KASACORE_CONFIG.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/kasa-core/internal/api"
	"github.com/nerrad567/kasa-core/internal/bridge"
	"github.com/nerrad567/kasa-core/internal/history"
	"github.com/nerrad567/kasa-core/internal/infrastructure/config"
	"github.com/nerrad567/kasa-core/internal/infrastructure/database"
	"github.com/nerrad567/kasa-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/kasa-core/internal/infrastructure/logging"
	"github.com/nerrad567/kasa-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/kasa-core/internal/kasa"
	"github.com/nerrad567/kasa-core/migrations"
)

// Build metadata, stamped with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// pruneInterval is how often expired history rows are deleted.
const pruneInterval = time.Hour

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It blocks until ctx is cancelled, then shuts components down in reverse
// start order.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Kasa Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	manager, err := newManager(cfg.Kasa, log)
	if err != nil {
		return err
	}

	stores := make(map[string]api.StoreChecker)

	// State history (optional)
	var historyRepo history.Repository
	if cfg.History.Enabled {
		db, dbErr := openHistory(ctx, cfg.Database)
		if dbErr != nil {
			return dbErr
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("state history enabled", "path", cfg.Database.Path, "retention_days", cfg.History.RetentionDays)

		stores["database"] = db

		repo := history.NewSQLiteRepository(db.DB)
		historyRepo = repo
		if retention := cfg.History.Retention(); retention > 0 {
			go pruneLoop(ctx, repo, retention, log)
		}
	}

	// InfluxDB telemetry (optional)
	var telemetry bridge.TelemetryWriter
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		telemetry = influxClient
		stores["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// MQTT bridge (optional)
	var (
		mqttClient *mqtt.Client
		kasaBridge *bridge.Bridge
	)
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		kasaBridge, err = bridge.New(bridge.Options{
			Config:     cfg.Bridge,
			Topics:     mqttClient.Topics(),
			QoS:        byte(cfg.MQTT.QoS),
			Version:    version,
			MQTT:       mqttClient,
			Controller: manager,
			Telemetry:  telemetry,
			History:    historyRepo,
			Logger:     log.Component("bridge"),
		})
		if err != nil {
			return fmt.Errorf("creating bridge: %w", err)
		}
		manager.SetOnChange(kasaBridge.HandleStateChange)
		mqttClient.SetOnConnect(kasaBridge.Resync)

		if startErr := kasaBridge.Start(ctx, cfg.Kasa.ScanOnStart); startErr != nil {
			return fmt.Errorf("starting bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping bridge")
			kasaBridge.Stop()
		}()
	} else {
		log.Info("MQTT disabled")
		manager.SetOnChange(recordChange(telemetry, historyRepo, log))
		if cfg.Kasa.ScanOnStart {
			n, scanErr := manager.Scan(ctx)
			if scanErr != nil {
				log.Warn("startup scan failed", "error", scanErr, "code", kasa.ScanCode(scanErr))
			} else {
				log.Info("startup scan complete", "devices", n)
			}
		}
	}

	// HTTP API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			Logger:   log.Component("api"),
			Devices:  manager,
			Stores:   stores,
			Registry: prometheus.NewRegistry(),
			Version:  version,
		}
		if historyRepo != nil {
			deps.History = historyRepo
		}
		if kasaBridge != nil {
			deps.Bridge = kasaBridge
			deps.MQTT = mqttClient
		}

		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("Kasa Core started", "devices", manager.Count())

	<-ctx.Done()
	log.Info("shutdown signal received")

	return nil
}

// newManager builds the device manager and binds statically configured devices.
func newManager(cfg config.KasaConfig, log *logging.Logger) (*kasa.Manager, error) {
	manager := kasa.NewManager(kasa.Config{
		Capacity:         cfg.Capacity,
		DiscoveryTimeout: cfg.DiscoveryTimeout(),
		Session: kasa.SessionConfig{
			Port:           cfg.Port,
			ConnectTimeout: cfg.ConnectTimeout(),
			QueryTimeout:   cfg.QueryTimeout(),
			SettleDelay:    cfg.SettleDelay(),
		},
		Scanner: kasa.ScannerConfig{
			BroadcastAddress: cfg.BroadcastAddress,
			ListenAddress:    cfg.ListenAddress,
		},
	})
	manager.SetLogger(log.Component("kasa"))

	for _, d := range cfg.Devices {
		kind, err := kasa.ParseKind(d.Type)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", d.Alias, err)
		}
		if _, err := manager.Bind(d.Alias, d.Address, kind); err != nil {
			return nil, fmt.Errorf("binding device %q: %w", d.Alias, err)
		}
	}
	return manager, nil
}

// openHistory opens the database and applies migrations.
func openHistory(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		//nolint:errcheck // Already failing
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// recordChange writes state changes to telemetry and history when no
// bridge is running to do it.
func recordChange(telemetry bridge.TelemetryWriter, repo history.Repository, log *logging.Logger) func(kasa.State) {
	return func(st kasa.State) {
		if telemetry != nil {
			telemetry.WriteDeviceState(st)
		}
		if repo == nil {
			return
		}

		source := history.SourceCommand
		if st.Confirmed {
			source = history.SourcePoll
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := repo.RecordStateChange(ctx, st, source); err != nil {
			log.Error("failed to record state history", "alias", st.Alias, "error", err)
		}
	}
}

// pruneLoop deletes history older than retention once per pruneInterval.
func pruneLoop(ctx context.Context, repo history.Repository, retention time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		n, err := repo.PruneHistory(ctx, retention)
		switch {
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			log.Warn("history prune failed", "error", err)
		case n > 0:
			log.Info("history pruned", "rows", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// getConfigPath prefers KASACORE_CONFIG over configs/config.yaml.
func getConfigPath() string {
	if path := os.Getenv("KASACORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
