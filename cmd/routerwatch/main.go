// RouterWatch Core - router fleet monitoring service
//
// This is the main entry point for RouterWatch Core. It keeps one MQTT
// connection per monitored router, reduces their telemetry into a single
// state per device, records history and serves the operator dashboard.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/routerwatch-core/internal/api"
	"github.com/nerrad567/routerwatch-core/internal/auth"
	"github.com/nerrad567/routerwatch-core/internal/fleet"
	"github.com/nerrad567/routerwatch-core/internal/history"
	"github.com/nerrad567/routerwatch-core/internal/infrastructure/config"
	"github.com/nerrad567/routerwatch-core/internal/infrastructure/database"
	"github.com/nerrad567/routerwatch-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/routerwatch-core/internal/infrastructure/kvstore"
	"github.com/nerrad567/routerwatch-core/internal/infrastructure/logging"
	"github.com/nerrad567/routerwatch-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/routerwatch-core/internal/metrics"
	"github.com/nerrad567/routerwatch-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// Deferred closes run in reverse order of construction.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting RouterWatch Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// History database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", db.Path())

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Device metadata store
	store, err := kvstore.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer func() {
		log.Info("closing metadata store")
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing metadata store", "error", closeErr)
		}
	}()
	log.Info("metadata store opened", "path", cfg.Store.Path)

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// History recorder: the fleet's event sink
	recorder := history.NewRecorder(
		history.NewSQLiteRepository(db.DB, cfg.Fleet.HistoryLimit),
		history.Options{Meta: store, Logger: log.Component("history")},
	)
	// The recorder outlives the signal context so queued writes drain on
	// shutdown.
	recCtx, recCancel := context.WithCancel(context.Background())
	go recorder.Run(recCtx)
	defer func() {
		log.Info("flushing history")
		recorder.Close()
		recCancel()
	}()

	// Fleet service
	dialer := &mqttDialer{cfg: cfg.MQTT, log: log.Component("mqtt")}
	svc := fleet.New(dialer, recorder, fleet.Config{
		WatchdogTimeout: cfg.GetWatchdogTimeout(),
		CommandQoS:      byte(cfg.MQTT.QoS),
	}, log.Component("fleet"))
	recorder.SetNameResolver(svc.DeviceName)

	if influxClient != nil {
		svc.AddListener(metrics.NewListener(influxClient))
	}

	// API server
	issuer := auth.NewTokenIssuer(cfg.Security.JWT.Secret, cfg.GetAccessTokenTTL())
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.Component("api"),
		Fleet:    svc,
		Commands: svc.Commands(),
		History:  recorder,
		Meta:     store,
		Auth:     auth.NewAuthenticator(cfg.Security.Operator, issuer),
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	svc.AddListener(server.Hub())
	recorder.AddNotifier(server.Hub())

	svc.Start(ctx)
	defer func() {
		log.Info("closing device connections")
		if closeErr := svc.Close(); closeErr != nil {
			log.Error("error closing fleet", "error", closeErr)
		}
	}()

	delta, err := svc.Reconcile(ctx, desiredFromConfig(cfg.Fleet.Devices))
	if err != nil {
		return fmt.Errorf("applying configured fleet: %w", err)
	}
	log.Info("fleet loaded", "devices", len(delta.Add))

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses ROUTERWATCH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ROUTERWATCH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// desiredFromConfig converts configured devices to fleet identities.
func desiredFromConfig(devices []config.DeviceConfig) []fleet.Identity {
	out := make([]fleet.Identity, 0, len(devices))
	for _, d := range devices {
		out = append(out, fleet.Identity{
			ID:   d.ID,
			Name: d.Name,
			Broker: fleet.Broker{
				Host: d.Broker.Host,
				Port: d.Broker.Port,
				Path: d.Broker.Path,
			},
			Credentials: fleet.Credentials{Username: d.Username, Password: d.Password},
		})
	}
	return out
}

// healthCheck verifies the stores are usable. InfluxDB may be nil.
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// mqttDialer adapts the infrastructure MQTT client to fleet.Dialer. The
// fleet package only sees the Conn interface, so it never imports paho.
type mqttDialer struct {
	cfg config.MQTTConfig
	log *logging.Logger
}

// Dial implements fleet.Dialer.
func (d *mqttDialer) Dial(id fleet.Identity, h fleet.Handlers) (fleet.Conn, error) {
	c, err := mqtt.Dial(d.cfg, mqtt.Endpoint{
		DeviceID: id.ID,
		Host:     id.Broker.Host,
		Port:     id.Broker.Port,
		Path:     id.Broker.Path,
		Username: id.Credentials.Username,
		Password: id.Credentials.Password,
	}, mqtt.Handlers{
		OnConnect:        h.OnConnect,
		OnConnectionLost: h.OnConnectionLost,
		OnReconnecting:   h.OnReconnecting,
		OnMessage:        h.OnMessage,
	})
	if err != nil {
		return nil, err
	}
	c.SetLogger(d.log.With("device_id", id.ID))
	return c, nil
}
