// Gray Logic CFU - component firmware update service
//
// This is the main entry point for the CFU service. It runs the update
// engine for the components declared in the configuration manifest and
// exposes it to update hosts over MQTT and a diagnostics HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/gray-logic-cfu/migrations"

	"github.com/nerrad567/gray-logic-cfu/internal/api"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/service"
	"github.com/nerrad567/gray-logic-cfu/internal/client"
	"github.com/nerrad567/gray-logic-cfu/internal/history"
	"github.com/nerrad567/gray-logic-cfu/internal/host"
	"github.com/nerrad567/gray-logic-cfu/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cfu/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-cfu/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-cfu/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-cfu/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-cfu/internal/mailbox"
	"github.com/nerrad567/gray-logic-cfu/internal/metrics"
	"github.com/nerrad567/gray-logic-cfu/internal/sim"
	"github.com/nerrad567/gray-logic-cfu/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
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

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // Startup sequence: linear wiring of every subsystem
	log := logging.Default()
	log.Info("starting Gray Logic CFU",
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

	// Open database
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	historyRepo := history.NewSQLiteRepository(db.DB)
	if days := cfg.CFU.HistoryRetentionDays; days > 0 {
		pruned, pruneErr := historyRepo.PruneHistory(ctx, time.Duration(days)*24*time.Hour)
		if pruneErr != nil {
			log.Warn("pruning update history failed", "error", pruneErr)
		} else if pruned > 0 {
			log.Info("pruned update history", "entries", pruned, "retention_days", days)
		}
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Telemetry: every device event goes through the fan-out.
	metrics.Register()
	hub := api.NewHub(cfg.WebSocket, log)
	fanout := telemetry.NewFanout(telemetry.DefaultQueueSize, telemetry.NewHistorySink(historyRepo, log), hub)
	fanout.SetLogger(log)
	if influxClient != nil {
		fanout.Add(telemetry.NewInfluxSink(influxClient))
	}

	components, err := sim.FromManifest(cfg.CFU.Components)
	if err != nil {
		return fmt.Errorf("loading component manifest: %w", err)
	}

	// Update engine
	svc := service.Init(service.Options{
		QueueDepth:     cfg.CFU.QueueDepth,
		RequestTimeout: cfg.GetRequestTimeout(),
		Observer:       fanout,
		Logger:         log,
	})

	for _, comp := range components {
		if regErr := svc.RegisterDevice(cfu.NewDevice(comp.ID(), comp)); regErr != nil {
			return fmt.Errorf("registering component %d: %w", comp.ID(), regErr)
		}
		log.Info("component registered",
			"component", comp.ID(),
			"name", comp.Name(),
			"version", comp.Version().String(),
			"subcomponents", len(comp.Subcomponents()),
		)
	}

	cfuClient, err := client.New(svc)
	if err != nil {
		return fmt.Errorf("creating client task: %w", err)
	}
	cfuClient.SetLogger(log)

	driver := host.NewDriver(svc, host.Options{
		ChunkSize:       cfg.CFU.ChunkSize,
		OfferRetries:    cfg.CFU.OfferRetries,
		OfferRetryDelay: cfg.GetOfferRetryDelay(),
	})
	driver.SetLogger(log)

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	var box *mailbox.Mailbox
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
		mqttClient.SetLogger(log)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		box = mailbox.New(svc, mqttClient, mailbox.DefaultMaxInFlight)
		box.SetLogger(log)
		fanout.Add(box)
	} else {
		log.Info("MQTT disabled, mailbox not started")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// Diagnostics API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Logger:     log,
			Components: svc,
			Updater:    driver,
			History:    historyRepo,
			DB:         db.DB,
			Hub:        hub,
			Version:    version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		if influxClient != nil {
			deps.Sessions = influxClient
		}

		srv, srvErr := api.New(deps)
		if srvErr != nil {
			return fmt.Errorf("creating API server: %w", srvErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cfuClient.Run(gctx) })
	g.Go(func() error { return fanout.Run(gctx) })
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if box != nil {
		g.Go(func() error { return box.Run(gctx) })
	}

	log.Info("initialisation complete, waiting for shutdown signal", "components", len(components))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("service stopped: %w", err)
	}

	// Deferred Close() calls run in reverse order:
	// API server, MQTT, InfluxDB, database.
	log.Info("Gray Logic CFU stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
