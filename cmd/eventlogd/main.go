// Command eventlogd runs the knowledge-graph event-log pipeline: the
// webhook ingress, the producer framework, the subscriber dispatch
// fabric, the migration coordinator, and the HTTP surface that fronts
// all four.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/renku-project/knowledge-graph-pipeline/internal/config"
	"github.com/renku-project/knowledge-graph-pipeline/internal/dispatch"
	dispatchpg "github.com/renku-project/knowledge-graph-pipeline/internal/dispatch/postgres"
	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
	eventlogpg "github.com/renku-project/knowledge-graph-pipeline/internal/eventlog/postgres"
	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog/postgres/migrations"
	"github.com/renku-project/knowledge-graph-pipeline/internal/httpapi"
	"github.com/renku-project/knowledge-graph-pipeline/internal/migration"
	migrationpg "github.com/renku-project/knowledge-graph-pipeline/internal/migration/postgres"
	"github.com/renku-project/knowledge-graph-pipeline/internal/platform/database"
	"github.com/renku-project/knowledge-graph-pipeline/internal/producer"
	"github.com/renku-project/knowledge-graph-pipeline/internal/statuschange"
	"github.com/renku-project/knowledge-graph-pipeline/internal/webhook"
	"github.com/renku-project/knowledge-graph-pipeline/pkg/logger"
	"github.com/renku-project/knowledge-graph-pipeline/pkg/pgnotify"
)

// hookTokenSalt is the static per-deployment salt PBKDF2 mixes with
// HOOK_TOKEN_SECRET to derive the AES-GCM key (§4.5). Rotate the secret,
// not the salt.
const hookTokenSalt = "renku-event-log-hook-token"

// producerCapacityCeiling bounds how many events a single producer
// category may hold in a processing status at once (§4.3 capacity
// throttling).
const producerCapacityCeiling = 200

// producerTickInterval is how often each producer's cron job fires
// absent a pgnotify wake-up.
const producerTickInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file overlaying the environment")
	addr := flag.String("addr", "", "HTTP listen address (overrides config/env)")
	runMigrations := flag.Bool("migrate", true, "apply embedded schema migrations on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLog := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	rootCtx := context.Background()

	db, err := database.Open(rootCtx, cfg.Database.DSN())
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()
	configurePool(db, cfg)

	if *runMigrations && cfg.Database.MigrateOnStart {
		if err := migrations.Apply(db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}

	sqlxDB := sqlx.NewDb(db, "postgres")

	var bus *pgnotify.Bus
	if strings.TrimSpace(cfg.Database.DSN()) != "" {
		bus, err = pgnotify.NewWithDB(db, cfg.Database.DSN())
		if err != nil {
			appLog.WithField("error", err).Warn("eventlogd: pgnotify unavailable, falling back to poll-only scheduling")
			bus = nil
		}
	}

	eventStore := eventlogpg.NewStore(sqlxDB)
	if bus != nil {
		eventStore = eventStore.WithNotifyBus(bus)
	}
	dispatchStore := dispatchpg.NewStore(sqlxDB)
	migrationStore := migrationpg.NewStore(sqlxDB)

	cipher, err := webhook.NewCipherFromPassphrase(cfg.Hook.TokenSecret, hookTokenSalt)
	if err != nil {
		log.Fatalf("initialise hook token cipher: %v", err)
	}

	categories := producer.DefaultCategories(producerCapacityCeiling)
	knownCategories := make([]eventlog.Category, 0, len(categories)+1)
	for _, c := range categories {
		knownCategories = append(knownCategories, c.Category)
	}
	knownCategories = append(knownCategories, eventlog.CategoryTSMigrationRequest)

	webhookHandler := webhook.NewHandler(cipher, eventStore, appLog)
	registry := dispatch.NewRegistry(dispatchStore, knownCategories)
	dispatcher := dispatch.New(dispatchStore, eventStore, appLog)
	zombieReaper := dispatch.NewZombieReaper(dispatchStore, eventStore, appLog, cfg.Zombie.GracePeriod)

	gauges := make(statuschange.PromGauges, len(categories))
	producers := make([]*producer.Producer, 0, len(categories))
	for _, catCfg := range categories {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "event_log_category_occupancy",
			Help:        "Events currently in a processing status for a category.",
			ConstLabels: prometheus.Labels{"category": string(catCfg.Category)},
		})
		prometheus.MustRegister(gauge)
		gauges[catCfg.Category] = gauge
		producers = append(producers, producer.New(catCfg, eventStore, dispatcher, appLog, gauge))
	}

	statusChangeHandler := statuschange.NewHandler(eventStore, dispatchStore, gauges, appLog)
	migrationCoordinator := migration.New(migrationStore)

	scheduler := producer.NewScheduler(producers, producerTickInterval)
	if bus != nil {
		if err := scheduler.SubscribeWakeups(bus); err != nil {
			appLog.WithField("error", err).Warn("eventlogd: pgnotify wake-up subscription failed, continuing poll-only")
		}
	}
	scheduler.Start()
	defer scheduler.Shutdown(context.Background())

	reaperCtx, cancelReaper := context.WithCancel(rootCtx)
	defer cancelReaper()
	go zombieReaper.Run(reaperCtx, cfg.Zombie.SweepInterval)

	evictCtx, cancelEvict := context.WithCancel(rootCtx)
	defer cancelEvict()
	go runSubscriberEviction(evictCtx, registry, cfg.Subscription.IdleTimeout, appLog)

	handler := httpapi.New(httpapi.Dependencies{
		Webhook:      webhookHandler,
		Registry:     registry,
		StatusChange: statusChangeHandler,
		Migrations:   migrationCoordinator,
		Log:          appLog,
		StartedAt:    time.Now(),
	})

	listenAddr := determineAddr(*addr, cfg)
	server := &http.Server{Addr: listenAddr, Handler: handler}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()
	appLog.WithField("addr", listenAddr).Info("eventlogd: listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("http shutdown: %v", err)
	}
	if bus != nil {
		bus.Close()
	}
	appLog.Info("eventlogd: shut down cleanly")
}

// runSubscriberEviction periodically evicts subscribers that have not
// renewed within idleTimeout (§5 "subscriber idle timeout 1 min").
func runSubscriberEviction(ctx context.Context, registry *dispatch.Registry, idleTimeout time.Duration, appLog *logger.Logger) {
	ticker := time.NewTicker(idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := registry.EvictExpired(ctx, idleTimeout)
			if err != nil {
				appLog.WithField("error", err).Warn("eventlogd: subscriber eviction sweep failed")
				continue
			}
			if n > 0 {
				appLog.WithField("count", n).Info("eventlogd: evicted idle subscribers")
			}
		}
	}
}

// configurePool applies the configured connection-pool limits to the
// *sql.DB right after opening it.
func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagAddr); trimmed != "" {
		return trimmed
	}
	return cfg.Server.Addr()
}
