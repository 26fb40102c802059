// RelayKit daemon
//
// Single-binary deployment of the messaging core: outbox dispatcher, inbox
// deduplicator, saga timeout watcher and the ops HTTP surface, wired to
// MongoDB, Redis and a NATS or SQS publisher as configured.

package main

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.relaykit.dev/clock"
	"go.relaykit.dev/config"
	"go.relaykit.dev/inbox"
	"go.relaykit.dev/lifecycle"
	"go.relaykit.dev/outbox"
	"go.relaykit.dev/resilience"
	"go.relaykit.dev/saga"
	"go.relaykit.dev/serializer"
	"go.relaykit.dev/store"
	"go.relaykit.dev/store/memory"
	"go.relaykit.dev/store/mongostore"
	"go.relaykit.dev/store/redisstore"
	"go.relaykit.dev/transport"
	"go.relaykit.dev/transport/natspub"
	"go.relaykit.dev/transport/sqspub"

	"go.relaykit.dev/ops"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Logging.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("version", version).
		Str("build_time", buildTime).
		Msg("Starting RelayKit daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := lifecycle.NewManager()
	clk := clock.System()

	// Stores: mongo when configured, otherwise in-memory.
	var (
		outboxStore store.OutboxStore
		sagaRepo    saga.Repository
	)
	if cfg.Mongo.URI != "" {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
		}
		if err := mongoClient.Ping(ctx, nil); err != nil {
			log.Fatal().Err(err).Msg("Failed to ping MongoDB")
		}
		db := mongoClient.Database(cfg.Mongo.Database)

		mongoOutbox := mongostore.NewOutbox(db, clk, mongostore.DefaultOutboxConfig())
		if err := mongoOutbox.EnsureIndexes(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to create outbox indexes")
		}
		mongoSagas := mongostore.NewSagaRepository(db, mongostore.DefaultSagaConfig())
		if err := mongoSagas.EnsureIndexes(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to create saga indexes")
		}
		outboxStore = mongoOutbox
		sagaRepo = mongoSagas

		manager.RegisterFunc("mongodb", lifecycle.PhaseConnections, func(ctx context.Context) error {
			return mongoClient.Disconnect(ctx)
		})
		log.Info().Str("database", cfg.Mongo.Database).Msg("Connected to MongoDB")
	} else {
		outboxStore = memory.NewOutboxStore(clk)
		sagaRepo = saga.NewMemoryRepository()
	}

	var inboxStore store.InboxStore
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("Failed to ping Redis")
		}
		inboxStore = redisstore.NewInbox(redisClient, redisstore.InboxConfig{
			KeyPrefix: redisstore.DefaultInboxConfig().KeyPrefix,
			TTL:       cfg.Inbox.RetentionAge.Duration,
		})
		manager.RegisterFunc("redis", lifecycle.PhaseConnections, func(context.Context) error {
			return redisClient.Close()
		})
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	} else {
		inboxStore = memory.NewInboxStore(clk)
	}

	// Publisher: NATS preferred, SQS next, in-memory last.
	codec := serializer.NewGzip(serializer.LevelFastest)
	var publisher transport.Publisher
	switch {
	case cfg.NATS.URL != "" || cfg.NATS.Embedded:
		natsPub, err := natspub.New(codec, natspub.Config{
			URL:      cfg.NATS.URL,
			Embedded: cfg.NATS.Embedded,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		publisher = natsPub
		manager.RegisterFunc("nats", lifecycle.PhaseConnections, func(context.Context) error {
			natsPub.Close()
			return nil
		})
	case cfg.SQS.QueueURL != "":
		sqsPub, err := sqspub.New(ctx, codec, sqspub.Config{
			Region:   cfg.SQS.Region,
			QueueURL: cfg.SQS.QueueURL,
			Endpoint: cfg.SQS.Endpoint,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create SQS publisher")
		}
		publisher = sqsPub
	default:
		publisher = transport.NewInMemory()
		log.Warn().Msg("No transport configured, publishing in memory")
	}
	publisher = transport.Guard(publisher, "outbox-publisher", transport.DefaultGuardConfig())

	// Outbox dispatcher.
	dispatcherConfig := outbox.DispatcherConfig{
		Enabled:      cfg.Outbox.Enabled,
		PollInterval: cfg.Outbox.PollInterval.Duration,
		BatchSize:    cfg.Outbox.BatchSize,
		Workers:      cfg.Outbox.Workers,
		MaxRetries:   cfg.Outbox.MaxRetries,
		Backoff: &resilience.ExponentialBackoff{
			Base:       cfg.Retry.Base.Duration,
			Multiplier: cfg.Retry.Multiplier,
			Cap:        cfg.Retry.Cap.Duration,
			Jitter:     cfg.Retry.Jitter,
			MaxRetries: cfg.Outbox.MaxRetries,
		},
		RatePerSecond:    cfg.Outbox.RatePerSecond,
		StuckTimeout:     cfg.Outbox.StuckTimeout.Duration,
		RecoveryInterval: cfg.Outbox.RecoveryInterval.Duration,
		RetentionAge:     cfg.Outbox.RetentionAge.Duration,
		CleanupInterval:  cfg.Outbox.CleanupInterval.Duration,
	}
	dispatcher := outbox.NewDispatcher(outboxStore, publisher, clk, dispatcherConfig)
	dispatcher.Start(ctx)
	manager.RegisterFunc("outbox-dispatcher", lifecycle.PhaseWorkers, func(context.Context) error {
		dispatcher.Stop()
		return nil
	})

	// Inbox deduplicator cleanup loop.
	dedup := inbox.NewDeduplicator(inboxStore, clk, inbox.DeduplicatorConfig{
		Window:          cfg.Inbox.Window.Duration,
		RetentionAge:    cfg.Inbox.RetentionAge.Duration,
		CleanupInterval: cfg.Inbox.CleanupInterval.Duration,
	})
	dedup.Start(ctx)
	manager.RegisterFunc("inbox-deduplicator", lifecycle.PhaseWorkers, func(context.Context) error {
		dedup.Stop()
		return nil
	})

	// Saga orchestrator and timeout watcher. Definitions are registered by
	// the embedding application; the daemon runs the sweep.
	orchestrator := saga.NewOrchestrator(sagaRepo, saga.DefaultConfig())
	watcher := saga.NewWatcher(orchestrator, saga.WatcherConfig{
		Interval:       cfg.Saga.SweepInterval.Duration,
		DefaultTimeout: cfg.Saga.DefaultTimeout.Duration,
	})
	watcher.Start(ctx)
	manager.RegisterFunc("saga-watcher", lifecycle.PhaseWorkers, func(context.Context) error {
		watcher.Stop()
		return nil
	})

	// Ops surface.
	deadLetters := memory.NewDeadLetterStore()
	opsServer := ops.NewServer(ops.Config{
		Port:         cfg.HTTP.Port,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, dispatcher, outboxStore, inboxStore, deadLetters)
	opsServer.Start()
	opsServer.SetReady(true)
	manager.RegisterFunc("ops-http", lifecycle.PhaseHTTP, opsServer.Shutdown)

	log.Info().
		Int("port", cfg.HTTP.Port).
		Dur("pollInterval", dispatcherConfig.PollInterval).
		Int("batchSize", dispatcherConfig.BatchSize).
		Msg("RelayKit daemon started")

	if err := manager.Run(); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
		os.Exit(1)
	}
	log.Info().Msg("RelayKit daemon stopped")
}
