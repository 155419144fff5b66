package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/account-pool/internal/auth"
	"github.com/ILLUVRSE/account-pool/internal/config"
	"github.com/ILLUVRSE/account-pool/internal/demand"
	"github.com/ILLUVRSE/account-pool/internal/events"
	"github.com/ILLUVRSE/account-pool/internal/lease"
	"github.com/ILLUVRSE/account-pool/internal/scaling"
	"github.com/ILLUVRSE/account-pool/internal/store"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg    config.Config
	logger zerolog.Logger

	store      store.Store
	bus        *events.Bus
	publisher  events.Publisher
	manager    *lease.Manager
	counter    *demand.CounterQueue
	gauge      *demand.Gauge
	controller *scaling.Controller
	sweeper    *lease.Sweeper
	admin      func(http.Handler) http.Handler

	closers []func() error
}

func (c *app) needsAWS() bool {
	cfg := c.cfg
	return cfg.Store == "dynamodb" || cfg.Queue == "sqs" || cfg.Substrate == "ecs" ||
		cfg.EventBusName != "" || cfg.ArchiveBucket != ""
}

func buildApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: events.NewBus()}

	var awsCfg aws.Config
	if a.needsAWS() {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
	}

	st, err := a.openStore(ctx, awsCfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = st

	publishers := events.Fanout{a.bus}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaEventsTopic != "" {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaEventsTopic})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, kp.Close)
		publishers = append(publishers, kp)
	}
	if cfg.EventBusName != "" {
		publishers = append(publishers, events.NewEventBridgePublisher(eventbridge.NewFromConfig(awsCfg), cfg.EventBusName))
	}
	if cfg.ArchiveBucket != "" {
		archiver, err := events.NewS3Archiver(s3.NewFromConfig(awsCfg), cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		publishers = append(publishers, archiver)
	}
	a.publisher = publishers

	a.manager = lease.New(st, a.publisher,
		lease.WithMaxAttempts(cfg.AcquireMaxAttempts),
		lease.WithLogger(logger.With().Str("component", "lease").Logger()),
	)
	a.sweeper = lease.NewSweeper(a.manager, cfg.MaxLease, cfg.SweepInterval)
	a.sweeper.Subscribe(a.bus)

	var queue demand.WorkQueue
	switch cfg.Queue {
	case "sqs":
		queue = demand.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.QueueURL)
	default:
		a.counter = demand.NewCounterQueue()
		queue = a.counter
	}
	a.gauge = demand.NewGauge(queue, st)

	var substrate scaling.Substrate
	switch cfg.Substrate {
	case "ecs":
		substrate, err = scaling.NewECSSubstrate(ecs.NewFromConfig(awsCfg), cfg.ECSServiceResourceID)
		if err != nil {
			a.Close()
			return nil, err
		}
	default:
		substrate = scaling.NewLogSubstrate()
	}
	a.controller = scaling.NewController(a.gauge, substrate, a.publisher, cfg.RecomputeInterval)
	a.controller.Subscribe(a.bus)

	if cfg.AdminKeysFile != "" {
		verifier, err := auth.NewVerifier(cfg.AdminKeysFile, cfg.AdminScope)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.admin = verifier.Middleware
	} else {
		logger.Warn().Msg("admin_keys_file not set, admin routes disabled")
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context, awsCfg aws.Config) (store.Store, error) {
	switch a.cfg.Store {
	case "postgres":
		db, err := sql.Open("postgres", a.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping db: %w", err)
		}
		pg := store.NewPGStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return pg, nil
	case "dynamodb":
		ds := store.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), a.cfg.DynamoDBTable)
		if err := ds.Ping(ctx); err != nil {
			return nil, fmt.Errorf("describe table %s: %w", a.cfg.DynamoDBTable, err)
		}
		return ds, nil
	default:
		a.logger.Warn().Msg("using in-memory store, leases do not survive restarts")
		return store.NewMemoryStore(), nil
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var logger zerolog.Logger
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.With().Timestamp().Str("service", "account-pool").Logger()
}
