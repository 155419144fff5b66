package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/account-pool/internal/config"
	"github.com/ILLUVRSE/account-pool/internal/events"
	"github.com/ILLUVRSE/account-pool/internal/httpserver"
	"github.com/ILLUVRSE/account-pool/internal/onboarding"
)

var (
	cfgPath  string
	pretty   bool
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "account-pool",
		Short:        "Lease a fixed pool of cloud accounts to workers and size the worker fleet to demand",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to an optional config file (yaml, json or toml)")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "Human readable console logs")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd(), reclaimCmd(), recomputeCmd(), adminTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	v, err := config.NewViper(cfgPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if cmd.Flags().Changed("pretty") {
		v.Set("log_pretty", pretty)
	}
	if cmd.Flags().Changed("log-level") {
		v.Set("log_level", logLevel)
	}
	cfg, err := config.FromViper(v)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger := newLogger(cfg)
	log.Logger = logger
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pool service: HTTP API, reclaim sweeper, scaling controller and event consumers",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var consumers []func(context.Context) error
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaEventsTopic != "" {
		sub, err := events.NewKafkaSubscriber(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaEventsTopic,
			GroupID: cfg.KafkaGroupID,
		}, a.bus)
		if err != nil {
			return err
		}
		consumers = append(consumers, sub.Run)
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaOnboardingTopic != "" {
		consumer, err := onboarding.NewConsumer(cfg.KafkaBrokers, cfg.KafkaOnboardingTopic, cfg.KafkaGroupID, a.manager)
		if err != nil {
			return err
		}
		consumers = append(consumers, consumer.Run)
	}

	var workers sync.WaitGroup
	start := func(run func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("background worker stopped")
			}
		}()
	}
	start(func(ctx context.Context) error { a.sweeper.Run(ctx); return nil })
	start(func(ctx context.Context) error { a.controller.Run(ctx); return nil })
	for _, run := range consumers {
		start(run)
	}

	deps := httpserver.Dependencies{
		Pool:     a.manager,
		Health:   a.store,
		Demand:   a.gauge,
		Scaling:  a.controller,
		Events:   a.publisher,
		Admin:    a.admin,
		MaxLease: cfg.MaxLease,
	}
	if a.counter != nil {
		deps.Queue = a.counter
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.New(logger, deps).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("store", cfg.Store).Str("substrate", cfg.Substrate).Msg("account pool listening")
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			workers.Wait()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutdown initiated")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
	stop()
	workers.Wait()
	return nil
}

func reclaimCmd() *cobra.Command {
	var maxLease time.Duration
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return stale leases to the pool once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if maxLease <= 0 {
				maxLease = cfg.MaxLease
			}
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.manager.ReclaimStale(cmd.Context(), maxLease)
			if err != nil {
				logger.Error().Err(err).Int("reclaimed", n).Msg("reclaim finished with errors")
			}
			return printJSON(cmd, map[string]interface{}{"reclaimed": n, "maxLease": maxLease.String()})
		},
	}
	cmd.Flags().DurationVar(&maxLease, "max-lease", 0, "Lease age after which a resource is reclaimed (defaults to max_lease)")
	return cmd
}

func recomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute",
		Short: "Recompute and apply the desired fleet size once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			decision, err := a.controller.RecomputeNow(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, decision)
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
