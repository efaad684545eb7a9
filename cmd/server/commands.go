package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/config"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/sweeper"
	"github.com/example/ride-dispatch/internal/telemetry"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "ride-dispatch",
	Short:        "Ride job dispatch engine: HTTP API, sweep scheduler and telemetry",
	SilenceUsage: true,
	RunE:         serve,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one timeout sweep and exit",
	RunE:  sweepOnce,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema to the configured SQL store",
	RunE:  migrate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml or json)")
	rootCmd.AddCommand(sweepCmd, migrateCmd)
}

func serve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	eng, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error().Err(err).Msg("engine close")
		}
	}()

	var pub httpapi.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kp.Close()
		pub = kp
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing triggers to kafka")
	}

	sched := sweeper.NewScheduler(eng.Sweeper, cfg.Sweep.Schedule, logging.Component(logger, "scheduler"))
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	if cfg.MQTT.Broker != "" {
		client, err := telemetry.Dial(cfg.MQTT.Broker, cfg.MQTT.ClientID)
		if err != nil {
			return err
		}
		sub := telemetry.NewSubscriber(client, cfg.MQTT.Topic, eng.OnTelemetry, logging.Component(logger, "telemetry"))
		if err := sub.Start(ctx); err != nil {
			return err
		}
		defer sub.Close()
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      httpapi.NewServer(eng, pub, logging.Component(logger, "http")),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Str("store", cfg.Store.Driver).Msg("ride-dispatch listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	logger.Info().Msg("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func sweepOnce(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	eng, err := app.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	rep, err := eng.Sweeper.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func migrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Driver == "memory" {
		return errors.New("store driver is memory; nothing to migrate")
	}
	d, err := storage.DialectFor(cfg.Store.Driver)
	if err != nil {
		return err
	}
	dsn := cfg.Store.PGDSN
	if d.Name == storage.SQLite.Name {
		dsn = cfg.Store.SQLitePath
	}
	st, err := storage.OpenSQL(cmd.Context(), d, dsn)
	if err != nil {
		return fmt.Errorf("open %s store: %w", d.Name, err)
	}
	defer st.Close()
	if err := st.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info().Str("store", d.Name).Msg("schema applied")
	return nil
}
