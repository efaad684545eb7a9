package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/app"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total trigger messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total undecodable trigger messages skipped",
	})
	handleRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_handle_retries_total",
		Help: "Total trigger handler retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, handleRetries)
}

// Reader is the part of *kafka.Reader the loop uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type HandlerFunc func(ctx context.Context, t ingest.Trigger) error

func main() {
	var metricsAddr, cfgPath string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.StringVar(&cfgPath, "config", "", "configuration file (yaml or json)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Component(logging.NewLogger(cfg.LogLevel), "consumer")
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Fatal().Msg("KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build engine")
	}
	defer eng.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		logger.Info().Str("addr", metricsAddr).Msg("metrics/health listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		GroupID:  cfg.Kafka.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info().Str("topic", cfg.Kafka.Topic).Strs("brokers", cfg.Kafka.Brokers).Str("group", cfg.Kafka.GroupID).
		Msg("consumer listening")
	if err := consume(ctx, r, eng.Handle, logger); err != nil {
		logger.Error().Err(err).Msg("consumer stopped")
		eng.Close()
		os.Exit(1)
	}
	logger.Info().Msg("shutting down consumer")
}

// consume commits a message only after its trigger was handled, so a
// crash redelivers it. A trigger that still fails after retries stops the
// loop without committing; the restarted consumer picks it up again.
func consume(ctx context.Context, r Reader, h HandlerFunc, log zerolog.Logger) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("kafka fetch error")
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		t, err := ingest.Decode(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			log.Warn().Err(err).Int64("offset", m.Offset).Msg("skipping invalid trigger")
		} else if err := handleWithRetry(ctx, h, t, 3, 200*time.Millisecond); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("trigger %s %s at offset %d: %w", t.Kind, t.Key(), m.Offset, err)
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Int64("offset", m.Offset).Msg("commit failed")
		}
	}
}

// handleWithRetry runs h up to attempts times, doubling delay between
// tries. Invalid triggers are not retried.
func handleWithRetry(ctx context.Context, h HandlerFunc, t ingest.Trigger, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = h(ctx, t); err == nil || errors.Is(err, ingest.ErrInvalidTrigger) {
			return err
		}
		if i == attempts-1 {
			break
		}
		handleRetries.Inc()
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
