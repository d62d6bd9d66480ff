// Command outboxd drains the transactional outbox: it polls outbox_messages
// in postgres and publishes due rows to Kafka or NATS, with capped
// exponential retry and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	kafkaadapter "github.com/eventfold/eventfold-go/adapters/kafka"
	natsadapter "github.com/eventfold/eventfold-go/adapters/nats"
	"github.com/eventfold/eventfold-go/adapters/postgres"
	promadapter "github.com/eventfold/eventfold-go/adapters/prometheus"
	"github.com/eventfold/eventfold-go/core/es"
	"github.com/eventfold/eventfold-go/core/outbox"
)

func main() {
	if err := run(); err != nil {
		slog.Error("outboxd failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg := LoadConfig()

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	store := postgres.NewStore(log, pool)

	pub, closePub, err := newEventPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer closePub()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := promadapter.NewOutboxMetrics(reg)

	metricsSrv := newMetricsServer(cfg.MetricsPort, reg, postgres.ReadyCheck(pool))
	go func() {
		log.Info("metrics listening", slog.Int("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	publisher := outbox.NewPublisher(log, store, pub, outbox.Config{
		PollEvery:      cfg.PollEvery,
		BatchSize:      cfg.BatchSize,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MaxAttempts:    cfg.MaxAttempts,
	}, outbox.WithMetrics(metrics))

	publisher.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return metricsSrv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func newEventPublisher(cfg *Config, log *slog.Logger) (outbox.EventPublisher, func(), error) {
	switch cfg.Publisher {
	case "kafka":
		brokers := kafkaadapter.SplitBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, nil, errors.New("KAFKA_BROKERS is required for the kafka publisher")
		}
		p := kafkaadapter.NewPublisher(brokers, cfg.KafkaTopic)
		log.Info("publishing to kafka", slog.Any("brokers", brokers), slog.String("topic", cfg.KafkaTopic))
		return p, func() { _ = p.Close() }, nil

	case "nats":
		connect := natsadapter.ConnectDefault()
		if cfg.NatsURL != "" {
			connect = natsadapter.ConnectURL(cfg.NatsURL)
		}
		p, err := natsadapter.NewPublisher(connect, cfg.NatsSubjectPrefix)
		if err != nil {
			return nil, nil, err
		}
		log.Info("publishing to nats", slog.String("prefix", cfg.NatsSubjectPrefix))
		return p, p.Close, nil

	case "log":
		// dev sink: events are only logged, never delivered anywhere
		log.Warn("using the log publisher, events are not delivered")
		p := outbox.PublishFunc(func(_ context.Context, msg es.OutboxMessage) error {
			log.Info(
				"publish",
				slog.String("event_id", msg.EventID),
				slog.String("event_type", msg.EventType),
				slog.String("payload", string(msg.Payload)),
			)
			return nil
		})
		return p, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown publisher %q (want kafka, nats or log)", cfg.Publisher)
	}
}

func newMetricsServer(port int, reg *prometheus.Registry, ready func(context.Context) error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
