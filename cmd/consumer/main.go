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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	var configPath, metricsAddr string
	pflag.StringVar(&configPath, "config", "", "YAML config file (overrides "+config.ConfigFileEnv+")")
	pflag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on")
	pflag.Parse()

	cfg, err := config.LoadConsumerConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if pflag.CommandLine.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	geoIndex := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	rc := geoIndex.Client()

	// metrics and health
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, geoIndex, logger)
	logger.Info("shutting down consumer")
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// LocationWriter is the part of the geo index the consumer writes to.
type LocationWriter interface {
	Upsert(ctx context.Context, id string, c models.Coord) error
}

// consume runs until ctx is done. Read errors back off exponentially;
// undecodable ticks are counted and skipped.
func consume(ctx context.Context, r messageReader, w LocationWriter, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		tick, err := ingest.DecodeLocation(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid location message", "error", err, "offset", m.Offset)
			continue
		}
		if err := updateWithRetry(ctx, w, tick, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "driver_id", tick.DriverID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// updateWithRetry writes the tick, doubling delay between attempts.
func updateWithRetry(ctx context.Context, w LocationWriter, tick ingest.LocationTick, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = w.Upsert(ctx, tick.DriverID, tick.Coord()); err == nil {
			return nil
		}
		if errors.Is(err, geo.ErrNonFinite) || i == attempts-1 {
			break
		}
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
