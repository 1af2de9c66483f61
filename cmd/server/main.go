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

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/settlement"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	var (
		configPath string
		addr       string
		logLevel   string
		migrate    bool
	)
	pflag.StringVar(&configPath, "config", "", "YAML config file (overrides "+config.ConfigFileEnv+")")
	pflag.StringVar(&addr, "addr", "", "HTTP listen address")
	pflag.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	pflag.BoolVar(&migrate, "migrate", false, "apply SQL migrations before serving")
	pflag.Parse()

	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if pflag.CommandLine.Changed("addr") {
		cfg.HTTPAddr = addr
	}
	if pflag.CommandLine.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if pflag.CommandLine.Changed("migrate") {
		cfg.RunMigrations = migrate
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	ready := map[string]httpapi.Check{}

	var st storage.RideStore
	// without a user table tokens are trusted as issued
	var users storage.UserStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := runMigrations(ctx, pg.DB(), cfg.MigrationsDir, logger); err != nil {
				return err
			}
		}
		ready["postgres"] = pg.DB().PingContext
		st = pg
		users = pg
	} else {
		logger.Warn("PG_DSN not set; rides are kept in memory and tokens are not checked against users")
		st = storage.NewMemoryStore()
	}

	var locator geo.Locator
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rg.Client().Close()
		ready["redis"] = func(ctx context.Context) error { return rg.Client().Ping(ctx).Err() }
		locator = rg
	} else {
		locator = geo.NewIndex()
	}

	var wallets ledger.Ledger
	if cfg.LedgerDSN != "" {
		p, err := ledger.NewPool(ctx, cfg.LedgerDSN)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer p.Close()
		ready["ledger"] = p.Ping
		wallets = ledger.NewPostgresLedger(p)
	} else {
		logger.Warn("LEDGER_DSN not set; wallets are kept in memory")
		wallets = ledger.NewMemoryLedger()
	}

	machineOpts := []ride.Option{ride.WithLogger(logger)}
	var sink eta.LocationSink
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic, cfg.KafkaRidesTopic)
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("close kafka producer", "error", err)
			}
		}()
		machineOpts = append(machineOpts, ride.WithJournal(producer))
		sink = producer
	}

	hub := dispatch.NewHub(logger)
	reg := registry.New(locator, users, logger)
	n := notify.New(hub, reg)
	machine := ride.NewMachine(st, machineOpts...)
	match := &matcher.Service{Machine: machine, Registry: reg, Notify: n, RadiusM: cfg.OfferRadiusM, Logger: logger}

	gw := gateway.New(gateway.Deps{
		Hub:      hub,
		Registry: reg,
		Notify:   n,
		Machine:  machine,
		Matcher:  match,
		ETA: &eta.Pipeline{
			Registry: reg,
			Machine:  machine,
			Notify:   n,
			SpeedMps: cfg.DefaultSpeedMps,
			Sink:     sink,
			Logger:   logger,
		},
		Settlement: &settlement.Service{Machine: machine, Ledger: wallets, Notify: n, Logger: logger},
		Pool: &pool.Service{
			Machine:         machine,
			Notify:          n,
			Offers:          match,
			DefaultCapacity: cfg.PoolCapacity,
			Logger:          logger,
		},
		Logger: logger,
	})

	api := httpapi.NewServer(httpapi.Options{
		Verifier: auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer, users),
		Gateway:  gw,
		Logger:   logger,
		WS: httpapi.WSConfig{
			WriteTimeout:    cfg.WSWriteTimeout,
			PongTimeout:     cfg.WSPongTimeout,
			SendBuffer:      cfg.WSSendBuffer,
			MaxMessageBytes: cfg.WSMaxMessageBytes,
		},
		Ready: ready,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
