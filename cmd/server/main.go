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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/campus-share/internal/auth"
	"github.com/example/campus-share/internal/config"
	"github.com/example/campus-share/internal/dispatch"
	"github.com/example/campus-share/internal/events"
	"github.com/example/campus-share/internal/geo"
	httpapi "github.com/example/campus-share/internal/http"
	"github.com/example/campus-share/internal/ingest"
	"github.com/example/campus-share/internal/logging"
	"github.com/example/campus-share/internal/matcher"
	"github.com/example/campus-share/internal/storage"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:          "campus-share",
		Short:        "Ride sharing API for campus commuters",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file read before the environment (ignored when missing)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and event sinks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(serve, versionCmd)
	return root
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	places, err := loadPlaces(cfg.LocationsFile)
	if err != nil {
		return err
	}
	tokens, err := auth.NewManager(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	hub := events.NewHub(cfg.EventBuffer, logger)
	ws := dispatch.NewWSRegistry(logger)
	hub.AddSink("ws", ws)

	journal, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer journal.Close()
	hub.AddSink("journal", journal)

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		hub.AddSink("kafka", producer)
		logger.Info("kafka sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping failed, events will be retried per publish", "error", err)
		}
		hub.AddSink("redis", events.NewRedisSink(rdb, cfg.RedisChannel))
		logger.Info("redis sink enabled", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	}

	core := matcher.New(matcher.Config{
		Emitter:       hub,
		Logger:        logger,
		DriveSpeedMps: cfg.DriveSpeedMps,
		WalkSpeedMps:  cfg.WalkSpeedMps,
		PriceWeight:   cfg.PriceWeight,
	})

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Deps{
			Core:           core,
			Places:         places,
			Tokens:         tokens,
			WS:             ws,
			Journal:        journal,
			Logger:         logger,
			RateLimitRPS:   cfg.RateLimitRPS,
			RateLimitBurst: cfg.RateLimitBurst,
			TrustProxy:     cfg.TrustProxy,
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	// The hub outlives request handling so events from in-flight requests
	// are still delivered; it is closed once the server has shut down.
	g.Go(func() error { return hub.Run(context.WithoutCancel(gctx)) })
	g.Go(func() error {
		logger.Info("campus-share listening", "addr", cfg.HTTPAddr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hub.Close()
		return err
	})
	return g.Wait()
}

func loadPlaces(path string) (*geo.Index, error) {
	if path == "" {
		return geo.DefaultIndex()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read locations: %w", err)
	}
	locs, err := geo.ParseLocations(b)
	if err != nil {
		return nil, err
	}
	idx := geo.NewIndex()
	for _, l := range locs {
		idx.Upsert(l)
	}
	return idx, nil
}

func openJournal(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Journal, error) {
	if cfg.PGDSN == "" {
		return storage.NewMemoryJournal(cfg.JournalSize), nil
	}
	pg, err := storage.NewPostgresJournal(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("journal schema applied")
	}
	return pg, nil
}
