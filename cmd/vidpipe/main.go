package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"vidpipe/internal/config"
	"vidpipe/internal/events"
	server "vidpipe/internal/http"
	"vidpipe/internal/jobs"
	"vidpipe/internal/migrate"
	"vidpipe/internal/notify"
	"vidpipe/internal/objectstore"
	"vidpipe/internal/staging"
	"vidpipe/internal/store"
	"vidpipe/internal/transcode"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	runAPI, runWorker := false, false
	switch *role {
	case "api":
		runAPI = true
	case "worker":
		runWorker = true
	case "all":
		runAPI, runWorker = true, true
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}

	cfg := config.Load(*configPath)

	// Set up logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Database.Driver == "postgres" {
		// Run migrations on a short-lived connection
		if err := migrate.Run(cfg.Database.DSN); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
	}
	if cfg.Database.Driver == "memory" && *role != "all" {
		logger.Warn("memory job store is per-process; api and worker roles will not share jobs")
	}

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("open job store failed: %v", err)
	}
	defer st.Close()

	// Redis client for worker wake-ups, rate limiting and health checks
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("invalid redis url: %v", err)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	notifier, err := newNotifier(ctx, cfg, rdb, logger)
	if err != nil {
		log.Fatalf("notifier setup failed: %v", err)
	}
	defer notifier.Close()

	g, gctx := errgroup.WithContext(ctx)

	if runWorker {
		runner, closeWorker, err := newRunner(gctx, cfg, st, notifier, logger)
		if err != nil {
			log.Fatalf("worker setup failed: %v", err)
		}
		defer closeWorker()
		g.Go(func() error { return runner.Start(gctx) })
	}

	if runAPI {
		s := server.NewServer(cfg, st, notifier, rdb, logger)
		g.Go(s.Listen)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return s.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("vidpipe stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("vidpipe stopped")
}

func newNotifier(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (notify.Notifier, error) {
	size := cfg.Worker.MaxConcurrency
	if rdb == nil {
		return notify.NewLocal(size), nil
	}
	return notify.NewRedis(ctx, rdb, size, logger)
}

// newRunner wires the worker side: staging, object store, transcoder,
// event publisher, coordinator and runner. The returned func releases
// the clients it opened.
func newRunner(ctx context.Context, cfg *config.Config, st store.JobStore, n notify.Notifier, logger *slog.Logger) (*jobs.Runner, func(), error) {
	var closers []func() error

	var objects objectstore.Store
	switch cfg.ObjectStore.Provider {
	case "gcs":
		gcs, err := objectstore.NewGCS(ctx, cfg.ObjectStore.Bucket)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, gcs.Close)
		objects = gcs
	default:
		objects = objectstore.NewLocal(cfg.ObjectStore.Root, cfg.ObjectStore.Bucket, cfg.ObjectStore.PublicBaseURL)
	}

	var pub events.Publisher = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		k := events.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		closers = append(closers, k.Close)
		pub = k
	}

	stg := staging.NewManager(cfg.Staging.Dir, logger)
	tc := transcode.NewFFmpeg(cfg.Transcoder.FFmpegPath)
	coord := jobs.NewCoordinator(cfg.Worker, st, stg, objects, tc, pub, logger)
	runner := jobs.NewRunner(cfg, st, stg, coord, n, logger)

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("close worker dependency", "error", err)
			}
		}
	}
	return runner, closeAll, nil
}
