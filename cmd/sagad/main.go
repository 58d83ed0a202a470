package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/sagaflow"
	"github.com/petrijr/sagaflow/internal/config"
	"github.com/petrijr/sagaflow/internal/engine"
	"github.com/petrijr/sagaflow/internal/logging"
	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/pkg/api"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	_ "modernc.org/sqlite"
)

type sagad struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   persistence.Persistence
	closers []func() error
	engine  api.Engine
	quit    chan os.Signal
}

var (
	ErrOpenStore    = errors.New("failed to open store")
	ErrOpenArchive  = errors.New("failed to open archive bucket")
	ErrRegisterDemo = errors.New("failed to register demo workflow")
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	demo := flag.Bool("demo", false, "start one order_fulfillment instance after boot")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	s := &sagad{
		cfg:    cfg,
		logger: logging.New(cfg.ServiceName, cfg.LogLevel, cfg.LogFormat, os.Stderr),
		quit:   make(chan os.Signal, 1),
	}
	slog.SetDefault(s.logger)

	if err := s.run(*demo); err != nil {
		s.logger.Error("Failed to start daemon", slog.Any("error", err))
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *sagad) run(demo bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.initializeStore(ctx); err != nil {
		s.close()
		return err
	}
	if err := s.initializeEngine(ctx); err != nil {
		s.close()
		return err
	}
	if demo {
		s.startDemo(ctx)
	}

	signal.Notify(s.quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.quit)
	<-s.quit

	cancel()
	s.shutdown()
	return nil
}

func (s *sagad) initializeStore(ctx context.Context) error {
	s.logger.Info("Opening store",
		slog.String("backend", s.cfg.Store.Backend))

	p, closeStore, err := openPersistence(ctx, s.cfg.Store)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenStore, err)
	}
	s.closers = append(s.closers, closeStore)

	if s.cfg.ArchiveBucketURL != "" {
		archived, closeBucket, err := sagaflow.WithArchive(ctx, p, s.cfg.ArchiveBucketURL, s.cfg.ArchivePrefix)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrOpenArchive, err)
		}
		s.closers = append(s.closers, closeBucket)
		p = archived
		s.logger.Info("Archiving finished instances",
			slog.String("bucket", s.cfg.ArchiveBucketURL),
			slog.String("prefix", s.cfg.ArchivePrefix))
	}
	s.store = p
	return nil
}

// openPersistence connects to the configured backend. The returned function
// releases the connection.
func openPersistence(ctx context.Context, cfg config.StoreConfig) (persistence.Persistence, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendMemory:
		return persistence.NewInMemoryPersistence(), noop, nil

	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return persistence.Persistence{}, nil, err
		}
		db.SetMaxOpenConns(1)
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return persistence.Persistence{}, nil, err
		}
		events, err := persistence.NewSQLiteEventStore(db)
		if err != nil {
			_ = db.Close()
			return persistence.Persistence{}, nil, err
		}
		return persistence.Persistence{Instances: store, Events: events}, db.Close, nil

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return persistence.Persistence{}, nil, err
		}
		store, err := persistence.NewPostgresStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return persistence.Persistence{}, nil, err
		}
		return persistence.Persistence{
			Instances: store,
			Events:    persistence.NewMemoryEventStore(),
		}, db.Close, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return persistence.Persistence{}, nil, err
		}
		return persistence.Persistence{
			Instances: persistence.NewRedisStore(client, cfg.RedisPrefix),
			Events:    persistence.NewMemoryEventStore(),
		}, client.Close, nil

	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return persistence.Persistence{}, nil, err
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return persistence.Persistence{}, nil, err
		}
		return persistence.Persistence{
				Instances: persistence.NewMongoStore(client, cfg.MongoDatabase),
				Events:    persistence.NewMemoryEventStore(),
			}, func() error {
				return client.Disconnect(context.Background())
			}, nil

	default:
		return persistence.Persistence{}, nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, cfg.Backend)
	}
}

func (s *sagad) initializeEngine(ctx context.Context) error {
	s.engine = engine.NewEngineWithConfig(engine.Config{
		Persistence:            s.store,
		Observer:               api.NewLoggingObserver(s.logger),
		Logger:                 s.logger,
		MaxConcurrentWorkflows: s.cfg.MaxConcurrentWorkflows,
		AdmissionTimeout:       s.cfg.AdmissionTimeout,
		DefaultStepTimeout:     s.cfg.DefaultStepTimeout,
	})

	if err := registerDemo(s.engine); err != nil {
		return fmt.Errorf("%w: %w", ErrRegisterDemo, err)
	}

	n, err := s.engine.RecoverStuckInstances(ctx)
	if err != nil {
		s.logger.Warn("Recovery failed", slog.Any("error", err))
	} else if n > 0 {
		s.logger.Info("Recovered interrupted instances", slog.Int("count", n))
	}

	s.engine.StartJanitor(ctx, s.cfg.CleanupInterval, s.cfg.RetentionTTL)

	s.logger.Info("Engine started",
		slog.Int("max_concurrent_workflows", s.cfg.MaxConcurrentWorkflows),
		slog.Duration("admission_timeout", s.cfg.AdmissionTimeout),
		slog.Duration("retention_ttl", s.cfg.RetentionTTL))
	return nil
}

func (s *sagad) startDemo(ctx context.Context) {
	id, err := s.engine.StartWorkflow(ctx, demoWorkflowID, demoInput())
	if err != nil {
		s.logger.Error("Demo start failed", slog.Any("error", err))
		return
	}
	go func() {
		rec, err := s.engine.Wait(ctx, id)
		if err != nil {
			return
		}
		s.logger.Info("Demo finished",
			slog.String("instance_id", id),
			slog.String("state", string(rec.State)))
	}()
}

func (s *sagad) shutdown() {
	s.logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.engine.Shutdown(ctx); err != nil {
		s.logger.Error("Engine shutdown failed", slog.Any("error", err))
	}
	m := s.engine.GetMetrics()
	s.logger.Info("Final metrics",
		slog.Int64("started", m.WorkflowsStarted),
		slog.Int64("completed", m.WorkflowsCompleted),
		slog.Int64("failed", m.WorkflowsFailed),
		slog.Int64("compensated", m.WorkflowsCompensated))

	s.close()
	s.logger.Info("Daemon exited")
}

func (s *sagad) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("Close failed", slog.Any("error", err))
		}
	}
	s.closers = nil
}
