// Package app wires every flowcore component from a config.Config and runs
// the background loops a serving process needs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowcore/internal/callback"
	"github.com/rendis/flowcore/internal/config"
	"github.com/rendis/flowcore/internal/definitions"
	"github.com/rendis/flowcore/internal/engine"
	"github.com/rendis/flowcore/internal/executor"
	"github.com/rendis/flowcore/internal/expressions"
	"github.com/rendis/flowcore/internal/interceptor"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/planner"
	"github.com/rendis/flowcore/internal/scheduler"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/internal/streaming"
	"github.com/rendis/flowcore/internal/token"
	"github.com/rendis/flowcore/internal/validation"
	"github.com/rendis/flowcore/pkg/schema"
)

const shutdownTimeout = 10 * time.Second

// Option customizes New.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	handlers map[string]executor.Handler
}

// WithLogger replaces the logger built from the log section.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHandler registers an in-process handler served as a LOCAL executor.
func WithHandler(executorType string, h executor.Handler) Option {
	return func(o *options) { o.handlers[executorType] = h }
}

// App holds the wired components. Fields are read-only after New.
type App struct {
	Logger      *slog.Logger
	Store       store.Store
	Definitions definitions.Source
	Registry    *executor.Registry
	Dispatcher  *executor.Dispatcher
	Scheduler   *scheduler.Scheduler
	Hub         *streaming.MemoryHub
	Pipeline    *interceptor.Pipeline
	Engine      engine.Engine
	Sweeper     *scheduler.Sweeper

	cfg     *config.Config
	files   *definitions.FileSource
	kafka   *executor.KafkaTransport
	closers []func() error
}

// New builds the application. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	o := options{handlers: make(map[string]executor.Handler)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.New(cfg.Log)
	}

	a := &App{cfg: cfg, Logger: o.logger}
	defer func() {
		if err != nil {
			_ = a.closeAll()
		}
	}()

	if a.Store, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	locker, err := a.openLocker(ctx)
	if err != nil {
		return nil, err
	}

	tokens, err := token.NewService(token.Config{
		Secret:    []byte(cfg.Tokens.Secret),
		Issuer:    cfg.Tokens.Issuer,
		TTL:       cfg.Tokens.TTL,
		ClockSkew: cfg.Tokens.ClockSkew,
	})
	if err != nil {
		return nil, err
	}
	eval, err := expressions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	inputs, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}

	if err := a.buildExecutors(o.handlers); err != nil {
		return nil, err
	}

	defs, err := validation.NewWorkflowValidator(eval, a.Registry)
	if err != nil {
		return nil, err
	}
	if cfg.Definitions.Dir == "" {
		a.Definitions = definitions.NewMemorySource(defs)
	} else {
		if a.files, err = definitions.NewFileSource(cfg.Definitions.Dir, defs, a.Logger); err != nil {
			return nil, err
		}
		a.Definitions = a.files
	}

	a.Hub = streaming.NewMemoryHub(cfg.Streaming.Buffer)
	a.Pipeline = interceptor.NewPipeline(a.Logger, interceptor.NewLogging(a.Logger), interceptor.NewMetrics())
	a.Scheduler = scheduler.New(cfg.Scheduler, a.Dispatcher, a.Hub, a.Logger)
	a.Scheduler.Observe(a.Pipeline)

	a.Engine, err = engine.New(engine.Deps{
		Store:        a.Store,
		Locker:       locker,
		Definitions:  a.Definitions,
		Scheduler:    a.Scheduler,
		Dispatcher:   a.Dispatcher,
		Tokens:       tokens,
		Callbacks:    callback.NewService(a.Store, tokens, cfg.Callbacks.DefaultTTL, a.Logger),
		Planner:      planner.New(eval),
		Validator:    inputs,
		Mapper:       eval,
		Interceptors: a.Pipeline,
		Logger:       a.Logger,
	}, cfg.Engine)
	if err != nil {
		return nil, err
	}

	if a.Sweeper, err = scheduler.NewSweeper(cfg.Scheduler.SweepSpec, a.Logger); err != nil {
		return nil, err
	}
	a.Sweeper.Add("callbacks", func(ctx context.Context) error {
		_, err := a.Engine.SweepCallbacks(ctx, time.Now())
		return err
	})
	a.Sweeper.Add("tombstones", func(context.Context) error {
		a.Scheduler.PruneTombstones()
		return nil
	})
	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	if a.cfg.Store.Driver != config.DriverLibSQL {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewLibSQLStore(a.cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, s.Close)
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

func (a *App) openLocker(ctx context.Context) (store.Locker, error) {
	lc := a.cfg.Lock
	switch lc.Driver {
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: lc.Address})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", lc.Address, err)
		}
		return store.NewRedisLocker(client, store.RedisLockerConfig{
			Prefix:        lc.Prefix,
			TTL:           lc.TTL,
			RetryInterval: lc.RetryInterval,
			Logger:        a.Logger,
		}), nil
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, lc.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return store.NewPostgresLocker(pool, a.Logger), nil
	default:
		return store.NewMemoryLocker(), nil
	}
}

func (a *App) buildExecutors(handlers map[string]executor.Handler) error {
	a.Registry = executor.NewRegistry(a.cfg.Registry, a.Logger)
	for _, info := range a.cfg.Executors {
		if err := a.Registry.Register(info); err != nil {
			return err
		}
	}
	local := executor.NewHandlerRegistry()
	for typ, h := range handlers {
		if err := local.Register(typ, h); err != nil {
			return err
		}
	}
	if err := local.RegisterExecutors(a.Registry); err != nil {
		return err
	}

	a.Dispatcher = executor.NewDispatcher(a.Registry, local, a.cfg.Dispatcher, a.Logger)
	a.closers = append(a.closers, a.Dispatcher.Close)
	if len(a.cfg.Kafka.Brokers) > 0 {
		kt, err := executor.NewKafkaTransport(a.cfg.Kafka, a.Logger)
		if err != nil {
			return err
		}
		a.kafka = kt
		a.closers = append(a.closers, kt.Close)
		a.Dispatcher.SetFactory(schema.CommunicationKafka, kt.Factory())
	}
	return nil
}

// Run recovers unfinished runs, then serves the sweeper, the definitions
// watcher and the metrics endpoint until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.kafka != nil {
		a.kafka.Start(ctx)
	}
	n, err := a.Engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	a.Logger.Info("runs recovered", slog.Int("count", n))

	if err := a.Sweeper.Start(ctx); err != nil {
		return err
	}
	defer a.Sweeper.Stop()

	if a.files != nil && a.cfg.Definitions.Watch {
		g.Go(func() error { return a.files.Watch(ctx) })
	}
	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle(a.cfg.Metrics.Path, promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			a.Logger.Info("metrics listening", slog.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// Close drains in-flight tasks and releases every connection.
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Shutdown()
	}
	return a.closeAll()
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
