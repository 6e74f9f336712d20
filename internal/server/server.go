package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agent-bletchley/bletchley/config"
	"github.com/agent-bletchley/bletchley/internal/broadcast"
	"github.com/agent-bletchley/bletchley/internal/llm"
	"github.com/agent-bletchley/bletchley/internal/metrics"
	"github.com/agent-bletchley/bletchley/internal/orchestrator"
	"github.com/agent-bletchley/bletchley/internal/runtime"
	"github.com/agent-bletchley/bletchley/internal/store"
	"github.com/agent-bletchley/bletchley/internal/store/memory"
	"github.com/agent-bletchley/bletchley/internal/tools"
	"github.com/agent-bletchley/bletchley/internal/tools/brave"
	"github.com/agent-bletchley/bletchley/internal/tools/chromedp"
	"github.com/agent-bletchley/bletchley/internal/tools/jina"
)

// JobRunner is what the HTTP layer needs from the orchestrator.
type JobRunner interface {
	Runner
	ActiveLister
}

// Deps are the collaborators the router is built from.
type Deps struct {
	Server  config.ServerConfig
	Store   Store
	Runner  JobRunner
	Events  *broadcast.Manager
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewRouter builds the echo instance with every route mounted.
func NewRouter(d Deps) *echo.Echo {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpLog := logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			httpLog.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			)
			return nil
		},
	}))
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		fields := []zap.Field{
			zap.Int("status", code),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("remote", c.RealIP()),
			zap.Error(err),
		}
		if code >= http.StatusInternalServerError {
			httpLog.Error("request failed", fields...)
		} else {
			httpLog.Debug("request rejected", fields...)
		}
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]string{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(corsConfig(d.Server.FrontendURL)))

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"message": "Hello Agent Bletchley"})
	})
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics))
	}
	registerDocs(e)

	var guard []echo.MiddlewareFunc
	if d.Server.JWTSecret != "" {
		guard = append(guard, AuthMiddleware([]byte(d.Server.JWTSecret)))
	}

	jobs := NewJobsHandler(d.Store, d.Runner, d.Events, logger.Named("jobs"))
	jobs.Register(e.Group("/api/research", guard...))
	NewOpsHandler(d.Runner, d.Events).Register(e.Group("/api/ops", guard...))

	ws := NewWSHandler(d.Events, d.Server, logger)
	e.GET("/ws/research/:job_id", ws.Serve, guard...)
	return e
}

func corsConfig(frontend string) middleware.CORSConfig {
	origins := []string{"*"}
	credentials := false
	if f := strings.TrimRight(strings.TrimSpace(frontend), "/"); f != "" && f != "*" {
		origins = []string{f}
		credentials = true
	}
	return middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, "Cookie"},
		AllowCredentials: credentials,
	}
}

// Run wires every component from cfg and serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger, version string) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	tel, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()
	m := metrics.New(tel.Registry)

	st, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if c, ok := st.(io.Closer); ok {
			_ = c.Close()
		}
	}()

	var rdb *redis.Client
	if cfg.Storage.Redis.Enabled() {
		rdb, err = openRedis(ctx, cfg.Storage.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info("redis connected", zap.String("addr", cfg.Storage.Redis.Addr()))
	}

	managerOpts := []broadcast.Option{broadcast.WithLogger(logger), broadcast.WithMetrics(m)}
	var relay *broadcast.RedisRelay
	if rdb != nil {
		relay = broadcast.NewRedisRelay(rdb, cfg.Storage.Redis.Stream, broadcast.WithRelayLogger(logger))
		managerOpts = append(managerOpts, broadcast.WithSink(relay))
	}
	events := broadcast.NewManager(managerOpts...)

	model := llm.New(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Referer:     cfg.LLM.Referer,
		Title:       cfg.LLM.Title,
		Timeout:     cfg.LLM.Timeout,
		MaxAttempts: cfg.LLM.MaxAttempts,
		RetryDelays: cfg.LLM.RetryDelays,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}, llm.WithLogger(logger), llm.WithMetrics(m))
	if cfg.LLM.APIKey == "" {
		logger.Warn("llm api key is empty; model calls will be rejected upstream")
	}

	executor, err := newExecutor(cfg.Tools, logger, m)
	if err != nil {
		return err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(m),
		orchestrator.WithTracer(otel.Tracer("github.com/agent-bletchley/bletchley/internal/orchestrator")),
	}
	if rdb != nil {
		orchOpts = append(orchOpts, orchestrator.WithCanceller(orchestrator.NewRedisCanceller(rdb, cfg.Research.CancelTTL)))
	}
	orch := orchestrator.New(orchestrator.ConfigFrom(cfg.Research), st, model, executor, events, orchOpts...)

	e := NewRouter(Deps{
		Server:  cfg.Server,
		Store:   st,
		Runner:  orch,
		Events:  events,
		Metrics: tel.MetricsHandler(),
		Logger:  logger,
	})

	var janitor *Janitor
	if cfg.Janitor.Enabled {
		janitor, err = NewJanitor(st, orch, events, rdb, cfg.Janitor.Schedule, cfg.Janitor.StaleAfter, logger)
		if err != nil {
			return err
		}
		janitor.Metrics = m
	}

	// the relay outlives the HTTP server so shutdown failures still reach
	// other instances
	relayCtx, stopRelay := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRelay()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Address), zap.String("version", version))
		if err := e.Start(cfg.Server.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if relay != nil {
		g.Go(func() error { return relay.Run(relayCtx) })
		g.Go(func() error { return relay.Follow(relayCtx, events) })
	}
	if janitor != nil {
		g.Go(func() error { return janitor.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		defer stopRelay()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		var errs []error
		if err := e.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := orch.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory storage; jobs are lost on restart")
		return memory.New(), nil
	case "postgres":
		dsn := cfg.Postgres.DSN()
		if cfg.AutoMigrate {
			if err := Migrate(cfg.MigrationsDir, dsn, "up", 0); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		pctx := ctx
		if cfg.Postgres.Timeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(ctx, cfg.Postgres.Timeout)
			defer cancel()
		}
		st, err := store.NewWithDSN(pctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	pctx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Addr(), err)
	}
	return rdb, nil
}

func newExecutor(cfg config.ToolsConfig, logger *zap.Logger, m *metrics.Metrics) (*tools.Executor, error) {
	search := brave.New(cfg.Search.APIKey, cfg.Search.Endpoint, cfg.Search.Timeout, cfg.Search.RatePerSecond, cfg.Search.Burst)
	var fetch tools.FetchProvider
	switch cfg.Fetch.Provider {
	case "jina":
		fetch = jina.New(cfg.Fetch.APIKey, cfg.Fetch.Endpoint, cfg.Fetch.Timeout)
	case "chromedp":
		fetch = chromedp.New(cfg.Fetch.Timeout)
	default:
		return nil, fmt.Errorf("unsupported fetch provider %q", cfg.Fetch.Provider)
	}
	return tools.NewExecutor(search, fetch, tools.WithLogger(logger), tools.WithMetrics(m)), nil
}
