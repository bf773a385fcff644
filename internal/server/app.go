// Package server assembles the relay service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Jabawack/bay-area-radar/internal/api"
	"github.com/Jabawack/bay-area-radar/internal/archive"
	"github.com/Jabawack/bay-area-radar/internal/clock/system"
	"github.com/Jabawack/bay-area-radar/internal/config"
	"github.com/Jabawack/bay-area-radar/internal/id/uuid"
	"github.com/Jabawack/bay-area-radar/internal/logging"
	"github.com/Jabawack/bay-area-radar/internal/metrics"
	"github.com/Jabawack/bay-area-radar/internal/pipeline"
	"github.com/Jabawack/bay-area-radar/internal/policy/ratelimit"
	"github.com/Jabawack/bay-area-radar/internal/progress"
	progresssinks "github.com/Jabawack/bay-area-radar/internal/progress/sinks"
	gcppublisher "github.com/Jabawack/bay-area-radar/internal/publisher/pubsub"
	"github.com/Jabawack/bay-area-radar/internal/relay"
	appstorage "github.com/Jabawack/bay-area-radar/internal/storage"
	gcsstorage "github.com/Jabawack/bay-area-radar/internal/storage/gcs"
	localstorage "github.com/Jabawack/bay-area-radar/internal/storage/local"
	memorystorage "github.com/Jabawack/bay-area-radar/internal/storage/memory"
	pgstore "github.com/Jabawack/bay-area-radar/internal/storage/postgres"
	"github.com/Jabawack/bay-area-radar/internal/store"
	"github.com/Jabawack/bay-area-radar/internal/telemetry"
)

const (
	limiterSweepInterval = time.Minute
	readHeaderTimeout    = 5 * time.Second
)

// Deps overrides process-wide collaborators, mainly for tests. Zero values
// select the production defaults.
type Deps struct {
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	// ProxyClient is used for upstream calls in proxy mode.
	ProxyClient *http.Client
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer *api.Server
	fetcher   relay.Fetcher
	hub       *progress.Hub
	sessions  store.SessionRepository
	pg        *pgstore.SessionStore
	gcs       *gcsstorage.BlobStore
	publisher *gcppublisher.Publisher
	limiter   *ratelimit.Limiter
	tracer    *sdktrace.TracerProvider

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies. On error everything built
// so far is released.
func Build(ctx context.Context, cfg config.Config, deps Deps) (*App, error) {
	var err error
	logger := deps.Logger
	if logger == nil {
		logger, err = logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("relay_mode", cfg.Relay.Mode),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("database", cfg.Database.DSN != ""),
		zap.Bool("pubsub", cfg.PubSub.ProjectID != ""),
	)

	app := &App{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	metrics.Init()
	app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if err = app.setupSessions(ctx); err != nil {
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	results, err := archive.New(blobs, cfg.Storage.Prefix)
	if err != nil {
		return nil, fmt.Errorf("archive init failed: %w", err)
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = app.setupProgress(ctx, deps.Registerer); err != nil {
		return nil, err
	}

	hooks := relay.Hooks{
		Archiver: results,
		Topic:    cfg.PubSub.TopicName,
		Clock:    system.New(),
		IDs:      uuid.NewUUIDGenerator(),
		Logger:   logger,
	}
	if app.hub != nil {
		hooks.Emitter = app.hub
	}
	if app.publisher != nil {
		hooks.Publisher = app.publisher
	}
	if app.fetcher, err = app.setupFetcher(hooks, deps.ProxyClient); err != nil {
		return nil, err
	}

	var limiter api.FetchLimiter
	if cfg.RateLimit.Enabled {
		app.limiter = ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})
		limiter = app.limiter
		logger.Info("fetch rate limiter enabled",
			zap.Float64("rps", cfg.RateLimit.RPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	}

	var apiKey string
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer, err = api.NewServer(api.Options{
		Fetcher:        app.fetcher,
		Sessions:       app.sessions,
		Archive:        results,
		Limiter:        limiter,
		Clock:          system.New(),
		Ready:          app.readinessChecks(),
		APIKey:         apiKey,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Keepalive:      cfg.Keepalive(),
		RequestTimeout: cfg.RequestTimeout(),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("api server init failed: %w", err)
	}
	built = true
	return app, nil
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Fetcher returns the configured relay.
func (a *App) Fetcher() relay.Fetcher {
	return a.fetcher
}

func (a *App) setupSessions(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Info("no database configured, keeping session history in memory")
		a.sessions = memorystorage.NewSessionStore()
		return nil
	}
	pg, err := pgstore.NewSessionStore(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("session store init failed: %w", err)
	}
	a.pg = pg
	if err := pg.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("session schema init failed: %w", err)
	}
	a.sessions = pg
	a.logger.Info("postgres session store initialized")
	return nil
}

func (a *App) setupStorage(ctx context.Context) (appstorage.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		blobs, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket}, a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = blobs
		a.logger.Info("using GCS result archive", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local result archive", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory result archive")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub project configured, completion notifications disabled")
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil
	}
	sinks := []progress.Sink{
		progresssinks.NewStoreSink(a.sessions, a.logger.Named("progress_store")),
	}
	if a.cfg.Progress.LogEnabled {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Progress.MetricsEnabled {
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return fmt.Errorf("progress metrics sink init failed: %w", err)
		}
		sinks = append(sinks, promSink)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch,
		SinkTimeout:    a.cfg.SinkTimeout(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinks...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinks)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

func (a *App) setupFetcher(hooks relay.Hooks, proxyClient *http.Client) (relay.Fetcher, error) {
	if a.cfg.Relay.Mode == config.ModeProxy {
		p, err := relay.NewProxy(a.cfg.Proxy.UpstreamURL, proxyClient, a.cfg.ProxyTimeout(), hooks)
		if err != nil {
			return nil, fmt.Errorf("proxy init failed: %w", err)
		}
		a.logger.Info("relaying through upstream", zap.String("upstream", a.cfg.Proxy.UpstreamURL))
		return p, nil
	}
	runner, err := pipeline.NewRunner(pipeline.Config{
		Command:   a.cfg.Pipeline.Command,
		Args:      a.cfg.Pipeline.Args,
		Dir:       a.cfg.Pipeline.Dir,
		Env:       a.cfg.Pipeline.Env,
		Timeout:   a.cfg.PipelineTimeout(),
		KillGrace: a.cfg.KillGrace(),
		Logger:    a.logger.Named("pipeline"),
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline runner init failed: %w", err)
	}
	r, err := relay.New(relay.RunnerStarter(runner), hooks, a.cfg.Pipeline.MaxLineBytes)
	if err != nil {
		return nil, fmt.Errorf("relay init failed: %w", err)
	}
	a.logger.Info("relaying local pipeline",
		zap.String("command", a.cfg.Pipeline.Command),
		zap.Strings("args", a.cfg.Pipeline.Args),
		zap.Duration("timeout", runner.Timeout()),
	)
	return r, nil
}

func (a *App) readinessChecks() map[string]api.ReadinessCheck {
	checks := map[string]api.ReadinessCheck{}
	if a.pg != nil {
		checks["database"] = a.pg.Ping
	}
	return checks
}

// Run serves on the configured port until ctx is canceled or SIGINT/SIGTERM
// arrives, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then drains in-flight requests
// and releases every dependency.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.limiter != nil {
		g.Go(func() error {
			ticker := time.NewTicker(limiterSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if n := a.limiter.Sweep(); n > 0 {
						a.logger.Debug("swept idle rate limiters", zap.Int("removed", n))
					}
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	return errors.Join(err, a.Close(closeCtx))
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.ShutdownTimeout(); d > 0 {
		return d
	}
	return 10 * time.Second
}

// Close releases dependencies in reverse order of construction. The hub is
// flushed before the stores its sinks write to are closed. Later calls return
// the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = a.close(ctx)
	})
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub publisher: %w", err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	// Sync fails on terminals; the error carries no information.
	_ = a.logger.Sync()
	if len(errs) > 0 {
		a.logger.Warn("shutdown completed with errors", zap.Error(errors.Join(errs...)))
	} else {
		a.logger.Info("shutdown complete")
	}
	return errors.Join(errs...)
}
