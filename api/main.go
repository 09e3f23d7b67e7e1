package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/analyst/agent/pkg/report"
	"github.com/malbeclabs/analyst/agent/pkg/workflow"
	"github.com/malbeclabs/analyst/agent/pkg/workflow/controller"
	"github.com/malbeclabs/analyst/agent/pkg/workflow/phases"
	"github.com/malbeclabs/analyst/api/config"
	"github.com/malbeclabs/analyst/api/handlers"
	"github.com/malbeclabs/analyst/api/metrics"
	"github.com/malbeclabs/analyst/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// shuttingDown is set to true when shutdown signal is received.
	// Readiness probe checks this to immediately return 503.
	shuttingDown atomic.Bool
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
	defaultReportDir   = "reports"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address (or set PORT env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	migrationsEnableFlag := flag.Bool("migrations-enable", true, "apply Postgres run store migrations on startup")
	reportDirFlag := flag.String("report-dir", defaultReportDir, "directory for HTML reports when REPORT_S3_BUCKET is not set")
	maxIterationsFlag := flag.Int("max-iterations", controller.DefaultMaxIterations, "maximum controller cycles per run (or set MAX_ITERATIONS env var)")
	flag.Parse()

	// godotenv does not override existing env vars, so process env and
	// explicit exports take precedence.
	_ = godotenv.Load()           // .env in current working directory
	_ = godotenv.Load("api/.env") // api/.env when running from repo root

	if port := os.Getenv("PORT"); port != "" {
		*listenAddrFlag = ":" + port
	}
	if envMax := os.Getenv("MAX_ITERATIONS"); envMax != "" {
		if n, err := strconv.Atoi(envMax); err == nil {
			*maxIterationsFlag = n
		}
	}
	if envReportDir := os.Getenv("REPORT_DIR"); envReportDir != "" {
		*reportDirFlag = envReportDir
	}

	log := logger.New(*verboseFlag)
	slog.SetDefault(log)

	log.Info("analyst-api starting", "version", version, "commit", commit, "date", date)
	handlers.SetBuildInfo(version, commit, date)

	sentryEnabled := initSentry(log)
	if sentryEnabled {
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadPostgres(ctx); err != nil {
		return fmt.Errorf("failed to load postgres: %w", err)
	}
	defer config.ClosePostgres()

	if *migrationsEnableFlag {
		if err := config.RunPostgresMigrations(ctx, log, config.PgPool); err != nil {
			return fmt.Errorf("failed to run postgres migrations: %w", err)
		}
	}

	sources, err := loadDataSources(log)
	if err != nil {
		return err
	}
	defer sources.close()

	reports, err := newReportStore(ctx, log, *reportDirFlag)
	if err != nil {
		return err
	}

	ctrl, err := newController(log, sources, reports, *maxIterationsFlag)
	if err != nil {
		return err
	}
	handlers.Manager = handlers.NewWorkflowManager(log, handlers.NewPgRunStore(config.PgPool), ctrl)

	// Request contexts derive from serverCtx so SSE streams end on shutdown;
	// http.Server.Shutdown does not cancel them.
	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()

	server := &http.Server{
		Addr:         *listenAddrFlag,
		Handler:      newRouter(sentryEnabled, sources),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled for SSE streaming endpoints
		IdleTimeout:  60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	var metricsServer *http.Server
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", *metricsAddrFlag)
		if err != nil {
			return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
		}
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Handler: mux}
		g.Go(func() error {
			if err := metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		log.Info("API server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gracefully")

		// Readiness probe returns 503 from here on.
		shuttingDown.Store(true)
		serverCancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := handlers.Manager.Shutdown(shutdownCtx); err != nil {
			log.Warn("analysis runs did not stop in time", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown error", "error", err)
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Error("metrics server shutdown error", "error", err)
			}
		}
		log.Info("server stopped")
		return nil
	})

	return g.Wait()
}

// initSentry enables error tracking when SENTRY_DSN is set.
func initSentry(log *slog.Logger) bool {
	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN == "" {
		return false
	}
	sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
	if sentryEnv == "" {
		sentryEnv = "development"
	}
	release := version
	if commit != "none" {
		release = version + "-" + commit
	}
	tracesSampleRate := 0.1
	if sentryEnv == "development" {
		tracesSampleRate = 1.0
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              sentryDSN,
		Environment:      sentryEnv,
		Release:          release,
		EnableTracing:    true,
		TracesSampleRate: tracesSampleRate,
	})
	if err != nil {
		log.Warn("sentry initialization failed", "error", err)
		return false
	}
	log.Info("sentry initialized", "env", sentryEnv, "release", release)
	return true
}

// dataSources are the analytics datastore adapters for the configured backend.
type dataSources struct {
	backend string
	querier workflow.Querier
	schema  workflow.SchemaFetcher
	sampler workflow.Sampler
	dialect string
	ping    func(ctx context.Context) error
	close   func()
}

func loadDataSources(log *slog.Logger) (*dataSources, error) {
	switch config.AnalyticsBackend() {
	case config.BackendPostgres:
		log.Info("analyses run against Postgres")
		return &dataSources{
			backend: config.BackendPostgres,
			querier: handlers.NewPgQuerier(),
			schema:  handlers.NewPgSchemaFetcher(),
			sampler: handlers.NewPgSampler(),
			dialect: "PostgreSQL",
			ping:    func(ctx context.Context) error { return config.PgPool.Ping(ctx) },
			close:   func() {},
		}, nil
	default:
		if err := config.Load(); err != nil {
			return nil, fmt.Errorf("failed to load clickhouse: %w", err)
		}
		return &dataSources{
			backend: config.BackendClickHouse,
			querier: handlers.NewDBQuerier(),
			schema:  handlers.NewDBSchemaFetcher(),
			sampler: handlers.NewDBSampler(),
			dialect: phases.DefaultDialect,
			ping:    func(ctx context.Context) error { return config.DB.Ping(ctx) },
			close:   func() { _ = config.Close() },
		}, nil
	}
}

// newReportStore publishes reports to S3 when REPORT_S3_BUCKET is set and to
// a local directory otherwise.
func newReportStore(ctx context.Context, log *slog.Logger, dir string) (report.Store, error) {
	bucket := os.Getenv("REPORT_S3_BUCKET")
	if bucket == "" {
		log.Info("reports are written locally", "dir", dir)
		store, err := report.NewFileStore(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create report directory: %w", err)
		}
		return store, nil
	}
	store, err := report.NewS3Store(ctx, report.S3StoreConfig{
		Bucket:          bucket,
		Prefix:          os.Getenv("REPORT_S3_PREFIX"),
		Region:          os.Getenv("REPORT_S3_REGION"),
		EndpointURL:     os.Getenv("REPORT_S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 report store: %w", err)
	}
	log.Info("reports are published to S3", "bucket", bucket)
	return store, nil
}

func newController(log *slog.Logger, sources *dataSources, reports report.Store, maxIterations int) (*controller.Controller, error) {
	prompts, err := phases.LoadPrompts()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}

	model := handlers.DefaultModel
	if envModel := os.Getenv("ANTHROPIC_MODEL"); envModel != "" {
		model = anthropic.Model(envModel)
	}
	clock := clockwork.NewRealClock()

	registry, err := phases.NewRegistry(&phases.Config{
		Logger:        log,
		LLM:           handlers.NewLLMClient(model, "phases"),
		Querier:       sources.querier,
		SchemaFetcher: sources.schema,
		Sampler:       sources.sampler,
		Prompts:       prompts,
		Reports:       reports,
		Clock:         clock,
		Dialect:       sources.dialect,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build phase registry: %w", err)
	}

	oracle, err := phases.NewLLMOracle(handlers.NewLLMClient(model, "oracle"), prompts, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision oracle: %w", err)
	}

	ctrl, err := controller.New(&controller.Config{
		Logger:        log,
		Registry:      registry,
		Oracle:        oracle,
		Clock:         clock,
		Observer:      metrics.WorkflowObserver{},
		MaxIterations: maxIterations,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	return ctrl, nil
}

func newRouter(sentryEnabled bool, sources *dataSources) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)

	// Sentry middleware before Recoverer so panics are captured
	if sentryEnabled {
		sentryHandler := sentryhttp.New(sentryhttp.Options{
			Repanic: true,
		})
		r.Use(sentryHandler.Handle)

		// Name transactions after the chi route pattern
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r)
				if txn := sentry.TransactionFromContext(r.Context()); txn != nil {
					if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
						txn.Name = r.Method + " " + rctx.RoutePattern()
					}
				}
			})
		})
	}

	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	corsOrigins := []string{"*"}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := config.PgPool.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("run store connection failed: " + handlers.SanitizeError(err)))
			return
		}
		if err := sources.ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(sources.backend + " connection failed: " + handlers.SanitizeError(err)))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/api/version", handlers.GetVersion)
	handlers.RegisterAnalysisRoutes(r)

	return r
}
