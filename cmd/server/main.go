package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/minerisk/audit"
	"github.com/liamcoop/minerisk/internal/logger"
	"github.com/liamcoop/minerisk/internal/metrics"
	"github.com/liamcoop/minerisk/rules"
	"github.com/liamcoop/minerisk/snapshot"
)

// SnapshotSink persists snapshots and reads the latest one back
type SnapshotSink interface {
	snapshot.Sink
	snapshot.Reader
}

// Deps are the backends a Server runs on
type Deps struct {
	DB          *sql.DB
	Storage     string
	Rules       rules.RuleStore
	Contexts    snapshot.ContextStore
	Sink        SnapshotSink
	Audits      audit.Store
	Levels      *snapshot.LevelsConfig
	Publisher   snapshot.Publisher
	Concurrency int
}

type Server struct {
	db           *sql.DB
	storage      string
	engine       *rules.Engine
	contexts     snapshot.ContextStore
	snapshots    snapshot.Reader
	audits       audit.Store
	levels       *snapshot.LevelsConfig
	orchestrator *snapshot.Orchestrator
	registry     *prometheus.Registry
	router       *chi.Mux
}

func NewServer(d Deps) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine := rules.NewEngine(d.Rules)

	opts := []snapshot.Option{
		snapshot.WithMetrics(metrics.NewMetrics(registry)),
		snapshot.WithConcurrency(d.Concurrency),
	}
	if d.Publisher != nil {
		opts = append(opts, snapshot.WithPublisher(d.Publisher))
	}

	s := &Server{
		db:           d.DB,
		storage:      d.Storage,
		engine:       engine,
		contexts:     d.Contexts,
		snapshots:    d.Sink,
		audits:       d.Audits,
		levels:       d.Levels,
		orchestrator: snapshot.NewOrchestrator(engine, d.Levels, d.Contexts, d.Sink, opts...),
		registry:     registry,
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Rule management
	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)
		r.Get("/hash", s.handleRuleHash)

		r.Route("/{ruleCode}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleUpdateRule)
			r.Delete("/", s.handleDeleteRule)
		})
	})

	// Ingestion
	r.Post("/api/v1/events", s.handleRecordEvent)
	r.Post("/api/v1/measurements", s.handleRecordMeasurement)

	// Evaluation and snapshots
	r.Post("/api/v1/evaluate", s.handleEvaluate)
	r.Post("/api/v1/snapshots", s.handleTakeSnapshot)
	r.Get("/api/v1/snapshots/latest", s.handleLatestSnapshot)

	// Audit
	r.Get("/api/v1/audit/{id}", s.handleGetAudit)
	r.Post("/api/v1/audit/verify", s.handleVerify)
	r.Get("/api/v1/levels/{level}/audit", s.handleListLevelAudit)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	switch {
	case status >= 500:
		logger.ErrorHttp5xx()
		logger.Error(message, "status", status, "error", err)
	case status >= 400:
		logger.WarnHttp4xx(status)
	}

	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

// buildDeps opens the backends selected by cfg. The returned cleanup
// releases connections and is safe to call when err is non-nil.
func buildDeps(cfg Config) (Deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	levels, err := snapshot.LoadLevels(cfg.LevelsFile)
	if err != nil {
		return Deps{}, cleanup, err
	}

	d := Deps{
		Storage:     cfg.Storage(),
		Levels:      levels,
		Concurrency: cfg.SnapshotConcurrency,
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return d, cleanup, fmt.Errorf("failed to open database: %w", err)
		}
		closers = append(closers, func() { db.Close() })

		if err := db.Ping(); err != nil {
			return d, cleanup, fmt.Errorf("failed to ping database: %w", err)
		}

		d.DB = db
		d.Rules = rules.NewPostgresRuleStore(db)
		d.Contexts = snapshot.NewPostgresContextStore(db)
		d.Sink = snapshot.NewPostgresSink(db)
		d.Audits = audit.NewPostgresStore(db)
	} else {
		d.Audits = audit.NewInMemoryStore()
		d.Sink = snapshot.NewInMemorySink(d.Audits)
		d.Contexts = snapshot.NewInMemoryContextStore()
		d.Rules = rules.NewInMemoryRuleStore()
	}

	// A rules file is the source of truth for rules whatever the storage
	if cfg.RulesFile != "" {
		fs, err := rules.NewFileRuleStore(cfg.RulesFile)
		if err != nil {
			return d, cleanup, err
		}
		d.Rules = fs
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("minerisk"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err != nil {
			return d, cleanup, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		closers = append(closers, func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		})
		d.Publisher = snapshot.NewNATSPublisher(nc, cfg.NATSSubjectPrefix)
	}

	return d, cleanup, nil
}

func main() {
	logger.SetLevelFromEnv("LOG_LEVEL", logger.LevelInfo)

	cfg, err := LoadConfig()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	deps, cleanup, err := buildDeps(cfg)
	if err != nil {
		cleanup()
		logger.Fatal("failed to initialise backends", "error", err)
	}
	defer cleanup()

	server := NewServer(deps)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if fs, ok := deps.Rules.(*rules.FileRuleStore); ok {
		go func() {
			if err := fs.Watch(ctx, server.engine.Invalidate); err != nil {
				logger.Error("rule file watch stopped", "error", err)
			}
		}()
	}

	if cfg.SnapshotInterval > 0 {
		go server.orchestrator.Schedule(ctx, cfg.SnapshotInterval)
	}

	logger.Info("backends ready",
		"storage", deps.Storage,
		"levels", len(deps.Levels.Levels),
		"nats", cfg.NATSURL != "",
		"snapshotInterval", cfg.SnapshotInterval.String())

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Error("logger shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
