// Package main is the entry point for the routis-core binary: the long-lived
// routing service exposing the decision API and admin surfaces.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/routisai/routis-oss/pkg/config"
	"github.com/routisai/routis-oss/pkg/dispatch"
	"github.com/routisai/routis-oss/pkg/domain"
	"github.com/routisai/routis-oss/pkg/logging"
	"github.com/routisai/routis-oss/pkg/routing"
	"github.com/routisai/routis-oss/pkg/storage"
	"github.com/routisai/routis-oss/pkg/telemetry"

	"github.com/routisai/routis-oss/internal/governance"
)

const (
	defaultConfigPath = "config.yaml"
	defaultListenAddr = ":9190"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	listenAddr := flag.String("listen", "", "Admin address override (defaults to config)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	flag.Parse()

	provider, err := config.NewFileProvider(*configPath, slog.Default())
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := provider.Close(); err != nil {
			slog.Error("Failed to close config provider", "error", err)
		}
	}()

	cfg := provider.Current()
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Pretty: *prettyLogs || cfg.Logging.Pretty})
	slog.SetDefault(logger)

	logger.Info("Starting routis-core", "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "routis-core",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	registry, err := cfg.BuildRegistry()
	if err != nil {
		logger.Error("Failed to build profile registry", "error", err)
		os.Exit(1)
	}

	health := governance.NewHealthRegistry(cfg.BuildHealthConfig())
	budget := cfg.BuildBudgetGuard(logger)
	engine := routing.NewEngine(registry, health, budget, logger)
	metrics := dispatch.NewMetrics()
	journal := storage.NewDecisionJournal(1024)

	go watchConfig(provider, engine, logger)

	addr := cfg.Server.AdminAddress
	if *listenAddr != "" {
		addr = *listenAddr
	}
	if addr == "" {
		addr = defaultListenAddr
	}
	server := startServer(addr, engine, health, budget, metrics, journal, logger)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown failed", "error", err)
	}
	logger.Info("Shutdown complete")
}

// watchConfig rebuilds the profile registry on every validated configuration
// update and swaps it atomically behind the engine. A registry that fails to
// build leaves the running snapshot untouched.
func watchConfig(provider *config.FileProvider, engine *routing.Engine, logger *slog.Logger) {
	updates := provider.Subscribe()
	for cfg := range updates {
		registry, err := cfg.BuildRegistry()
		if err != nil {
			logger.Error("Rejected configuration update", "error", err)
			continue
		}
		engine.SwapRegistry(registry)
		logger.Info("Profile registry replaced", "profiles", len(registry.Profiles()))
	}
}

func startServer(addr string, engine *routing.Engine, health *governance.HealthRegistry, budget *governance.BudgetGuard, metrics *dispatch.Metrics, journal *storage.DecisionJournal, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// GET /stats returns all tracked backends; /stats?backend=... narrows to
	// one and reports 404 for identifiers no registry has seen.
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if backend := r.URL.Query().Get("backend"); backend != "" {
			healthStats, herr := health.StatsFor(backend)
			budgetStats, berr := budget.StatsFor(backend)
			if herr != nil && berr != nil {
				http.Error(w, "unknown backend", http.StatusNotFound)
				return
			}
			out := map[string]any{}
			if herr == nil {
				out["health"] = healthStats
			}
			if berr == nil {
				out["budget"] = budgetStats
			}
			writeJSON(w, out)
			return
		}
		writeJSON(w, map[string]any{
			"health":  health.Stats(),
			"budgets": budget.Stats(),
			"leaks":   budget.Leaks(),
		})
	})

	mux.HandleFunc("/profiles", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, engine.Registry().Profiles())
	})

	// POST /route returns a decision without dispatching. The reservation the
	// walk takes for the chosen backend is released immediately, so the
	// endpoint can be used for inspection without consuming capacity.
	mux.HandleFunc("/route", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req domain.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		decision, err := engine.Route(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		if decision.Routed() {
			engine.Budget().Release(decision.ChosenBackend, 0)
			engine.Health().CancelProbe(decision.ChosenBackend)
		}
		metrics.ObserveDecision(decision)
		journal.Record(decision)
		writeJSON(w, decision)
	})

	// GET /decisions returns recent decisions newest first; /decisions?id=...
	// looks up one decision's full audit trail.
	mux.HandleFunc("/decisions", func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("id"); id != "" {
			entry, found := journal.ByID(id)
			if !found {
				http.Error(w, "decision not found", http.StatusNotFound)
				return
			}
			writeJSON(w, entry)
			return
		}
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		writeJSON(w, journal.Recent(limit))
	})

	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(mux, "routis-admin"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Admin server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin server failed", "error", err)
			os.Exit(1)
		}
	}()

	return server
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
