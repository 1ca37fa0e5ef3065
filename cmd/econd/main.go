package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wizardbeardstudio/open-economy-go/internal/platform/async"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/config"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/currency"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-economy-go/internal/platform/store"
)

func main() {
	configPath := flag.String("config", "", "path to econd config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	rounding, err := cfg.Rounding()
	if err != nil {
		log.Fatalf("rounding mode: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	clk := clock.RealClock{}

	var st store.Store
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("open database", zap.Error(err))
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("ping database", zap.Error(err))
		}
		pg := store.NewPostgres(db, clk, logger)
		if err := pg.SyncSchema(ctx); err != nil {
			logger.Fatal("sync schema", zap.Error(err))
		}
		st = pg
		logger.Info("postgres store ready")
	} else {
		st = store.NewMemory(clk)
		logger.Warn("no database-url configured, balances are not durable")
	}

	registry := currency.NewRegistry(st.Currencies(), cfg.DefaultCurrency, logger)
	if err := registry.Init(ctx); err != nil {
		logger.Fatal("init currency registry", zap.Error(err))
	}

	exec := async.New(cfg.Async.Workers, cfg.Async.QueueSize, logger)
	metrics := ledger.NewMetrics()
	svc := ledger.New(ledger.Params{
		Store:        st,
		Registry:     registry,
		Audit:        audit.NewWriter(st.Audit(), clk, logger),
		Executor:     exec,
		Clock:        clk,
		Logger:       logger,
		Metrics:      metrics,
		Rounding:     rounding,
		MaxSnapshots: cfg.Backup.MaxSnapshots,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !svc.IsReady() {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				metrics.RefreshStoreCounts(gctx, db)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		wait := time.Duration(cfg.Async.ShutdownWaitSeconds) * time.Second
		if !exec.Shutdown(wait) {
			logger.Warn("executor drain incomplete", zap.Duration("wait", wait))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("daemon stopped", zap.Error(err))
	}
	logger.Info("daemon stopped")
}
