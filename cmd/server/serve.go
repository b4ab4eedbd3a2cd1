package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cachetune-service/internal/config"
	"cachetune-service/internal/faults"
	"cachetune-service/internal/handlers"
	"cachetune-service/internal/logging"
	"cachetune-service/internal/persistence"
	"cachetune-service/internal/pipeline"
	"cachetune-service/internal/topology"
	"cachetune-service/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node: HTTP API plus the decision cycle",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		// InvalidConfiguration: ни один listener не запущен
		return err
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting cachetune",
		"version", version,
		"go", runtime.Version(),
		"node", cfg.Node.ID,
		"roles", cfg.Node.Roles,
		"coordinator", cfg.Cluster.CoordinatorID,
	)

	store, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	topo := topology.NewStatic(cfg)
	p := pipeline.New(pipeline.Options{
		Config:    cfg,
		Store:     store,
		Transport: transport.NewHTTPTransport(cfg.Cycle.PublishTimeout, logger),
		Topology:  topo,
		Logger:    logger,
	})

	router := handlers.NewRouter(handlers.NewHandler(p, logger), cfg.HTTP)
	// pprof для профилирования
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	// Создаем HTTP сервер с настройками таймаутов
	server := &http.Server{
		Addr:         cfg.Node.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.Node.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return p.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		// Контекст с таймаутом для завершения
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Cycle.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped", "cycle", p.Cycle())
	return err
}

// openStore подключает хранилище действий с повторами: Redis в контейнере
// может подняться позже сервиса
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (persistence.Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = time.Second
	exp.MaxInterval = 5 * time.Second

	var store persistence.Store
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		s, err := persistence.Open(cfg.Persistence, logger)
		if err != nil {
			if faults.Fatal(err) {
				return backoff.Permanent(err)
			}
			logger.Warn("action store connection failed", "backend", cfg.Persistence.Backend, "attempt", attempt, "error", err)
			return err
		}
		store = s
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(exp, 4), ctx))
	if err != nil {
		return nil, fmt.Errorf("open %s action store: %w", cfg.Persistence.Backend, err)
	}
	logger.Info("action store ready", "backend", cfg.Persistence.Backend)
	return store, nil
}
