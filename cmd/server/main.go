// Parley - human seat bridge for negotiation game engines
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/parley-labs/internal/advice"
	"github.com/ashureev/parley-labs/internal/api"
	"github.com/ashureev/parley-labs/internal/bridge"
	"github.com/ashureev/parley-labs/internal/config"
	"github.com/ashureev/parley-labs/internal/eventlog"
	"github.com/ashureev/parley-labs/internal/game"
	"github.com/ashureev/parley-labs/internal/hub"
	"github.com/ashureev/parley-labs/internal/identity"
	"github.com/ashureev/parley-labs/internal/middleware"
	"github.com/ashureev/parley-labs/internal/session"
	"github.com/ashureev/parley-labs/internal/store"
	"github.com/ashureev/parley-labs/internal/supervisor"
	"github.com/ashureev/parley-labs/internal/telemetry"
	"github.com/ashureev/parley-labs/internal/viewer"
	"github.com/ashureev/parley-labs/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Server.Port, "dev", cfg.IsDevelopment(), "launcher", cfg.Engine.Launcher)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.Storage.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	if cfg.Telemetry.Enabled {
		shutdownTracer, err := telemetry.InitTracer("parley", os.Stdout, logger)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				slog.Error("Failed to flush traces", "error", err)
			}
		}()
	}

	events, err := eventlog.New(eventlog.Config{
		Enabled:   cfg.EventLog.Enabled,
		QueueSize: cfg.EventLog.QueueSize,
		SessionDir: func(sessionID string) string {
			return supervisor.SessionLayout(cfg.Storage.DataDir, sessionID).Dir
		},
	}, repo, logger)
	if err != nil {
		slog.Error("Failed to initialize interaction log", "error", err)
		os.Exit(1)
	}

	launcher, err := newLauncher(cfg.Engine, logger)
	if err != nil {
		slog.Error("Failed to initialize engine launcher", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	registry := session.NewRegistry(logger)
	turns := bridge.New()
	viewers := hub.New(cfg.Game.ViewerWriteTimeout, logger)

	var provider advice.Provider
	if cfg.Advice.Enabled() {
		opts := []advice.OpenAIOption{
			advice.WithBaseURL(cfg.Advice.BaseURL),
			advice.WithModel(cfg.Advice.Model),
		}
		if cfg.Telemetry.Enabled {
			opts = append(opts, advice.WithHTTPClient(&http.Client{
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			}))
		}
		provider = advice.NewOpenAIProvider(cfg.Advice.APIKey, opts...)
		slog.Info("AI suggestions enabled", "model", cfg.Advice.Model)
	} else {
		slog.Info("AI suggestions use local fallbacks (no provider configured)")
	}
	advisor := advice.New(provider,
		advice.WithTimeout(cfg.Advice.Timeout),
		advice.WithMaxPromptTokens(cfg.Advice.MaxPromptTokens),
		advice.WithLogger(logger),
	)

	engines := supervisor.New(supervisor.Config{
		DataDir:         cfg.Storage.DataDir,
		PublicURL:       cfg.Server.PublicURL,
		RequestTimeout:  cfg.Engine.RequestTimeout,
		PollInterval:    cfg.Engine.PollInterval,
		MaxGameDuration: cfg.Engine.MaxGameDuration,
	}, launcher, registry, turns, viewers, events, logger)

	svc := game.NewService(game.Config{TurnTimeout: cfg.Game.TurnTimeout}, game.Deps{
		Registry: registry,
		Turns:    turns,
		Hub:      viewers,
		Engines:  engines,
		Advisor:  advisor,
		Events:   events,
		Repo:     repo,
		Logger:   logger,
	})

	// Initialize handlers.
	baseHandler := api.NewHandler(svc, logger)
	gameHandler := api.NewGameHandler(baseHandler, cfg.Game.DefaultOpponentURL)
	healthHandler := api.NewHealthHandler(repo, 0)
	configHandler := api.NewConfigHandler(cfg.Advice.Enabled(), cfg.Game.TurnTimeout, cfg.Game.DefaultOpponentURL)
	wsHandler := viewer.NewWebSocketHandler(svc, viewers, cfg.Origins(), cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.Origins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	configHandler.RegisterRoutes(r)
	gameHandler.RegisterRoutes(r)
	wsHandler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	var handler http.Handler = r
	if cfg.Telemetry.Enabled {
		handler = otelhttp.NewHandler(r, "parley")
	}

	// Engine callbacks block for a whole turn, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Engines first so their blocked callbacks are released before the
		// listener waits on them.
		if err := engines.Shutdown(shutdownCtx); err != nil {
			slog.Error("Engine shutdown incomplete", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
		}
		viewers.CloseAll()
		if err := events.Shutdown(shutdownCtx); err != nil {
			slog.Error("Interaction log did not drain", "error", err, "dropped", events.Dropped())
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func newLauncher(cfg config.EngineConfig, logger *slog.Logger) (supervisor.Launcher, error) {
	switch cfg.Launcher {
	case config.LauncherDocker:
		return supervisor.NewDockerLauncher(cfg.Image, cfg.Argv(), logger)
	default:
		return &supervisor.ExecLauncher{
			Command: cfg.Argv(),
			WorkDir: cfg.WorkDir,
		}, nil
	}
}
