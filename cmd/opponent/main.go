// Parley opponent seat: answers engine turns for the second player.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/parley-labs/internal/advice"
	"github.com/ashureev/parley-labs/internal/opponent"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	rootCmd := &cobra.Command{
		Use:   "opponent",
		Short: "Play the second seat of a game with a heuristic, a language model or a browser",
		RunE: func(cmd *cobra.Command, _ []string) error {
			auto, _ := cmd.Flags().GetBool("auto")
			useLLM, _ := cmd.Flags().GetBool("llm")
			model, _ := cmd.Flags().GetString("model")
			baseURL, _ := cmd.Flags().GetString("base-url")
			port, _ := cmd.Flags().GetInt("port")
			turnTimeout, _ := cmd.Flags().GetDuration("turn-timeout")

			cfg := opponent.Config{Auto: auto, TurnTimeout: turnTimeout}
			if useLLM {
				cfg.LLM = advice.NewOpenAIProvider(os.Getenv("OPENAI_API_KEY"),
					advice.WithBaseURL(baseURL),
					advice.WithModel(model),
				)
			}
			return run(cmd.Context(), logger, cfg, port)
		},
	}
	rootCmd.Flags().Bool("auto", false, "Answer every turn with the built-in heuristic instead of a human")
	rootCmd.Flags().Bool("llm", false, "Answer every turn with a language model (key from OPENAI_API_KEY)")
	rootCmd.Flags().String("model", "gpt-4o-mini", "Model name for --llm")
	rootCmd.Flags().String("base-url", "", "OpenAI-compatible base URL for --llm (default https://api.openai.com/v1)")
	rootCmd.Flags().IntP("port", "p", 5001, "Port to listen on")
	rootCmd.Flags().Duration("turn-timeout", 10*time.Minute, "How long a turn waits for the human player or the model")
	rootCmd.MarkFlagsMutuallyExclusive("auto", "llm")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Opponent failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg opponent.Config, port int) error {
	seat := opponent.New(cfg, nil, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	seat.RegisterRoutes(r)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Opponent listening", "addr", srv.Addr, "mode", cfg.Mode())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		seat.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
