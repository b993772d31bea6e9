package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/tickerchat/tickerchat/internal/agent"
	"github.com/tickerchat/tickerchat/internal/api"
	"github.com/tickerchat/tickerchat/internal/cache"
	"github.com/tickerchat/tickerchat/internal/config"
	"github.com/tickerchat/tickerchat/internal/conversation"
	"github.com/tickerchat/tickerchat/internal/log"
	"github.com/tickerchat/tickerchat/internal/model"
	"github.com/tickerchat/tickerchat/internal/tool"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 5 * time.Minute // SSE turns can run long
	idleTimeout       = 2 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe initializes all components and runs the HTTP server until
// SIGINT/SIGTERM.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{
		Level: parseLogLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	logger.Info("starting tickerchat", "version", AppVersion)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Storage
	pool, err := pgxpool.New(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}
	defer pool.Close()

	store := conversation.NewPostgres(pool, logger)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}

	// Tool result cache: Redis when configured, in-process otherwise.
	var toolCache cache.Cache
	var cachePing api.Pinger
	if cfg.RedisAddr != "" {
		rc := cache.NewRedis(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		defer func() {
			if err := rc.Close(); err != nil {
				logger.Warn("closing redis", "error", err)
			}
		}()
		toolCache = rc
		cachePing = rc
	} else {
		logger.Info("no redis configured, using in-process tool cache")
		toolCache = cache.NewMemory()
	}

	// Tools
	registry := tool.NewRegistry(toolCache, logger)
	if err := registry.Register(tool.NewQuote(tool.QuoteConfig{
		BaseURL: cfg.QuoteBaseURL,
		TTL:     time.Duration(cfg.QuoteTTLSeconds) * time.Second,
	}, logger)); err != nil {
		return fmt.Errorf("registering quote tool: %w", err)
	}
	if err := registry.Register(tool.NewPaperSearch(tool.PaperSearchConfig{
		BaseURL: cfg.ArxivBaseURL,
	}, logger)); err != nil {
		return fmt.Errorf("registering paper search tool: %w", err)
	}

	// Model
	modelClient, err := model.NewOpenAI(model.Config{
		APIKey:      cfg.ModelAPIKey,
		BaseURL:     cfg.ModelBaseURL,
		Model:       cfg.ModelName,
		Temperature: cfg.Temperature,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating model client: %w", err)
	}

	// Orchestrator
	orch, err := agent.New(agent.Config{
		Model:         modelClient,
		Tools:         registry,
		Store:         store,
		Logger:        logger,
		SystemPrompt:  systemPrompt(cfg),
		MaxToolRounds: cfg.MaxToolRounds,
		ToolTimeout:   time.Duration(cfg.ToolTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:       logger,
		Orchestrator: orch,
		Store:        store,
		Cache:        cachePing,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", cfg.Addr(),
		"api", "/api/*",
		"health", "/health, /ready",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}

// defaultSystemPrompt frames the agent and its tools for the model.
const defaultSystemPrompt = `You are a helpful assistant for market and research questions.
You can call tools to fetch live data:
- get_quote returns the latest price for a stock ticker symbol.
- search_papers searches arXiv for academic papers.
Use a tool whenever the user asks about current prices or recent papers.
If a tool fails, tell the user what went wrong instead of guessing.`

func systemPrompt(cfg *config.Config) string {
	if strings.TrimSpace(cfg.SystemPrompt) != "" {
		return cfg.SystemPrompt
	}
	return defaultSystemPrompt
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
