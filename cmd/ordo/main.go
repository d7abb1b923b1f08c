package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rendis/ordo/internal/ai"
	"github.com/rendis/ordo/internal/definition"
	"github.com/rendis/ordo/internal/engine"
	"github.com/rendis/ordo/internal/expressions"
	"github.com/rendis/ordo/internal/logging"
	"github.com/rendis/ordo/internal/scheduler"
	"github.com/rendis/ordo/internal/store"
	"github.com/rendis/ordo/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ordo:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, aiLogger, closeLogs, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLogs()

	// Persistence.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	repo, err := store.NewLibSQLRepository("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := repo.Migrate(ctx); err != nil {
		return err
	}

	// Definitions.
	defs := definition.NewService(cfg.DefinitionsDir, logger)

	// AI client.
	var client ai.Client
	if cfg.UseStubAIClient {
		logger.Info("using stub AI client")
		client = ai.NewStubClient()
	} else {
		logger.Info("using Gemini AI client", slog.String("model", cfg.GeminiModelName))
		client, err = ai.NewGeminiClient(cfg.GeminiModelName, cfg.GeminiAPIKey, cfg.GeminiTimeout,
			logger, ai.WithInteractionLog(aiLogger))
		if err != nil {
			return err
		}
	}

	// Instruction templating.
	templates, err := expressions.NewInterpolator(logger)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Deps{
		Definitions: defs,
		Repo:        repo,
		AI:          client,
		Templates:   templates,
		Logger:      logger,
	})

	maintenance, err := scheduler.NewMaintenance(repo, eng, defs, cfg.MaintenanceCron, logger)
	if err != nil {
		return err
	}
	if err := maintenance.Start(ctx); err != nil {
		return err
	}
	defer maintenance.Stop()

	srv := mcp.NewOrdoServer(mcp.OrdoServerDeps{
		Engine: eng,
		Query:  expressions.NewGoJQEngine(),
		Logger: logger,
	})

	logger.Info("ordo serving on stdio",
		slog.String("definitions_dir", cfg.DefinitionsDir),
		slog.String("db_path", cfg.DBPath),
	)

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// setupLogging builds the correlation-aware orchestrator logger and the
// dedicated AI-interaction logger. Both append to their files; the main
// logger also mirrors to stderr (stdout carries the MCP transport).
func setupLogging(cfg Config) (logger, aiLogger *slog.Logger, closeLogs func(), err error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	level := parseLevel(cfg.LogLevel)

	mainFile, err := os.OpenFile(cfg.OrchestratorLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open orchestrator log: %w", err)
	}
	aiFile, err := os.OpenFile(cfg.AIInteractionsLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		mainFile.Close()
		return nil, nil, nil, fmt.Errorf("open AI interactions log: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}
	logger = slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(io.MultiWriter(mainFile, os.Stderr), opts)))
	aiLogger = slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(aiFile, opts)))

	closeLogs = func() {
		mainFile.Close()
		aiFile.Close()
	}
	return logger, aiLogger, closeLogs, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
