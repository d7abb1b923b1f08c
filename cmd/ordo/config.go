package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all ordo server configuration.
// Defaults are overridden by environment variables.
type Config struct {
	DefinitionsDir  string
	DBPath          string
	UseStubAIClient bool

	GeminiModelName string
	GeminiAPIKey    string
	GeminiTimeout   time.Duration

	LogLevel          string
	LogDir            string
	OrchestratorLog   string
	AIInteractionsLog string

	MaintenanceCron string
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LogDir:   "logs",
	}
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	cfg.DefinitionsDir = os.Getenv("WORKFLOW_DEFINITIONS_DIR")
	cfg.DBPath = os.Getenv("WORKFLOW_DB_PATH")
	cfg.UseStubAIClient = boolEnv("USE_STUB_AI_CLIENT")

	cfg.GeminiModelName = os.Getenv("GEMINI_MODEL_NAME")
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.GeminiTimeout = 60 * time.Second
	if v := os.Getenv("GEMINI_REQUEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.GeminiTimeout = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORCHESTRATOR_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	cfg.OrchestratorLog = os.Getenv("ORCHESTRATOR_LOG_FILE")
	if cfg.OrchestratorLog == "" {
		cfg.OrchestratorLog = filepath.Join(cfg.LogDir, "orchestrator.log")
	}
	cfg.AIInteractionsLog = os.Getenv("AI_INTERACTIONS_LOG_FILE")
	if cfg.AIInteractionsLog == "" {
		cfg.AIInteractionsLog = filepath.Join(cfg.LogDir, "ai_interactions.log")
	}

	cfg.MaintenanceCron = os.Getenv("ORDO_MAINTENANCE_CRON")

	if cfg.DefinitionsDir == "" {
		return cfg, fmt.Errorf("mandatory environment variable WORKFLOW_DEFINITIONS_DIR is not set")
	}
	if cfg.DBPath == "" {
		return cfg, fmt.Errorf("mandatory environment variable WORKFLOW_DB_PATH is not set")
	}
	if !cfg.UseStubAIClient && cfg.GeminiModelName == "" {
		return cfg, fmt.Errorf("mandatory environment variable GEMINI_MODEL_NAME is not set")
	}

	return cfg, nil
}

func boolEnv(name string) bool {
	v := os.Getenv(name)
	return v == "true" || v == "1"
}
