package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"binwatch/internal/app"
	"binwatch/internal/observability"
)

func main() {
	logger := observability.NewLogger()

	runtime, err := app.Build(app.Options{
		LoadDotEnv:    true,
		RunMigrations: envBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", true),
	})
	if err != nil {
		logger.Error("bootstrap_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer runtime.Close()

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}
	if _, err := strconv.Atoi(port); err != nil {
		logger.Error("invalid_port", map[string]any{"port": port})
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%s", port)
	logger.Info("server_start", map[string]any{"addr": addr})
	if err := http.ListenAndServe(addr, runtime.Handler); err != nil {
		logger.Error("server_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func envBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
