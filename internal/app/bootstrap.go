package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"binwatch/internal/auth"
	"binwatch/internal/bin"
	"binwatch/internal/db"
	"binwatch/internal/mail"
	"binwatch/internal/maintenance"
	"binwatch/internal/observability"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	accessSecret, err := mustEnv("ACCESS_TOKEN_SECRET")
	if err != nil {
		return nil, err
	}
	refreshSecret := strings.TrimSpace(os.Getenv("REFRESH_TOKEN_SECRET"))
	if refreshSecret == "" {
		logger.Warn("refresh_secret_fallback", map[string]any{
			"detail": "REFRESH_TOKEN_SECRET is unset; refresh tokens are signed with the access secret",
		})
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	mailConfig := mail.Config{
		Host:     strings.TrimSpace(os.Getenv("SMTP_HOST")),
		Port:     envOrDefault("SMTP_PORT", "587"),
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     strings.TrimSpace(os.Getenv("SMTP_FROM_EMAIL")),
		FromName: envOrDefault("SMTP_FROM_NAME", "binwatch"),
	}
	var mailer auth.Mailer
	if mailConfig.Configured() {
		mailer = mail.NewSMTPSender(mailConfig)
	} else {
		logger.Warn("smtp_not_configured", map[string]any{
			"detail": "reset emails are logged to stdout instead of delivered",
		})
		mailer = mail.NewConsoleSender(logger)
	}

	hasher := auth.NewPasswordHasher(envIntOrDefault("BCRYPT_COST", auth.DefaultHashCost))
	issuer := auth.NewTokenIssuer(
		accessSecret,
		refreshSecret,
		envHoursOrDefault("ACCESS_TOKEN_TTL_HOURS", 24),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	)

	authRepo := auth.NewRepository(database)
	authService, err := auth.NewService(authRepo, hasher, issuer, mailer, envOrDefault("BASE_URL", "http://localhost:8080"))
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("build auth service: %w", err)
	}
	authService.WithLockoutPolicy(
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 30),
	)

	if adminEmail := strings.TrimSpace(os.Getenv("ADMIN_EMAIL")); adminEmail != "" {
		err := authService.SeedAdmin(
			context.Background(),
			envOrDefault("ADMIN_USERNAME", "admin"),
			adminEmail,
			os.Getenv("ADMIN_PASSWORD"),
		)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("seed admin: %w", err)
		}
	}

	authHandler := auth.NewHandler(authService, auth.CookieConfig{
		AccessTTL:  envHoursOrDefault("ACCESS_COOKIE_TTL_HOURS", 24),
		RefreshTTL: envHoursOrDefault("REFRESH_COOKIE_TTL_HOURS", 168),
		Secure:     envOrDefault("APP_ENV", "development") == "production",
	})

	binRepo := bin.NewRepository(database)
	binHandler := bin.NewHandler(binRepo)

	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		binRepo,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("READING_RETENTION_DAYS", 90),
		envIntOrDefault("CLEANUP_BATCH_SIZE", 500),
	)

	loginLimiter := auth.NewLoginRateLimiter(
		envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
	)

	requireAuth := func(next http.Handler) http.Handler {
		return auth.RequireAuth(authService, next)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", authHandler.Register)
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/forgot-password", authHandler.ForgotPassword)
	mux.HandleFunc("PATCH /auth/reset-password/{token}", authHandler.ResetPassword)
	mux.Handle("PATCH /auth/change-password", requireAuth(http.HandlerFunc(authHandler.ChangePassword)))
	mux.Handle("GET /auth/me", requireAuth(http.HandlerFunc(authHandler.Me)))

	mux.Handle("GET /bins", requireAuth(http.HandlerFunc(binHandler.ListBins)))
	mux.Handle("GET /bins/{id}", requireAuth(http.HandlerFunc(binHandler.GetBin)))
	mux.Handle("POST /bins", requireAuth(auth.RequireRole(http.HandlerFunc(binHandler.CreateBin), auth.RoleAdmin, auth.RoleSupervisor)))
	mux.Handle("PUT /bins/{id}", requireAuth(auth.RequireRole(http.HandlerFunc(binHandler.UpdateBin), auth.RoleAdmin, auth.RoleSupervisor)))
	mux.Handle("DELETE /bins/{id}", requireAuth(auth.RequireRole(http.HandlerFunc(binHandler.DeleteBin), auth.RoleAdmin)))
	mux.Handle("POST /bins/{id}/readings", requireAuth(http.HandlerFunc(binHandler.IngestReading)))
	mux.Handle("GET /bins/{id}/readings", requireAuth(http.HandlerFunc(binHandler.ListReadings)))

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}
