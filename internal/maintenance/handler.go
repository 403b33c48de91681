package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"binwatch/internal/auth"
	"binwatch/internal/bin"
	"binwatch/internal/observability"
)

type CleanupResult struct {
	ClearedResetTokens int64 `json:"cleared_reset_tokens"`
	ClearedLockouts    int64 `json:"cleared_lockouts"`
	DeletedReadings    int64 `json:"deleted_readings"`
}

// CleanupHandler is a cron-triggered endpoint behind a bearer secret. It
// clears expired reset tokens, unlocks elapsed lockouts, and trims old
// telemetry past retention.
type CleanupHandler struct {
	authRepo         *auth.Repository
	binRepo          *bin.Repository
	logger           *observability.Logger
	cronSecret       string
	readingRetention time.Duration
	batchSize        int
}

func NewCleanupHandler(
	authRepo *auth.Repository,
	binRepo *bin.Repository,
	logger *observability.Logger,
	cronSecret string,
	readingRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	if readingRetention <= 0 {
		readingRetention = 90 * 24 * time.Hour
	}
	return &CleanupHandler{
		authRepo:         authRepo,
		binRepo:          binRepo,
		logger:           logger,
		cronSecret:       strings.TrimSpace(cronSecret),
		readingRetention: readingRetention,
		batchSize:        batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "fail", "message": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "fail", "message": "unauthorized"})
		return
	}

	var result CleanupResult
	var err error

	result.ClearedResetTokens, err = h.authRepo.ClearExpiredResetTokens(r.Context())
	if err == nil {
		result.ClearedLockouts, err = h.authRepo.ClearElapsedLockouts(r.Context())
	}
	if err == nil {
		cutoff := time.Now().UTC().Add(-h.readingRetention)
		result.DeletedReadings, err = h.binRepo.DeleteReadingsBefore(r.Context(), cutoff, h.batchSize)
	}
	if err != nil {
		h.logger.Error("cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": "cleanup failed"})
		return
	}

	h.logger.Info("cleanup_completed", map[string]any{
		"cleared_reset_tokens": result.ClearedResetTokens,
		"cleared_lockouts":     result.ClearedLockouts,
		"deleted_readings":     result.DeletedReadings,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
