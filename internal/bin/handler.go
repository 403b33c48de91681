package bin

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) ListBins(w http.ResponseWriter, r *http.Request) {
	bins, err := h.repo.List(r.Context())
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list bins")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "bins": bins})
}

func (h *Handler) GetBin(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	b, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeFail(w, http.StatusNotFound, "bin not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to get bin")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "bin": b})
}

func (h *Handler) CreateBin(w http.ResponseWriter, r *http.Request) {
	input, ok := parseBinInput(w, r)
	if !ok {
		return
	}

	b, err := h.repo.Create(r.Context(), input)
	if err != nil {
		if errors.Is(err, ErrDuplicateDevice) {
			writeFail(w, http.StatusConflict, "device id already registered")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create bin")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"status": "success", "bin": b})
}

func (h *Handler) UpdateBin(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	input, ok := parseBinInput(w, r)
	if !ok {
		return
	}

	b, err := h.repo.Update(r.Context(), id, input)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			writeFail(w, http.StatusNotFound, "bin not found")
		case errors.Is(err, ErrDuplicateDevice):
			writeFail(w, http.StatusConflict, "device id already registered")
		default:
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to update bin")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "bin": b})
}

func (h *Handler) DeleteBin(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeFail(w, http.StatusNotFound, "bin not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to delete bin")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) IngestReading(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var input ReadingInput
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if input.FillPercent < 0 || input.FillPercent > 100 {
		writeFail(w, http.StatusBadRequest, "fillPercent must be between 0 and 100")
		return
	}
	if input.BatteryPercent != nil && (*input.BatteryPercent < 0 || *input.BatteryPercent > 100) {
		writeFail(w, http.StatusBadRequest, "batteryPercent must be between 0 and 100")
		return
	}
	if input.WeightKg != nil && *input.WeightKg < 0 {
		writeFail(w, http.StatusBadRequest, "weightKg must not be negative")
		return
	}

	reading, err := h.repo.InsertReading(r.Context(), id, input, time.Now().UTC())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeFail(w, http.StatusNotFound, "bin not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to store reading")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"status": "success", "reading": reading})
}

func (h *Handler) ListReadings(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeFail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	readings, err := h.repo.ListReadings(r.Context(), id, limit)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list readings")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "readings": readings})
}

func parseID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid bin id")
		return "", false
	}
	return id, true
}

func parseBinInput(w http.ResponseWriter, r *http.Request) (BinInput, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var input BinInput
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid json body")
		return BinInput{}, false
	}

	input.Label = strings.TrimSpace(input.Label)
	input.DeviceID = strings.TrimSpace(input.DeviceID)

	switch {
	case input.Label == "" || utf8.RuneCountInString(input.Label) > 120:
		writeFail(w, http.StatusBadRequest, "label must be 1-120 characters")
	case input.DeviceID == "" || len(input.DeviceID) > 64:
		writeFail(w, http.StatusBadRequest, "deviceId must be 1-64 characters")
	case input.Latitude < -90 || input.Latitude > 90:
		writeFail(w, http.StatusBadRequest, "latitude must be between -90 and 90")
	case input.Longitude < -180 || input.Longitude > 180:
		writeFail(w, http.StatusBadRequest, "longitude must be between -180 and 180")
	case input.CapacityLiters <= 0:
		writeFail(w, http.StatusBadRequest, "capacityLiters must be positive")
	default:
		return input, true
	}

	return BinInput{}, false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "fail", "message": message})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
