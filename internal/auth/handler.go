package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

const maxJSONBodyBytes = 1 << 20

const (
	accessCookieName  = "accessToken"
	refreshCookieName = "refreshToken"
)

// CookieConfig controls the browser-facing copies of the tokens. Lifetimes
// are configured separately from the token TTLs.
type CookieConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Secure     bool
}

type Handler struct {
	service *Service
	cookies CookieConfig
}

func NewHandler(service *Service, cookies CookieConfig) *Handler {
	return &Handler{service: service, cookies: cookies}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	// Only an authenticated admin may assign a role other than "user".
	callerIsAdmin := false
	if token := bearerOrCookieToken(r); token != "" {
		if caller, err := h.service.Authenticate(r.Context(), token); err == nil {
			callerIsAdmin = caller.Role == RoleAdmin
		}
	}

	user, tokens, err := h.service.Register(r.Context(), body.Username, body.Email, body.Password, body.Role, callerIsAdmin)
	if err != nil {
		h.writeServiceError(w, err, "failed to register")
		return
	}

	h.setAuthCookies(w, tokens)
	writeSuccess(w, http.StatusCreated, tokens, user.Public())
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Email = NormalizeEmail(body.Email)
	body.Password = strings.TrimSpace(body.Password)
	if body.Email == "" || body.Password == "" {
		writeFail(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, tokens, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		h.writeServiceError(w, err, "failed to login")
		return
	}

	h.setAuthCookies(w, tokens)
	writeSuccess(w, http.StatusOK, tokens, user.Public())
}

// Logout is stateless: it only expires the client-side cookies. Issued
// tokens stay valid until their natural expiry.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	token := strings.TrimSpace(body.RefreshToken)
	if token == "" {
		if cookie, err := r.Cookie(refreshCookieName); err == nil {
			token = cookie.Value
		}
	}

	user, tokens, err := h.service.Refresh(r.Context(), token)
	if err != nil {
		h.writeServiceError(w, err, "failed to refresh token")
		return
	}

	h.setAccessCookie(w, tokens.AccessToken)
	writeSuccess(w, http.StatusOK, tokens, user.Public())
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	email := NormalizeEmail(body.Email)
	if email == "" {
		writeFail(w, http.StatusBadRequest, "email is required")
		return
	}

	if err := h.service.ForgotPassword(r.Context(), email); err != nil {
		h.writeServiceError(w, err, "failed to process reset request")
		return
	}

	// Identical response whether or not the account exists.
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "if the account exists, a reset link has been sent",
	})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	user, tokens, err := h.service.ResetPassword(r.Context(), r.PathValue("token"), body.Password)
	if err != nil {
		h.writeServiceError(w, err, "failed to reset password")
		return
	}

	h.setAuthCookies(w, tokens)
	writeSuccess(w, http.StatusOK, tokens, user.Public())
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	caller, ok := UserFromContext(r.Context())
	if !ok {
		writeFail(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var body changePasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	access, err := h.service.ChangePassword(r.Context(), caller.ID, body.CurrentPassword, body.NewPassword)
	if err != nil {
		h.writeServiceError(w, err, "failed to change password")
		return
	}

	h.setAccessCookie(w, access)
	writeSuccess(w, http.StatusOK, Tokens{AccessToken: access}, caller.Public())
}

// Me returns the authenticated caller's own profile, used by clients as a
// token liveness check.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	caller, ok := UserFromContext(r.Context())
	if !ok {
		writeFail(w, http.StatusUnauthorized, "authentication required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"user":   caller.Public(),
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var validationErr ValidationError
	var lockedErr ErrLoginLocked

	switch {
	case errors.As(err, &validationErr):
		writeFail(w, http.StatusBadRequest, validationErr.Message)
	case errors.Is(err, ErrDuplicateUser):
		writeFail(w, http.StatusConflict, "username or email is already in use")
	case errors.As(err, &lockedErr):
		w.Header().Set("Retry-After", strconv.Itoa(lockedErr.RemainingMinutes()*60))
		writeFail(w, http.StatusForbidden, lockedErr.Error())
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrAccountDisabled):
		writeFail(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrInvalidOrExpiredToken):
		writeFail(w, http.StatusUnauthorized, ErrInvalidOrExpiredToken.Error())
	case errors.Is(err, ErrResetTokenInvalid):
		writeFail(w, http.StatusBadRequest, ErrResetTokenInvalid.Error())
	case errors.Is(err, ErrUserNotFound):
		writeFail(w, http.StatusNotFound, "user not found")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func (h *Handler) setAuthCookies(w http.ResponseWriter, tokens Tokens) {
	h.setAccessCookie(w, tokens.AccessToken)
	if tokens.RefreshToken != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     refreshCookieName,
			Value:    tokens.RefreshToken,
			Path:     "/auth",
			Expires:  time.Now().UTC().Add(h.cookies.RefreshTTL),
			HttpOnly: true,
			Secure:   h.cookies.Secure,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func (h *Handler) setAccessCookie(w http.ResponseWriter, accessToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    accessToken,
		Path:     "/",
		Expires:  time.Now().UTC().Add(h.cookies.AccessTTL),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(w http.ResponseWriter) {
	expired := time.Unix(0, 0)
	http.SetCookie(w, &http.Cookie{
		Name: accessCookieName, Value: "", Path: "/",
		Expires: expired, MaxAge: -1, HttpOnly: true, Secure: h.cookies.Secure,
	})
	http.SetCookie(w, &http.Cookie{
		Name: refreshCookieName, Value: "", Path: "/auth",
		Expires: expired, MaxAge: -1, HttpOnly: true, Secure: h.cookies.Secure,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeSuccess(w http.ResponseWriter, status int, tokens Tokens, user PublicUser) {
	payload := map[string]any{
		"status":      "success",
		"accessToken": tokens.AccessToken,
		"user":        user,
	}
	if tokens.RefreshToken != "" {
		payload["refreshToken"] = tokens.RefreshToken
	}
	if tokens.ExpiresIn > 0 {
		payload["expiresIn"] = tokens.ExpiresIn
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeFail is the 4xx half of the envelope, writeError the 5xx half.
func writeFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "fail", "message": message})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
