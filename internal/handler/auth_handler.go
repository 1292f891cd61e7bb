package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"session-service/internal/lockout"
	"session-service/internal/model"
	"session-service/internal/password"
	"session-service/internal/service"
	"session-service/internal/signing"
	"session-service/internal/token"
	"session-service/internal/util"
)

type contextKey string

const claimsContextKey contextKey = "session_claims"

// AuthHandler handles HTTP requests for authentication operations
type AuthHandler struct {
	authService *service.AuthService
	adminToken  string
	logger      *zap.Logger
}

func NewAuthHandler(authService *service.AuthService, adminToken string, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		adminToken:  adminToken,
		logger:      logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		// Public routes
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/login/biometric", h.LoginWithBiometric)
		r.Post("/refresh", h.Refresh)
		r.Post("/password/score", h.ScorePassword)
		r.Get("/health", h.HealthCheck)

		// Routes requiring a valid access token
		r.Group(func(r chi.Router) {
			r.Use(h.RequireSession)
			r.Post("/logout", h.Logout)
			r.Post("/password", h.ChangePassword)
			r.Post("/devices/trust", h.TrustDevice)
		})

		// Administrative routes, called by the internal gateway with
		// its shared token.
		r.Group(func(r chi.Router) {
			r.Use(h.RequireAdmin)
			r.Patch("/users/{userID}/kyc", h.UpdateKYCStatus)
			r.Post("/keys/rotate", h.RotateKeys)
		})
	})
}

// RequireSession verifies the bearer token against the device the request
// claims to come from and stashes the claims in the request context.
func (h *AuthHandler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := r.Header.Get("Authorization")
		if !strings.HasPrefix(bearer, "Bearer ") {
			h.respondWithError(w, http.StatusUnauthorized, errors.New("missing bearer token"), "Authentication required")
			return
		}
		accessToken := strings.TrimPrefix(bearer, "Bearer ")
		deviceID := r.Header.Get("X-Device-ID")

		claims, err := h.authService.ValidateAccess(r.Context(), accessToken, deviceID)
		if err != nil {
			h.respondWithError(w, h.getStatusCode(err), err, "Authentication failed")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin checks the gateway's shared admin token. An unset token
// refuses every request rather than opening the routes up.
func (h *AuthHandler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-Admin-Token")
		if h.adminToken == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(h.adminToken)) != 1 {
			h.respondWithError(w, http.StatusUnauthorized, errors.New("invalid admin token"), "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionClaims(r *http.Request) *token.Claims {
	claims, _ := r.Context().Value(claimsContextKey).(*token.Claims)
	return claims
}

// Register handles credential creation
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req service.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	cred, err := h.authService.Register(ctx, &req)
	if err != nil {
		h.respondWithWeakPasswordDetail(w, err, "Failed to register")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]string{
		"user_id":    cred.UserID,
		"kyc_status": string(cred.KYCStatus),
	}, "Registered successfully"))
	h.logger.Info("User registered via HTTP",
		util.String("user_id", cred.UserID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Register"),
	)
}

// Login handles password authentication
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req service.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	pair, err := h.authService.Login(ctx, &req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Login failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(pair, "Login successful"))
	h.logger.Info("Login via HTTP",
		util.String("device_id", req.Device.DeviceID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Login"),
	)
}

// LoginWithBiometric handles biometric authentication
func (h *AuthHandler) LoginWithBiometric(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req service.BiometricLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	pair, err := h.authService.LoginWithBiometric(ctx, &req)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Login failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(pair, "Login successful"))
	h.logger.Info("Biometric login via HTTP",
		util.String("device_id", req.Device.DeviceID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "LoginWithBiometric"),
	)
}

// Refresh handles refresh token rotation
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		RefreshToken string `json:"refresh_token"`
		DeviceID     string `json:"device_id"`
		Fingerprint  string `json:"fingerprint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	pair, err := h.authService.Refresh(ctx, req.RefreshToken, req.DeviceID, req.Fingerprint)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Refresh failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(pair, "Token refreshed"))
}

// Logout revokes the caller's active session
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := sessionClaims(r)

	if err := h.authService.Logout(ctx, claims.Subject, claims.DeviceID); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Logout failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
	h.logger.Info("Logout via HTTP",
		util.String("user_id", claims.Subject),
		util.String("method", "Logout"),
	)
}

// ChangePassword handles password changes for the authenticated user
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := sessionClaims(r)

	var req service.ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	req.UserID = claims.Subject

	if err := h.authService.ChangePassword(ctx, &req); err != nil {
		h.respondWithWeakPasswordDetail(w, err, "Failed to change password")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password changed; all sessions revoked"))
	h.logger.Info("Password changed via HTTP",
		util.String("user_id", claims.Subject),
		util.String("method", "ChangePassword"),
	)
}

// ScorePassword returns strength feedback without creating anything
func (h *AuthHandler) ScorePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	strength := h.authService.ScorePassword(req.Password)
	h.respondWithJSON(w, http.StatusOK, successResponse(strength, "Password scored"))
}

// TrustDevice enrolls a device as trusted for the authenticated user
func (h *AuthHandler) TrustDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := sessionClaims(r)

	var info model.DeviceInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.authService.TrustDevice(ctx, claims.Subject, info); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to trust device")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Device trusted"))
	h.logger.Info("Device trusted via HTTP",
		util.String("user_id", claims.Subject),
		util.String("device_id", info.DeviceID),
		util.String("method", "TrustDevice"),
	)
}

// UpdateKYCStatus moves a user through the verification state machine
func (h *AuthHandler) UpdateKYCStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.authService.UpdateKYCStatus(ctx, userID, model.KYCStatus(req.Status)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to update KYC status")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "KYC status updated"))
	h.logger.Info("KYC status updated via HTTP",
		util.String("user_id", userID),
		util.String("status", req.Status),
		util.String("method", "UpdateKYCStatus"),
	)
}

// RotateKeys cuts a new signing key
func (h *AuthHandler) RotateKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	keyID, err := h.authService.RotateSigningKeys(ctx)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to rotate keys")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{
		"key_id": keyID,
	}, "Signing key rotated"))
	h.logger.Info("Signing key rotated via HTTP",
		util.String("key_id", keyID),
		util.String("method", "RotateKeys"),
	)
}

// HealthCheck handles service health check
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.authService.HealthCheck(ctx); err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Service unhealthy")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Service is healthy"))
}

// Helper Methods

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// respondWithWeakPasswordDetail surfaces the individual policy violations so
// the client can show them, instead of a single opaque string.
func (h *AuthHandler) respondWithWeakPasswordDetail(w http.ResponseWriter, err error, message string) {
	var weak *password.WeakPasswordError
	if errors.As(err, &weak) {
		h.respondWithJSON(w, http.StatusUnprocessableEntity, Response{
			Success: false,
			Error:   weak.Error(),
			Message: message,
			Data: map[string]interface{}{
				"score":      weak.Score,
				"violations": weak.Violations,
			},
		})
		return
	}
	h.respondWithError(w, h.getStatusCode(err), err, message)
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, lockout.ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, service.ErrDeviceNotTrusted):
		return http.StatusForbidden
	case errors.Is(err, token.ErrKYCRejected):
		return http.StatusForbidden
	case errors.Is(err, token.ErrTokenInvalid),
		errors.Is(err, token.ErrTokenExpired),
		errors.Is(err, token.ErrTokenRevoked),
		errors.Is(err, token.ErrInvalidDeviceBinding),
		errors.Is(err, signing.ErrUnknownKey):
		return http.StatusUnauthorized
	case errors.Is(err, password.ErrWeakPassword):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidKYCStatus):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUserAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
