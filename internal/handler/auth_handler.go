package handler

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"blog-auth-service/internal/config"
	"blog-auth-service/internal/service"
	"blog-auth-service/internal/util"
)

const (
	accessCookieName  = "access_token"
	refreshCookieName = "refresh_token"

	// The refresh cookie is scoped to the auth endpoints so the browser
	// never attaches the long-lived credential to ordinary API calls.
	accessCookiePath  = "/"
	refreshCookiePath = "/api/v1/auth"
)

// AuthHandler handles HTTP requests for the auth endpoints
type AuthHandler struct {
	authService *service.AuthService
	cfg         *config.Config
	logger      *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *service.AuthService, cfg *config.Config, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		cfg:         cfg,
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

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response. Only sentinel error text reaches
// the client; wrapped internals such as provider failures stay in the logs.
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   publicError(err),
		Message: message,
	}
}

var publicErrors = []error{
	service.ErrInvalidEmail,
	service.ErrRateLimitExceeded,
	service.ErrEmailDeliveryFailed,
	service.ErrInvalidCode,
	service.ErrCodeExpired,
	service.ErrTokenExpired,
	service.ErrTokenInvalid,
	service.ErrUserNotFound,
}

func publicError(err error) string {
	for _, sentinel := range publicErrors {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "request failed"
}

type requestOTPRequest struct {
	Email string `json:"email"`
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type sessionResponse struct {
	UserID              string `json:"user_id"`
	Email               string `json:"email"`
	OnboardingCompleted bool   `json:"onboarding_completed"`
	SessionID           string `json:"session_id"`
}

type viewResponse struct {
	Counted bool `json:"counted"`
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/request-otp", h.RequestOTP)
		r.Post("/verify-otp", h.VerifyOTP)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
	})

	router.Post("/posts/{postID}/views", h.RecordPostView)
}

// RequestOTP issues a login code and mails it. The response is the same for
// known and unknown addresses so the endpoint cannot be used to probe which
// accounts exist.
func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req requestOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.authService.RequestOTP(ctx, req.Email, clientIP(r), r.UserAgent()); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to request login code")
		return
	}

	h.respondWithJSON(w, http.StatusAccepted, successResponse(nil, "Login code sent"))
	h.logger.Info("Login code requested via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "RequestOTP"),
	)
}

// VerifyOTP exchanges a code for a session. Tokens travel as httpOnly
// cookies; the body only carries account metadata.
func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	user, pair, err := h.authService.VerifyOTP(ctx, req.Email, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to verify login code")
		return
	}

	h.setSessionCookies(w, pair.AccessToken, pair.RefreshToken)
	h.respondWithJSON(w, http.StatusOK, successResponse(sessionResponse{
		UserID:              user.ID,
		Email:               user.Email,
		OnboardingCompleted: user.OnboardingCompleted,
		SessionID:           pair.SessionID,
	}, "Login successful"))

	h.logger.Info("Login code verified via HTTP",
		util.String("user_id", user.ID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "VerifyOTP"),
	)
}

// Refresh rotates the presented refresh token and reissues both cookies.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	raw := h.refreshTokenFrom(r)
	if raw == "" {
		h.respondWithError(w, http.StatusUnauthorized, service.ErrTokenInvalid, "Missing refresh token")
		return
	}

	pair, err := h.authService.Refresh(ctx, raw, clientIP(r), r.UserAgent())
	if err != nil {
		h.clearSessionCookies(w)
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to refresh session")
		return
	}

	h.setSessionCookies(w, pair.AccessToken, pair.RefreshToken)
	h.respondWithJSON(w, http.StatusOK, successResponse(sessionResponse{
		SessionID: pair.SessionID,
	}, "Session refreshed"))

	h.logger.Info("Session refreshed via HTTP",
		util.String("session_id", pair.SessionID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Refresh"),
	)
}

// Logout revokes the session and clears both cookies. Always succeeds so a
// client can log out regardless of the state of its tokens.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if raw := h.refreshTokenFrom(r); raw != "" {
		if err := h.authService.Logout(ctx, raw, clientIP(r), r.UserAgent()); err != nil {
			h.clearSessionCookies(w)
			h.respondWithError(w, http.StatusInternalServerError, err, "Failed to log out")
			return
		}
	}

	h.clearSessionCookies(w)
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// RecordPostView counts a post view, deduplicated per viewer.
func (h *AuthHandler) RecordPostView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	postID := chi.URLParam(r, "postID")
	if postID == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("post id is required"), "Post id is required")
		return
	}

	counted, err := h.authService.RecordPostView(ctx, postID, h.accessTokenFrom(r), clientIP(r), r.UserAgent())
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to record view")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(viewResponse{Counted: counted}, "View recorded"))
}

// Helper Methods

// accessTokenFrom returns the access token from the session cookie or a
// bearer Authorization header, empty when the request is anonymous.
func (h *AuthHandler) accessTokenFrom(r *http.Request) string {
	if cookie, err := r.Cookie(accessCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (h *AuthHandler) refreshTokenFrom(r *http.Request) string {
	if cookie, err := r.Cookie(refreshCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	// Non-browser clients send the token in the body instead.
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		return body.RefreshToken
	}
	return ""
}

func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, accessToken, refreshToken string) {
	http.SetCookie(w, h.sessionCookie(accessCookieName, accessToken, accessCookiePath, h.cfg.JWT.AccessTTL()))
	http.SetCookie(w, h.sessionCookie(refreshCookieName, refreshToken, refreshCookiePath, h.cfg.JWT.RefreshTTL()))
}

func (h *AuthHandler) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, h.sessionCookie(accessCookieName, "", accessCookiePath, -time.Hour))
	http.SetCookie(w, h.sessionCookie(refreshCookieName, "", refreshCookiePath, -time.Hour))
}

func (h *AuthHandler) sessionCookie(name, value, path string, ttl time.Duration) *http.Cookie {
	maxAge := int(ttl.Seconds())
	if value == "" {
		maxAge = -1
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   h.cfg.Cookies.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cfg.Cookies.Secure,
		SameSite: sameSiteFrom(h.cfg.Cookies.SameSite),
	}
}

func sameSiteFrom(mode string) http.SameSite {
	switch mode {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// clientIP returns the request source address without the port. RealIP
// middleware has already folded forwarding headers into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// respondWithJSON sends a JSON response
func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidEmail):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrEmailDeliveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrInvalidCode),
		errors.Is(err, service.ErrCodeExpired),
		errors.Is(err, service.ErrTokenInvalid),
		errors.Is(err, service.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrUserNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
