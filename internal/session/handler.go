package session

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlasaccounts/atlas/internal/observability"
	"github.com/atlasaccounts/atlas/internal/platform/httpx"
	"github.com/atlasaccounts/atlas/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	metrics   *observability.Metrics
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, metrics *observability.Metrics) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		metrics:   metrics,
		validator: validator.New(),
	}
}

// MountRoutes registers unauthenticated auth routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/refresh", h.handleRefresh)
	r.Post("/social", h.handleSocial)
}

// MountProtectedRoutes registers routes that need an authenticated actor.
func (h *Handler) MountProtectedRoutes(r chi.Router) {
	r.Post("/logout", h.handleLogout)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "email and password are required")
		return
	}
	pair, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, shared.ErrRateLimited):
			h.metrics.ObserveLogin("limited")
		case errors.Is(err, shared.ErrInvalidCredentials):
			h.metrics.ObserveLogin("failure")
		default:
			h.logger.Error("login failed", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	h.metrics.ObserveLogin("success")
	httpx.JSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "refresh_token is required")
		return
	}
	pair, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, ErrRefreshExpired):
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "refresh token expired")
		case errors.Is(err, ErrRefreshRevoked):
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "refresh token revoked")
		case errors.Is(err, ErrRefreshMalformed):
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "refresh token malformed")
		default:
			h.logger.Error("refresh failed", slog.Any("error", err))
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusOK, pair)
}

type socialRequest struct {
	Provider string `json:"provider" validate:"required"`
	Subject  string `json:"subject" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
}

// handleSocial signs in a subject asserted by an upstream identity
// provider. The gateway in front of this service has already validated
// the provider's assertion.
func (h *Handler) handleSocial(w http.ResponseWriter, r *http.Request) {
	var req socialRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "provider, subject and email are required")
		return
	}
	pair, err := h.service.AuthenticateProvider(r.Context(), req.Provider, req.Subject, req.Email)
	if err != nil {
		if !errors.Is(err, shared.ErrAccountInactive) {
			h.logger.Error("social sign-in failed", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pair)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	if err := h.service.Logout(r.Context(), actor.ID); err != nil {
		h.logger.Error("logout failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
