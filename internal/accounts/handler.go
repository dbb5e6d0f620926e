package accounts

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlasaccounts/atlas/internal/authz"
	"github.com/atlasaccounts/atlas/internal/platform/httpx"
	"github.com/atlasaccounts/atlas/internal/shared"
)

// Handler wires HTTP endpoints for account management.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	evaluator *authz.Evaluator
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, evaluator *authz.Evaluator) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		evaluator: evaluator,
		validator: validator.New(),
	}
}

// MountPublicRoutes registers self-service registration.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Post("/register", h.handleRegister)
}

// MountRoutes registers authenticated account routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}", h.handleGet)
	r.Put("/{id}/role", h.handleChangeRole)
	r.Delete("/{id}", h.handleDeactivate)
	r.Put("/{id}/password", h.handleSetPassword)
	r.Put("/{id}/preferred-channel", h.handleSetPreferredChannel)
}

// MountProvisioningRoutes registers delegated account creation. Guarded
// by a staff-or-above role check at the router.
func (h *Handler) MountProvisioningRoutes(r chi.Router) {
	r.Post("/", h.handleProvision)
}

type accountResponse struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	Role             string     `json:"role"`
	IsActive         bool       `json:"is_active"`
	IsVerified       bool       `json:"is_verified"`
	PreferredChannel string     `json:"preferred_channel,omitempty"`
	LoginCount       int64      `json:"login_count"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func toResponse(a *Account) accountResponse {
	return accountResponse{
		ID:               a.ID,
		Email:            a.Email,
		Role:             string(a.Role),
		IsActive:         a.IsActive,
		IsVerified:       a.IsVerified,
		PreferredChannel: a.PreferredChannel,
		LoginCount:       a.LoginCount,
		LastLoginAt:      a.LastLoginAt,
		CreatedAt:        a.CreatedAt,
	}
}

// authorize loads the target account and runs the capability check. It
// returns nil when the request must not proceed, having written the
// response already.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, action authz.Action) *Account {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return nil
	}
	target, err := h.service.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return nil
	}
	decision, err := h.evaluator.Evaluate(r.Context(),
		authz.Subject{ID: actor.ID, Role: actor.Role, Active: true},
		action,
		authz.Resource{AccountID: target.ID, Role: target.Role})
	if err != nil {
		h.logger.Error("authorization check failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return nil
	}
	if !decision.Allowed {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", string(decision.Reason))
		return nil
	}
	return target
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "a valid email and a password of at least 8 characters are required")
		return
	}
	account, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(account))
}

type provisionRequest struct {
	Email            string `json:"email" validate:"required,email"`
	Password         string `json:"password" validate:"required,min=8"`
	Role             string `json:"role" validate:"required,oneof=admin staff customer"`
	PreferredChannel string `json:"preferred_channel" validate:"omitempty,oneof=email phone chat"`
}

func (h *Handler) handleProvision(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req provisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "email, password and a known role are required")
		return
	}
	account, err := h.service.Provision(r.Context(), actor, ProvisionInput{
		Email:            req.Email,
		Password:         req.Password,
		Role:             shared.Role(req.Role),
		PreferredChannel: req.PreferredChannel,
	})
	if err != nil {
		if err == ErrRoleNotAllowed {
			httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(account))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	target := h.authorize(w, r, authz.ActionViewAccount)
	if target == nil {
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(target))
}

type changeRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=admin staff customer"`
}

func (h *Handler) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	target := h.authorize(w, r, authz.ActionChangeRole)
	if target == nil {
		return
	}
	var req changeRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role must be admin, staff or customer")
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	account, err := h.service.ChangeRole(r.Context(), actor.ID, target.ID, shared.Role(req.Role))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(account))
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	target := h.authorize(w, r, authz.ActionDeactivate)
	if target == nil {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	if err := h.service.Deactivate(r.Context(), actor.ID, target.ID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setPasswordRequest struct {
	Password string `json:"password" validate:"required,min=8"`
}

func (h *Handler) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	target := h.authorize(w, r, authz.ActionUpdateAccount)
	if target == nil {
		return
	}
	var req setPasswordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "password must be at least 8 characters")
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	if err := h.service.SetPassword(r.Context(), actor.ID, target.ID, req.Password); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type preferredChannelRequest struct {
	Channel string `json:"channel" validate:"required,oneof=email phone chat"`
}

func (h *Handler) handleSetPreferredChannel(w http.ResponseWriter, r *http.Request) {
	target := h.authorize(w, r, authz.ActionUpdateAccount)
	if target == nil {
		return
	}
	var req preferredChannelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "channel must be email, phone or chat")
		return
	}
	if err := h.service.SetPreferredChannel(r.Context(), target.ID, req.Channel); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
