package verification

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlasaccounts/atlas/internal/authz"
	"github.com/atlasaccounts/atlas/internal/platform/httpx"
	"github.com/atlasaccounts/atlas/internal/shared"
)

// Handler wires HTTP endpoints for channel verification.
type Handler struct {
	logger    *slog.Logger
	engine    *Engine
	evaluator *authz.Evaluator
	directory authz.Directory
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, engine *Engine, evaluator *authz.Evaluator, directory authz.Directory) *Handler {
	return &Handler{
		logger:    logger,
		engine:    engine,
		evaluator: evaluator,
		directory: directory,
		validator: validator.New(),
	}
}

// MountRoutes registers verification routes, rooted under an account.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/channels", h.handleListChannels)
	r.Post("/channels", h.handleAddChannel)
	r.Delete("/channels/{channel}", h.handleRemoveChannel)
	r.Post("/channels/{channel}/request", h.handleRequestToken)
	r.Post("/channels/{channel}/confirm", h.handleConfirmToken)
	r.Get("/messages", h.handleListMessages)
}

// authorize checks that the actor may manage the target account's
// channels. It returns the empty string when the request must not
// proceed, having written the response already.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) string {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return ""
	}
	target, err := h.directory.Participant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return ""
	}
	decision, err := h.evaluator.Evaluate(r.Context(),
		authz.Subject{ID: actor.ID, Role: actor.Role, Active: true},
		authz.ActionManageChannels,
		authz.Resource{AccountID: target.ID, Role: target.Role})
	if err != nil {
		h.logger.Error("authorization check failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return ""
	}
	if !decision.Allowed {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", string(decision.Reason))
		return ""
	}
	return target.ID
}

func pathChannel(w http.ResponseWriter, r *http.Request) (Channel, bool) {
	channel := Channel(chi.URLParam(r, "channel"))
	if !channel.Valid() {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "channel must be email, phone or chat")
		return "", false
	}
	return channel, true
}

type methodResponse struct {
	Channel    string     `json:"channel"`
	Identifier string     `json:"identifier"`
	IsVerified bool       `json:"is_verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

func (h *Handler) handleListChannels(w http.ResponseWriter, r *http.Request) {
	accountID := h.authorize(w, r)
	if accountID == "" {
		return
	}
	methods, err := h.engine.Channels(r.Context(), accountID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]methodResponse, 0, len(methods))
	for _, m := range methods {
		out = append(out, methodResponse{
			Channel:    string(m.Channel),
			Identifier: m.Identifier,
			IsVerified: m.IsVerified,
			VerifiedAt: m.VerifiedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

type addChannelRequest struct {
	Channel    string `json:"channel" validate:"required,oneof=email phone chat"`
	Identifier string `json:"identifier" validate:"required"`
}

func (h *Handler) handleAddChannel(w http.ResponseWriter, r *http.Request) {
	accountID := h.authorize(w, r)
	if accountID == "" {
		return
	}
	var req addChannelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "channel and identifier are required")
		return
	}
	method, err := h.engine.AddChannel(r.Context(), accountID, Channel(req.Channel), req.Identifier)
	if err != nil {
		if errors.Is(err, ErrChannelExists) {
			httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, methodResponse{
		Channel:    string(method.Channel),
		Identifier: method.Identifier,
	})
}

func (h *Handler) handleRemoveChannel(w http.ResponseWriter, r *http.Request) {
	accountID := h.authorize(w, r)
	if accountID == "" {
		return
	}
	channel, ok := pathChannel(w, r)
	if !ok {
		return
	}
	if err := h.engine.RemoveChannel(r.Context(), accountID, channel); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRequestToken(w http.ResponseWriter, r *http.Request) {
	accountID := h.authorize(w, r)
	if accountID == "" {
		return
	}
	channel, ok := pathChannel(w, r)
	if !ok {
		return
	}
	issue, err := h.engine.RequestToken(r.Context(), accountID, channel)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{
		"channel":    string(issue.Channel),
		"expires_at": issue.ExpiresAt,
	})
}

type confirmRequest struct {
	Token string `json:"token" validate:"required"`
}

func (h *Handler) handleConfirmToken(w http.ResponseWriter, r *http.Request) {
	accountID := h.authorize(w, r)
	if accountID == "" {
		return
	}
	channel, ok := pathChannel(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "token is required")
		return
	}
	if err := h.engine.ConfirmToken(r.Context(), accountID, channel, req.Token); err != nil {
		switch {
		case errors.Is(err, ErrTokenNotFound):
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "no pending verification token")
		case errors.Is(err, ErrTokenExpired):
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "verification token expired")
		case errors.Is(err, ErrTokenMismatch):
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "verification token mismatch")
		default:
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"channel": string(channel), "verified": true})
}

type messageResponse struct {
	Channel     string    `json:"channel"`
	Recipient   string    `json:"recipient"`
	MessageType string    `json:"message_type"`
	Status      string    `json:"status"`
	Provider    string    `json:"provider,omitempty"`
	ProviderRef string    `json:"provider_ref,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	accountID := h.authorize(w, r)
	if accountID == "" {
		return
	}
	records, err := h.engine.Messages(r.Context(), accountID, 20)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]messageResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, messageResponse{
			Channel:     string(rec.Channel),
			Recipient:   rec.Recipient,
			MessageType: rec.MessageType,
			Status:      rec.Status,
			Provider:    rec.Provider,
			ProviderRef: rec.ProviderRef,
			ErrorDetail: rec.ErrorDetail,
			CreatedAt:   rec.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}
