package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlasaccounts/atlas/internal/platform/httpx"
	"github.com/atlasaccounts/atlas/internal/shared"
)

// Handler wires HTTP endpoints for the assignment ledger. All routes are
// admin-scoped at the router.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers assignment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/reassign", h.handleReassign)
	r.Get("/customers/{id}/current", h.handleCurrent)
	r.Get("/customers/{id}/history", h.handleHistory)
	r.Get("/staff/{id}/customers", h.handleCustomers)
	r.Get("/orphans", h.handleOrphans)
}

type assignmentResponse struct {
	ID           string     `json:"id"`
	CustomerID   string     `json:"customer_id"`
	StaffID      string     `json:"staff_id"`
	AssignedByID string     `json:"assigned_by_id"`
	CreatedAt    time.Time  `json:"created_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

func toAssignmentResponse(a *Assignment) assignmentResponse {
	return assignmentResponse{
		ID:           a.ID,
		CustomerID:   a.CustomerID,
		StaffID:      a.StaffID,
		AssignedByID: a.AssignedByID,
		CreatedAt:    a.CreatedAt,
		ClosedAt:     a.ClosedAt,
	}
}

type reassignRequest struct {
	CustomerID string `json:"customer_id" validate:"required,uuid"`
	StaffID    string `json:"staff_id" validate:"required,uuid"`
}

func (h *Handler) handleReassign(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req reassignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "customer_id and staff_id are required")
		return
	}
	assignment, err := h.service.Reassign(r.Context(), actor.ID, req.CustomerID, req.StaffID)
	if err != nil {
		if errors.Is(err, ErrNotStaff) || errors.Is(err, ErrNotCustomer) {
			httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAssignmentResponse(assignment))
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	assignment, err := h.service.Current(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAssignmentResponse(assignment))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]assignmentResponse, 0, len(history))
	for i := range history {
		out = append(out, toAssignmentResponse(&history[i]))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.service.Customers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"customer_ids": customers})
}

func (h *Handler) handleOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := h.service.Orphans(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows := make([]assignmentResponse, 0, len(orphans))
	for i := range orphans {
		rows = append(rows, toAssignmentResponse(&orphans[i]))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": rows})
}
