package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlasaccounts/atlas/internal/accounts"
	"github.com/atlasaccounts/atlas/internal/audit"
	"github.com/atlasaccounts/atlas/internal/authz"
	"github.com/atlasaccounts/atlas/internal/observability"
	"github.com/atlasaccounts/atlas/internal/session"
	"github.com/atlasaccounts/atlas/internal/shared"
	"github.com/atlasaccounts/atlas/internal/verification"
	"github.com/atlasaccounts/atlas/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger              *slog.Logger
	Config              *Config
	Verifier            TokenVerifier
	SessionHandler      *session.Handler
	AccountsHandler     *accounts.Handler
	VerificationHandler *verification.Handler
	AssignmentHandler   *authz.Handler
	AuditHandler        *audit.Handler
	JobHandler          *jobs.Handler
	Pool                *pgxpool.Pool
	Metrics             *observability.Metrics
}

// NewRouter constructs the chi.Router with platform defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if params.Pool != nil {
			if err := params.Pool.Ping(r.Context()); err != nil {
				params.Logger.Warn("readiness check failed", slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/auth", func(r chi.Router) {
		params.SessionHandler.MountRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(params.Verifier, params.Logger))
			params.SessionHandler.MountProtectedRoutes(r)
		})
	})

	params.AccountsHandler.MountPublicRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(params.Verifier, params.Logger))

		r.Route("/accounts", func(r chi.Router) {
			params.AccountsHandler.MountRoutes(r)
			r.Route("/{id}/verification", func(r chi.Router) {
				params.VerificationHandler.MountRoutes(r)
			})
		})

		r.Route("/audit", func(r chi.Router) {
			params.AuditHandler.MountSelfRoutes(r)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Route("/accounts", func(r chi.Router) {
				r.Use(RequireRole(shared.RoleStaff))
				params.AccountsHandler.MountProvisioningRoutes(r)
			})
			r.Group(func(r chi.Router) {
				r.Use(RequireRole(shared.RoleAdmin))
				r.Route("/assignments", params.AssignmentHandler.MountRoutes)
				r.Route("/audit", params.AuditHandler.MountRoutes)
				if params.JobHandler != nil {
					r.Route("/jobs", params.JobHandler.MountRoutes)
				}
			})
		})
	})

	return r
}
