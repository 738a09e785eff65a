// Package httpapi exposes the organization service over HTTP and the standard
// gRPC health protocol.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/defiant4/organization-management-service/internal/access"
	"github.com/defiant4/organization-management-service/internal/account"
	"github.com/defiant4/organization-management-service/internal/audit"
	"github.com/defiant4/organization-management-service/internal/obs"
	"github.com/defiant4/organization-management-service/internal/org"
	"github.com/defiant4/organization-management-service/internal/ratelimit"
	"github.com/defiant4/organization-management-service/internal/stream"
)

const serviceName = "organization-management-service"

// Pinger is satisfied by the Postgres store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the database when one is configured.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rp.DB.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps holds the services the HTTP layer drives.
type Deps struct {
	Access   *access.Facade
	Accounts *account.Service
	Orgs     *org.Hierarchy
	Events   *stream.Broker
	Audit    *audit.Logger
	Ready    readinessChecker
	// IPLimiter throttles requests per client IP. Nil disables it.
	IPLimiter    *ratelimit.Keyed
	MaxBodyBytes int64
	Version      string
	Logger       *slog.Logger
}

// API is the HTTP layer.
type API struct {
	deps      Deps
	logger    *slog.Logger
	keepAlive time.Duration
}

func New(deps Deps) *API {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = audit.New(deps.Logger, nil)
	}
	if deps.Ready == nil {
		deps.Ready = ReadyProbe{}
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}
	return &API{deps: deps, logger: deps.Logger, keepAlive: 15 * time.Second}
}

// Handler builds the chi router with all routes and middleware.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(RequestID)
	r.Use(Logging(a.logger))
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	if a.deps.IPLimiter != nil {
		r.Use(RateLimit(a.deps.IPLimiter))
	}

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(v chi.Router) {
		v.Use(MaxBodyBytes(a.deps.MaxBodyBytes))

		v.Post("/auth/register", a.register)
		v.Post("/auth/login", a.login)
		v.Post("/onboard", a.onboard)

		v.Group(func(p chi.Router) {
			p.Use(requireBearer)

			p.Post("/auth/logout", a.logout)
			p.Post("/auth/password", a.changePassword)

			p.Post("/organizations", a.createOrganization)
			p.Get("/organizations", a.listOrganizations)
			p.Route("/organizations/{orgID}", func(o chi.Router) {
				o.Get("/", a.getOrganization)
				o.Get("/ancestors", a.ancestors)
				o.Get("/children", a.children)
				o.Get("/me", a.me)
				o.Get("/events", a.events)
				o.Post("/move", a.moveOrganization)
				o.Post("/archive", a.archiveOrganization)
				o.Post("/unarchive", a.unarchiveOrganization)
				o.Get("/members", a.listMembers)
				o.Put("/members/{userID}", a.putMember)
				o.Delete("/members/{userID}", a.deleteMember)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		a.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "not_ready", "dependencies unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
