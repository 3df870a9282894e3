package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"ontour.app/internal/audit"
	"ontour.app/internal/auth"
	"ontour.app/internal/obs"
	"ontour.app/internal/pipeline"
	"ontour.app/internal/store/pg"
)

const serviceName = "ontour-api"

// ReadyCheck checks the database and any extra named dependencies.
type ReadyCheck struct {
	DB     *sql.DB
	Checks map[string]func(context.Context) error
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	names := make([]string, 0, len(rp.Checks))
	for name := range rp.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := rp.Checks[name](ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// OrganizationLister feeds the superadmin organization listing.
type OrganizationLister interface {
	ListOrganizations(ctx context.Context) ([]pg.Organization, error)
}

// Options wires the public API.
type Options struct {
	Version       string
	Ready         readinessChecker
	Composer      *pipeline.Composer
	Organizations OrganizationLister
	// Audit receives events raised by handlers; defaults to the JSON log sink.
	Audit audit.Sink

	IPRateBurst  int
	IPRatePerSec float64
	MaxBodyBytes int64
}

// API is the public HTTP surface.
type API struct {
	mux        *http.ServeMux
	readiness  readinessChecker
	version    string
	composer   *pipeline.Composer
	orgs       OrganizationLister
	audit      audit.Sink

	rateBurst    int
	ratePerSec   float64
	maxBodyBytes int64
}

// New registers every public route. Business routes run behind the tenancy pipeline.
func New(opts Options) (*API, error) {
	if opts.Composer == nil {
		return nil, errors.New("httpapi: pipeline composer is required")
	}
	a := &API{
		mux:          http.NewServeMux(),
		readiness:    opts.Ready,
		version:      opts.Version,
		composer:     opts.Composer,
		orgs:         opts.Organizations,
		audit:        opts.Audit,
		rateBurst:    opts.IPRateBurst,
		ratePerSec:   opts.IPRatePerSec,
		maxBodyBytes: opts.MaxBodyBytes,
	}
	if a.readiness == nil {
		a.readiness = ReadyCheck{}
	}
	if a.audit == nil {
		a.audit = audit.LogSink{}
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 100
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 50
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	guarded := []struct {
		pattern string
		route   pipeline.Route
		handler http.HandlerFunc
	}{
		{"GET /v1/public/tours/{slug}", RoutePublicTour, a.publicTour},
		{"GET /v1/me", RouteMe, a.me},
		{"GET /v1/shows", RouteListShows, a.listShows},
		{"POST /v1/shows", RouteCreateShow, a.createShow},
		{"GET /v1/finance/summary", RouteFinanceSummary, a.financeSummary},
		{"POST /v1/travel/bookings", RouteTravelBooking, a.createBooking},
		{"POST /v1/calendar/sync", RouteCalendarSync, a.calendarSync},
		{"GET /v1/admin/organizations", RouteAdminOrganizations, a.adminOrganizations},
		{"DELETE /v1/members/{id}", RouteRemoveMember, a.removeMember},
	}
	for _, g := range guarded {
		if err := g.route.Validate(); err != nil {
			return nil, err
		}
		a.mux.Handle(g.pattern, a.guard(g.route, g.handler))
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	return a, nil
}

// Handler returns the mux wrapped in the ambient middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// guard runs the pipeline and only calls next when the request is allowed.
func (a *API) guard(route pipeline.Route, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := a.composer.Evaluate(r.Context(), pipeline.Request{
			AuthHeader: r.Header.Get("Authorization"),
			Route:      route,
		})
		if res.Outcome != pipeline.Allowed {
			writeRejection(w, r, res.Rejection)
			return
		}
		writeQuota(w, res.Quota)
		ctx := r.Context()
		if res.Tenant != nil {
			ctx = auth.ContextWithTenant(ctx, *res.Tenant)
		}
		next(w, r.WithContext(ctx))
	})
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readiness.Check(ctx); err != nil {
		obs.Warn("readiness.failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
