package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"ontour.app/internal/obs"
)

const adminKeyHeader = "X-Admin-Key"

// RateResetter clears an organization's rate-limit window.
type RateResetter interface {
	Reset(ctx context.Context, organizationID string) error
}

// Admin is the internal tooling surface. It listens on a separate address and is never
// mounted on the public mux.
type Admin struct {
	mux      *http.ServeMux
	resetter RateResetter
	key      []byte
}

// NewAdmin returns the admin surface guarded by key.
func NewAdmin(resetter RateResetter, key string) (*Admin, error) {
	if resetter == nil {
		return nil, errors.New("httpapi: rate resetter is required")
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("httpapi: admin key is required")
	}
	a := &Admin{mux: http.NewServeMux(), resetter: resetter, key: []byte(key)}
	a.mux.Handle("GET /metrics", obs.Handler())
	a.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	a.mux.Handle("POST /internal/ratelimit/{orgID}/reset", a.requireKey(http.HandlerFunc(a.resetRateLimit)))
	return a, nil
}

func (a *Admin) Handler() http.Handler {
	return obs.Instrument(RequestID(LoggingJSON(a.mux)))
}

func (a *Admin) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(adminKeyHeader))
		if len(got) == 0 || subtle.ConstantTimeCompare(got, a.key) != 1 {
			obs.Warn("admin.unauthorized", map[string]any{
				"path":       r.URL.Path,
				"remote_ip":  clientIP(r),
				"request_id": requestIDFrom(r.Context()),
			})
			respondError(w, r, http.StatusUnauthorized, "AUTH_REQUIRED", "admin key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Admin) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	org := strings.TrimSpace(r.PathValue("orgID"))
	if org == "" {
		respondError(w, r, http.StatusBadRequest, "INVALID_INPUT", "organization id is required")
		return
	}
	if err := a.resetter.Reset(r.Context(), org); err != nil {
		obs.Error("admin.ratelimit_reset_failed", map[string]any{
			"organization_id": org,
			"error":           err.Error(),
			"request_id":      requestIDFrom(r.Context()),
		})
		respondError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"organization_id": org,
		"reset":           true,
	})
}
