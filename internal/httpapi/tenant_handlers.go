package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"ontour.app/internal/audit"
	"ontour.app/internal/auth"
	"ontour.app/internal/ids"
	"ontour.app/internal/obs"
	"ontour.app/internal/pipeline"
)

const eventMemberRemoved = "member.removed"

// Business data lives in downstream services; these handlers answer with what the pipeline
// established so the tenancy guarantees are observable end to end.

type tenantView struct {
	UserID         string   `json:"user_id"`
	OrganizationID *string  `json:"organization_id"`
	Role           string   `json:"role"`
	Permissions    []string `json:"permissions"`
	SuperAdmin     bool     `json:"superadmin"`
}

func viewOf(tc auth.TenantContext) tenantView {
	v := tenantView{
		UserID:      tc.UserID(),
		Role:        tc.Role(),
		Permissions: tc.Permissions(),
		SuperAdmin:  tc.IsSuperAdmin(),
	}
	if org, ok := tc.OrganizationID(); ok {
		v.OrganizationID = &org
	}
	return v
}

// tenantOrg returns the organization every tenant-scoped response is bound to.
func tenantOrg(r *http.Request) (auth.TenantContext, string) {
	tc, _ := auth.TenantFromContext(r.Context())
	org, _ := tc.OrganizationID()
	return tc, org
}

func (a *API) publicTour(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.PathValue("slug"))
	resp := map[string]any{
		"slug":   slug,
		"viewer": nil,
	}
	if tc, ok := auth.TenantFromContext(r.Context()); ok {
		resp["viewer"] = tc.UserID()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	tc, _ := auth.TenantFromContext(r.Context())
	writeJSON(w, http.StatusOK, viewOf(tc))
}

func (a *API) listShows(w http.ResponseWriter, r *http.Request) {
	_, org := tenantOrg(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"organization_id": org,
		"shows":           []any{},
	})
}

type createShowRequest struct {
	Title string    `json:"title"`
	Venue string    `json:"venue"`
	Date  time.Time `json:"date"`
}

func (a *API) createShow(w http.ResponseWriter, r *http.Request) {
	var req createShowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		respondError(w, r, http.StatusBadRequest, "INVALID_INPUT", "title is required")
		return
	}
	_, org := tenantOrg(r)
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":              ids.New(),
		"organization_id": org,
		"title":           req.Title,
		"venue":           req.Venue,
		"date":            req.Date,
	})
}

func (a *API) financeSummary(w http.ResponseWriter, r *http.Request) {
	_, org := tenantOrg(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"organization_id": org,
		"currency":        "EUR",
		"income":          0,
		"expenses":        0,
	})
}

func (a *API) createBooking(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if !decodeJSON(w, r, &req) {
		return
	}
	_, org := tenantOrg(r)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":              ids.New(),
		"organization_id": org,
		"status":          "pending",
	})
}

func (a *API) calendarSync(w http.ResponseWriter, r *http.Request) {
	_, org := tenantOrg(r)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"organization_id": org,
		"status":          "queued",
	})
}

func (a *API) adminOrganizations(w http.ResponseWriter, r *http.Request) {
	if a.orgs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"organizations": []any{}})
		return
	}
	orgs, err := a.orgs.ListOrganizations(r.Context())
	if err != nil {
		obs.Error("admin.list_organizations_failed", map[string]any{
			"error":      err.Error(),
			"request_id": requestIDFrom(r.Context()),
		})
		respondError(w, r, http.StatusInternalServerError, pipeline.CodeInternal, "internal error")
		return
	}
	if orgs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"organizations": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"organizations": orgs})
}

func (a *API) removeMember(w http.ResponseWriter, r *http.Request) {
	memberID := strings.TrimSpace(r.PathValue("id"))
	if memberID == "" {
		respondError(w, r, http.StatusBadRequest, "INVALID_INPUT", "member id is required")
		return
	}
	tc, org := tenantOrg(r)
	a.audit.Record(r.Context(), audit.Event{
		Kind:           eventMemberRemoved,
		UserID:         tc.UserID(),
		OrganizationID: org,
		Detail:         map[string]any{"member_id": memberID},
	})
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, r, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
			return false
		}
		respondError(w, r, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body")
		return false
	}
	return true
}
