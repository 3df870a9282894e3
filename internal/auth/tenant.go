package auth

import (
	"context"
	"sort"
	"strings"

	"ontour.app/internal/audit"
	"ontour.app/internal/obs"
)

// EventSuperAdminContext is recorded whenever a cross-tenant context is constructed.
const EventSuperAdminContext = "tenant.superadmin_context"

// TenantContext carries the identity and authorization facts of one request. It is built once
// from verified claims and is read-only afterwards.
type TenantContext struct {
	userID         string
	organizationID string
	hasOrg         bool
	role           string
	permissions    map[string]struct{}
	superAdmin     bool
}

func (t TenantContext) UserID() string { return t.userID }

// OrganizationID returns the tenant id. It reports false for superadmin contexts.
func (t TenantContext) OrganizationID() (string, bool) {
	return t.organizationID, t.hasOrg
}

func (t TenantContext) Role() string { return t.role }

func (t TenantContext) IsSuperAdmin() bool { return t.superAdmin }

// HasPermission reports whether code was granted directly by the token.
func (t TenantContext) HasPermission(code string) bool {
	_, ok := t.permissions[code]
	return ok
}

// Permissions returns the token-granted permission codes in sorted order.
func (t TenantContext) Permissions() []string {
	out := make([]string, 0, len(t.permissions))
	for p := range t.permissions {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Builder turns verified claims into a TenantContext.
type Builder struct {
	sink audit.Sink
}

// NewBuilder returns a Builder that reports superadmin contexts to sink. sink may be nil.
func NewBuilder(sink audit.Sink) *Builder {
	return &Builder{sink: sink}
}

// Build derives the tenant context from claims. Tenant identity comes only from the verified
// token; a tenant token without an organization fails with ErrNoOrganization.
func (b *Builder) Build(ctx context.Context, claims *Claims) (TenantContext, error) {
	if claims == nil {
		return TenantContext{}, ErrMalformed
	}
	tc := TenantContext{
		userID:      claims.UserID,
		role:        strings.ToLower(strings.TrimSpace(claims.Role)),
		permissions: permissionSet(claims.Permissions),
	}

	if claims.IsSuperAdmin() {
		tc.superAdmin = true
		b.recordSuperAdmin(ctx, tc, claims)
		return tc, nil
	}

	if claims.OrganizationID == nil || strings.TrimSpace(*claims.OrganizationID) == "" {
		return TenantContext{}, ErrNoOrganization
	}
	tc.organizationID = strings.TrimSpace(*claims.OrganizationID)
	tc.hasOrg = true
	return tc, nil
}

func (b *Builder) recordSuperAdmin(ctx context.Context, tc TenantContext, claims *Claims) {
	detail := map[string]any{
		"role":     tc.role,
		"token_id": claims.ID,
	}
	if claims.OrganizationID != nil {
		detail["ignored_organization_id"] = *claims.OrganizationID
	}
	obs.Warn(EventSuperAdminContext, map[string]any{
		"user_id":    tc.userID,
		"request_id": audit.RequestIDFromContext(ctx),
	})
	if b == nil || b.sink == nil {
		return
	}
	b.sink.Record(ctx, audit.Event{
		Kind:   EventSuperAdminContext,
		UserID: tc.userID,
		Detail: detail,
	})
}

func permissionSet(codes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		set[c] = struct{}{}
	}
	return set
}
