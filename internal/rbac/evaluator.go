package rbac

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ontour.app/internal/auth"
	"ontour.app/internal/obs"
)

// Outcome classifies a Decision.
type Outcome int

const (
	// Allowed lets the request continue.
	Allowed Outcome = iota
	// Unauthenticated means no tenant context was available to evaluate.
	Unauthenticated
	// DeniedPermission means required permission codes are missing.
	DeniedPermission
	// DeniedRole means the caller's role is not among the accepted roles.
	DeniedRole
	// Errored means the role table could not be consulted. Callers must treat it as a denial.
	Errored
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Unauthenticated:
		return "unauthenticated"
	case DeniedPermission:
		return "denied_permission"
	case DeniedRole:
		return "denied_role"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Decision is the result of a permission check. Required lists exactly what the caller asked
// for, never the caller's full permission set.
type Decision struct {
	Outcome  Outcome
	Required []string
	Err      error
}

// Allowed reports whether the request may continue.
func (d Decision) Allowed() bool { return d.Outcome == Allowed }

const defaultLookupTimeout = 2 * time.Second

// Evaluator decides whether a tenant context satisfies permission requirements.
type Evaluator struct {
	table   RoleTable
	timeout time.Duration
}

// EvaluatorOption configures Evaluator behavior.
type EvaluatorOption func(*Evaluator)

// WithLookupTimeout bounds a role table lookup.
func WithLookupTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewEvaluator returns an Evaluator backed by table.
func NewEvaluator(table RoleTable, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{table: table, timeout: defaultLookupTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RequireAll allows only when every code is granted.
func (e *Evaluator) RequireAll(ctx context.Context, tc *auth.TenantContext, codes ...string) Decision {
	return e.evaluate(ctx, tc, dedupe(codes), true)
}

// RequireAny allows when at least one code is granted.
func (e *Evaluator) RequireAny(ctx context.Context, tc *auth.TenantContext, codes ...string) Decision {
	return e.evaluate(ctx, tc, dedupe(codes), false)
}

// RequireOne is RequireAny with a single code.
func (e *Evaluator) RequireOne(ctx context.Context, tc *auth.TenantContext, code string) Decision {
	return e.RequireAny(ctx, tc, code)
}

// RequireRole allows when the caller's role is one of roles.
func (e *Evaluator) RequireRole(_ context.Context, tc *auth.TenantContext, roles ...string) Decision {
	if tc == nil {
		return Decision{Outcome: Unauthenticated}
	}
	if tc.IsSuperAdmin() {
		obs.ObserveSuperAdminBypass("authorize")
		return Decision{Outcome: Allowed}
	}
	if len(roles) == 0 {
		return Decision{Outcome: Allowed}
	}
	for _, r := range roles {
		if normalizeRole(r) == tc.Role() {
			return Decision{Outcome: Allowed}
		}
	}
	return Decision{Outcome: DeniedRole}
}

func (e *Evaluator) evaluate(ctx context.Context, tc *auth.TenantContext, codes []string, all bool) Decision {
	if tc == nil {
		return Decision{Outcome: Unauthenticated, Required: codes}
	}
	if tc.IsSuperAdmin() {
		obs.ObserveSuperAdminBypass("authorize")
		return Decision{Outcome: Allowed}
	}
	if len(codes) == 0 {
		return Decision{Outcome: Allowed}
	}

	// Token-granted codes short-circuit the table lookup.
	var pending []string
	for _, c := range codes {
		if tc.HasPermission(c) {
			if !all {
				return Decision{Outcome: Allowed}
			}
			continue
		}
		pending = append(pending, c)
	}
	if len(pending) == 0 {
		return Decision{Outcome: Allowed}
	}

	granted, err := e.lookup(ctx, tc.Role())
	if err != nil {
		return Decision{Outcome: Errored, Required: codes, Err: err}
	}
	matched := 0
	for _, c := range pending {
		if _, ok := granted[c]; ok {
			matched++
		}
	}
	switch {
	case all && matched == len(pending):
		return Decision{Outcome: Allowed}
	case !all && matched > 0:
		return Decision{Outcome: Allowed}
	default:
		return Decision{Outcome: DeniedPermission, Required: codes}
	}
}

func (e *Evaluator) lookup(ctx context.Context, role string) (map[string]struct{}, error) {
	if e == nil || e.table == nil {
		return nil, fmt.Errorf("rbac: role table is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	perms, err := e.table.PermissionsForRole(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("rbac: resolve role %q: %w", role, err)
	}
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set, nil
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
