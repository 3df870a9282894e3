package rbac

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"ontour.app/internal/auth"
	"ontour.app/internal/obs"
)

func tenant(t *testing.T, role string, perms ...string) *auth.TenantContext {
	t.Helper()
	org := "org_1"
	tc, err := auth.NewBuilder(nil).Build(context.Background(), &auth.Claims{
		UserID:         "user-1",
		OrganizationID: &org,
		Role:           role,
		Permissions:    perms,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return &tc
}

func superAdmin(t *testing.T) *auth.TenantContext {
	t.Helper()
	l := obs.Logger()
	orig := l.Writer()
	l.SetOutput(&bytes.Buffer{})
	defer l.SetOutput(orig)
	tc, err := auth.NewBuilder(nil).Build(context.Background(), &auth.Claims{
		UserID: "root",
		Role:   "viewer",
		Scope:  auth.ScopeSuperAdmin,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return &tc
}

func TestEvaluatorModes(t *testing.T) {
	eval := NewEvaluator(DefaultTable())
	ctx := context.Background()
	member := tenant(t, "member")

	cases := []struct {
		name string
		got  Decision
		want Outcome
	}{
		{"all granted", eval.RequireAll(ctx, member, "shows.write"), Allowed},
		{"all with one missing", eval.RequireAll(ctx, member, "shows.write", "finance.read"), DeniedPermission},
		{"any with one granted", eval.RequireAny(ctx, member, "finance.read", "shows.write"), Allowed},
		{"any with none granted", eval.RequireAny(ctx, member, "finance.read", "members.manage"), DeniedPermission},
		{"one granted", eval.RequireOne(ctx, member, "calendar.sync"), Allowed},
		{"one missing", eval.RequireOne(ctx, member, "organization.manage"), DeniedPermission},
		{"nothing required", eval.RequireAll(ctx, member), Allowed},
		{"viewer cannot write", eval.RequireAll(ctx, tenant(t, "viewer"), "shows.write"), DeniedPermission},
	}
	for _, tc := range cases {
		if tc.got.Outcome != tc.want {
			t.Fatalf("%s: outcome %v, want %v", tc.name, tc.got.Outcome, tc.want)
		}
		if tc.got.Allowed() != (tc.want == Allowed) {
			t.Fatalf("%s: Allowed() inconsistent", tc.name)
		}
	}
}

func TestEvaluatorDenialListsRequestedCodes(t *testing.T) {
	eval := NewEvaluator(DefaultTable())
	d := eval.RequireAll(context.Background(), tenant(t, "member"), "shows.write", "finance.read", "finance.read")
	if d.Outcome != DeniedPermission {
		t.Fatalf("expected denial, got %v", d.Outcome)
	}
	if !slices.Equal(d.Required, []string{"shows.write", "finance.read"}) {
		t.Fatalf("unexpected required list: %v", d.Required)
	}
}

func TestEvaluatorSuperAdminBypass(t *testing.T) {
	eval := NewEvaluator(&countingTable{err: errors.New("must not be called")})
	sa := superAdmin(t)
	ctx := context.Background()
	for _, d := range []Decision{
		eval.RequireAll(ctx, sa, "organization.manage", "finance.write"),
		eval.RequireAny(ctx, sa, "members.manage"),
		eval.RequireOne(ctx, sa, "anything.at.all"),
		eval.RequireRole(ctx, sa, "owner"),
	} {
		if !d.Allowed() {
			t.Fatalf("superadmin denied: %+v", d)
		}
	}
}

func TestEvaluatorWithoutContext(t *testing.T) {
	eval := NewEvaluator(DefaultTable())
	if d := eval.RequireAll(context.Background(), nil, "shows.read"); d.Outcome != Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", d.Outcome)
	}
	if d := eval.RequireRole(context.Background(), nil, "owner"); d.Outcome != Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", d.Outcome)
	}
}

func TestEvaluatorTokenPermissionsShortCircuit(t *testing.T) {
	src := &countingTable{err: errors.New("unavailable")}
	eval := NewEvaluator(src)
	tc := tenant(t, "viewer", "finance.read")

	if d := eval.RequireOne(context.Background(), tc, "finance.read"); !d.Allowed() {
		t.Fatalf("token permission should allow: %+v", d)
	}
	if n := src.calls.Load(); n != 0 {
		t.Fatalf("expected no table lookup, got %d", n)
	}
	if d := eval.RequireAll(context.Background(), tc, "finance.read", "finance.write"); d.Outcome != Errored {
		t.Fatalf("expected Errored when the table fails, got %v", d.Outcome)
	}
}

func TestEvaluatorFailsClosedOnLookupTimeout(t *testing.T) {
	eval := NewEvaluator(&countingTable{delay: time.Second}, WithLookupTimeout(10*time.Millisecond))
	d := eval.RequireAll(context.Background(), tenant(t, "member"), "shows.write")
	if d.Outcome != Errored || d.Allowed() {
		t.Fatalf("expected fail-closed decision, got %+v", d)
	}
	if !errors.Is(d.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", d.Err)
	}
}

func TestEvaluatorRequireRole(t *testing.T) {
	eval := NewEvaluator(DefaultTable())
	ctx := context.Background()
	if d := eval.RequireRole(ctx, tenant(t, "Admin"), "owner", "admin"); !d.Allowed() {
		t.Fatalf("admin should pass owner|admin gate: %+v", d)
	}
	if d := eval.RequireRole(ctx, tenant(t, "member"), "owner", "admin"); d.Outcome != DeniedRole {
		t.Fatalf("expected DeniedRole, got %v", d.Outcome)
	}
}
