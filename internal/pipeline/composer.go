// Package pipeline runs authentication, authorization and organization throttling in a fixed
// order in front of business handlers.
package pipeline

import (
	"context"
	"errors"
	"time"

	"ontour.app/internal/audit"
	"ontour.app/internal/auth"
	"ontour.app/internal/obs"
	"ontour.app/internal/ratelimit"
	"ontour.app/internal/rbac"
)

// Outcome classifies a Result.
type Outcome int

const (
	// Allowed means the handler may run.
	Allowed Outcome = iota
	// Rejected means an expected condition stopped the request.
	Rejected
	// Failed means a collaborator broke; the caller must answer 500 and never run the handler.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Quota describes the organization budget after an allowed, counted request.
type Quota struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	Tier      string
}

// Request is the transport-independent input of Evaluate.
type Request struct {
	// AuthHeader is the raw Authorization value, possibly empty.
	AuthHeader string
	Route      Route
}

// Result is the pipeline answer. Tenant is nil on public routes without a usable token.
type Result struct {
	Outcome   Outcome
	Tenant    *auth.TenantContext
	Rejection *Rejection
	Quota     *Quota
	Err       error
}

// Verifier checks a raw bearer token.
type Verifier interface {
	Verify(raw string) (*auth.Claims, error)
}

// ContextBuilder turns verified claims into a tenant context.
type ContextBuilder interface {
	Build(ctx context.Context, claims *auth.Claims) (auth.TenantContext, error)
}

// Limiter counts requests per organization.
type Limiter interface {
	Allow(ctx context.Context, tc *auth.TenantContext) (ratelimit.Decision, error)
}

// Composer wires the stages together.
type Composer struct {
	verifier  Verifier
	builder   ContextBuilder
	evaluator *rbac.Evaluator
	limiter   Limiter
}

// NewComposer returns a Composer. limiter may be nil, in which case no route is throttled.
func NewComposer(verifier Verifier, builder ContextBuilder, evaluator *rbac.Evaluator, limiter Limiter) (*Composer, error) {
	switch {
	case verifier == nil:
		return nil, errors.New("pipeline: verifier is required")
	case builder == nil:
		return nil, errors.New("pipeline: context builder is required")
	case evaluator == nil:
		return nil, errors.New("pipeline: evaluator is required")
	}
	return &Composer{verifier: verifier, builder: builder, evaluator: evaluator, limiter: limiter}, nil
}

// Evaluate runs authenticate, authorize and throttle in that order and stops at the first
// rejection.
func (c *Composer) Evaluate(ctx context.Context, req Request) Result {
	if err := req.Route.Validate(); err != nil {
		return c.fail(ctx, req.Route, nil, StageAuthorize, err)
	}
	tc, rej := c.authenticate(ctx, req)
	if rej != nil {
		if req.Route.Public {
			obs.Info("pipeline.public_without_context", map[string]any{
				"route":      req.Route.Name,
				"code":       rej.Code,
				"request_id": audit.RequestIDFromContext(ctx),
			})
			return Result{Outcome: Allowed}
		}
		return c.reject(ctx, req.Route, tc, rej)
	}
	if req.Route.Public {
		return Result{Outcome: Allowed, Tenant: tc}
	}

	if res, stop := c.authorize(ctx, req.Route, tc); stop {
		return res
	}

	if !req.Route.RateLimited || c.limiter == nil {
		return Result{Outcome: Allowed, Tenant: tc}
	}
	d, err := c.limiter.Allow(ctx, tc)
	if err != nil {
		return c.fail(ctx, req.Route, tc, StageThrottle, err)
	}
	if !d.Allowed {
		return c.reject(ctx, req.Route, tc, rateLimited(d.RetryAfter, d.Limit, d.Window))
	}
	res := Result{Outcome: Allowed, Tenant: tc}
	if d.Bypass == ratelimit.BypassNone {
		res.Quota = &Quota{Limit: d.Limit, Remaining: d.Remaining, ResetAt: d.ResetAt, Tier: d.Tier}
	}
	return res
}

func (c *Composer) authenticate(ctx context.Context, req Request) (*auth.TenantContext, *Rejection) {
	raw, ok := auth.ExtractToken(req.AuthHeader)
	if !ok {
		return nil, authRequired()
	}
	claims, err := c.verifier.Verify(raw)
	switch {
	case errors.Is(err, auth.ErrExpired):
		return nil, tokenExpired()
	case err != nil:
		return nil, invalidToken()
	}
	tc, err := c.builder.Build(ctx, claims)
	switch {
	case errors.Is(err, auth.ErrNoOrganization):
		return nil, noOrganization()
	case err != nil:
		return nil, invalidToken()
	}
	return &tc, nil
}

func (c *Composer) authorize(ctx context.Context, route Route, tc *auth.TenantContext) (Result, bool) {
	if route.SuperAdminOnly && !tc.IsSuperAdmin() {
		return c.reject(ctx, route, tc, forbidden("superadmin access required")), true
	}
	if len(route.Roles) > 0 {
		d := c.evaluator.RequireRole(ctx, tc, route.Roles...)
		if res, stop := c.fromDecision(ctx, route, tc, d); stop {
			return res, true
		}
	}
	if len(route.Permissions) == 0 {
		return Result{}, false
	}

	var d rbac.Decision
	switch route.Mode {
	case Any:
		d = c.evaluator.RequireAny(ctx, tc, route.Permissions...)
	case One:
		d = c.evaluator.RequireOne(ctx, tc, route.Permissions[0])
	default:
		d = c.evaluator.RequireAll(ctx, tc, route.Permissions...)
	}
	return c.fromDecision(ctx, route, tc, d)
}

func (c *Composer) fromDecision(ctx context.Context, route Route, tc *auth.TenantContext, d rbac.Decision) (Result, bool) {
	switch d.Outcome {
	case rbac.Allowed:
		return Result{}, false
	case rbac.Unauthenticated:
		return c.reject(ctx, route, tc, authRequired()), true
	case rbac.DeniedPermission:
		return c.reject(ctx, route, tc, permissionDenied(d.Required)), true
	case rbac.DeniedRole:
		return c.reject(ctx, route, tc, forbidden("role not permitted for this operation")), true
	default:
		err := d.Err
		if err == nil {
			err = errors.New("pipeline: unclassified authorization outcome")
		}
		return c.fail(ctx, route, tc, StageAuthorize, err), true
	}
}

func (c *Composer) reject(ctx context.Context, route Route, tc *auth.TenantContext, rej *Rejection) Result {
	obs.ObserveRejection(string(rej.Stage), rej.Code)
	fields := map[string]any{
		"route":      route.Name,
		"stage":      string(rej.Stage),
		"code":       rej.Code,
		"status":     rej.HTTPStatus,
		"request_id": audit.RequestIDFromContext(ctx),
	}
	addTenantFields(fields, tc)
	if len(rej.Required) > 0 {
		fields["required"] = rej.Required
	}
	obs.Info("pipeline.rejected", fields)
	return Result{Outcome: Rejected, Tenant: tc, Rejection: rej}
}

func (c *Composer) fail(ctx context.Context, route Route, tc *auth.TenantContext, stage Stage, err error) Result {
	rej := internalError(stage)
	obs.ObserveRejection(string(stage), rej.Code)
	fields := map[string]any{
		"route":      route.Name,
		"stage":      string(stage),
		"error":      err.Error(),
		"request_id": audit.RequestIDFromContext(ctx),
	}
	addTenantFields(fields, tc)
	obs.Error("pipeline.failed", fields)
	return Result{Outcome: Failed, Tenant: tc, Rejection: rej, Err: err}
}

func addTenantFields(fields map[string]any, tc *auth.TenantContext) {
	if tc == nil {
		return
	}
	fields["user_id"] = tc.UserID()
	if org, ok := tc.OrganizationID(); ok {
		fields["organization_id"] = org
	}
	if tc.IsSuperAdmin() {
		fields["superadmin"] = true
	}
}
