// Package ratelimit enforces per-organization request quotas over fixed windows.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"ontour.app/internal/audit"
	"ontour.app/internal/auth"
	"ontour.app/internal/cache"
	"ontour.app/internal/obs"
)

const keyPrefix = "ontour:ratelimit:org:"

// ErrNoTier reports an organization without an explicit tier assignment.
var ErrNoTier = errors.New("ratelimit: organization has no tier assignment")

// TierResolver returns the subscription tier of an organization.
type TierResolver interface {
	TierFor(ctx context.Context, organizationID string) (string, error)
}

// StaticTiers assigns tiers from a fixed map.
type StaticTiers map[string]string

func (s StaticTiers) TierFor(_ context.Context, organizationID string) (string, error) {
	if t, ok := s[organizationID]; ok {
		return t, nil
	}
	return "", ErrNoTier
}

// CachedTiers caches tier lookups, including "no assignment" answers.
type CachedTiers struct {
	cache *cache.TTL[string]
}

// NewCachedTiers wraps source with a TTL cache.
func NewCachedTiers(source TierResolver, ttl time.Duration, opts ...cache.Option) *CachedTiers {
	opts = append([]cache.Option{cache.WithName("ratelimit.tier_cache")}, opts...)
	return &CachedTiers{
		cache: cache.New(func(ctx context.Context, org string) (string, error) {
			tier, err := source.TierFor(ctx, org)
			if errors.Is(err, ErrNoTier) {
				return "", nil
			}
			return tier, err
		}, ttl, opts...),
	}
}

func (c *CachedTiers) TierFor(ctx context.Context, organizationID string) (string, error) {
	tier, err := c.cache.Get(ctx, organizationID)
	if err != nil {
		return "", err
	}
	if tier == "" {
		return "", ErrNoTier
	}
	return tier, nil
}

// Invalidate drops the cached tier, e.g. after a plan change.
func (c *CachedTiers) Invalidate(organizationID string) {
	c.cache.Invalidate(organizationID)
}

// BypassReason explains why a request was not counted.
type BypassReason string

const (
	BypassNone           BypassReason = ""
	BypassNoContext      BypassReason = "no_context"
	BypassSuperAdmin     BypassReason = "superadmin"
	BypassNoOrganization BypassReason = "no_organization"
)

// Decision is the outcome of one Allow call. On denial RetryAfter is the whole number of seconds
// until the window resets, at least one.
type Decision struct {
	Allowed    bool
	Bypass     BypassReason
	Tier       string
	Limit      int
	Remaining  int
	Window     time.Duration
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Governor applies the tier policy to tenant contexts.
type Governor struct {
	backend Backend
	policy  Policy
	tiers   TierResolver
	sink    audit.Sink
	now     func() time.Time
}

// GovernorOption configures Governor behavior.
type GovernorOption func(*Governor)

// WithTierResolver sets where organization tiers come from. Without one every organization
// uses the default tier.
func WithTierResolver(r TierResolver) GovernorOption {
	return func(g *Governor) {
		g.tiers = r
	}
}

// WithAuditSink records administrative resets.
func WithAuditSink(s audit.Sink) GovernorOption {
	return func(g *Governor) {
		g.sink = s
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) GovernorOption {
	return func(g *Governor) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewGovernor returns a Governor counting in backend under policy.
func NewGovernor(backend Backend, policy Policy, opts ...GovernorOption) (*Governor, error) {
	if backend == nil {
		return nil, errors.New("ratelimit: backend is required")
	}
	if len(policy.tiers) == 0 {
		return nil, errors.New("ratelimit: policy has no tiers")
	}
	g := &Governor{backend: backend, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Allow counts one request against the organization of tc. Superadmin and organization-less
// contexts are not counted.
func (g *Governor) Allow(ctx context.Context, tc *auth.TenantContext) (Decision, error) {
	if reason := bypassReason(tc); reason != BypassNone {
		g.logBypass(ctx, tc, reason)
		return Decision{Allowed: true, Bypass: reason}, nil
	}
	org, _ := tc.OrganizationID()

	tier, err := g.tierFor(ctx, org)
	if err != nil {
		return Decision{}, err
	}
	now := g.now()
	usage, err := g.backend.Take(ctx, keyPrefix+org, tier.Requests, tier.Window, now)
	if err != nil {
		return Decision{}, err
	}
	obs.ObserveRateDecision(tier.Name, usage.Allowed)

	d := Decision{
		Allowed: usage.Allowed,
		Tier:    tier.Name,
		Limit:   tier.Requests,
		Window:  tier.Window,
		ResetAt: usage.ResetAt,
	}
	if usage.Allowed {
		d.Remaining = max(tier.Requests-usage.Count, 0)
		return d, nil
	}
	d.RetryAfter = retryAfter(usage.ResetAt, now)
	return d, nil
}

// Reset clears the counter of one organization. Calling it repeatedly is harmless.
func (g *Governor) Reset(ctx context.Context, organizationID string) error {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return errors.New("ratelimit: organization id is required")
	}
	if err := g.backend.Reset(ctx, keyPrefix+organizationID); err != nil {
		return err
	}
	if invalidator, ok := g.tiers.(interface{ Invalidate(string) }); ok {
		invalidator.Invalidate(organizationID)
	}
	obs.Info("ratelimit.reset", map[string]any{"organization_id": organizationID})
	if g.sink != nil {
		g.sink.Record(ctx, audit.Event{Kind: "ratelimit.reset", OrganizationID: organizationID})
	}
	return nil
}

func (g *Governor) tierFor(ctx context.Context, org string) (Tier, error) {
	if g.tiers == nil {
		return g.policy.Default(), nil
	}
	name, err := g.tiers.TierFor(ctx, org)
	switch {
	case errors.Is(err, ErrNoTier):
		return g.policy.Default(), nil
	case err != nil:
		return Tier{}, fmt.Errorf("ratelimit: resolve tier for %s: %w", org, err)
	}
	return g.policy.Tier(name), nil
}

func (g *Governor) logBypass(ctx context.Context, tc *auth.TenantContext, reason BypassReason) {
	fields := map[string]any{
		"reason":     string(reason),
		"request_id": audit.RequestIDFromContext(ctx),
	}
	if tc != nil {
		fields["user_id"] = tc.UserID()
	}
	if reason == BypassSuperAdmin {
		obs.ObserveSuperAdminBypass("ratelimit")
		obs.Warn("ratelimit.bypass", fields)
		return
	}
	obs.Info("ratelimit.bypass", fields)
}

func bypassReason(tc *auth.TenantContext) BypassReason {
	switch {
	case tc == nil:
		return BypassNoContext
	case tc.IsSuperAdmin():
		return BypassSuperAdmin
	}
	if _, ok := tc.OrganizationID(); !ok {
		return BypassNoOrganization
	}
	return BypassNone
}

func retryAfter(resetAt, now time.Time) time.Duration {
	secs := math.Ceil(resetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
