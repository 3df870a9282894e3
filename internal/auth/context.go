package auth

import "context"

type tenantContextKey struct{}

// ContextWithTenant attaches the tenant context to ctx.
func ContextWithTenant(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, &tc)
}

// TenantFromContext extracts the tenant context attached by ContextWithTenant.
func TenantFromContext(ctx context.Context) (TenantContext, bool) {
	if ctx == nil {
		return TenantContext{}, false
	}
	v, ok := ctx.Value(tenantContextKey{}).(*TenantContext)
	if !ok || v == nil {
		return TenantContext{}, false
	}
	return *v, true
}
