// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package authz

import "context"

type tenantContextKey struct{}

// WithTenant returns a context carrying the tenant/user identity. Request
// middleware sets this once; anything downstream can recover it for checks.
func WithTenant(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tc)
}

// TenantFromContext returns the tenant context stored by WithTenant.
// The second return is false when none was set.
func TenantFromContext(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(tenantContextKey{}).(TenantContext)
	return tc, ok
}
