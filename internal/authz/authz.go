// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

// Package authz provides namespace-delegated authorization for Plugboard.
//
// Abilities are dotted strings ("notes.item.read"); the namespace is the
// prefix up to and including the first dot ("notes."). Exactly one plugin
// owns a namespace and contributes the resolver that answers checks in it.
// Every uncertainty in the path — no namespace, no resolver, resolver error,
// panic, or timeout — resolves to deny. The system is never fail-open.
package authz

import (
	"context"
	"strings"
)

// TenantContext identifies who is asking on behalf of which tenant.
type TenantContext struct {
	TenantID string
	UserID   string
}

// Resource optionally narrows a check to a specific entity.
type Resource struct {
	Type string
	ID   string
}

// CheckRequest is one authorization question.
type CheckRequest struct {
	Ability  string
	Resource *Resource
}

// Decision is the outcome of a check. Transient, never persisted.
type Decision struct {
	Allow  bool
	Reason string
}

// Allow returns an allowing decision.
func Allow() Decision {
	return Decision{Allow: true}
}

// Deny returns a denying decision with a human-readable reason.
func Deny(reason string) Decision {
	return Decision{Allow: false, Reason: reason}
}

// Resolver decides allow/deny for abilities within one namespace. Plugins
// implement it; the registry holds a reference, the plugin owns whatever
// state the implementation closes over.
type Resolver interface {
	Resolve(ctx context.Context, tc TenantContext, req CheckRequest) (Decision, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, tc TenantContext, req CheckRequest) (Decision, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, tc TenantContext, req CheckRequest) (Decision, error) {
	return f(ctx, tc, req)
}

// ParseNamespace returns the ability's namespace: the substring up to and
// including the FIRST dot. Returns "" when ability contains no dot. This is
// the sole lexical rule binding abilities to namespaces — no wildcards, no
// multi-level matching.
func ParseNamespace(ability string) string {
	before, _, found := strings.Cut(ability, ".")
	if !found {
		return ""
	}
	return before + "."
}
