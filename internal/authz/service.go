// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultResolverTimeout bounds a single resolver call unless overridden.
const DefaultResolverTimeout = 5 * time.Second

// Service answers authorization checks by delegating to the namespace owner.
// It never returns an error and never panics outward: any failure in the
// resolution path becomes a deny decision.
type Service struct {
	namespaces      *NamespaceRegistry
	resolverTimeout time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithResolverTimeout bounds each resolver invocation. Zero disables the
// deadline; expiry maps to a deny decision.
func WithResolverTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.resolverTimeout = d
	}
}

// NewService creates an authorization service over the given registry.
func NewService(namespaces *NamespaceRegistry, opts ...ServiceOption) *Service {
	s := &Service{
		namespaces:      namespaces,
		resolverTimeout: DefaultResolverTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check reports whether ability is permitted for this tenant context and
// resource. Exactly one resolver call per check; no fan-out, no side effects.
func (s *Service) Check(ctx context.Context, tc TenantContext, req CheckRequest) Decision {
	start := time.Now()
	decision := s.check(ctx, tc, req)
	recordCheck(time.Since(start), decision.Allow)

	if !decision.Allow {
		slog.Debug("authorization denied",
			"tenant", tc.TenantID,
			"user", tc.UserID,
			"ability", req.Ability,
			"reason", decision.Reason)
	}
	return decision
}

func (s *Service) check(ctx context.Context, tc TenantContext, req CheckRequest) Decision {
	namespace := ParseNamespace(req.Ability)
	if namespace == "" {
		return Deny(fmt.Sprintf("no authorization resolver for ability %q", req.Ability))
	}

	resolver := s.namespaces.Resolver(namespace)
	if resolver == nil {
		return Deny(fmt.Sprintf("no authorization resolver for ability %q", req.Ability))
	}

	decision, err := s.invoke(ctx, resolver, tc, req)
	if err != nil {
		// A misbehaving plugin must never grant access by crashing.
		slog.Warn("authorization resolver failed, denying",
			"namespace", namespace,
			"ability", req.Ability,
			"error", err)
		return Deny(fmt.Sprintf("resolver error for ability %q: %v", req.Ability, err))
	}
	return decision
}

// invoke runs the resolver, converting panics and deadline expiry into
// errors. With a timeout, the call is raced against the deadline; a late
// result is abandoned, not interrupted.
func (s *Service) invoke(ctx context.Context, resolver Resolver, tc TenantContext, req CheckRequest) (Decision, error) {
	if s.resolverTimeout <= 0 {
		return callResolver(ctx, resolver, tc, req)
	}

	ctx, cancel := context.WithTimeout(ctx, s.resolverTimeout)
	defer cancel()

	type result struct {
		decision Decision
		err      error
	}
	done := make(chan result, 1)
	go func() {
		d, err := callResolver(ctx, resolver, tc, req)
		done <- result{d, err}
	}()

	select {
	case res := <-done:
		return res.decision, res.err
	case <-ctx.Done():
		return Decision{}, fmt.Errorf("resolver timed out: %w", ctx.Err())
	}
}

func callResolver(ctx context.Context, resolver Resolver, tc TenantContext, req CheckRequest) (decision Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			decision = Decision{}
			err = fmt.Errorf("resolver panicked: %v", rec)
		}
	}()
	return resolver.Resolve(ctx, tc, req)
}
