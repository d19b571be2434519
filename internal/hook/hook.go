// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

// Package hook provides the extension-point pipeline for plugins.
//
// Two kinds of handlers exist: filters transform a value and pass it down a
// chain, actions perform side effects and return nothing. Handlers for one
// hook run sequentially in (priority ascending, registration order) order.
// A failing handler — returned error, panic, or deadline expiry — is isolated:
// filters behave as a no-op and the chain continues with the prior value,
// actions are skipped. One plugin's bug never aborts the pipeline for others.
package hook

import (
	"context"
	"time"
)

// Standard priorities. Lower values run earlier. Handlers registered without
// an explicit priority get PriorityMedium.
const (
	PriorityHigh   = 10
	PriorityMedium = 50
	PriorityLow    = 90
)

// DefaultHandlerTimeout bounds a single handler invocation unless overridden.
const DefaultHandlerTimeout = 5 * time.Second

// Context carries read-only situational data into handlers alongside the
// chained value or payload. Handlers must not mutate it.
type Context map[string]any

// FilterFunc transforms a value at an extension point. The returned value is
// threaded into the next filter in the chain.
type FilterFunc func(ctx context.Context, value any, hc Context) (any, error)

// ActionFunc observes an extension point. Its return value is only used for
// error reporting; it never affects the caller.
type ActionFunc func(ctx context.Context, payload any) error

// entry is one registered handler. Sequence breaks priority ties so equal
// priorities preserve registration order.
type entry struct {
	pluginID string
	priority int
	seq      uint64
	filter   FilterFunc
	action   ActionFunc
}

// Option configures a single handler registration.
type Option func(*entry)

// WithPriority sets the handler's priority. Lower runs earlier.
func WithPriority(p int) Option {
	return func(e *entry) {
		e.priority = p
	}
}
