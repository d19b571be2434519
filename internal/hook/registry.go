// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package hook

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"
)

// Registry holds filter and action registrations per hook name.
// It is safe for concurrent use by multiple goroutines.
//
// In-flight ApplyFilters/DoAction calls run against a snapshot of the handler
// list; a plugin unregistering mid-call may still have that one invocation's
// handlers run. Checks are re-evaluated per call, so this is acceptable.
type Registry struct {
	mu             sync.RWMutex
	filters        map[string][]*entry
	actions        map[string][]*entry
	seq            uint64
	handlerTimeout time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithHandlerTimeout bounds each handler invocation. Zero disables the
// deadline entirely; expiry is treated exactly like a handler error.
func WithHandlerTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.handlerTimeout = d
	}
}

// NewRegistry creates an empty hook registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		filters:        make(map[string][]*entry),
		actions:        make(map[string][]*entry),
		handlerTimeout: DefaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddFilter registers a value-transforming handler for hookName.
func (r *Registry) AddFilter(hookName, pluginID string, fn FilterFunc, opts ...Option) error {
	if err := validateRegistration(hookName, pluginID, fn == nil); err != nil {
		return err
	}
	e := &entry{pluginID: pluginID, priority: PriorityMedium, filter: fn}
	for _, opt := range opts {
		opt(e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.seq = r.seq
	r.filters[hookName] = insertSorted(r.filters[hookName], e)
	return nil
}

// AddAction registers a side-effecting handler for hookName.
func (r *Registry) AddAction(hookName, pluginID string, fn ActionFunc, opts ...Option) error {
	if err := validateRegistration(hookName, pluginID, fn == nil); err != nil {
		return err
	}
	e := &entry{pluginID: pluginID, priority: PriorityMedium, action: fn}
	for _, opt := range opts {
		opt(e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.seq = r.seq
	r.actions[hookName] = insertSorted(r.actions[hookName], e)
	return nil
}

func validateRegistration(hookName, pluginID string, nilFn bool) error {
	if hookName == "" {
		return oops.In("hook").Code("INVALID_HOOK_NAME").New("hook name cannot be empty")
	}
	if pluginID == "" {
		return oops.In("hook").Code("INVALID_PLUGIN_ID").With("hook", hookName).New("plugin id cannot be empty")
	}
	if nilFn {
		return oops.In("hook").Code("NIL_HANDLER").With("hook", hookName).New("handler cannot be nil")
	}
	return nil
}

// insertSorted appends e keeping (priority asc, seq asc) order. seq is
// strictly increasing, so the sort is stable across equal priorities.
func insertSorted(list []*entry, e *entry) []*entry {
	i := sort.Search(len(list), func(i int) bool {
		if list[i].priority != e.priority {
			return list[i].priority > e.priority
		}
		return list[i].seq > e.seq
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

// ApplyFilters runs the filters registered for hookName in order, threading
// each return value into the next handler. The optional hc is passed to every
// handler unmodified. With no filters registered, initial is returned as is.
func (r *Registry) ApplyFilters(ctx context.Context, hookName string, initial any, hc Context) any {
	r.mu.RLock()
	chain := make([]*entry, len(r.filters[hookName]))
	copy(chain, r.filters[hookName])
	timeout := r.handlerTimeout
	r.mu.RUnlock()

	value := initial
	for _, e := range chain {
		next, err := r.invokeFilter(ctx, e, value, hc, timeout)
		if err != nil {
			recordHandlerFailure(hookName, "filter")
			slog.Warn("filter handler failed, continuing chain",
				"hook", hookName,
				"plugin", e.pluginID,
				"error", err)
			continue
		}
		value = next
	}
	return value
}

// DoAction runs the actions registered for hookName in order. Each receives
// payload; return values are ignored and failures are logged per handler.
func (r *Registry) DoAction(ctx context.Context, hookName string, payload any) {
	r.mu.RLock()
	chain := make([]*entry, len(r.actions[hookName]))
	copy(chain, r.actions[hookName])
	timeout := r.handlerTimeout
	r.mu.RUnlock()

	for _, e := range chain {
		if err := r.invokeAction(ctx, e, payload, timeout); err != nil {
			recordHandlerFailure(hookName, "action")
			slog.Warn("action handler failed",
				"hook", hookName,
				"plugin", e.pluginID,
				"error", err)
		}
	}
}

// invokeFilter runs one filter, converting panics and deadline expiry into
// errors. With a timeout, the handler is raced against the deadline; on
// expiry its eventual result is abandoned, not interrupted.
func (r *Registry) invokeFilter(ctx context.Context, e *entry, value any, hc Context, timeout time.Duration) (out any, err error) {
	if timeout <= 0 {
		return callFilter(ctx, e, value, hc)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := callFilter(ctx, e, value, hc)
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, oops.In("hook").Code("HANDLER_TIMEOUT").With("plugin", e.pluginID).Wrap(ctx.Err())
	}
}

func (r *Registry) invokeAction(ctx context.Context, e *entry, payload any, timeout time.Duration) error {
	if timeout <= 0 {
		return callAction(ctx, e, payload)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- callAction(ctx, e, payload)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return oops.In("hook").Code("HANDLER_TIMEOUT").With("plugin", e.pluginID).Wrap(ctx.Err())
	}
}

func callFilter(ctx context.Context, e *entry, value any, hc Context) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = oops.In("hook").Code("HANDLER_PANIC").With("plugin", e.pluginID).Errorf("filter panicked: %v", rec)
		}
	}()
	return e.filter(ctx, value, hc)
}

func callAction(ctx context.Context, e *entry, payload any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = oops.In("hook").Code("HANDLER_PANIC").With("plugin", e.pluginID).Errorf("action panicked: %v", rec)
		}
	}()
	return e.action(ctx, payload)
}

// RemoveFilter removes every filter pluginID registered on hookName.
// Reports whether anything was removed.
func (r *Registry) RemoveFilter(hookName, pluginID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return removePlugin(r.filters, hookName, pluginID)
}

// RemoveAction removes every action pluginID registered on hookName.
// Reports whether anything was removed.
func (r *Registry) RemoveAction(hookName, pluginID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return removePlugin(r.actions, hookName, pluginID)
}

func removePlugin(m map[string][]*entry, hookName, pluginID string) bool {
	list, ok := m[hookName]
	if !ok {
		return false
	}
	kept := list[:0]
	removed := false
	for _, e := range list {
		if e.pluginID == pluginID {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(m, hookName)
	} else {
		m[hookName] = kept
	}
	return removed
}

// RemoveAllPluginHooks removes every filter and action registered by
// pluginID across all hook names. Called when a plugin is quarantined or
// unloaded so stale handlers never fire again.
func (r *Registry) RemoveAllPluginHooks(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.filters {
		removePlugin(r.filters, name, pluginID)
	}
	for name := range r.actions {
		removePlugin(r.actions, name, pluginID)
	}
}

// HasFilter reports whether hookName has at least one filter.
func (r *Registry) HasFilter(hookName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.filters[hookName]) > 0
}

// HasAction reports whether hookName has at least one action.
func (r *Registry) HasAction(hookName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions[hookName]) > 0
}

// FilterCount returns the number of filters registered on hookName.
func (r *Registry) FilterCount(hookName string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.filters[hookName])
}

// ActionCount returns the number of actions registered on hookName.
func (r *Registry) ActionCount(hookName string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions[hookName])
}

// RegisteredHooks returns the distinct hook names with at least one filter
// or action, sorted for deterministic output.
func (r *Registry) RegisteredHooks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.filters)+len(r.actions))
	for name := range r.filters {
		seen[name] = struct{}{}
	}
	for name := range r.actions {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes all registrations.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters = make(map[string][]*entry)
	r.actions = make(map[string][]*entry)
}
