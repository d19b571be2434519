// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package hook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// handlerFailures counts isolated handler failures by hook and kind.
var handlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "plugboard_hook_handler_failures_total",
	Help: "Total number of hook handler failures (error, panic, or timeout)",
}, []string{"hook", "kind"})

func recordHandlerFailure(hookName, kind string) {
	handlerFailures.WithLabelValues(hookName, kind).Inc()
}
