// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package authz

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// checkDuration tracks the latency of Service.Check calls.
	checkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plugboard_authz_check_duration_seconds",
		Help:    "Histogram of authorization check latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// checksTotal counts checks by outcome.
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plugboard_authz_checks_total",
		Help: "Total number of authorization checks",
	}, []string{"outcome"})
)

func recordCheck(duration time.Duration, allowed bool) {
	checkDuration.Observe(duration.Seconds())
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	checksTotal.WithLabelValues(outcome).Inc()
}
