// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package shield

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Shield Pipeline
// =============================================================================

var (
	// shieldIngressTotal counts ingress pipeline runs.
	shieldIngressTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "shield",
		Name:      "ingress_total",
		Help:      "Total ingress pipeline runs",
	})

	// shieldPIISwappedTotal counts swapped PII values by kind.
	// Labels: kind (EMAIL, PHONE, SSN, CREDIT_CARD, IP_ADDRESS, PERSON, ...)
	shieldPIISwappedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "shield",
		Name:      "pii_swapped_total",
		Help:      "Total PII values replaced with synthetic stand-ins, by kind",
	}, []string{"kind"})

	// shieldEgressTotal counts egress pipeline outcomes.
	// Labels: status (cleared, blocked)
	shieldEgressTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "shield",
		Name:      "egress_total",
		Help:      "Total egress pipeline runs by outcome",
	}, []string{"status"})

	// shieldBlockedTotal counts blocked responses by the defense that fired.
	// Labels: reason (isolation_leak, canary_leak, moderation)
	shieldBlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "shield",
		Name:      "blocked_total",
		Help:      "Total blocked responses by blocking defense",
	}, []string{"reason"})

	// shieldCanaryLeaksTotal counts canary leaks by detection method.
	// Labels: method (plaintext, base64, hex, reversed, rot13, partial)
	shieldCanaryLeaksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "shield",
		Name:      "canary_leaks_total",
		Help:      "Total canary leaks by detection method",
	}, []string{"method"})

	// shieldModerationScore observes the moderation score of every
	// moderated response.
	shieldModerationScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aegis",
		Subsystem: "shield",
		Name:      "moderation_score",
		Help:      "Output moderation scores",
		Buckets:   []float64{1, 2, 3, 4, 5},
	})
)

// recordIngress records one ingress run and its per-kind swap counts.
func recordIngress(kinds map[string]int) {
	shieldIngressTotal.Inc()
	for kind, count := range kinds {
		shieldPIISwappedTotal.WithLabelValues(kind).Add(float64(count))
	}
}

// recordBlocked records a blocked response.
func recordBlocked(reason string) {
	shieldEgressTotal.WithLabelValues("blocked").Inc()
	shieldBlockedTotal.WithLabelValues(reason).Inc()
}

// recordCleared records a response that passed every egress defense.
func recordCleared() {
	shieldEgressTotal.WithLabelValues("cleared").Inc()
}
