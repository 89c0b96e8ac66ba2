// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Proxy Surface
// =============================================================================

var (
	// proxyRequestsTotal counts completed chat-completion requests.
	// Labels: verdict (pass, warn, block)
	proxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total chat completion requests by security verdict",
	}, []string{"verdict"})

	// proxyRequestDuration observes full request latency including both
	// concurrent tasks and egress.
	proxyRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aegis",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request processing latency",
		Buckets:   prometheus.DefBuckets,
	})

	// proxyUpstreamDuration observes the upstream LLM call latency.
	proxyUpstreamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aegis",
		Subsystem: "proxy",
		Name:      "upstream_duration_seconds",
		Help:      "Upstream LLM call latency",
		Buckets:   prometheus.DefBuckets,
	})

	// proxyUpstreamErrorsTotal counts failed upstream calls.
	proxyUpstreamErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "proxy",
		Name:      "upstream_errors_total",
		Help:      "Total upstream calls that failed",
	})

	// guardrailClassificationsTotal counts guardrail decisions.
	// Labels: label (benign, injection, jailbreak), backend
	guardrailClassificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "guardrail",
		Name:      "classifications_total",
		Help:      "Total guardrail classifications by label and backend",
	}, []string{"label", "backend"})

	// guardrailEarlyBlocksTotal counts requests blocked by the guardrail
	// before the upstream call completed, i.e. cancelled races.
	guardrailEarlyBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "guardrail",
		Name:      "early_blocks_total",
		Help:      "Total upstream calls cancelled by an early guardrail block",
	})
)
