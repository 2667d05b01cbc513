// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("bugpilot.capture")

var (
	// capturesTotal counts capture attempts by outcome.
	//
	// Labels:
	//   - kind: the context kind
	//   - outcome: see the Outcome constants
	capturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bugpilot",
			Subsystem: "capture",
			Name:      "attempts_total",
			Help:      "Total error capture attempts, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// dispatchDuration measures the outbound POST.
	//
	// Labels:
	//   - status: "success" or "error"
	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bugpilot",
			Subsystem: "capture",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of error report dispatches in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"status"},
	)
)
