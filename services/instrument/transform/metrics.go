// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transform

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("bugpilot.instrument.transform")

const (
	outcomeTransformed = "transformed"
	outcomeUnchanged   = "unchanged"
	outcomeSkipped     = "skipped"
	outcomeFailed      = "failed"
)

var (
	// filesTotal counts transformed files by outcome.
	//
	// Labels:
	//   - outcome: "transformed", "unchanged", "skipped", "failed"
	filesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bugpilot",
			Subsystem: "transform",
			Name:      "files_total",
			Help:      "Total files processed by the transform, by outcome.",
		},
		[]string{"outcome"},
	)

	// fileDuration measures per-file transform time.
	fileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bugpilot",
			Subsystem: "transform",
			Name:      "file_duration_seconds",
			Help:      "Duration of per-file transforms in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// functionsWrapped counts wrapped functions.
	//
	// Labels:
	//   - kind: the resolved function kind
	functionsWrapped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bugpilot",
			Subsystem: "transform",
			Name:      "functions_wrapped_total",
			Help:      "Total functions wrapped, by kind.",
		},
		[]string{"kind"},
	)
)

func recordFile(outcome string, d time.Duration) {
	filesTotal.WithLabelValues(outcome).Inc()
	fileDuration.Observe(d.Seconds())
}
