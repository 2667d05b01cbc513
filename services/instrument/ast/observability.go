// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("bugpilot.instrument.ast")

var (
	// parseDuration measures module parse time.
	//
	// Labels:
	//   - language: "tsx", "typescript", "javascript"
	//   - status: "success" or "error"
	parseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bugpilot",
			Subsystem: "ast",
			Name:      "parse_duration_seconds",
			Help:      "Duration of module parses in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"language", "status"},
	)
)

func recordParse(lang Language, d time.Duration, ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	parseDuration.WithLabelValues(string(lang), status).Observe(d.Seconds())
}
