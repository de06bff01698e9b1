// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package formula

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// registrationTotal counts formula registrations by outcome.
	registrationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "formula_registration_total",
		Help: "Total formula registrations by outcome",
	}, []string{"outcome"})

	// evaluationTotal counts top-level evaluations by outcome.
	evaluationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "formula_evaluation_total",
		Help: "Total top-level formula evaluations by outcome",
	}, []string{"outcome"})

	// evaluationDuration tracks top-level evaluation latency.
	evaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "formula_evaluation_duration_seconds",
		Help:    "Top-level formula evaluation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	// historySnapshots tracks snapshots produced per history call.
	historySnapshots = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "formula_history_snapshots",
		Help:    "Snapshots synthesized per history reconstruction",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 500},
	})
)

const (
	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)
