// Package metrics exposes prometheus instrumentation for the envelope
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts status transition attempts by action and outcome.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "envelope_transitions_total",
		Help: "Envelope status transition attempts by action and outcome",
	}, []string{"action", "outcome"})

	// GateEvalDuration observes one full gate recomputation for an envelope.
	GateEvalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "envelope_gate_eval_duration_seconds",
		Help:    "Latency of full gate recomputation per envelope",
		Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025},
	})

	// GateFlips counts gate values changing, by gate key.
	GateFlips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "envelope_gate_flips_total",
		Help: "Gate value changes by gate key",
	}, []string{"gate"})

	// PayloadPatches counts payload mutations by outcome.
	PayloadPatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "envelope_payload_patches_total",
		Help: "Payload patch attempts by outcome",
	}, []string{"outcome"})
)
