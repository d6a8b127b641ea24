// Package intelligence provides the read-time reasoning primitives of the
// engine: confidence decay, conflict detection, and duration phrasing.
//
// Everything in this package is a pure computation. Detector or decay errors
// must never block ingestion; callers degrade to neutral results instead.
package intelligence

import (
	"math"
	"time"
)

// DecayConfig holds per-relation-type decay rates.
//
// Identity facts (a name, a family member) should decay far slower than
// transient preferences; the mechanism is fixed here and the policy lives in
// configuration.
type DecayConfig struct {
	// DefaultRate is the decay rate per day for relation types without an
	// explicit entry.
	DefaultRate float64

	// RateByType maps uppercased relation types to their decay rate per day.
	RateByType map[string]float64
}

// DefaultDecayConfig returns the built-in decay policy: slow decay for
// identity and ownership facts, faster decay for preferences.
func DefaultDecayConfig() *DecayConfig {
	return &DecayConfig{
		DefaultRate: 0.01,
		RateByType: map[string]float64{
			"NAMED":    0.001,
			"OWNS":     0.002,
			"WORKS_AT": 0.005,
			"LIVES_IN": 0.005,
			"LIKES":    0.02,
			"DISLIKES": 0.02,
		},
	}
}

// RateFor returns the decay rate per day for a relation type.
func (c *DecayConfig) RateFor(relType string) float64 {
	if rate, ok := c.RateByType[relType]; ok {
		return rate
	}
	return c.DefaultRate
}

// DecayedWeight computes an edge's current confidence from its age:
//
//	baseWeight * exp(-decayRate * ageInDays)
//
// clamped to [0, baseWeight]. The value is derived at read time and never
// persisted, so there is no write amplification from aging edges.
func DecayedWeight(baseWeight, decayRate float64, lastUpdate, asOf time.Time) float64 {
	if baseWeight <= 0 {
		return 0
	}

	ageDays := asOf.Sub(lastUpdate).Hours() / 24
	if ageDays <= 0 || decayRate <= 0 {
		return baseWeight
	}

	weight := baseWeight * math.Exp(-decayRate*ageDays)
	if weight < 0 {
		return 0
	}
	if weight > baseWeight {
		return baseWeight
	}
	return weight
}
