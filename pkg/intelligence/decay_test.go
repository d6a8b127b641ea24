package intelligence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecayedWeightNeverExceedsBase(t *testing.T) {
	now := time.Now()

	for _, ageDays := range []float64{0, 0.5, 1, 7, 30, 365} {
		lastUpdate := now.Add(-time.Duration(ageDays * 24 * float64(time.Hour)))
		weight := DecayedWeight(0.9, 0.02, lastUpdate, now)
		assert.LessOrEqual(t, weight, 0.9)
		assert.GreaterOrEqual(t, weight, 0.0)
	}
}

func TestDecayedWeightStrictlyDecreasingInAge(t *testing.T) {
	now := time.Now()

	young := DecayedWeight(1.0, 0.05, now.Add(-24*time.Hour), now)
	older := DecayedWeight(1.0, 0.05, now.Add(-10*24*time.Hour), now)
	oldest := DecayedWeight(1.0, 0.05, now.Add(-100*24*time.Hour), now)

	assert.Greater(t, young, older)
	assert.Greater(t, older, oldest)
}

func TestDecayedWeightZeroAgeIsBase(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 0.8, DecayedWeight(0.8, 0.02, now, now))
}

func TestDecayedWeightFutureTimestampClampsToBase(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 0.8, DecayedWeight(0.8, 0.02, now.Add(time.Hour), now))
}

func TestDecayedWeightZeroRateHoldsSteady(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 0.8, DecayedWeight(0.8, 0, now.Add(-365*24*time.Hour), now))
}

func TestDecayedWeightDegenerateBase(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 0.0, DecayedWeight(0, 0.02, now, now))
	assert.Equal(t, 0.0, DecayedWeight(-1, 0.02, now, now))
}

func TestDecayConfigRateFor(t *testing.T) {
	cfg := DefaultDecayConfig()

	// Identity facts decay slower than preferences.
	assert.Less(t, cfg.RateFor("NAMED"), cfg.RateFor("LIKES"))
	assert.Equal(t, cfg.DefaultRate, cfg.RateFor("UNKNOWN_TYPE"))
}
