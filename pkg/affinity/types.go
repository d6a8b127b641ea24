// Package affinity maintains the per-user relationship-closeness score: a
// single scalar, discretized into named states, updated from interaction
// signals with an anti-gaming cap.
package affinity

// Relationship states, ordered by closeness.
const (
	StateStranger     = "stranger"
	StateAcquaintance = "acquaintance"
	StateFriend       = "friend"
	StateClose        = "close"
)

// Signals is the per-turn input bundle the engine scores.
type Signals struct {
	// UserInitiated reports whether the user started this exchange rather
	// than replying to a companion prompt.
	UserInitiated bool `json:"user_initiated"`

	// EmotionValence is the turn's emotional charge in [-1,1]. Values
	// outside the range are clamped.
	EmotionValence float64 `json:"emotion_valence"`

	// RecentUpdates is the number of affinity updates already applied in
	// the current window, supplied by the caller's rate bookkeeping.
	RecentUpdates int `json:"recent_updates"`
}

// Config holds the scoring policy.
type Config struct {
	// MaxScore caps the scalar; scores clamp to [0, MaxScore].
	MaxScore float64

	// InitiationBoost is the additive bonus for a user-initiated turn.
	InitiationBoost float64

	// ValenceWeight scales the emotion valence contribution.
	ValenceWeight float64

	// MaxUpdatesPerWindow is the anti-gaming threshold: once RecentUpdates
	// exceeds it, the initiation boost is suppressed for the update. The
	// valence contribution still applies, so genuine emotional content
	// registers even during a message burst.
	MaxUpdatesPerWindow int

	// State thresholds: score >= threshold enters the state.
	AcquaintanceAt float64
	FriendAt       float64
	CloseAt        float64
}

// DefaultConfig returns the built-in scoring policy.
func DefaultConfig() *Config {
	return &Config{
		MaxScore:            100,
		InitiationBoost:     2,
		ValenceWeight:       3,
		MaxUpdatesPerWindow: 10,
		AcquaintanceAt:      10,
		FriendAt:            40,
		CloseAt:             75,
	}
}

// StateFor maps a score to its discretized state label.
func (c *Config) StateFor(score float64) string {
	switch {
	case score >= c.CloseAt:
		return StateClose
	case score >= c.FriendAt:
		return StateFriend
	case score >= c.AcquaintanceAt:
		return StateAcquaintance
	default:
		return StateStranger
	}
}
