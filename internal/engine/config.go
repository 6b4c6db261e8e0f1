package engine

import "time"

// Config holds the tunable constants the engine and selector evaluate
// guards against. Values mirror the defaults a fresh deployment starts
// with; internal/config loads overrides from file/flags and builds one of
// these at process start.
type Config struct {
	DefaultLeaseDuration time.Duration
	MaxLeaseDuration     time.Duration
	BurnoutTurnThreshold int
	MaxTurnLimit         int
}

// DefaultConfig returns the engine's built-in defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLeaseDuration: 300 * time.Second,
		MaxLeaseDuration:     3600 * time.Second,
		BurnoutTurnThreshold: 80,
		MaxTurnLimit:         100,
	}
}

// clampLease bounds a caller-requested lease duration to (0, MaxLeaseDuration],
// falling back to DefaultLeaseDuration when unset.
func (c Config) clampLease(requested time.Duration) time.Duration {
	if requested <= 0 {
		return c.DefaultLeaseDuration
	}
	if requested > c.MaxLeaseDuration {
		return c.MaxLeaseDuration
	}
	return requested
}

// isBurnout reports whether a submission's evidence indicates the agent is
// stuck rather than finished: no commits after a long run, or any run past
// the hard turn ceiling.
func (c Config) isBurnout(commitsCount, turnsUsed int) bool {
	if commitsCount == 0 && turnsUsed >= c.BurnoutTurnThreshold {
		return true
	}
	return turnsUsed >= c.MaxTurnLimit
}
