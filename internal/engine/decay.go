package engine

import (
	"math"
	"time"
)

// DefaultHalfLife is the trust decay half-life used when none is configured.
//
// Decay algorithm:
//   - factor = 0.5 ^ (elapsed / halfLife), applied to pos and neg independently
//   - nil reference time (fresh state) = no decay
//   - negative elapsed (clock skew, late events) is clamped to zero
//   - composable: decaying over a then b equals decaying over a+b, which is what
//     lets RecomputeFromFeedback reproduce the incremental ApplyFeedback path
const DefaultHalfLife = 14 * 24 * time.Hour

// Decay projects (pos, neg) from lastUpdatedAt forward to now.
func Decay(pos, neg float64, lastUpdatedAt *time.Time, now time.Time, halfLife time.Duration) (float64, float64) {
	if lastUpdatedAt == nil {
		return pos, neg
	}
	f := DecayFactor(now.Sub(*lastUpdatedAt), halfLife)
	return pos * f, neg * f
}

// DecayFactor returns 0.5^(elapsed/halfLife), with elapsed clamped at zero.
func DecayFactor(elapsed, halfLife time.Duration) float64 {
	if elapsed <= 0 {
		return 1
	}
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	return math.Pow(0.5, float64(elapsed)/float64(halfLife))
}
