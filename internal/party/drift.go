package party

import (
	"math"
	"time"
)

// DefaultDriftTolerance is the band, in seconds, inside which player jitter is ignored.
const DefaultDriftTolerance = 2.0

// Correction tells a single lagging client where the party actually is.
type Correction struct {
	CorrectTime float64 `json:"correct_time"`
	IsPlaying   bool    `json:"is_playing"`
	Drift       float64 `json:"drift"`
}

// Reconciler compares heartbeat positions against the authoritative timeline.
// It only reads state; heartbeats never write it.
type Reconciler struct {
	tolerance float64
}

func NewReconciler(tolerance float64) *Reconciler {
	if tolerance <= 0 {
		tolerance = DefaultDriftTolerance
	}
	return &Reconciler{tolerance: tolerance}
}

func (r *Reconciler) Tolerance() float64 {
	return r.tolerance
}

// Check returns a correction when the reported position is more than the
// tolerance away from the expected one.
func (r *Reconciler) Check(state PlaybackState, reported float64, now time.Time) (Correction, bool) {
	expected := state.ExpectedPosition(now)
	drift := math.Abs(reported - expected)
	if drift <= r.tolerance {
		return Correction{}, false
	}
	return Correction{
		CorrectTime: expected,
		IsPlaying:   state.IsPlaying,
		Drift:       drift,
	}, true
}
