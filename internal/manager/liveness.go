package manager

import (
	"fmt"
	"math"
	"slices"
	"time"

	"yqhp/build-engine/pkg/types"
)

const (
	// RatioThreshold aborts a two-worker run when the slower worker has at
	// most this fraction of the faster worker's heartbeats.
	RatioThreshold = 0.1
	// ZScoreThreshold aborts a run of three or more workers when any
	// worker's modified z-score is at or below it.
	ZScoreThreshold = -3.5

	zScoreScale = 0.6745
)

// Detect applies the dead-worker policy for the number of registered
// workers and returns the first fatal condition found, or nil.
func Detect(workers []types.WorkerRecord, now time.Time, timeout time.Duration) *FatalError {
	switch n := len(workers); {
	case n == 0:
		return nil
	case n == 1:
		w := workers[0]
		if silent := now.Sub(w.LastPing); silent >= timeout {
			return &FatalError{
				Reason:   ReasonTimeout,
				Identity: w.Identity,
				Message:  fmt.Sprintf("no message for %s (timeout %s)", silent.Round(time.Millisecond), timeout),
			}
		}
	case n == 2:
		a, b := workers[0], workers[1]
		ratio := HeartbeatRatio(a.Heartbeats, b.Heartbeats)
		if ratio <= RatioThreshold {
			slow := a
			if b.Heartbeats < a.Heartbeats {
				slow = b
			}
			return &FatalError{
				Reason:   ReasonRatio,
				Identity: slow.Identity,
				Message:  fmt.Sprintf("heartbeat ratio %.3f (%d vs %d)", ratio, a.Heartbeats, b.Heartbeats),
			}
		}
	default:
		counts := make([]int, n)
		for i, w := range workers {
			counts[i] = w.Heartbeats
		}
		for i, z := range ModifiedZScores(counts) {
			if z <= ZScoreThreshold {
				return &FatalError{
					Reason:   ReasonZScore,
					Identity: workers[i].Identity,
					Message:  fmt.Sprintf("heartbeat z-score %.2f (%d heartbeats)", z, counts[i]),
				}
			}
		}
	}
	return nil
}

// HeartbeatRatio is the lower count divided by the higher one. Two idle
// workers (both zero) count as even.
func HeartbeatRatio(a, b int) float64 {
	lo, hi := min(a, b), max(a, b)
	if hi == 0 {
		return 1
	}
	return float64(lo) / float64(hi)
}

// ModifiedZScores returns 0.6745*(x-median)/MAD for every count. When the
// MAD is zero a count equal to the median scores 0 and any other count
// scores an infinity of the same sign as its deviation.
func ModifiedZScores(counts []int) []float64 {
	xs := make([]float64, len(counts))
	for i, c := range counts {
		xs[i] = float64(c)
	}
	med := median(xs)
	devs := make([]float64, len(xs))
	for i, x := range xs {
		devs[i] = math.Abs(x - med)
	}
	mad := median(devs)

	scores := make([]float64, len(xs))
	for i, x := range xs {
		diff := x - med
		switch {
		case diff == 0:
			scores[i] = 0
		case mad == 0:
			scores[i] = math.Inf(int(math.Copysign(1, diff)))
		default:
			scores[i] = zScoreScale * diff / mad
		}
	}
	return scores
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := slices.Clone(xs)
	slices.Sort(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
