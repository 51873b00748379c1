package manager

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"yqhp/build-engine/pkg/types"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func records(counts ...int) []types.WorkerRecord {
	out := make([]types.WorkerRecord, len(counts))
	for i, c := range counts {
		out[i] = types.WorkerRecord{Identity: fmt.Sprintf("w%d", i), Heartbeats: c, LastPing: now}
	}
	return out
}

func TestDetect_SingleWorkerTimeout(t *testing.T) {
	timeout := 30 * time.Second
	w := records(5)

	w[0].LastPing = now.Add(-29 * time.Second)
	assert.Nil(t, Detect(w, now, timeout))

	w[0].LastPing = now.Add(-timeout)
	fatal := Detect(w, now, timeout)
	require.NotNil(t, fatal)
	assert.Equal(t, ReasonTimeout, fatal.Reason)
	assert.Equal(t, "w0", fatal.Identity)
	assert.True(t, errors.Is(fatal, ErrWorkerTimeout))
}

func TestDetect_TwoWorkerRatio(t *testing.T) {
	cases := []struct {
		a, b  int
		fatal bool
	}{
		{10, 100, true},
		{11, 100, false},
		{100, 10, true},
		{1, 1, false},
		{0, 0, false},
		{0, 3, true},
		{50, 60, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_%d", tc.a, tc.b), func(t *testing.T) {
			fatal := Detect(records(tc.a, tc.b), now, time.Minute)
			if !tc.fatal {
				assert.Nil(t, fatal)
				return
			}
			require.NotNil(t, fatal)
			assert.Equal(t, ReasonRatio, fatal.Reason)
			assert.ErrorIs(t, fatal, ErrWorkerStalled)
			if tc.a < tc.b {
				assert.Equal(t, "w0", fatal.Identity)
			} else {
				assert.Equal(t, "w1", fatal.Identity)
			}
		})
	}
}

func TestDetect_TwoWorkersIgnoreSilence(t *testing.T) {
	w := records(4, 4)
	w[0].LastPing = now.Add(-time.Hour)
	assert.Nil(t, Detect(w, now, time.Second))
}

func TestDetect_ZScoreOutlier(t *testing.T) {
	fatal := Detect(records(20, 21, 20, 22, 1), now, time.Minute)
	require.NotNil(t, fatal)
	assert.Equal(t, ReasonZScore, fatal.Reason)
	assert.Equal(t, "w4", fatal.Identity)
	assert.ErrorIs(t, fatal, ErrWorkerStalled)

	assert.Nil(t, Detect(records(7, 7, 7, 7, 7), now, time.Minute))
	assert.Nil(t, Detect(records(20, 21, 20, 22, 18), now, time.Minute))
	// fast outliers are never fatal
	assert.Nil(t, Detect(records(5, 5, 5, 5, 500), now, time.Minute))
}

func TestDetect_NoWorkers(t *testing.T) {
	assert.Nil(t, Detect(nil, now, time.Second))
}

func TestModifiedZScores(t *testing.T) {
	scores := ModifiedZScores([]int{1, 2, 3, 4, 100})
	// median 3, deviations 2,1,0,1,97 -> MAD 1
	assert.InDelta(t, -1.349, scores[0], 1e-9)
	assert.InDelta(t, 0, scores[2], 1e-9)
	assert.InDelta(t, 0.6745*97, scores[4], 1e-9)

	scores = ModifiedZScores([]int{4, 4, 4, 1})
	assert.Equal(t, 0.0, scores[0])
	assert.True(t, math.IsInf(scores[3], -1))
}

func TestProperty_EqualHeartbeatsNeverAbort(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "workers")
		count := rapid.IntRange(0, 10_000).Draw(t, "count")
		w := make([]types.WorkerRecord, n)
		for i := range w {
			w[i] = types.WorkerRecord{Identity: fmt.Sprintf("w%d", i), Heartbeats: count, LastPing: now}
		}
		if fatal := Detect(w, now, time.Minute); fatal != nil {
			t.Fatalf("equal heartbeats aborted: %v", fatal)
		}
	})
}

func TestProperty_RatioThreshold(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		hi := rapid.IntRange(1, 10_000).Draw(t, "hi")
		lo := rapid.IntRange(0, hi).Draw(t, "lo")
		fatal := Detect(records(lo, hi), now, time.Minute)
		want := float64(lo)/float64(hi) <= RatioThreshold
		if (fatal != nil) != want {
			t.Fatalf("lo=%d hi=%d: fatal=%v want fatal=%v", lo, hi, fatal, want)
		}
	})
}

func TestProperty_StalledWorkerAmongFive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// peers k,k+1,k,k+1 give median k and MAD 1; a silent fifth
		// worker then scores -0.6745*k
		k := rapid.IntRange(6, 10_000).Draw(t, "k")
		pos := rapid.IntRange(0, 4).Draw(t, "pos")
		counts := []int{k, k + 1, k, k + 1}
		counts = append(counts[:pos], append([]int{0}, counts[pos:]...)...)

		fatal := Detect(records(counts...), now, time.Minute)
		if fatal == nil {
			t.Fatalf("counts %v: stalled worker not detected", counts)
		}
		if fatal.Identity != fmt.Sprintf("w%d", pos) || fatal.Reason != ReasonZScore {
			t.Fatalf("counts %v: got %v", counts, fatal)
		}
	})
}
