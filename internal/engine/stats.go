package engine

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"yqhp/build-engine/pkg/types"
)

// Stats 汇总一次运行的执行结果
type Stats struct {
	Total     int           `json:"total"` // -1 表示未知
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Batches   int           `json:"batches"`
	Duration  time.Duration `json:"duration"`
	P50       time.Duration `json:"p50"`
	P95       time.Duration `json:"p95"`
	Max       time.Duration `json:"max"`
}

// statsRecorder 用 HDR 直方图记录单条处理耗时（微秒）
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
	hist  *hdrhistogram.Histogram
	start time.Time
}

func newStatsRecorder(total int) *statsRecorder {
	return &statsRecorder{
		stats: Stats{Total: total},
		// 1us 到 1h，3 位有效数字
		hist:  hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3),
		start: time.Now(),
	}
}

func (r *statsRecorder) record(doc types.ProcessedDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Processed++
	if doc.Failed() {
		r.stats.Failed++
	}
	us := doc.ProcessTime.Microseconds()
	if us < 1 {
		us = 1
	}
	_ = r.hist.RecordValue(min(us, r.hist.HighestTrackableValue()))
}

func (r *statsRecorder) batch() {
	r.mu.Lock()
	r.stats.Batches++
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Duration = time.Since(r.start)
	if r.hist.TotalCount() > 0 {
		s.P50 = time.Duration(r.hist.ValueAtQuantile(50)) * time.Microsecond
		s.P95 = time.Duration(r.hist.ValueAtQuantile(95)) * time.Microsecond
		s.Max = time.Duration(r.hist.Max()) * time.Microsecond
	}
	return s
}
