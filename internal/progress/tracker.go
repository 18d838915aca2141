package progress

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of a running job's throughput and
// remaining-time estimate. RemainingSeconds is nil until the first
// throughput sample exists; clients must treat nil as unknown, not zero.
type Snapshot struct {
	Progress         float64
	ElapsedSeconds   float64
	ThroughputCPS    float64
	RemainingSeconds *float64
	TotalChars       int64
	ProcessedChars   int64
}

// Tracker estimates elapsed time, throughput, and remaining time for one
// job as documents complete. It is owned by the goroutine executing the
// job; Snapshot is safe to call from status-polling readers.
type Tracker struct {
	mu        sync.Mutex
	started   bool
	startedAt time.Time
	total     int64
	processed int64

	// now is swappable for tests.
	now func() time.Time
}

// NewTracker creates an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Start records the job start time and the workload size in characters.
func (t *Tracker) Start(totalChars int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	t.startedAt = t.now()
	t.total = totalChars
	t.processed = 0
}

// Advance adds processed characters after a document finishes.
func (t *Tracker) Advance(delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || delta <= 0 {
		return
	}
	t.processed += delta
	if t.processed > t.total {
		t.processed = t.total
	}
}

// Snapshot computes current progress and timing estimates.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		TotalChars:     t.total,
		ProcessedChars: t.processed,
	}
	if !t.started {
		return snap
	}

	elapsed := t.now().Sub(t.startedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	snap.ElapsedSeconds = elapsed

	if t.total > 0 {
		snap.Progress = float64(t.processed) / float64(t.total) * 100
		if snap.Progress > 100 {
			snap.Progress = 100
		}
		if snap.Progress < 0 {
			snap.Progress = 0
		}
	}

	if t.processed > 0 && elapsed > 0 {
		snap.ThroughputCPS = float64(t.processed) / elapsed
	}

	if snap.ThroughputCPS > 0 {
		remaining := float64(t.total-t.processed) / snap.ThroughputCPS
		if remaining < 0 {
			remaining = 0
		}
		snap.RemainingSeconds = &remaining
	}

	return snap
}
