package adapter

import (
	"math"
	"sync"
	"time"
)

// ─── Progress & ETA ─────────────────────────────────────────────────────────
// Single-artifact jobs report sampler steps directly. Multi-branch jobs
// (one save node per view) combine finished branches with the running
// branch's fraction and never move backwards.

// Tracker turns backend step counters into a percent and an ETA.
type Tracker struct {
	mu       sync.Mutex
	now      func() time.Time
	start    time.Time
	branches int
	finished int
	frac     float64
	percent  int
	lastDone time.Time
}

// NewTracker starts a tracker for a job with the given number of branches
// (1 for single-artifact jobs).
func NewTracker(branches int, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	if branches < 1 {
		branches = 1
	}
	t := now()
	return &Tracker{now: now, start: t, branches: branches}
}

// Single records step/total of a single-artifact job.
func (t *Tracker) Single(step, total int) {
	if total <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frac = float64(step) / float64(total)
	t.percent = clampPercent(t.frac * 100)
}

// Branch records step/total of the branch currently executing.
func (t *Tracker) Branch(step, total int) {
	if total <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frac = math.Min(math.Max(float64(step)/float64(total), 0), 1)
	t.advance()
}

// BranchFinished records that one more branch produced its artifact.
func (t *Tracker) BranchFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished < t.branches {
		t.finished++
	}
	t.frac = 0
	t.lastDone = t.now()
	t.advance()
}

// Finished returns how many branches have completed.
func (t *Tracker) Finished() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

func (t *Tracker) advance() {
	p := clampPercent((float64(t.finished) + t.frac) / float64(t.branches) * 100)
	if p > t.percent {
		t.percent = p
	}
}

// Snapshot returns the current percent and ETA in seconds.
func (t *Tracker) Snapshot() (percent, eta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percent, t.etaLocked()
}

func (t *Tracker) etaLocked() int {
	var secs float64
	switch {
	case t.finished > 0:
		avg := t.lastDone.Sub(t.start).Seconds() / float64(t.finished)
		remaining := float64(t.branches-t.finished) - t.frac
		secs = avg * math.Max(remaining, 0)
	case t.percent > 0:
		elapsed := t.now().Sub(t.start).Seconds()
		secs = elapsed / float64(t.percent) * float64(100-t.percent)
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return 0
	}
	return int(math.Round(secs))
}

func clampPercent(v float64) int {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 99 {
		return 99
	}
	return int(v)
}

// report pushes the tracker's snapshot to the sink.
func (t *Tracker) report(sink Sink) {
	p, eta := t.Snapshot()
	sink.Progress(p, eta)
}
