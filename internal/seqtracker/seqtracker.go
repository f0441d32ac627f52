// Package seqtracker validates the strictly-increasing per-run seq
// invariant and detects gaps. Its state is driven purely by the last seq
// observed for a run, never by any "is this run still active" registry, so
// a gap can be detected and resynced even after a run's lifecycle has
// already ended elsewhere in the client.
package seqtracker

import "sync"

// GapFunc is invoked once per detected gap: the run expected "expected" but
// received "received" (received > expected). Callers typically respond by
// issuing an agent.wait(runId) request.
type GapFunc func(runID string, expected, received int64)

// Tracker holds the expectedSeq counter for every run it has observed.
type Tracker struct {
	onGap GapFunc

	mu       sync.Mutex
	expected map[string]int64
}

// New constructs a Tracker that reports gaps via onGap.
func New(onGap GapFunc) *Tracker {
	return &Tracker{
		onGap:    onGap,
		expected: make(map[string]int64),
	}
}

// Observe applies one run's frame seq to the tracker's state, returning
// whether the caller should accept (process) the frame: duplicates/replays
// (seq < expected) are dropped; seq == expected or seq > expected (a gap)
// are both accepted, per the "never reorder" rule — only seq < expected
// is ever dropped.
func (t *Tracker) Observe(runID string, seq int64) bool {
	t.mu.Lock()
	expected, ok := t.expected[runID]
	if !ok {
		expected = 1
	}

	switch {
	case seq < expected:
		t.mu.Unlock()
		return false
	case seq == expected:
		t.expected[runID] = seq + 1
		t.mu.Unlock()
		return true
	default: // seq > expected
		t.expected[runID] = seq + 1
		t.mu.Unlock()
		if t.onGap != nil {
			t.onGap(runID, expected, seq)
		}
		return true
	}
}

// ExpectedSeq reports the next seq this tracker will accept for runID
// (1 if the run has never been observed).
func (t *Tracker) ExpectedSeq(runID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.expected[runID]; ok {
		return v
	}
	return 1
}

// Forget drops a run's tracked state, e.g. once its lifecycle has
// definitely ended and no further resync will ever be requested for it.
func (t *Tracker) Forget(runID string) {
	t.mu.Lock()
	delete(t.expected, runID)
	t.mu.Unlock()
}
