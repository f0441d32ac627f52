package seqtracker_test

import (
	"testing"

	"osaurus/internal/seqtracker"
)

func TestAcceptsInOrderSequence(t *testing.T) {
	var gaps int
	tr := seqtracker.New(func(string, int64, int64) { gaps++ })

	for seq := int64(1); seq <= 3; seq++ {
		if !tr.Observe("r1", seq) {
			t.Errorf("seq %d: expected accept", seq)
		}
	}
	if gaps != 0 {
		t.Errorf("expected no gaps, got %d", gaps)
	}
	if tr.ExpectedSeq("r1") != 4 {
		t.Errorf("expected next seq 4, got %d", tr.ExpectedSeq("r1"))
	}
}

func TestDropsDuplicateOrOutOfOrder(t *testing.T) {
	tr := seqtracker.New(nil)
	tr.Observe("r1", 1)
	tr.Observe("r1", 2)

	if tr.Observe("r1", 1) {
		t.Error("expected duplicate seq 1 to be dropped")
	}
	if tr.Observe("r1", 2) {
		t.Error("expected replay of seq 2 to be dropped")
	}
}

func TestGapFiresExactlyOnceWithExpectedAndReceived(t *testing.T) {
	type gap struct{ expected, received int64 }
	var gaps []gap
	tr := seqtracker.New(func(_ string, expected, received int64) {
		gaps = append(gaps, gap{expected, received})
	})

	tr.Observe("r1", 1)
	accepted := tr.Observe("r1", 3)
	if !accepted {
		t.Error("expected gap frame to be accepted, not reordered away")
	}
	if len(gaps) != 1 || gaps[0].expected != 2 || gaps[0].received != 3 {
		t.Errorf("unexpected gap report: %+v", gaps)
	}

	next := tr.Observe("r1", 4)
	if !next {
		t.Error("expected seq 4 to be accepted after the gap")
	}
	if len(gaps) != 1 {
		t.Errorf("expected no further gap for the in-order continuation, got %d", len(gaps))
	}
}

func TestTracksRunsIndependently(t *testing.T) {
	tr := seqtracker.New(nil)
	tr.Observe("r1", 1)
	tr.Observe("r2", 1)
	if tr.ExpectedSeq("r1") != 2 || tr.ExpectedSeq("r2") != 2 {
		t.Error("runs should track independently")
	}
}

func TestForgetResetsExpectedSeq(t *testing.T) {
	tr := seqtracker.New(nil)
	tr.Observe("r1", 1)
	tr.Forget("r1")
	if tr.ExpectedSeq("r1") != 1 {
		t.Errorf("expected reset to 1 after Forget, got %d", tr.ExpectedSeq("r1"))
	}
}

func TestWorksAfterLifecycleEndRemoval(t *testing.T) {
	// The tracker has no notion of "active" runs; observing seq for a run
	// that some other registry has already discarded must still detect gaps.
	var gotGap bool
	tr := seqtracker.New(func(string, int64, int64) { gotGap = true })
	tr.Observe("done-run", 1)
	tr.Observe("done-run", 5)
	if !gotGap {
		t.Error("expected gap detection to work regardless of external lifecycle state")
	}
}
