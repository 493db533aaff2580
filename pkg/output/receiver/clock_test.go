// ABOUTME: Tests for receiver clock synchronization
// ABOUTME: Tests RTT and offset calculation, drift estimation and sample rejection
package receiver

import (
	"math"
	"testing"
)

// exchange builds a sync exchange ending at t4 with a 900μs RTT and the given offset
func exchange(t4, offset int64) (int64, int64, int64, int64) {
	t1 := t4 - 1000
	t2 := t1 + 450 + offset
	t3 := t2 + 100
	return t1, t2, t3, t4
}

func TestRTTCalculation(t *testing.T) {
	// Simulate a sync exchange with 4.5ms RTT
	t1 := int64(1000000) // local send
	t2 := int64(1002000) // receiver receive, +2ms
	t3 := int64(1002500) // receiver send, +0.5ms processing
	t4 := int64(1005000) // local receive, +5ms total

	rtt, offset := calculateOffset(t1, t2, t3, t4)
	if rtt != 4500 {
		t.Errorf("expected RTT 4500μs, got %dμs", rtt)
	}
	// return leg is 0.5ms slower than the outbound leg
	if offset != -250 {
		t.Errorf("expected offset -250μs, got %dμs", offset)
	}

	// symmetric legs give zero offset
	rtt, offset = calculateOffset(1000000, 1002000, 1002500, 1004500)
	if rtt != 4000 {
		t.Errorf("expected RTT 4000μs, got %dμs", rtt)
	}
	if offset != 0 {
		t.Errorf("expected zero offset, got %dμs", offset)
	}
}

func TestInitialSync(t *testing.T) {
	cs := NewClockSync()
	if cs.Samples() != 0 {
		t.Fatal("expected no samples initially")
	}
	if _, _, q := cs.Stats(); q != QualityLost {
		t.Errorf("expected QualityLost before sync, got %v", q)
	}

	now := nowMicros()
	cs.ProcessSyncResponse(exchange(now, 2500))

	offset, rtt, quality := cs.Stats()
	if offset != 2500 {
		t.Errorf("expected offset 2500μs, got %d", offset)
	}
	if rtt != 900 {
		t.Errorf("expected rtt 900μs, got %d", rtt)
	}
	if quality != QualityGood {
		t.Errorf("expected QualityGood, got %v", quality)
	}
}

func TestDriftEstimation(t *testing.T) {
	cs := NewClockSync()

	// offset grows 10μs per second: 10ppm
	cs.ProcessSyncResponse(exchange(1_000_000, 1000))
	cs.ProcessSyncResponse(exchange(2_000_000, 1010))

	if got := cs.DriftPPM(); math.Abs(got-10) > 1e-9 {
		t.Errorf("expected 10ppm, got %f", got)
	}

	// on-prediction samples keep the estimate
	cs.ProcessSyncResponse(exchange(3_000_000, 1020))
	if got := cs.DriftPPM(); math.Abs(got-10) > 1e-6 {
		t.Errorf("expected drift to stay at 10ppm, got %f", got)
	}
	if cs.Samples() != 3 {
		t.Errorf("expected 3 samples, got %d", cs.Samples())
	}
}

func TestHighRTTDiscarded(t *testing.T) {
	cs := NewClockSync()
	t1 := int64(1_000_000)
	cs.ProcessSyncResponse(t1, t1+100, t1+200, t1+maxSyncRTT+1000)

	if cs.Samples() != 0 {
		t.Errorf("expected high-RTT sample to be discarded, got %d samples", cs.Samples())
	}
}

func TestLargeResidualDiscarded(t *testing.T) {
	cs := NewClockSync()
	cs.ProcessSyncResponse(exchange(1_000_000, 0))
	cs.ProcessSyncResponse(exchange(2_000_000, 0))
	cs.ProcessSyncResponse(exchange(3_000_000, maxResidual*2))

	if cs.Samples() != 2 {
		t.Errorf("expected outlier to be discarded, got %d samples", cs.Samples())
	}
	if offset, _, _ := cs.Stats(); offset != 0 {
		t.Errorf("expected offset to stay 0, got %d", offset)
	}
}

func TestReset(t *testing.T) {
	cs := NewClockSync()
	cs.ProcessSyncResponse(exchange(nowMicros(), 500))
	cs.Reset()

	if cs.Samples() != 0 {
		t.Error("expected no samples after reset")
	}
	if offset, _, q := cs.Stats(); offset != 0 || q != QualityLost {
		t.Errorf("expected cleared state, got offset %d quality %v", offset, q)
	}
}
