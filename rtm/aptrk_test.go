package rtm

import (
	"errors"
	"testing"
)

const (
	testBI     = 100 // TU
	testBIUs   = testBI * TUMicros
	testBase   = 5000
	firstIndex = 1000
)

// beacon returns the local clock and timestamp of beacon k of an AP whose
// clock agrees with the RTC.
func beacon(k uint64) (clk, tsf uint64) {
	return testBase + UsToClk(k*testBIUs), k * testBIUs
}

func newTracker() *APTrack {
	var tr APTrack
	tr.Reset()
	tr.SetBeaconInterval(testBI)
	return &tr
}

func absdiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestTrackerLockAcquire(t *testing.T) {
	tr := newTracker()
	k := uint64(firstIndex)
	clk, tsf := beacon(k)
	if err := tr.OnBeacon(clk, tsf, 0); err != nil {
		t.Fatal(err)
	}
	if !tr.Anchored || !tr.Coarse || tr.Lock != 0 {
		t.Fatalf("after anchor: %+v", tr)
	}
	prev := tr.Lock
	for i := 0; i < 12; i++ {
		k++
		clk, tsf = beacon(k)
		if err := tr.OnBeacon(clk, tsf, 0); err != nil {
			t.Fatal(err)
		}
		if tr.Lock < prev {
			t.Fatalf("lock decreased on consistent beacon %d: %d -> %d", i, prev, tr.Lock)
		}
		prev = tr.Lock
	}
	if tr.Lock != tr.FineLockMax || tr.Coarse {
		t.Errorf("lock %d coarse %v after consistent stream", tr.Lock, tr.Coarse)
	}
	if tr.TrackingUpdated == 0 {
		t.Error("tracking not marked updated")
	}
}

func TestTrackerJitterHysteresis(t *testing.T) {
	tr := newTracker()
	k := uint64(firstIndex)
	for i := 0; i < 12; i++ {
		clk, tsf := beacon(k)
		tr.OnBeacon(clk, tsf, 0)
		k++
	}
	before := tr.Lock
	clk, tsf := beacon(k)
	tr.OnBeacon(clk+40, tsf, 0)
	k++
	if tr.Lock >= before {
		t.Fatalf("lock did not drop on deviation: %d -> %d", before, tr.Lock)
	}
	if !tr.Coarse {
		t.Fatal("deviation did not demote to coarse")
	}
	if tr.Offset.CoarseCnt != 1 {
		t.Errorf("coarse count %d", tr.Offset.CoarseCnt)
	}
	prev := tr.Lock
	for i := 0; i < int(tr.FineLockMax); i++ {
		clk, tsf := beacon(k)
		tr.OnBeacon(clk, tsf, 0)
		k++
		if tr.Lock <= prev && tr.Lock != tr.FineLockMax {
			t.Fatalf("lock did not recover at step %d: %d -> %d", i, prev, tr.Lock)
		}
		prev = tr.Lock
	}
	if tr.Lock < before || tr.Coarse {
		t.Errorf("lock %d coarse %v after recovery, want >= %d in fine mode", tr.Lock, tr.Coarse, before)
	}
}

func TestTrackerMissAndReset(t *testing.T) {
	tr := newTracker()
	k := uint64(firstIndex)
	for i := 0; i < 10; i++ {
		clk, tsf := beacon(k)
		tr.OnBeacon(clk, tsf, 0)
		k++
	}
	g := tr.Guard()
	for i := 1; i < int(tr.UnlockMax); i++ {
		if tr.OnBeaconMissed() {
			t.Fatalf("lost lock after %d misses", i)
		}
	}
	if tr.Guard() <= g {
		t.Error("guard did not widen with misses")
	}
	if !tr.OnBeaconMissed() || tr.Lock != 0 || !tr.Coarse {
		t.Fatalf("lock not dropped after %d misses: %+v", tr.UnlockMax, tr)
	}

	clk, tsf := beacon(k)
	tr.OnBeacon(clk, tsf, 0)
	if tr.Offset.LossCnt != 0 {
		t.Errorf("loss count not cleared by beacon: %d", tr.Offset.LossCnt)
	}
	err := tr.OnBeacon(clk+100, 1000, 0)
	if !errors.Is(err, ErrAPReset) {
		t.Fatalf("tsf going backwards: got %v, want ErrAPReset", err)
	}
	if tr.StartTimestamp != 1000 || tr.RefTimestamp != 1000 || tr.Lock != 0 {
		t.Errorf("not re-anchored after AP reset: %+v", tr)
	}
}

func TestTrackerPredict(t *testing.T) {
	tr := newTracker()
	if tr.PredictNextTBTT(0) != Never || tr.Impending(0) != Never {
		t.Fatal("prediction without beacons")
	}
	clk, tsf := beacon(firstIndex)
	tr.OnBeacon(clk, tsf, 2)
	next := tr.PredictNextTBTT(clk + 10)
	if want := clk + UsToClk(testBIUs); absdiff(next, want) > 1 {
		t.Errorf("next tbtt: got %d, want %d", next, want)
	}
	if next := tr.PredictNextTBTT(clk); next <= clk {
		t.Errorf("prediction not strictly after now: %d", next)
	}
	dtim, period := tr.PredictNextDTIM(clk+10, 3)
	if want := clk + UsToClk(2*testBIUs); absdiff(dtim, want) > 1 {
		t.Errorf("next dtim: got %d, want %d", dtim, want)
	}
	if want := UsToClk(3 * testBIUs); period != want {
		t.Errorf("dtim period: got %d, want %d", period, want)
	}
	if imp := tr.Impending(clk + 10); imp != next-uint64(tr.Guard()) {
		t.Errorf("impending %d, want %d", imp, next-uint64(tr.Guard()))
	}
	if _, p := tr.PredictNextDTIM(clk, 0); p != 0 {
		t.Error("dtim prediction with zero period")
	}
}

func TestTrackerDrift(t *testing.T) {
	tr := newTracker()
	// Local clock fast by 200 ppm: every interval is 0.67 clocks longer.
	fast := func(k uint64) (uint64, uint64) {
		us := (k - firstIndex) * testBIUs
		return testBase + UsToClk(us+us/5000), k * testBIUs
	}
	for k := uint64(firstIndex); k < firstIndex+200; k++ {
		clk, tsf := fast(k)
		tr.OnBeacon(clk, tsf, 0)
	}
	if tr.DriftPPM <= 0 {
		t.Errorf("drift estimate did not follow a fast clock: %d", tr.DriftPPM)
	}
	if tr.Coarse {
		t.Errorf("tracker did not settle: lock %d", tr.Lock)
	}
}

func TestTrackerNoteListen(t *testing.T) {
	tr := newTracker()
	tr.NoteListen(100, 30)
	tr.NoteListen(200, 10)
	if tr.MinTO != 100 || tr.MinCCA != 10 {
		t.Errorf("min stats: to=%d cca=%d", tr.MinTO, tr.MinCCA)
	}
}
