package rtm

// Default tracker thresholds applied by APTrack.Reset to unset fields.
const (
	DefaultFineLockMax   = 8
	DefaultCoarseLockMax = 3
	DefaultUnlockMax     = 4
	DefaultOverMax       = 4
	DefaultUnderMax      = 4
	DefaultFineTol       = 3  // clocks
	DefaultCoarseTol     = 10 // clocks
	guardStep            = 8  // clocks of guard window per missing lock level
)

// BcnOffset is the short history and loss accounting of the tracker.
type BcnOffset struct {
	// R0 is the most recent arrival error in clocks, R1 the one before.
	R0, R1 int32
	// LossCnt counts consecutive missed beacons.
	LossCnt uint8
	// CoarseCnt counts demotions to coarse mode.
	CoarseCnt uint8
	// OverCnt and UnderCnt count consecutive late and early arrivals.
	OverCnt  uint8
	UnderCnt uint8
}

// APTrack estimates the AP beacon timing in local RTC clocks.
//
// Predictions extrapolate from the reference pair RefClk/RefTimestamp, which
// is moved to every beacon that arrives within tolerance, corrected by the
// DriftPPM estimate of the local clock against the AP TSF. The drift is
// measured against the StartClk/StartTimestamp anchor taken when tracking
// (re)started.
type APTrack struct {
	Lock            uint8 // 4 bit confidence
	TrackingUpdated uint8 // beacons observed this cycle, saturates at 15
	Coarse          bool
	Anchored        bool
	// TSFNorm is subtracted from beacon timestamps, in microseconds, to
	// account for the timestamp field being sent after TBTT.
	TSFNorm uint16

	FineLockMax   uint8
	CoarseLockMax uint8
	UnlockMax     uint8
	OverMax       uint8
	UnderMax      uint8
	FineTol       uint32 // clocks
	CoarseTol     uint32 // clocks

	// BeaconUs is the beacon interval in microseconds.
	BeaconUs uint64

	StartClk       uint64
	StartTimestamp uint64
	RefClk         uint64
	RefTimestamp   uint64
	BcnClk         uint64
	BcnTimestamp   uint64
	// DTIMTimestamp is the normalized TSF of a known DTIM beacon.
	DTIMTimestamp uint64

	// DriftPPM is how fast the RTC runs relative to the TSF.
	DriftPPM int32

	MinD   uint32 // smallest arrival error seen, clocks
	MinTO  uint32 // shortest listen wait, clocks
	MinCCA uint32 // lowest channel busy time, clocks

	Offset BcnOffset
}

// Reset forgets all timing state. Thresholds are kept; unset thresholds get defaults.
func (t *APTrack) Reset() {
	*t = APTrack{
		TSFNorm:       t.TSFNorm,
		BeaconUs:      t.BeaconUs,
		FineLockMax:   orDefault(t.FineLockMax, DefaultFineLockMax),
		CoarseLockMax: orDefault(t.CoarseLockMax, DefaultCoarseLockMax),
		UnlockMax:     orDefault(t.UnlockMax, DefaultUnlockMax),
		OverMax:       orDefault(t.OverMax, DefaultOverMax),
		UnderMax:      orDefault(t.UnderMax, DefaultUnderMax),
		FineTol:       orDefault(t.FineTol, DefaultFineTol),
		CoarseTol:     orDefault(t.CoarseTol, DefaultCoarseTol),
		Coarse:        true,
		MinD:          ^uint32(0),
		MinTO:         ^uint32(0),
		MinCCA:        ^uint32(0),
	}
	t.FineLockMax = min(t.FineLockMax, lockMax)
	t.CoarseLockMax = min(t.CoarseLockMax, t.FineLockMax)
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// SetBeaconInterval sets the beacon interval in TU.
func (t *APTrack) SetBeaconInterval(tu uint16) { t.BeaconUs = uint64(tu) * TUMicros }

// ResetCycle marks the tracking state as stale at the start of a wake cycle.
func (t *APTrack) ResetCycle() { t.TrackingUpdated = 0 }

// OnBeacon records a beacon received at local clock clk carrying the AP
// timestamp tsf and DTIM count dtimCount. A timestamp older than the last
// beacon means the AP restarted its TSF: the tracker re-anchors and returns
// ErrAPReset.
func (t *APTrack) OnBeacon(clk, tsf uint64, dtimCount uint8) error {
	norm := tsf - min(tsf, uint64(t.TSFNorm))
	t.TrackingUpdated = satinc(t.TrackingUpdated, lockMax)
	t.Offset.LossCnt = 0
	if !t.Anchored {
		t.anchor(clk, norm, dtimCount)
		return nil
	}
	if norm < t.BcnTimestamp {
		t.anchor(clk, norm, dtimCount)
		return opErr("beacon", ErrAPReset)
	}
	t.BcnClk = clk
	t.BcnTimestamp = norm
	if t.BeaconUs != 0 {
		t.DTIMTimestamp = norm + uint64(dtimCount)*t.BeaconUs
	}
	e := int64(clk) - int64(t.clkAt(norm))
	t.Offset.R1 = t.Offset.R0
	t.Offset.R0 = int32(max(min(e, 1<<31-1), -1<<31))
	ae := uint64(abs(e))
	t.MinD = uint32(min(uint64(t.MinD), ae))

	tol := uint64(t.FineTol)
	if t.Coarse {
		tol = uint64(t.CoarseTol)
	}
	if ae > tol {
		if t.Lock == 0 && t.Coarse {
			// Nothing to protect: follow the AP.
			t.anchor(clk, norm, dtimCount)
			return nil
		}
		t.Lock /= 2
		t.Coarse = true
		t.Offset.CoarseCnt = satinc(t.Offset.CoarseCnt, 0xff)
		t.Offset.OverCnt, t.Offset.UnderCnt = 0, 0
		return nil
	}
	t.Lock = min(t.Lock+1, t.FineLockMax)
	if t.Coarse && t.Lock >= t.CoarseLockMax {
		t.Coarse = false
	}
	t.trackDrift(clk, norm)
	t.RefClk, t.RefTimestamp = clk, norm
	return nil
}

// trackDrift measures the clock rate against the anchor and adopts it after
// OverMax (or UnderMax) consecutive measurements above (below) the estimate.
func (t *APTrack) trackDrift(clk, norm uint64) {
	span := UsToClk(norm - t.StartTimestamp)
	if span < ClockHz {
		return // too short to resolve
	}
	e := int64(clk-t.StartClk) - int64(span)
	ppm := int32(e * 1_000_000 / int64(span))
	switch {
	case ppm > t.DriftPPM:
		t.Offset.UnderCnt = 0
		t.Offset.OverCnt++
		if t.Offset.OverCnt >= t.OverMax {
			t.DriftPPM = ppm
			t.Offset.OverCnt = 0
		}
	case ppm < t.DriftPPM:
		t.Offset.OverCnt = 0
		t.Offset.UnderCnt++
		if t.Offset.UnderCnt >= t.UnderMax {
			t.DriftPPM = ppm
			t.Offset.UnderCnt = 0
		}
	default:
		t.Offset.OverCnt, t.Offset.UnderCnt = 0, 0
	}
}

func (t *APTrack) anchor(clk, norm uint64, dtimCount uint8) {
	t.Anchored = true
	t.StartClk, t.StartTimestamp = clk, norm
	t.RefClk, t.RefTimestamp = clk, norm
	t.BcnClk, t.BcnTimestamp = clk, norm
	if t.BeaconUs != 0 {
		t.DTIMTimestamp = norm + uint64(dtimCount)*t.BeaconUs
	}
	t.Lock = 0
	t.Coarse = true
	t.Offset.R0, t.Offset.R1 = 0, 0
	t.Offset.OverCnt, t.Offset.UnderCnt = 0, 0
}

// OnBeaconMissed records a beacon that did not arrive in its listen window.
// It returns true when the miss made the tracker drop its lock.
func (t *APTrack) OnBeaconMissed() (lost bool) {
	t.Offset.LossCnt = satinc(t.Offset.LossCnt, 0xff)
	if t.Offset.LossCnt < t.UnlockMax {
		return false
	}
	lost = t.Lock != 0 || !t.Coarse
	t.Lock = 0
	t.Coarse = true
	return lost
}

// NoteListen records how long the receiver waited for a beacon and how long
// the channel was busy meanwhile.
func (t *APTrack) NoteListen(wait, cca uint32) {
	t.MinTO = min(t.MinTO, wait)
	t.MinCCA = min(t.MinCCA, cca)
}

// Guard returns the half width in clocks of the listen window around a
// predicted TBTT. It widens as the lock level drops and beacons go missing.
func (t *APTrack) Guard() uint32 {
	g := 2*t.FineTol + uint32(t.FineLockMax-min(t.Lock, t.FineLockMax))*guardStep
	if t.Coarse {
		g += 2 * t.CoarseTol
	}
	return g + uint32(t.Offset.LossCnt)*guardStep
}

// scale applies the drift estimate to a clock delta.
func (t *APTrack) scale(dclk int64) int64 {
	return dclk + dclk*int64(t.DriftPPM)/1_000_000
}

// clkAt returns the local clock at which the normalized TSF value tsf occurs.
func (t *APTrack) clkAt(tsf uint64) uint64 {
	if tsf >= t.RefTimestamp {
		return t.RefClk + uint64(t.scale(int64(UsToClk(tsf-t.RefTimestamp))))
	}
	return t.RefClk - uint64(t.scale(int64(UsToClk(t.RefTimestamp-tsf))))
}

// tsfAt returns the normalized TSF estimated at local clock clk.
func (t *APTrack) tsfAt(clk uint64) uint64 {
	var d int64
	if clk >= t.RefClk {
		d = int64(ClkToUs(clk - t.RefClk))
	} else {
		d = -int64(ClkToUs(t.RefClk - clk))
	}
	d -= d * int64(t.DriftPPM) / 1_000_000
	return uint64(int64(t.RefTimestamp) + d)
}

// PredictNextTBTT returns the local clock of the first TBTT strictly after
// now. It returns Never before the first beacon or while the interval is unknown.
func (t *APTrack) PredictNextTBTT(now uint64) uint64 {
	return t.predict(now, t.BeaconUs, 0)
}

// PredictNextDTIM returns the clock of the first DTIM TBTT strictly after now
// and the DTIM period in clocks. It returns Never, 0 when unknown.
func (t *APTrack) PredictNextDTIM(now uint64, dtim uint8) (next, period uint64) {
	if dtim == 0 || t.BeaconUs == 0 {
		return Never, 0
	}
	span := t.BeaconUs * uint64(dtim)
	return t.predict(now, span, t.DTIMTimestamp%span), uint64(t.scale(int64(UsToClk(span))))
}

func (t *APTrack) predict(now, spanUs, phase uint64) uint64 {
	if !t.Anchored || spanUs == 0 {
		return Never
	}
	tsf := t.tsfAt(now)
	next := tsf - (tsf+spanUs-phase)%spanUs + spanUs
	for {
		clk := t.clkAt(next)
		if clk > now {
			return clk
		}
		next += spanUs
	}
}

// Impending returns the clock the receiver should be listening from to
// catch the next beacon after now.
func (t *APTrack) Impending(now uint64) uint64 {
	tbtt := t.PredictNextTBTT(now)
	if tbtt == Never {
		return Never
	}
	return tbtt - min(tbtt, uint64(t.Guard()))
}
