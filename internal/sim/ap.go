package sim

import (
	"math/rand"

	"github.com/xiaoh105/neuralert-firmware-sub007/rtm"
)

// APConfig describes the simulated access point and the radio path to it.
type APConfig struct {
	BeaconInterval uint16 // TU
	DTIMPeriod     uint8
	// TSFOffset is the AP timestamp at local clock zero, microseconds.
	TSFOffset int64
	// DriftPPM is how fast the local RTC runs against the AP.
	DriftPPM int64
	// JitterUs is the maximum receive latency added to a beacon.
	JitterUs int64
	// Loss is the probability a beacon is not received.
	Loss float64
	// TIMProb and BCMCProb are the probabilities of buffered unicast and
	// group traffic being announced.
	TIMProb  float64
	BCMCProb float64
	Seed     int64
}

// AP is a beacon source. TBTTs fall on multiples of the beacon interval in
// TSF time. Methods must not be called concurrently.
type AP struct {
	cfg    APConfig
	offset int64 // TSF minus true time, microseconds
	rng    *rand.Rand
	burst  int
	deauth bool
}

func NewAP(cfg APConfig) *AP {
	if cfg.BeaconInterval == 0 {
		cfg.BeaconInterval = 100
	}
	if cfg.DTIMPeriod == 0 {
		cfg.DTIMPeriod = 1
	}
	return &AP{cfg: cfg, offset: cfg.TSFOffset, rng: rand.New(rand.NewSource(cfg.Seed))}
}

func (ap *AP) Config() APConfig { return ap.cfg }

func (ap *AP) biUs() int64 { return int64(ap.cfg.BeaconInterval) * rtm.TUMicros }

// trueToClk converts true time to the drifting local clock.
func (ap *AP) trueToClk(t int64) uint64 {
	c := rtm.UsToClk(uint64(max(t, 0)))
	return uint64(int64(c) + int64(c)*ap.cfg.DriftPPM/1_000_000)
}

func (ap *AP) clkToTrue(clk uint64) int64 {
	us := int64(rtm.ClkToUs(clk))
	return us * 1_000_000 / (1_000_000 + ap.cfg.DriftPPM)
}

// TSFAt returns the AP timestamp at local clock clk.
func (ap *AP) TSFAt(clk uint64) int64 { return ap.clkToTrue(clk) + ap.offset }

// NextTBTT returns the local clock, TSF and index of the first TBTT at or after clk.
func (ap *AP) NextTBTT(clk uint64) (at uint64, tsf uint64, index int64) {
	bi := ap.biUs()
	k := (ap.TSFAt(clk) + bi - 1) / bi
	for {
		tsf := k * bi
		if tsf >= 0 {
			if at := ap.trueToClk(tsf - ap.offset); at >= clk {
				return at, uint64(tsf), k
			}
		}
		k++
	}
}

// DTIMCount returns the DTIM count carried by beacon index.
func (ap *AP) DTIMCount(index int64) uint8 {
	p := int64(ap.cfg.DTIMPeriod)
	return uint8((p - index%p) % p)
}

func (ap *AP) jitter() uint64 {
	if ap.cfg.JitterUs <= 0 {
		return 0
	}
	return rtm.UsToClk(uint64(ap.rng.Int63n(ap.cfg.JitterUs + 1)))
}

func (ap *AP) lost() bool {
	if ap.burst > 0 {
		ap.burst--
		return true
	}
	return ap.cfg.Loss > 0 && ap.rng.Float64() < ap.cfg.Loss
}

// LoseNext drops the next n beacons.
func (ap *AP) LoseNext(n int) { ap.burst = n }

// SetDTIMPeriod changes the DTIM period announced from now on.
func (ap *AP) SetDTIMPeriod(p uint8) { ap.cfg.DTIMPeriod = max(p, 1) }

// ResetTSF restarts the AP timestamp from zero at local clock clk.
func (ap *AP) ResetTSF(clk uint64) { ap.offset = -ap.clkToTrue(clk) }

// Deauth makes the next deauth poll report a deauthentication.
func (ap *AP) Deauth() { ap.deauth = true }

func (ap *AP) takeDeauth() bool {
	d := ap.deauth
	ap.deauth = false
	return d
}

func (ap *AP) chance(p float64) bool { return p > 0 && ap.rng.Float64() < p }
