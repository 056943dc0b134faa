// package rtm implements the Deep Power Mode retention memory image: the
// structures that survive a power-down of the SoC and the schedule, beacon
// tracking and status logic that operate on them between wakes.
package rtm

import (
	"math"

	"golang.org/x/exp/constraints"
)

const (
	// Preamble marks a retention image as initialized.
	Preamble uint32 = 0x600DF00D
	// WdogPreamble is written to Status.WdogPreamble when the image was saved
	// from a watchdog handler.
	WdogPreamble uint32 = 0xa7a7a7a7
	// Version of the image layout. Bumped on any codec change.
	Version uint32 = 4
)

const (
	// ClockHz is the rate of the always-on RTC counter.
	ClockHz = 32768
	// TUMicros is the length of one 802.11 time unit in microseconds.
	TUMicros = 1024
	// PrepTimeMax is the number of preparation budget slots in Schedule.PrepClk.
	PrepTimeMax = 4
	// NumQoS is the number of per-AC sequence number spaces kept in Status.
	NumQoS = 5
	// Never is returned as next wake tick when no schedule node is armed.
	Never uint64 = math.MaxUint64

	arbitraryMask = 1<<26 - 1
	seqnMask      = 0xfff
	lockMax       = 0xf
	prepMask      = 0xf
	pnMask        = 1<<48 - 1
)

// UsToClk converts microseconds to RTC clocks, rounding down.
func UsToClk(us uint64) uint64 {
	return us/1_000_000*ClockHz + (us%1_000_000)*ClockHz/1_000_000
}

// ClkToUs converts RTC clocks to microseconds, rounding down.
func ClkToUs(clk uint64) uint64 {
	return clk/ClockHz*1_000_000 + (clk%ClockHz)*1_000_000/ClockHz
}

// TUToClk converts 802.11 time units to RTC clocks.
func TUToClk(tu uint64) uint64 { return UsToClk(tu * TUMicros) }

// alignUp returns the smallest value of the grid base+k*period that is >= v.
// A zero period disables alignment.
func alignUp[T constraints.Unsigned](v, base, period T) T {
	if period == 0 {
		return v
	}
	if v < base {
		return base - (base-v)/period*period
	}
	off := (v - base) % period
	if off == 0 {
		return v
	}
	return v + (period - off)
}

// floorMultiple rounds v down to a multiple of m. m must be non-zero.
func floorMultiple[T constraints.Unsigned](v, m T) T {
	return v - v%m
}

func abs[T constraints.Signed](v T) T {
	if v < 0 {
		return -v
	}
	return v
}

func satinc[T constraints.Unsigned](v, limit T) T {
	if v >= limit {
		return limit
	}
	return v + 1
}
