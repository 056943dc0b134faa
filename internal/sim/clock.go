// Package sim simulates the platform a DPM station runs on: the always-on
// RTC, an access point sending beacons and a board that sleeps, listens and
// transmits.
package sim

import "sync"

// Clock is a simulated RTC counting at rtm.ClockHz.
type Clock struct {
	mu  sync.Mutex
	clk uint64
}

func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clk
}

// Advance moves the clock forward by d clocks.
func (c *Clock) Advance(d uint64) {
	c.mu.Lock()
	c.clk += d
	c.mu.Unlock()
}

// AdvanceTo moves the clock to clk unless it is already past it.
func (c *Clock) AdvanceTo(clk uint64) {
	c.mu.Lock()
	c.clk = max(c.clk, clk)
	c.mu.Unlock()
}
