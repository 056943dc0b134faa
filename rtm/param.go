package rtm

// Calibration blob sizes.
const (
	PHYCalSize = 256
	ADCCalSize = 32
)

// PHYCal is opaque PHY calibration data kept across power-down.
type PHYCal struct {
	Len  uint16
	Data [PHYCalSize]byte
}

// Set copies b in. It fails if b does not fit.
func (c *PHYCal) Set(b []byte) error {
	if len(b) > PHYCalSize {
		return opErr("phy cal", ErrFail)
	}
	c.Data = [PHYCalSize]byte{}
	c.Len = uint16(copy(c.Data[:], b))
	return nil
}

// Bytes returns a copy of the stored calibration.
func (c *PHYCal) Bytes() []byte { return append([]byte(nil), c.Data[:c.Len]...) }

// ADCCal is opaque ADC calibration data kept across power-down.
type ADCCal struct {
	Len  uint8
	Data [ADCCalSize]byte
}

func (c *ADCCal) Set(b []byte) error {
	if len(b) > ADCCalSize {
		return opErr("adc cal", ErrFail)
	}
	c.Data = [ADCCalSize]byte{}
	c.Len = uint8(copy(c.Data[:], b))
	return nil
}

func (c *ADCCal) Bytes() []byte { return append([]byte(nil), c.Data[:c.Len]...) }

// AntDiv is the antenna diversity setting.
type AntDiv struct {
	Enabled bool
	Antenna uint8
}

// MMKind is a MAC management request left for the full boot path.
type MMKind uint8

const (
	MMNone MMKind = iota
	MMDeauth
)

func (k MMKind) String() string {
	switch k {
	case MMNone:
		return "none"
	case MMDeauth:
		return "deauth"
	}
	return "mm(?)"
}

// MM caches one pending MAC management request.
type MM struct {
	Pending bool
	Kind    MMKind
	Arg     uint16 // reason code
}

// Request records a pending request, replacing any earlier one.
func (m *MM) Request(kind MMKind, arg uint16) { *m = MM{Pending: kind != MMNone, Kind: kind, Arg: arg} }

// Take returns and clears the pending request. The boot that leaves the
// low power loop owns it.
func (m *MM) Take() (MM, bool) {
	req := *m
	*m = MM{}
	return req, req.Pending
}

// RTCSnap holds the RTC clocks of the last power-down and wake.
type RTCSnap struct {
	SleepClk uint64
	WakeClk  uint64
}

// TIMStats are counters of the TIM wake application.
type TIMStats struct {
	Wakes         uint32
	BcnRx         uint32
	BcnMiss       uint32
	UCWakes       uint32
	BCMCWakes     uint32
	KASent        uint32
	ShortSleeps   uint32
	ColdBoots     uint32
	WarmBoots     uint32
	TotalSleepClk uint64
}

// Validity is the result of Param.Validate.
type Validity uint8

const (
	Corrupt Validity = iota
	Valid
)

func (v Validity) String() string {
	if v == Valid {
		return "valid"
	}
	return "corrupt"
}

// Param is the retention memory image. It is a single value with no
// pointers so that it can be copied to and from retained storage as a whole.
type Param struct {
	Preamble uint32
	Version  uint32

	ADC    ADCCal
	PHY    PHYCal
	AntDiv AntDiv
	Env    Env
	MM     MM
	Status Status
	RTC    RTCSnap
	APTrk  APTrack
	IV     IVCache
	Sche   Schedule
	Stats  TIMStats
}

// Validate reports whether the image carries the preamble.
func (p *Param) Validate() Validity {
	if p.Preamble == Preamble {
		return Valid
	}
	return Corrupt
}

// Stamp marks the image as initialized.
func (p *Param) Stamp() {
	p.Preamble = Preamble
	p.Version = Version
}

// Reset zeroes the image and resets the tracker thresholds to defaults.
// The preamble is cleared and must be stamped again.
func (p *Param) Reset() {
	*p = Param{}
	p.APTrk.Reset()
}

// ResetRuntime clears the state derived from the association while keeping
// Env, calibration and statistics. Used to recover from a watchdog reset.
func (p *Param) ResetRuntime() {
	p.Sche.Reset()
	p.MM = MM{}
	p.APTrk.Reset()
	p.APTrk.SetBeaconInterval(p.Env.BeaconInterval)
}

// BuildSchedule rebuilds the schedule table from Env at clock now and
// refreshes the DTIM grid from the beacon tracker.
func (p *Param) BuildSchedule(now uint64) (skipped Function, err error) {
	p.APTrk.SetBeaconInterval(p.Env.BeaconInterval)
	p.RefreshDTIMGrid(now)
	return p.Sche.Build(&p.Env, now)
}

// RefreshDTIMGrid recomputes the schedule DTIM alignment grid. Without beacon
// timing the grid is derived from now and the nominal DTIM period.
func (p *Param) RefreshDTIMGrid(now uint64) {
	if next, period := p.APTrk.PredictNextDTIM(now, p.Env.DTIMPeriod); next != Never {
		p.Sche.SetDTIMGrid(next, period)
		return
	}
	period := TUToClk(uint64(p.Env.BeaconInterval) * uint64(p.Env.DTIMPeriod))
	p.Sche.SetDTIMGrid(now, period)
}
