package rtm

import (
	"math/bits"

	"github.com/soypat/seqs"
)

// Function identifies the periodic features a schedule node services.
// A node may carry several bits when the features share a period.
type Function uint32

const (
	FuncTIM Function = 1 << iota
	FuncBCMC
	FuncKA
	FuncPS
	FuncUC
	FuncARP
	FuncARPResp
	FuncUDPH
	FuncSetPS
	FuncARPReq
	FuncTCPKA
	FuncDeauth
	FuncTIMP

	funcAll = FuncTIMP<<1 - 1
)

var funcNames = [...]string{
	"tim", "bcmc", "ka", "ps", "uc", "arp", "arpresp", "udph", "setps", "arpreq", "tcpka", "deauth", "timp",
}

func (f Function) String() (s string) {
	if f == 0 {
		return "none"
	}
	for i, name := range funcNames {
		if f&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	if f&^funcAll != 0 {
		s += "|invalid"
	}
	return s
}

// IsValid reports whether f names a single known feature.
func (f Function) IsValid() bool {
	return f != 0 && f&^funcAll == 0 && bits.OnesCount32(uint32(f)) == 1
}

// Each calls fn for every feature bit set in f, lowest bit first.
func (f Function) Each(fn func(Function)) {
	for f != 0 {
		bit := f & -f
		fn(bit)
		f &^= bit
	}
}

// PeriodType selects the unit of a feature period.
type PeriodType uint8

const (
	PeriodBI PeriodType = iota
	PeriodDTIM
	PeriodListen
	PeriodForce
)

func (p PeriodType) String() string {
	switch p {
	case PeriodBI:
		return "bi"
	case PeriodDTIM:
		return "dtim"
	case PeriodListen:
		return "listen"
	case PeriodForce:
		return "force"
	default:
		return "unknown"
	}
}

// Feature describes one optional periodic activity.
type Feature struct {
	En  bool
	Fix bool // Period is in milliseconds and independent of beacon timing.
	// PeriodTy is the unit of Period when Fix is false.
	PeriodTy PeriodType
	// Prep indexes Schedule.PrepClk.
	Prep      uint8
	Period    uint32
	TimeoutTU uint16
	Retry     uint8
}

// NetParams are the IPv4 parameters used to build keep-alive frames.
type NetParams struct {
	OwnIP      [4]byte
	Gateway    [4]byte
	GatewayMAC [6]byte
}

// UDPHole describes the UDP hole-punch target.
type UDPHole struct {
	Dst     [4]byte
	DstPort uint16
	SrcPort uint16
}

// TCPKeepAlive holds the TCP connection state a keep-alive is built from.
type TCPKeepAlive struct {
	Dst     [4]byte
	DstPort uint16
	SrcPort uint16
	// Seq is the next sequence number the station would send.
	Seq    seqs.Value
	Ack    seqs.Value
	Window uint16
}

// KeepAliveSeq returns the sequence number of a keep-alive probe: one before
// the next expected byte, so the peer answers with an ACK.
func (t *TCPKeepAlive) KeepAliveSeq() seqs.Value {
	return seqs.Add(t.Seq, seqs.Size(1<<32-1))
}

// Advance records sent payload on the connection.
func (t *TCPKeepAlive) Advance(sent seqs.Size) { t.Seq.UpdateForward(sent) }

// AckRemote records payload received from the peer. Returns false and leaves
// the state untouched when ack is behind the current value.
func (t *TCPKeepAlive) AckRemote(ack seqs.Value) bool {
	if seqs.LessThan(ack, t.Ack) {
		return false
	}
	t.Ack = ack
	return true
}

// Env is the association-time configuration of DPM.
type Env struct {
	BSSID   [6]byte
	MyMAC   [6]byte
	SSID    [32]byte
	SSIDLen uint8
	Channel uint8
	Freq    uint16
	AID     uint16

	BeaconInterval uint16 // TU
	ListenInterval uint16 // beacons
	DTIMPeriod     uint8  // beacons
	// ForcePeriod in beacons. Kept a multiple of DTIMPeriod once that is known.
	ForcePeriod uint16

	TIM, BCMC, KA, PS, UC, ARP, ARPResp, UDPH, SetPS, ARPReq, TCPKA, Deauth, TIMP Feature

	Net   NetParams
	UDPHP UDPHole
	TCP   TCPKeepAlive
}

// SetForcePeriod requests a forced wake period in beacons. When the DTIM
// period is known the value is rounded down to a multiple of it, never below
// one DTIM period. Otherwise it is stored raw and derived by SetDTIMPeriod.
func (e *Env) SetForcePeriod(period uint16) {
	e.ForcePeriod = deriveForce(period, uint16(e.DTIMPeriod))
}

// SetDTIMPeriod sets the DTIM period and re-derives ForcePeriod from its
// current value. Repeated DTIM changes therefore compound the rounding.
func (e *Env) SetDTIMPeriod(dtim uint8) {
	e.DTIMPeriod = dtim
	e.ForcePeriod = deriveForce(e.ForcePeriod, uint16(dtim))
}

func deriveForce(period, dtim uint16) uint16 {
	if dtim == 0 {
		return period
	}
	if period <= dtim {
		return dtim
	}
	return floorMultiple(period, dtim)
}

// SetSSID stores up to 32 bytes of ssid.
func (e *Env) SetSSID(ssid string) {
	e.SSID = [32]byte{}
	e.SSIDLen = uint8(copy(e.SSID[:], ssid))
}

func (e *Env) SSIDString() string { return string(e.SSID[:e.SSIDLen]) }

// Associated reports whether a BSSID has been configured.
func (e *Env) Associated() bool { return e.BSSID != [6]byte{} }

// Feature returns the descriptor of a single feature bit.
func (e *Env) Feature(fn Function) (*Feature, error) {
	var f *Feature
	switch fn {
	case FuncTIM:
		f = &e.TIM
	case FuncBCMC:
		f = &e.BCMC
	case FuncKA:
		f = &e.KA
	case FuncPS:
		f = &e.PS
	case FuncUC:
		f = &e.UC
	case FuncARP:
		f = &e.ARP
	case FuncARPResp:
		f = &e.ARPResp
	case FuncUDPH:
		f = &e.UDPH
	case FuncSetPS:
		f = &e.SetPS
	case FuncARPReq:
		f = &e.ARPReq
	case FuncTCPKA:
		f = &e.TCPKA
	case FuncDeauth:
		f = &e.Deauth
	case FuncTIMP:
		f = &e.TIMP
	default:
		return nil, opErr("env feature", ErrInvalidFunc)
	}
	return f, nil
}

// SetFeature replaces the descriptor of a single feature bit.
func (e *Env) SetFeature(fn Function, f Feature) error {
	dst, err := e.Feature(fn)
	if err != nil {
		return err
	}
	f.Prep &= prepMask
	*dst = f
	return nil
}

// Enabled returns the bitmask of enabled features.
func (e *Env) Enabled() (fns Function) {
	for fn := FuncTIM; fn <= FuncTIMP; fn <<= 1 {
		f, _ := e.Feature(fn)
		if f.En {
			fns |= fn
		}
	}
	return fns
}

// periodClk returns the period of f in RTC clocks and whether it is tied to
// beacon timing. Zero means the period cannot be computed yet.
func (e *Env) periodClk(f *Feature) (clk uint64, beaconed bool) {
	if f.Fix {
		return UsToClk(uint64(f.Period) * 1000), false
	}
	bi := uint64(e.BeaconInterval)
	var unit uint64
	switch f.PeriodTy {
	case PeriodBI:
		unit = bi
	case PeriodDTIM:
		unit = bi * uint64(e.DTIMPeriod)
	case PeriodListen:
		unit = bi * uint64(e.ListenInterval)
	case PeriodForce:
		unit = bi * uint64(e.ForcePeriod)
	}
	period := uint64(f.Period)
	if period == 0 {
		period = 1
	}
	return TUToClk(unit * period), true
}
