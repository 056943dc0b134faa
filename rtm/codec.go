package rtm

import (
	"encoding/binary"

	"github.com/sigurn/crc16"
	"github.com/soypat/seqs"
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// ImageSize is the length of a marshalled Param including its CRC trailer.
var ImageSize = len(appendParam(nil, &Param{})) + 2

// Checksum returns the CRC-16/CCITT-FALSE of b.
func Checksum(b []byte) uint16 { return crc16.Checksum(b, crcTable) }

// MarshalBinary encodes the image into its fixed size little endian layout.
func (p *Param) MarshalBinary() ([]byte, error) {
	return p.AppendBinary(make([]byte, 0, ImageSize))
}

// AppendBinary appends the encoded image to b.
func (p *Param) AppendBinary(b []byte) ([]byte, error) {
	start := len(b)
	b = appendParam(b, p)
	return binary.LittleEndian.AppendUint16(b, Checksum(b[start:])), nil
}

// UnmarshalBinary decodes an image produced by MarshalBinary. Trailing bytes
// after ImageSize are ignored. The preamble and version are not checked.
func (p *Param) UnmarshalBinary(b []byte) error {
	if len(b) < ImageSize {
		return ErrShortImage
	}
	b = b[:ImageSize]
	body := b[:ImageSize-2]
	if Checksum(body) != binary.LittleEndian.Uint16(b[ImageSize-2:]) {
		return ErrChecksum
	}
	d := decoder{b: body}
	var tmp Param
	d.param(&tmp)
	*p = tmp
	return nil
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func appendParam(b []byte, p *Param) []byte {
	le := binary.LittleEndian
	b = le.AppendUint32(b, p.Preamble)
	b = le.AppendUint32(b, p.Version)

	b = append(b, p.ADC.Len)
	b = append(b, p.ADC.Data[:]...)
	b = le.AppendUint16(b, p.PHY.Len)
	b = append(b, p.PHY.Data[:]...)
	b = appendBool(b, p.AntDiv.Enabled)
	b = append(b, p.AntDiv.Antenna)

	b = appendEnv(b, &p.Env)

	b = appendBool(b, p.MM.Pending)
	b = append(b, byte(p.MM.Kind))
	b = le.AppendUint16(b, p.MM.Arg)

	b = appendStatus(b, &p.Status)

	b = le.AppendUint64(b, p.RTC.SleepClk)
	b = le.AppendUint64(b, p.RTC.WakeClk)

	b = appendAPTrack(b, &p.APTrk)

	for i := range p.IV.Keys {
		k := &p.IV.Keys[i]
		b = appendBool(b, k.Installed)
		b = le.AppendUint64(b, k.TxPN)
		b = le.AppendUint64(b, k.RxPN)
	}

	b = appendSchedule(b, &p.Sche)

	s := &p.Stats
	for _, v := range [...]uint32{s.Wakes, s.BcnRx, s.BcnMiss, s.UCWakes, s.BCMCWakes, s.KASent, s.ShortSleeps, s.ColdBoots, s.WarmBoots} {
		b = le.AppendUint32(b, v)
	}
	return le.AppendUint64(b, s.TotalSleepClk)
}

func featureFlags(f *Feature) byte {
	var flags byte
	if f.En {
		flags |= 1 << 0
	}
	if f.Fix {
		flags |= 1 << 1
	}
	return flags | byte(f.PeriodTy&0b11)<<2
}

func appendEnv(b []byte, e *Env) []byte {
	le := binary.LittleEndian
	b = append(b, e.BSSID[:]...)
	b = append(b, e.MyMAC[:]...)
	b = append(b, e.SSID[:]...)
	b = append(b, e.SSIDLen, e.Channel)
	b = le.AppendUint16(b, e.Freq)
	b = le.AppendUint16(b, e.AID)
	b = le.AppendUint16(b, e.BeaconInterval)
	b = le.AppendUint16(b, e.ListenInterval)
	b = append(b, e.DTIMPeriod)
	b = le.AppendUint16(b, e.ForcePeriod)
	for fn := FuncTIM; fn <= FuncTIMP; fn <<= 1 {
		f, _ := e.Feature(fn)
		b = append(b, featureFlags(f), f.Prep)
		b = le.AppendUint32(b, f.Period)
		b = le.AppendUint16(b, f.TimeoutTU)
		b = append(b, f.Retry)
	}
	b = append(b, e.Net.OwnIP[:]...)
	b = append(b, e.Net.Gateway[:]...)
	b = append(b, e.Net.GatewayMAC[:]...)
	b = append(b, e.UDPHP.Dst[:]...)
	b = le.AppendUint16(b, e.UDPHP.DstPort)
	b = le.AppendUint16(b, e.UDPHP.SrcPort)
	b = append(b, e.TCP.Dst[:]...)
	b = le.AppendUint16(b, e.TCP.DstPort)
	b = le.AppendUint16(b, e.TCP.SrcPort)
	b = le.AppendUint32(b, uint32(e.TCP.Seq))
	b = le.AppendUint32(b, uint32(e.TCP.Ack))
	return le.AppendUint16(b, e.TCP.Window)
}

func appendStatus(b []byte, s *Status) []byte {
	le := binary.LittleEndian
	b = le.AppendUint32(b, s.WdogPreamble)
	var flags byte
	if s.PMStatus {
		flags |= 1 << 0
	}
	if s.BcnSyncStatus {
		flags |= 1 << 1
	}
	if s.RSSIStatus {
		flags |= 1 << 2
	}
	flags |= byte(s.PSType&0b11) << 3
	if s.DeterminedPSType {
		flags |= 1 << 5
	}
	b = append(b, flags)
	b = le.AppendUint32(b, s.Word)
	b = le.AppendUint16(b, s.TxSeqn)
	b = le.AppendUint16(b, s.RxSeqn)
	for i := 0; i < NumQoS; i++ {
		b = le.AppendUint16(b, s.TxQoSSeqn[i])
		b = le.AppendUint16(b, s.RxQoSSeqn[i])
	}
	b = le.AppendUint64(b, s.ExpectedTBTTClk)
	b = le.AppendUint64(b, s.LastBcnClk)
	b = le.AppendUint64(b, s.PDClk)
	return le.AppendUint64(b, s.PTIMPDClk)
}

func appendAPTrack(b []byte, t *APTrack) []byte {
	le := binary.LittleEndian
	b = append(b, t.Lock&lockMax|t.TrackingUpdated<<4)
	b = appendBool(b, t.Coarse)
	b = appendBool(b, t.Anchored)
	b = le.AppendUint16(b, t.TSFNorm)
	b = append(b, t.FineLockMax, t.CoarseLockMax, t.UnlockMax, t.OverMax, t.UnderMax)
	b = le.AppendUint32(b, t.FineTol)
	b = le.AppendUint32(b, t.CoarseTol)
	b = le.AppendUint64(b, t.BeaconUs)
	b = le.AppendUint64(b, t.StartClk)
	b = le.AppendUint64(b, t.StartTimestamp)
	b = le.AppendUint64(b, t.RefClk)
	b = le.AppendUint64(b, t.RefTimestamp)
	b = le.AppendUint64(b, t.BcnClk)
	b = le.AppendUint64(b, t.BcnTimestamp)
	b = le.AppendUint64(b, t.DTIMTimestamp)
	b = le.AppendUint32(b, uint32(t.DriftPPM))
	b = le.AppendUint32(b, t.MinD)
	b = le.AppendUint32(b, t.MinTO)
	b = le.AppendUint32(b, t.MinCCA)
	b = le.AppendUint32(b, uint32(t.Offset.R0))
	b = le.AppendUint32(b, uint32(t.Offset.R1))
	return append(b, t.Offset.LossCnt, t.Offset.CoarseCnt, t.Offset.OverCnt, t.Offset.UnderCnt)
}

func appendSchedule(b []byte, s *Schedule) []byte {
	le := binary.LittleEndian
	b = le.AppendUint64(b, s.Counter)
	for i := range s.Nodes {
		n := &s.Nodes[i]
		b = le.AppendUint32(b, uint32(n.FunctionBit))
		b = le.AppendUint64(b, n.NextCount)
		b = le.AppendUint64(b, n.Interval)
		b = le.AppendUint64(b, n.ArmClk)
		// Descriptor word: arbitrary:26 align:1 half:1 preparation:4.
		desc := n.Arbitrary & arbitraryMask
		if n.Align {
			desc |= 1 << 26
		}
		if n.Half {
			desc |= 1 << 27
		}
		desc |= uint32(n.Preparation&prepMask) << 28
		b = le.AppendUint32(b, desc)
		b = appendBool(b, n.Guarded)
	}
	for _, c := range s.PrepClk {
		b = le.AppendUint32(b, c)
	}
	b = le.AppendUint32(b, s.PostPrep)
	b = le.AppendUint32(b, s.MinSleep)
	b = le.AppendUint64(b, s.DTIMBase)
	return le.AppendUint64(b, s.DTIMClk)
}

// decoder reads fields in the order appendParam writes them. Lengths are
// checked once by the caller against ImageSize.
type decoder struct {
	b   []byte
	off int
}

func (d *decoder) u8() uint8 {
	v := d.b[d.off]
	d.off++
	return v
}

func (d *decoder) bool() bool { return d.u8() != 0 }

func (d *decoder) u16() uint16 {
	v := binary.LittleEndian.Uint16(d.b[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	v := binary.LittleEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	v := binary.LittleEndian.Uint64(d.b[d.off:])
	d.off += 8
	return v
}

func (d *decoder) bytes(dst []byte) {
	d.off += copy(dst, d.b[d.off:])
}

func (d *decoder) param(p *Param) {
	p.Preamble = d.u32()
	p.Version = d.u32()

	p.ADC.Len = min(d.u8(), ADCCalSize)
	d.bytes(p.ADC.Data[:])
	p.PHY.Len = min(d.u16(), PHYCalSize)
	d.bytes(p.PHY.Data[:])
	p.AntDiv.Enabled = d.bool()
	p.AntDiv.Antenna = d.u8()

	d.env(&p.Env)

	p.MM.Pending = d.bool()
	p.MM.Kind = MMKind(d.u8())
	p.MM.Arg = d.u16()

	d.status(&p.Status)

	p.RTC.SleepClk = d.u64()
	p.RTC.WakeClk = d.u64()

	d.aptrack(&p.APTrk)

	for i := range p.IV.Keys {
		k := &p.IV.Keys[i]
		k.Installed = d.bool()
		k.TxPN = d.u64() & pnMask
		k.RxPN = d.u64() & pnMask
	}

	d.schedule(&p.Sche)

	s := &p.Stats
	for _, v := range [...]*uint32{&s.Wakes, &s.BcnRx, &s.BcnMiss, &s.UCWakes, &s.BCMCWakes, &s.KASent, &s.ShortSleeps, &s.ColdBoots, &s.WarmBoots} {
		*v = d.u32()
	}
	s.TotalSleepClk = d.u64()
}

func (d *decoder) env(e *Env) {
	d.bytes(e.BSSID[:])
	d.bytes(e.MyMAC[:])
	d.bytes(e.SSID[:])
	e.SSIDLen = min(d.u8(), uint8(len(e.SSID)))
	e.Channel = d.u8()
	e.Freq = d.u16()
	e.AID = d.u16()
	e.BeaconInterval = d.u16()
	e.ListenInterval = d.u16()
	e.DTIMPeriod = d.u8()
	e.ForcePeriod = d.u16()
	for fn := FuncTIM; fn <= FuncTIMP; fn <<= 1 {
		f, _ := e.Feature(fn)
		flags := d.u8()
		f.En = flags&(1<<0) != 0
		f.Fix = flags&(1<<1) != 0
		f.PeriodTy = PeriodType(flags>>2) & 0b11
		f.Prep = d.u8() & prepMask
		f.Period = d.u32()
		f.TimeoutTU = d.u16()
		f.Retry = d.u8()
	}
	d.bytes(e.Net.OwnIP[:])
	d.bytes(e.Net.Gateway[:])
	d.bytes(e.Net.GatewayMAC[:])
	d.bytes(e.UDPHP.Dst[:])
	e.UDPHP.DstPort = d.u16()
	e.UDPHP.SrcPort = d.u16()
	d.bytes(e.TCP.Dst[:])
	e.TCP.DstPort = d.u16()
	e.TCP.SrcPort = d.u16()
	e.TCP.Seq = seqs.Value(d.u32())
	e.TCP.Ack = seqs.Value(d.u32())
	e.TCP.Window = d.u16()
}

func (d *decoder) status(s *Status) {
	s.WdogPreamble = d.u32()
	flags := d.u8()
	s.PMStatus = flags&(1<<0) != 0
	s.BcnSyncStatus = flags&(1<<1) != 0
	s.RSSIStatus = flags&(1<<2) != 0
	s.PSType = PSType(flags>>3) & 0b11
	s.DeterminedPSType = flags&(1<<5) != 0
	s.Word = d.u32()
	s.TxSeqn = d.u16() & seqnMask
	s.RxSeqn = d.u16() & seqnMask
	for i := 0; i < NumQoS; i++ {
		s.TxQoSSeqn[i] = d.u16() & seqnMask
		s.RxQoSSeqn[i] = d.u16() & seqnMask
	}
	s.ExpectedTBTTClk = d.u64()
	s.LastBcnClk = d.u64()
	s.PDClk = d.u64()
	s.PTIMPDClk = d.u64()
}

func (d *decoder) aptrack(t *APTrack) {
	lock := d.u8()
	t.Lock = lock & lockMax
	t.TrackingUpdated = lock >> 4
	t.Coarse = d.bool()
	t.Anchored = d.bool()
	t.TSFNorm = d.u16()
	t.FineLockMax = min(d.u8(), lockMax)
	t.CoarseLockMax = d.u8()
	t.UnlockMax = d.u8()
	t.OverMax = d.u8()
	t.UnderMax = d.u8()
	t.FineTol = d.u32()
	t.CoarseTol = d.u32()
	t.BeaconUs = d.u64()
	t.StartClk = d.u64()
	t.StartTimestamp = d.u64()
	t.RefClk = d.u64()
	t.RefTimestamp = d.u64()
	t.BcnClk = d.u64()
	t.BcnTimestamp = d.u64()
	t.DTIMTimestamp = d.u64()
	t.DriftPPM = int32(d.u32())
	t.MinD = d.u32()
	t.MinTO = d.u32()
	t.MinCCA = d.u32()
	t.Offset.R0 = int32(d.u32())
	t.Offset.R1 = int32(d.u32())
	t.Offset.LossCnt = d.u8()
	t.Offset.CoarseCnt = d.u8()
	t.Offset.OverCnt = d.u8()
	t.Offset.UnderCnt = d.u8()
}

func (d *decoder) schedule(s *Schedule) {
	s.Counter = d.u64()
	for i := range s.Nodes {
		n := &s.Nodes[i]
		n.FunctionBit = Function(d.u32()) & funcAll
		n.NextCount = d.u64()
		n.Interval = d.u64()
		n.ArmClk = d.u64()
		desc := d.u32()
		n.Arbitrary = desc & arbitraryMask
		n.Align = desc&(1<<26) != 0
		n.Half = desc&(1<<27) != 0
		n.Preparation = uint8(desc>>28) & prepMask
		n.Guarded = d.bool()
	}
	for i := range s.PrepClk {
		s.PrepClk[i] = d.u32()
	}
	s.PostPrep = d.u32()
	s.MinSleep = d.u32()
	s.DTIMBase = d.u64()
	s.DTIMClk = d.u64()
}
