// Package telemetry encodes per-cycle wake reports and ships them to an MQTT broker.
package telemetry

import (
	"errors"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
)

// WakeReport summarises one wake cycle.
type WakeReport struct {
	Seq  uint32
	Boot string // boot mode of the first cycle after Init, empty afterwards
	// Status is the raw status word: causes in the low 24 bits, error in the high byte.
	Status    uint32
	Causes    string
	Error     string
	Lock      uint8
	Coarse    bool
	SleepUs   uint64
	WakeClk   uint64
	Functions uint32 // function bits serviced during the cycle
	Wakes     uint32
	BcnRx     uint32
	BcnMiss   uint32
	// MM is the MAC management request taken at boot, on the first cycle only.
	MM string
}

// Field numbers of the wire encoding. Never reuse a number.
const (
	fieldSeq protowire.Number = iota + 1
	fieldBoot
	fieldStatus
	fieldCauses
	fieldError
	fieldLock
	fieldCoarse
	fieldSleepUs
	fieldWakeClk
	fieldFunctions
	fieldWakes
	fieldBcnRx
	fieldBcnMiss
	fieldMM
)

var errBadType = errors.New("telemetry: unexpected wire type")

// AppendBinary appends the protobuf wire encoding of r. Zero fields are omitted.
func (r *WakeReport) AppendBinary(b []byte) ([]byte, error) {
	b = appendVarint(b, fieldSeq, uint64(r.Seq))
	b = appendString(b, fieldBoot, r.Boot)
	b = appendVarint(b, fieldStatus, uint64(r.Status))
	b = appendString(b, fieldCauses, r.Causes)
	b = appendString(b, fieldError, r.Error)
	b = appendVarint(b, fieldLock, uint64(r.Lock))
	b = appendVarint(b, fieldCoarse, protowire.EncodeBool(r.Coarse))
	b = appendVarint(b, fieldSleepUs, r.SleepUs)
	b = appendVarint(b, fieldWakeClk, r.WakeClk)
	b = appendVarint(b, fieldFunctions, uint64(r.Functions))
	b = appendVarint(b, fieldWakes, uint64(r.Wakes))
	b = appendVarint(b, fieldBcnRx, uint64(r.BcnRx))
	b = appendVarint(b, fieldBcnMiss, uint64(r.BcnMiss))
	b = appendString(b, fieldMM, r.MM)
	return b, nil
}

func (r *WakeReport) MarshalBinary() ([]byte, error) { return r.AppendBinary(nil) }

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Decode parses a report. Unknown fields are skipped.
func Decode(b []byte) (r WakeReport, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldBoot, fieldCauses, fieldError, fieldMM:
			if typ != protowire.BytesType {
				return r, errBadType
			}
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldBoot:
				r.Boot = s
			case fieldCauses:
				r.Causes = s
			case fieldMM:
				r.MM = s
			default:
				r.Error = s
			}
			continue
		case fieldSeq, fieldStatus, fieldLock, fieldCoarse, fieldSleepUs, fieldWakeClk,
			fieldFunctions, fieldWakes, fieldBcnRx, fieldBcnMiss:
			if typ != protowire.VarintType {
				return r, errBadType
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldSeq:
			r.Seq = uint32(v)
		case fieldStatus:
			r.Status = uint32(v)
		case fieldLock:
			r.Lock = uint8(v)
		case fieldCoarse:
			r.Coarse = protowire.DecodeBool(v)
		case fieldSleepUs:
			r.SleepUs = v
		case fieldWakeClk:
			r.WakeClk = v
		case fieldFunctions:
			r.Functions = uint32(v)
		case fieldWakes:
			r.Wakes = uint32(v)
		case fieldBcnRx:
			r.BcnRx = uint32(v)
		case fieldBcnMiss:
			r.BcnMiss = uint32(v)
		}
	}
	return r, nil
}

func (r *WakeReport) String() string {
	s := "#" + strconv.FormatUint(uint64(r.Seq), 10)
	if r.Boot != "" {
		s += " boot=" + r.Boot
	}
	if r.MM != "" {
		s += " mm=" + r.MM
	}
	s += " causes=" + r.Causes
	if r.Error != "" {
		s += " err=" + r.Error
	}
	s += " lock=" + strconv.Itoa(int(r.Lock))
	if r.Coarse {
		s += "(coarse)"
	}
	return s + " sleep=" + strconv.FormatUint(r.SleepUs, 10) + "us"
}
