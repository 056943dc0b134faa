package frame

import (
	"encoding/binary"
	"errors"
)

const (
	sizeDot11Data = 24
	sizePSPoll    = 16
	sizeSNAP      = 8
)

// Frame control values. The first byte carries type and subtype, the second the flags.
const (
	fcData     = 0x08
	fcNullData = 0x48
	fcPSPoll   = 0xa4

	FlagToDS    = 0x01
	FlagFromDS  = 0x02
	FlagPwrMgmt = 0x10
)

var (
	errShort   = errors.New("frame too short")
	errUnknown = errors.New("unknown frame")
)

// Dot11Header is the 802.11 MAC header of data and control frames.
// Addr3 and SeqCtl are absent from PS-Poll frames.
type Dot11Header struct {
	FC       [2]byte
	Duration uint16 // duration or, in PS-Poll, the AID with the two top bits set
	Addr1    [6]byte
	Addr2    [6]byte
	Addr3    [6]byte
	SeqCtl   uint16
}

// Seqn returns the 12 bit sequence number.
func (h *Dot11Header) Seqn() uint16 { return h.SeqCtl >> 4 }

// PowerManagement reports whether the PM flag is set.
func (h *Dot11Header) PowerManagement() bool { return h.FC[1]&FlagPwrMgmt != 0 }

func (h *Dot11Header) IsPSPoll() bool   { return h.FC[0] == fcPSPoll }
func (h *Dot11Header) IsNullData() bool { return h.FC[0] == fcNullData }
func (h *Dot11Header) IsData() bool     { return h.FC[0] == fcData }

// Size returns the encoded header length.
func (h *Dot11Header) Size() int {
	if h.IsPSPoll() {
		return sizePSPoll
	}
	return sizeDot11Data
}

// Put writes the header to buf. Multi-byte fields are little endian.
func (h *Dot11Header) Put(buf []byte) {
	_ = buf[sizePSPoll-1]
	buf[0], buf[1] = h.FC[0], h.FC[1]
	binary.LittleEndian.PutUint16(buf[2:], h.Duration)
	copy(buf[4:10], h.Addr1[:])
	copy(buf[10:16], h.Addr2[:])
	if h.IsPSPoll() {
		return
	}
	_ = buf[sizeDot11Data-1]
	copy(buf[16:22], h.Addr3[:])
	binary.LittleEndian.PutUint16(buf[22:], h.SeqCtl)
}

func DecodeDot11Header(buf []byte) (h Dot11Header, err error) {
	if len(buf) < sizePSPoll {
		return h, errShort
	}
	h.FC = [2]byte{buf[0], buf[1]}
	h.Duration = binary.LittleEndian.Uint16(buf[2:])
	copy(h.Addr1[:], buf[4:10])
	copy(h.Addr2[:], buf[10:16])
	if h.IsPSPoll() {
		return h, nil
	}
	if len(buf) < sizeDot11Data {
		return h, errShort
	}
	copy(h.Addr3[:], buf[16:22])
	h.SeqCtl = binary.LittleEndian.Uint16(buf[22:])
	return h, nil
}

// putSNAP writes an LLC/SNAP header carrying et.
func putSNAP(buf []byte, et EtherType) {
	_ = buf[sizeSNAP-1]
	buf[0], buf[1], buf[2] = 0xaa, 0xaa, 0x03
	buf[3], buf[4], buf[5] = 0, 0, 0
	binary.BigEndian.PutUint16(buf[6:], uint16(et))
}

func decodeSNAP(buf []byte) (EtherType, error) {
	if len(buf) < sizeSNAP {
		return 0, errShort
	}
	if buf[0] != 0xaa || buf[1] != 0xaa || buf[2] != 0x03 {
		return 0, errUnknown
	}
	return EtherType(binary.BigEndian.Uint16(buf[6:])), nil
}
