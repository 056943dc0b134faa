package rtm

// ST is the bitmask of wake causes and observations kept in the low 24 bits
// of the status word.
type ST uint32

const (
	STUC ST = 1 << iota // unicast traffic buffered for us
	STBCMC
	STNoBcn
	STBcnLost // tracker lost lock after consecutive misses
	STDeauth
	STKASent
	STPSPoll
	STARP
	STUDPH
	STTCPKA
	STSetPS
	STEarlyWake
	STSchedule
	STAPReset
	STShortSleep
	STGuard

	// STMask covers every bit reserved for causes.
	STMask ST = 0x00ff_ffff
)

var stNames = [...]string{
	"uc", "bcmc", "no-bcn", "bcn-lost", "deauth", "ka", "ps-poll", "arp",
	"udph", "tcpka", "setps", "early-wake", "schedule", "ap-reset", "short-sleep", "guard",
}

func (s ST) String() (str string) {
	if s == 0 {
		return "none"
	}
	for i, name := range stNames {
		if s&(1<<i) != 0 {
			if str != "" {
				str += "|"
			}
			str += name
		}
	}
	if rest := s &^ (1<<len(stNames) - 1); rest != 0 {
		if str != "" {
			str += "|"
		}
		str += "0x" + hex32(uint32(rest))
	}
	return str
}

// PSType is the negotiated power save flavour.
type PSType uint8

const (
	PSTypeLegacy PSType = iota // PS-Poll
	PSTypeUAPSD
	PSTypeWMM
	PSTypeNone
)

// Status is the per-cycle status register together with the persistent
// sequence number spaces and beacon timing snapshots.
type Status struct {
	// WdogPreamble equals WdogPreamble when a watchdog-triggered save happened.
	WdogPreamble uint32

	PMStatus         bool
	BcnSyncStatus    bool
	RSSIStatus       bool
	PSType           PSType // 2 bits
	DeterminedPSType bool

	// Word holds ST causes in the low 24 bits and an STE in the high 8 bits.
	Word uint32

	TxSeqn    uint16
	RxSeqn    uint16
	TxQoSSeqn [NumQoS]uint16
	RxQoSSeqn [NumQoS]uint16

	ExpectedTBTTClk uint64
	LastBcnClk      uint64
	PDClk           uint64 // power-down entry clock
	PTIMPDClk       uint64 // power-down entry clock of the last PTIM run
}

// MergeStatus ORs cause bits into the status word. Bits outside STMask are ignored.
func (s *Status) MergeStatus(bits ST) {
	s.Word |= uint32(bits & STMask)
}

// SetError replaces the error byte leaving the cause bits untouched.
// The code is not validated.
func (s *Status) SetError(code STE) {
	s.Word = s.Word&uint32(STMask) | uint32(code)<<24
}

// Clear zeroes the status word only. Other fields keep their values.
func (s *Status) Clear() { s.Word = 0 }

// Causes returns the cause bits of the status word.
func (s *Status) Causes() ST { return ST(s.Word) & STMask }

// Err returns the error byte of the status word.
func (s *Status) Err() STE { return STE(s.Word >> 24) }

// HasWdog reports whether the watchdog marker is present.
func (s *Status) HasWdog() bool { return s.WdogPreamble == WdogPreamble }

// MarkWdog stamps the watchdog marker. Called from the watchdog save path.
func (s *Status) MarkWdog() { s.WdogPreamble = WdogPreamble }

// ClearWdog removes the watchdog marker.
func (s *Status) ClearWdog() { s.WdogPreamble = 0 }

func (s *Status) SetPSType(ty PSType) {
	s.PSType = ty & 0b11
	s.DeterminedPSType = true
}

// IncTxSeqn advances the non-QoS TX sequence number with 12 bit wraparound
// and returns the new value.
func (s *Status) IncTxSeqn() uint16 {
	s.TxSeqn = (s.TxSeqn + 1) & seqnMask
	return s.TxSeqn
}

func (s *Status) SetTxSeqn(v uint16) { s.TxSeqn = v & seqnMask }

func (s *Status) IncRxSeqn() uint16 {
	s.RxSeqn = (s.RxSeqn + 1) & seqnMask
	return s.RxSeqn
}

func (s *Status) SetRxSeqn(v uint16) { s.RxSeqn = v & seqnMask }

// IncTxQoSSeqn advances the TX sequence number of access category ac.
// Panics if ac is out of range.
func (s *Status) IncTxQoSSeqn(ac int) uint16 {
	s.TxQoSSeqn[ac] = (s.TxQoSSeqn[ac] + 1) & seqnMask
	return s.TxQoSSeqn[ac]
}

func (s *Status) SetTxQoSSeqn(ac int, v uint16) { s.TxQoSSeqn[ac] = v & seqnMask }

func (s *Status) IncRxQoSSeqn(ac int) uint16 {
	s.RxQoSSeqn[ac] = (s.RxQoSSeqn[ac] + 1) & seqnMask
	return s.RxQoSSeqn[ac]
}

func (s *Status) SetRxQoSSeqn(ac int, v uint16) { s.RxQoSSeqn[ac] = v & seqnMask }

// String returns a human readable form of the status word.
func (s *Status) String() string {
	str := "causes=" + s.Causes().String()
	if e := s.Err(); e != STENone {
		str += " err=" + e.String()
	}
	return str
}

func hex32(u uint32) string {
	const hextable = "0123456789abcdef"
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = hextable[u&0xf]
		u >>= 4
	}
	return string(buf[:])
}
