package rtm

import (
	"errors"
	"strconv"
)

// Errno is an operational DPM error code. Codes are negative as they are
// returned in place of a result by the firmware.
type Errno int

const (
	ErrFail        Errno = -1
	ErrFull        Errno = -2
	ErrNoEncrKey   Errno = -3
	ErrNoEntry     Errno = -4
	ErrAPReset     Errno = -5
	ErrCCMPPN      Errno = -6
	ErrInvalidFunc Errno = -7
)

var errnoMessages = map[Errno]string{
	ErrFail:        "generic failure",
	ErrFull:        "no free schedule slot",
	ErrNoEncrKey:   "no encryption key installed",
	ErrNoEntry:     "no such entry",
	ErrAPReset:     "AP TSF reset",
	ErrCCMPPN:      "CCMP packet number replay",
	ErrInvalidFunc: "invalid function",
}

func (e Errno) Error() string {
	if msg, ok := errnoMessages[e]; ok {
		return msg
	}
	return "dpm errno " + strconv.Itoa(int(e))
}

// Error decorates an Errno with the operation that produced it.
type Error struct {
	Op    string
	Errno Errno
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Errno.Error()
}

// Unwrap lets errors.Is match the underlying Errno.
func (e *Error) Unwrap() error { return e.Errno }

func opErr(op string, errno Errno) error {
	return &Error{Op: op, Errno: errno}
}

// Codec errors.
var (
	ErrShortImage = errors.New("rtm: image buffer too short")
	ErrChecksum   = errors.New("rtm: image checksum mismatch")
)

// STE is a boot fault code. It lives in the high byte of the status word and
// is only ever reported through the retained image.
type STE uint8

const (
	STENone STE = iota
	STEFaultDetected
	STEInvalidRAMLib
	STEInvalidPreamble
	STEWdogDetected
	STEInvalidMyMAC
	STEInvalidBSSID
	STERTCWdogDetected
	STEPTIMTimeout
	STEDPMSche
)

func (s STE) String() string {
	switch s {
	case STENone:
		return "none"
	case STEFaultDetected:
		return "fault"
	case STEInvalidRAMLib:
		return "invalid-ramlib"
	case STEInvalidPreamble:
		return "invalid-preamble"
	case STEWdogDetected:
		return "wdog"
	case STEInvalidMyMAC:
		return "invalid-my-mac"
	case STEInvalidBSSID:
		return "invalid-bssid"
	case STERTCWdogDetected:
		return "rtc-wdog"
	case STEPTIMTimeout:
		return "ptim-timeout"
	case STEDPMSche:
		return "dpmsche"
	default:
		return "ste(" + strconv.Itoa(int(s)) + ")"
	}
}
