package dpm

import (
	"errors"
	"time"

	"github.com/xiaoh105/neuralert-firmware-sub007/rtm"
)

// BootMode is the outcome of the boot decision.
type BootMode uint8

const (
	// BootCold means the retained image could not be used and was rebuilt.
	BootCold BootMode = iota
	// BootWarm means the retained image was reused as is.
	BootWarm
	// BootRecover means the association survived but runtime state was
	// discarded after a failed consistency check.
	BootRecover
)

func (b BootMode) String() string {
	switch b {
	case BootCold:
		return "cold"
	case BootWarm:
		return "warm"
	case BootRecover:
		return "recover"
	}
	return "boot(?)"
}

// Defaults applied to unset Config fields.
const (
	DefaultMaxSleep           = 60 * time.Second
	DefaultEarlyWakeTolerance = 2 * time.Millisecond
	DefaultPostPrep           = 500 * time.Microsecond
	DefaultMinSleep           = 3 * time.Millisecond
)

// DefaultPrepTime holds the wake lead time selected by each preparation index.
var DefaultPrepTime = [rtm.PrepTimeMax]time.Duration{
	2 * time.Millisecond,
	4 * time.Millisecond,
	8 * time.Millisecond,
	16 * time.Millisecond,
}

var (
	errNoSys          = errors.New("dpm: nil Sys")
	errNoStore        = errors.New("dpm: nil Store")
	errNoRadio        = errors.New("dpm: no radio configured")
	errNoTx           = errors.New("dpm: no transmit function configured")
	errNotInitialized = errors.New("dpm: manager not initialized")
)

func durToClk(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return rtm.UsToClk(uint64(d / time.Microsecond))
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
