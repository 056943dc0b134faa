package dpm

import (
	"context"

	"github.com/xiaoh105/neuralert-firmware-sub007/internal/telemetry"
	"github.com/xiaoh105/neuralert-firmware-sub007/rtm"
)

// Sys is the platform the manager runs on: the boot checks, the RTC and the
// power-down primitive.
type Sys interface {
	// Ready reports whether the retained image is usable. A non-zero STE forces a cold boot.
	Ready(img *rtm.Param) rtm.STE
	// Chk runs the deeper consistency checks. A non-zero STE forces a recover boot.
	Chk(img *rtm.Param) rtm.STE
	// Sleep powers down for us microseconds and returns the time actually slept.
	Sleep(ctx context.Context, img *rtm.Param, ptimAddr uint32, us uint64) (slept uint64, err error)
	// Now returns the RTC clock.
	Now() uint64
}

// Beacon is a received beacon as seen by the radio.
type Beacon struct {
	// Clk is the RTC clock at which the beacon arrived.
	Clk uint64
	// TSF is the AP timestamp carried by the beacon.
	TSF        uint64
	DTIMCount  uint8
	DTIMPeriod uint8
	// TIM is set when the AP buffers unicast traffic for our AID.
	TIM bool
	// BCMC is set when group traffic follows a DTIM beacon.
	BCMC bool
	// Wait is how long the receiver listened, CCA how long the channel was busy. Clocks.
	Wait uint32
	CCA  uint32
}

// Radio is the receive side used by the beacon and deauth handlers.
type Radio interface {
	// ListenBeacon listens from clock at for up to window clocks. It returns
	// false when no beacon arrived.
	ListenBeacon(ctx context.Context, at uint64, window uint32) (Beacon, bool, error)
	// PollDeauth reports whether the AP deauthenticated the station.
	PollDeauth(ctx context.Context) (bool, error)
}

// Store keeps the encoded image across power-down. Load returns
// retention.ErrEmpty when nothing was retained.
type Store interface {
	Load(dst []byte) (int, error)
	Persist(src []byte) error
}

// Reporter receives the report of every wake cycle.
type Reporter interface {
	Publish(ctx context.Context, r telemetry.WakeReport) error
}

// CheckImage is the default ready check: the image must carry the preamble,
// and an associated image must name our own MAC. A schedule armed without
// an association is rejected as well.
func CheckImage(img *rtm.Param) rtm.STE {
	switch {
	case img.Validate() != rtm.Valid:
		return rtm.STEInvalidPreamble
	case img.Env.Associated() && img.Env.MyMAC == [6]byte{}:
		return rtm.STEInvalidMyMAC
	case !img.Env.Associated() && img.Sche.Armed() != 0:
		return rtm.STEInvalidBSSID
	}
	return rtm.STENone
}

// CheckWdog is the default consistency check. It flags an image saved by the
// watchdog handler.
func CheckWdog(img *rtm.Param) rtm.STE {
	if img.Status.HasWdog() {
		return rtm.STEWdogDetected
	}
	return rtm.STENone
}
