package dpm

import (
	"log/slog"

	"github.com/xiaoh105/neuralert-firmware-sub007/rtm"
)

// Configure applies association parameters and rebuilds the schedule from
// them. The change is made on a copy of the image and committed only when fn
// and the schedule build both succeed, so an error leaves the image
// untouched. Joining a different BSS resets the beacon tracker and the key
// cache. Enabled features that cannot be scheduled yet are returned as skipped.
func (m *Manager) Configure(fn func(env *rtm.Env) error) (skipped rtm.Function, err error) {
	m.acquire()
	defer m.release()
	if !m.inited {
		return 0, errNotInitialized
	}
	img := m.img
	if err = fn(&img.Env); err != nil {
		return 0, err
	}
	if img.Env.BSSID != m.img.Env.BSSID {
		m.debug("Configure:new-bss")
		img.APTrk.Reset()
		img.IV = rtm.IVCache{}
		img.MM = rtm.MM{}
	}
	now := m.sys.Now()
	skipped, err = img.BuildSchedule(now)
	if err != nil {
		m.logerr("Configure:build", slog.Any("err", err))
		return skipped, err
	}
	if skipped != 0 {
		m.warn("Configure:skipped", slog.String("functions", skipped.String()))
	}
	m.img = img
	m.debug("Configure:done",
		slog.String("ssid", img.Env.SSIDString()),
		slog.String("enabled", img.Env.Enabled().String()),
		slog.Int("nodes", img.Sche.Armed()),
	)
	return skipped, m.persist()
}
