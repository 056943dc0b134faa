// Package dpm drives a station through dynamic power management wake cycles.
//
// A Manager owns the retention image. At boot it decides whether the image
// retained across power-down can be reused, and on every wake it services
// the periodic activities that are due, plans the next wake and powers down.
//
// The Manager is safe for concurrent use; every operation takes the single
// writer lock around the image.
package dpm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaoh105/neuralert-firmware-sub007/internal/retention"
	"github.com/xiaoh105/neuralert-firmware-sub007/rtm"
)

// Config configures a Manager. Sys and Store are required.
type Config struct {
	Store Store
	Sys   Sys
	// Radio serves the beacon and deauth handlers. May be nil when neither is enabled.
	Radio Radio
	// Tx transmits a frame built by a feature handler. May be nil when no
	// transmitting feature is enabled.
	Tx       func(frame []byte) error
	Logger   *slog.Logger
	Reporter Reporter
	// PTIMAddr is handed to Sys.Sleep as the entry point of the next wake.
	PTIMAddr uint32
	// MaxSleep caps a single power-down. Also used when nothing is scheduled.
	MaxSleep time.Duration
	// EarlyWakeTolerance is how much shorter than planned a sleep may be
	// before it is reported as an early wake.
	EarlyWakeTolerance time.Duration
	// PrepTime is the wake lead time per preparation index. Zero entries use DefaultPrepTime.
	PrepTime [rtm.PrepTimeMax]time.Duration
	PostPrep time.Duration
	MinSleep time.Duration
	// Handlers replaces the handler of single feature bits.
	Handlers map[rtm.Function]Handler
}

// Manager runs the boot decision and the wake cycles over one retention image.
type Manager struct {
	mu       sync.Mutex
	store    Store
	sys      Sys
	radio    Radio
	tx       func([]byte) error
	reporter Reporter
	handlers map[rtm.Function]Handler

	logger        *slog.Logger
	_traceenabled bool

	ptimAddr  uint32
	maxSleep  uint64 // clocks
	earlyTol  uint64 // microseconds
	prepClk   [rtm.PrepTimeMax]uint32
	postPrep  uint32
	minSleep  uint32
	img       rtm.Param
	buf       []byte
	txbuf     []byte
	ipid      uint16
	inited    bool
	boot      BootMode
	bootSTE   rtm.STE
	bootMM    rtm.MM // request taken from the image at Init
	firstWake bool
}

// New returns a Manager. Call Init before anything else.
func New(cfg Config) (*Manager, error) {
	if cfg.Sys == nil {
		return nil, errNoSys
	}
	if cfg.Store == nil {
		return nil, errNoStore
	}
	m := &Manager{
		store:    cfg.Store,
		sys:      cfg.Sys,
		radio:    cfg.Radio,
		tx:       cfg.Tx,
		reporter: cfg.Reporter,
		logger:   cfg.Logger,
		ptimAddr: cfg.PTIMAddr,
		maxSleep: durToClk(orDuration(cfg.MaxSleep, DefaultMaxSleep)),
		earlyTol: uint64(orDuration(cfg.EarlyWakeTolerance, DefaultEarlyWakeTolerance) / time.Microsecond),
		postPrep: uint32(durToClk(orDuration(cfg.PostPrep, DefaultPostPrep))),
		minSleep: uint32(durToClk(orDuration(cfg.MinSleep, DefaultMinSleep))),
		handlers: defaultHandlers(),
		txbuf:    make([]byte, 0, 128),
	}
	for i, d := range cfg.PrepTime {
		m.prepClk[i] = uint32(durToClk(orDuration(d, DefaultPrepTime[i])))
	}
	for fn, h := range cfg.Handlers {
		if !fn.IsValid() {
			return nil, &rtm.Error{Op: "handler " + fn.String(), Errno: rtm.ErrInvalidFunc}
		}
		m.handlers[fn] = h
	}
	m._traceenabled = m.logger != nil && m.logger.Handler().Enabled(context.Background(), levelTrace)
	return m, nil
}

// Init loads the retained image and decides how to boot:
//   - nothing retained: cold boot.
//   - undecodable image, missing preamble or other layout version: cold boot, STEInvalidPreamble recorded.
//   - Sys.Ready fails: cold boot keeping calibration, its STE recorded.
//   - Sys.Chk fails: recover boot keeping association and calibration, its STE recorded.
//   - otherwise warm boot.
//
// A pending MAC management request left by the wake cycles is taken from the
// image, logged and reported with the first wake. See BootRequest.
// The image is persisted before returning.
func (m *Manager) Init(ctx context.Context) (mode BootMode, err error) {
	m.acquire()
	defer m.release()
	m.info("Init:start")
	start := time.Now()
	if err = ctx.Err(); err != nil {
		return BootCold, err
	}
	m.bootMM = rtm.MM{}
	mode, ste, err := m.decide()
	if err != nil {
		return mode, err
	}
	if req := m.bootMM; req.Pending {
		m.warn("Init:mm", slog.String("kind", req.Kind.String()), slog.Int("arg", int(req.Arg)))
	}
	m.img.Stamp()
	m.applyBudgets()
	if mode == BootCold {
		m.img.Stats.ColdBoots++
	} else {
		m.img.Stats.WarmBoots++
	}
	if ste != rtm.STENone {
		m.img.Status.SetError(ste)
	}
	if err = m.persist(); err != nil {
		return mode, err
	}
	m.inited = true
	m.boot, m.bootSTE, m.firstWake = mode, ste, true
	m.info("Init:done",
		slog.String("boot", mode.String()),
		slog.String("ste", ste.String()),
		slog.Int("nodes", m.img.Sche.Armed()),
		slog.Duration("took", time.Since(start)),
	)
	return mode, nil
}

func (m *Manager) decide() (BootMode, rtm.STE, error) {
	if m.buf == nil {
		m.buf = make([]byte, rtm.ImageSize)
	}
	m.buf = m.buf[:rtm.ImageSize]
	n, err := m.store.Load(m.buf)
	if errors.Is(err, retention.ErrEmpty) {
		m.debug("Init:empty")
		m.img.Reset()
		return BootCold, rtm.STENone, nil
	} else if err != nil {
		return BootCold, rtm.STENone, err
	}
	var img rtm.Param
	if err = img.UnmarshalBinary(m.buf[:n]); err != nil || img.Validate() != rtm.Valid || img.Version != rtm.Version {
		m.warn("Init:invalid-image", slog.Any("err", err), slog.Int("len", n), slog.Uint64("version", uint64(img.Version)))
		m.img.Reset()
		return BootCold, rtm.STEInvalidPreamble, nil
	}
	m.img = img
	m.bootMM, _ = m.img.MM.Take()
	if ste := m.sys.Ready(&m.img); ste != rtm.STENone {
		m.warn("Init:not-ready", slog.String("ste", ste.String()))
		adc, phy, ant := m.img.ADC, m.img.PHY, m.img.AntDiv
		m.img.Reset()
		m.img.ADC, m.img.PHY, m.img.AntDiv = adc, phy, ant
		return BootCold, ste, nil
	}
	if ste := m.sys.Chk(&m.img); ste != rtm.STENone {
		m.warn("Init:recover", slog.String("ste", ste.String()))
		m.img.ResetRuntime()
		m.img.Status.ClearWdog()
		if m.img.Env.Associated() {
			if skipped, err := m.img.BuildSchedule(m.sys.Now()); err != nil {
				return BootRecover, ste, err
			} else if skipped != 0 {
				m.warn("Init:skipped", slog.String("functions", skipped.String()))
			}
		}
		return BootRecover, ste, nil
	}
	return BootWarm, rtm.STENone, nil
}

func (m *Manager) applyBudgets() {
	m.img.Sche.PrepClk = m.prepClk
	m.img.Sche.PostPrep = m.postPrep
	m.img.Sche.MinSleep = m.minSleep
}

func (m *Manager) persist() (err error) {
	m.buf, err = m.img.AppendBinary(m.buf[:0])
	if err != nil {
		return err
	}
	return m.store.Persist(m.buf)
}

// BootRequest returns the MAC management request pending in the image when
// Init ran. The caller owns it: a deauth means the association is gone.
func (m *Manager) BootRequest() (rtm.MM, bool) {
	m.acquire()
	defer m.release()
	return m.bootMM, m.bootMM.Pending
}

// Snapshot returns a copy of the image.
func (m *Manager) Snapshot() rtm.Param {
	m.acquire()
	defer m.release()
	return m.img
}

// Update runs fn on the image under the manager lock and persists the result
// when fn succeeds. It is the entry point for MAC layer events such as
// sequence number updates and key installation.
func (m *Manager) Update(fn func(img *rtm.Param) error) error {
	m.acquire()
	defer m.release()
	if !m.inited {
		return errNotInitialized
	}
	if err := fn(&m.img); err != nil {
		return err
	}
	return m.persist()
}

// Watchdog saves the image marked as written by the watchdog handler so
// that the next boot recovers instead of trusting it.
func (m *Manager) Watchdog() error {
	m.acquire()
	defer m.release()
	if !m.inited {
		return errNotInitialized
	}
	m.img.Status.MarkWdog()
	m.warn("Watchdog:saved")
	return m.persist()
}

func (m *Manager) acquire() {
	m.mu.Lock()
}

func (m *Manager) release() {
	m.mu.Unlock()
}
