package dpm_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	dpm "github.com/xiaoh105/neuralert-firmware-sub007"
	"github.com/xiaoh105/neuralert-firmware-sub007/internal/frame"
	"github.com/xiaoh105/neuralert-firmware-sub007/internal/retention"
	"github.com/xiaoh105/neuralert-firmware-sub007/internal/sim"
	"github.com/xiaoh105/neuralert-firmware-sub007/internal/telemetry"
	"github.com/xiaoh105/neuralert-firmware-sub007/rtm"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(b []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(b))
	return len(b), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug - 1}))
}

type collector struct{ reports []telemetry.WakeReport }

func (c *collector) Publish(_ context.Context, r telemetry.WakeReport) error {
	c.reports = append(c.reports, r)
	return nil
}

type rig struct {
	store *retention.MemStore
	board *sim.Board
	rep   collector
}

func newRig(apcfg sim.APConfig) *rig {
	return &rig{store: new(retention.MemStore), board: sim.NewBoard(sim.NewAP(apcfg))}
}

// boot simulates a power-up: a new manager over the retained store.
func (r *rig) boot(t *testing.T, cfg dpm.Config) (*dpm.Manager, dpm.BootMode) {
	t.Helper()
	cfg.Store = r.store
	cfg.Sys = r.board
	cfg.Radio = r.board
	cfg.Tx = r.board.Tx
	cfg.Reporter = &r.rep
	cfg.Logger = testLogger(t)
	m, err := dpm.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	mode, err := m.Init(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return m, mode
}

func associate(features func(env *rtm.Env)) func(env *rtm.Env) error {
	return func(env *rtm.Env) error {
		env.BSSID = [6]byte{0x02, 0, 0, 0, 0, 0xaa}
		env.MyMAC = [6]byte{0x02, 0, 0, 0, 0, 0x01}
		env.SetSSID("dpm-test")
		env.AID = 3
		env.BeaconInterval = 100
		env.ListenInterval = 10
		env.SetDTIMPeriod(1)
		env.Net = rtm.NetParams{
			OwnIP:      [4]byte{192, 168, 1, 10},
			Gateway:    [4]byte{192, 168, 1, 1},
			GatewayMAC: [6]byte{0x02, 0, 0, 0, 0, 0xfe},
		}
		if features != nil {
			features(env)
		}
		return nil
	}
}

func keepAlive(env *rtm.Env) { env.KA = rtm.Feature{En: true, Fix: true, Period: 1000} }

func mustConfigure(t *testing.T, m *dpm.Manager, fn func(env *rtm.Env) error) {
	t.Helper()
	skipped, err := m.Configure(fn)
	if err != nil {
		t.Fatal(err)
	}
	if skipped != 0 {
		t.Fatalf("features skipped: %s", skipped)
	}
}

func runCycles(t *testing.T, m *dpm.Manager, n int) []telemetry.WakeReport {
	t.Helper()
	var reps []telemetry.WakeReport
	err := m.Run(context.Background(), n, func(r telemetry.WakeReport) { reps = append(reps, r) })
	if err != nil {
		t.Fatal(err)
	}
	return reps
}

func TestNewRequiresSysAndStore(t *testing.T) {
	if _, err := dpm.New(dpm.Config{Store: new(retention.MemStore)}); err == nil {
		t.Error("nil Sys accepted")
	}
	if _, err := dpm.New(dpm.Config{Sys: sim.NewBoard(sim.NewAP(sim.APConfig{}))}); err == nil {
		t.Error("nil Store accepted")
	}
	_, err := dpm.New(dpm.Config{
		Store:    new(retention.MemStore),
		Sys:      sim.NewBoard(sim.NewAP(sim.APConfig{})),
		Handlers: map[rtm.Function]dpm.Handler{rtm.FuncKA | rtm.FuncPS: nil},
	})
	if !errors.Is(err, rtm.ErrInvalidFunc) {
		t.Errorf("handler for a multi-bit function: %v", err)
	}
}

func TestColdThenWarmBoot(t *testing.T) {
	r := newRig(sim.APConfig{})
	m, mode := r.boot(t, dpm.Config{})
	if mode != dpm.BootCold {
		t.Fatalf("empty store booted %s", mode)
	}
	if _, err := m.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.store.Len() != rtm.ImageSize {
		t.Fatalf("persisted %d bytes, want %d", r.store.Len(), rtm.ImageSize)
	}
	m, mode = r.boot(t, dpm.Config{})
	if mode != dpm.BootWarm {
		t.Fatalf("retained image booted %s", mode)
	}
	img := m.Snapshot()
	if img.Stats.ColdBoots != 1 || img.Stats.WarmBoots != 1 || img.Stats.Wakes != 1 {
		t.Errorf("stats after cold+warm boot: %+v", img.Stats)
	}
	if img.Status.Err() != rtm.STENone {
		t.Errorf("clean boot recorded %s", img.Status.Err())
	}
}

func TestCorruptImageBootsCold(t *testing.T) {
	r := newRig(sim.APConfig{})
	m, _ := r.boot(t, dpm.Config{})
	mustConfigure(t, m, associate(keepAlive))
	r.store.Flip(10, 0xff)

	m, mode := r.boot(t, dpm.Config{})
	if mode != dpm.BootCold {
		t.Fatalf("corrupt image booted %s", mode)
	}
	img := m.Snapshot()
	if img.Env.Associated() || img.Sche.Armed() != 0 {
		t.Error("association survived a corrupt image")
	}
	if img.Status.Err() != rtm.STEInvalidPreamble {
		t.Errorf("recorded %s", img.Status.Err())
	}
	reps := runCycles(t, m, 1)
	if reps[0].Boot != "cold" || reps[0].Error != "invalid-preamble" {
		t.Errorf("first report %s", reps[0].String())
	}
	reps = runCycles(t, m, 1)
	if reps[0].Boot != "" || reps[0].Error != "" {
		t.Errorf("boot fault reported twice: %s", reps[0].String())
	}
}

func TestVersionMismatchBootsCold(t *testing.T) {
	r := newRig(sim.APConfig{})
	m, _ := r.boot(t, dpm.Config{})
	mustConfigure(t, m, associate(keepAlive))
	err := m.Update(func(img *rtm.Param) error {
		img.Version = rtm.Version - 1
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	m, mode := r.boot(t, dpm.Config{})
	img := m.Snapshot()
	if mode != dpm.BootCold || img.Status.Err() != rtm.STEInvalidPreamble {
		t.Errorf("old layout booted %s, recorded %s", mode, img.Status.Err())
	}
}

func TestWatchdogRecoverBoot(t *testing.T) {
	r := newRig(sim.APConfig{})
	m, _ := r.boot(t, dpm.Config{})
	mustConfigure(t, m, associate(keepAlive))
	runCycles(t, m, 2)
	if err := m.Watchdog(); err != nil {
		t.Fatal(err)
	}

	m, mode := r.boot(t, dpm.Config{})
	if mode != dpm.BootRecover {
		t.Fatalf("watchdog image booted %s", mode)
	}
	img := m.Snapshot()
	if !img.Env.Associated() || img.Env.SSIDString() != "dpm-test" {
		t.Error("association lost on recover")
	}
	if img.Sche.Armed() != 1 {
		t.Errorf("schedule not rebuilt: %d nodes", img.Sche.Armed())
	}
	if img.Status.HasWdog() {
		t.Error("watchdog preamble not cleared")
	}
	if img.Status.Err() != rtm.STEWdogDetected {
		t.Errorf("recorded %s", img.Status.Err())
	}
	reps := runCycles(t, m, 1)
	if reps[0].Boot != "recover" || reps[0].Error != "wdog" {
		t.Errorf("first report %s", reps[0].String())
	}
}

func TestReadyFaultKeepsCalibration(t *testing.T) {
	r := newRig(sim.APConfig{})
	m, _ := r.boot(t, dpm.Config{})
	mustConfigure(t, m, associate(keepAlive))
	cal := []byte{1, 2, 3}
	if err := m.Update(func(img *rtm.Param) error { return img.PHY.Set(cal) }); err != nil {
		t.Fatal(err)
	}
	r.board.ReadySTE = rtm.STEInvalidRAMLib

	m, mode := r.boot(t, dpm.Config{})
	if mode != dpm.BootCold {
		t.Fatalf("booted %s", mode)
	}
	img := m.Snapshot()
	if string(img.PHY.Bytes()) != string(cal) {
		t.Errorf("calibration lost: %v", img.PHY.Bytes())
	}
	if img.Env.Associated() {
		t.Error("association kept after failed ready check")
	}
	if img.Status.Err() != rtm.STEInvalidRAMLib {
		t.Errorf("recorded %s", img.Status.Err())
	}
}

func TestKeepAliveCycles(t *testing.T) {
	r := newRig(sim.APConfig{})
	m, _ := r.boot(t, dpm.Config{})
	mustConfigure(t, m, associate(keepAlive))
	reps := runCycles(t, m, 6)

	sent := 0
	for _, rep := range reps {
		if rtm.ST(rep.Status)&rtm.STKASent != 0 {
			sent++
			if rtm.Function(rep.Functions)&rtm.FuncKA == 0 {
				t.Errorf("keep-alive sent without servicing KA: %s", rep.String())
			}
		}
	}
	if sent < 2 {
		t.Fatalf("keep-alive sent in %d of %d cycles", sent, len(reps))
	}
	if got := r.board.Count(frame.KindNullData); got != sent {
		t.Errorf("%d null frames on air, %d reported", got, sent)
	}
	img := m.Snapshot()
	if int(img.Stats.KASent) != sent || int(img.Status.TxSeqn) != sent {
		t.Errorf("KASent=%d TxSeqn=%d, want %d", img.Stats.KASent, img.Status.TxSeqn, sent)
	}
	for _, f := range r.board.Sent() {
		if !f.Dot11.PowerManagement() || f.Dot11.Addr1 != img.Env.BSSID {
			t.Errorf("bad keep-alive frame %+v", f.Dot11)
		}
	}
	if len(r.rep.reports) != len(reps) {
		t.Errorf("reporter got %d reports, want %d", len(r.rep.reports), len(reps))
	}
}

func TestBeaconTrackingLocks(t *testing.T) {
	r := newRig(sim.APConfig{BeaconInterval: 100, DTIMPeriod: 1})
	m, _ := r.boot(t, dpm.Config{})
	mustConfigure(t, m, associate(func(env *rtm.Env) {
		env.TIM = rtm.Feature{En: true, PeriodTy: rtm.PeriodDTIM, Period: 1, Prep: 1}
	}))
	runCycles(t, m, 16)
	img := m.Snapshot()
	if img.Stats.BcnRx < 5 {
		t.Fatalf("received %d beacons, missed %d", img.Stats.BcnRx, img.Stats.BcnMiss)
	}
	if img.APTrk.Coarse || img.APTrk.Lock < img.APTrk.CoarseLockMax {
		t.Errorf("tracker did not lock: lock=%d coarse=%v", img.APTrk.Lock, img.APTrk.Coarse)
	}
	if !img.Status.BcnSyncStatus || img.Status.LastBcnClk == 0 {
		t.Errorf("beacon snapshots not updated: %+v", img.Status)
	}
	if img.Sche.DTIMClk == 0 {
		t.Error("DTIM grid not derived from the tracker")
	}
}

func TestBeaconLossAndDTIMChange(t *testing.T) {
	r := newRig(sim.APConfig{BeaconInterval: 100, DTIMPeriod: 1})
	m, _ := r.boot(t, dpm.Config{})
	mustConfigure(t, m, associate(func(env *rtm.Env) {
		env.TIM = rtm.Feature{En: true, PeriodTy: rtm.PeriodDTIM, Period: 1}
		env.SetForcePeriod(10)
	}))
	runCycles(t, m, 8)
	r.board.AP.LoseNext(1)
	var lost bool
	for _, rep := range runCycles(t, m, 4) {
		lost = lost || rtm.ST(rep.Status)&rtm.STNoBcn != 0
	}
	if !lost {
		t.Error("missed beacon not reported")
	}

	r.board.AP.SetDTIMPeriod(3)
	var rebuilt bool
	for _, rep := range runCycles(t, m, 4) {
		rebuilt = rebuilt || rtm.ST(rep.Status)&rtm.STSchedule != 0
	}
	img := m.Snapshot()
	if !rebuilt || img.Env.DTIMPeriod != 3 {
		t.Fatalf("DTIM change not applied: rebuilt=%v dtim=%d", rebuilt, img.Env.DTIMPeriod)
	}
	if img.Env.ForcePeriod != 9 {
		t.Errorf("force period %d after DTIM change, want 9", img.Env.ForcePeriod)
	}
}

func TestTIMPartialGuardWakes(t *testing.T) {
	r := newRig(sim.APConfig{BeaconInterval: 100, DTIMPeriod: 10})
	m, _ := r.boot(t, dpm.Config{})
	mustConfigure(t, m, associate(func(env *rtm.Env) {
		env.SetDTIMPeriod(10)
		env.TIM = rtm.Feature{En: true, PeriodTy: rtm.PeriodDTIM, Period: 1, Prep: 1}
		env.TIMP = rtm.Feature{En: true}
	}))
	var guards, tim, idle int
	for _, rep := range runCycles(t, m, 30) {
		switch {
		case rtm.ST(rep.Status)&rtm.STGuard != 0:
			guards++
		case rtm.Function(rep.Functions)&rtm.FuncTIM != 0:
			tim++
		default:
			idle++
		}
	}
	// Only the first wake, before anything is due, services nothing.
	if idle > 1 {
		t.Errorf("%d of 30 wakes serviced nothing (guards=%d tim=%d)", idle, guards, tim)
	}
	if guards < tim-1 || guards > tim+1 {
		t.Errorf("guards=%d tim=%d, want one guard wake per DTIM", guards, tim)
	}
}

func TestEarlyWake(t *testing.T) {
	r := newRig(sim.APConfig{})
	m, _ := r.boot(t, dpm.Config{})
	mustConfigure(t, m, associate(keepAlive))
	r.board.EarlyUs = 50_000
	reps := runCycles(t, m, 2)
	if rtm.ST(reps[0].Status)&rtm.STEarlyWake == 0 {
		t.Errorf("early wake not reported: %s", reps[0].String())
	}
	if rtm.ST(reps[1].Status)&rtm.STEarlyWake != 0 {
		t.Errorf("early wake reported again: %s", reps[1].String())
	}
}

func TestDeauthAndHandlerOverride(t *testing.T) {
	r := newRig(sim.APConfig{})
	calls := 0
	m, _ := r.boot(t, dpm.Config{Handlers: map[rtm.Function]dpm.Handler{
		rtm.FuncKA: func(ctx context.Context, task *dpm.Task) error {
			calls++
			task.Param.Status.MergeStatus(rtm.STKASent)
			return nil
		},
	}})
	mustConfigure(t, m, associate(func(env *rtm.Env) {
		keepAlive(env)
		env.Deauth = rtm.Feature{En: true, Fix: true, Period: 1000}
	}))
	r.board.AP.Deauth()
	reps := runCycles(t, m, 4)
	var deauth bool
	for _, rep := range reps {
		deauth = deauth || rtm.ST(rep.Status)&rtm.STDeauth != 0
	}
	if !deauth {
		t.Error("deauth not reported")
	}
	if mm := m.Snapshot().MM; !mm.Pending || mm.Kind != rtm.MMDeauth {
		t.Errorf("deauth not queued: %+v", mm)
	}
	if calls == 0 || r.board.Count(frame.KindNullData) != 0 {
		t.Errorf("override not used: calls=%d frames=%d", calls, r.board.Count(frame.KindNullData))
	}
}

func TestBootTakesPendingRequest(t *testing.T) {
	r := newRig(sim.APConfig{})
	m, _ := r.boot(t, dpm.Config{})
	mustConfigure(t, m, associate(func(env *rtm.Env) {
		env.Deauth = rtm.Feature{En: true, Fix: true, Period: 1000}
	}))
	if _, ok := m.BootRequest(); ok {
		t.Fatal("request pending on a fresh image")
	}
	r.board.AP.Deauth()
	runCycles(t, m, 3)
	if mm := m.Snapshot().MM; !mm.Pending {
		t.Fatal("deauth not queued")
	}

	m, mode := r.boot(t, dpm.Config{})
	if mode != dpm.BootWarm {
		t.Fatalf("booted %s", mode)
	}
	req, ok := m.BootRequest()
	if !ok || req.Kind != rtm.MMDeauth {
		t.Errorf("boot request %+v", req)
	}
	if mm := m.Snapshot().MM; mm.Pending {
		t.Error("request left in the image after boot")
	}
	reps := runCycles(t, m, 2)
	if reps[0].MM != "deauth" || reps[1].MM != "" {
		t.Errorf("reports %q %q, want the request on the first only", reps[0].MM, reps[1].MM)
	}

	// The next boot has nothing left to take.
	m, _ = r.boot(t, dpm.Config{})
	if req, ok := m.BootRequest(); ok {
		t.Errorf("request taken twice: %+v", req)
	}
}

func TestConfigureErrorLeavesImage(t *testing.T) {
	r := newRig(sim.APConfig{})
	m, _ := r.boot(t, dpm.Config{})
	mustConfigure(t, m, associate(keepAlive))
	before := m.Snapshot()
	_, err := m.Configure(func(env *rtm.Env) error {
		env.KA.En = false
		return env.SetFeature(rtm.FuncKA|rtm.FuncPS, rtm.Feature{})
	})
	if !errors.Is(err, rtm.ErrInvalidFunc) {
		t.Fatalf("got %v", err)
	}
	if after := m.Snapshot(); after.Env != before.Env || after.Sche != before.Sche {
		t.Error("failed configure modified the image")
	}

	t.Run("table full", func(t *testing.T) {
		// One node per distinct fixed period, on a new BSS.
		fixed := []rtm.Function{rtm.FuncKA, rtm.FuncPS, rtm.FuncUC, rtm.FuncARP, rtm.FuncUDPH}
		if rtm.ScheMaxCnt >= len(fixed) {
			t.Skipf("schedule holds %d nodes, build with -tags dpmsim", rtm.ScheMaxCnt)
		}
		runCycles(t, m, 2)
		err := m.Update(func(img *rtm.Param) error {
			img.MM.Request(rtm.MMDeauth, 7)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		before := m.Snapshot()
		stored := make([]byte, rtm.ImageSize)
		r.store.Load(stored)
		_, err = m.Configure(func(env *rtm.Env) error {
			env.BSSID = [6]byte{0x02, 0, 0, 0, 0, 0xbb}
			for i, fn := range fixed {
				if err := env.SetFeature(fn, rtm.Feature{En: true, Fix: true, Period: 1000 + 100*uint32(i)}); err != nil {
					return err
				}
			}
			return nil
		})
		if !errors.Is(err, rtm.ErrFull) {
			t.Fatalf("got %v, want table full", err)
		}
		if after := m.Snapshot(); after != before {
			t.Error("failed build modified the image")
		}
		got := make([]byte, rtm.ImageSize)
		r.store.Load(got)
		if !bytes.Equal(got, stored) {
			t.Error("failed build persisted")
		}
	})
}

func TestNotInitialized(t *testing.T) {
	m, err := dpm.New(dpm.Config{Store: new(retention.MemStore), Sys: sim.NewBoard(sim.NewAP(sim.APConfig{}))})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Cycle(context.Background()); err == nil {
		t.Error("cycle before Init")
	}
	if _, err := m.Configure(associate(nil)); err == nil {
		t.Error("configure before Init")
	}
}
