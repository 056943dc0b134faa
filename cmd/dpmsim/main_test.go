package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dpm "github.com/xiaoh105/neuralert-firmware-sub007"
	"github.com/xiaoh105/neuralert-firmware-sub007/internal/retention"
	"github.com/xiaoh105/neuralert-firmware-sub007/rtm"
)

func TestParseScript(t *testing.T) {
	const script = `
# warm up first
at 10 loss 3
at 2 dtim 3   # AP changes DTIM
at 2 wdog
at 5 "powercycle"
`
	events, err := parseScript(strings.NewReader(script))
	if err != nil {
		t.Fatal(err)
	}
	want := []event{
		{Cycle: 2, Cmd: "dtim", Arg: 3, Line: 4},
		{Cycle: 2, Cmd: "wdog", Line: 5},
		{Cycle: 5, Cmd: "powercycle", Line: 6},
		{Cycle: 10, Cmd: "loss", Arg: 3, Line: 3},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(events), len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d: got %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestParseScriptErrors(t *testing.T) {
	for _, line := range []string{
		"loss 3",
		"at x loss 3",
		"at -1 wdog",
		"at 1 explode",
		"at 1 loss",
		"at 1 wdog 3",
		"at 1 dtim -2",
		`at 1 "unterminated`,
	} {
		if _, err := parseScript(strings.NewReader(line)); err == nil {
			t.Errorf("%q: expected error", line)
		}
	}
}

func TestLoadProfile(t *testing.T) {
	const doc = `
ap:
  beacon_interval: 200
  dtim_period: 2
  seed: 7
station:
  bssid: "02:11:22:33:44:55"
  mac: "02:00:00:00:00:02"
  ip: 10.0.0.2
  gateway: 10.0.0.1
  listen_interval: 4
  force_period: 5
  udp_hole:
    dst: 10.0.0.9
    dst_port: 5683
    src_port: 40000
features:
  tim: {unit: dtim, period: 1}
  udph: {fix: true, period: 20000, prep: 1}
budgets:
  prep: [1ms, 2ms]
  min_sleep: 5ms
`
	filename := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(filename, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := loadProfile(filename)
	if err != nil {
		t.Fatal(err)
	}
	if p.Budgets.MinSleep != 5*time.Millisecond {
		t.Errorf("min sleep %v", p.Budgets.MinSleep)
	}
	prep, err := p.Budgets.prepTimes()
	if err != nil || prep[1] != 2*time.Millisecond || prep[2] != 0 {
		t.Errorf("prep %v %v", prep, err)
	}
	// Station fields not in the document keep their defaults.
	if p.Station.SSID != "dpmsim" {
		t.Errorf("ssid %q", p.Station.SSID)
	}
	var env rtm.Env
	if err := p.configureEnv(&env); err != nil {
		t.Fatal(err)
	}
	if env.BeaconInterval != 200 || env.DTIMPeriod != 2 || env.ListenInterval != 4 {
		t.Errorf("beacon params %d %d %d", env.BeaconInterval, env.DTIMPeriod, env.ListenInterval)
	}
	if env.ForcePeriod != 4 {
		t.Errorf("force period %d, want rounded to DTIM multiple 4", env.ForcePeriod)
	}
	if env.BSSID != [6]byte{2, 0x11, 0x22, 0x33, 0x44, 0x55} {
		t.Errorf("bssid %x", env.BSSID)
	}
	if env.UDPHP.Dst != [4]byte{10, 0, 0, 9} || env.UDPHP.DstPort != 5683 {
		t.Errorf("udp hole %+v", env.UDPHP)
	}
	if got := env.Enabled(); got != rtm.FuncTIM|rtm.FuncUDPH {
		t.Errorf("enabled %s", got)
	}
	if !env.UDPH.Fix || env.UDPH.Period != 20000 || env.UDPH.Prep != 1 {
		t.Errorf("udph %+v", env.UDPH)
	}
	if env.TIM.PeriodTy != rtm.PeriodDTIM {
		t.Errorf("tim unit %s", env.TIM.PeriodTy)
	}
}

func TestLoadProfileStrict(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(filename, []byte("ap:\n  beacon_intervall: 100\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadProfile(filename); err == nil {
		t.Fatal("expected error on misspelled key")
	}
}

func TestConfigureEnvRejectsBadInput(t *testing.T) {
	for _, mod := range []func(p *profile){
		func(p *profile) { p.Station.BSSID = "nonsense" },
		func(p *profile) { p.Station.IP = "::1" },
		func(p *profile) { p.Feature["tim"] = featureProfile{Unit: "fortnight"} },
		func(p *profile) { p.Feature["coffee"] = featureProfile{} },
	} {
		p := defaultProfile()
		mod(&p)
		var env rtm.Env
		if err := p.configureEnv(&env); err == nil {
			t.Errorf("expected error for %+v", p)
		}
	}
}

func TestSimulationScript(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := new(retention.MemStore)
	s, err := newSimulation(ctx, defaultProfile(), store, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	events, err := parseScript(strings.NewReader("at 3 wdog\nat 6 powercycle\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.run(ctx, 8, events); err != nil {
		t.Fatal(err)
	}
	if s.cycles != 8 {
		t.Errorf("ran %d cycles", s.cycles)
	}
	if s.boots[dpm.BootCold] != 1 || s.boots[dpm.BootRecover] != 1 || s.boots[dpm.BootWarm] != 1 {
		t.Errorf("boots %v", s.boots)
	}
	img := s.m.Snapshot()
	if !img.Env.Associated() || img.Sche.Armed() == 0 {
		t.Error("station lost its association")
	}
	var buf bytes.Buffer
	s.summary(&buf, "mem")
	for _, want := range []string{"cycles   8", "boots    cold=1 warm=1 recover=1 rejoin=0", "mem store"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("summary missing %q:\n%s", want, buf.String())
		}
	}
}

func TestSimulationWipe(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := newSimulation(ctx, defaultProfile(), new(retention.MemStore), logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.run(ctx, 3, []event{{Cycle: 1, Cmd: "wipe"}}); err != nil {
		t.Fatal(err)
	}
	if s.boots[dpm.BootCold] != 2 {
		t.Errorf("boots %v, want two cold boots", s.boots)
	}
	if img := s.m.Snapshot(); !img.Env.Associated() {
		t.Error("expected re-association after wipe")
	}
}

func TestSimulationDeauthRejoins(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	prof := defaultProfile()
	prof.Feature["deauth"] = featureProfile{Fix: true, Period: 200}
	s, err := newSimulation(ctx, prof, new(retention.MemStore), logger)
	if err != nil {
		t.Fatal(err)
	}
	events := []event{{Cycle: 1, Cmd: "deauth"}, {Cycle: 8, Cmd: "powercycle"}}
	if err := s.run(ctx, 10, events); err != nil {
		t.Fatal(err)
	}
	if s.rejoins != 1 {
		t.Errorf("rejoined %d times, want 1", s.rejoins)
	}
	if img := s.m.Snapshot(); img.MM.Pending || !img.Env.Associated() {
		t.Errorf("after rejoin: mm %+v associated %v", img.MM, img.Env.Associated())
	}
}
