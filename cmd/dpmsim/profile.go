package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/soypat/seqs"
	"github.com/xiaoh105/neuralert-firmware-sub007/internal/sim"
	"github.com/xiaoh105/neuralert-firmware-sub007/rtm"
	"gopkg.in/yaml.v2"
)

// profile is the YAML description of a simulated station and its AP.
type profile struct {
	AP      apProfile                  `yaml:"ap"`
	Station stationProfile             `yaml:"station"`
	Feature map[string]featureProfile `yaml:"features"`
	Budgets budgetProfile              `yaml:"budgets"`
	MQTT    mqttProfile                `yaml:"mqtt"`
}

type apProfile struct {
	BeaconInterval uint16  `yaml:"beacon_interval"`
	DTIMPeriod     uint8   `yaml:"dtim_period"`
	TSFOffset      int64   `yaml:"tsf_offset"`
	DriftPPM       int64   `yaml:"drift_ppm"`
	JitterUs       int64   `yaml:"jitter_us"`
	Loss           float64 `yaml:"loss"`
	TIMProb        float64 `yaml:"tim_prob"`
	BCMCProb       float64 `yaml:"bcmc_prob"`
	Seed           int64   `yaml:"seed"`
}

type stationProfile struct {
	SSID           string `yaml:"ssid"`
	BSSID          string `yaml:"bssid"`
	MAC            string `yaml:"mac"`
	Channel        uint8  `yaml:"channel"`
	AID            uint16 `yaml:"aid"`
	ListenInterval uint16 `yaml:"listen_interval"`
	ForcePeriod    uint16 `yaml:"force_period"`
	IP             string `yaml:"ip"`
	Gateway        string `yaml:"gateway"`
	GatewayMAC     string `yaml:"gateway_mac"`
	UDPHole        struct {
		Dst     string `yaml:"dst"`
		DstPort uint16 `yaml:"dst_port"`
		SrcPort uint16 `yaml:"src_port"`
	} `yaml:"udp_hole"`
	TCP struct {
		Dst     string `yaml:"dst"`
		DstPort uint16 `yaml:"dst_port"`
		SrcPort uint16 `yaml:"src_port"`
		Seq     uint32 `yaml:"seq"`
		Ack     uint32 `yaml:"ack"`
		Window  uint16 `yaml:"window"`
	} `yaml:"tcp"`
}

type featureProfile struct {
	// Period is in milliseconds when Fix is set, otherwise in units of Unit.
	Period uint32 `yaml:"period"`
	Fix    bool   `yaml:"fix"`
	Unit   string `yaml:"unit"` // bi, dtim, listen or force
	Prep   uint8  `yaml:"prep"`
	Retry  uint8  `yaml:"retry"`
}

type budgetProfile struct {
	Prep     []time.Duration `yaml:"prep"`
	PostPrep time.Duration   `yaml:"post_prep"`
	MinSleep time.Duration   `yaml:"min_sleep"`
	MaxSleep time.Duration   `yaml:"max_sleep"`
	EarlyTol time.Duration   `yaml:"early_wake_tolerance"`
}

type mqttProfile struct {
	Addr     string        `yaml:"addr"`
	ClientID string        `yaml:"client_id"`
	Topic    string        `yaml:"topic"`
	Timeout  time.Duration `yaml:"timeout"`
}

// defaultProfile is used when no -config is given: a DTIM 1 AP and a station
// listening every DTIM with a 30 second keep-alive.
func defaultProfile() profile {
	return profile{
		AP: apProfile{BeaconInterval: 100, DTIMPeriod: 1, Seed: 1},
		Station: stationProfile{
			SSID:           "dpmsim",
			BSSID:          "02:00:00:00:00:aa",
			MAC:            "02:00:00:00:00:01",
			AID:            1,
			ListenInterval: 10,
			ForcePeriod:    10,
			IP:             "192.168.1.10",
			Gateway:        "192.168.1.1",
			GatewayMAC:     "02:00:00:00:00:aa",
		},
		Feature: map[string]featureProfile{
			"tim": {Unit: "dtim", Period: 1},
			"ka":  {Fix: true, Period: 30_000},
		},
	}
}

func loadProfile(filename string) (profile, error) {
	p := defaultProfile()
	if filename == "" {
		return p, nil
	}
	b, err := os.ReadFile(filename)
	if err != nil {
		return p, err
	}
	features := p.Feature
	p.Feature = nil
	if err := yaml.UnmarshalStrict(b, &p); err != nil {
		return p, fmt.Errorf("profile %s: %w", filename, err)
	}
	if p.Feature == nil {
		p.Feature = features
	}
	return p, nil
}

func (p *profile) apConfig() sim.APConfig {
	return sim.APConfig{
		BeaconInterval: p.AP.BeaconInterval,
		DTIMPeriod:     p.AP.DTIMPeriod,
		TSFOffset:      p.AP.TSFOffset,
		DriftPPM:       p.AP.DriftPPM,
		JitterUs:       p.AP.JitterUs,
		Loss:           p.AP.Loss,
		TIMProb:        p.AP.TIMProb,
		BCMCProb:       p.AP.BCMCProb,
		Seed:           p.AP.Seed,
	}
}

// configureEnv fills env the way the supplicant would after association.
// The beacon interval and DTIM period come from the AP.
func (p *profile) configureEnv(env *rtm.Env) (err error) {
	st := &p.Station
	if env.BSSID, err = parseMAC(st.BSSID); err != nil {
		return err
	}
	if env.MyMAC, err = parseMAC(st.MAC); err != nil {
		return err
	}
	env.SetSSID(st.SSID)
	env.Channel = st.Channel
	env.AID = st.AID
	env.BeaconInterval = orDefault(p.AP.BeaconInterval, 100)
	env.ListenInterval = st.ListenInterval
	env.DTIMPeriod = orDefault(p.AP.DTIMPeriod, 1)
	env.SetForcePeriod(st.ForcePeriod)

	if env.Net.OwnIP, err = parseIP(st.IP); err != nil {
		return err
	}
	if env.Net.Gateway, err = parseIP(st.Gateway); err != nil {
		return err
	}
	if st.GatewayMAC != "" {
		if env.Net.GatewayMAC, err = parseMAC(st.GatewayMAC); err != nil {
			return err
		}
	}
	if st.UDPHole.Dst != "" {
		if env.UDPHP.Dst, err = parseIP(st.UDPHole.Dst); err != nil {
			return err
		}
		env.UDPHP.DstPort, env.UDPHP.SrcPort = st.UDPHole.DstPort, st.UDPHole.SrcPort
	}
	if st.TCP.Dst != "" {
		if env.TCP.Dst, err = parseIP(st.TCP.Dst); err != nil {
			return err
		}
		env.TCP.DstPort, env.TCP.SrcPort = st.TCP.DstPort, st.TCP.SrcPort
		env.TCP.Window = st.TCP.Window
		env.TCP.Seq = seqs.Value(st.TCP.Seq)
		env.TCP.Ack = seqs.Value(st.TCP.Ack)
	}

	for fn := rtm.FuncTIM; fn <= rtm.FuncTIMP; fn <<= 1 {
		fp, ok := p.Feature[fn.String()]
		if !ok {
			continue
		}
		f := rtm.Feature{En: true, Fix: fp.Fix, Period: fp.Period, Prep: fp.Prep, Retry: fp.Retry}
		if !fp.Fix {
			if f.PeriodTy, err = parseUnit(fp.Unit); err != nil {
				return fmt.Errorf("feature %s: %w", fn, err)
			}
		}
		if err = env.SetFeature(fn, f); err != nil {
			return err
		}
	}
	for name := range p.Feature {
		if !knownFeature(name) {
			return fmt.Errorf("unknown feature %q", name)
		}
	}
	return nil
}

// prepTimes returns the preparation budgets in the form dpm.Config expects.
func (b *budgetProfile) prepTimes() (prep [rtm.PrepTimeMax]time.Duration, err error) {
	if len(b.Prep) > rtm.PrepTimeMax {
		return prep, fmt.Errorf("at most %d preparation budgets", rtm.PrepTimeMax)
	}
	copy(prep[:], b.Prep)
	return prep, nil
}

func knownFeature(name string) bool {
	for fn := rtm.FuncTIM; fn <= rtm.FuncTIMP; fn <<= 1 {
		if fn.String() == name {
			return true
		}
	}
	return false
}

func parseUnit(s string) (rtm.PeriodType, error) {
	for _, ty := range [...]rtm.PeriodType{rtm.PeriodBI, rtm.PeriodDTIM, rtm.PeriodListen, rtm.PeriodForce} {
		if ty.String() == s {
			return ty, nil
		}
	}
	if s == "" {
		return rtm.PeriodBI, nil
	}
	return 0, fmt.Errorf("unknown period unit %q", s)
}

var errNotIPv4 = errors.New("not an IPv4 address")

func parseIP(s string) (ip [4]byte, err error) {
	if s == "" {
		return ip, nil
	}
	v4 := net.ParseIP(s).To4()
	if v4 == nil {
		return ip, fmt.Errorf("%q: %w", s, errNotIPv4)
	}
	copy(ip[:], v4)
	return ip, nil
}

func parseMAC(s string) (mac [6]byte, err error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return mac, err
	}
	if len(hw) != len(mac) {
		return mac, fmt.Errorf("%q: not an EUI-48 address", s)
	}
	copy(mac[:], hw)
	return mac, nil
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
