package main

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/xiaoh105/neuralert-firmware-sub007/rtm"
)

func clkdur(clk uint64) time.Duration {
	return time.Duration(rtm.ClkToUs(clk)) * time.Microsecond
}

func describe(w io.Writer, p *rtm.Param) {
	fmt.Fprintf(w, "image     %s, preamble %s, version %d", bytesize.New(float64(rtm.ImageSize)), p.Validate(), p.Version)
	if p.Version != rtm.Version {
		fmt.Fprintf(w, " (this build reads %d)", rtm.Version)
	}
	fmt.Fprintln(w)

	e := &p.Env
	if !e.Associated() {
		fmt.Fprintln(w, "env       not associated")
	} else {
		fmt.Fprintf(w, "env       ssid %q bssid %s mac %s aid %d ch %d\n",
			e.SSIDString(), net.HardwareAddr(e.BSSID[:]), net.HardwareAddr(e.MyMAC[:]), e.AID, e.Channel)
		fmt.Fprintf(w, "          bi %dTU dtim %d listen %d force %d\n",
			e.BeaconInterval, e.DTIMPeriod, e.ListenInterval, e.ForcePeriod)
		fmt.Fprintf(w, "          ip %s gw %s\n", net.IP(e.Net.OwnIP[:]), net.IP(e.Net.Gateway[:]))
	}
	e.Enabled().Each(func(fn rtm.Function) {
		f, _ := e.Feature(fn)
		if f.Fix {
			fmt.Fprintf(w, "  %-8s every %dms prep %d\n", fn, f.Period, f.Prep)
		} else {
			fmt.Fprintf(w, "  %-8s every %d %s prep %d\n", fn, max(f.Period, 1), f.PeriodTy, f.Prep)
		}
	})
	if p.MM.Pending {
		fmt.Fprintf(w, "mm        pending %s arg %d\n", p.MM.Kind, p.MM.Arg)
	}

	s := &p.Status
	fmt.Fprintf(w, "status    %s wdog %v tx seq %d rx seq %d\n", s.String(), s.HasWdog(), s.TxSeqn, s.RxSeqn)

	t := &p.APTrk
	fmt.Fprintf(w, "tracker   lock %d coarse %v drift %dppm guard %s loss %d\n",
		t.Lock, t.Coarse, t.DriftPPM, clkdur(uint64(t.Guard())), t.Offset.LossCnt)
	if t.Anchored {
		fmt.Fprintf(w, "          last beacon at %s tsf %d\n", clkdur(t.BcnClk), t.BcnTimestamp)
	}

	sc := &p.Sche
	fmt.Fprintf(w, "schedule  %d nodes, counter %s, min sleep %s\n", sc.Armed(), clkdur(sc.Counter), clkdur(uint64(sc.MinSleep)))
	for i := range sc.Nodes {
		n := &sc.Nodes[i]
		if !n.InUse() {
			continue
		}
		fmt.Fprintf(w, "  [%2d] %-16s next %s period %s", i, n.FunctionBit, clkdur(n.NextCount), clkdur(n.Period()))
		if n.Align && n.Arbitrary == 0 {
			fmt.Fprint(w, " dtim-aligned")
		}
		if n.Half {
			fmt.Fprint(w, " half")
		}
		fmt.Fprintln(w)
	}

	st := &p.Stats
	fmt.Fprintf(w, "stats     boots cold %d warm %d, wakes %d, beacons %d/%d missed, uc %d bcmc %d ka %d\n",
		st.ColdBoots, st.WarmBoots, st.Wakes, st.BcnMiss, st.BcnRx+st.BcnMiss, st.UCWakes, st.BCMCWakes, st.KASent)
	fmt.Fprintf(w, "          asleep %s\n", clkdur(st.TotalSleepClk))
}
