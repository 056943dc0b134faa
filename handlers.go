package dpm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/xiaoh105/neuralert-firmware-sub007/internal/frame"
	"github.com/xiaoh105/neuralert-firmware-sub007/rtm"
)

// Handler services one feature of a due schedule node.
type Handler func(ctx context.Context, t *Task) error

// Task is what a handler works with while servicing a node.
type Task struct {
	Param *rtm.Param
	// Fn is the feature being serviced. For the beacon group it carries
	// every beacon bit of the node.
	Fn rtm.Function
	// Now is the RTC clock the node is serviced at.
	Now uint64
	// Guard is set on the half-way wake of a half node. Only beacon
	// tracking runs on guard wakes.
	Guard   bool
	Radio   Radio
	Station frame.Station

	m       *Manager
	rebuild bool
}

// beaconGroup are the features serviced together by one beacon reception.
const beaconGroup = rtm.FuncTIM | rtm.FuncBCMC | rtm.FuncTIMP | rtm.FuncUC

// Send transmits a frame.
func (t *Task) Send(b []byte) error {
	if t.m.tx == nil {
		return errNoTx
	}
	return t.m.tx(b)
}

// Buffer returns a scratch buffer for building one frame.
func (t *Task) Buffer() []byte { return t.m.txbuf[:0] }

// NextIPID returns the identification field of the next IPv4 datagram.
func (t *Task) NextIPID() uint16 {
	t.m.ipid++
	return t.m.ipid
}

// Rebuild asks for the schedule to be rebuilt once the current pass is done.
func (t *Task) Rebuild() { t.rebuild = true }

func defaultHandlers() map[rtm.Function]Handler {
	return map[rtm.Function]Handler{
		rtm.FuncTIM:     handleBeacon,
		rtm.FuncKA:      handleKeepAlive,
		rtm.FuncPS:      handlePSPoll,
		rtm.FuncSetPS:   handleSetPS,
		rtm.FuncARP:     handleARPRequest,
		rtm.FuncARPReq:  handleARPRequest,
		rtm.FuncARPResp: handleGratuitousARP,
		rtm.FuncUDPH:    handleUDPHole,
		rtm.FuncTCPKA:   handleTCPKeepAlive,
		rtm.FuncDeauth:  handleDeauth,
	}
}

func handleBeacon(ctx context.Context, t *Task) error {
	if t.Radio == nil {
		return errNoRadio
	}
	p := t.Param
	trk := &p.APTrk
	at := trk.Impending(t.Now)
	window := 2 * trk.Guard()
	if at == rtm.Never || at < t.Now {
		// Timing unknown or already late: listen a whole interval.
		at = t.Now
		window = uint32(rtm.TUToClk(uint64(max(p.Env.BeaconInterval, 1))))
	}
	bcn, ok, err := t.Radio.ListenBeacon(ctx, at, window)
	if err != nil {
		return err
	}
	if !ok {
		p.Stats.BcnMiss++
		p.Status.MergeStatus(rtm.STNoBcn)
		if trk.OnBeaconMissed() {
			p.Status.MergeStatus(rtm.STBcnLost)
			p.Status.BcnSyncStatus = false
			t.m.warn("beacon:lost", slog.Uint64("misses", uint64(trk.Offset.LossCnt)))
		}
		return nil
	}
	p.Stats.BcnRx++
	if err = trk.OnBeacon(bcn.Clk, bcn.TSF, bcn.DTIMCount); errors.Is(err, rtm.ErrAPReset) {
		p.Status.MergeStatus(rtm.STAPReset)
		t.Rebuild()
	} else if err != nil {
		return err
	}
	trk.NoteListen(bcn.Wait, bcn.CCA)
	p.Status.LastBcnClk = bcn.Clk
	p.Status.ExpectedTBTTClk = trk.PredictNextTBTT(bcn.Clk)
	p.Status.BcnSyncStatus = !trk.Coarse
	if bcn.DTIMPeriod != 0 && bcn.DTIMPeriod != p.Env.DTIMPeriod {
		p.Env.SetDTIMPeriod(bcn.DTIMPeriod)
		t.Rebuild()
	}
	t.m.trace("beacon:rx",
		slog.Uint64("clk", bcn.Clk),
		slog.Int("lock", int(trk.Lock)),
		slog.Int("r0", int(trk.Offset.R0)),
	)
	if t.Guard {
		return nil
	}
	if bcn.TIM && t.Fn&(rtm.FuncTIM|rtm.FuncUC) != 0 {
		p.Status.MergeStatus(rtm.STUC)
		p.Stats.UCWakes++
	}
	if bcn.BCMC && bcn.DTIMCount == 0 && t.Fn&(rtm.FuncTIM|rtm.FuncBCMC) != 0 {
		p.Status.MergeStatus(rtm.STBCMC)
		p.Stats.BCMCWakes++
	}
	return nil
}

func handleKeepAlive(ctx context.Context, t *Task) error {
	p := t.Param
	if err := t.Send(t.Station.AppendNullData(t.Buffer(), p.Status.IncTxSeqn(), true)); err != nil {
		return err
	}
	p.Status.MergeStatus(rtm.STKASent)
	p.Stats.KASent++
	return nil
}

func handlePSPoll(ctx context.Context, t *Task) error {
	if err := t.Send(t.Station.AppendPSPoll(t.Buffer(), t.Param.Env.AID)); err != nil {
		return err
	}
	t.Param.Status.MergeStatus(rtm.STPSPoll)
	return nil
}

func handleSetPS(ctx context.Context, t *Task) error {
	p := t.Param
	if err := t.Send(t.Station.AppendNullData(t.Buffer(), p.Status.IncTxSeqn(), true)); err != nil {
		return err
	}
	p.Status.PMStatus = true
	p.Status.MergeStatus(rtm.STSetPS)
	return nil
}

func handleARPRequest(ctx context.Context, t *Task) error {
	p := t.Param
	b := t.Station.AppendARP(t.Buffer(), p.Status.IncTxSeqn(), frame.ARPRequest, p.Env.Net.Gateway)
	if err := t.Send(b); err != nil {
		return err
	}
	p.Status.MergeStatus(rtm.STARP)
	return nil
}

func handleGratuitousARP(ctx context.Context, t *Task) error {
	p := t.Param
	if err := t.Send(t.Station.AppendGratuitousARP(t.Buffer(), p.Status.IncTxSeqn())); err != nil {
		return err
	}
	p.Status.MergeStatus(rtm.STARP)
	return nil
}

func handleUDPHole(ctx context.Context, t *Task) error {
	p := t.Param
	b := t.Station.AppendUDPHole(t.Buffer(), p.Status.IncTxSeqn(), t.NextIPID(), p.Env.UDPHP)
	if err := t.Send(b); err != nil {
		return err
	}
	p.Status.MergeStatus(rtm.STUDPH)
	return nil
}

func handleTCPKeepAlive(ctx context.Context, t *Task) error {
	p := t.Param
	b := t.Station.AppendTCPKeepAlive(t.Buffer(), p.Status.IncTxSeqn(), t.NextIPID(), &p.Env.TCP)
	if err := t.Send(b); err != nil {
		return err
	}
	p.Status.MergeStatus(rtm.STTCPKA)
	return nil
}

func handleDeauth(ctx context.Context, t *Task) error {
	if t.Radio == nil {
		return errNoRadio
	}
	deauth, err := t.Radio.PollDeauth(ctx)
	if err != nil || !deauth {
		return err
	}
	t.Param.Status.MergeStatus(rtm.STDeauth)
	t.Param.MM.Request(rtm.MMDeauth, 0)
	return nil
}
