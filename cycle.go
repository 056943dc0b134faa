package dpm

import (
	"context"
	"log/slog"

	"github.com/xiaoh105/neuralert-firmware-sub007/internal/frame"
	"github.com/xiaoh105/neuralert-firmware-sub007/internal/telemetry"
	"github.com/xiaoh105/neuralert-firmware-sub007/rtm"
)

// Cycle runs one wake cycle: it services every schedule node due now,
// plans the next wake, persists the image and sleeps until then.
func (m *Manager) Cycle(ctx context.Context) (rep telemetry.WakeReport, err error) {
	m.acquire()
	defer m.release()
	if !m.inited {
		return rep, errNotInitialized
	}
	p := &m.img
	now := m.sys.Now()
	wakeClk := now
	p.RTC.WakeClk = now
	p.Status.Clear()
	if m.bootSTE != rtm.STENone {
		// Boot faults are reported by the first cycle after Init.
		p.Status.SetError(m.bootSTE)
		m.bootSTE = rtm.STENone
	}
	p.APTrk.ResetCycle()
	p.Stats.Wakes++

	var serviced rtm.Function
	var w rtm.Wake
	for pass := 0; ; pass++ {
		w = p.Sche.ComputeNextWake(now)
		if w.Sleep {
			break
		}
		if pass == 2*rtm.ScheMaxCnt {
			m.logerr("Cycle:runaway-schedule", slog.Int("passes", pass), slog.Uint64("next", w.Next))
			p.Status.SetError(rtm.STEDPMSche)
			break
		}
		if w.Next > now {
			p.Status.MergeStatus(rtm.STShortSleep)
			p.Stats.ShortSleeps++
		}
		rebuild := false
		for _, due := range w.Due {
			node := &p.Sche.Nodes[due.Index]
			if !node.InUse() {
				continue // freed by an earlier node of this pass
			}
			fns := node.FunctionBit
			m.trace("Cycle:service",
				slog.Int("idx", due.Index),
				slog.String("functions", fns.String()),
				slog.Bool("guard", due.Guard),
			)
			rb, err := m.service(ctx, fns, max(now, m.sys.Now()), due.Guard)
			if err != nil {
				return rep, err
			}
			rebuild = rebuild || rb
			if due.Guard {
				p.Sche.MarkGuarded(due.Index)
				p.Status.MergeStatus(rtm.STGuard)
				continue
			}
			serviced |= fns
			p.Sche.Service(due.Index, max(now, w.Next))
		}
		now = max(now, m.sys.Now())
		if rebuild {
			if _, err = p.BuildSchedule(now); err != nil {
				return rep, err
			}
			p.Status.MergeStatus(rtm.STSchedule)
		} else {
			p.RefreshDTIMGrid(now)
		}
	}

	sleepClk := m.maxSleep
	if w.WakeTick != rtm.Never {
		sleepClk = min(w.WakeTick-min(w.WakeTick, now), m.maxSleep)
	}
	p.RTC.SleepClk = now
	p.Status.PDClk = now
	p.Stats.TotalSleepClk += sleepClk
	if err = m.persist(); err != nil {
		return rep, err
	}
	planned := rtm.ClkToUs(sleepClk)
	m.debug("Cycle:sleep",
		slog.Uint64("us", planned),
		slog.String("causes", p.Status.Causes().String()),
	)
	slept, err := m.sys.Sleep(ctx, p, m.ptimAddr, planned)
	if err != nil {
		return rep, err
	}
	if slept+m.earlyTol < planned {
		m.warn("Cycle:early-wake", slog.Uint64("planned", planned), slog.Uint64("slept", slept))
		p.Status.MergeStatus(rtm.STEarlyWake)
		if err = m.persist(); err != nil {
			return rep, err
		}
	}

	rep = m.report(wakeClk, slept, serviced)
	if m.reporter != nil {
		if perr := m.reporter.Publish(ctx, rep); perr != nil {
			m.warn("Cycle:publish", slog.Any("err", perr))
		}
	}
	return rep, nil
}

// service runs the handlers of one due node and reports whether the
// schedule must be rebuilt.
func (m *Manager) service(ctx context.Context, fns rtm.Function, now uint64, guard bool) (rebuild bool, err error) {
	t := Task{
		Param:   &m.img,
		Now:     now,
		Guard:   guard,
		Radio:   m.radio,
		Station: frame.StationFromEnv(&m.img.Env),
		m:       m,
	}
	run := func(fn, key rtm.Function) {
		h := m.handlers[key]
		if h == nil {
			return
		}
		t.Fn = fn
		if herr := h(ctx, &t); herr != nil {
			m.warn("Cycle:handler", slog.String("fn", fn.String()), slog.Any("err", herr))
		}
	}
	if bits := fns & beaconGroup; bits != 0 {
		run(bits, rtm.FuncTIM)
	}
	if !guard {
		(fns &^ beaconGroup).Each(func(fn rtm.Function) { run(fn, fn) })
	}
	return t.rebuild, ctx.Err()
}

func (m *Manager) report(wakeClk, sleptUs uint64, serviced rtm.Function) telemetry.WakeReport {
	p := &m.img
	rep := telemetry.WakeReport{
		Seq:       p.Stats.Wakes,
		Status:    p.Status.Word,
		Causes:    p.Status.Causes().String(),
		Lock:      p.APTrk.Lock,
		Coarse:    p.APTrk.Coarse,
		SleepUs:   sleptUs,
		WakeClk:   wakeClk,
		Functions: uint32(serviced),
		Wakes:     p.Stats.Wakes,
		BcnRx:     p.Stats.BcnRx,
		BcnMiss:   p.Stats.BcnMiss,
	}
	if e := p.Status.Err(); e != rtm.STENone {
		rep.Error = e.String()
	}
	if m.firstWake {
		rep.Boot = m.boot.String()
		if m.bootMM.Pending {
			rep.MM = m.bootMM.Kind.String()
		}
		m.firstWake = false
	}
	return rep
}

// Run runs n wake cycles, or cycles until ctx is done when n is negative.
// Reports are passed to fn when it is not nil.
func (m *Manager) Run(ctx context.Context, n int, fn func(telemetry.WakeReport)) error {
	for i := 0; n < 0 || i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep, err := m.Cycle(ctx)
		if err != nil {
			return err
		}
		if fn != nil {
			fn(rep)
		}
	}
	return nil
}
