package rtm

import (
	"errors"
	"math/rand"
	"testing"
)

func TestScheduleAlignment(t *testing.T) {
	var s Schedule
	s.SetDTIMGrid(0, 300)
	const now = 250
	if _, err := s.Add(Node{FunctionBit: FuncKA, Interval: 100, NextCount: now + 100}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(Node{FunctionBit: FuncTIM, Interval: 100, Align: true, NextCount: now + 100}); err != nil {
		t.Fatal(err)
	}
	if c := s.candidate(&s.Nodes[1]); c != 600 {
		t.Errorf("aligned candidate: got %d, want 600", c)
	}
	w := s.ComputeNextWake(now)
	if w.Next != 350 {
		t.Fatalf("next: got %d, want 350", w.Next)
	}
	if len(w.Due) != 1 || w.Due[0].Index != 0 || w.Due[0].Guard {
		t.Fatalf("due: got %+v, want [0]", w.Due)
	}
	if w.WakeTick != 350 || !w.Sleep {
		t.Errorf("wake tick %d sleep %v", w.WakeTick, w.Sleep)
	}
}

func TestScheduleTieBreak(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 500; round++ {
		var s Schedule
		s.SetDTIMGrid(uint64(rng.Intn(50)), uint64(50+rng.Intn(3)*50))
		now := uint64(1000)
		for i := 0; i < ScheMaxCnt; i++ {
			if rng.Intn(4) == 0 {
				continue // leave a free slot
			}
			s.Nodes[i] = Node{
				FunctionBit: FuncKA << (i % 8),
				NextCount:   now + uint64(50*(1+rng.Intn(3))),
				Interval:    100,
				Align:       rng.Intn(2) == 0,
			}
		}
		w := s.ComputeNextWake(now)
		if s.Armed() == 0 {
			if w.Next != Never || len(w.Due) != 0 {
				t.Fatalf("empty table: %+v", w)
			}
			continue
		}
		for i := 1; i < len(w.Due); i++ {
			if w.Due[i-1].Index >= w.Due[i].Index {
				t.Fatalf("round %d: due indices not ascending: %+v", round, w.Due)
			}
		}
		due := map[int]bool{}
		for _, d := range w.Due {
			due[d.Index] = true
		}
		for i := range s.Nodes {
			if !s.Nodes[i].InUse() {
				continue
			}
			c := s.candidate(&s.Nodes[i])
			if c < w.Next {
				t.Fatalf("round %d: node %d candidate %d before next %d", round, i, c, w.Next)
			}
			if (c == w.Next) != due[i] {
				t.Fatalf("round %d: node %d candidate %d next %d due=%v", round, i, c, w.Next, due[i])
			}
		}
	}
}

func TestScheduleEmpty(t *testing.T) {
	var s Schedule
	w := s.ComputeNextWake(123)
	if w.Next != Never || w.WakeTick != Never || !w.Sleep || len(w.Due) != 0 {
		t.Errorf("empty schedule: %+v", w)
	}
	if s.Counter != 123 {
		t.Errorf("counter not advanced: %d", s.Counter)
	}
	s.ComputeNextWake(100)
	if s.Counter != 123 {
		t.Errorf("counter went backwards: %d", s.Counter)
	}
}

func TestScheduleLeadTime(t *testing.T) {
	var s Schedule
	s.PrepClk = [PrepTimeMax]uint32{10, 50, 0, 0}
	s.PostPrep = 5
	const now = 1000
	s.Add(Node{FunctionBit: FuncKA, NextCount: now + 40, Interval: 100, Preparation: 1})
	w := s.ComputeNextWake(now)
	if w.Sleep || w.WakeTick != now {
		t.Errorf("lead time exceeds deadline: want immediate service, got %+v", w)
	}

	s.Reset()
	s.MinSleep = 200
	s.Add(Node{FunctionBit: FuncKA, NextCount: now + 200, Interval: 100, Preparation: 1})
	s.Add(Node{FunctionBit: FuncARP, NextCount: now + 200, Interval: 100, Preparation: 0})
	w = s.ComputeNextWake(now)
	if w.WakeTick != now+200-55 {
		t.Errorf("wake tick: got %d, want %d", w.WakeTick, now+200-55)
	}
	if w.Sleep {
		t.Error("sleep shorter than MinSleep allowed")
	}
	s.MinSleep = 100
	if w = s.ComputeNextWake(now); !w.Sleep {
		t.Error("sleep longer than MinSleep refused")
	}
}

func TestScheduleHalf(t *testing.T) {
	var s Schedule
	const now = 1000
	idx, _ := s.Add(Node{FunctionBit: FuncTIM | FuncTIMP, NextCount: now + 1000, ArmClk: now, Interval: 1000, Half: true})
	w := s.ComputeNextWake(now)
	if w.Next != now+500 || len(w.Due) != 1 || !w.Due[0].Guard {
		t.Fatalf("half wake: %+v", w)
	}
	// Querying again before the midpoint must not move it.
	if w = s.ComputeNextWake(now + 300); w.Next != now+500 || !w.Due[0].Guard {
		t.Fatalf("midpoint moved: %+v", w)
	}
	if err := s.MarkGuarded(idx); err != nil {
		t.Fatal(err)
	}
	w = s.ComputeNextWake(now + 500)
	if w.Next != now+1000 || w.Due[0].Guard {
		t.Fatalf("after guard: %+v", w)
	}
	if err := s.Service(idx, now+1000); err != nil {
		t.Fatal(err)
	}
	if n := s.Nodes[idx]; n.Guarded || n.NextCount != now+2000 || n.ArmClk != now+1000 {
		t.Errorf("re-arm: %+v", n)
	}
	// A midpoint already passed is sampled at once, not skipped.
	w = s.ComputeNextWake(now + 1700)
	if w.Next != now+1500 || !w.Due[0].Guard || w.Sleep || w.WakeTick != now+1700 {
		t.Errorf("late guard: %+v", w)
	}
	// A period too short to halve has no guard wake.
	s.Nodes[idx].ArmClk = now + 2000
	s.Nodes[idx].NextCount = now + 2001
	w = s.ComputeNextWake(now + 2000)
	if w.Next != now+2001 || w.Due[0].Guard {
		t.Errorf("degenerate half: %+v", w)
	}
}

// Sleeping to every wake tick must give one guard wake per period, at the
// midpoint, whatever the lead time budgets.
func TestScheduleHalfSleepLoop(t *testing.T) {
	for _, budget := range [][PrepTimeMax]uint32{
		{0, 0, 0, 0},
		{66, 16, 98, 0},
		{4000, 0, 0, 0},
	} {
		var s Schedule
		s.PrepClk = budget
		s.PostPrep = 3
		s.MinSleep = 10
		const period = 100000
		idx, _ := s.Add(Node{FunctionBit: FuncTIM | FuncTIMP, NextCount: period, Interval: period, Half: true})
		var now uint64
		for p := uint64(0); p < 5; p++ {
			armed := p * period
			var guards, wakes int
			for {
				w := s.ComputeNextWake(now)
				if w.Sleep {
					now = w.WakeTick
					wakes++
					if wakes > 4 {
						t.Fatalf("budget %v period %d: %d wakes", budget, p, wakes)
					}
					continue
				}
				d := w.Due[0]
				if d.Guard {
					guards++
					if w.Next != armed+period/2 {
						t.Errorf("budget %v period %d: guard at %d, want %d", budget, p, w.Next, armed+period/2)
					}
					s.MarkGuarded(d.Index)
					continue
				}
				now = max(now, w.Next)
				if err := s.Service(idx, now); err != nil {
					t.Fatal(err)
				}
				break
			}
			if guards != 1 || wakes != 2 {
				t.Errorf("budget %v period %d: %d guards in %d wakes, want 1 in 2", budget, p, guards, wakes)
			}
		}
	}
}

func TestScheduleServiceAndCapacity(t *testing.T) {
	var s Schedule
	s.SetDTIMGrid(0, 300)
	oneShot, _ := s.Add(Node{FunctionBit: FuncDeauth, NextCount: 10})
	aligned, _ := s.Add(Node{FunctionBit: FuncTIM, NextCount: 10, Interval: 100, Align: true})
	if err := s.Service(oneShot, 10); err != nil {
		t.Fatal(err)
	}
	if s.Nodes[oneShot].InUse() {
		t.Error("one-shot node not freed")
	}
	if err := s.Service(oneShot, 10); !errors.Is(err, ErrNoEntry) {
		t.Errorf("service of free node: %v", err)
	}
	if err := s.Service(-1, 10); !errors.Is(err, ErrNoEntry) {
		t.Errorf("service of negative index: %v", err)
	}
	s.Service(aligned, 250)
	if s.Nodes[aligned].NextCount != 600 {
		t.Errorf("aligned re-arm: got %d, want 600", s.Nodes[aligned].NextCount)
	}
	if _, err := s.Add(Node{}); !errors.Is(err, ErrInvalidFunc) {
		t.Errorf("zero function add: %v", err)
	}
	for s.Armed() < ScheMaxCnt {
		if _, err := s.Add(Node{FunctionBit: FuncKA, Interval: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Add(Node{FunctionBit: FuncARP}); !errors.Is(err, ErrFull) {
		t.Errorf("add to full table: %v", err)
	}
	if err := s.Remove(FuncKA); err != nil {
		t.Fatal(err)
	}
	if s.Armed() != 1 {
		t.Errorf("armed after remove: %d", s.Armed())
	}
	if err := s.Remove(FuncKA); !errors.Is(err, ErrNoEntry) {
		t.Errorf("remove of absent function: %v", err)
	}
}

func testEnv() Env {
	var e Env
	e.BeaconInterval = 100
	e.ListenInterval = 10
	e.SetDTIMPeriod(3)
	e.SetForcePeriod(10)
	e.TIM = Feature{En: true, PeriodTy: PeriodDTIM, Period: 1, Prep: 1}
	e.BCMC = Feature{En: true, PeriodTy: PeriodDTIM, Period: 1, Prep: 1}
	e.TIMP = Feature{En: true}
	e.KA = Feature{En: true, Fix: true, Period: 1000}
	e.ARP = Feature{En: true, PeriodTy: PeriodForce, Period: 2}
	return e
}

func TestScheduleBuild(t *testing.T) {
	e := testEnv()
	var s Schedule
	skipped, err := s.Build(&e, 0)
	if err != nil || skipped != 0 {
		t.Fatalf("build: skipped=%v err=%v", skipped, err)
	}
	if s.Armed() != 4 {
		t.Fatalf("armed nodes: got %d, want 4", s.Armed())
	}
	tim := s.Find(FuncTIM)
	if n := s.Nodes[tim]; n.FunctionBit != FuncTIM|FuncTIMP || !n.Half || !n.Align {
		t.Errorf("tim node: %+v", n)
	}
	dtimClk := TUToClk(300)
	if s.Nodes[tim].Interval != dtimClk {
		t.Errorf("tim interval: got %d, want %d", s.Nodes[tim].Interval, dtimClk)
	}
	bcmc := s.Find(FuncBCMC)
	if bcmc == tim || s.Nodes[bcmc].Half {
		t.Errorf("bcmc should not share the half tim node: %+v", s.Nodes[bcmc])
	}
	ka := s.Nodes[s.Find(FuncKA)]
	if ka.Align || ka.Arbitrary != ClockHz || ka.Period() != ClockHz {
		t.Errorf("fixed period node: %+v", ka)
	}
	arp := s.Nodes[s.Find(FuncARP)]
	if arp.Interval != TUToClk(100*9*2) {
		t.Errorf("force period node interval: got %d, want %d", arp.Interval, TUToClk(1800))
	}

	e.BCMC.Prep = 1
	e.TIMP.En = false
	s.Build(&e, 0)
	if s.Find(FuncTIM) != s.Find(FuncBCMC) {
		t.Error("tim and bcmc with equal shape should share a node")
	}

	var unknown Env
	unknown.TIM = Feature{En: true, PeriodTy: PeriodBI, Period: 1}
	unknown.KA = Feature{En: true, Fix: true, Period: 100}
	skipped, _ = s.Build(&unknown, 0)
	if skipped != FuncTIM || s.Armed() != 1 {
		t.Errorf("build without beacon interval: skipped=%v armed=%d", skipped, s.Armed())
	}

	// 2^26 clocks is 2048 s. Longer fixed periods are not clamped.
	long := testEnv()
	long.KA.Period = 2048 * 1000
	long.UDPH = Feature{En: true, Fix: true, Period: 2047 * 1000}
	skipped, err = s.Build(&long, 0)
	if err != nil || skipped != FuncKA {
		t.Fatalf("build with long period: skipped=%v err=%v", skipped, err)
	}
	if s.Find(FuncKA) >= 0 {
		t.Error("over-long fixed period armed")
	}
	if udph := s.Nodes[s.Find(FuncUDPH)]; udph.Period() != 2047*ClockHz || udph.NextCount != 2047*ClockHz {
		t.Errorf("longest fixed period: %+v", udph)
	}
}
