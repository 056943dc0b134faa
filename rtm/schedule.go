package rtm

// Node is one entry of the schedule table.
type Node struct {
	// FunctionBit is the set of features serviced by the node. Zero marks a free slot.
	FunctionBit Function
	// NextCount is the RTC clock at which the node is next due, before alignment.
	NextCount uint64
	// Interval is the re-arm period in clocks. Zero makes the node one-shot.
	Interval uint64
	// ArmClk is the clock the current period started at. The guard wake of a
	// half node falls midway between ArmClk and the due clock.
	ArmClk uint64
	// Arbitrary is a 26 bit period in clocks used by fixed period features
	// instead of Interval. It is never DTIM aligned.
	Arbitrary uint32
	// Align snaps the due clock forward to the DTIM grid.
	Align bool
	// Half adds a guard wake halfway to the due clock.
	Half bool
	// Preparation indexes Schedule.PrepClk.
	Preparation uint8
	// Guarded is set once the half-way wake of the current period has run.
	Guarded bool
}

// InUse reports whether the slot holds a node.
func (n *Node) InUse() bool { return n.FunctionBit != 0 }

// Period returns the re-arm period of the node in clocks.
func (n *Node) Period() uint64 {
	if n.Arbitrary != 0 {
		return uint64(n.Arbitrary)
	}
	return n.Interval
}

func (n *Node) aligned() bool { return n.Align && n.Arbitrary == 0 }

func (n *Node) sameShape(other *Node) bool {
	return n.Interval == other.Interval && n.Arbitrary == other.Arbitrary &&
		n.Align == other.Align && n.Half == other.Half && n.Preparation == other.Preparation
}

// Schedule is the table of periodic wake activities.
type Schedule struct {
	// Counter is the RTC clock of the latest query. It never decreases.
	Counter uint64
	Nodes   [ScheMaxCnt]Node
	// PrepClk holds the wake-up lead time budgets selected by Node.Preparation.
	PrepClk [PrepTimeMax]uint32
	// PostPrep is a lead time margin added to every wake.
	PostPrep uint32
	// MinSleep is the shortest sleep in clocks worth a power-down.
	MinSleep uint32
	// DTIMBase is the clock of a DTIM TBTT and DTIMClk the DTIM period in clocks.
	// Aligned nodes are snapped to DTIMBase+k*DTIMClk. A zero DTIMClk disables alignment.
	DTIMBase uint64
	DTIMClk  uint64
}

// DueNode is a node index returned by ComputeNextWake.
type DueNode struct {
	Index int
	// Guard is set when the wake is the half-way sample of a half node
	// rather than its due time.
	Guard bool
}

// Wake is the result of a schedule query.
type Wake struct {
	// Next is the earliest candidate clock, or Never for an empty table.
	Next uint64
	// Due lists the nodes whose candidate equals Next in ascending index order.
	Due []DueNode
	// WakeTick is Next minus the preparation lead time. Never for an empty table.
	WakeTick uint64
	// Sleep is false when the wake tick is too close to sleep before it
	// and the due nodes should be serviced now.
	Sleep bool
}

// Reset frees every node. Budgets and the DTIM grid are kept.
func (s *Schedule) Reset() {
	s.Nodes = [ScheMaxCnt]Node{}
}

// SetDTIMGrid sets the alignment grid.
func (s *Schedule) SetDTIMGrid(base, period uint64) {
	s.DTIMBase = base
	s.DTIMClk = period
}

// Armed returns the number of nodes in use.
func (s *Schedule) Armed() (n int) {
	for i := range s.Nodes {
		if s.Nodes[i].InUse() {
			n++
		}
	}
	return n
}

// Add places n in the first free slot and returns its index.
func (s *Schedule) Add(n Node) (int, error) {
	if n.FunctionBit == 0 || n.FunctionBit&^funcAll != 0 {
		return -1, opErr("schedule add", ErrInvalidFunc)
	}
	n.Arbitrary &= arbitraryMask
	n.Preparation &= prepMask
	for i := range s.Nodes {
		if !s.Nodes[i].InUse() {
			s.Nodes[i] = n
			return i, nil
		}
	}
	return -1, opErr("schedule add", ErrFull)
}

// Merge ORs the function bits of n into an in-use node of identical shape, or
// adds n as a new node when no such node exists.
func (s *Schedule) Merge(n Node) (int, error) {
	n.Arbitrary &= arbitraryMask
	n.Preparation &= prepMask
	for i := range s.Nodes {
		node := &s.Nodes[i]
		if node.InUse() && node.sameShape(&n) {
			node.FunctionBit |= n.FunctionBit
			return i, nil
		}
	}
	return s.Add(n)
}

// Find returns the index of the first node servicing any bit of fn.
func (s *Schedule) Find(fn Function) int {
	for i := range s.Nodes {
		if s.Nodes[i].FunctionBit&fn != 0 {
			return i
		}
	}
	return -1
}

// Remove clears the bits of fn from every node, freeing nodes left without
// function bits.
func (s *Schedule) Remove(fn Function) error {
	if fn == 0 {
		return opErr("schedule remove", ErrInvalidFunc)
	}
	found := false
	for i := range s.Nodes {
		node := &s.Nodes[i]
		if node.FunctionBit&fn == 0 {
			continue
		}
		found = true
		node.FunctionBit &^= fn
		if node.FunctionBit == 0 {
			*node = Node{}
		}
	}
	if !found {
		return opErr("schedule remove", ErrNoEntry)
	}
	return nil
}

// candidate returns the due clock of n after DTIM alignment.
func (s *Schedule) candidate(n *Node) uint64 {
	if n.aligned() && s.DTIMClk != 0 {
		return alignUp(n.NextCount, s.DTIMBase, s.DTIMClk)
	}
	return n.NextCount
}

// ComputeNextWake finds the earliest due clock after alignment and half-way
// guard sampling, the nodes due at that clock and the tick the hardware
// should wake at to have every due node prepared in time.
// Ties are returned in ascending index order.
func (s *Schedule) ComputeNextWake(now uint64) Wake {
	if now > s.Counter {
		s.Counter = now
	}
	w := Wake{Next: Never, WakeTick: Never, Sleep: true}
	for i := range s.Nodes {
		node := &s.Nodes[i]
		if !node.InUse() {
			continue
		}
		cand := s.candidate(node)
		guard := false
		if node.Half && !node.Guarded && cand > now && cand > node.ArmClk {
			// A midpoint already behind now is sampled late rather than skipped.
			if mid := node.ArmClk + (cand-node.ArmClk)/2; mid > node.ArmClk {
				cand = mid
				guard = true
			}
		}
		switch {
		case cand < w.Next:
			w.Next = cand
			w.Due = append(w.Due[:0], DueNode{Index: i, Guard: guard})
		case cand == w.Next:
			w.Due = append(w.Due, DueNode{Index: i, Guard: guard})
		}
	}
	if w.Next == Never {
		return w
	}
	var lead uint64
	for _, d := range w.Due {
		prep := uint64(s.PrepClk[s.Nodes[d.Index].Preparation%PrepTimeMax])
		lead = max(lead, prep)
	}
	lead += uint64(s.PostPrep)
	if w.Next <= now+lead {
		w.WakeTick = now
		w.Sleep = false
		return w
	}
	w.WakeTick = w.Next - lead
	w.Sleep = w.WakeTick-now >= uint64(s.MinSleep)
	return w
}

// Service marks a due node as serviced at now. Periodic nodes re-arm one
// period after now; one-shot nodes are freed.
func (s *Schedule) Service(idx int, now uint64) error {
	if idx < 0 || idx >= len(s.Nodes) || !s.Nodes[idx].InUse() {
		return opErr("schedule service", ErrNoEntry)
	}
	node := &s.Nodes[idx]
	period := node.Period()
	if period == 0 {
		*node = Node{}
		return nil
	}
	next := now + period
	if node.aligned() && s.DTIMClk != 0 {
		next = alignUp(next, s.DTIMBase, s.DTIMClk)
	}
	node.NextCount = next
	node.ArmClk = now
	node.Guarded = false
	return nil
}

// MarkGuarded records that the half-way wake of node idx ran. The node stays
// armed for its due clock.
func (s *Schedule) MarkGuarded(idx int) error {
	if idx < 0 || idx >= len(s.Nodes) || !s.Nodes[idx].InUse() {
		return opErr("schedule guard", ErrNoEntry)
	}
	s.Nodes[idx].Guarded = true
	return nil
}

// buildOrder is the order in which features are given schedule nodes.
var buildOrder = [...]Function{
	FuncTIM, FuncBCMC, FuncKA, FuncPS, FuncUC, FuncARP, FuncARPResp,
	FuncUDPH, FuncSetPS, FuncARPReq, FuncTCPKA, FuncDeauth,
}

// Build clears the table and arms one node per enabled feature of env, first
// due one period after now. Features of identical period and shape share a
// node. Enabled features whose period cannot be computed yet, for example
// before the beacon interval is known, or whose fixed period exceeds the 26
// bits of Node.Arbitrary, are returned as skipped.
func (s *Schedule) Build(env *Env, now uint64) (skipped Function, err error) {
	s.Reset()
	s.Counter = max(s.Counter, now)
	for _, fn := range buildOrder {
		f, _ := env.Feature(fn)
		if !f.En {
			continue
		}
		bits := fn
		half := false
		if fn == FuncTIM && env.TIMP.En {
			bits |= FuncTIMP
			half = true
		}
		node, ok := env.node(f, now)
		if !ok {
			skipped |= bits
			continue
		}
		node.FunctionBit = bits
		node.Half = half
		if _, err = s.Merge(node); err != nil {
			return skipped, err
		}
	}
	if env.TIMP.En && !env.TIM.En {
		node, ok := env.node(&env.TIMP, now)
		if !ok {
			return skipped | FuncTIMP, nil
		}
		node.FunctionBit = FuncTIMP
		node.Half = true
		if _, err = s.Merge(node); err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}

// node returns the schedule node shape for a feature armed at now. It fails
// when the period is unknown or a fixed period does not fit in Arbitrary.
func (e *Env) node(f *Feature, now uint64) (Node, bool) {
	clk, beaconed := e.periodClk(f)
	if clk == 0 || (!beaconed && clk > arbitraryMask) {
		return Node{}, false
	}
	n := Node{
		NextCount:   now + clk,
		ArmClk:      now,
		Preparation: f.Prep & prepMask,
	}
	if beaconed {
		n.Interval = clk
		n.Align = true
	} else {
		n.Arbitrary = uint32(clk)
	}
	return n, true
}
