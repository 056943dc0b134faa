package sim

import (
	"context"
	"sync"

	dpm "github.com/xiaoh105/neuralert-firmware-sub007"
	"github.com/xiaoh105/neuralert-firmware-sub007/internal/frame"
	"github.com/xiaoh105/neuralert-firmware-sub007/rtm"
)

// rxClk is how long receiving a beacon keeps the radio busy.
const rxClk = 4

// Board is a simulated SoC implementing dpm.Sys and dpm.Radio. Its Tx method
// records transmitted frames.
type Board struct {
	Clock *Clock
	AP    *AP

	mu sync.Mutex
	// ReadySTE and ChkSTE, when set, fail the next boot check once.
	ReadySTE rtm.STE
	ChkSTE   rtm.STE
	// EarlyUs cuts the next sleep short by that many microseconds.
	EarlyUs uint64
	// TxErr, when set, fails the next transmission.
	TxErr error

	sent    []frame.Parsed
	kinds   map[frame.Kind]int
	sleeps  int
	sleptUs uint64
}

var (
	_ dpm.Sys   = (*Board)(nil)
	_ dpm.Radio = (*Board)(nil)
)

func NewBoard(ap *AP) *Board {
	return &Board{Clock: new(Clock), AP: ap, kinds: make(map[frame.Kind]int)}
}

func (b *Board) Ready(img *rtm.Param) rtm.STE {
	b.mu.Lock()
	ste := b.ReadySTE
	b.ReadySTE = rtm.STENone
	b.mu.Unlock()
	if ste != rtm.STENone {
		return ste
	}
	return dpm.CheckImage(img)
}

func (b *Board) Chk(img *rtm.Param) rtm.STE {
	b.mu.Lock()
	ste := b.ChkSTE
	b.ChkSTE = rtm.STENone
	b.mu.Unlock()
	if ste != rtm.STENone {
		return ste
	}
	return dpm.CheckWdog(img)
}

func (b *Board) Sleep(ctx context.Context, img *rtm.Param, ptimAddr uint32, us uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	slept := us - min(us, b.EarlyUs)
	b.EarlyUs = 0
	b.sleeps++
	b.sleptUs += slept
	b.mu.Unlock()
	img.Status.PTIMPDClk = b.Clock.Now()
	b.Clock.Advance(rtm.UsToClk(slept))
	return slept, nil
}

func (b *Board) Now() uint64 { return b.Clock.Now() }

// ListenBeacon waits for the first beacon in [at, at+window]. The clock is
// left at the end of the reception or of the window.
func (b *Board) ListenBeacon(ctx context.Context, at uint64, window uint32) (dpm.Beacon, bool, error) {
	if err := ctx.Err(); err != nil {
		return dpm.Beacon{}, false, err
	}
	start := max(at, b.Clock.Now())
	b.Clock.AdvanceTo(start)
	end := at + uint64(window)
	b.mu.Lock()
	defer b.mu.Unlock()
	tbtt, tsf, idx := b.AP.NextTBTT(start)
	arrival := tbtt + b.AP.jitter()
	if arrival > end || b.AP.lost() {
		b.Clock.AdvanceTo(max(end, start))
		return dpm.Beacon{}, false, nil
	}
	b.Clock.AdvanceTo(arrival + rxClk)
	dc := b.AP.DTIMCount(idx)
	bcn := dpm.Beacon{
		Clk:        arrival,
		TSF:        tsf,
		DTIMCount:  dc,
		DTIMPeriod: b.AP.cfg.DTIMPeriod,
		TIM:        b.AP.chance(b.AP.cfg.TIMProb),
		BCMC:       dc == 0 && b.AP.chance(b.AP.cfg.BCMCProb),
		Wait:       uint32(arrival - start),
		CCA:        rxClk,
	}
	return bcn, true, nil
}

func (b *Board) PollDeauth(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.AP.takeDeauth(), ctx.Err()
}

// Tx records a transmitted frame. Frames that do not parse are rejected.
func (b *Board) Tx(buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.TxErr; err != nil {
		b.TxErr = nil
		return err
	}
	p, err := frame.Parse(buf)
	if err != nil {
		return err
	}
	b.sent = append(b.sent, p)
	b.kinds[p.Kind]++
	return nil
}

// Sent returns the frames transmitted so far.
func (b *Board) Sent() []frame.Parsed {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]frame.Parsed(nil), b.sent...)
}

// Count returns how many frames of kind were transmitted.
func (b *Board) Count(kind frame.Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kinds[kind]
}

// Sleeps returns the number of power-downs and their total length in microseconds.
func (b *Board) Sleeps() (n int, us uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sleeps, b.sleptUs
}
