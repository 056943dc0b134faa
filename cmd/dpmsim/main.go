package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/inhies/go-bytesize"
	dpm "github.com/xiaoh105/neuralert-firmware-sub007"
	"github.com/xiaoh105/neuralert-firmware-sub007/internal/frame"
	"github.com/xiaoh105/neuralert-firmware-sub007/internal/retention"
	"github.com/xiaoh105/neuralert-firmware-sub007/internal/sim"
	"github.com/xiaoh105/neuralert-firmware-sub007/internal/telemetry"
	"github.com/xiaoh105/neuralert-firmware-sub007/rtm"
)

type store interface {
	dpm.Store
	io.Closer
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "dpmsim - Run DPM wake cycles against a simulated access point.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	flagConfig := flag.String("config", "", "YAML profile of the AP, the association, features and budgets.")
	flagStore := flag.String("store", "mem", "Retention backend: mem, file or mmap.")
	flagImage := flag.String("image", "dpm.img", "Image path for the file and mmap backends.")
	flagCycles := flag.Int("cycles", 100, "Number of wake cycles to run. Negative runs until interrupted.")
	flagScript := flag.String("script", "", "Event script: lines of \"at <cycle> <command> [arg]\".")
	flagVerbose := flag.Bool("v", false, "Log every wake cycle.")
	flag.Parse()

	level := slog.LevelInfo
	if *flagVerbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)

	prof, err := loadProfile(*flagConfig)
	if err != nil {
		log.Fatal(err.Error())
	}
	var events []event
	if *flagScript != "" {
		fp, err := os.Open(*flagScript)
		if err != nil {
			log.Fatal(err.Error())
		}
		events, err = parseScript(fp)
		fp.Close()
		if err != nil {
			log.Fatal(*flagScript, ": ", err.Error())
		}
	}
	st, err := openStore(*flagStore, *flagImage)
	if err != nil {
		log.Fatal(err.Error())
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	s, err := newSimulation(ctx, prof, st, logger)
	if err != nil {
		log.Fatal(err.Error())
	}
	defer s.Close()
	start := time.Now()
	err = s.run(ctx, *flagCycles, events)
	s.summary(os.Stdout, *flagStore)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err.Error())
	}
	log.Println("finished in", time.Since(start))
}

func openStore(kind, path string) (store, error) {
	switch kind {
	case "mem":
		return new(retention.MemStore), nil
	case "file":
		return retention.OpenFile(path)
	case "mmap":
		return openMmap(path, rtm.ImageSize)
	}
	return nil, fmt.Errorf("unknown store %q", kind)
}

// simulation owns the simulated board and the manager of the current boot.
type simulation struct {
	prof   profile
	store  store
	board  *sim.Board
	logger *slog.Logger
	pub    *telemetry.Publisher
	cfg    dpm.Config
	m      *dpm.Manager

	cycles  int
	boots   map[dpm.BootMode]int
	rejoins int
}

func newSimulation(ctx context.Context, prof profile, st store, logger *slog.Logger) (*simulation, error) {
	prep, err := prof.Budgets.prepTimes()
	if err != nil {
		return nil, err
	}
	s := &simulation{
		prof:   prof,
		store:  st,
		board:  sim.NewBoard(sim.NewAP(prof.apConfig())),
		logger: logger,
		boots:  make(map[dpm.BootMode]int),
	}
	s.cfg = dpm.Config{
		Store:              st,
		Sys:                s.board,
		Radio:              s.board,
		Tx:                 s.board.Tx,
		Logger:             logger.With(slog.String("pkg", "dpm")),
		PrepTime:           prep,
		PostPrep:           prof.Budgets.PostPrep,
		MinSleep:           prof.Budgets.MinSleep,
		MaxSleep:           prof.Budgets.MaxSleep,
		EarlyWakeTolerance: prof.Budgets.EarlyTol,
	}
	if mq := prof.MQTT; mq.Addr != "" {
		s.pub, err = telemetry.Dial(ctx, telemetry.PublisherConfig{
			Addr:     mq.Addr,
			ClientID: mq.ClientID,
			Topic:    orDefault(mq.Topic, "dpm/wake"),
			Timeout:  mq.Timeout,
			Logger:   logger.With(slog.String("pkg", "telemetry")),
		})
		if err != nil {
			return nil, fmt.Errorf("mqtt %s: %w", mq.Addr, err)
		}
		s.cfg.Reporter = s.pub
	}
	return s, s.boot(ctx)
}

// boot starts a new manager over the retained image, as the SoC does when it
// comes out of power-down or reset. An image without association, or one
// that left a deauth request behind, is associated again.
func (s *simulation) boot(ctx context.Context) error {
	m, err := dpm.New(s.cfg)
	if err != nil {
		return err
	}
	mode, err := m.Init(ctx)
	if err != nil {
		return err
	}
	s.m = m
	s.boots[mode]++
	req, rejoin := m.BootRequest()
	if rejoin {
		s.rejoins++
		s.logger.Info("boot:mm", slog.String("kind", req.Kind.String()), slog.Int("arg", int(req.Arg)))
	}
	if img := m.Snapshot(); img.Env.Associated() && !rejoin {
		return nil
	}
	skipped, err := m.Configure(s.prof.configureEnv)
	if err != nil {
		return err
	}
	if skipped != 0 {
		s.logger.Warn("associate:skipped", slog.String("functions", skipped.String()))
	}
	s.logger.Info("associated", slog.String("boot", mode.String()), slog.String("ssid", s.prof.Station.SSID))
	return nil
}

func (s *simulation) run(ctx context.Context, n int, events []event) error {
	for i := 0; n < 0 || i < n; i++ {
		for len(events) > 0 && events[0].Cycle <= i {
			if err := s.apply(ctx, events[0]); err != nil {
				return fmt.Errorf("script line %d: %w", events[0].Line, err)
			}
			events = events[1:]
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rep, err := s.m.Cycle(ctx)
		if err != nil {
			return err
		}
		s.cycles++
		s.logger.Debug("wake", slog.Int("cycle", i), slog.String("report", rep.String()))
	}
	return nil
}

func (s *simulation) apply(ctx context.Context, ev event) error {
	s.logger.Info("event", slog.Int("cycle", ev.Cycle), slog.String("cmd", ev.String()))
	ap := s.board.AP
	switch ev.Cmd {
	case "loss":
		ap.LoseNext(ev.Arg)
	case "dtim":
		ap.SetDTIMPeriod(uint8(ev.Arg))
	case "early":
		s.board.EarlyUs = uint64(ev.Arg)
	case "deauth":
		ap.Deauth()
	case "tsfreset":
		ap.ResetTSF(s.board.Now())
	case "force":
		_, err := s.m.Configure(func(env *rtm.Env) error {
			env.SetForcePeriod(uint16(ev.Arg))
			return nil
		})
		return err
	case "wdog":
		if err := s.m.Watchdog(); err != nil {
			return err
		}
		return s.boot(ctx)
	case "powercycle":
		return s.boot(ctx)
	case "wipe":
		if mem, ok := s.store.(*retention.MemStore); ok {
			mem.Wipe()
		} else if err := s.store.Persist(nil); err != nil {
			return err
		}
		return s.boot(ctx)
	default:
		return fmt.Errorf("unknown command %q", ev.Cmd)
	}
	return nil
}

func (s *simulation) summary(w io.Writer, storeKind string) {
	img := s.m.Snapshot()
	st := &img.Stats
	sleeps, sleptUs := s.board.Sleeps()
	elapsed := rtm.ClkToUs(s.board.Now())
	duty := 0.0
	if elapsed > 0 {
		duty = 100 * float64(elapsed-min(sleptUs, elapsed)) / float64(elapsed)
	}
	fmt.Fprintf(w, "cycles   %d (wakes %d, short sleeps %d)\n", s.cycles, st.Wakes, st.ShortSleeps)
	fmt.Fprintf(w, "boots    cold=%d warm=%d recover=%d rejoin=%d\n", s.boots[dpm.BootCold], s.boots[dpm.BootWarm], s.boots[dpm.BootRecover], s.rejoins)
	fmt.Fprintf(w, "beacons  rx=%d miss=%d lock=%d coarse=%v drift=%dppm\n", st.BcnRx, st.BcnMiss, img.APTrk.Lock, img.APTrk.Coarse, img.APTrk.DriftPPM)
	fmt.Fprintf(w, "traffic  uc=%d bcmc=%d\n", st.UCWakes, st.BCMCWakes)
	fmt.Fprintf(w, "frames  ")
	for k := frame.KindNullData; k <= frame.KindTCP; k++ {
		fmt.Fprintf(w, " %s=%d", k, s.board.Count(k))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "sleep    %d power-downs, %s asleep of %s, awake %.3f%%\n", sleeps,
		time.Duration(sleptUs)*time.Microsecond, time.Duration(elapsed)*time.Microsecond, duty)
	fmt.Fprintf(w, "image    %s on %s store, status %s\n", bytesize.New(float64(rtm.ImageSize)), storeKind, img.Status.String())
}

func (s *simulation) Close() error {
	if s.pub != nil {
		return s.pub.Close()
	}
	return nil
}
