package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/depthfuse/internal/capture"
	"github.com/banshee-data/depthfuse/internal/capture/recording"
	"github.com/banshee-data/depthfuse/internal/config"
	"github.com/banshee-data/depthfuse/internal/monitor"
	"github.com/banshee-data/depthfuse/internal/monitoring"
	"github.com/banshee-data/depthfuse/internal/pipeline"
	"github.com/banshee-data/depthfuse/internal/storage/sqlite"
	"github.com/banshee-data/depthfuse/internal/version"
)

type options struct {
	configPath  string
	listen      string
	dbPath      string
	migrations  string
	replay      string
	replaySpeed float64
	record      string
	synthetic   int
	duration    time.Duration
	plotDir     string
	verbose     bool
}

func parseFlags(fset *flag.FlagSet, args []string) (options, error) {
	var o options
	fset.StringVar(&o.configPath, "config", "", "Tuning config JSON file (defaults apply when empty)")
	fset.StringVar(&o.listen, "listen", ":8090", "Monitor listen address; empty disables the monitor")
	fset.StringVar(&o.dbPath, "db", "", "SQLite pose journal; empty disables journaling")
	fset.StringVar(&o.migrations, "migrations", "", "Migrations directory (embedded migrations when empty)")
	fset.StringVar(&o.replay, "replay", "", "Replay a recorded session file")
	fset.Float64Var(&o.replaySpeed, "replay-speed", 1, "Replay speed multiplier; 0 replays as fast as possible")
	fset.StringVar(&o.record, "record", "", "Record captured frames to this file")
	fset.IntVar(&o.synthetic, "synthetic", 0, "Capture from N simulated devices")
	fset.DurationVar(&o.duration, "duration", 0, "Stop after this long; 0 runs until interrupted")
	fset.StringVar(&o.plotDir, "plot-dir", "", "Write residual plots here when the session ends")
	fset.BoolVar(&o.verbose, "verbose", false, "Enable debug logging")
	showVersion := fset.Bool("version", false, "Print version and exit")

	if err := fset.Parse(args); err != nil {
		return o, err
	}
	if *showVersion {
		return o, errShowVersion
	}
	switch {
	case o.replay != "" && o.synthetic > 0:
		return o, errors.New("-replay and -synthetic are mutually exclusive")
	case o.replay == "" && o.synthetic <= 0:
		return o, errors.New("no capture source: use -synthetic N or -replay FILE")
	case o.replay != "" && o.record != "":
		return o, errors.New("-record cannot be combined with -replay")
	case o.duration < 0:
		return o, errors.New("-duration must not be negative")
	}
	return o, nil
}

var errShowVersion = errors.New("version requested")

func main() {
	o, err := parseFlags(flag.CommandLine, os.Args[1:])
	if errors.Is(err, errShowVersion) {
		fmt.Println(version.String())
		return
	}
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o); err != nil {
		log.Fatal(err)
	}
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

func openSource(o options) capture.Source {
	if o.replay != "" {
		return recording.NewReplay(o.replay, o.replaySpeed)
	}
	return &capture.SyntheticSource{
		Scene:     capture.DefaultScene(),
		Cameras:   capture.SyntheticRig(o.synthetic),
		FrameRate: 30,
		Interval:  time.Second / 30,
		Epoch:     time.Now(),
	}
}

func openJournal(o options) (*sqlite.DB, *sqlite.JournalStore, error) {
	db, err := sqlite.Open(o.dbPath)
	if err != nil {
		return nil, nil, err
	}
	var migrations fs.FS
	if o.migrations != "" {
		migrations = os.DirFS(o.migrations)
	}
	if err := db.MigrateUp(migrations); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, sqlite.NewJournalStore(db.DB), nil
}

func run(ctx context.Context, o options) error {
	monitoring.SetVerbose(o.verbose)

	tuning, err := loadTuning(o.configPath)
	if err != nil {
		return err
	}
	cfg := tuning.ToSessionConfig()

	source := openSource(o)
	if o.record != "" {
		w, err := recording.Create(o.record)
		if err != nil {
			return err
		}
		defer func() {
			if err := w.Close(); err != nil {
				log.Printf("failed to close recording: %v", err)
			}
		}()
		source = recording.NewTee(source, w)
	}

	metrics := monitoring.NewMetrics()
	sessOpts := []pipeline.Option{pipeline.WithMetrics(metrics)}
	if o.dbPath != "" {
		db, journal, err := openJournal(o)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer db.Close()
		sessOpts = append(sessOpts, pipeline.WithJournal(journal))
	}

	session, err := pipeline.NewSession(cfg, source, sessOpts...)
	if err != nil {
		return err
	}
	log.Printf("session %s starting (searcher %s)", session.ID(), cfg.Registration.Searcher.Name())

	if o.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	// the monitor outlives the session so a final scrape sees the end state
	srvCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	g, gctx := errgroup.WithContext(srvCtx)
	if o.listen != "" {
		ws := monitor.NewWebServer(monitor.WebServerConfig{Address: o.listen, Source: session, Metrics: metrics})
		g.Go(func() error { return ws.Start(gctx) })
	}

	var fused, points int
	g.Go(func() error {
		for fc := range session.Output() {
			fused++
			points += fc.Len()
			if fused%300 == 0 {
				monitoring.Debugf("fused %d clouds, last tick %d with %d points from %d devices",
					fused, fc.Tick, fc.Len(), len(fc.Sources))
			}
		}
		return nil
	})

	runErr := session.Run(ctx)
	stopServer()
	if err := g.Wait(); err != nil {
		log.Printf("monitor error: %v", err)
	}

	for _, d := range session.Diagnostics() {
		log.Printf("device %d %s (%s): %s residual=%.4f version=%d accepted=%d rejected=%d failed=%d timeouts=%d",
			d.DeviceIndex, d.Serial, d.Role, d.State, d.Residual, d.Version, d.Accepted, d.Rejected, d.Failed, d.Timeouts)
	}
	log.Printf("session %s ended: %d fused clouds, %d points", session.ID(), fused, points)

	if o.plotDir != "" {
		n, err := monitor.NewResidualPlotter(session).WritePNG(o.plotDir)
		if err != nil {
			log.Printf("failed to write plots: %v", err)
		} else {
			log.Printf("wrote %d plots to %s", n, o.plotDir)
		}
	}
	return runErr
}
