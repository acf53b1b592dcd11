// Command epic-imager is the EPIC imaging pipeline's entry point: it
// parses the CLI flags, builds the Pipeline, wires
// SIGHUP/SIGINT/SIGQUIT/SIGTERM/SIGTSTP to graceful shutdown, and
// exits 0 on clean shutdown or non-zero on an unrecoverable stage
// failure — the same flag-parse/signal-wire/run shape as a typical
// long-running server entry point, generalized from an HTTP server
// loop to a multi-stage streaming pipeline.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/epic-array/epic-imager/internal/antenna"
	"github.com/epic-array/epic-imager/internal/config"
	"github.com/epic-array/epic-imager/internal/location"
	"github.com/epic-array/epic-imager/internal/pipeline"
	"github.com/epic-array/epic-imager/internal/status"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "0.0.0.0", "UDP bind address (live path)")
	port := flag.Int("port", 10000, "UDP bind port (live path)")
	utcstart := flag.String("utcstart", "", "UTC start time, YYYY_M_DTH_M_S (live path; informational)")
	imagesize := flag.Int("imagesize", 64, "image grid size in pixels")
	imageres := flag.Float64("imageres", 1.0, "image resolution in degrees/pixel")
	offline := flag.Bool("offline", false, "run the file-replay capture path instead of live UDP")
	tbnfile := flag.String("tbnfile", "", "offline antenna voltage file (required with --offline)")
	nts := flag.Int("nts", 2500, "time samples per gulp (ntime_gulp)")
	accumulate := flag.Int("accumulate", 100, "integration window, ms")
	channels := flag.Int("channels", 1, "number of output channels")
	singlepol := flag.Bool("singlepol", false, "collapse the imager to one polarization product")
	removeautocorrs := flag.Bool("removeautocorrs", false, "subtract the gridded autocorrelation bias")
	intsPerFile := flag.Int("ints_per_file", 1, "integrations buffered per output file")
	outDir := flag.String("out_dir", ".", "directory image cubes are written to")
	benchmark := flag.Bool("benchmark", false, "enable the per-stage wall-clock profiler")
	profile := flag.Bool("profile", false, "alias for --benchmark")
	catalogPath := flag.String("catalog", "", "path to the JSON antenna catalog (required)")
	antExtent := flag.Int("ant_extent", 1, "illumination kernel footprint, grid cells per side")
	kernel := flag.String("kernel", "tophat", "illumination kernel: tophat or bilinear")
	telescopeName := flag.String("telescope", "EPIC", "telescope name recorded in output headers")
	lat := flag.Float64("lat", 0, "observatory latitude, degrees")
	lon := flag.Float64("lon", 0, "observatory longitude, degrees")
	flag.Parse()

	_ = utcstart // not passed to any stage: UDPStage takes UTC seconds from each packet header

	log := zap.NewNop().Sugar()
	if l, err := zap.NewProduction(); err == nil {
		log = l.Sugar()
		defer l.Sync()
	}

	if *catalogPath == "" {
		log.Errorw("missing required flag", "flag", "--catalog")
		return 1
	}
	arr, err := antenna.LoadCatalog(*catalogPath)
	if err != nil {
		log.Errorw("load antenna catalog failed", "error", err)
		return 1
	}
	if *offline && *tbnfile == "" {
		log.Errorw("--offline requires --tbnfile")
		return 1
	}

	cfg := config.New()
	cfg.GridSize = *imagesize
	cfg.GridResolution = *imageres
	cfg.NTimeGulp = *nts
	cfg.NChanOut = *channels
	cfg.SinglePol = *singlepol
	cfg.AccumulationTimeMS = *accumulate
	cfg.IntsPerFile = *intsPerFile
	cfg.RemoveAutocorrs = *removeautocorrs
	cfg.OutDir = *outDir
	cfg.Profile = *benchmark || *profile
	cfg.AntExtent = *antExtent
	cfg.TelescopeName = *telescopeName
	cfg.TelescopeLatitude = *lat
	cfg.TelescopeLongitude = *lon
	if *kernel == "bilinear" {
		cfg.Kernel = config.KernelBilinear
	}

	var outriggerIDs []int
	for _, d := range arr {
		if d.Outrigger {
			outriggerIDs = append(outriggerIDs, d.ID)
		}
	}
	if len(outriggerIDs) > 0 {
		cfg = cfg.WithOutriggerIDs(append(outriggerIDs, config.OutriggerID)...)
	}

	freqHz := []float64{centerFrequencyHz()}
	loc := location.Compute(location.Params{
		GridSize: cfg.GridSize, GridResolution: cfg.GridResolution,
		NTime: 1, NPol: 2, FreqHz: freqHz, Positions: arr.Positions(),
	})
	if err := cfg.Validate(loc.MaxExtentPixels()); err != nil {
		log.Errorw("invalid configuration", "error", err)
		return 1
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Errorw("create out_dir failed", "error", err)
		return 1
	}

	statusPub := status.NewPublisher()
	pl, err := pipeline.New(pipeline.Options{
		Cfg: cfg, Antennas: arr,
		Offline: *offline, TBNFile: *tbnfile,
		Addr: *addr, Port: *port,
	}, log, statusPub)
	if err != nil {
		log.Errorw("build pipeline failed", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signals SIGHUP/SIGINT/SIGQUIT/SIGTERM/SIGTSTP trigger graceful
	// shutdown: each stage polls Pipeline.RequestShutdown's flag
	// between gulps, so the in-flight gulp always completes.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGTSTP)
	go func() {
		sig := <-sigCh
		log.Infow("received shutdown signal", "signal", sig.String())
		pl.RequestShutdown()
	}()

	if err := pl.Run(ctx); err != nil {
		log.Errorw("pipeline exited with error", "error", err)
		return 1
	}
	log.Infow("pipeline stopped cleanly")
	return 0
}

// centerFrequencyHz approximates the imager's per-channel center
// frequency for the startup antenna-extent precondition check; the
// real per-sequence value is recomputed by ImagerStage from each
// Sequence Header.
func centerFrequencyHz() float64 {
	return 60e6 // matches the corpus's reference observing band (LWA: ~60 MHz)
}
