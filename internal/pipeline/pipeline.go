// Package pipeline implements the Pipeline: it owns every Ring, binds
// each stage to a configured CPU core and GPU, and orchestrates
// startup/shutdown.
//
// Orchestration is grounded on sakateka-yanet2's coordinator/internal
// /stage.Stage: one goroutine per unit of work, launched through a
// golang.org/x/sync/errgroup.Group so the first stage failure cancels
// every sibling via the shared context, exactly as that package's
// setupInstanceConfigs/setupModulesConfigs fan out workers and collect
// the first error from wg.Wait(). Cancellation itself is a polled flag
// (no cooperative suspension mid-gulp); the errgroup context is used
// only to propagate "someone failed, stop" to stages blocked in
// Ring/UDP I/O, not to interrupt an in-flight gulp.
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/epic-array/epic-imager/internal/antenna"
	"github.com/epic-array/epic-imager/internal/affinity"
	"github.com/epic-array/epic-imager/internal/capture"
	"github.com/epic-array/epic-imager/internal/channelize"
	"github.com/epic-array/epic-imager/internal/config"
	"github.com/epic-array/epic-imager/internal/decimate"
	"github.com/epic-array/epic-imager/internal/device"
	"github.com/epic-array/epic-imager/internal/imager"
	"github.com/epic-array/epic-imager/internal/ringbuf"
	"github.com/epic-array/epic-imager/internal/sink"
	"github.com/epic-array/epic-imager/internal/status"
	"github.com/epic-array/epic-imager/internal/transpose"
)

// Options bundles everything the CLI entry point derives from flags
// and hands to a Pipeline: it is the parsed, typed form of the
// `--addr`/`--port`/.../`--benchmark` flag set.
type Options struct {
	Cfg      config.Config
	Antennas antenna.Array

	// Offline path.
	Offline bool
	TBNFile string

	// Live path.
	Addr string
	Port int

	// Core assignment: logical CPU per stage name, keys matching the
	// component names ("CaptureStage", "ChannelizeStage",
	// "DecimateStage", "TransposeStage", "ImagerStage", "SinkStage").
	// Falls back to Cfg.CoreAssignment when a name is absent here.
	CoreAssignment map[string]int
}

// stageRunner is the common shape every stage goroutine satisfies: a
// blocking Run that returns when its input ends, shutdown is
// requested, or a fatal error occurs.
type stageRunner interface {
	Run() error
}

// Pipeline owns ring₀..ring₃, binds stages to cores/devices, and
// orchestrates startup/shutdown.
type Pipeline struct {
	opts   Options
	log    *zap.SugaredLogger
	status *status.Publisher
	accel  device.Accelerator

	ring0, ring1, ring2, ring3 *ringbuf.Ring

	shutdown atomic.Bool

	stages []namedStage
}

type namedStage struct {
	name string
	core int
	run  stageRunner
	// closer, when non-nil, is invoked by RequestShutdown to unblock a
	// stage parked in a blocking read (the live UDP capture) instead
	// of waiting out its I/O timeout.
	closer func() error
}

// New builds a Pipeline from opts: it allocates ring₀..ring₃, wires the
// configured variant of CaptureStage (file replay or UDP live) through
// to SinkStage. It does not check the antenna layout against the grid
// size; ImagerStage rejects a sequence whose layout exceeds the grid.
func New(opts Options, log *zap.SugaredLogger, statusPub *status.Publisher) (*Pipeline, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if statusPub == nil {
		statusPub = status.NewPublisher()
	}

	accel, err := device.NewAccelerator(opts.Cfg.GPUDevice)
	if err != nil {
		return nil, &config.DeviceError{Op: "initialize accelerator", Cause: err}
	}

	p := &Pipeline{opts: opts, log: log, status: statusPub, accel: accel}

	p.ring0 = ringbuf.New("ring0:capture->channelize", ringbuf.ResidencyHost)
	p.ring1 = ringbuf.New("ring1:channelize->transpose", ringbuf.ResidencyHost)
	p.ring2 = ringbuf.New("ring2:transpose->imager", ringbuf.ResidencyHost)
	p.ring3 = ringbuf.New("ring3:imager->sink", ringbuf.ResidencyDevice)

	// Nominal span sizing: Ring.Reserve sizes each span from the
	// actual gulp byte count, so this only needs to satisfy the
	// "resized before first write" precondition with a capacity large
	// enough that a reader in guaranteed mode never deadlocks waiting
	// on a slot the writer can't fill.
	const bufferFactor = 4
	nstand := opts.Antennas.NStand()
	if nstand == 0 {
		nstand = 1
	}
	nominalTimeBytes := opts.Cfg.NTimeGulp * nstand * 2 * 8 // worst case: complex64, npol=2
	if err := p.ring0.Resize(max(nominalTimeBytes, 1), bufferFactor); err != nil {
		return nil, err
	}
	if err := p.ring1.Resize(max(opts.Cfg.NTimeGulp*opts.Cfg.NChanOut*nstand*2, 1), bufferFactor); err != nil {
		return nil, err
	}
	if err := p.ring2.Resize(max(opts.Cfg.NTimeGulp*opts.Cfg.NChanOut*nstand*2, 1), bufferFactor); err != nil {
		return nil, err
	}
	npol2 := opts.Cfg.NumPol(4)
	if err := p.ring3.Resize(max(opts.Cfg.NChanOut*npol2*opts.Cfg.GridSize*opts.Cfg.GridSize*8, 1), bufferFactor); err != nil {
		return nil, err
	}

	if err := p.build(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) core(name string, fallback int) int {
	if c, ok := p.opts.CoreAssignment[name]; ok {
		return c
	}
	if c, ok := p.opts.Cfg.CoreAssignment[name]; ok {
		return c
	}
	return fallback
}

func (p *Pipeline) build() error {
	cfg := p.opts.Cfg
	shutdownFn := p.shutdown.Load

	if p.opts.Offline {
		fr := &capture.FileReplayStage{
			Path: p.opts.TBNFile, Ring: p.ring0,
			Log: p.log.With("stage", "CaptureStage"), Status: p.status, ShutdownFn: shutdownFn,
		}
		p.stages = append(p.stages, namedStage{name: "CaptureStage", core: p.core("CaptureStage", -1), run: fr})

		chz := &channelize.Stage{
			NChanOut: cfg.NChanOut, In: p.ring0.NewReader(true), Out: p.ring1,
			Log: p.log.With("stage", "ChannelizeStage"), Status: p.status, ShutdownFn: shutdownFn,
		}
		p.stages = append(p.stages, namedStage{name: "ChannelizeStage", core: p.core("ChannelizeStage", -1), run: chz})
	} else {
		standsPerSource := p.opts.Antennas.NStand() / capture.NSrc
		if standsPerSource == 0 {
			standsPerSource = 1
		}
		udp := &capture.UDPStage{
			Addr: p.opts.Addr, Port: p.opts.Port,
			NChan: cfg.NChanOut, Chan0: 0, BW: float64(cfg.NChanOut) * config.ChanBW,
			CFreq: float64(cfg.NChanOut) * config.ChanBW / 2,
			NPol: 2, NStand: capture.NSrc * standsPerSource,
			NTimeGulp: cfg.NTimeGulp, StandsPerSource: standsPerSource,
			Ring: p.ring0, Log: p.log.With("stage", "CaptureStage"), Status: p.status, ShutdownFn: shutdownFn,
		}
		p.stages = append(p.stages, namedStage{name: "CaptureStage", core: p.core("CaptureStage", -1), run: udp, closer: udp.Close})

		dec := &decimate.Stage{
			NChanOut: cfg.NChanOut, NPolOut: cfg.NumPol(2), In: p.ring0.NewReader(true), Out: p.ring1,
			Log: p.log.With("stage", "DecimateStage"), Status: p.status, ShutdownFn: shutdownFn,
		}
		p.stages = append(p.stages, namedStage{name: "DecimateStage", core: p.core("DecimateStage", -1), run: dec})
	}

	trn := &transpose.Stage{
		In: p.ring1.NewReader(true), Out: p.ring2,
		Log: p.log.With("stage", "TransposeStage"), Status: p.status, ShutdownFn: shutdownFn,
	}
	p.stages = append(p.stages, namedStage{name: "TransposeStage", core: p.core("TransposeStage", -1), run: trn})

	img := &imager.Stage{
		Cfg: cfg, Antennas: p.opts.Antennas,
		In: p.ring2.NewReader(true), Out: p.ring3, Accel: p.accel,
		Log: p.log.With("stage", "ImagerStage"), Status: p.status, ShutdownFn: shutdownFn,
	}
	p.stages = append(p.stages, namedStage{name: "ImagerStage", core: p.core("ImagerStage", -1), run: img})

	snk := &sink.Stage{
		Cfg: cfg, In: p.ring3.NewReader(true),
		Log: p.log.With("stage", "SinkStage"), Status: p.status, ShutdownFn: shutdownFn,
	}
	p.stages = append(p.stages, namedStage{name: "SinkStage", core: p.core("SinkStage", -1), run: snk})

	return nil
}

// Run starts every stage goroutine and blocks until all have exited:
// either the Ring chain drained naturally, RequestShutdown was called,
// or one stage returned an error (such as the imager's DeviceError or
// LogicError, or a capture failure), which cancels ctx and is
// propagated to the caller.
func (p *Pipeline) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	for _, st := range p.stages {
		st := st
		group.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if err := affinity.Pin(st.core); err != nil {
				p.log.Warnw("cpu pin failed", "stage", st.name, "core", st.core, "error", err)
			}
			p.status.Update(st.name, "bind", status.Record{"core": st.core})
			p.log.Infow("stage starting", "stage", st.name)
			start := time.Now()
			err := wrapWithProfile(p.opts.Cfg.Profile, p.status, st.name, st.run.Run)
			p.log.Infow("stage stopped", "stage", st.name, "elapsed", time.Since(start), "error", err)
			return err
		})
	}

	// A stage failure cancels ctx; watch for that to unstick any stage
	// parked in blocking I/O (the live capture's UDP read) rather than
	// waiting out its full 500ms timeout.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.RequestShutdown()
		case <-done:
		}
	}()

	err := group.Wait()
	close(done)
	p.log.Infow("final stage status", "status", p.status.Snapshot())
	p.accel.Close()
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

// RequestShutdown sets the process-wide shutdown flag every stage
// polls between gulps and at header boundaries. It also closes any
// stage-specific unblocking handle (the UDP socket) so a stage parked
// in I/O notices promptly.
func (p *Pipeline) RequestShutdown() {
	if p.shutdown.CompareAndSwap(false, true) {
		p.log.Infow("shutdown requested")
		for _, st := range p.stages {
			if st.closer != nil {
				st.closer()
			}
		}
	}
}

// Status returns the Pipeline's shared status Publisher.
func (p *Pipeline) Status() *status.Publisher { return p.status }

// wrapWithProfile is the "optional per-stage wrapper inserted by the
// Pipeline when a profile flag is set" from SPEC_FULL.md's
// "--benchmark/--profile thread wrapper" supplement (Design Note
// "Thread profiling"): a plain decorator around run, not a monkeypatch.
func wrapWithProfile(enabled bool, pub *status.Publisher, stageName string, run func() error) error {
	if !enabled {
		return run()
	}
	start := time.Now()
	err := run()
	pub.Update(stageName, "perf", status.Record{"wall_time": time.Since(start).Seconds()})
	return err
}
