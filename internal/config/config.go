// Package config holds the immutable runtime configuration for the EPIC
// imaging pipeline.
//
// The grid, gulp, integration, output and outrigger settings live in a
// single Config value built once at startup. The sample rate (FS), the
// channel bandwidth (ChanBW), the legacy outrigger id and the epoch are
// package-level constants that stages read directly; they are not
// fields of Config.
package config

import (
	"fmt"
	"time"
)

const (
	// FS is the voltage sample rate in Hz.
	FS = 196e6

	// ChanBW is the channel bandwidth in Hz.
	ChanBW = 25e3

	// OutriggerID is the legacy magic stand id used by the source
	// implementation to flag outrigger antennas. Config.IsOutrigger
	// is the supported replacement (Design Note "Outrigger masking").
	OutriggerID = 256
)

// Epoch is the reference time_tag zero point (1970-01-01 UTC).
var Epoch = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// GridKernel selects the antenna illumination kernel used by the gridder.
type GridKernel int

const (
	// KernelBilinear deposits each sample across a 2x2 neighborhood of
	// grid cells with an equal weight of 0.25 per cell.
	KernelBilinear GridKernel = iota
	// KernelTopHat deposits each sample, unweighted, across a flat
	// AntExtent x AntExtent square of grid cells.
	KernelTopHat
)

// Config is the immutable configuration shared by every pipeline stage.
// It is constructed once by the CLI entry point and never mutated.
type Config struct {
	// GridSize is the image grid's side length, in pixels (grid_size_x == grid_size_y).
	GridSize int
	// GridResolution is the image resolution in degrees per pixel.
	GridResolution float64

	// NTimeGulp is the number of time samples per gulp.
	NTimeGulp int
	// NChanOut is the number of channels the channelizer/decimator emits.
	NChanOut int
	// SinglePol collapses the imager to one polarization product.
	SinglePol bool

	// AccumulationTimeMS is the integration window length in milliseconds.
	AccumulationTimeMS int
	// IntsPerFile is the number of integrations buffered before a sink flush.
	IntsPerFile int

	// RemoveAutocorrs enables autocorrelation bias subtraction.
	RemoveAutocorrs bool

	// AntExtent is the side length, in grid cells, of the top-hat
	// illumination kernel (only used when Kernel == KernelTopHat).
	AntExtent int
	// Kernel selects the illumination kernel.
	Kernel GridKernel

	// OutDir is the directory image cubes are written to.
	OutDir string

	// TelescopeName, TelescopeLatitude, TelescopeLongitude are copied
	// into every imager output header (§4.7).
	TelescopeName      string
	TelescopeLatitude  float64
	TelescopeLongitude float64

	// Profile enables the optional per-stage wall-clock wrapper
	// described in SPEC_FULL.md's "Thread profiling" supplement.
	Profile bool

	// CoreAssignment maps a stage name to the OS logical CPU it should
	// be pinned to. A missing entry leaves the stage unpinned.
	CoreAssignment map[string]int

	// GPUDevice selects the physical GPU device index used by stages
	// that bind to device-resident buffers (Imager, Sink).
	GPUDevice int

	outriggerIDs map[int]struct{}
}

// New builds a Config, applying defaults for any zero-valued field that
// must not be zero.
func New() Config {
	return Config{
		GridSize:           64,
		GridResolution:     1.0,
		NTimeGulp:          2500,
		NChanOut:           1,
		AccumulationTimeMS: 100,
		IntsPerFile:        1,
		AntExtent:          1,
		Kernel:             KernelTopHat,
		OutDir:             ".",
		TelescopeName:      "EPIC",
		CoreAssignment:     map[string]int{},
		outriggerIDs:       map[int]struct{}{OutriggerID: {}},
	}
}

// WithOutriggerIDs returns a copy of cfg whose outrigger predicate
// recognizes exactly the given stand ids.
func (c Config) WithOutriggerIDs(ids ...int) Config {
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	c.outriggerIDs = set
	return c
}

// IsOutrigger reports whether the given stand id is masked from imaging.
// This replaces the source implementation's hardcoded `id == 256` check
// with a predicate supplied by configuration (Design Note "Outrigger
// masking").
func (c Config) IsOutrigger(standID int) bool {
	_, ok := c.outriggerIDs[standID]
	return ok
}

// NumPol returns the number of polarizations the imager should carry,
// honoring --singlepol.
func (c Config) NumPol(npolIn int) int {
	if c.SinglePol {
		return 1
	}
	return npolIn
}

// Validate checks preconditions that must hold before the pipeline
// starts. A failure here is a ConfigError (§7): fatal at startup.
func (c Config) Validate(maxAntennaExtentPixels float64) error {
	if c.GridSize <= 0 {
		return &ConfigError{Msg: fmt.Sprintf("grid_size must be positive, got %d", c.GridSize)}
	}
	if c.GridResolution <= 0 {
		return &ConfigError{Msg: "grid resolution (degrees/pixel) must be positive"}
	}
	if c.NTimeGulp <= 0 {
		return &ConfigError{Msg: "ntime_gulp must be positive"}
	}
	if c.AccumulationTimeMS <= 0 {
		return &ConfigError{Msg: "accumulate (ms) must be positive"}
	}
	if c.IntsPerFile <= 0 {
		return &ConfigError{Msg: "ints_per_file must be positive"}
	}
	if maxAntennaExtentPixels > float64(c.GridSize) {
		return &ConfigError{Msg: fmt.Sprintf(
			"grid_size %d is smaller than the antenna layout's extent (%.1f px); decrease --imageres",
			c.GridSize, maxAntennaExtentPixels)}
	}
	return nil
}

// ConfigError is a fatal-at-startup error: invalid CLI, missing
// metadata, or a grid too small for the antenna layout (§7).
type ConfigError struct {
	Msg   string
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config error: %s: %v", e.Msg, e.Cause)
	}
	return fmt.Sprintf("config error: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Cause }
