// Package device owns the lazily-allocated, resize-not-reallocate
// buffer lifecycle for ImagerStage's GPU-resident accumulators (spec
// §3 "Lifecycle", Design Note "Lazy device buffers").
//
// The source implementation allocates buffers by catching a
// name-lookup failure on first use. Here each buffer is an explicit
// optional-typed field, tested and initialized on the first gulp of
// each sequence and resized (not reallocated) on shape changes — the
// Design Note's suggested replacement.
//
// Two Accelerator backends exist, selected by build tag exactly the
// way the teacher repo's pack (IntuitionAmiga-IntuitionEngine) selects
// audio backends (`audio_backend_oto.go` / `audio_backend_headless.go`,
// both tagged on `headless`): a default CPU-resident backend that
// needs no GPU driver, and an opt-in backend (`-tags vulkan`) that
// allocates and maps real device memory via github.com/goki/vulkan,
// following the buffer-create/allocate/map/fence-sync lifecycle of
// that repo's voodoo_vulkan.go.
package device

import "github.com/epic-array/epic-imager/internal/ringbuf"

// Buffer is a lazily-allocated, resizable complex128 accumulator
// living in host or device memory.
type Buffer struct {
	residency ringbuf.Residency
	shape     []int
	data      []complex128
	allocated bool
}

// NewBuffer returns an unallocated Buffer for the given residency.
// Allocation happens on the first call to Resize.
func NewBuffer(residency ringbuf.Residency) *Buffer {
	return &Buffer{residency: residency}
}

// Shape returns the buffer's current dimensions.
func (b *Buffer) Shape() []int { return b.shape }

// Len returns the total element count (product of Shape).
func (b *Buffer) Len() int { return len(b.data) }

// Data returns the host slice backing the buffer. The Vulkan backend
// keeps a separate mapped device allocation and copies this slice into
// and back out of it in Synchronize.
func (b *Buffer) Data() []complex128 { return b.data }

// Resize ensures the buffer holds exactly product(shape) elements,
// reallocating only if the element count grew; a shrink reuses the
// existing allocation. Matches spec §3: "resized (not reallocated) on
// shape changes."
func (b *Buffer) Resize(shape ...int) error {
	n := 1
	for _, s := range shape {
		n *= s
	}
	if !b.allocated || cap(b.data) < n {
		b.data = make([]complex128, n)
		b.allocated = true
	} else {
		b.data = b.data[:n]
	}
	b.shape = append([]int(nil), shape...)
	return nil
}

// Zero clears the buffer to bitwise zero, matching the reset contract
// of spec §8 invariant 4.
func (b *Buffer) Zero() {
	for i := range b.data {
		b.data[i] = 0
	}
}

// Release frees the buffer's backing storage. Called when the
// enclosing Pipeline exits (spec §3 "Lifecycle").
func (b *Buffer) Release() {
	b.data = nil
	b.allocated = false
	b.shape = nil
}

// Accelerator abstracts the device backend that ImagerStage
// synchronizes with after its host-side 2-D inverse FFTs (the FFTs
// themselves run in package dsp); it is the seam between the CPU-resident default backend (device_host.go)
// and the optional Vulkan-backed one (device_vulkan.go, `-tags
// vulkan`).
type Accelerator interface {
	// Name identifies the backend for status/log records.
	Name() string
	// Synchronize blocks until all work submitted against buf has
	// completed — the device stream synchronization point spec §5
	// places "after FFT and map kernels".
	Synchronize(buf *Buffer) error
	// Close releases any backend-global resources (instance, device,
	// command pool). Safe to call once, at Pipeline shutdown.
	Close() error
}
