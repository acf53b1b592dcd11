//go:build !vulkan

package device

// hostAccelerator is the default Accelerator: the "device" buffers
// simply live in host memory and Synchronize is a no-op, since the CPU
// that runs ImagerStage's FFT is the same CPU mutating the buffer.
type hostAccelerator struct{}

// NewAccelerator returns the default, GPU-driver-free Accelerator.
func NewAccelerator(gpuIndex int) (Accelerator, error) {
	return &hostAccelerator{}, nil
}

func (h *hostAccelerator) Name() string { return "host" }

func (h *hostAccelerator) Synchronize(buf *Buffer) error { return nil }

func (h *hostAccelerator) Close() error { return nil }
