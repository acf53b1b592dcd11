//go:build vulkan

package device

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// vulkanAccelerator backs Buffer with real device memory, following the
// instance/device/queue bring-up and buffer-allocate/map/fence-sync
// lifecycle of voodoo_vulkan.go's VulkanBackend, trimmed to the subset
// ImagerStage needs: no swapchain, no render pass, no pipeline — just a
// host-visible, host-coherent buffer per Buffer and a fence to wait on
// after the host-side FFT/map kernels have written it.
type vulkanAccelerator struct {
	instance       vk.Instance
	physicalDevice vk.PhysicalDevice
	device         vk.Device
	queue          vk.Queue
	queueFamily    uint32
	pool           vk.CommandPool
	fence          vk.Fence

	memType uint32

	buffers map[*Buffer]*vulkanBuffer
}

type vulkanBuffer struct {
	buf    vk.Buffer
	mem    vk.DeviceMemory
	size   int
	mapped unsafe.Pointer
}

// NewAccelerator brings up a minimal Vulkan instance/device pair bound
// to gpuIndex (ignored if out of range; the first enumerated device is
// used, matching voodoo_vulkan.go's single-GPU assumption).
func NewAccelerator(gpuIndex int) (Accelerator, error) {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return nil, fmt.Errorf("load vulkan library: %w", err)
	}
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("init vulkan loader: %w", err)
	}

	va := &vulkanAccelerator{buffers: make(map[*Buffer]*vulkanBuffer)}

	appInfo := vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		PApplicationName:   safeCString("epic-imager"),
		ApplicationVersion: vk.MakeVersion(1, 0, 0),
		PEngineName:        safeCString("epic-imager"),
		EngineVersion:      vk.MakeVersion(1, 0, 0),
		ApiVersion:         vk.MakeVersion(1, 1, 0),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &appInfo,
	}
	var instance vk.Instance
	if res := vk.CreateInstance(&createInfo, nil, &instance); res != vk.Success {
		return nil, fmt.Errorf("vkCreateInstance failed: %d", res)
	}
	va.instance = instance
	vk.InitInstance(instance)

	if err := va.selectPhysicalDevice(gpuIndex); err != nil {
		vk.DestroyInstance(va.instance, nil)
		return nil, err
	}
	if err := va.createDevice(); err != nil {
		vk.DestroyInstance(va.instance, nil)
		return nil, err
	}
	if err := va.createCommandPool(); err != nil {
		va.teardownDevice()
		return nil, err
	}
	if err := va.createFence(); err != nil {
		va.teardownDevice()
		return nil, err
	}
	return va, nil
}

func (va *vulkanAccelerator) Name() string { return "vulkan" }

// Synchronize waits on the accelerator's fence, the device stream
// synchronization point spec §5 places "after FFT and map kernels".
// The host-resident FFT/gridding code in packages dsp and imager writes
// into buf's host slice; Synchronize copies that slice into the mapped
// device allocation, submits an empty batch that signals the fence,
// waits for it, and copies the mapped memory back into buf.
func (va *vulkanAccelerator) Synchronize(buf *Buffer) error {
	vb, ok := va.buffers[buf]
	if !ok {
		var err error
		vb, err = va.allocate(buf)
		if err != nil {
			return err
		}
		va.buffers[buf] = vb
	}
	if vb.size != len(buf.data)*16 {
		va.free(vb)
		nvb, err := va.allocate(buf)
		if err != nil {
			return err
		}
		va.buffers[buf] = nvb
		vb = nvb
	}

	if len(buf.data) > 0 {
		dst := unsafe.Slice((*complex128)(vb.mapped), len(buf.data))
		copy(dst, buf.data)
	}

	vk.ResetFences(va.device, 1, []vk.Fence{va.fence})
	if res := vk.QueueSubmit(va.queue, 0, nil, va.fence); res != vk.Success {
		return fmt.Errorf("vkQueueSubmit failed: %d", res)
	}
	if res := vk.QueueWaitIdle(va.queue); res != vk.Success {
		return fmt.Errorf("vkQueueWaitIdle failed: %d", res)
	}
	if res := vk.WaitForFences(va.device, 1, []vk.Fence{va.fence}, vk.True, ^uint64(0)); res != vk.Success {
		return fmt.Errorf("vkWaitForFences failed: %d", res)
	}

	if len(buf.data) > 0 {
		src := unsafe.Slice((*complex128)(vb.mapped), len(buf.data))
		copy(buf.data, src)
	}
	return nil
}

// Close tears down every outstanding buffer plus the instance/device
// pair. Safe to call once, at Pipeline shutdown.
func (va *vulkanAccelerator) Close() error {
	for _, vb := range va.buffers {
		va.free(vb)
	}
	va.buffers = nil
	vk.DestroyFence(va.device, va.fence, nil)
	vk.DestroyCommandPool(va.device, va.pool, nil)
	va.teardownDevice()
	vk.DestroyInstance(va.instance, nil)
	return nil
}

func (va *vulkanAccelerator) selectPhysicalDevice(gpuIndex int) error {
	var count uint32
	vk.EnumeratePhysicalDevices(va.instance, &count, nil)
	if count == 0 {
		return fmt.Errorf("no Vulkan-capable GPUs found")
	}
	devices := make([]vk.PhysicalDevice, count)
	vk.EnumeratePhysicalDevices(va.instance, &count, devices)

	if gpuIndex < 0 || gpuIndex >= int(count) {
		gpuIndex = 0
	}

	for offset := 0; offset < int(count); offset++ {
		dev := devices[(gpuIndex+offset)%int(count)]
		var qfCount uint32
		vk.GetPhysicalDeviceQueueFamilyProperties(dev, &qfCount, nil)
		qfs := make([]vk.QueueFamilyProperties, qfCount)
		vk.GetPhysicalDeviceQueueFamilyProperties(dev, &qfCount, qfs)
		for i, qf := range qfs {
			qf.Deref()
			if qf.QueueFlags&vk.QueueFlags(vk.QueueComputeBit) != 0 {
				va.physicalDevice = dev
				va.queueFamily = uint32(i)
				return nil
			}
		}
	}
	return fmt.Errorf("no GPU with a compute queue found")
}

func (va *vulkanAccelerator) createDevice() error {
	priority := float32(1.0)
	queueInfo := vk.DeviceQueueCreateInfo{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: va.queueFamily,
		QueueCount:       1,
		PQueuePriorities: []float32{priority},
	}
	deviceInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos:    []vk.DeviceQueueCreateInfo{queueInfo},
	}
	var dev vk.Device
	if res := vk.CreateDevice(va.physicalDevice, &deviceInfo, nil, &dev); res != vk.Success {
		return fmt.Errorf("vkCreateDevice failed: %d", res)
	}
	va.device = dev
	var queue vk.Queue
	vk.GetDeviceQueue(dev, va.queueFamily, 0, &queue)
	va.queue = queue
	return nil
}

func (va *vulkanAccelerator) createCommandPool() error {
	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: va.queueFamily,
	}
	var pool vk.CommandPool
	if res := vk.CreateCommandPool(va.device, &poolInfo, nil, &pool); res != vk.Success {
		return fmt.Errorf("vkCreateCommandPool failed: %d", res)
	}
	va.pool = pool
	return nil
}

func (va *vulkanAccelerator) createFence() error {
	fenceInfo := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	var fence vk.Fence
	if res := vk.CreateFence(va.device, &fenceInfo, nil, &fence); res != vk.Success {
		return fmt.Errorf("vkCreateFence failed: %d", res)
	}
	va.fence = fence
	return nil
}

func (va *vulkanAccelerator) teardownDevice() {
	if va.device != nil {
		vk.DestroyDevice(va.device, nil)
	}
}

// allocate creates a host-visible, host-coherent buffer sized to hold
// buf's complex128 elements and maps it for the lifetime of the
// vulkanBuffer, mirroring voodoo_vulkan.go's createStagingBuffer.
func (va *vulkanAccelerator) allocate(buf *Buffer) (*vulkanBuffer, error) {
	size := len(buf.data) * 16 // complex128 = 2 float64
	if size == 0 {
		size = 16
	}

	bufInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit | vk.BufferUsageTransferDstBit | vk.BufferUsageTransferSrcBit),
		SharingMode: vk.SharingModeExclusive,
	}
	var vbuf vk.Buffer
	if res := vk.CreateBuffer(va.device, &bufInfo, nil, &vbuf); res != vk.Success {
		return nil, fmt.Errorf("vkCreateBuffer failed: %d", res)
	}

	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(va.device, vbuf, &req)
	req.Deref()

	memType, err := va.hostVisibleMemoryType(req.MemoryTypeBits)
	if err != nil {
		vk.DestroyBuffer(va.device, vbuf, nil)
		return nil, err
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: memType,
	}
	var mem vk.DeviceMemory
	if res := vk.AllocateMemory(va.device, &allocInfo, nil, &mem); res != vk.Success {
		vk.DestroyBuffer(va.device, vbuf, nil)
		return nil, fmt.Errorf("vkAllocateMemory failed: %d", res)
	}
	if res := vk.BindBufferMemory(va.device, vbuf, mem, 0); res != vk.Success {
		vk.FreeMemory(va.device, mem, nil)
		vk.DestroyBuffer(va.device, vbuf, nil)
		return nil, fmt.Errorf("vkBindBufferMemory failed: %d", res)
	}

	var mapped unsafe.Pointer
	if res := vk.MapMemory(va.device, mem, 0, vk.DeviceSize(size), 0, &mapped); res != vk.Success {
		vk.FreeMemory(va.device, mem, nil)
		vk.DestroyBuffer(va.device, vbuf, nil)
		return nil, fmt.Errorf("vkMapMemory failed: %d", res)
	}

	return &vulkanBuffer{buf: vbuf, mem: mem, size: size, mapped: mapped}, nil
}

func (va *vulkanAccelerator) free(vb *vulkanBuffer) {
	vk.UnmapMemory(va.device, vb.mem)
	vk.FreeMemory(va.device, vb.mem, nil)
	vk.DestroyBuffer(va.device, vb.buf, nil)
}

func (va *vulkanAccelerator) hostVisibleMemoryType(typeBits uint32) (uint32, error) {
	var props vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(va.physicalDevice, &props)
	props.Deref()

	wanted := vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	for i := uint32(0); i < props.MemoryTypeCount; i++ {
		mt := props.MemoryTypes[i]
		mt.Deref()
		if typeBits&(1<<i) != 0 && mt.PropertyFlags&wanted == wanted {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no host-visible, host-coherent memory type found")
}

func safeCString(s string) string {
	return s + "\x00"
}
