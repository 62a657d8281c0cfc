package device

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAddress is returned when an address does not resolve to a live buffer range.
	ErrUnknownAddress = errors.New("device: unknown buffer address")

	// ErrKernelNotFound is returned by the host backend when no kernel is registered under a shader key.
	ErrKernelNotFound = errors.New("device: kernel not found")

	// ErrNoSource is returned by the wgpu backend for a pipeline whose shader has no WGSL source.
	ErrNoSource = errors.New("device: no WGSL source")

	// ErrForeignCommands is returned when a command context is submitted to a device that did not create it.
	ErrForeignCommands = errors.New("device: command context belongs to another device")
)

// Address is an opaque device address: the buffer id in the high word and a byte offset in the low word.
// The zero Address is null.
type Address uint64

// MakeAddress combines a buffer id and byte offset.
func MakeAddress(id, offset uint32) Address {
	return Address(uint64(id)<<32 | uint64(offset))
}

// ID returns the buffer id.
func (a Address) ID() uint32 { return uint32(a >> 32) }

// Offset returns the byte offset into the buffer.
func (a Address) Offset() uint32 { return uint32(a) }

// IsNull reports whether a is the null address.
func (a Address) IsNull() bool { return a == 0 }

// Add offsets the address by n bytes. Adding to null stays null.
func (a Address) Add(n uint64) Address {
	if a == 0 {
		return 0
	}
	return a + Address(n)
}

func (a Address) String() string {
	if a == 0 {
		return "null"
	}
	return fmt.Sprintf("buf%d+%d", a.ID(), a.Offset())
}

// BufferUsage is a set of flags describing how a buffer is used.
type BufferUsage uint32

const (
	// UsageStorage marks a buffer read or written by kernels.
	UsageStorage BufferUsage = 1 << iota

	// UsageIndirect marks a buffer holding indirect dispatch arguments.
	UsageIndirect

	// UsageHostVisible marks a staging buffer that the host maps for reading.
	UsageHostVisible

	// UsageTransfer marks a buffer used as a copy or fill target.
	UsageTransfer
)

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// Buffer is a device allocation.
type Buffer interface {
	// Address returns the base address, or null for a zero-size buffer.
	Address() Address

	// Size returns the allocation size in bytes.
	Size() uint64

	// Label returns the debug label.
	Label() string

	// Release frees the allocation. Releasing twice is a no-op.
	Release()
}

// Capabilities describes the limits of a device. Kernels derive their specialization constants from it.
type Capabilities struct {
	// DeviceName is reported in benchmark output.
	DeviceName string

	// MaxWorkgroupSize is the per-dimension workgroup size limit.
	MaxWorkgroupSize [3]uint32

	// MaxSharedMemory is the workgroup shared memory size in bytes.
	MaxSharedMemory uint32

	// SubgroupSize is the native subgroup width.
	SubgroupSize uint32

	// TimestampPeriod is the number of nanoseconds per timestamp tick.
	TimestampPeriod float32

	// TimestampValidBits is the number of meaningful low bits in a timestamp.
	TimestampValidBits uint32

	// ComputeTracing reports whether the tracer kernels can run on this device.
	ComputeTracing bool
}

// DefaultCapabilities returns the limits reported by the host backend.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		DeviceName:         "host",
		MaxWorkgroupSize:   [3]uint32{1024, 1024, 64},
		MaxSharedMemory:    48 * 1024,
		SubgroupSize:       32,
		TimestampPeriod:    1,
		TimestampValidBits: 64,
		ComputeTracing:     true,
	}
}

// PushConstants is a fixed-layout parameter block passed with a dispatch.
type PushConstants interface {
	// Size returns the wire size in bytes.
	Size() int

	// Marshal encodes the block in its wire layout.
	Marshal() []byte

	// Addresses lists the device addresses the block refers to, in field order.
	Addresses() []Address
}

// PipelineDescriptor describes a compute pipeline.
type PipelineDescriptor struct {
	Label string

	// Shader is the shader key. The host backend looks up a registered kernel under it.
	Shader string

	// Source is the pre-processed WGSL source. Ignored by the host backend.
	Source string

	// EntryPoint is the WGSL entry point. Ignored by the host backend.
	EntryPoint string

	// Bindings lists the storage bindings declared by the shader. Ignored by the host backend.
	Bindings []uint32

	// Constants are the specialization constants.
	Constants map[string]uint32

	// Globals is a buffer bound to every dispatch of the pipeline, the way a descriptor set
	// carries per-frame resources. Null when unused.
	Globals Address
}

// GlobalsBinding is the WGSL binding that receives PipelineDescriptor.Globals.
const GlobalsBinding = 15

// Pipeline is a compiled compute pipeline.
type Pipeline interface {
	Label() string
	Release()
}

// CommandContext records device work. Nothing executes until the context is submitted.
type CommandContext interface {
	// Label returns the debug label given to BeginCommands.
	Label() string

	// Dispatch records a kernel launch over x*y*z workgroups. A nil pipeline records nothing.
	Dispatch(p Pipeline, pc PushConstants, x, y, z uint32)

	// DispatchIndirect records a kernel launch whose workgroup counts are read from three u32 at args.
	DispatchIndirect(p Pipeline, pc PushConstants, args Address)

	// FillBuffer records filling size bytes at dst with the 32-bit value.
	FillBuffer(dst Address, size uint64, value uint32)

	// WriteBuffer records an upload. data is copied at record time.
	WriteBuffer(dst Address, data []byte)

	// CopyBuffer records a device to device copy.
	CopyBuffer(src, dst Address, size uint64)

	// Barrier orders all previously recorded writes before subsequent reads.
	Barrier()

	// WriteTimestamp records writing the current device time as a u64 at dst.
	WriteTimestamp(dst Address)
}

// Device creates resources and executes recorded work.
type Device interface {
	// Capabilities returns the device limits.
	Capabilities() Capabilities

	// CreateBuffer allocates a zero-initialized buffer. A zero size yields a buffer with a null address.
	CreateBuffer(desc BufferDescriptor) (Buffer, error)

	// CreatePipeline compiles a compute pipeline.
	CreatePipeline(desc PipelineDescriptor) (Pipeline, error)

	// BeginCommands starts a new command context.
	BeginCommands(label string) CommandContext

	// Submit executes the recorded work and waits for completion.
	Submit(cmd CommandContext) error

	// Discard drops the recorded work without executing it.
	Discard(cmd CommandContext)

	// ReadBuffer copies size bytes at src back to the host.
	ReadBuffer(src Address, size uint64) ([]byte, error)

	// WriteBuffer uploads data to dst immediately.
	WriteBuffer(dst Address, data []byte) error

	// MemoryUsage returns the total size of live buffers.
	MemoryUsage() uint64

	// Release frees every resource owned by the device.
	Release()
}
