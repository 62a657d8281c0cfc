package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
)

var logger = log.New("device")

// minChunk is the smallest number of invocations handed to a single pool task.
const minChunk = 256

type hostBuffer struct {
	dev   *hostDevice
	id    uint32
	label string
	data  []byte
}

func (b *hostBuffer) Address() Address {
	if b.id == 0 {
		return 0
	}
	return MakeAddress(b.id, 0)
}

func (b *hostBuffer) Size() uint64  { return uint64(len(b.data)) }
func (b *hostBuffer) Label() string { return b.label }
func (b *hostBuffer) Release()      { b.dev.releaseBuffer(b.id) }

type hostPipeline struct {
	label     string
	shader    string
	kernel    Kernel
	constants map[string]uint32
	globals   Address
}

func (p *hostPipeline) Label() string { return p.label }
func (p *hostPipeline) Release()      {}

type hostCommand func(d *hostDevice) error

type hostCommands struct {
	dev   *hostDevice
	label string
	cmds  []hostCommand
}

var _ CommandContext = (*hostCommands)(nil)

func (c *hostCommands) Label() string { return c.label }

func (c *hostCommands) Dispatch(p Pipeline, pc PushConstants, x, y, z uint32) {
	hp := c.pipeline(p)
	if hp == nil {
		return
	}
	push := marshalPush(pc)
	c.cmds = append(c.cmds, func(d *hostDevice) error {
		return d.run(hp, push, [3]uint32{x, y, z})
	})
}

func (c *hostCommands) DispatchIndirect(p Pipeline, pc PushConstants, args Address) {
	hp := c.pipeline(p)
	if hp == nil {
		return
	}
	push := marshalPush(pc)
	c.cmds = append(c.cmds, func(d *hostDevice) error {
		b, err := d.Bytes(args, 12)
		if err != nil {
			return fmt.Errorf("indirect dispatch %s: %w", hp.label, err)
		}
		groups := [3]uint32{
			binary.LittleEndian.Uint32(b[0:]),
			binary.LittleEndian.Uint32(b[4:]),
			binary.LittleEndian.Uint32(b[8:]),
		}
		return d.run(hp, push, groups)
	})
}

func (c *hostCommands) FillBuffer(dst Address, size uint64, value uint32) {
	c.cmds = append(c.cmds, func(d *hostDevice) error {
		b, err := d.Bytes(dst, size)
		if err != nil {
			return fmt.Errorf("fill: %w", err)
		}
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], value)
		for i := range b {
			b[i] = word[i&3]
		}
		return nil
	})
}

func (c *hostCommands) WriteBuffer(dst Address, data []byte) {
	staged := append([]byte(nil), data...)
	c.cmds = append(c.cmds, func(d *hostDevice) error {
		return d.WriteBuffer(dst, staged)
	})
}

func (c *hostCommands) CopyBuffer(src, dst Address, size uint64) {
	c.cmds = append(c.cmds, func(d *hostDevice) error {
		from, err := d.Bytes(src, size)
		if err != nil {
			return fmt.Errorf("copy source: %w", err)
		}
		to, err := d.Bytes(dst, size)
		if err != nil {
			return fmt.Errorf("copy destination: %w", err)
		}
		copy(to, from)
		return nil
	})
}

// Barrier is implicit on the host: commands execute in order and each dispatch joins before the next starts.
func (c *hostCommands) Barrier() {}

func (c *hostCommands) WriteTimestamp(dst Address) {
	c.cmds = append(c.cmds, func(d *hostDevice) error {
		b, err := d.Bytes(dst, 8)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		binary.LittleEndian.PutUint64(b, d.now())
		return nil
	})
}

func (c *hostCommands) pipeline(p Pipeline) *hostPipeline {
	if p == nil {
		logger.Debugf("%s: skipping dispatch without pipeline", c.label)
		return nil
	}
	hp, ok := p.(*hostPipeline)
	if !ok || hp == nil {
		logger.Warningf("%s: skipping dispatch with foreign pipeline %T", c.label, p)
		return nil
	}
	return hp
}

func marshalPush(pc PushConstants) []byte {
	if pc == nil {
		return nil
	}
	return pc.Marshal()
}

type hostDevice struct {
	caps  Capabilities
	epoch time.Time
	pool  worker.DynamicWorkerPool

	mu      sync.RWMutex
	buffers map[uint32]*hostBuffer
	nextID  uint32
	used    uint64
}

var _ Device = (*hostDevice)(nil)
var _ Memory = (*hostDevice)(nil)

// NewHostDevice creates a device that executes registered Go kernels on a worker pool.
//
// Parameters:
//   - caps: the limits to report, usually DefaultCapabilities()
//   - workers: the pool size, or 0 for one less than the CPU count
//
// Returns:
//   - Device: the host device
func NewHostDevice(caps Capabilities, workers int) Device {
	if workers <= 0 {
		workers = max(runtime.NumCPU()-1, 1)
	}
	if caps.TimestampPeriod == 0 {
		caps.TimestampPeriod = 1
	}
	logger.Infof("host device %q with %d workers", caps.DeviceName, workers)
	return &hostDevice{
		caps:    caps,
		epoch:   time.Now(),
		pool:    worker.NewDynamicWorkerPool(workers, 256, 1*time.Second),
		buffers: make(map[uint32]*hostBuffer),
		nextID:  1,
	}
}

func (d *hostDevice) Capabilities() Capabilities { return d.caps }

func (d *hostDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	if desc.Size == 0 {
		return &hostBuffer{dev: d, label: desc.Label}, nil
	}
	if desc.Size > 1<<32 {
		return nil, fmt.Errorf("device: buffer %q of %d bytes exceeds the 4 GiB address window", desc.Label, desc.Size)
	}

	// Back with u64 words so every view up to 8-byte alignment is valid.
	words := make([]uint64, common.DivCeil(desc.Size, 8))
	data := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), desc.Size)

	d.mu.Lock()
	defer d.mu.Unlock()
	b := &hostBuffer{dev: d, id: d.nextID, label: desc.Label, data: data}
	d.nextID++
	d.buffers[b.id] = b
	d.used += desc.Size
	logger.Debugf("allocated %s (%d bytes) at %s", desc.Label, desc.Size, b.Address())
	return b, nil
}

func (d *hostDevice) releaseBuffer(id uint32) {
	if id == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[id]; ok {
		d.used -= uint64(len(b.data))
		delete(d.buffers, id)
	}
}

func (d *hostDevice) CreatePipeline(desc PipelineDescriptor) (Pipeline, error) {
	fn, ok := LookupKernel(desc.Shader)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKernelNotFound, desc.Shader)
	}
	label := desc.Label
	if label == "" {
		label = desc.Shader
	}
	return &hostPipeline{label: label, shader: desc.Shader, kernel: fn, constants: desc.Constants, globals: desc.Globals}, nil
}

func (d *hostDevice) BeginCommands(label string) CommandContext {
	return &hostCommands{dev: d, label: label}
}

func (d *hostDevice) Submit(cmd CommandContext) error {
	hc, ok := cmd.(*hostCommands)
	if !ok || hc.dev != d {
		return ErrForeignCommands
	}
	for _, c := range hc.cmds {
		if err := c(d); err != nil {
			return fmt.Errorf("%s: %w", hc.label, err)
		}
	}
	hc.cmds = nil
	return nil
}

func (d *hostDevice) Discard(cmd CommandContext) {
	if hc, ok := cmd.(*hostCommands); ok && hc.dev == d {
		hc.cmds = nil
	}
}

func (d *hostDevice) ReadBuffer(src Address, size uint64) ([]byte, error) {
	b, err := d.Bytes(src, size)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (d *hostDevice) WriteBuffer(dst Address, data []byte) error {
	b, err := d.Bytes(dst, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

func (d *hostDevice) MemoryUsage() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.used
}

func (d *hostDevice) Release() {
	d.pool.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffers = make(map[uint32]*hostBuffer)
	d.used = 0
}

// Bytes resolves an address range to the backing slice.
func (d *hostDevice) Bytes(a Address, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	d.mu.RLock()
	b, ok := d.buffers[a.ID()]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, a)
	}
	off := uint64(a.Offset())
	if off+size > uint64(len(b.data)) {
		return nil, fmt.Errorf("%w: %s+%d exceeds %s (%d bytes)", ErrUnknownAddress, a, size, b.label, len(b.data))
	}
	return b.data[off : off+size : off+size], nil
}

func (d *hostDevice) now() uint64 {
	return uint64(time.Since(d.epoch).Nanoseconds())
}

func (d *hostDevice) run(p *hostPipeline, push []byte, groups [3]uint32) (err error) {
	if groups[0] == 0 || groups[1] == 0 || groups[2] == 0 {
		return nil
	}
	k := &KernelContext{
		Name:      p.shader,
		Push:      push,
		Groups:    groups,
		Constants: p.constants,
		Globals:   p.globals,
		Caps:      d.caps,
		mem:       d,
		parallel:  d.parallel,
		now:       d.now,
	}
	defer func() {
		if r := recover(); r != nil {
			var fault *Fault
			if e, ok := r.(error); ok && errors.As(e, &fault) {
				err = fault
				return
			}
			err = fmt.Errorf("device: kernel %s panicked: %v", p.shader, r)
		}
	}()
	return p.kernel(k)
}

func (d *hostDevice) parallel(n int, fn func(lo, hi int)) {
	chunks := min(common.DivCeil(n, minChunk), d.pool.GetMaxWorkers()*4)
	if chunks <= 1 {
		fn(0, n)
		return
	}
	size := common.DivCeil(n, chunks)

	var (
		wg    sync.WaitGroup
		once  sync.Once
		fault any
	)
	taskID := 0
	for lo := 0; lo < n; lo += size {
		hi := min(lo+size, n)
		wg.Add(1)
		d.pool.SubmitTask(worker.Task{
			ID: taskID,
			Do: func() (any, error) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						once.Do(func() { fault = r })
					}
				}()
				fn(lo, hi)
				return nil, nil
			},
		})
		taskID++
	}
	wg.Wait()
	if fault != nil {
		panic(fault)
	}
}
