package device

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/cogentcore/webgpu/wgpu"
)

// pushBinding is the binding of the uniform buffer that carries the push block.
const pushBinding = 0

type wgpuBuffer struct {
	dev    *wgpuDevice
	id     uint32
	label  string
	size   uint64
	buffer *wgpu.Buffer
}

func (b *wgpuBuffer) Address() Address {
	if b.id == 0 {
		return 0
	}
	return MakeAddress(b.id, 0)
}

func (b *wgpuBuffer) Size() uint64  { return b.size }
func (b *wgpuBuffer) Label() string { return b.label }
func (b *wgpuBuffer) Release()      { b.dev.releaseBuffer(b.id) }

type wgpuPipeline struct {
	label    string
	pipeline *wgpu.ComputePipeline
	layout   *wgpu.BindGroupLayout
	bindings []uint32
	globals  Address
}

func (p *wgpuPipeline) Label() string { return p.label }

func (p *wgpuPipeline) Release() {
	if p.layout != nil {
		p.layout.Release()
	}
	if p.pipeline != nil {
		p.pipeline.Release()
	}
}

type wgpuCommands struct {
	dev     *wgpuDevice
	label   string
	encoder *wgpu.CommandEncoder
	scratch []*wgpu.Buffer
	groups  []*wgpu.BindGroup
	err     error
}

var _ CommandContext = (*wgpuCommands)(nil)

func (c *wgpuCommands) Label() string { return c.label }

func (c *wgpuCommands) Dispatch(p Pipeline, pc PushConstants, x, y, z uint32) {
	wp := c.pipeline(p)
	if wp == nil || c.err != nil {
		return
	}
	group, err := c.bindGroup(wp, pc)
	if err != nil {
		c.err = err
		return
	}
	pass := c.encoder.BeginComputePass(nil)
	pass.SetPipeline(wp.pipeline)
	pass.SetBindGroup(0, group, nil)
	pass.DispatchWorkgroups(x, y, z)
	pass.End()
}

func (c *wgpuCommands) DispatchIndirect(p Pipeline, pc PushConstants, args Address) {
	wp := c.pipeline(p)
	if wp == nil || c.err != nil {
		return
	}
	buf, err := c.dev.lookup(args)
	if err != nil {
		c.err = err
		return
	}
	group, err := c.bindGroup(wp, pc)
	if err != nil {
		c.err = err
		return
	}
	pass := c.encoder.BeginComputePass(nil)
	pass.SetPipeline(wp.pipeline)
	pass.SetBindGroup(0, group, nil)
	pass.DispatchWorkgroupsIndirect(buf.buffer, uint64(args.Offset()))
	pass.End()
}

func (c *wgpuCommands) FillBuffer(dst Address, size uint64, value uint32) {
	if c.err != nil || size == 0 {
		return
	}
	buf, err := c.dev.lookup(dst)
	if err != nil {
		c.err = err
		return
	}
	if value == 0 {
		c.encoder.ClearBuffer(buf.buffer, uint64(dst.Offset()), size)
		return
	}
	words := make([]uint32, common.DivCeil(size, 4))
	for i := range words {
		words[i] = value
	}
	c.stage(buf, dst, common.SliceToBytes(words)[:size])
}

func (c *wgpuCommands) WriteBuffer(dst Address, data []byte) {
	if c.err != nil || len(data) == 0 {
		return
	}
	buf, err := c.dev.lookup(dst)
	if err != nil {
		c.err = err
		return
	}
	c.stage(buf, dst, data)
}

func (c *wgpuCommands) CopyBuffer(src, dst Address, size uint64) {
	if c.err != nil || size == 0 {
		return
	}
	from, err := c.dev.lookup(src)
	if err != nil {
		c.err = err
		return
	}
	to, err := c.dev.lookup(dst)
	if err != nil {
		c.err = err
		return
	}
	c.encoder.CopyBufferToBuffer(from.buffer, uint64(src.Offset()), to.buffer, uint64(dst.Offset()), size)
}

// Barrier is implicit between compute passes.
func (c *wgpuCommands) Barrier() {}

// WriteTimestamp zeroes the slot. Timestamp queries inside passes are not exposed by this backend.
func (c *wgpuCommands) WriteTimestamp(dst Address) {
	c.FillBuffer(dst, 8, 0)
}

func (c *wgpuCommands) pipeline(p Pipeline) *wgpuPipeline {
	if p == nil {
		logger.Debugf("%s: skipping dispatch without pipeline", c.label)
		return nil
	}
	wp, ok := p.(*wgpuPipeline)
	if !ok || wp == nil || wp.pipeline == nil {
		logger.Warningf("%s: skipping dispatch with unusable pipeline %T", c.label, p)
		return nil
	}
	return wp
}

// stage uploads data through a scratch buffer so the copy is ordered with the rest of the encoder.
func (c *wgpuCommands) stage(dst *wgpuBuffer, addr Address, data []byte) {
	size := common.DivCeil(uint64(len(data)), 4) * 4
	scratch, err := c.dev.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: c.label + " Staging Buffer",
		Size:  size,
		Usage: wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		c.err = err
		return
	}
	padded := make([]byte, size)
	copy(padded, data)
	c.dev.queue.WriteBuffer(scratch, 0, padded)
	c.encoder.CopyBufferToBuffer(scratch, 0, dst.buffer, uint64(addr.Offset()), size)
	c.scratch = append(c.scratch, scratch)
}

// bindGroup binds the push block as a uniform at binding 0 and every referenced buffer at bindings 1..n.
// Buffers are bound whole; shaders add the low word of each address as a byte offset.
func (c *wgpuCommands) bindGroup(p *wgpuPipeline, pc PushConstants) (*wgpu.BindGroup, error) {
	var push []byte
	var addrs []Address
	if pc != nil {
		push = pc.Marshal()
		addrs = pc.Addresses()
	}

	uniformSize := max(common.DivCeil(uint64(len(push)), 16)*16, 16)
	uniform, err := c.dev.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: p.label + " Push Buffer",
		Size:  uniformSize,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	c.scratch = append(c.scratch, uniform)
	padded := make([]byte, uniformSize)
	copy(padded, push)
	c.dev.queue.WriteBuffer(uniform, 0, padded)

	entries := []wgpu.BindGroupEntry{{
		Binding: pushBinding,
		Buffer:  uniform,
		Offset:  0,
		Size:    wgpu.WholeSize,
	}}
	for i, a := range addrs {
		binding := uint32(i + 1)
		if !slices.Contains(p.bindings, binding) {
			continue
		}
		buf := c.dev.dummy
		if !a.IsNull() {
			b, err := c.dev.lookup(a)
			if err != nil {
				return nil, fmt.Errorf("%s binding %d: %w", p.label, binding, err)
			}
			buf = b.buffer
		}
		entries = append(entries, wgpu.BindGroupEntry{
			Binding: binding,
			Buffer:  buf,
			Offset:  0,
			Size:    wgpu.WholeSize,
		})
	}

	if !p.globals.IsNull() && slices.Contains(p.bindings, GlobalsBinding) {
		g, err := c.dev.lookup(p.globals)
		if err != nil {
			return nil, fmt.Errorf("%s globals: %w", p.label, err)
		}
		entries = append(entries, wgpu.BindGroupEntry{
			Binding: GlobalsBinding,
			Buffer:  g.buffer,
			Offset:  0,
			Size:    wgpu.WholeSize,
		})
	}

	group, err := c.dev.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   p.label + " Bind Group",
		Layout:  p.layout,
		Entries: entries,
	})
	if err != nil {
		return nil, err
	}
	c.groups = append(c.groups, group)
	return group, nil
}

func (c *wgpuCommands) release() {
	for _, g := range c.groups {
		g.Release()
	}
	for _, s := range c.scratch {
		s.Release()
	}
	c.groups, c.scratch = nil, nil
	if c.encoder != nil {
		c.encoder.Release()
		c.encoder = nil
	}
}

type wgpuDevice struct {
	mu       sync.Mutex
	caps     Capabilities
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	dummy    *wgpu.Buffer

	buffers map[uint32]*wgpuBuffer
	nextID  uint32
	used    uint64
}

var _ Device = (*wgpuDevice)(nil)

// NewWGPUDevice opens a headless WebGPU device.
//
// Parameters:
//   - forceFallbackAdapter: request the software adapter
//
// Returns:
//   - Device: the WebGPU device
//   - error: if no adapter or device could be acquired
func NewWGPUDevice(forceFallbackAdapter bool) (Device, error) {
	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		ForceFallbackAdapter: forceFallbackAdapter,
		PowerPreference:      wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("device: request adapter: %w", err)
	}

	limits := wgpu.DefaultLimits()
	d, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label: "BVH Device",
		RequiredLimits: &wgpu.RequiredLimits{
			Limits: limits,
		},
	})
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("device: request device: %w", err)
	}

	dummy, err := d.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Null Binding Buffer",
		Size:  16,
		Usage: wgpu.BufferUsageStorage,
	})
	if err != nil {
		d.Release()
		adapter.Release()
		instance.Release()
		return nil, err
	}

	caps := Capabilities{
		DeviceName: "wgpu",
		MaxWorkgroupSize: [3]uint32{
			limits.MaxComputeWorkgroupSizeX,
			limits.MaxComputeWorkgroupSizeY,
			limits.MaxComputeWorkgroupSizeZ,
		},
		MaxSharedMemory: limits.MaxComputeWorkgroupStorageSize,
		SubgroupSize:    32,
		TimestampPeriod: 1,
	}
	logger.Infof("wgpu device ready (workgroup %v, shared %d bytes)", caps.MaxWorkgroupSize, caps.MaxSharedMemory)

	return &wgpuDevice{
		caps:     caps,
		instance: instance,
		adapter:  adapter,
		device:   d,
		queue:    d.GetQueue(),
		dummy:    dummy,
		buffers:  make(map[uint32]*wgpuBuffer),
		nextID:   1,
	}, nil
}

func (d *wgpuDevice) Capabilities() Capabilities { return d.caps }

func (d *wgpuDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	if desc.Size == 0 {
		return &wgpuBuffer{dev: d, label: desc.Label}, nil
	}
	usage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	if desc.Usage&UsageIndirect != 0 {
		usage |= wgpu.BufferUsageIndirect
	}
	size := common.DivCeil(desc.Size, 4) * 4
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	b := &wgpuBuffer{dev: d, id: d.nextID, label: desc.Label, size: desc.Size, buffer: buf}
	d.nextID++
	d.buffers[b.id] = b
	d.used += desc.Size
	return b, nil
}

func (d *wgpuDevice) releaseBuffer(id uint32) {
	if id == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[id]; ok {
		b.buffer.Release()
		d.used -= b.size
		delete(d.buffers, id)
	}
}

func (d *wgpuDevice) lookup(a Address) (*wgpuBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[a.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, a)
	}
	return b, nil
}

// CreatePipeline compiles WGSL. A descriptor without source is an error.
func (d *wgpuDevice) CreatePipeline(desc PipelineDescriptor) (Pipeline, error) {
	if desc.Source == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, desc.Shader)
	}
	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: desc.Shader,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: desc.Source,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("device: compile %s: %w", desc.Shader, err)
	}
	defer module.Release()

	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}
	created, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: desc.Shader + " Compute Pipeline",
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: entry,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("device: pipeline %s: %w", desc.Shader, err)
	}
	label := desc.Label
	if label == "" {
		label = desc.Shader
	}
	return &wgpuPipeline{
		label:    label,
		pipeline: created,
		layout:   created.GetBindGroupLayout(0),
		bindings: desc.Bindings,
		globals:  desc.Globals,
	}, nil
}

func (d *wgpuDevice) BeginCommands(label string) CommandContext {
	c := &wgpuCommands{dev: d, label: label}
	encoder, err := d.device.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: label})
	if err != nil {
		c.err = err
		return c
	}
	c.encoder = encoder
	return c
}

func (d *wgpuDevice) Submit(cmd CommandContext) error {
	c, ok := cmd.(*wgpuCommands)
	if !ok || c.dev != d {
		return ErrForeignCommands
	}
	defer c.release()
	if c.err != nil {
		return fmt.Errorf("%s: %w", c.label, c.err)
	}
	if c.encoder == nil {
		// discarded
		return nil
	}

	commandBuffer, err := c.encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("%s: %w", c.label, err)
	}
	defer commandBuffer.Release()
	d.queue.Submit(commandBuffer)
	d.device.Poll(true, nil)
	return nil
}

func (d *wgpuDevice) Discard(cmd CommandContext) {
	if c, ok := cmd.(*wgpuCommands); ok && c.dev == d {
		c.release()
	}
}

func (d *wgpuDevice) ReadBuffer(src Address, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf, err := d.lookup(src)
	if err != nil {
		return nil, err
	}
	aligned := common.DivCeil(size, 4) * 4
	staging, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: buf.label + " Readback Buffer",
		Size:  aligned,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	defer staging.Release()

	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	encoder.CopyBufferToBuffer(buf.buffer, uint64(src.Offset()), staging, 0, aligned)
	commandBuffer, err := encoder.Finish(nil)
	encoder.Release()
	if err != nil {
		return nil, err
	}
	d.queue.Submit(commandBuffer)
	commandBuffer.Release()

	var status wgpu.BufferMapAsyncStatus
	done := false
	staging.MapAsync(wgpu.MapModeRead, 0, aligned, func(s wgpu.BufferMapAsyncStatus) {
		status = s
		done = true
	})
	d.device.Poll(true, nil)
	if !done || status != wgpu.BufferMapAsyncStatusSuccess {
		return nil, errors.New("device: readback mapping failed")
	}
	out := append([]byte(nil), staging.GetMappedRange(0, uint(aligned))[:size]...)
	staging.Unmap()
	return out, nil
}

func (d *wgpuDevice) WriteBuffer(dst Address, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	buf, err := d.lookup(dst)
	if err != nil {
		return err
	}
	padded := make([]byte, common.DivCeil(len(data), 4)*4)
	copy(padded, data)
	d.queue.WriteBuffer(buf.buffer, uint64(dst.Offset()), padded)
	return nil
}

func (d *wgpuDevice) MemoryUsage() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

func (d *wgpuDevice) Release() {
	d.mu.Lock()
	for id, b := range d.buffers {
		b.buffer.Release()
		delete(d.buffers, id)
	}
	d.used = 0
	d.mu.Unlock()

	d.dummy.Release()
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
}
