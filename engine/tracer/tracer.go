// Package tracer renders the final hierarchy with a wavefront path tracer: primary rays are
// generated per pixel, then each bounce is traced by persistent workgroups and shaded into the
// next ray buffer. Two further modes visualize the bounding volumes and the traversal cost.
package tracer

import (
	"errors"
	"fmt"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
	"github.com/Carmen-Shannon/oxy-bvh/engine/pipeline"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
)

var logger = log.New("tracer")

const (
	// DefaultPTDepth is the number of bounces traced after the primary hit.
	DefaultPTDepth = 7

	tileSize      = 32
	shadeWorkload = 1024
)

// Samples is the accumulation state of the target image.
type Samples struct {
	// Computed is the number of samples already in the target. 0 restarts the accumulation.
	Computed uint32
	// ToCompute is the number of samples to add this frame. 0 skips the frame.
	ToCompute uint32
}

// Runtime is the per-frame input of Trace.
type Runtime struct {
	Samples Samples
	X, Y    uint32
	// PTDepth is the last bounce traced, clamped to the number of timing slots.
	PTDepth uint32
	// DirLight points towards the light in xyz; w is the intensity.
	DirLight [4]float32

	GeometryDescriptors device.Address
	TriangleCount       uint32
	// Target holds X*Y vec4<f32>: the rgb sum and the sample count of every pixel.
	Target device.Address
	// Camera holds a camera.GPUCamera.
	Camera device.Address
}

// DepthStats is the work of one bounce.
type DepthStats struct {
	RayCount    uint32  `json:"ray_count"`
	TraceTimeMs float64 `json:"trace_time_ms"`
}

// Stats is the traversal report of the last frame.
type Stats struct {
	Depths          [TraceTimeSlots]DepthStats `json:"depths"`
	TestedNodes     uint32                     `json:"tested_nodes"`
	TestedTriangles uint32                     `json:"tested_triangles"`
	TestedBVolumes  uint32                     `json:"tested_bvolumes"`
}

// RayCount sums the rays traced over every bounce.
func (s Stats) RayCount() uint64 {
	var n uint64
	for _, d := range s.Depths {
		n += uint64(d.RayCount)
	}
	return n
}

// MRaysPerSecond returns the primary and secondary trace throughput in millions of rays per second.
func (s Stats) MRaysPerSecond() (primary, secondary float64) {
	mrays := func(rays uint64, ms float64) float64 {
		if ms <= 0 {
			return 0
		}
		return float64(rays) / (ms * 1e3)
	}
	var rays uint64
	var ms float64
	for _, d := range s.Depths[1:] {
		rays += uint64(d.RayCount)
		ms += d.TraceTimeMs
	}
	return mrays(uint64(s.Depths[0].RayCount), s.Depths[0].TraceTimeMs), mrays(rays, ms)
}

// PerRay returns the average number of nodes, triangles and bounding volumes tested by one ray.
func (s Stats) PerRay() (nodes, triangles, volumes float64) {
	n := float64(s.RayCount())
	if n == 0 {
		return 0, 0, 0
	}
	return float64(s.TestedNodes) / n, float64(s.TestedTriangles) / n, float64(s.TestedBVolumes) / n
}

var ErrBVMismatch = errors.New("tracer: hierarchy bounding volume differs from the configured one")

// tracer is the implementation of the Tracer interface.
type tracer struct {
	dev   device.Device
	cache *shader.Cache

	cfg    config.Tracer
	layout config.NodeLayout
	mode   config.VisMode

	reload  bool
	realloc bool

	genPrimary     pipeline.Pipeline
	tracePrimary   pipeline.Pipeline
	traceSecondary pipeline.Pipeline
	shadeAndCast   pipeline.Pipeline

	// set is reset, not grown, whenever the pipelines are rebuilt
	set     *device.Buffers
	globals device.Address

	static       *device.Buffers
	rayMeta      [2]device.Address
	times        device.Address
	timesStaging device.Address
	stats        device.Address

	rays     *device.Buffers
	ray      [2]device.Address
	payload  [2]device.Address
	result   device.Address
	rayCount uint32
}

// Tracer renders a finalized hierarchy into an accumulation image.
type Tracer interface {
	// Trace records one frame. Pipelines are rebuilt when cfg or the hierarchy layout changed, and
	// the ray buffers grow to the image size.
	//
	// Parameters:
	//   - cmd: the command context to record into
	//   - cfg: the tracer configuration
	//   - rt: the frame input
	//   - b: the hierarchy to traverse, in its final layout
	//
	// Returns:
	//   - error: if an allocation failed
	Trace(cmd device.CommandContext, cfg config.Tracer, rt Runtime, b bvh.Bvh) error

	// GetStats reads the report of the last submitted frame.
	//
	// Returns:
	//   - Stats: ray counts and times per bounce, and the traversal counters
	//   - error: if the read back failed
	GetStats() (Stats, error)

	// SetVisualizationMode switches the shader family. A change rebuilds the pipelines and the ray buffers.
	//
	// Parameters:
	//   - m: the mode
	SetVisualizationMode(m config.VisMode)

	// VisualizationMode returns the current mode.
	VisualizationMode() config.VisMode

	// Release frees every buffer and pipeline.
	Release()
}

var _ Tracer = &tracer{}

// NewTracer creates the tracer and its static buffers: both ray metadata blocks, the timing slots
// and the traversal counters.
//
// Parameters:
//   - dev: the device
//   - cache: the shader cache pipelines are built from
//
// Returns:
//   - Tracer: the tracer
func NewTracer(dev device.Device, cache *shader.Cache) Tracer {
	t := &tracer{
		dev:     dev,
		cache:   cache,
		cfg:     config.Tracer{BV: config.BVNone},
		reload:  true,
		realloc: true,
		set:     device.NewBuffers(dev, "tracer set"),
		static:  device.NewBuffers(dev, "tracer"),
		rays:    device.NewBuffers(dev, "tracer rays"),
	}
	storage := device.UsageStorage | device.UsageTransfer
	t.rayMeta[0] = t.static.Alloc("ray metadata 0", SizeRayBufferMetadata, storage)
	t.rayMeta[1] = t.static.Alloc("ray metadata 1", SizeRayBufferMetadata, storage)
	t.times = t.static.Alloc("times", SizeTraceTimes, storage)
	t.timesStaging = t.static.Alloc("times staging", SizeTraceTimes, device.UsageHostVisible|device.UsageTransfer)
	t.stats = t.static.Alloc("stats", SizeTraceStats, storage|device.UsageHostVisible)
	if err := t.static.Err(); err != nil {
		panic("tracer: cannot allocate the static buffers: " + err.Error())
	}
	return t
}

func (t *tracer) SetVisualizationMode(m config.VisMode) {
	if m == t.mode {
		return
	}
	logger.Infof("visualization mode %s", m)
	t.mode = m
	t.reload = true
	t.realloc = true
}

func (t *tracer) VisualizationMode() config.VisMode {
	return t.mode
}

// shaders returns the trace and shade kernels of the current mode.
func (t *tracer) shaders() (trace, shade string) {
	switch t.mode {
	case config.VisBoundingVolumes:
		return t.cfg.Shader.TraceRaysBV, t.cfg.Shader.ShadeAndCastBV
	case config.VisIntersections:
		return t.cfg.Shader.TraceRaysInt, t.cfg.Shader.ShadeAndCastInt
	default:
		return t.cfg.Shader.TraceRays, t.cfg.Shader.ShadeAndCast
	}
}

func (t *tracer) resultSize() uint64 {
	switch t.mode {
	case config.VisBoundingVolumes:
		return SizeRayTraceResultBV
	case config.VisIntersections:
		return SizeRayTraceResultInt
	default:
		return SizeRayTraceResult
	}
}

func (t *tracer) pipelines() []pipeline.Pipeline {
	return []pipeline.Pipeline{t.genPrimary, t.tracePrimary, t.traceSecondary, t.shadeAndCast}
}

// reloadPipelines rebuilds every pipeline against a fresh globals buffer.
func (t *tracer) reloadPipelines() error {
	t.releasePipelines()
	t.set.Release()
	t.globals = t.set.Alloc("globals", SizeTraceGlobals, device.UsageStorage|device.UsageTransfer)
	if err := t.set.Err(); err != nil {
		return err
	}

	traceKey, shadeKey := t.shaders()
	base := map[string]uint32{
		"BV":     uint32(t.cfg.BV),
		"LAYOUT": uint32(t.layout),
	}
	with := func(extra map[string]uint32) pipeline.PipelineBuilderOption {
		c := map[string]uint32{}
		for k, v := range base {
			c[k] = v
		}
		for k, v := range extra {
			c[k] = v
		}
		return pipeline.WithConstants(c)
	}
	global := pipeline.WithGlobals(t.globals)

	t.genPrimary = pipeline.NewPipeline(t.cfg.Shader.GenPrimary, global,
		with(map[string]uint32{"TILE_X": tileSize, "TILE_Y": tileSize}))
	t.tracePrimary = pipeline.NewPipeline(traceKey, global, pipeline.WithLabel(traceKey+" primary"),
		with(map[string]uint32{"WARPS": max(t.cfg.RPrimary.WarpsPerWorkgroup, 1)}))
	t.traceSecondary = pipeline.NewPipeline(traceKey, global, pipeline.WithLabel(traceKey+" secondary"),
		with(map[string]uint32{"WARPS": max(t.cfg.RSecondary.WarpsPerWorkgroup, 1)}))
	t.shadeAndCast = pipeline.NewPipeline(shadeKey, global,
		with(map[string]uint32{"SIZE_WORKGROUP": shadeWorkload}))

	for _, p := range t.pipelines() {
		if _, err := p.Update(t.dev, t.cache); err != nil {
			logger.Errorf("pipeline %s: %v", p.PipelineKey(), err)
		}
	}
	t.reload = false
	logger.Debugf("pipelines rebuilt for %s in the %s layout, mode %s", t.cfg.BV, t.layout, t.mode)
	return nil
}

// checkForShaderHotReload polls every pipeline and reports whether any was rebuilt.
func (t *tracer) checkForShaderHotReload() bool {
	updated := false
	for _, p := range t.pipelines() {
		if p == nil {
			continue
		}
		rebuilt, err := p.Update(t.dev, t.cache)
		if err != nil {
			logger.Errorf("pipeline %s: %v", p.PipelineKey(), err)
		}
		updated = updated || rebuilt
	}
	if updated {
		logger.Infof("tracer shaders reloaded")
	}
	return updated
}

func (t *tracer) reallocRays(count uint32) error {
	t.rays.Release()
	n := uint64(count)
	storage := device.UsageStorage
	for i := range 2 {
		t.ray[i] = t.rays.Alloc(fmt.Sprintf("rays %d", i), n*SizeRay, storage)
		t.payload[i] = t.rays.Alloc(fmt.Sprintf("payloads %d", i), n*SizeRayPayload, storage)
	}
	t.result = t.rays.Alloc("results", n*t.resultSize(), storage)
	if err := t.rays.Err(); err != nil {
		t.rays.Release()
		t.rayCount = 0
		return err
	}
	t.rayCount = count
	t.realloc = false
	logger.Debugf("ray buffers for %d rays, %d bytes", count, t.rays.Size())
	return nil
}

func (t *tracer) Trace(cmd device.CommandContext, cfg config.Tracer, rt Runtime, b bvh.Bvh) error {
	if cfg != t.cfg || b.Layout != t.layout {
		t.cfg = cfg
		t.layout = b.Layout
		t.reload = true
	}
	if t.cfg.BV == config.BVNone || !b.IsValid() || rt.Samples.ToCompute == 0 {
		return nil
	}
	if b.BV != t.cfg.BV {
		logger.Warningf("%v: %s, configured %s", ErrBVMismatch, b.BV, t.cfg.BV)
		return nil
	}
	if !t.dev.Capabilities().ComputeTracing {
		logger.Warningf("device %s cannot run the tracer", t.dev.Capabilities().DeviceName)
		return nil
	}

	if t.reload {
		if err := t.reloadPipelines(); err != nil {
			return err
		}
	} else {
		t.checkForShaderHotReload()
	}
	if count := rt.X * rt.Y; count > t.rayCount || t.realloc {
		if err := t.reallocRays(count); err != nil {
			return err
		}
	}

	depthMax := min(rt.PTDepth, TraceTimeSlots-1)
	if t.mode != config.VisPathTracing {
		depthMax = 0
	}
	t.setUpdate(cmd, rt, b)

	cmd.FillBuffer(t.stats, SizeTraceStats, 0)
	cmd.FillBuffer(t.rayMeta[0], SizeRayBufferMetadata, 0)
	cmd.FillBuffer(t.rayMeta[1], SizeRayBufferMetadata, 0)
	// every slot is reset so depths beyond this frame's range read back as empty
	for depth := range TraceTimeSlots {
		slot := t.times.Add(uint64(depth) * SizeTraceTime)
		cmd.FillBuffer(slot, 8, 0xFFFFFFFF)
		cmd.FillBuffer(slot.Add(8), 8, 0)
	}
	cmd.Barrier()

	cmd.Dispatch(t.genPrimary.Handle(), PCGenPrimary{
		RayMeta:                   t.rayMeta[0],
		Ray:                       t.ray[0],
		Payload:                   t.payload[0],
		SamplesComputed:           rt.Samples.Computed,
		SamplesToComputeThisFrame: rt.Samples.ToCompute,
	}, common.DivCeil(rt.X, tileSize), common.DivCeil(rt.Y, tileSize), 1)
	cmd.Barrier()

	for depth := range depthMax + 1 {
		read, write := depth%2, (depth+1)%2
		pc := PCTrace{
			RayMeta:         t.rayMeta[read],
			Ray:             t.ray[read],
			TraceResult:     t.result,
			Bvh:             b.Nodes,
			Triangles:       b.Triangles,
			TriangleIndices: b.TriangleIDs,
			Aux:             b.Aux,
			TraceTime:       t.times.Add(uint64(depth) * SizeTraceTime),
			TraceStats:      t.stats,
		}
		if t.mode == config.VisBoundingVolumes {
			pc.WithDepth = true
			if !t.cfg.BVRenderTriangles {
				pc.BVDepth = t.cfg.BVDepth
			}
		}
		if depth == 0 {
			cmd.Dispatch(t.tracePrimary.Handle(), pc, t.cfg.RPrimary.WorkgroupCount, 1, 1)
		} else {
			cmd.Dispatch(t.traceSecondary.Handle(), pc, t.cfg.RSecondary.WorkgroupCount, 1, 1)
		}
		cmd.Barrier()

		cmd.FillBuffer(t.rayMeta[write], SizeRayBufferMetadata, 0)
		cmd.Barrier()
		cmd.Dispatch(t.shadeAndCast.Handle(), PCShadeCast{
			DirLight:           rt.DirLight,
			ReadRayMeta:        t.rayMeta[read],
			ReadRay:            t.ray[read],
			ReadPayload:        t.payload[read],
			WriteRayMeta:       t.rayMeta[write],
			WriteRay:           t.ray[write],
			WritePayload:       t.payload[write],
			TraceResult:        t.result,
			GeometryDescriptor: rt.GeometryDescriptors,
			TriangleIndices:    b.TriangleIDs,
			Depth:              depth,
			DepthMax:           depthMax,
			SamplesComputed:    rt.Samples.Computed,
		}, common.DivCeil(t.rayCount, shadeWorkload), 1, 1)
		cmd.Barrier()
	}

	cmd.CopyBuffer(t.times, t.timesStaging, SizeTraceTimes)
	return nil
}

// setUpdate writes the frame's bindings into the globals buffer.
func (t *tracer) setUpdate(cmd device.CommandContext, rt Runtime, b bvh.Bvh) {
	cmd.WriteBuffer(t.globals, TraceGlobals{
		Target:        rt.Target,
		Camera:        rt.Camera,
		Width:         rt.X,
		Height:        rt.Y,
		NodeCount:     b.NodeCountTotal,
		TriangleCount: rt.TriangleCount,
	}.Marshal())
}

func (t *tracer) GetStats() (Stats, error) {
	var s Stats
	raw, err := t.dev.ReadBuffer(t.timesStaging, SizeTraceTimes)
	if err != nil {
		return s, fmt.Errorf("tracer: read times: %w", err)
	}
	caps := t.dev.Capabilities()
	mask := uint64(1)<<min(caps.TimestampValidBits, 63) - 1
	if caps.TimestampValidBits >= 64 {
		mask = ^uint64(0)
	}
	for i, tt := range common.BytesToSlice[TraceTime](raw) {
		s.Depths[i] = DepthStats{
			RayCount:    tt.RayCount,
			TraceTimeMs: float64(uint64(tt.Timer)&mask) * float64(caps.TimestampPeriod) * 1e-6,
		}
	}
	raw, err = t.dev.ReadBuffer(t.stats, SizeTraceStats)
	if err != nil {
		return s, fmt.Errorf("tracer: read stats: %w", err)
	}
	ts := common.BytesToSlice[TraceStats](raw)[0]
	s.TestedNodes, s.TestedTriangles, s.TestedBVolumes = ts.TestedNodes, ts.TestedTriangles, ts.TestedBVolumes
	return s, nil
}

func (t *tracer) releasePipelines() {
	for _, p := range t.pipelines() {
		if p != nil {
			p.Release()
		}
	}
	t.genPrimary, t.tracePrimary, t.traceSecondary, t.shadeAndCast = nil, nil, nil, nil
}

func (t *tracer) Release() {
	t.releasePipelines()
	t.set.Release()
	t.rays.Release()
	t.static.Release()
	t.rayCount = 0
}
