// Package transformation refits every node of a hierarchy with a different bounding volume: a DOP14,
// a DiTO oriented box or a slab-oriented box. The topology and the triangles are left untouched.
package transformation

import (
	"errors"
	"fmt"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
	"github.com/Carmen-Shannon/oxy-bvh/engine/pipeline"
	"github.com/Carmen-Shannon/oxy-bvh/engine/scene"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
)

var logger = log.New("transformation")

const (
	// Name is the stage name used in logs and stats.
	Name = "transformation"

	maxWorkgroupSize = 512
	minOBBWorkgroups = 2048

	timestampCount = 2
	offsetTimes    = timestampCount * 8
	sizeStaging    = offsetTimes + timingSlots*8
)

var (
	ErrUnsupportedBV    = errors.New("transformation: unsupported target bounding volume")
	ErrInputLayout      = errors.New("transformation: input must be a Default-layout hierarchy")
	ErrSceneNotUploaded = errors.New("transformation: scene is not uploaded")
)

// obbSteps names the phases the OBB kernel stamps.
var obbSteps = []string{"leaves", "internal nodes", "write nodes", "validate"}

// transformation is the implementation of the Transformation interface.
type transformation struct {
	dev   device.Device
	cache *shader.Cache

	cfg       config.Transformation
	recreate  bool
	builtFor  config.BV
	transform pipeline.Pipeline

	output       *device.Buffers
	intermediate *device.Buffers

	nodes      device.Address
	times      device.Address
	timestamps device.Address
	staging    device.Address

	input     bvh.Bvh
	stepTimes []bvh.StageTime
	ready     bool
}

// Transformation is the third build stage. It reads a Default-layout hierarchy of any bounding volume
// and writes one whose nodes carry the configured target volume. Triangles are shared with the input.
type Transformation interface {
	// Name returns the stage name.
	Name() string

	// BV returns the configured target bounding volume.
	BV() config.BV

	// NeedsRecompute stores the stage's part of cfg and reports whether it changed to something buildable.
	//
	// Parameters:
	//   - cfg: the full pipeline configuration
	//
	// Returns:
	//   - bool: true if the stored configuration changed and its bv is not None
	NeedsRecompute(cfg config.BVHPipeline) bool

	// Compute allocates the output nodes and records the refit of input.
	//
	// Parameters:
	//   - cmd: the command context to record into
	//   - input: a Default-layout hierarchy
	//   - sc: the scene the hierarchy's triangle ids refer to
	//
	// Returns:
	//   - error: if the target is unsupported, the input or scene is not usable, or an allocation fails
	Compute(cmd device.CommandContext, input bvh.Bvh, sc scene.Scene) error

	// ReadRuntimeData reads the timings of the last submitted Compute. Counts never change.
	//
	// Returns:
	//   - error: if the read back failed
	ReadRuntimeData() error

	// GetBVH returns the refitted hierarchy, or the zero Bvh before ReadRuntimeData.
	GetBVH() bvh.Bvh

	// CheckForShaderHotReload rebuilds the pipeline if its shader changed.
	//
	// Returns:
	//   - bool: true if the pipeline was rebuilt
	CheckForShaderHotReload() bool

	FreeIntermediate()
	FreeAll()

	// GatherStats combines the stage's counts and timings with the stats of its output.
	GatherStats(s bvh.BvhStats) bvh.StageStats

	Release()
}

var _ Transformation = &transformation{}

// NewTransformation creates the stage. The pipeline is built by the first Compute.
//
// Parameters:
//   - dev: the device
//   - cache: the shader cache the pipeline is built from
//
// Returns:
//   - Transformation: the stage
func NewTransformation(dev device.Device, cache *shader.Cache) Transformation {
	return &transformation{
		dev:          dev,
		cache:        cache,
		cfg:          config.Transformation{BV: config.BVNone},
		output:       device.NewBuffers(dev, "transformation"),
		intermediate: device.NewBuffers(dev, "transformation intermediate"),
	}
}

// Supported reports whether bv is a target the stage can produce.
func Supported(bv config.BV) bool {
	return bv == config.BVDOP14 || bv == config.BVOBB || bv.IsSOBBd() || bv.IsSOBBi()
}

func (t *transformation) Name() string { return Name }

func (t *transformation) BV() config.BV { return t.cfg.BV }

func (t *transformation) NeedsRecompute(cfg config.BVHPipeline) bool {
	changed := cfg.Transformation != t.cfg
	t.cfg = cfg.Transformation
	if changed {
		t.recreate = true
	}
	return changed && t.cfg.BV != config.BVNone
}

func (t *transformation) workgroupSize() uint32 {
	return min(maxWorkgroupSize, t.dev.Capabilities().MaxWorkgroupSize[0])
}

func (t *transformation) Compute(cmd device.CommandContext, input bvh.Bvh, sc scene.Scene) error {
	t.FreeAll()
	target := t.cfg.BV
	if target == config.BVNone {
		return nil
	}
	if !Supported(target) {
		return fmt.Errorf("%w: %s", ErrUnsupportedBV, target)
	}
	if !input.IsValid() || input.Layout != config.LayoutDefault || bvh.NodeSize(input.BV) == 0 {
		return fmt.Errorf("%w: %s", ErrInputLayout, input)
	}
	if sc == nil || !sc.Uploaded() {
		return ErrSceneNotUploaded
	}
	t.input = input
	t.reload(input.BV)
	if err := pipeline.Ready(t.transform); err != nil {
		return fmt.Errorf("transformation: %w", err)
	}

	total := uint64(input.NodeCountTotal)
	leaves := uint64(input.NodeCountLeaf)
	storage := device.UsageStorage
	t.nodes = t.output.Alloc("nodes", total*bvh.NodeSize(target), storage)
	counters := t.intermediate.Alloc("counters", total*4, storage)
	t.timestamps = t.intermediate.Alloc("timestamps", timestampCount*8, storage|device.UsageTransfer)
	t.staging = t.intermediate.Alloc("staging", sizeStaging, device.UsageHostVisible|device.UsageTransfer)

	wg := t.workgroupSize()
	groups := common.DivCeil(input.NodeCountLeaf, wg)
	var pc device.PushConstants
	var scheduler device.Address
	switch {
	case target == config.BVDOP14:
		pc = PCTransformToDOP{
			Bvh:                input.Nodes,
			BvhTriangleIndices: input.TriangleIDs,
			Geometries:         sc.GeometryDescriptors(),
			BvhOut:             t.nodes,
			Counters:           counters,
			NodeCountTotal:     input.NodeCountTotal,
			NodeCountLeaf:      input.NodeCountLeaf,
		}
	case target == config.BVOBB:
		scheduler = t.intermediate.Alloc("scheduler", schedulerWords*4, storage)
		t.times = t.intermediate.Alloc("times", timingSlots*8, storage|device.UsageTransfer)
		pc = PCTransformToOBB{
			Bvh:                input.Nodes,
			BvhTriangleIndices: input.TriangleIDs,
			Geometries:         sc.GeometryDescriptors(),
			BvhOut:             t.nodes,
			Counters:           counters,
			DitoPoints:         t.intermediate.Alloc("dito points", sizeDitoPoints*total, storage),
			OBB:                t.intermediate.Alloc("obb", sizeOBBFit*total, storage),
			Scheduler:          scheduler,
			Times:              t.times,
			NodeCountTotal:     input.NodeCountTotal,
		}
		groups = max(minOBBWorkgroups, groups)
	default:
		dopSize := target.DOPSize()
		pc = PCTransformToSOBB{
			Bvh:                input.Nodes,
			BvhTriangleIndices: input.TriangleIDs,
			Geometries:         sc.GeometryDescriptors(),
			BvhOut:             t.nodes,
			Counters:           counters,
			BaseDOP:            t.intermediate.Alloc("base dop", 4*uint64(dopSize)*leaves, storage),
			DOPRef:             t.intermediate.Alloc("dop ref", 4*total, storage),
			NodeCountTotal:     input.NodeCountTotal,
			NodeCountLeaf:      input.NodeCountLeaf,
			DOPSize:            dopSize,
		}
	}
	if err := errors.Join(t.output.Err(), t.intermediate.Err()); err != nil {
		t.FreeAll()
		return err
	}

	cmd.FillBuffer(counters, total*4, 0)
	if !scheduler.IsNull() {
		cmd.FillBuffer(scheduler, schedulerWords*4, 0)
		cmd.FillBuffer(t.times, timingSlots*8, 0)
	}
	cmd.Barrier()

	cmd.WriteTimestamp(t.timestamps)
	cmd.Dispatch(t.transform.Handle(), pc, groups, 1, 1)
	cmd.Barrier()
	cmd.WriteTimestamp(t.timestamps.Add(8))

	cmd.CopyBuffer(t.timestamps, t.staging, timestampCount*8)
	if !t.times.IsNull() {
		cmd.CopyBuffer(t.times, t.staging.Add(offsetTimes), timingSlots*8)
	}
	return nil
}

// reload rebuilds the pipeline when the configuration or the input volume changed, then polls the shader version.
func (t *transformation) reload(in config.BV) bool {
	if t.recreate || t.transform == nil || t.builtFor != in {
		t.releasePipeline()
		t.transform = pipeline.NewPipeline(t.cfg.Shader.Transform,
			pipeline.WithConstant("SIZE_WORKGROUP", t.workgroupSize()),
			pipeline.WithConstant("TARGET", uint32(t.cfg.BV)),
			pipeline.WithConstant("BV_IN", uint32(in)),
			pipeline.WithLabel(fmt.Sprintf("transform %s to %s", in, t.cfg.BV)),
		)
		t.builtFor = in
		t.recreate = false
	}
	rebuilt, err := t.transform.Update(t.dev, t.cache)
	if err != nil {
		logger.Errorf("pipeline %s: %v", t.transform.PipelineKey(), err)
	}
	return rebuilt
}

func (t *transformation) ReadRuntimeData() error {
	if t.staging.IsNull() {
		return nil
	}
	raw, err := t.dev.ReadBuffer(t.staging, sizeStaging)
	if err != nil {
		return fmt.Errorf("transformation: read runtime data: %w", err)
	}
	period := t.dev.Capabilities().TimestampPeriod
	if t.times.IsNull() {
		t.stepTimes = bvh.StageTimes([]string{"transform"}, common.BytesToSlice[uint64](raw[:offsetTimes]), period)
	} else {
		t.stepTimes = bvh.StageTimes(obbSteps, common.BytesToSlice[uint64](raw[offsetTimes:]), period)
	}
	t.ready = true
	logger.Debugf("refitted %d nodes from %s to %s", t.input.NodeCountTotal, t.input.BV, t.cfg.BV)
	return nil
}

func (t *transformation) GetBVH() bvh.Bvh {
	if !t.ready {
		return bvh.Bvh{}
	}
	return bvh.Bvh{
		Nodes:          t.nodes,
		Triangles:      t.input.Triangles,
		TriangleIDs:    t.input.TriangleIDs,
		NodeCountLeaf:  t.input.NodeCountLeaf,
		NodeCountTotal: t.input.NodeCountTotal,
		BV:             t.cfg.BV,
		Layout:         config.LayoutDefault,
	}
}

func (t *transformation) CheckForShaderHotReload() bool {
	if t.cfg.BV == config.BVNone || t.transform == nil {
		return false
	}
	return t.reload(t.builtFor)
}

func (t *transformation) FreeIntermediate() {
	t.intermediate.Release()
	t.times, t.timestamps, t.staging = 0, 0, 0
}

func (t *transformation) FreeAll() {
	t.FreeIntermediate()
	t.output.Release()
	t.nodes = 0
	t.ready = false
}

func (t *transformation) GatherStats(s bvh.BvhStats) bvh.StageStats {
	st := bvh.StageStats{
		Stage:  Name,
		Times:  t.stepTimes,
		Bvh:    s,
		Memory: t.output.Size() + t.intermediate.Size(),
	}
	if t.ready {
		st.NodeCountLeaf = t.input.NodeCountLeaf
		st.NodeCountTotal = t.input.NodeCountTotal
	}
	return st
}

func (t *transformation) releasePipeline() {
	if t.transform != nil {
		t.transform.Release()
		t.transform = nil
	}
}

func (t *transformation) Release() {
	t.FreeAll()
	t.releasePipeline()
}
