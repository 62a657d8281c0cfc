// Package rearrangement repacks a Default-layout hierarchy into the compact BVH2 layout the tracer walks.
package rearrangement

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

var logger = log.New("rearrangement")

const (
	// Name is the stage name used in logs and stats.
	Name = "rearrangement"

	// MaxLeafSize is the largest triangle count a compact leaf reference encodes.
	MaxLeafSize = 15

	timestampCount = 2
	offsetRuntime  = timestampCount * 8
	sizeStaging    = offsetRuntime + runtimeWords*4
)

var (
	ErrInputLayout = errors.New("rearrangement: input must be a Default-layout hierarchy")
	ErrBVMismatch  = errors.New("rearrangement: input bounding volume does not match the configured one")
)

// InputBV returns the Default-layout volume a compact hierarchy of bv is built from.
// A split DOP14 is cut from a full DOP14; every other volume is copied as is.
func InputBV(bv config.BV) config.BV {
	if bv == config.BVDOP14Split {
		return config.BVDOP14
	}
	return bv
}

// EstimateNodeCount returns how many compact nodes a binary hierarchy of total nodes needs at most.
func EstimateNodeCount(total uint32) uint32 {
	return max(total>>1, 1)
}

// nodeSize returns the compact node and aux node size of bv in layout, logging unknown combinations.
func nodeSize(layout config.NodeLayout, bv config.BV) (node, aux uint64) {
	if layout == config.LayoutBVH2 {
		node, aux = bvh.CompactNodeSize(bv)
	}
	if node == 0 {
		logger.Errorf("unknown bvh node size for %s in the %s layout", bv, layout)
	}
	return node, aux
}

// rearrangement is the implementation of the Rearrangement interface.
type rearrangement struct {
	dev   device.Device
	cache *shader.Cache

	cfg       config.Rearrangement
	recreate  bool
	rearrange pipeline.Pipeline

	output       *device.Buffers
	intermediate *device.Buffers

	nodes      device.Address
	aux        device.Address
	runtime    device.Address
	timestamps device.Address
	staging    device.Address

	input          bvh.Bvh
	nodeCountTotal uint32
	times          []bvh.StageTime
	ready          bool
}

// Rearrangement is the last build stage. Its output is the hierarchy handed to the tracer.
type Rearrangement interface {
	// Name returns the stage name.
	Name() string

	// BV returns the configured bounding volume.
	BV() config.BV

	// NeedsRecompute stores the stage's part of cfg and reports whether it changed to something buildable.
	//
	// Parameters:
	//   - cfg: the full pipeline configuration
	//
	// Returns:
	//   - bool: true if the stored configuration changed and its bv is not None
	NeedsRecompute(cfg config.BVHPipeline) bool

	// Compute allocates the compact node array for the estimated node count and records the repacking.
	// An unknown bv and layout pair is logged and records nothing.
	//
	// Parameters:
	//   - cmd: the command context to record into
	//   - input: a Default-layout hierarchy whose bv matches InputBV of the configured bv
	//   - sc: unused
	//
	// Returns:
	//   - error: if the input is not usable or an allocation fails
	Compute(cmd device.CommandContext, input bvh.Bvh, sc scene.Scene) error

	// ReadRuntimeData replaces the estimated node count with the number of compact nodes written.
	//
	// Returns:
	//   - error: if the read back failed
	ReadRuntimeData() error

	// GetBVH returns the compact hierarchy, or the zero Bvh before ReadRuntimeData.
	GetBVH() bvh.Bvh

	// CheckForShaderHotReload rebuilds the pipeline if its shader changed.
	//
	// Returns:
	//   - bool: true if the pipeline was rebuilt
	CheckForShaderHotReload() bool

	FreeIntermediate()
	FreeAll()
	GatherStats(s bvh.BvhStats) bvh.StageStats
	Release()
}

var _ Rearrangement = &rearrangement{}

// NewRearrangement creates the stage. The pipeline is built by the first Compute.
//
// Parameters:
//   - dev: the device
//   - cache: the shader cache the pipeline is built from
//
// Returns:
//   - Rearrangement: the stage
func NewRearrangement(dev device.Device, cache *shader.Cache) Rearrangement {
	return &rearrangement{
		dev:          dev,
		cache:        cache,
		cfg:          config.Rearrangement{BV: config.BVNone},
		output:       device.NewBuffers(dev, "rearrangement"),
		intermediate: device.NewBuffers(dev, "rearrangement intermediate"),
	}
}

func (r *rearrangement) Name() string { return Name }

func (r *rearrangement) BV() config.BV { return r.cfg.BV }

func (r *rearrangement) NeedsRecompute(cfg config.BVHPipeline) bool {
	changed := cfg.Rearrangement != r.cfg
	r.cfg = cfg.Rearrangement
	if changed {
		r.recreate = true
	}
	return changed && r.cfg.BV != config.BVNone
}

func (r *rearrangement) Compute(cmd device.CommandContext, input bvh.Bvh, _ scene.Scene) error {
	r.FreeAll()
	if r.cfg.BV == config.BVNone {
		return nil
	}
	if !input.IsValid() || input.Layout != config.LayoutDefault {
		return fmt.Errorf("%w: %s", ErrInputLayout, input)
	}
	if want := InputBV(r.cfg.BV); input.BV != want {
		return fmt.Errorf("%w: %s, %s needs %s", ErrBVMismatch, input.BV, r.cfg.BV, want)
	}
	stride, auxStride := nodeSize(r.cfg.Layout, r.cfg.BV)
	if stride == 0 {
		return nil
	}
	r.input = input
	r.reload()
	if err := pipeline.Ready(r.rearrange); err != nil {
		return fmt.Errorf("rearrangement: %w", err)
	}

	estimate := uint64(EstimateNodeCount(input.NodeCountTotal))
	leaves := uint64(input.NodeCountLeaf)
	storage := device.UsageStorage
	r.nodes = r.output.Alloc("nodes", estimate*stride, storage)
	if auxStride > 0 {
		r.aux = r.output.Alloc("split", estimate*auxStride, storage)
	}
	work := r.intermediate.Alloc("work buffer", 8*leaves, storage|device.UsageTransfer)
	r.runtime = r.intermediate.Alloc("runtime data", runtimeWords*4, storage|device.UsageTransfer)
	r.timestamps = r.intermediate.Alloc("timestamps", timestampCount*8, storage|device.UsageTransfer)
	r.staging = r.intermediate.Alloc("staging", sizeStaging, device.UsageHostVisible|device.UsageTransfer)
	if err := errors.Join(r.output.Err(), r.intermediate.Err()); err != nil {
		r.FreeAll()
		return err
	}

	cmd.FillBuffer(r.runtime, 4, 0)
	cmd.FillBuffer(r.runtime.Add(4), 8, 1)
	cmd.FillBuffer(work, 4, input.NodeCountTotal-1)
	cmd.FillBuffer(work.Add(4), 4, 0)
	cmd.FillBuffer(work.Add(8), 8*leaves-8, invalidWork)
	cmd.Barrier()

	cmd.WriteTimestamp(r.timestamps)
	pc := PCRearrange{
		Bvh:           input.Nodes,
		BvhWide:       r.nodes,
		WorkBuffer:    work,
		RuntimeData:   r.runtime,
		AuxBuffer:     r.aux,
		LeafNodeCount: input.NodeCountLeaf,
	}
	wg := r.dev.Capabilities().MaxWorkgroupSize[0]
	cmd.Dispatch(r.rearrange.Handle(), pc, common.DivCeil(input.NodeCountLeaf, wg), 1, 1)
	cmd.Barrier()
	cmd.WriteTimestamp(r.timestamps.Add(8))

	cmd.CopyBuffer(r.timestamps, r.staging, timestampCount*8)
	cmd.CopyBuffer(r.runtime, r.staging.Add(offsetRuntime), runtimeWords*4)
	r.nodeCountTotal = uint32(estimate)
	return nil
}

func (r *rearrangement) reload() bool {
	if r.recreate || r.rearrange == nil {
		r.releasePipeline()
		r.rearrange = pipeline.NewPipeline(r.cfg.Shader.Rearrange,
			pipeline.WithConstant("SIZE_WORKGROUP", r.dev.Capabilities().MaxWorkgroupSize[0]),
			pipeline.WithConstant("BV", uint32(r.cfg.BV)),
		)
		r.recreate = false
	}
	rebuilt, err := r.rearrange.Update(r.dev, r.cache)
	if err != nil {
		logger.Errorf("pipeline %s: %v", r.rearrange.PipelineKey(), err)
	}
	return rebuilt
}

func (r *rearrangement) ReadRuntimeData() error {
	if r.staging.IsNull() {
		return nil
	}
	raw, err := r.dev.ReadBuffer(r.staging, sizeStaging)
	if err != nil {
		return fmt.Errorf("rearrangement: read runtime data: %w", err)
	}
	rt := common.BytesToSlice[uint32](raw[offsetRuntime:])
	r.nodeCountTotal = rt[runtimeCount]
	r.times = bvh.StageTimes([]string{"rearrange"}, common.BytesToSlice[uint64](raw[:offsetRuntime]), r.dev.Capabilities().TimestampPeriod)
	r.ready = true
	logger.Debugf("packed %d nodes into %d %s nodes", r.input.NodeCountTotal, r.nodeCountTotal, r.cfg.Layout)
	return nil
}

func (r *rearrangement) GetBVH() bvh.Bvh {
	if !r.ready {
		return bvh.Bvh{}
	}
	return bvh.Bvh{
		Nodes:          r.nodes,
		Triangles:      r.input.Triangles,
		TriangleIDs:    r.input.TriangleIDs,
		Aux:            r.aux,
		NodeCountLeaf:  r.input.NodeCountLeaf,
		NodeCountTotal: r.nodeCountTotal,
		BV:             r.cfg.BV,
		Layout:         r.cfg.Layout,
	}
}

func (r *rearrangement) CheckForShaderHotReload() bool {
	if r.cfg.BV == config.BVNone || r.rearrange == nil {
		return false
	}
	return r.reload()
}

func (r *rearrangement) FreeIntermediate() {
	r.intermediate.Release()
	r.runtime, r.timestamps, r.staging = 0, 0, 0
}

func (r *rearrangement) FreeAll() {
	r.FreeIntermediate()
	r.output.Release()
	r.nodes, r.aux = 0, 0
	r.nodeCountTotal = 0
	r.ready = false
}

func (r *rearrangement) GatherStats(s bvh.BvhStats) bvh.StageStats {
	st := bvh.StageStats{
		Stage:          Name,
		Times:          r.times,
		NodeCountTotal: r.nodeCountTotal,
		Bvh:            s,
		Memory:         r.output.Size() + r.intermediate.Size(),
	}
	if r.ready {
		st.NodeCountLeaf = r.input.NodeCountLeaf
	}
	return st
}

func (r *rearrangement) releasePipeline() {
	if r.rearrange != nil {
		r.rearrange.Release()
		r.rearrange = nil
	}
}

func (r *rearrangement) Release() {
	r.FreeAll()
	r.releasePipeline()
}
