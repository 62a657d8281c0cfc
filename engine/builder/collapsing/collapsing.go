// Package collapsing merges subtrees of a binary hierarchy into multi-triangle leaves wherever
// the SAH cost of the leaf does not exceed the cost of the subtree.
package collapsing

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

var logger = log.New("collapsing")

const (
	// Name is the stage name used in logs and stats.
	Name = "collapsing"

	// MaxLeafSize is the largest leaf the compact layout can encode.
	MaxLeafSize = 15

	timestampCount = 2
	offsetCounts   = timestampCount * 8
	sizeStaging    = offsetCounts + sizeCounts
)

var (
	ErrInputLayout = errors.New("collapsing: input must be a Default-layout hierarchy")
	ErrBVMismatch  = errors.New("collapsing: input bounding volume differs from the configured one")
)

// collapsing is the implementation of the Collapsing interface.
type collapsing struct {
	dev   device.Device
	cache *shader.Cache

	cfg      config.Collapsing
	recreate bool
	collapse pipeline.Pipeline

	output       *device.Buffers
	intermediate *device.Buffers

	nodes       device.Address
	triangles   device.Address
	triangleIDs device.Address
	runtime     device.Address
	timestamps  device.Address
	staging     device.Address

	passThrough    bool
	input          bvh.Bvh
	nodeCountLeaf  uint32
	nodeCountTotal uint32
	times          []bvh.StageTime
	ready          bool
}

// Collapsing is the second build stage. It reads a Default-layout hierarchy with one triangle per
// leaf and writes a Default-layout hierarchy whose leaves hold up to MaxLeafSize triangles.
type Collapsing interface {
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

	// Compute allocates the output and records the collapse of input. With a max leaf size of 1 or
	// less no kernel runs: the node array is copied and the triangles are referenced from input.
	//
	// Parameters:
	//   - cmd: the command context to record into
	//   - input: the hierarchy to collapse, in the Default layout
	//   - sc: unused
	//
	// Returns:
	//   - error: if input is not usable or an allocation fails
	Compute(cmd device.CommandContext, input bvh.Bvh, sc scene.Scene) error

	// ReadRuntimeData reads the internal and leaf counts of the last submitted Compute.
	//
	// Returns:
	//   - error: if the read back failed
	ReadRuntimeData() error

	// GetBVH returns the collapsed hierarchy, or the zero Bvh before ReadRuntimeData.
	GetBVH() bvh.Bvh

	// CheckForShaderHotReload rebuilds the collapse pipeline if its shader changed.
	//
	// Returns:
	//   - bool: true if the pipeline was rebuilt
	CheckForShaderHotReload() bool

	// FreeIntermediate releases the scratch buffers.
	FreeIntermediate()

	// FreeAll releases every buffer.
	FreeAll()

	// GatherStats combines the stage's counts and timings with the stats of its output.
	GatherStats(s bvh.BvhStats) bvh.StageStats

	// Release frees the buffers and the pipeline.
	Release()
}

var _ Collapsing = &collapsing{}

// NewCollapsing creates the stage. The pipeline is built by the first Compute.
//
// Parameters:
//   - dev: the device
//   - cache: the shader cache the pipeline is built from
//
// Returns:
//   - Collapsing: the stage
func NewCollapsing(dev device.Device, cache *shader.Cache) Collapsing {
	return &collapsing{
		dev:          dev,
		cache:        cache,
		cfg:          config.Collapsing{BV: config.BVNone},
		output:       device.NewBuffers(dev, "collapsing"),
		intermediate: device.NewBuffers(dev, "collapsing intermediate"),
	}
}

func (c *collapsing) Name() string { return Name }

func (c *collapsing) BV() config.BV { return c.cfg.BV }

func (c *collapsing) NeedsRecompute(cfg config.BVHPipeline) bool {
	changed := cfg.Collapsing != c.cfg
	c.cfg = cfg.Collapsing
	if changed {
		c.recreate = true
	}
	return changed && c.cfg.BV != config.BVNone
}

func (c *collapsing) Compute(cmd device.CommandContext, input bvh.Bvh, _ scene.Scene) error {
	c.FreeAll()
	if c.cfg.BV == config.BVNone {
		return nil
	}
	if !input.IsValid() || input.Layout != config.LayoutDefault {
		return fmt.Errorf("%w: %s", ErrInputLayout, input)
	}
	if input.BV != c.cfg.BV {
		return fmt.Errorf("%w: %s, configured %s", ErrBVMismatch, input.BV, c.cfg.BV)
	}
	c.input = input
	nodeSize := bvh.NodeSize(input.BV)

	if c.cfg.MaxLeafSize <= 1 {
		c.passThrough = true
		c.nodes = c.output.Alloc("nodes", uint64(input.NodeCountTotal)*nodeSize, device.UsageStorage|device.UsageTransfer)
		if err := c.output.Err(); err != nil {
			c.FreeAll()
			return err
		}
		cmd.CopyBuffer(input.Nodes, c.nodes, uint64(input.NodeCountTotal)*nodeSize)
		cmd.Barrier()
		return nil
	}

	maxLeaf := c.cfg.MaxLeafSize
	if maxLeaf > MaxLeafSize {
		logger.Warningf("max leaf size %d exceeds %d, clamping", maxLeaf, MaxLeafSize)
		maxLeaf = MaxLeafSize
	}
	c.reload()
	if err := pipeline.Ready(c.collapse); err != nil {
		return fmt.Errorf("collapsing: %w", err)
	}

	total := uint64(input.NodeCountTotal)
	leaves := uint64(input.NodeCountLeaf)
	storage := device.UsageStorage
	c.nodes = c.output.Alloc("nodes", total*nodeSize, storage)
	c.triangles = c.output.Alloc("triangles", leaves*bvh.SizeTriangle, storage)
	c.triangleIDs = c.output.Alloc("triangle ids", leaves*bvh.SizeTriangleIndex, storage)

	pc := PCCollapse{
		Bvh:                      input.Nodes,
		BvhTriangles:             input.Triangles,
		BvhTriangleIndices:       input.TriangleIDs,
		CollapsedBvh:             c.nodes,
		CollapsedTriangles:       c.triangles,
		CollapsedTriangleIndices: c.triangleIDs,
		Counters:                 c.intermediate.Alloc("counters", total*4, storage),
		Cost:                     c.intermediate.Alloc("cost", total*4, storage),
		Collapse:                 c.intermediate.Alloc("collapse", total*4, storage),
		NewNodeID:                c.intermediate.Alloc("new node ids", total*4, storage),
		NewTriID:                 c.intermediate.Alloc("new triangle ids", leaves*4, storage),
		TriOffset:                c.intermediate.Alloc("triangle offsets", total*4, storage),
		Scheduler:                c.intermediate.Alloc("scheduler", 4, storage),
		LeafCount:                input.NodeCountLeaf,
		NodeCountTotal:           input.NodeCountTotal,
		CT:                       c.cfg.CT,
		CI:                       c.cfg.CI,
		MaxLeafSize:              maxLeaf,
	}
	c.runtime = c.intermediate.Alloc("runtime data", sizeCounts, storage|device.UsageTransfer)
	c.timestamps = c.intermediate.Alloc("timestamps", timestampCount*8, storage|device.UsageTransfer)
	c.staging = c.intermediate.Alloc("staging", sizeStaging, device.UsageHostVisible|device.UsageTransfer)
	pc.RuntimeData = c.runtime
	if err := errors.Join(c.output.Err(), c.intermediate.Err()); err != nil {
		c.FreeAll()
		return err
	}

	cmd.FillBuffer(pc.Counters, total*4, 0)
	cmd.FillBuffer(pc.Collapse, total*4, 0)
	cmd.FillBuffer(pc.NewNodeID, total*4, 0xFFFFFFFF)
	cmd.FillBuffer(pc.Scheduler, 4, 0)
	cmd.FillBuffer(c.runtime, sizeCounts, 0)
	cmd.Barrier()

	cmd.WriteTimestamp(c.timestamps)
	wg := c.dev.Capabilities().MaxWorkgroupSize[0]
	cmd.Dispatch(c.collapse.Handle(), pc, common.DivCeil(input.NodeCountLeaf, wg), 1, 1)
	cmd.Barrier()
	cmd.WriteTimestamp(c.timestamps.Add(8))

	cmd.CopyBuffer(c.timestamps, c.staging, timestampCount*8)
	cmd.CopyBuffer(c.runtime, c.staging.Add(offsetCounts), sizeCounts)
	return nil
}

func (c *collapsing) reload() bool {
	if c.recreate || c.collapse == nil {
		c.releasePipeline()
		wg := c.dev.Capabilities().MaxWorkgroupSize[0]
		c.collapse = pipeline.NewPipeline(c.cfg.Shader.Collapse,
			pipeline.WithConstant("SIZE_WORKGROUP", wg),
			pipeline.WithConstant("BV", uint32(c.cfg.BV)),
		)
		c.recreate = false
	}
	rebuilt, err := c.collapse.Update(c.dev, c.cache)
	if err != nil {
		logger.Errorf("pipeline %s: %v", c.collapse.PipelineKey(), err)
	}
	return rebuilt
}

func (c *collapsing) ReadRuntimeData() error {
	if c.passThrough {
		if !c.nodes.IsNull() {
			c.nodeCountLeaf = c.input.NodeCountLeaf
			c.nodeCountTotal = c.input.NodeCountTotal
			c.times = nil
			c.ready = true
		}
		return nil
	}
	if c.staging.IsNull() {
		return nil
	}
	raw, err := c.dev.ReadBuffer(c.staging, sizeStaging)
	if err != nil {
		return fmt.Errorf("collapsing: read runtime data: %w", err)
	}
	stamps := common.BytesToSlice[uint64](raw[:offsetCounts])
	counts := common.BytesToSlice[Counts](raw[offsetCounts:])[0]
	c.nodeCountLeaf = counts.Leaf
	c.nodeCountTotal = counts.Internal + counts.Leaf
	c.times = bvh.StageTimes([]string{"collapse"}, stamps, c.dev.Capabilities().TimestampPeriod)
	c.ready = true
	logger.Debugf("collapsed %d nodes into %d (%d leaves)", c.input.NodeCountTotal, c.nodeCountTotal, c.nodeCountLeaf)
	return nil
}

func (c *collapsing) GetBVH() bvh.Bvh {
	if !c.ready {
		return bvh.Bvh{}
	}
	b := bvh.Bvh{
		Nodes:          c.nodes,
		Triangles:      c.triangles,
		TriangleIDs:    c.triangleIDs,
		NodeCountLeaf:  c.nodeCountLeaf,
		NodeCountTotal: c.nodeCountTotal,
		BV:             c.input.BV,
		Layout:         config.LayoutDefault,
	}
	if c.passThrough {
		b.Triangles = c.input.Triangles
		b.TriangleIDs = c.input.TriangleIDs
	}
	return b
}

func (c *collapsing) CheckForShaderHotReload() bool {
	if c.cfg.BV == config.BVNone || c.collapse == nil {
		return false
	}
	return c.reload()
}

func (c *collapsing) FreeIntermediate() {
	c.intermediate.Release()
	c.runtime, c.timestamps, c.staging = 0, 0, 0
}

func (c *collapsing) FreeAll() {
	c.FreeIntermediate()
	c.output.Release()
	c.nodes, c.triangles, c.triangleIDs = 0, 0, 0
	c.passThrough = false
	c.ready = false
}

func (c *collapsing) GatherStats(s bvh.BvhStats) bvh.StageStats {
	return bvh.StageStats{
		Stage:          Name,
		Times:          c.times,
		NodeCountLeaf:  c.nodeCountLeaf,
		NodeCountTotal: c.nodeCountTotal,
		Bvh:            s,
		Memory:         c.output.Size() + c.intermediate.Size(),
	}
}

func (c *collapsing) releasePipeline() {
	if c.collapse != nil {
		c.collapse.Release()
		c.collapse = nil
	}
}

func (c *collapsing) Release() {
	c.FreeAll()
	c.releasePipeline()
}
