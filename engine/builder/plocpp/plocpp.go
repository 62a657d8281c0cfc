// Package plocpp builds the initial binary hierarchy over the scene triangles with PLOC++:
// Morton-ordered leaf clusters merged by parallel nearest-neighbour search.
package plocpp

import (
	"errors"
	"fmt"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
	"github.com/Carmen-Shannon/oxy-bvh/engine/pipeline"
	"github.com/Carmen-Shannon/oxy-bvh/engine/radixsort"
	"github.com/Carmen-Shannon/oxy-bvh/engine/scene"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
)

var logger = log.New("plocpp")

const (
	// Name is the stage name used in logs and stats.
	Name = "plocpp"

	shaderFillIndirect = "plocpp/fill_indirect"

	// iterationWorkgroups is the size of the persistent merging dispatch.
	iterationWorkgroups = 1024

	timestampCount = 5
	offsetRuntime  = timestampCount * 8
	offsetCounters = offsetRuntime + sizeRuntimeData
	sizeStaging    = offsetCounters + sizeIndirect
)

var (
	ErrUnsupportedBV    = errors.New("plocpp: bounding volume must be aabb or dop14")
	ErrSceneNotUploaded = errors.New("plocpp: scene is not uploaded")
)

// stepNames label the intervals between the stage's timestamps.
var stepNames = []string{"init. clusters, woopify", "radix sort", "copy clusters", "PLOC iterations"}

// plocpp is the implementation of the PLOCpp interface.
type plocpp struct {
	dev   device.Device
	cache *shader.Cache

	cfg      config.PLOC
	spec     Specialization
	recreate bool

	initialClusters pipeline.Pipeline
	fillIndirect    pipeline.Pipeline
	copyClusters    pipeline.Pipeline
	iterations      pipeline.Pipeline
	sorter          radixsort.Sorter

	// output survives FreeIntermediate; it backs the Bvh handed downstream
	output       *device.Buffers
	intermediate *device.Buffers

	nodes       device.Address
	triangles   device.Address
	triangleIDs device.Address
	morton      [2]device.Address
	nodeIDs     [2]device.Address
	neighbours  device.Address
	dlWork      device.Address
	runtime     device.Address
	indirect    device.Address
	sortScratch device.Address
	timestamps  device.Address
	staging     device.Address

	nodeCountLeaf  uint32
	nodeCountTotal uint32
	iterationCount uint32
	times          []bvh.StageTime
	ready          bool
}

// PLOCpp is the first build stage. It turns the uploaded scene into a Default-layout binary
// hierarchy with 2n-1 nodes over n triangles, bounded by AABBs or DOP14s.
type PLOCpp interface {
	// Name returns the stage name.
	Name() string

	// BV returns the bounding volume of the stage's output.
	BV() config.BV

	// NeedsRecompute stores the stage's part of cfg and reports whether it changed to something buildable.
	// A change also marks the pipelines for recreation with the new constants.
	//
	// Parameters:
	//   - cfg: the full pipeline configuration
	//
	// Returns:
	//   - bool: true if the stored configuration changed and its bv is not None
	NeedsRecompute(cfg config.BVHPipeline) bool

	// Compute allocates the stage's buffers and records the build. Buffers of a previous build are freed first.
	//
	// Parameters:
	//   - cmd: the command context to record into
	//   - input: ignored, the stage builds from the scene
	//   - sc: the uploaded scene
	//
	// Returns:
	//   - error: if the scene is not uploaded, the bv is unsupported or an allocation fails
	Compute(cmd device.CommandContext, input bvh.Bvh, sc scene.Scene) error

	// ReadRuntimeData reads the counts and timings of the last submitted Compute. GetBVH is valid afterwards.
	//
	// Returns:
	//   - error: if the read back failed
	ReadRuntimeData() error

	// GetBVH returns the built hierarchy, or the zero Bvh before ReadRuntimeData.
	GetBVH() bvh.Bvh

	// CheckForShaderHotReload rebuilds the pipelines whose shaders changed. Buffers are kept.
	//
	// Returns:
	//   - bool: true if any pipeline was rebuilt
	CheckForShaderHotReload() bool

	// FreeIntermediate releases everything but the output hierarchy.
	FreeIntermediate()

	// FreeAll releases every buffer. GetBVH returns the zero Bvh afterwards.
	FreeAll()

	// GatherStats combines the stage's counts and timings with the stats of its output.
	//
	// Parameters:
	//   - s: the stats of the output hierarchy
	//
	// Returns:
	//   - bvh.StageStats: the stage report
	GatherStats(s bvh.BvhStats) bvh.StageStats

	// Specialization returns the kernel constants of the current configuration.
	Specialization() Specialization

	// Release frees the buffers and the pipelines.
	Release()
}

var _ PLOCpp = &plocpp{}

// NewPLOCpp creates the stage. Pipelines are built by the first Compute.
//
// Parameters:
//   - dev: the device
//   - cache: the shader cache pipelines are built from
//
// Returns:
//   - PLOCpp: the stage
func NewPLOCpp(dev device.Device, cache *shader.Cache) PLOCpp {
	return &plocpp{
		dev:          dev,
		cache:        cache,
		cfg:          config.PLOC{BV: config.BVNone},
		sorter:       radixsort.NewSorter(),
		output:       device.NewBuffers(dev, "plocpp"),
		intermediate: device.NewBuffers(dev, "plocpp intermediate"),
	}
}

func (p *plocpp) Name() string { return Name }

func (p *plocpp) BV() config.BV { return p.cfg.BV }

func (p *plocpp) Specialization() Specialization { return p.spec }

func (p *plocpp) NeedsRecompute(cfg config.BVHPipeline) bool {
	changed := cfg.PLOC != p.cfg
	p.cfg = cfg.PLOC
	if changed {
		p.recreate = true
	}
	return changed && p.cfg.BV != config.BVNone
}

func (p *plocpp) Compute(cmd device.CommandContext, _ bvh.Bvh, sc scene.Scene) error {
	p.FreeAll()
	if p.cfg.BV == config.BVNone {
		return nil
	}
	if p.cfg.BV != config.BVAABB && p.cfg.BV != config.BVDOP14 {
		return fmt.Errorf("%w: %s", ErrUnsupportedBV, p.cfg.BV)
	}
	if !sc.Uploaded() {
		return ErrSceneNotUploaded
	}
	p.reload()
	if err := errors.Join(pipeline.Ready(p.pipelines()...), p.sorter.Ready()); err != nil {
		return fmt.Errorf("plocpp: %w", err)
	}

	n := sc.TotalTriangleCount()
	if err := p.allocate(n); err != nil {
		return err
	}

	cmd.FillBuffer(p.indirect, sizeIndirect, 0)
	cmd.FillBuffer(p.runtime, sizeRuntimeData, 0)
	cmd.Barrier()

	cmd.WriteTimestamp(p.timestamp(0))
	frame := bvh.NewMortonFrame(sc.AABB())
	global := PCMortonGlobal{
		SceneAABBCubedMin:  frame.Min,
		SceneAABBNormScale: frame.Scale,
		Morton:             p.morton[0],
		Bvh:                p.nodes,
		BvhTriangles:       p.triangles,
		BvhTriangleIndices: p.triangleIDs,
		Aux:                p.indirect,
	}
	var base uint32
	for i, g := range sc.Geometries() {
		pc := PCInitialClusters{
			Global: global,
			Geometry: PCMortonPerGeometry{
				Idx:                  g.Indices,
				Vtx:                  g.Vertices,
				GlobalTriangleIDBase: base,
				SceneNodeID:          uint32(i),
				TriangleCount:        g.TriangleCount,
			},
		}
		cmd.Dispatch(p.initialClusters.Handle(), pc, common.DivCeil(g.TriangleCount, p.spec.Workgroup), 1, 1)
		base += g.TriangleCount
	}
	cmd.Barrier()
	cmd.Dispatch(p.fillIndirect.Handle(), PCFillIndirect{Indirect: p.indirect}, 1, 1, 1)
	cmd.Barrier()

	cmd.WriteTimestamp(p.timestamp(1))
	// CntClustersTotal is the first word of the counters.
	p.sorter.Record(cmd, p.morton, p.sortScratch, p.indirect, n)

	cmd.WriteTimestamp(p.timestamp(2))
	cmd.DispatchIndirect(p.copyClusters.Handle(), PCCopySortedNodeIDs{
		Morton:       p.morton[0],
		NodeID:       p.nodeIDs[0],
		ClusterCount: n,
	}, p.indirect.Add(offsetIndirectArgs))
	cmd.Barrier()

	cmd.WriteTimestamp(p.timestamp(3))
	cmd.Dispatch(p.iterations.Handle(), PCIterationIndirect{
		Bvh:         p.nodes,
		NodeID0:     p.nodeIDs[0],
		NodeID1:     p.nodeIDs[1],
		DLWork:      p.dlWork,
		RuntimeData: p.runtime,
		Aux:         p.neighbours,
		IDB:         p.indirect,
	}, iterationWorkgroups, 1, 1)
	cmd.Barrier()
	cmd.WriteTimestamp(p.timestamp(4))

	cmd.CopyBuffer(p.timestamps, p.staging, timestampCount*8)
	cmd.CopyBuffer(p.runtime, p.staging.Add(offsetRuntime), sizeRuntimeData)
	cmd.CopyBuffer(p.indirect, p.staging.Add(offsetCounters), sizeIndirect)
	return nil
}

// allocate sizes every buffer for n leaves. The node array always holds 2n-1 nodes.
func (p *plocpp) allocate(n uint32) error {
	var total uint64
	if n > 0 {
		total = 2*uint64(n) - 1
	}
	storage := device.UsageStorage
	p.nodes = p.output.Alloc("nodes", total*bvh.NodeSize(p.cfg.BV), storage)
	p.triangles = p.output.Alloc("triangles", uint64(n)*bvh.SizeTriangle, storage)
	p.triangleIDs = p.output.Alloc("triangle ids", uint64(n)*bvh.SizeTriangleIndex, storage)

	p.morton[0] = p.intermediate.Alloc("morton 0", uint64(n)*radixsort.SizeKeyVal, storage)
	p.morton[1] = p.intermediate.Alloc("morton 1", uint64(n)*radixsort.SizeKeyVal, storage)
	p.nodeIDs[0] = p.intermediate.Alloc("node ids 0", uint64(n)*4, storage)
	p.nodeIDs[1] = p.intermediate.Alloc("node ids 1", uint64(n)*4, storage)
	p.neighbours = p.intermediate.Alloc("neighbours", uint64(n)*4, storage)
	p.dlWork = p.intermediate.Alloc("look-back", p.spec.DLBufferSize(n), storage)
	p.runtime = p.intermediate.Alloc("runtime data", sizeRuntimeData, storage|device.UsageTransfer)
	p.indirect = p.intermediate.Alloc("indirect", sizeIndirect, storage|device.UsageIndirect|device.UsageTransfer)
	p.sortScratch = p.intermediate.Alloc("sort scratch", radixsort.MemoryRequirements(n), storage)
	p.timestamps = p.intermediate.Alloc("timestamps", timestampCount*8, storage|device.UsageTransfer)
	p.staging = p.intermediate.Alloc("staging", sizeStaging, device.UsageHostVisible|device.UsageTransfer)

	if err := errors.Join(p.output.Err(), p.intermediate.Err()); err != nil {
		p.FreeAll()
		return err
	}
	logger.Debugf("allocated %d bytes for %d triangles", p.output.Size()+p.intermediate.Size(), n)
	return nil
}

func (p *plocpp) timestamp(i uint64) device.Address {
	return p.timestamps.Add(8 * i)
}

// reload recreates the pipelines after a configuration change and polls them for new shader versions.
func (p *plocpp) reload() bool {
	if p.recreate || p.initialClusters == nil {
		p.releasePipelines()
		p.spec = NewSpecialization(p.dev.Capabilities(), p.cfg)
		constants := pipeline.WithConstants(p.spec.Constants(p.cfg.BV))
		p.initialClusters = pipeline.NewPipeline(p.cfg.Shader.InitialClusters, constants)
		p.fillIndirect = pipeline.NewPipeline(shaderFillIndirect, constants)
		p.copyClusters = pipeline.NewPipeline(p.cfg.Shader.CopyClusters, constants)
		p.iterations = pipeline.NewPipeline(p.cfg.Shader.Iterations, constants)
		p.recreate = false
	}

	changed := false
	for _, pl := range p.pipelines() {
		rebuilt, err := pl.Update(p.dev, p.cache)
		if err != nil {
			logger.Errorf("pipeline %s: %v", pl.PipelineKey(), err)
		}
		changed = changed || rebuilt
	}
	return p.sorter.Update(p.dev, p.cache) || changed
}

func (p *plocpp) pipelines() []pipeline.Pipeline {
	return []pipeline.Pipeline{p.initialClusters, p.fillIndirect, p.copyClusters, p.iterations}
}

func (p *plocpp) ReadRuntimeData() error {
	if p.staging.IsNull() {
		return nil
	}
	raw, err := p.dev.ReadBuffer(p.staging, sizeStaging)
	if err != nil {
		return fmt.Errorf("plocpp: read runtime data: %w", err)
	}
	stamps := common.BytesToSlice[uint64](raw[:offsetRuntime])
	runtime := common.BytesToSlice[RuntimeData](raw[offsetRuntime:offsetCounters])[0]
	counters := common.BytesToSlice[IndirectClusters](raw[offsetCounters:])[0]

	p.iterationCount = runtime.IterationCount
	p.nodeCountLeaf = counters.CntClustersTotal
	p.nodeCountTotal = 0
	if p.nodeCountLeaf > 0 {
		p.nodeCountTotal = 2*p.nodeCountLeaf - 1
	}
	p.times = bvh.StageTimes(stepNames, stamps, p.dev.Capabilities().TimestampPeriod)
	p.ready = true
	logger.Debugf("%d leaves, %d nodes in %d iterations", p.nodeCountLeaf, p.nodeCountTotal, p.iterationCount)
	return nil
}

func (p *plocpp) GetBVH() bvh.Bvh {
	if !p.ready {
		return bvh.Bvh{}
	}
	return bvh.Bvh{
		Nodes:          p.nodes,
		Triangles:      p.triangles,
		TriangleIDs:    p.triangleIDs,
		NodeCountLeaf:  p.nodeCountLeaf,
		NodeCountTotal: p.nodeCountTotal,
		BV:             p.cfg.BV,
		Layout:         config.LayoutDefault,
	}
}

func (p *plocpp) CheckForShaderHotReload() bool {
	if p.cfg.BV == config.BVNone || p.initialClusters == nil {
		return false
	}
	return p.reload()
}

func (p *plocpp) FreeIntermediate() {
	p.intermediate.Release()
	p.morton = [2]device.Address{}
	p.nodeIDs = [2]device.Address{}
	p.neighbours, p.dlWork, p.runtime, p.indirect = 0, 0, 0, 0
	p.sortScratch, p.timestamps, p.staging = 0, 0, 0
}

func (p *plocpp) FreeAll() {
	p.FreeIntermediate()
	p.output.Release()
	p.nodes, p.triangles, p.triangleIDs = 0, 0, 0
	p.ready = false
}

func (p *plocpp) GatherStats(s bvh.BvhStats) bvh.StageStats {
	return bvh.StageStats{
		Stage:          Name,
		Times:          p.times,
		IterationCount: p.iterationCount,
		NodeCountLeaf:  p.nodeCountLeaf,
		NodeCountTotal: p.nodeCountTotal,
		Bvh:            s,
		Memory:         p.output.Size() + p.intermediate.Size(),
	}
}

func (p *plocpp) releasePipelines() {
	for _, pl := range p.pipelines() {
		if pl != nil {
			pl.Release()
		}
	}
	p.initialClusters, p.fillIndirect, p.copyClusters, p.iterations = nil, nil, nil, nil
}

func (p *plocpp) Release() {
	p.FreeAll()
	p.releasePipelines()
	p.sorter.Release()
}
