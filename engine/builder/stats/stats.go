// Package stats measures the SAH quality of a hierarchy on the device.
package stats

import (
	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
	"github.com/Carmen-Shannon/oxy-bvh/engine/pipeline"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
)

var logger = log.New("stats")

const shaderPrefix = "stats/stats_bvh2_"

// variants maps a kernel variant to the bounding volume whose word layout it reads.
var variants = map[string]config.BV{
	"aabb":     config.BVAABB,
	"dop14":    config.BVDOP14,
	"obb":      config.BVOBB,
	"sobb_d":   config.BVSOBBd32,
	"sobb_i32": config.BVSOBBi32,
	"sobb_i48": config.BVSOBBi48,
	"sobb_i64": config.BVSOBBi64,
}

// ShaderKey returns the stats kernel for a bounding volume and node layout.
//
// Parameters:
//   - bv: the bounding volume of the hierarchy
//   - layout: the node layout of the hierarchy
//
// Returns:
//   - string: the shader key
//   - bool: false if no kernel handles the combination
func ShaderKey(bv config.BV, layout config.NodeLayout) (string, bool) {
	var name string
	switch {
	case bv == config.BVAABB:
		name = "aabb"
	case bv == config.BVDOP14 || bv == config.BVDOP14Split:
		name = "dop14"
	case bv == config.BVOBB:
		name = "obb"
	case bv.IsSOBBd():
		name = "sobb_d"
	case bv == config.BVSOBBi32:
		name = "sobb_i32"
	case bv == config.BVSOBBi48:
		name = "sobb_i48"
	case bv == config.BVSOBBi64:
		name = "sobb_i64"
	default:
		return "", false
	}
	switch layout {
	case config.LayoutDefault:
		return shaderPrefix + name, true
	case config.LayoutBVH2:
		return shaderPrefix + name + "_c", true
	default:
		return "", false
	}
}

// stats is the implementation of the Stats interface.
type stats struct {
	dev   device.Device
	cache *shader.Cache

	workgroupSize uint32
	sceneArea     float32

	result   device.Buffer
	pipeline pipeline.Pipeline
}

// Stats evaluates hierarchies into a single host-readable BvhStats buffer.
// The buffer is shared by every stage: each Compute overwrites it.
type Stats interface {
	// SetSceneArea sets the surface area every node area is normalized by.
	//
	// Parameters:
	//   - area: the surface area of the scene bounds
	SetSceneArea(area float32)

	// Compute records the evaluation of b. An unknown bv and layout pair is logged and records
	// nothing, leaving zeroed stats.
	//
	// Parameters:
	//   - cmd: the command context to record into
	//   - cfg: the cost constants and the bounding volume to evaluate
	//   - b: the hierarchy, in b.Layout
	Compute(cmd device.CommandContext, cfg config.Stats, b bvh.Bvh)

	// Result reads back the stats of the last submitted Compute.
	//
	// Returns:
	//   - bvh.BvhStats: the stats
	//   - error: if the read back failed
	Result() (bvh.BvhStats, error)

	// Release frees the result buffer and the pipeline.
	Release()
}

var _ Stats = &stats{}

// NewStats creates the stats component and its result buffer.
//
// Parameters:
//   - dev: the device
//   - cache: the shader cache pipelines are built from
//
// Returns:
//   - Stats: the component
func NewStats(dev device.Device, cache *shader.Cache) Stats {
	result, err := dev.CreateBuffer(device.BufferDescriptor{
		Label: "bvh_stats",
		Size:  bvh.SizeStats,
		Usage: device.UsageStorage | device.UsageHostVisible | device.UsageTransfer,
	})
	if err != nil {
		panic("stats: cannot allocate the result buffer: " + err.Error())
	}
	return &stats{
		dev:           dev,
		cache:         cache,
		workgroupSize: dev.Capabilities().MaxWorkgroupSize[0],
		result:        result,
	}
}

func (s *stats) SetSceneArea(area float32) {
	s.sceneArea = area
}

func (s *stats) Compute(cmd device.CommandContext, cfg config.Stats, b bvh.Bvh) {
	cmd.WriteBuffer(s.result.Address(), common.SliceToBytes([]bvh.BvhStats{{}}))
	if !s.reload(cfg.BV, b.Layout) || !b.IsValid() {
		return
	}
	cmd.WriteBuffer(s.result.Address(), common.SliceToBytes([]bvh.BvhStats{bvh.NewBvhStats()}))
	cmd.Barrier()

	pc := PCBvhStats{
		Bvh:              b.Nodes,
		BvhAux:           b.Aux,
		Result:           s.result.Address(),
		NodeCount:        b.NodeCountTotal,
		CT:               cfg.CT,
		CI:               cfg.CI,
		SceneSurfaceArea: s.sceneArea,
	}
	cmd.Dispatch(s.pipeline.Handle(), pc, common.DivCeil(pc.NodeCount, s.workgroupSize), 1, 1)
	cmd.Barrier()
}

// reload points the pipeline at the kernel for bv and layout and reports whether it is usable.
func (s *stats) reload(bv config.BV, layout config.NodeLayout) bool {
	key, ok := ShaderKey(bv, layout)
	if !ok {
		logger.Errorf("no stats kernel for %s in the %s layout", bv, layout)
		s.releasePipeline()
		return false
	}
	if s.pipeline == nil || s.pipeline.PipelineKey() != key {
		s.releasePipeline()
		s.pipeline = pipeline.NewPipeline(key, pipeline.WithConstant("SIZE_WORKGROUP", s.workgroupSize))
	}
	if _, err := s.pipeline.Update(s.dev, s.cache); err != nil {
		logger.Errorf("pipeline %s: %v", key, err)
	}
	return s.pipeline.Handle() != nil
}

func (s *stats) Result() (bvh.BvhStats, error) {
	raw, err := s.dev.ReadBuffer(s.result.Address(), bvh.SizeStats)
	if err != nil {
		return bvh.BvhStats{}, err
	}
	return common.BytesToSlice[bvh.BvhStats](raw)[0], nil
}

func (s *stats) releasePipeline() {
	if s.pipeline != nil {
		s.pipeline.Release()
		s.pipeline = nil
	}
}

func (s *stats) Release() {
	s.releasePipeline()
	s.result.Release()
}
