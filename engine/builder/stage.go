// Package builder drives the build stages as a resumable state machine. A configuration change
// restarts the chain at PLOC; a shader hot reload restarts it at the earliest stage whose kernels changed.
package builder

import (
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/collapsing"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/plocpp"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/rearrangement"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/transformation"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/scene"
)

// BuildStage is the contract every build stage fulfils. A stage owns its buffers; the Builder only
// passes the Bvh handles between them.
type BuildStage interface {
	// Name returns the stage name used for task labels and stats.
	Name() string

	// BV returns the bounding volume the stage outputs.
	BV() config.BV

	// NeedsRecompute stores the stage's part of cfg.
	//
	// Parameters:
	//   - cfg: the full pipeline configuration
	//
	// Returns:
	//   - bool: true if the stage must be rebuilt
	NeedsRecompute(cfg config.BVHPipeline) bool

	// Compute records the stage.
	//
	// Parameters:
	//   - cmd: the command context to record into
	//   - input: the output of the previous stage, finalized
	//   - sc: the uploaded scene
	//
	// Returns:
	//   - error: if the stage cannot be recorded
	Compute(cmd device.CommandContext, input bvh.Bvh, sc scene.Scene) error

	// ReadRuntimeData finalizes the output of the last submitted Compute.
	ReadRuntimeData() error

	// GetBVH returns the finalized output, or the zero Bvh.
	GetBVH() bvh.Bvh

	// CheckForShaderHotReload rebuilds changed pipelines and reports whether any was rebuilt.
	CheckForShaderHotReload() bool

	// FreeIntermediate releases everything but the output.
	FreeIntermediate()

	// FreeAll releases every buffer.
	FreeAll()

	// GatherStats builds the stage report from the stats of its output.
	GatherStats(s bvh.BvhStats) bvh.StageStats

	// Release frees buffers and pipelines.
	Release()
}

var (
	_ BuildStage = plocpp.PLOCpp(nil)
	_ BuildStage = collapsing.Collapsing(nil)
	_ BuildStage = transformation.Transformation(nil)
	_ BuildStage = rearrangement.Rearrangement(nil)
)

// BuildState is the entry point of the next build. Stages run in the order of their states.
type BuildState int

const (
	StateDone BuildState = iota
	StatePLOC
	StateCollapsing
	StateTransformation
	StateRearrangement
)

var stateNames = map[BuildState]string{
	StateDone:           "done",
	StatePLOC:           plocpp.Name,
	StateCollapsing:     collapsing.Name,
	StateTransformation: transformation.Name,
	StateRearrangement:  rearrangement.Name,
}

func (s BuildState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// enabled reports whether the stage entered at s takes part in a build with cfg.
func (s BuildState) enabled(cfg config.BVHPipeline) bool {
	switch s {
	case StatePLOC:
		return cfg.PLOC.BV != config.BVNone
	case StateCollapsing:
		return cfg.Collapsing.BV != config.BVNone && cfg.Collapsing.MaxLeafSize > 1
	case StateTransformation:
		return cfg.Transformation.BV != config.BVNone
	case StateRearrangement:
		return cfg.Rearrangement.BV != config.BVNone
	default:
		return false
	}
}
