package builder

import (
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/collapsing"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/plocpp"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/rearrangement"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/stats"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/transformation"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/graph"
	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
	"github.com/Carmen-Shannon/oxy-bvh/engine/scene"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
)

var logger = log.New("builder")

// builder is the implementation of the Builder interface.
type builder struct {
	dev device.Device

	// stages holds the stages indexed by their entry state minus one
	stages [4]BuildStage
	stats  stats.Stats

	cfg          config.BVHPipeline
	state        BuildState
	intermediate bvh.Bvh
	statsBuild   PipelineStats
}

// Builder schedules the build stages onto a task graph and hands the final hierarchy to the tracer.
type Builder interface {
	// Configure applies cfg to every stage. Any stage needing a rebuild restarts the whole chain and
	// frees every stage's buffers. Configuring twice with the same value is a no-op.
	//
	// Parameters:
	//   - cfg: the pipeline configuration
	Configure(cfg config.BVHPipeline)

	// CheckForShaderHotReload rebuilds changed pipelines. The earliest stage with a change becomes the
	// entry point of the next build.
	//
	// Returns:
	//   - bool: true if any stage rebuilt a pipeline
	CheckForShaderHotReload() bool

	// BVHBuildPiecewise adds three synchronous tasks per pending stage to g: compute, read back and
	// evaluate, then gather stats. Nothing is added when the hierarchy is up to date. State reaches
	// StateDone when the last task runs; a failing task leaves it at the failing stage.
	//
	// Parameters:
	//   - g: the task graph
	//   - sc: the uploaded scene
	BVHBuildPiecewise(g *graph.Graph, sc scene.Scene)

	// GetBvhForTraversal returns the final hierarchy.
	//
	// Returns:
	//   - bvh.Bvh: the rearranged hierarchy, or the zero Bvh while a build is pending or the tracer is off
	GetBvhForTraversal() bvh.Bvh

	// GetStatsBuild returns the per-stage stats of the builds so far.
	GetStatsBuild() PipelineStats

	// GetConfig returns the configuration last passed to Configure.
	GetConfig() config.BVHPipeline

	// State returns the entry point of the next build.
	State() BuildState

	// Release frees every stage.
	Release()
}

var _ Builder = &builder{}

// NewBuilder creates the four stages and the stats component. The first build starts at PLOC.
//
// Parameters:
//   - dev: the device
//   - cache: the shader cache pipelines are built from
//
// Returns:
//   - Builder: the builder
func NewBuilder(dev device.Device, cache *shader.Cache) Builder {
	return &builder{
		dev: dev,
		stages: [4]BuildStage{
			plocpp.NewPLOCpp(dev, cache),
			collapsing.NewCollapsing(dev, cache),
			transformation.NewTransformation(dev, cache),
			rearrangement.NewRearrangement(dev, cache),
		},
		stats: stats.NewStats(dev, cache),
		state: StatePLOC,
	}
}

func (b *builder) stage(s BuildState) BuildStage {
	return b.stages[s-StatePLOC]
}

func (b *builder) Configure(cfg config.BVHPipeline) {
	b.cfg = cfg
	recompute := false
	for i := len(b.stages) - 1; i >= 0; i-- {
		if b.stages[i].NeedsRecompute(cfg) {
			recompute = true
		}
	}
	if !recompute {
		return
	}
	logger.Infof("pipeline %q changed, rebuilding from %s", cfg.Name, StatePLOC)
	b.state = StatePLOC
	for _, s := range b.stages {
		s.FreeAll()
	}
}

func (b *builder) CheckForShaderHotReload() bool {
	reloaded := false
	for i := len(b.stages) - 1; i >= 0; i-- {
		if !b.stages[i].CheckForShaderHotReload() {
			continue
		}
		reloaded = true
		entry := StatePLOC + BuildState(i)
		if b.state == StateDone || entry < b.state {
			b.state = entry
		}
	}
	if reloaded {
		logger.Infof("shaders changed, rebuilding from %s", b.state)
	}
	return reloaded
}

// scheduleBuildSteps lists the enabled stages from the current state on.
func (b *builder) scheduleBuildSteps() []BuildState {
	if b.state == StateDone {
		return nil
	}
	var steps []BuildState
	for s := b.state; s <= StateRearrangement; s++ {
		if s.enabled(b.cfg) {
			steps = append(steps, s)
		}
	}
	return steps
}

// intermediateFor returns the newest finalized output upstream of the stage entered at s.
func (b *builder) intermediateFor(s BuildState) bvh.Bvh {
	for prev := s - 1; prev >= StatePLOC; prev-- {
		if prev == StatePLOC || prev.enabled(b.cfg) {
			return b.stage(prev).GetBVH()
		}
	}
	return bvh.Bvh{}
}

func (b *builder) BVHBuildPiecewise(g *graph.Graph, sc scene.Scene) {
	if b.state == StateDone {
		return
	}
	steps := b.scheduleBuildSteps()
	if len(steps) == 0 {
		b.state = StateDone
		return
	}
	b.intermediate = bvh.Bvh{}
	for _, s := range steps {
		b.statsBuild.set(s, bvh.StageStats{})
	}
	b.stats.SetSceneArea(sc.AABB().Area())

	for i, s := range steps {
		b.addStep(g, s, sc, i == len(steps)-1)
	}
}

// addStep schedules one stage. A failing task leaves the state at that stage so the next build
// retries from it; the gather task of the last stage marks the build done.
func (b *builder) addStep(g *graph.Graph, s BuildState, sc scene.Scene, last bool) {
	st := b.stage(s)
	name := st.Name()

	g.AddSyncTask(name, func(cmd device.CommandContext) error {
		b.state = s
		if !b.intermediate.IsValid() {
			b.intermediate = b.intermediateFor(s)
		}
		return st.Compute(cmd, b.intermediate, sc)
	})

	g.AddSyncTask(name+" stats", func(cmd device.CommandContext) error {
		if err := st.ReadRuntimeData(); err != nil {
			return err
		}
		b.intermediate = st.GetBVH()
		st.FreeIntermediate()
		switch s {
		case StateTransformation:
			b.stage(StateCollapsing).FreeIntermediate()
		case StateRearrangement:
			b.stage(StateTransformation).FreeIntermediate()
		}
		cfg := b.cfg.Stats
		cfg.BV = st.BV()
		b.stats.Compute(cmd, cfg, b.intermediate)
		return nil
	})

	g.AddSyncTask(name+" gather", func(device.CommandContext) error {
		res, err := b.stats.Result()
		if err != nil {
			return err
		}
		ss := st.GatherStats(res)
		b.statsBuild.set(s, ss)
		if last {
			b.state = StateDone
		}
		logger.Debugf("%s: %d nodes, %d leaves, cost %.2f, %v", name, ss.NodeCountTotal, ss.NodeCountLeaf, ss.Bvh.CostTotal(), ss.TimeTotal())
		return nil
	})
}

func (b *builder) GetBvhForTraversal() bvh.Bvh {
	if b.state != StateDone || b.cfg.Tracer.BV == config.BVNone {
		return bvh.Bvh{}
	}
	return b.stage(StateRearrangement).GetBVH()
}

func (b *builder) GetStatsBuild() PipelineStats {
	return b.statsBuild
}

func (b *builder) GetConfig() config.BVHPipeline {
	return b.cfg
}

func (b *builder) State() BuildState {
	return b.state
}

func (b *builder) Release() {
	for _, s := range b.stages {
		s.Release()
	}
	b.stats.Release()
}
