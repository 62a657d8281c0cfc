package builder

import (
	"bytes"
	"testing"

	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/buildtest"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/graph"
	"github.com/Carmen-Shannon/oxy-bvh/engine/pipeline"
	"github.com/Carmen-Shannon/oxy-bvh/engine/scene"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dev   device.Device
	cache *shader.Cache
	sc    scene.Scene
	b     Builder
}

func newFixture(t *testing.T, meshes ...scene.Mesh) fixture {
	t.Helper()
	dev := buildtest.NewDevice(t)
	cache := shader.NewCache("")
	b := NewBuilder(dev, cache)
	t.Cleanup(b.Release)
	return fixture{dev: dev, cache: cache, sc: buildtest.UploadScene(t, dev, meshes...), b: b}
}

// build runs one piecewise build and returns the number of tasks it scheduled.
func (f fixture) build(t *testing.T) int {
	t.Helper()
	g := graph.NewGraph(nil)
	f.b.BVHBuildPiecewise(g, f.sc)
	n := g.Len()
	require.NoError(t, g.Execute(f.dev))
	return n
}

func TestScheduleBuildSteps(t *testing.T) {
	cases := []struct {
		name string
		edit func(c *config.BVHPipeline)
		want []BuildState
	}{
		{"default", func(*config.BVHPipeline) {}, []BuildState{StatePLOC, StateCollapsing, StateRearrangement}},
		{"no collapsing", func(c *config.BVHPipeline) { c.Collapsing.MaxLeafSize = 1 }, []BuildState{StatePLOC, StateRearrangement}},
		{"transformation", func(c *config.BVHPipeline) { c.Transformation.BV = config.BVOBB },
			[]BuildState{StatePLOC, StateCollapsing, StateTransformation, StateRearrangement}},
		{"all off", func(c *config.BVHPipeline) {
			c.PLOC.BV, c.Collapsing.BV, c.Rearrangement.BV = config.BVNone, config.BVNone, config.BVNone
		}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.DefaultPipeline()
			tc.edit(&cfg)
			b := &builder{cfg: cfg, state: StatePLOC}
			assert.Equal(t, tc.want, b.scheduleBuildSteps())
			assert.Equal(t, StatePLOC, b.state, "the state only moves as tasks run")

			b.state = StateDone
			assert.Nil(t, b.scheduleBuildSteps())
		})
	}
}

func TestFullBuild(t *testing.T) {
	f := newFixture(t, scene.Soup(400, 3))
	cfg := config.DefaultPipeline()
	f.b.Configure(cfg)

	assert.False(t, f.b.GetBvhForTraversal().IsValid(), "nothing before the build")
	assert.Equal(t, 9, f.build(t))
	assert.Equal(t, StateDone, f.b.State())

	final := f.b.GetBvhForTraversal()
	require.True(t, final.IsValid())
	assert.Equal(t, config.LayoutBVH2, final.Layout)
	assert.Equal(t, config.BVAABB, final.BV)

	st := f.b.GetStatsBuild()
	assert.EqualValues(t, 2*400-1, st.PLOC.NodeCountTotal)
	assert.EqualValues(t, 400, st.PLOC.NodeCountLeaf)
	assert.True(t, st.Collapsing.Ran())
	assert.False(t, st.Transformation.Ran())
	assert.Equal(t, final.NodeCountTotal, st.Rearrangement.NodeCountTotal)
	assert.EqualValues(t, 400, st.Collapsing.Bvh.LeafSizeSum, "every triangle sits in exactly one leaf")
	assert.Equal(t, st.Rearrangement, st.Final())

	assert.Zero(t, f.build(t), "an up to date hierarchy schedules nothing")
}

func TestConfigureIsIdempotent(t *testing.T) {
	f := newFixture(t, scene.Soup(64, 1))
	cfg := config.DefaultPipeline()
	f.b.Configure(cfg)
	f.build(t)
	before := f.b.GetBvhForTraversal()

	f.b.Configure(cfg)
	assert.Equal(t, StateDone, f.b.State())
	assert.Equal(t, before, f.b.GetBvhForTraversal())

	cfg.Stats.CT = 5
	f.b.Configure(cfg)
	assert.Equal(t, StateDone, f.b.State(), "stats constants do not invalidate the hierarchy")

	cfg.PLOC.Radius = 8
	f.b.Configure(cfg)
	assert.Equal(t, StatePLOC, f.b.State())
	assert.False(t, f.b.GetBvhForTraversal().IsValid())
}

func TestDeterministicBuilds(t *testing.T) {
	f := newFixture(t, scene.Soup(300, 11))
	cfg := config.DefaultPipeline()
	f.b.Configure(cfg)
	f.build(t)
	first := f.b.GetStatsBuild()

	cfg.PLOC.Radius = 4
	f.b.Configure(cfg)
	cfg.PLOC.Radius = 16
	f.b.Configure(cfg)
	f.build(t)
	second := f.b.GetStatsBuild()

	assert.Equal(t, first.Rearrangement.NodeCountTotal, second.Rearrangement.NodeCountTotal)
	assert.Equal(t, first.Rearrangement.Bvh, second.Rearrangement.Bvh)
	assert.Equal(t, first.Collapsing.Bvh, second.Collapsing.Bvh)
}

func TestTwoTriangles(t *testing.T) {
	f := newFixture(t, buildtest.TwoTriangles())
	cfg := config.DefaultPipeline()
	cfg.Collapsing.MaxLeafSize = 1
	f.b.Configure(cfg)
	assert.Equal(t, 6, f.build(t))

	st := f.b.GetStatsBuild()
	assert.EqualValues(t, 3, st.PLOC.NodeCountTotal)
	assert.EqualValues(t, 2, st.PLOC.NodeCountLeaf)
	assert.False(t, st.Collapsing.Ran())
	assert.True(t, f.b.GetBvhForTraversal().IsValid())
}

func TestTransformationChain(t *testing.T) {
	f := newFixture(t, scene.Icosphere(2))
	cfg := config.DefaultPipeline()
	cfg.Transformation.BV = config.BVDOP14
	cfg.Rearrangement.BV = config.BVDOP14Split
	f.b.Configure(cfg)
	assert.Equal(t, 12, f.build(t))

	final := f.b.GetBvhForTraversal()
	require.True(t, final.IsValid())
	assert.Equal(t, config.BVDOP14Split, final.BV)
	assert.False(t, final.Aux.IsNull())

	st := f.b.GetStatsBuild()
	assert.True(t, st.Transformation.Ran())
	assert.Equal(t, st.Collapsing.NodeCountTotal, st.Transformation.NodeCountTotal)
	assert.Greater(t, st.Collapsing.Bvh.CostTotal(), float32(0))
}

func TestShaderHotReloadResumesAtStage(t *testing.T) {
	f := newFixture(t, scene.Soup(128, 5))
	cfg := config.DefaultPipeline()
	f.b.Configure(cfg)
	f.build(t)
	plocStats := f.b.GetStatsBuild().PLOC

	assert.False(t, f.b.CheckForShaderHotReload())
	f.cache.Bump(cfg.Rearrangement.Shader.Rearrange)
	assert.True(t, f.b.CheckForShaderHotReload())
	assert.Equal(t, StateRearrangement, f.b.State())
	assert.False(t, f.b.GetBvhForTraversal().IsValid(), "pending rebuild")

	assert.Equal(t, 3, f.build(t))
	assert.True(t, f.b.GetBvhForTraversal().IsValid())
	assert.Equal(t, plocStats, f.b.GetStatsBuild().PLOC, "upstream stats are kept")

	f.cache.Bump(cfg.Rearrangement.Shader.Rearrange)
	f.cache.Bump(cfg.Collapsing.Shader.Collapse)
	assert.True(t, f.b.CheckForShaderHotReload())
	assert.Equal(t, StateCollapsing, f.b.State(), "the earliest stage wins")
}

func TestConfigChangeIsNotNarrowedByHotReload(t *testing.T) {
	f := newFixture(t, scene.Soup(64, 2))
	cfg := config.DefaultPipeline()
	f.b.Configure(cfg)
	f.build(t)

	cfg.Rearrangement.Layout = config.LayoutDefault
	cfg.Collapsing.MaxLeafSize = 8
	f.b.Configure(cfg)
	assert.True(t, f.b.CheckForShaderHotReload(), "changed constants rebuild the pipelines")
	assert.Equal(t, StatePLOC, f.b.State())
}

func TestFailingStageStopsTheBuild(t *testing.T) {
	f := newFixture(t, scene.Soup(64, 8))
	cfg := config.DefaultPipeline()
	good := cfg.Collapsing.Shader.Collapse
	cfg.Collapsing.Shader.Collapse = "collapsing/collapse_missing"
	f.b.Configure(cfg)

	g := graph.NewGraph(nil)
	f.b.BVHBuildPiecewise(g, f.sc)
	err := g.Execute(f.dev)
	require.ErrorIs(t, err, pipeline.ErrNotLoaded)
	assert.Contains(t, err.Error(), "task collapsing")
	assert.Equal(t, StateCollapsing, f.b.State(), "the next build retries the failing stage")
	assert.False(t, f.b.GetBvhForTraversal().IsValid())
	st := f.b.GetStatsBuild()
	assert.True(t, st.PLOC.Ran())
	assert.False(t, st.Rearrangement.Ran())

	cfg.Collapsing.Shader.Collapse = good
	f.b.Configure(cfg)
	assert.Equal(t, 9, f.build(t))
	assert.Equal(t, StateDone, f.b.State())
	assert.True(t, f.b.GetBvhForTraversal().IsValid())
}

func TestTracerOff(t *testing.T) {
	f := newFixture(t, scene.Soup(32, 4))
	cfg := config.DefaultPipeline()
	cfg.Tracer.BV = config.BVNone
	f.b.Configure(cfg)
	f.build(t)
	assert.False(t, f.b.GetBvhForTraversal().IsValid())
	assert.True(t, f.b.GetStatsBuild().Rearrangement.Ran())
}

func TestPipelineStatsTable(t *testing.T) {
	var p PipelineStats
	p.set(StatePLOC, bvh.StageStats{
		Stage:          "plocpp",
		NodeCountTotal: 7,
		NodeCountLeaf:  4,
		IterationCount: 3,
		Times:          []bvh.StageTime{{Name: "radix sort", Duration: 1500000}},
		Bvh:            bvh.BvhStats{LeafSizeSum: 4, LeafSizeMin: 1, LeafSizeMax: 1},
	})
	var buf bytes.Buffer
	p.WriteTable(&buf)
	out := buf.String()
	assert.Contains(t, out, "plocpp")
	assert.Contains(t, out, "radix sort")
	assert.Contains(t, out, "1.500")
	assert.NotContains(t, out, "collapsing")
	assert.Equal(t, "plocpp", p.Final().Stage)

	p.Clear()
	assert.False(t, p.Final().Ran())
}

func TestBuildStateString(t *testing.T) {
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "rearrangement", StateRearrangement.String())
	assert.Equal(t, "unknown", BuildState(42).String())
}
