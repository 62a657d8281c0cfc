package plocpp

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/buildtest"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/scene"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipelineWith(bv config.BV) config.BVHPipeline {
	cfg := config.DefaultPipeline()
	cfg.PLOC.BV = bv
	return cfg
}

func build(t *testing.T, dev device.Device, sc scene.Scene, bv config.BV) (PLOCpp, bvh.Bvh) {
	t.Helper()
	p := NewPLOCpp(dev, shader.NewCache(""))
	t.Cleanup(p.Release)
	require.True(t, p.NeedsRecompute(pipelineWith(bv)))
	return p, buildtest.Run(t, dev, p, bvh.Bvh{}, sc)
}

func contains(bv config.BV, outer, inner []float32) bool {
	if bv == config.BVDOP14 {
		for i := 0; i < 14; i += 2 {
			if inner[i] < outer[i] || inner[i+1] > outer[i+1] {
				return false
			}
		}
		return true
	}
	return bounds(bv, outer).Contains(bounds(bv, inner), 0)
}

func TestTwoTriangles(t *testing.T) {
	dev := buildtest.NewDevice(t)
	sc := buildtest.UploadScene(t, dev, buildtest.TwoTriangles())
	_, b := build(t, dev, sc, config.BVAABB)

	require.True(t, b.IsValid())
	assert.EqualValues(t, 2, b.NodeCountLeaf)
	assert.EqualValues(t, 3, b.NodeCountTotal)
	assert.Equal(t, config.LayoutDefault, b.Layout)

	nodes := buildtest.ReadNodes(t, dev, b)
	root := nodes.Links(2)
	assert.EqualValues(t, -1, root.Parent)
	assert.EqualValues(t, 2, root.Size)
	assert.ElementsMatch(t, []int32{0, 1}, []int32{root.C0, root.C1})

	box := bounds(config.BVAABB, nodes.Volume(2))
	assert.Equal(t, common.AABB{Min: common.Vec3{0, 0, 0}, Max: common.Vec3{4, 1, 0}}, box)
	for i := range 2 {
		l := nodes.Links(i)
		assert.True(t, l.IsLeaf())
		assert.EqualValues(t, i, l.C0)
		assert.EqualValues(t, 2, l.Parent)
	}
}

func TestHierarchyInvariants(t *testing.T) {
	for _, bv := range []config.BV{config.BVAABB, config.BVDOP14} {
		t.Run(bv.String(), func(t *testing.T) {
			dev := buildtest.NewDevice(t)
			sc := buildtest.UploadScene(t, dev, scene.Soup(700, 3), scene.Grid(6))
			p, b := build(t, dev, sc, bv)

			n := sc.TotalTriangleCount()
			require.EqualValues(t, n, b.NodeCountLeaf)
			require.EqualValues(t, 2*n-1, b.NodeCountTotal)

			nodes := buildtest.ReadNodes(t, dev, b)
			root := int(b.NodeCountTotal) - 1
			assert.EqualValues(t, -1, nodes.Links(root).Parent)
			assert.EqualValues(t, n, nodes.Links(root).Size)

			leaves := 0
			visited := buildtest.Walk(t, nodes, root, func(i int, l *bvh.Links) {
				if l.IsLeaf() {
					leaves++
					assert.Less(t, i, int(n))
					assert.EqualValues(t, i, l.C0)
					assert.EqualValues(t, 1, l.Size)
					return
				}
				for _, c := range []int32{l.C0, l.C1} {
					assert.EqualValues(t, i, nodes.Links(int(c)).Parent)
					assert.True(t, contains(bv, nodes.Volume(i), nodes.Volume(int(c))), "node %d does not contain %d", i, c)
				}
				assert.Equal(t, nodes.Links(int(l.C0)).Size+nodes.Links(int(l.C1)).Size, l.Size)
			})
			assert.EqualValues(t, b.NodeCountTotal, visited)
			assert.EqualValues(t, n, leaves)

			seen := map[bvh.TriangleIndex]bool{}
			for _, id := range buildtest.ReadTriangleIDs(t, dev, b, n) {
				assert.False(t, seen[id], "triangle %v referenced twice", id)
				seen[id] = true
			}
			assert.Len(t, seen, int(n))
			assert.True(t, seen[bvh.TriangleIndex{NodeID: 1, TriangleID: 0}])

			stats := p.GatherStats(bvh.NewBvhStats())
			assert.Equal(t, Name, stats.Stage)
			assert.Greater(t, stats.IterationCount, uint32(0))
			require.Len(t, stats.Times, len(stepNames))
			assert.Equal(t, "radix sort", stats.Times[1].Name)
		})
	}
}

func TestDeterministicBuild(t *testing.T) {
	dev := buildtest.NewDevice(t)
	sc := buildtest.UploadScene(t, dev, scene.Soup(2000, 11))

	_, a := build(t, dev, sc, config.BVAABB)
	first := buildtest.ReadBytes(t, dev, a.Nodes, uint64(a.NodeCountTotal)*bvh.SizeNodeAABB)
	_, b := build(t, dev, sc, config.BVAABB)
	second := buildtest.ReadBytes(t, dev, b.Nodes, uint64(b.NodeCountTotal)*bvh.SizeNodeAABB)
	assert.Equal(t, first, second)
}

func TestSingleTriangle(t *testing.T) {
	dev := buildtest.NewDevice(t)
	m := buildtest.TwoTriangles()
	m.Indices = m.Indices[:3]
	sc := buildtest.UploadScene(t, dev, m)
	p, b := build(t, dev, sc, config.BVAABB)

	assert.EqualValues(t, 1, b.NodeCountLeaf)
	assert.EqualValues(t, 1, b.NodeCountTotal)
	assert.Zero(t, p.GatherStats(bvh.BvhStats{}).IterationCount)
}

func TestNeedsRecompute(t *testing.T) {
	dev := buildtest.NewDevice(t)
	p := NewPLOCpp(dev, shader.NewCache(""))
	defer p.Release()

	cfg := config.DefaultPipeline()
	assert.True(t, p.NeedsRecompute(cfg))
	assert.False(t, p.NeedsRecompute(cfg))

	cfg.Collapsing.MaxLeafSize = 4
	assert.False(t, p.NeedsRecompute(cfg), "other stages do not concern plocpp")

	cfg.PLOC.Radius = 4
	assert.True(t, p.NeedsRecompute(cfg))

	cfg.PLOC.BV = config.BVNone
	assert.False(t, p.NeedsRecompute(cfg))
	assert.Equal(t, config.BVNone, p.BV())
}

func TestComputeErrors(t *testing.T) {
	dev := buildtest.NewDevice(t)
	p := NewPLOCpp(dev, shader.NewCache(""))
	defer p.Release()

	sc := scene.NewScene("not uploaded", scene.WithMeshes(buildtest.TwoTriangles()))
	p.NeedsRecompute(pipelineWith(config.BVAABB))
	assert.ErrorIs(t, p.Compute(dev.BeginCommands("x"), bvh.Bvh{}, sc), ErrSceneNotUploaded)

	p.NeedsRecompute(pipelineWith(config.BVOBB))
	assert.ErrorIs(t, p.Compute(dev.BeginCommands("x"), bvh.Bvh{}, sc), ErrUnsupportedBV)
	assert.False(t, p.GetBVH().IsValid())
}

func TestBufferLifetime(t *testing.T) {
	dev := buildtest.NewDevice(t)
	sc := buildtest.UploadScene(t, dev, scene.Soup(64, 1))
	sceneMemory := dev.MemoryUsage()

	p, b := build(t, dev, sc, config.BVAABB)
	full := p.GatherStats(bvh.BvhStats{}).Memory
	assert.Equal(t, sceneMemory+full, dev.MemoryUsage())

	p.FreeIntermediate()
	kept := p.GatherStats(bvh.BvhStats{}).Memory
	assert.Less(t, kept, full)
	assert.EqualValues(t, uint64(b.NodeCountTotal)*bvh.SizeNodeAABB+64*(bvh.SizeTriangle+bvh.SizeTriangleIndex), kept)
	assert.Equal(t, b, p.GetBVH())

	p.FreeAll()
	assert.False(t, p.GetBVH().IsValid())
	assert.Equal(t, sceneMemory, dev.MemoryUsage())
}

func TestShaderHotReload(t *testing.T) {
	dev := buildtest.NewDevice(t)
	cache := shader.NewCache("")
	p := NewPLOCpp(dev, cache)
	defer p.Release()

	assert.False(t, p.CheckForShaderHotReload(), "nothing built yet")

	p.NeedsRecompute(config.DefaultPipeline())
	sc := buildtest.UploadScene(t, dev, buildtest.TwoTriangles())
	buildtest.Run(t, dev, p, bvh.Bvh{}, sc)
	assert.False(t, p.CheckForShaderHotReload())

	cache.Bump("plocpp/iterations")
	assert.True(t, p.CheckForShaderHotReload())
	assert.False(t, p.CheckForShaderHotReload())
	assert.True(t, p.GetBVH().IsValid(), "reloading keeps buffers")
}

func TestSpecialization(t *testing.T) {
	caps := device.DefaultCapabilities()

	s := NewSpecialization(caps, config.PLOC{BV: config.BVAABB, Radius: 16})
	assert.EqualValues(t, 1024, s.Workgroup)
	assert.EqualValues(t, 32, s.Subgroup)
	assert.EqualValues(t, 48*1024-20, s.SharedMemory)
	assert.EqualValues(t, 47, s.WarpCount)
	assert.EqualValues(t, 1024, s.WorkgroupPLOC)
	assert.EqualValues(t, 960, s.ChunkSize())
	assert.EqualValues(t, 16, s.DLBufferSize(1000))

	s = NewSpecialization(caps, config.PLOC{BV: config.BVDOP14, Radius: 8})
	assert.EqualValues(t, 23, s.WarpCount)
	assert.EqualValues(t, 736, s.WorkgroupPLOC)
	assert.EqualValues(t, 704, s.ChunkSize())

	s = NewSpecialization(caps, config.PLOC{BV: config.BVAABB, Radius: 1000})
	assert.EqualValues(t, 1, s.ChunkSize())

	constants := s.Constants(config.BVAABB)
	assert.EqualValues(t, 1000, constants["PLOC_RADIUS"])
	assert.EqualValues(t, config.BVAABB, constants["BV"])
}

func TestWireLayouts(t *testing.T) {
	assert.EqualValues(t, sizeIndirect, bvh.Size[IndirectClusters]())
	assert.EqualValues(t, sizeRuntimeData, bvh.Size[RuntimeData]())
	assert.EqualValues(t, 8, bvh.Size[DLPartition]())

	pcs := []device.PushConstants{
		PCInitialClusters{}, PCFillIndirect{}, PCCopySortedNodeIDs{}, PCIterationIndirect{}, PCDiscoverPairs{},
	}
	want := []int{84, 8, 20, 56, 96}
	for i, pc := range pcs {
		assert.Equal(t, want[i], pc.Size(), "%T", pc)
		assert.Len(t, pc.Marshal(), want[i], "%T", pc)
	}

	in := PCInitialClusters{
		Global: PCMortonGlobal{SceneAABBCubedMin: common.Vec3{1, 2, 3}, SceneAABBNormScale: 0.5, Aux: device.MakeAddress(3, 16)},
		Geometry: PCMortonPerGeometry{
			Vtx:                  device.MakeAddress(7, 0),
			GlobalTriangleIDBase: 9,
			SceneNodeID:          2,
			TriangleCount:        5,
		},
	}
	assert.Equal(t, in, decodePCInitialClusters(in.Marshal()))

	it := PCIterationIndirect{Bvh: device.MakeAddress(1, 0), IDB: device.MakeAddress(2, 4)}
	assert.Equal(t, it, decodePCIterationIndirect(it.Marshal()))
	assert.Len(t, PCDiscoverPairs{}.Addresses(), 12)
}
