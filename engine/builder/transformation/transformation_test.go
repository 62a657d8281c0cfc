package transformation

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/buildtest"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/collapsing"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/plocpp"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/scene"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type built struct {
	dev    device.Device
	cache  *shader.Cache
	sc     scene.Scene
	meshes []scene.Mesh
	input  bvh.Bvh
}

func build(t *testing.T, bv config.BV, collapse bool, meshes ...scene.Mesh) built {
	t.Helper()
	dev := buildtest.NewDevice(t)
	cache := shader.NewCache("")
	sc := buildtest.UploadScene(t, dev, meshes...)

	cfg := config.DefaultPipeline()
	cfg.PLOC.BV = bv
	cfg.Collapsing.BV = bv
	p := plocpp.NewPLOCpp(dev, cache)
	t.Cleanup(p.Release)
	p.NeedsRecompute(cfg)
	input := buildtest.Run(t, dev, p, bvh.Bvh{}, sc)
	if collapse {
		c := collapsing.NewCollapsing(dev, cache)
		t.Cleanup(c.Release)
		c.NeedsRecompute(cfg)
		input = buildtest.Run(t, dev, c, input, sc)
	}
	return built{dev: dev, cache: cache, sc: sc, meshes: meshes, input: input}
}

func (b built) refit(t *testing.T, target config.BV) (Transformation, bvh.Bvh) {
	t.Helper()
	tr := NewTransformation(b.dev, b.cache)
	t.Cleanup(tr.Release)
	cfg := config.DefaultPipeline()
	cfg.Transformation.BV = target
	require.True(t, tr.NeedsRecompute(cfg))
	return tr, buildtest.Run(t, b.dev, tr, b.input, b.sc)
}

func (b built) triangle(id bvh.TriangleIndex) [3]common.Vec3 {
	m := b.meshes[id.NodeID]
	i := 3 * id.TriangleID
	return [3]common.Vec3{m.Vertices[m.Indices[i]], m.Vertices[m.Indices[i+1]], m.Vertices[m.Indices[i+2]]}
}

func contains(bv config.BV, vol []float32, p common.Vec3) bool {
	const tol, tolUnit = 1e-4, 1e-2
	switch {
	case bv == config.BVDOP14:
		for j, n := range bvh.DOP14Directions {
			if v := n.Dot(p); v < vol[2*j]-tol || v > vol[2*j+1]+tol {
				return false
			}
		}
	case bv == config.BVOBB || bv.IsSOBBd():
		q := bvh.Frame(vol[:12]).Apply(p)
		for _, v := range q {
			if v < -tolUnit || v > 1+tolUnit {
				return false
			}
		}
	case bv.IsSOBBi():
		s := bvh.SlabBoxFromIndexed(vol[:6], math32.Float32bits(vol[6]), bvh.SOBBDirectionSet(bv))
		for r := range 3 {
			if v := s.N[r].Dot(p); v < s.Lo[r]-tol || v > s.Hi[r]+tol {
				return false
			}
		}
	default:
		return false
	}
	return true
}

func rotatedRectangle() scene.Mesh {
	c, s := math32.Cos(math32.Pi/6), math32.Sin(math32.Pi/6)
	long := common.Vec3{4 * c, 4 * s, 0}
	short := common.Vec3{-0.5 * s, 0.5 * c, 0}
	return scene.Mesh{
		Name:     "rectangle",
		Vertices: []common.Vec3{{}, long, long.Add(short), short},
		Indices:  []uint32{0, 1, 2, 0, 2, 3},
	}
}

func TestRefitContainsGeometry(t *testing.T) {
	b := build(t, config.BVAABB, true, scene.Soup(300, 11), scene.Grid(5))
	inNodes := buildtest.ReadNodes(t, b.dev, b.input)

	for _, target := range []config.BV{
		config.BVDOP14, config.BVOBB,
		config.BVSOBBd32, config.BVSOBBd64,
		config.BVSOBBi32, config.BVSOBBi48,
	} {
		t.Run(target.String(), func(t *testing.T) {
			_, out := b.refit(t, target)
			require.True(t, out.IsValid())
			assert.Equal(t, target, out.BV)
			assert.Equal(t, config.LayoutDefault, out.Layout)
			assert.Equal(t, b.input.NodeCountTotal, out.NodeCountTotal)
			assert.Equal(t, b.input.NodeCountLeaf, out.NodeCountLeaf)
			assert.Equal(t, b.input.Triangles, out.Triangles)
			assert.Equal(t, b.input.TriangleIDs, out.TriangleIDs)

			nodes := buildtest.ReadNodes(t, b.dev, out)
			for i := range nodes.Len() {
				require.Equal(t, *inNodes.Links(i), *nodes.Links(i), "links of node %d", i)
			}

			root := int(out.NodeCountTotal) - 1
			ids := buildtest.ReadTriangleIDs(t, b.dev, out, uint32(nodes.Links(root).Size))
			for i := range nodes.Len() {
				l := nodes.Links(i)
				if !l.IsLeaf() {
					continue
				}
				for s := l.C0; s < l.C0+l.Size; s++ {
					for _, p := range b.triangle(ids[s]) {
						for n := i; n >= 0; n = int(nodes.Links(n).Parent) {
							require.Truef(t, contains(target, nodes.Volume(n), p), "vertex %v of slot %d outside node %d", p, s, n)
						}
					}
				}
			}
		})
	}
}

func TestDOP14MatchesDirectBuild(t *testing.T) {
	meshes := []scene.Mesh{scene.Soup(250, 3), scene.Icosphere(1)}
	fromAABB := build(t, config.BVAABB, false, meshes...)
	_, out := fromAABB.refit(t, config.BVDOP14)
	direct := build(t, config.BVDOP14, false, meshes...)

	size := uint64(out.NodeCountTotal) * bvh.SizeNodeDOP14
	require.Equal(t, direct.input.NodeCountTotal, out.NodeCountTotal)
	assert.Equal(t,
		buildtest.ReadBytes(t, direct.dev, direct.input.Nodes, size),
		buildtest.ReadBytes(t, fromAABB.dev, out.Nodes, size))
}

func TestOBBFitsRotatedRectangle(t *testing.T) {
	b := build(t, config.BVAABB, true, rotatedRectangle())
	_, out := b.refit(t, config.BVOBB)
	require.EqualValues(t, 1, out.NodeCountTotal, "both triangles share one leaf")

	root := 0
	aabb := bvh.VolumeArea(config.BVAABB, buildtest.ReadNodes(t, b.dev, b.input).Volume(root))
	obb := bvh.VolumeArea(config.BVOBB, buildtest.ReadNodes(t, b.dev, out).Volume(root))
	assert.InDelta(t, 18, aabb, 0.1)
	assert.InDelta(t, 4, obb, 0.1)
}

func TestSlabBoxNeverLargerThanAABB(t *testing.T) {
	b := build(t, config.BVAABB, true, scene.Soup(200, 8))
	_, out := b.refit(t, config.BVSOBBi32)

	in := buildtest.ReadNodes(t, b.dev, b.input)
	nodes := buildtest.ReadNodes(t, b.dev, out)
	for i := range nodes.Len() {
		box := bvh.VolumeArea(config.BVAABB, in.Volume(i))
		assert.LessOrEqualf(t, bvh.VolumeArea(out.BV, nodes.Volume(i)), box*(1+1e-4)+1e-6, "node %d", i)
	}
}

func TestChooseSlabsPrefersAxesForABox(t *testing.T) {
	dirs := bvh.SOBBDirections(16)
	d := make([]float32, 32)
	for j, n := range dirs {
		lo, hi := math32.Inf(1), math32.Inf(-1)
		for c := range 8 {
			p := common.Vec3{float32(c & 1), float32(c >> 1 & 1), float32(c >> 2 & 1)}
			lo, hi = math32.Min(lo, n.Dot(p)), math32.Max(hi, n.Dot(p))
		}
		d[2*j], d[2*j+1] = lo, hi
	}
	s, idx := chooseSlabs(dirs, d)
	assert.Equal(t, [3]uint32{0, 1, 2}, idx)
	assert.InDelta(t, 6, s.Area(), 1e-4)
}

func TestFitDiTODegenerate(t *testing.T) {
	p := common.Vec3{1, 2, 3}
	pts := extremalPoints([]common.Vec3{p, p, p})
	f, fallback := fitDiTO(&pts, []common.Vec3{p})
	assert.True(t, fallback)
	assert.Equal(t, axisBasis, f.Axes)
	for r := range 3 {
		assert.Less(t, f.Lo[r], p[r])
		assert.Greater(t, f.Hi[r], p[r])
	}
}

func TestStepTimesAndMemory(t *testing.T) {
	b := build(t, config.BVAABB, false, scene.Soup(64, 1))

	tr, out := b.refit(t, config.BVOBB)
	st := tr.GatherStats(bvh.BvhStats{})
	require.Len(t, st.Times, len(obbSteps))
	assert.Equal(t, "leaves", st.Times[0].Name)
	assert.Equal(t, out.NodeCountTotal, st.NodeCountTotal)

	nodes := uint64(out.NodeCountTotal) * bvh.SizeNodeOBB
	assert.Greater(t, st.Memory, nodes)
	tr.FreeIntermediate()
	assert.Equal(t, nodes, tr.GatherStats(bvh.BvhStats{}).Memory)

	tr, _ = b.refit(t, config.BVDOP14)
	st = tr.GatherStats(bvh.BvhStats{})
	require.Len(t, st.Times, 1)
	assert.Equal(t, "transform", st.Times[0].Name)
}

func TestComputeErrors(t *testing.T) {
	b := build(t, config.BVAABB, false, buildtest.TwoTriangles())
	tr := NewTransformation(b.dev, b.cache)
	defer tr.Release()
	cmd := b.dev.BeginCommands("errors")

	cfg := config.DefaultPipeline()
	cfg.Transformation.BV = config.BVAABB
	assert.True(t, tr.NeedsRecompute(cfg))
	assert.ErrorIs(t, tr.Compute(cmd, b.input, b.sc), ErrUnsupportedBV)

	cfg.Transformation.BV = config.BVOBB
	tr.NeedsRecompute(cfg)
	assert.ErrorIs(t, tr.Compute(cmd, bvh.Bvh{}, b.sc), ErrInputLayout)
	compact := b.input
	compact.Layout = config.LayoutBVH2
	assert.ErrorIs(t, tr.Compute(cmd, compact, b.sc), ErrInputLayout)

	idle := scene.NewScene("idle", scene.WithMeshes(buildtest.TwoTriangles()))
	assert.ErrorIs(t, tr.Compute(cmd, b.input, idle), ErrSceneNotUploaded)
	assert.ErrorIs(t, tr.Compute(cmd, b.input, nil), ErrSceneNotUploaded)
	assert.False(t, tr.GetBVH().IsValid())
}

func TestNeedsRecompute(t *testing.T) {
	dev := buildtest.NewDevice(t)
	tr := NewTransformation(dev, shader.NewCache(""))
	defer tr.Release()

	cfg := config.DefaultPipeline()
	assert.False(t, tr.NeedsRecompute(cfg), "the default pipeline does not transform")
	assert.False(t, tr.CheckForShaderHotReload())

	cfg.Transformation.BV = config.BVSOBBd48
	assert.True(t, tr.NeedsRecompute(cfg))
	assert.False(t, tr.NeedsRecompute(cfg))
	assert.Equal(t, config.BVSOBBd48, tr.BV())

	assert.True(t, Supported(config.BVSOBBi64))
	assert.False(t, Supported(config.BVDOP14Split))
}

func TestShaderHotReload(t *testing.T) {
	b := build(t, config.BVAABB, false, buildtest.TwoTriangles())
	tr, _ := b.refit(t, config.BVDOP14)

	assert.False(t, tr.CheckForShaderHotReload())
	b.cache.Bump(config.DefaultPipeline().Transformation.Shader.Transform)
	assert.True(t, tr.CheckForShaderHotReload())
	assert.True(t, tr.GetBVH().IsValid(), "a reload keeps the output")
}

func TestWireLayouts(t *testing.T) {
	dop := PCTransformToDOP{Bvh: device.MakeAddress(1, 0), Counters: device.MakeAddress(2, 4), NodeCountTotal: 5, NodeCountLeaf: 3}
	assert.Len(t, dop.Marshal(), 52)
	assert.Equal(t, dop, decodePCTransformToDOP(dop.Marshal()))

	obb := PCTransformToOBB{OBB: device.MakeAddress(3, 0), Times: device.MakeAddress(4, 0), NodeCountTotal: 9}
	assert.Len(t, obb.Marshal(), 76)
	assert.Equal(t, obb, decodePCTransformToOBB(obb.Marshal()))
	assert.Len(t, obb.Addresses(), 9)

	sobb := PCTransformToSOBB{BaseDOP: device.MakeAddress(5, 0), NodeCountTotal: 7, NodeCountLeaf: 4, DOPSize: 48}
	assert.Len(t, sobb.Marshal(), 68)
	assert.Equal(t, sobb, decodePCTransformToSOBB(sobb.Marshal()))

	assert.EqualValues(t, sizeOBBFit, bvh.Size[OBBFit]())
	assert.EqualValues(t, sizeDitoPoints, bvh.Size[[14]common.Vec3]())
}
