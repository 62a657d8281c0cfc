package bvh

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireSizes(t *testing.T) {
	cases := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"NodeAABB", Size[NodeAABB](), SizeNodeAABB},
		{"NodeDOP14", Size[NodeDOP14](), SizeNodeDOP14},
		{"NodeOBB", Size[NodeOBB](), SizeNodeOBB},
		{"NodeSOBB", Size[NodeSOBB](), SizeNodeSOBB},
		{"NodeSOBBi", Size[NodeSOBBi](), SizeNodeSOBBi},
		{"CompactAABB", Size[CompactAABB](), SizeCompactAABB},
		{"CompactDOP14", Size[CompactDOP14](), SizeCompactDOP14},
		{"CompactDOP3", Size[CompactDOP3](), SizeCompactDOP3},
		{"CompactDOP14Split", Size[CompactDOP14Split](), SizeCompactDOP14Split},
		{"CompactOBB", Size[CompactOBB](), SizeCompactOBB},
		{"CompactSOBB", Size[CompactSOBB](), SizeCompactSOBB},
		{"CompactSOBBi", Size[CompactSOBBi](), SizeCompactSOBBi},
		{"Triangle", Size[Triangle](), SizeTriangle},
		{"TriangleIndex", Size[TriangleIndex](), SizeTriangleIndex},
		{"Geometry", Size[Geometry](), SizeGeometry},
		{"BvhStats", Size[BvhStats](), SizeStats},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.got, c.name)
	}
}

func TestNodeSizeTables(t *testing.T) {
	assert.EqualValues(t, 40, NodeSize(config.BVAABB))
	assert.EqualValues(t, 72, NodeSize(config.BVDOP14))
	assert.EqualValues(t, 64, NodeSize(config.BVOBB))
	assert.EqualValues(t, 64, NodeSize(config.BVSOBBd48))
	assert.EqualValues(t, 44, NodeSize(config.BVSOBBi64))
	assert.Zero(t, NodeSize(config.BVNone))

	node, aux := CompactNodeSize(config.BVDOP14Split)
	assert.EqualValues(t, 56, node)
	assert.EqualValues(t, 64, aux)
	node, aux = CompactNodeSize(config.BVSOBBd32)
	assert.EqualValues(t, 112, node)
	assert.Zero(t, aux)
	node, _ = CompactNodeSize(config.BVNone)
	assert.Zero(t, node)
}

func TestBvhValidity(t *testing.T) {
	var b Bvh
	assert.False(t, b.IsValid())
	assert.Equal(t, "bvh(invalid)", b.String())

	b.Nodes = 1 << 32
	b.NodeCountLeaf, b.NodeCountTotal = 2, 3
	assert.True(t, b.IsValid())
	assert.Contains(t, b.String(), "2 leaves")
}

func TestLeafEncoding(t *testing.T) {
	c := EncodeLeaf(1234, 7)
	assert.Less(t, c, int32(0))
	leaf, first, count := DecodeChild(c)
	assert.True(t, leaf)
	assert.EqualValues(t, 1234, first)
	assert.EqualValues(t, 7, count)

	leaf, idx, _ := DecodeChild(42)
	assert.False(t, leaf)
	assert.EqualValues(t, 42, idx)
}

func TestMorton30(t *testing.T) {
	assert.Zero(t, Morton30(common.Vec3{0, 0, 0}))
	assert.Equal(t, uint32(1<<30-1), Morton30(common.Vec3{1, 1, 1}))
	assert.Equal(t, uint32(4), Morton30(common.Vec3{1.0 / 1024, 0, 0}))
	assert.Equal(t, uint32(1), Morton30(common.Vec3{0, 0, 1.0 / 1024}))
	assert.Zero(t, Morton30(common.Vec3{-5, -5, -5}))

	f := NewMortonFrame(common.AABB{Min: common.Vec3{-1, -1, -1}, Max: common.Vec3{1, 0, 0}})
	assert.InDelta(t, 0.5, f.Scale, 1e-6)
	assert.Less(t, f.Code(common.Vec3{-1, -1, -1}), f.Code(common.Vec3{1, 1, 1}))
}

func TestWoopIntersect(t *testing.T) {
	tri := Woopify(common.Vec3{0, 0, 0}, common.Vec3{1, 0, 0}, common.Vec3{0, 1, 0})

	dist, u, v, hit := tri.Intersect(common.Vec3{0.25, 0.25, 1}, common.Vec3{0, 0, -1}, 0, 100)
	require.True(t, hit)
	assert.InDelta(t, 1, dist, 1e-5)
	assert.InDelta(t, 0.5, u, 1e-5)
	assert.InDelta(t, 0.25, v, 1e-5)

	_, _, _, hit = tri.Intersect(common.Vec3{2, 2, 1}, common.Vec3{0, 0, -1}, 0, 100)
	assert.False(t, hit)
	_, _, _, hit = tri.Intersect(common.Vec3{0.25, 0.25, 1}, common.Vec3{0, 0, -1}, 0, 0.5)
	assert.False(t, hit)

	degenerate := Woopify(common.Vec3{0, 0, 0}, common.Vec3{1, 0, 0}, common.Vec3{2, 0, 0})
	_, _, _, hit = degenerate.Intersect(common.Vec3{0.5, 0, 1}, common.Vec3{0, 0, -1}, 0, 100)
	assert.False(t, hit)
}

func TestDOP14AreaOfBoxMatchesAABB(t *testing.T) {
	box := common.AABB{Min: common.Vec3{0, 0, 0}, Max: common.Vec3{1, 2, 3}}
	d := AABBToDOP14(box)
	assert.InDelta(t, box.Area(), d.Area(), 1e-3)
	assert.Equal(t, box, d.AABB())
	assert.Zero(t, EmptyDOP14().Area())
}

func TestDOP14TighterThanAABB(t *testing.T) {
	d := EmptyDOP14().
		Extend(common.Vec3{0, 0, 0}).
		Extend(common.Vec3{1, 0, 0}).
		Extend(common.Vec3{0, 1, 0}).
		Extend(common.Vec3{0, 0, 1})
	box := d.AABB()
	assert.Less(t, d.Area(), box.Area())
	assert.Greater(t, d.Area(), float32(0))
}

func TestFrameArea(t *testing.T) {
	box := common.AABB{Min: common.Vec3{1, 1, 1}, Max: common.Vec3{2, 3, 4}}
	f := FrameFromAABB(box)
	assert.InDelta(t, box.Area(), f.Area(), 1e-3)

	p := f.Apply(common.Vec3{2, 3, 4})
	assert.InDelta(t, 1, p[0], 1e-6)
	assert.InDelta(t, 1, p[1], 1e-6)
	assert.InDelta(t, 1, p[2], 1e-6)
}

func TestSlabBoxMatchesFrame(t *testing.T) {
	s := SlabBox{
		N:  [3]common.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		Lo: [3]float32{0, 0, 0},
		Hi: [3]float32{1, 2, 3},
	}
	assert.InDelta(t, 22, s.Area(), 1e-4)
	assert.InDelta(t, s.Area(), s.Frame().Area(), 1e-3)

	coplanar := s
	coplanar.N[2] = common.Vec3{1, 0, 0}
	assert.True(t, math32.IsInf(coplanar.Area(), 1))
}

func TestSOBBDirections(t *testing.T) {
	for _, n := range []int{16, 24, 32} {
		dirs := SOBBDirections(n)
		require.Len(t, dirs, n)
		for _, d := range dirs {
			assert.InDelta(t, 1, d.Length(), 1e-5)
		}
	}
	assert.Equal(t, common.Vec3{1, 0, 0}, SOBBDirections(16)[0])
	assert.Equal(t, SOBBDirections(24), SOBBDirections(24))
	assert.Equal(t, [3]uint32{3, 17, 31}, UnpackDirs(PackDirs(3, 17, 31)))
}

func TestRayVolumes(t *testing.T) {
	o := common.Vec3{-1, 0.5, 0.5}
	d := common.Vec3{1, 0, 0}

	aabb := [6]float32{0, 0, 0, 1, 1, 1}
	tn, hit := RayAABB(o, d, &aabb, 100)
	require.True(t, hit)
	assert.InDelta(t, 1, tn, 1e-6)
	_, hit = RayAABB(common.Vec3{-1, 5, 0.5}, d, &aabb, 100)
	assert.False(t, hit)

	dop := [14]float32(AABBToDOP14(common.AABB{Max: common.Vec3{1, 1, 1}}))
	tn, hit = RayDOP14(o, d, &dop, 100)
	require.True(t, hit)
	assert.InDelta(t, 1, tn, 1e-6)

	f := FrameFromAABB(common.AABB{Max: common.Vec3{1, 1, 1}})
	tn, hit = RayFrame(o, d, &f, 100)
	require.True(t, hit)
	assert.InDelta(t, 1, tn, 1e-5)
	_, hit = RayFrame(o, d, &f, 0.5)
	assert.False(t, hit)

	set := SOBBDirections(16)
	s := SlabBoxFromIndexed([]float32{0, 1, 0, 1, 0, 1}, PackDirs(0, 1, 2), set)
	tn, hit = RaySlabBox(o, d, &s, 100)
	require.True(t, hit)
	assert.InDelta(t, 1, tn, 1e-6)
}
