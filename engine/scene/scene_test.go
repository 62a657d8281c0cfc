package scene

import (
	"strings"
	"testing"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quadOBJ = `# two objects
v 0 0 0
v 1 0 0
v 1 1 0
v 0 1 0
vn 0 0 1
o quad
f 1//1 2//1 3//1 4//1
o tri
f -4 -3 -2
`

func TestReadOBJ(t *testing.T) {
	meshes, err := ReadOBJ(strings.NewReader(quadOBJ), "file")
	require.NoError(t, err)
	require.Len(t, meshes, 2)

	quad := meshes[0]
	assert.Equal(t, "quad", quad.Name)
	assert.EqualValues(t, 2, quad.TriangleCount())
	assert.Len(t, quad.Vertices, 4)
	assert.NoError(t, quad.Validate())

	tri := meshes[1]
	assert.Equal(t, "tri", tri.Name)
	assert.EqualValues(t, 1, tri.TriangleCount())
	v0, v1, v2 := tri.Triangle(0)
	assert.Equal(t, common.Vec3{0, 0, 0}, v0)
	assert.Equal(t, common.Vec3{1, 0, 0}, v1)
	assert.Equal(t, common.Vec3{1, 1, 0}, v2)

	_, err = ReadOBJ(strings.NewReader("v 0 0\n"), "bad")
	assert.Error(t, err)
	_, err = ReadOBJ(strings.NewReader("v 0 0 0\nf 1 2 3\n"), "bad")
	assert.Error(t, err)
}

func TestProcedural(t *testing.T) {
	g := Grid(4)
	assert.EqualValues(t, 32, g.TriangleCount())
	assert.NoError(t, g.Validate())
	assert.Len(t, g.Normals, len(g.Vertices))

	s := Icosphere(1)
	assert.EqualValues(t, 80, s.TriangleCount())
	for _, v := range s.Vertices {
		assert.InDelta(t, 1, v.Length(), 1e-5)
	}

	a, b := Soup(50, 7), Soup(50, 7)
	assert.EqualValues(t, 50, a.TriangleCount())
	assert.Equal(t, a.Vertices, b.Vertices)

	_, err := Procedural(config.Procedural{Kind: "teapot"})
	assert.Error(t, err)
	m, err := Procedural(config.Procedural{Kind: "grid", Count: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 8, m.TriangleCount())
}

func TestMeshValidate(t *testing.T) {
	m := Mesh{Name: "broken", Vertices: []common.Vec3{{}, {}}, Indices: []uint32{0, 1, 2}}
	assert.ErrorIs(t, m.Validate(), ErrIndexOutOfRange)
	m.Indices = []uint32{0, 1}
	assert.ErrorIs(t, m.Validate(), ErrIndexOutOfRange)

	m.Indices = []uint32{0, 1, 5}
	assert.NotPanics(t, func() { m.Bounds() })
}

func TestSceneUpload(t *testing.T) {
	dev := device.NewHostDevice(device.DefaultCapabilities(), 2)
	defer dev.Release()

	s := NewScene("test", WithMeshes(Grid(2), Soup(10, 1)), WithComputeWorkers(2))
	assert.EqualValues(t, 18, s.TotalTriangleCount())
	assert.False(t, s.Uploaded())
	assert.False(t, s.AABB().IsEmpty())

	require.NoError(t, s.Upload(dev))
	require.True(t, s.Uploaded())

	geoms := s.Geometries()
	require.Len(t, geoms, 2)
	assert.EqualValues(t, 8, geoms[0].TriangleCount)
	assert.EqualValues(t, 10, geoms[1].TriangleCount)

	raw, err := dev.ReadBuffer(s.GeometryDescriptors(), 2*bvh.SizeGeometry)
	require.NoError(t, err)
	descs := common.BytesToSlice[bvh.Geometry](raw)
	assert.Equal(t, geoms[1].Vertices, descs[1].Vertices)
	assert.Equal(t, geoms[0].Indices, descs[0].Indices)

	raw, err = dev.ReadBuffer(geoms[1].Indices, 3*4)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2}, common.BytesToSlice[uint32](raw))

	used := dev.MemoryUsage()
	assert.Greater(t, used, uint64(0))
	s.Release()
	assert.False(t, s.Uploaded())
	assert.Zero(t, dev.MemoryUsage())
}

func TestSceneUploadErrors(t *testing.T) {
	dev := device.NewHostDevice(device.DefaultCapabilities(), 1)
	defer dev.Release()

	assert.ErrorIs(t, NewScene("empty").Upload(dev), ErrNoGeometry)

	bad := Mesh{Name: "bad", Vertices: []common.Vec3{{}}, Indices: []uint32{0, 0, 3}}
	s := NewScene("bad", WithMeshes(Grid(1), bad))
	assert.ErrorIs(t, s.Upload(dev), ErrIndexOutOfRange)
	assert.False(t, s.Uploaded())
}

func TestLoadScene(t *testing.T) {
	s, err := Load(config.Scene{Name: "sphere", Procedural: config.Procedural{Kind: "sphere", Count: 0}})
	require.NoError(t, err)
	assert.Equal(t, "sphere", s.Name())
	assert.EqualValues(t, 20, s.TotalTriangleCount())

	_, err = Load(config.Scene{Name: "missing", File: "/does/not/exist.obj"})
	assert.Error(t, err)
}
