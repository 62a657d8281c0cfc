// Package buildtest holds the fixtures shared by the build stage tests: a host device, uploaded
// scenes and a runner that takes a stage through one Compute and read back.
package buildtest

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/scene"
	"github.com/stretchr/testify/require"
)

// Stage is the part of a build stage the runner drives.
type Stage interface {
	NeedsRecompute(cfg config.BVHPipeline) bool
	Compute(cmd device.CommandContext, input bvh.Bvh, sc scene.Scene) error
	ReadRuntimeData() error
	GetBVH() bvh.Bvh
}

// NewDevice returns a host device released when the test ends.
func NewDevice(t testing.TB) device.Device {
	t.Helper()
	dev := device.NewHostDevice(device.DefaultCapabilities(), 4)
	t.Cleanup(dev.Release)
	return dev
}

// UploadScene uploads meshes to dev and releases them when the test ends.
func UploadScene(t testing.TB, dev device.Device, meshes ...scene.Mesh) scene.Scene {
	t.Helper()
	sc := scene.NewScene(t.Name(), scene.WithMeshes(meshes...), scene.WithComputeWorkers(1))
	require.NoError(t, sc.Upload(dev))
	t.Cleanup(sc.Release)
	return sc
}

// Run records one Compute of s, submits it and reads the runtime data back.
func Run(t testing.TB, dev device.Device, s Stage, input bvh.Bvh, sc scene.Scene) bvh.Bvh {
	t.Helper()
	cmd := dev.BeginCommands(t.Name())
	require.NoError(t, s.Compute(cmd, input, sc))
	require.NoError(t, dev.Submit(cmd))
	require.NoError(t, s.ReadRuntimeData())
	return s.GetBVH()
}

// ReadBytes copies size bytes at a out of the device.
func ReadBytes(t testing.TB, dev device.Device, a device.Address, size uint64) []byte {
	t.Helper()
	raw, err := dev.ReadBuffer(a, size)
	require.NoError(t, err)
	return raw
}

// ReadNodes copies the node array of a Default-layout hierarchy.
func ReadNodes(t testing.TB, dev device.Device, b bvh.Bvh) bvh.NodeView {
	t.Helper()
	require.Equal(t, config.LayoutDefault, b.Layout)
	raw := ReadBytes(t, dev, b.Nodes, uint64(b.NodeCountTotal)*bvh.NodeSize(b.BV))
	return bvh.NewNodeView(raw, b.BV)
}

// ReadTriangleIDs copies the triangle slot table of b.
func ReadTriangleIDs(t testing.TB, dev device.Device, b bvh.Bvh, count uint32) []bvh.TriangleIndex {
	t.Helper()
	raw := ReadBytes(t, dev, b.TriangleIDs, uint64(count)*bvh.SizeTriangleIndex)
	return common.BytesToSlice[bvh.TriangleIndex](raw)
}

// TwoTriangles returns two disjoint triangles on the z = 0 plane.
func TwoTriangles() scene.Mesh {
	return scene.Mesh{
		Name: "two",
		Vertices: []common.Vec3{
			{0, 0, 0}, {1, 0, 0}, {0, 1, 0},
			{3, 0, 0}, {4, 0, 0}, {3, 1, 0},
		},
		Indices: []uint32{0, 1, 2, 3, 4, 5},
	}
}

// Walk visits every node reachable from root in depth-first order and returns how many it saw.
// It fails the test on a cycle.
func Walk(t testing.TB, nodes bvh.NodeView, root int, visit func(i int, l *bvh.Links)) int {
	t.Helper()
	seen := make([]bool, nodes.Len())
	stack := []int{root}
	count := 0
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		require.False(t, seen[i], "node %d reached twice", i)
		seen[i] = true
		count++
		l := nodes.Links(i)
		if visit != nil {
			visit(i, l)
		}
		if !l.IsLeaf() {
			stack = append(stack, int(l.C1), int(l.C0))
		}
	}
	return count
}
