package stats

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upload[T any](t *testing.T, dev device.Device, data []T) device.Address {
	t.Helper()
	raw := common.SliceToBytes(data)
	b, err := dev.CreateBuffer(device.BufferDescriptor{Label: "test", Size: uint64(len(raw))})
	require.NoError(t, err)
	require.NoError(t, dev.WriteBuffer(b.Address(), raw))
	return b.Address()
}

func evaluate(t *testing.T, dev device.Device, s Stats, b bvh.Bvh) bvh.BvhStats {
	t.Helper()
	cmd := dev.BeginCommands("stats")
	s.Compute(cmd, config.Stats{BV: b.BV, CT: 1, CI: 1}, b)
	require.NoError(t, dev.Submit(cmd))
	res, err := s.Result()
	require.NoError(t, err)
	return res
}

func TestShaderKey(t *testing.T) {
	key, ok := ShaderKey(config.BVAABB, config.LayoutDefault)
	assert.True(t, ok)
	assert.Equal(t, "stats/stats_bvh2_aabb", key)

	key, _ = ShaderKey(config.BVSOBBd48, config.LayoutBVH2)
	assert.Equal(t, "stats/stats_bvh2_sobb_d_c", key)
	key, _ = ShaderKey(config.BVDOP14Split, config.LayoutBVH2)
	assert.Equal(t, "stats/stats_bvh2_dop14_c", key)
	key, _ = ShaderKey(config.BVSOBBi64, config.LayoutDefault)
	assert.Equal(t, "stats/stats_bvh2_sobb_i64", key)

	_, ok = ShaderKey(config.BVNone, config.LayoutDefault)
	assert.False(t, ok)
}

func TestDefaultAndCompactAgree(t *testing.T) {
	dev := device.NewHostDevice(device.DefaultCapabilities(), 2)
	defer dev.Release()
	s := NewStats(dev, shader.NewCache(""))
	defer s.Release()
	s.SetSceneArea(10)

	nodes := []bvh.NodeAABB{
		{BV: [6]float32{0, 0, 0, 1, 1, 1}, Size: 1, Parent: 2, C0: 0, C1: -1},
		{BV: [6]float32{1, 0, 0, 2, 1, 1}, Size: 1, Parent: 2, C0: 1, C1: -1},
		{BV: [6]float32{0, 0, 0, 2, 1, 1}, Size: 2, Parent: -1, C0: 0, C1: 1},
	}
	def := evaluate(t, dev, s, bvh.Bvh{Nodes: upload(t, dev, nodes), NodeCountLeaf: 2, NodeCountTotal: 3, BV: config.BVAABB})
	assert.InDelta(t, 1, def.SATraverse, 1e-5)
	assert.InDelta(t, 1.2, def.SAIntersect, 1e-5)
	assert.InDelta(t, 2.2, def.CostTotal(), 1e-5)
	assert.EqualValues(t, 2, def.LeafSizeSum)
	assert.EqualValues(t, 1, def.LeafSizeMin)
	assert.EqualValues(t, 1, def.LeafSizeMax)

	compact := []bvh.CompactAABB{{
		BV: [2][6]float32{nodes[0].BV, nodes[1].BV},
		C:  [2]int32{bvh.EncodeLeaf(0, 1), bvh.EncodeLeaf(1, 1)},
	}}
	c := evaluate(t, dev, s, bvh.Bvh{Nodes: upload(t, dev, compact), NodeCountLeaf: 2, NodeCountTotal: 1, BV: config.BVAABB, Layout: config.LayoutBVH2})
	assert.InDelta(t, def.SATraverse, c.SATraverse, 1e-5)
	assert.InDelta(t, def.SAIntersect, c.SAIntersect, 1e-5)
	assert.Equal(t, def.LeafSizeSum, c.LeafSizeSum)
}

func TestUnknownCombinationYieldsZero(t *testing.T) {
	dev := device.NewHostDevice(device.DefaultCapabilities(), 1)
	defer dev.Release()
	s := NewStats(dev, shader.NewCache(""))
	defer s.Release()

	res := evaluate(t, dev, s, bvh.Bvh{Nodes: device.MakeAddress(1, 0), NodeCountTotal: 3, BV: config.BVNone})
	assert.Equal(t, bvh.BvhStats{}, res)
}
