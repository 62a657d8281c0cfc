package main

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-bvh/engine"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/scene"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBenchResult(t *testing.T) {
	dev := device.NewHostDevice(device.DefaultCapabilities(), 2)
	defer dev.Release()
	eng, err := engine.NewEngine(engine.WithDevice(dev), engine.WithResolution(16, 16), engine.WithPathDepth(2))
	require.NoError(t, err)
	defer eng.Release()

	sc := scene.NewScene("sphere", scene.WithMeshes(scene.Icosphere(1)), scene.WithComputeWorkers(1))
	require.NoError(t, eng.LoadScene(sc))
	for range 2 {
		_, err := eng.Frame()
		require.NoError(t, err)
	}

	st := eng.Stats()
	res := newBenchResult("sphere", "aabb", st)
	assert.Equal(t, "sphere", res.scene)
	assert.Equal(t, "aabb", res.pipeline)
	assert.Positive(t, res.nodes)
	assert.Positive(t, res.leaves)
	assert.Positive(t, res.cost)
	assert.InDelta(t, float64(st.Build.Final().Bvh.CostTotal()), res.cost, 1e-6)
	assert.Positive(t, res.nodesPerRay)
}
