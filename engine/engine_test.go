package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder"
	"github.com/Carmen-Shannon/oxy-bvh/engine/camera"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/scene"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, options ...EngineBuilderOption) Engine {
	t.Helper()
	dev := device.NewHostDevice(device.DefaultCapabilities(), 4)
	t.Cleanup(dev.Release)
	options = append([]EngineBuilderOption{WithDevice(dev), WithResolution(24, 16), WithPathDepth(2)}, options...)
	e, err := NewEngine(options...)
	require.NoError(t, err)
	t.Cleanup(e.Release)
	return e
}

func loadSphere(t *testing.T, e Engine) {
	t.Helper()
	sc := scene.NewScene("sphere", scene.WithMeshes(scene.Icosphere(1)), scene.WithComputeWorkers(1))
	require.NoError(t, e.LoadScene(sc))
}

func TestFrameWithoutScene(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Frame()
	assert.ErrorIs(t, err, ErrNoScene)
}

func TestFramesBuildOnceAndAccumulate(t *testing.T) {
	e := newTestEngine(t)
	loadSphere(t, e)

	st, err := e.Frame()
	require.NoError(t, err)
	assert.True(t, st.Built)
	assert.Equal(t, builder.StateDone.String(), st.State)
	assert.EqualValues(t, 1, st.Samples)
	assert.EqualValues(t, 24*16, st.Trace.Depths[0].RayCount)
	assert.Positive(t, st.Build.Final().NodeCountTotal)
	assert.Equal(t, "sphere", st.Scene)

	st, err = e.Frame()
	require.NoError(t, err)
	assert.False(t, st.Built, "the hierarchy is kept between frames")
	assert.EqualValues(t, 2, st.Samples)
	assert.EqualValues(t, 2, e.Samples())

	img, err := e.Image()
	require.NoError(t, err)
	assert.Equal(t, 24, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())
	assert.NotEqual(t, img.RGBAAt(0, 0), img.RGBAAt(12, 8), "the fitted camera sees the sphere in the center")
}

func TestRestartTriggers(t *testing.T) {
	e := newTestEngine(t)
	loadSphere(t, e)
	frame := func() FrameStats {
		st, err := e.Frame()
		require.NoError(t, err)
		return st
	}
	frame()
	frame()
	require.EqualValues(t, 2, e.Samples())

	e.Camera().Controller().Orbit(1)
	assert.EqualValues(t, 1, frame().Samples, "a camera move restarts the accumulation")
	frame()

	cfg := e.Config()
	cfg.PLOC.Radius = 4
	e.Configure(cfg)
	st := frame()
	assert.True(t, st.Built)
	assert.EqualValues(t, 1, st.Samples)

	e.SetVisualizationMode(config.VisIntersections)
	st = frame()
	assert.EqualValues(t, 1, st.Samples)
	assert.Equal(t, config.VisIntersections.String(), st.Mode)
	assert.Zero(t, st.Trace.Depths[1].RayCount)

	require.NoError(t, e.Resize(32, 8))
	st = frame()
	assert.EqualValues(t, 1, st.Samples)
	assert.EqualValues(t, 32*8, st.Trace.Depths[0].RayCount)
}

func TestSampleLimit(t *testing.T) {
	e := newTestEngine(t, WithSampleLimit(2))
	loadSphere(t, e)
	for range 4 {
		_, err := e.Frame()
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, e.Samples())
}

func TestSetCameraStopsFitting(t *testing.T) {
	e := newTestEngine(t)
	cam := camera.NewCamera(camera.WithLookAt(common.Vec3{0, 0, 10}, common.Vec3{}))
	e.SetCamera(cam)
	loadSphere(t, e)
	pos := e.Camera().Controller().Position()
	for i, want := range []float32{0, 0, 10} {
		assert.InDelta(t, want, pos[i], 1e-4)
	}
	assert.InDelta(t, 24.0/16.0, e.Camera().Aspect(), 1e-6)
}

func TestResolve(t *testing.T) {
	img := resolve([][4]float32{{2, 0, 0.5, 2}, {0, 0, 0, 0}}, 2, 1)
	px := img.RGBAAt(0, 0)
	assert.EqualValues(t, 255, px.R)
	assert.EqualValues(t, 0, px.G)
	assert.InDelta(t, 137, int(px.B), 1, "0.25 linear is about 137 in sRGB")
	assert.EqualValues(t, 255, px.A)
	assert.EqualValues(t, 0, img.RGBAAt(1, 0).R, "an empty pixel stays black")
}

func TestRunStopsOnQuit(t *testing.T) {
	e := newTestEngine(t, WithTickRate(200))
	loadSphere(t, e)

	var frames, ticks atomic.Int32
	e.SetTickCallback(func(float32) { ticks.Add(1) })
	e.SetFrameCallback(func(FrameStats) {
		if frames.Add(1) == 3 {
			e.Quit()
		}
	})
	done := make(chan struct{})
	go func() {
		e.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("Run did not return after Quit")
	}
	assert.GreaterOrEqual(t, frames.Load(), int32(3))
	e.Quit()
}
