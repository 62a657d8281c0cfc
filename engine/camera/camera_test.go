package camera

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertVec(t *testing.T, want, got common.Vec3, delta float64) {
	t.Helper()
	for i := range 3 {
		assert.InDelta(t, want[i], got[i], delta, "component %d of %v", i, got)
	}
}

func TestGPUCameraLayout(t *testing.T) {
	var g GPUCamera
	assert.Equal(t, SizeGPUCamera, g.Size())
	c := NewCamera(WithLookAt(common.Vec3{1, 2, 3}, common.Vec3{}))
	g = c.GPU()
	raw := g.Marshal()
	require.Len(t, raw, SizeGPUCamera)
	assert.Equal(t, g, common.BytesToSlice[GPUCamera](raw)[0])
}

func TestCenterRayHitsTarget(t *testing.T) {
	eye := common.Vec3{3, 4, 5}
	target := common.Vec3{1, 0, -1}
	c := NewCamera(WithLookAt(eye, target), WithAspect(16.0/9))
	g := c.GPU()

	o, d := g.Ray(0, 0)
	assertVec(t, eye, o, 1e-4)
	assertVec(t, target.Sub(eye).Normalize(), d, 1e-4)

	_, right := g.Ray(1, 0)
	_, up := g.Ray(0, 1)
	assert.Greater(t, up.Dot(c.Up()), d.Dot(c.Up()), "positive ndc y points up")
	assert.InDelta(t, 1, right.Length(), 1e-5)
}

func TestChangedTracksMovement(t *testing.T) {
	c := NewCamera()
	assert.True(t, c.Changed())
	assert.False(t, c.Changed())

	c.Update()
	assert.False(t, c.Changed(), "no movement")

	c.Controller().Orbit(1)
	c.Update()
	assert.True(t, c.Changed())

	c.SetFov(1)
	assert.True(t, c.Changed())
}

func TestControllerOrbitKeepsRadius(t *testing.T) {
	ctrl := NewController(WithTarget(common.Vec3{1, 1, 1}), WithRadius(5), WithOrbitSpeed(0.5))
	for range 10 {
		ctrl.Orbit(1)
		assert.InDelta(t, 5, ctrl.Position().Sub(ctrl.Target()).Length(), 1e-4)
	}
	ctrl.Tilt(100)
	assert.Less(t, ctrl.Elevation(), math32.Pi/2)

	ctrl.Zoom(10)
	assert.InDelta(t, 1e-3, ctrl.Radius(), 1e-6, "clamped to the minimum radius")
}

func TestControllerLookFrom(t *testing.T) {
	ctrl := NewController()
	eye := common.Vec3{-2, 3, 6}
	ctrl.LookFrom(eye)
	assertVec(t, eye, ctrl.Position(), 1e-4)
	assert.InDelta(t, 7, ctrl.Radius(), 1e-4)
}

func TestControllerFit(t *testing.T) {
	ctrl := NewController()
	b := common.AABB{Min: common.Vec3{-1, -1, -1}, Max: common.Vec3{3, 1, 1}}
	ctrl.Fit(b, math32.Pi/2)
	assertVec(t, common.Vec3{1, 0, 0}, ctrl.Target(), 1e-6)
	assert.Greater(t, ctrl.Radius(), b.Diagonal().Length()/2)

	ctrl.Fit(common.EmptyAABB(), 1)
	assertVec(t, common.Vec3{}, ctrl.Target(), 1e-6)
}

func TestPresetRoundTrip(t *testing.T) {
	src := `
position: [0, 2, 10]
target: [0, 1, 0]
fov_deg: 60
near: 0.1
far: 500
`
	p, err := ReadPreset(strings.NewReader(src))
	require.NoError(t, err)
	c := NewCamera(p.Options()...)
	assert.InDelta(t, math32.Pi/3, c.Fov(), 1e-6)
	assert.InDelta(t, 0.1, c.Near(), 1e-7)

	got := c.Preset()
	assertVec(t, p.Position, got.Position, 1e-4)
	assertVec(t, p.Target, got.Target, 1e-6)

	var buf bytes.Buffer
	require.NoError(t, got.Write(&buf))
	again, err := ReadPreset(&buf)
	require.NoError(t, err)
	assert.InDelta(t, got.FovDeg, again.FovDeg, 1e-4)
}

func TestPresetRejectsDegenerateView(t *testing.T) {
	_, err := ReadPreset(strings.NewReader("position: [1, 1, 1]\ntarget: [1, 1, 1]\n"))
	assert.Error(t, err)
	_, err = ReadPreset(strings.NewReader("position: {"))
	assert.Error(t, err)
}
