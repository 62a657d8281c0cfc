package tracer

import (
	"testing"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/buildtest"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/collapsing"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder/plocpp"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/camera"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/graph"
	"github.com/Carmen-Shannon/oxy-bvh/engine/scene"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWidth  = 32
	testHeight = 24
)

func TestWireSizes(t *testing.T) {
	assert.EqualValues(t, SizeRay, bvh.Size[Ray]())
	assert.EqualValues(t, SizeRayBufferMetadata, bvh.Size[RayBufferMetadata]())
	assert.EqualValues(t, SizeRayTraceResult, bvh.Size[RayTraceResult]())
	assert.EqualValues(t, SizeRayTraceResultBV, bvh.Size[RayTraceResultBV]())
	assert.EqualValues(t, SizeRayTraceResultInt, bvh.Size[RayTraceResultInt]())
	assert.EqualValues(t, SizeRayPayload, bvh.Size[RayPayload]())
	assert.EqualValues(t, SizeTraceTime, bvh.Size[TraceTime]())
	assert.EqualValues(t, SizeTraceStats, bvh.Size[TraceStats]())
	assert.EqualValues(t, SizeTraceGlobals, bvh.Size[TraceGlobals]())

	assert.Len(t, PCGenPrimary{}.Marshal(), 32)
	assert.Len(t, PCShadeCast{}.Marshal(), 100)
	assert.Len(t, PCTrace{}.Marshal(), 72)

	pc := PCTrace{Bvh: device.MakeAddress(3, 64), BVDepth: 4, WithDepth: true}
	raw := pc.Marshal()
	require.Len(t, raw, 76)
	assert.Equal(t, pc, decodePCTrace(raw))
}

// frame is a host render target: an uploaded scene with its hierarchy and camera.
type frame struct {
	dev    device.Device
	cache  *shader.Cache
	sc     scene.Scene
	cfg    config.BVHPipeline
	bvh    bvh.Bvh
	target device.Address
	camera device.Address
}

func newFrame(t *testing.T, cfg config.BVHPipeline) *frame {
	t.Helper()
	dev := buildtest.NewDevice(t)
	f := &frame{
		dev:   dev,
		cache: shader.NewCache(""),
		sc:    buildtest.UploadScene(t, dev, scene.Icosphere(2)),
		cfg:   cfg,
	}

	b := builder.NewBuilder(dev, f.cache)
	t.Cleanup(b.Release)
	b.Configure(cfg)
	g := graph.NewGraph(nil)
	b.BVHBuildPiecewise(g, f.sc)
	require.NoError(t, g.Execute(dev))
	f.bvh = b.GetBvhForTraversal()
	require.True(t, f.bvh.IsValid())

	bufs := device.NewBuffers(dev, "frame")
	t.Cleanup(bufs.Release)
	f.target = bufs.Alloc("target", testWidth*testHeight*16, device.UsageStorage)
	f.camera = bufs.Alloc("camera", camera.SizeGPUCamera, device.UsageStorage)
	require.NoError(t, bufs.Err())

	cam := camera.NewCamera(
		camera.WithLookAt(common.Vec3{0, 0, 3}, common.Vec3{}),
		camera.WithAspect(float32(testWidth)/testHeight),
	)
	gpu := cam.GPU()
	require.NoError(t, dev.WriteBuffer(f.camera, gpu.Marshal()))
	return f
}

func (f *frame) runtime(computed uint32) Runtime {
	return Runtime{
		Samples:             Samples{Computed: computed, ToCompute: 1},
		X:                   testWidth,
		Y:                   testHeight,
		PTDepth:             DefaultPTDepth,
		DirLight:            [4]float32{0.3, 1, 0.6, 3},
		GeometryDescriptors: f.sc.GeometryDescriptors(),
		TriangleCount:       f.sc.TotalTriangleCount(),
		Target:              f.target,
		Camera:              f.camera,
	}
}

// render traces one frame and returns the accumulation image.
func (f *frame) render(t *testing.T, tr Tracer, computed uint32) [][4]float32 {
	t.Helper()
	cmd := f.dev.BeginCommands(t.Name())
	require.NoError(t, tr.Trace(cmd, f.cfg.Tracer, f.runtime(computed), f.bvh))
	require.NoError(t, f.dev.Submit(cmd))
	raw, err := f.dev.ReadBuffer(f.target, testWidth*testHeight*16)
	require.NoError(t, err)
	return common.BytesToSlice[[4]float32](raw)
}

func pixel(img [][4]float32, x, y int) [4]float32 {
	return img[y*testWidth+x]
}

func TestPathTracing(t *testing.T) {
	f := newFrame(t, config.DefaultPipeline())
	tr := NewTracer(f.dev, f.cache)
	t.Cleanup(tr.Release)

	img := f.render(t, tr, 0)
	for i, px := range img {
		require.EqualValues(t, 1, px[3], "pixel %d holds one sample", i)
		require.Positive(t, px[0]+px[1]+px[2], "pixel %d received light", i)
	}
	center, corner := pixel(img, testWidth/2, testHeight/2), pixel(img, 0, 0)
	assert.NotEqual(t, center, corner, "the sphere covers the center, the sky the corner")

	st, err := tr.GetStats()
	require.NoError(t, err)
	assert.EqualValues(t, testWidth*testHeight, st.Depths[0].RayCount)
	assert.Positive(t, st.Depths[1].RayCount, "sphere hits bounce")
	assert.Less(t, st.Depths[1].RayCount, uint32(testWidth*testHeight), "sky hits end their path")
	assert.Positive(t, st.TestedNodes)
	assert.Positive(t, st.TestedTriangles)
	assert.GreaterOrEqual(t, st.TestedBVolumes, st.TestedNodes)
	assert.GreaterOrEqual(t, st.Depths[0].TraceTimeMs, 0.0)

	img = f.render(t, tr, 1)
	assert.EqualValues(t, 2, pixel(img, 3, 3)[3], "samples accumulate")
	img = f.render(t, tr, 0)
	assert.EqualValues(t, 1, pixel(img, 3, 3)[3], "a zero sample count restarts the accumulation")
}

func TestVisualizationModes(t *testing.T) {
	f := newFrame(t, config.DefaultPipeline())
	tr := NewTracer(f.dev, f.cache)
	t.Cleanup(tr.Release)

	tr.SetVisualizationMode(config.VisBoundingVolumes)
	assert.Equal(t, config.VisBoundingVolumes, tr.VisualizationMode())
	img := f.render(t, tr, 0)
	center := pixel(img, testWidth/2, testHeight/2)
	assert.Positive(t, center[0]+center[1]+center[2])
	st, err := tr.GetStats()
	require.NoError(t, err)
	assert.Zero(t, st.Depths[1].RayCount, "volume mode traces primary rays only")

	tr.SetVisualizationMode(config.VisIntersections)
	img = f.render(t, tr, 0)
	center = pixel(img, testWidth/2, testHeight/2)
	assert.Positive(t, center[0], "rays through the sphere test volumes")
}

// facing renders the triangle facing ratio, which does not depend on the node layout. The Default
// layout is traced from the collapsed hierarchy, before rearrangement.
func facing(t *testing.T, layout config.NodeLayout) [][4]float32 {
	cfg := config.DefaultPipeline()
	cfg.Tracer.BVRenderTriangles = true
	f := newFrame(t, cfg)
	if layout == config.LayoutDefault {
		f.bvh = collapsed(t, f)
	}
	require.Equal(t, layout, f.bvh.Layout)
	tr := NewTracer(f.dev, f.cache)
	t.Cleanup(tr.Release)
	tr.SetVisualizationMode(config.VisBoundingVolumes)
	return f.render(t, tr, 0)
}

// collapsed runs PLOC and collapsing on the frame's scene and returns the Default-layout result.
func collapsed(t *testing.T, f *frame) bvh.Bvh {
	t.Helper()
	p := plocpp.NewPLOCpp(f.dev, f.cache)
	t.Cleanup(p.Release)
	p.NeedsRecompute(f.cfg)
	c := collapsing.NewCollapsing(f.dev, f.cache)
	t.Cleanup(c.Release)
	c.NeedsRecompute(f.cfg)
	b := buildtest.Run(t, f.dev, c, buildtest.Run(t, f.dev, p, bvh.Bvh{}, f.sc), f.sc)
	require.True(t, b.IsValid())
	return b
}

func TestLayoutsAgree(t *testing.T) {
	compact := facing(t, config.LayoutBVH2)
	plain := facing(t, config.LayoutDefault)
	require.Len(t, plain, len(compact))
	for i := range compact {
		for c := range 3 {
			assert.InDelta(t, compact[i][c], plain[i][c], 1e-4, "pixel %d", i)
		}
	}
}

func TestTraceSkips(t *testing.T) {
	f := newFrame(t, config.DefaultPipeline())
	tr := NewTracer(f.dev, f.cache).(*tracer)
	t.Cleanup(tr.Release)

	trace := func(cfg config.Tracer, rt Runtime, b bvh.Bvh) {
		cmd := f.dev.BeginCommands(t.Name())
		require.NoError(t, tr.Trace(cmd, cfg, rt, b))
		require.NoError(t, f.dev.Submit(cmd))
	}

	rt := f.runtime(0)
	rt.Samples.ToCompute = 0
	trace(f.cfg.Tracer, rt, f.bvh)
	assert.Zero(t, tr.rayCount, "nothing to compute")

	off := f.cfg.Tracer
	off.BV = config.BVNone
	trace(off, f.runtime(0), f.bvh)
	assert.Zero(t, tr.rayCount, "tracer disabled")

	other := f.cfg.Tracer
	other.BV = config.BVDOP14
	trace(other, f.runtime(0), f.bvh)
	assert.Zero(t, tr.rayCount, "hierarchy of another volume")

	trace(f.cfg.Tracer, f.runtime(0), bvh.Bvh{})
	assert.Zero(t, tr.rayCount, "no hierarchy")

	trace(f.cfg.Tracer, f.runtime(0), f.bvh)
	assert.EqualValues(t, testWidth*testHeight, tr.rayCount)
	assert.False(t, tr.reload)

	tr.SetVisualizationMode(config.VisIntersections)
	assert.True(t, tr.reload)
	assert.True(t, tr.realloc)
	tr.SetVisualizationMode(config.VisIntersections)
	trace(f.cfg.Tracer, f.runtime(0), f.bvh)
	assert.False(t, tr.realloc)
}

func TestStatsDerived(t *testing.T) {
	var s Stats
	s.Depths[0] = DepthStats{RayCount: 2000, TraceTimeMs: 1}
	s.Depths[1] = DepthStats{RayCount: 500, TraceTimeMs: 0.5}
	s.TestedNodes = 5000
	primary, secondary := s.MRaysPerSecond()
	assert.InDelta(t, 2, primary, 1e-9)
	assert.InDelta(t, 1, secondary, 1e-9)
	nodes, _, _ := s.PerRay()
	assert.InDelta(t, 2, nodes, 1e-9)
	assert.EqualValues(t, 2500, s.RayCount())
}
