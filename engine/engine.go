// Package engine ties the device, the shader cache, the hierarchy builder and the tracer into a
// frame loop: every frame applies hot reloads, rebuilds what changed and traces one sample.
package engine

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"runtime"
	"sync"
	"time"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/builder"
	"github.com/Carmen-Shannon/oxy-bvh/engine/camera"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/graph"
	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
	"github.com/Carmen-Shannon/oxy-bvh/engine/profiler"
	"github.com/Carmen-Shannon/oxy-bvh/engine/scene"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
	"github.com/Carmen-Shannon/oxy-bvh/engine/tracer"
	"github.com/chewxy/math32"
)

var logger = log.New("engine")

// ErrNoScene is returned by Frame before a scene is loaded.
var ErrNoScene = errors.New("engine: no scene loaded")

// FrameStats is the report of one frame.
type FrameStats struct {
	Frame    uint64 `json:"frame"`
	Scene    string `json:"scene"`
	Pipeline string `json:"pipeline"`
	Mode     string `json:"mode"`
	// State is the build state after the frame; "done" once the hierarchy is final.
	State       string                `json:"state"`
	Built       bool                  `json:"built"`
	Samples     uint32                `json:"samples"`
	Build       builder.PipelineStats `json:"build"`
	Trace       tracer.Stats          `json:"trace"`
	MemoryBytes uint64                `json:"memory_bytes"`
	FrameTimeMs float64               `json:"frame_time_ms"`
}

// engine implements the Engine interface.
// Every method that touches device state holds mu, so the tick callback may steer the camera while Run renders.
type engine struct {
	mu sync.Mutex

	dev      device.Device
	ownsDev  bool
	cache    *shader.Cache
	builder  builder.Builder
	tracer   tracer.Tracer
	scene    scene.Scene
	camera   camera.Camera
	cfg      config.BVHPipeline
	mode     config.VisMode
	graph    *graph.Graph
	frameBuf *device.Buffers
	target   device.Address
	gpuCam   device.Address

	// fitCamera frames every loaded scene when no camera was supplied
	fitCamera bool

	width, height uint32
	samples       tracer.Samples
	sampleLimit   uint32
	ptDepth       uint32
	dirLight      [4]float32
	frame         uint64
	last          FrameStats

	running     bool
	wg          sync.WaitGroup
	quitChannel chan struct{}
	quitOnce    sync.Once

	profiler         *profiler.Profiler
	profilingEnabled bool

	tickRate         time.Duration
	tickCallback     func(deltaTime float32)
	frameCallback    func(stats FrameStats)
	renderFrameLimit time.Duration
}

// Engine renders a scene through a configurable hierarchy build and trace pipeline.
type Engine interface {
	// Device returns the device the engine renders on.
	Device() device.Device

	// ShaderCache returns the shader cache pipelines are built from.
	ShaderCache() *shader.Cache

	// LoadScene uploads sc if needed and makes it current. The previous scene is released and the
	// hierarchy rebuilt on the next frame.
	//
	// Parameters:
	//   - sc: the scene
	//
	// Returns:
	//   - error: if the upload failed
	LoadScene(sc scene.Scene) error

	// Scene returns the current scene, or nil.
	Scene() scene.Scene

	// Camera returns the camera rays are generated from.
	Camera() camera.Camera

	// SetCamera replaces the camera. The accumulation restarts.
	//
	// Parameters:
	//   - c: the camera
	SetCamera(c camera.Camera)

	// Configure applies a pipeline configuration. Builder stages whose settings changed are rebuilt
	// and the accumulation restarts.
	//
	// Parameters:
	//   - cfg: the pipeline configuration
	Configure(cfg config.BVHPipeline)

	// Config returns the applied pipeline configuration.
	Config() config.BVHPipeline

	// SetVisualizationMode switches the tracer shader family.
	//
	// Parameters:
	//   - m: the mode
	SetVisualizationMode(m config.VisMode)

	// Resize reallocates the accumulation image.
	//
	// Parameters:
	//   - width: image width in pixels
	//   - height: image height in pixels
	//
	// Returns:
	//   - error: if the allocation failed
	Resize(width, height uint32) error

	// Frame runs one frame: shader hot reload, the pending build steps and one traced sample.
	//
	// Returns:
	//   - FrameStats: the report of the frame
	//   - error: ErrNoScene, or the first failing task
	Frame() (FrameStats, error)

	// Samples returns the number of samples accumulated in the image.
	Samples() uint32

	// Image reads the accumulation buffer back and resolves it to 8-bit sRGB.
	//
	// Returns:
	//   - *image.RGBA: the image
	//   - error: if the read back failed
	Image() (*image.RGBA, error)

	// Stats returns the report of the last frame.
	Stats() FrameStats

	// Profiler returns the profiler timing the frame tasks.
	Profiler() *profiler.Profiler

	// SetTickCallback registers the function called at the tick rate while Run is active.
	// Use it to animate the camera.
	//
	// Parameters:
	//   - callback: receives the delta time in seconds
	SetTickCallback(callback func(deltaTime float32))

	// SetFrameCallback registers the function called after every frame of Run.
	//
	// Parameters:
	//   - callback: receives the frame report
	SetFrameCallback(callback func(stats FrameStats))

	// Run renders frames until Quit is called. It blocks.
	Run()

	// Quit stops Run. Safe to call multiple times.
	Quit()

	// Release frees every device resource. A device created by the engine is released too.
	Release()
}

var _ Engine = &engine{}

// NewEngine creates a new Engine instance with the provided options.
// Without WithDevice the engine renders on a host device using every CPU.
//
// Parameters:
//   - options: functional options for engine configuration
//
// Returns:
//   - Engine: the newly created engine
//   - error: if the frame buffers cannot be allocated
func NewEngine(options ...EngineBuilderOption) (Engine, error) {
	e := &engine{
		cfg:         config.DefaultPipeline(),
		width:       640,
		height:      480,
		ptDepth:     tracer.DefaultPTDepth,
		dirLight:    [4]float32{0.4, 1, 0.3, 3},
		quitChannel: make(chan struct{}),
		tickRate:    time.Second / 60,
	}
	for _, opt := range options {
		opt(e)
	}
	if e.dev == nil {
		e.dev = device.NewHostDevice(device.DefaultCapabilities(), runtime.NumCPU())
		e.ownsDev = true
	}
	if e.cache == nil {
		e.cache = shader.NewCache("")
	}
	if e.profiler == nil {
		e.profiler = profiler.NewProfiler(time.Second)
	}
	if e.camera == nil {
		e.camera = camera.NewCamera()
		e.fitCamera = true
	}
	e.camera.SetAspect(float32(e.width) / float32(e.height))

	e.graph = graph.NewGraph(e.profiler)
	e.builder = builder.NewBuilder(e.dev, e.cache)
	e.builder.Configure(e.cfg)
	e.tracer = tracer.NewTracer(e.dev, e.cache)
	e.tracer.SetVisualizationMode(e.mode)
	e.frameBuf = device.NewBuffers(e.dev, "frame")
	if err := e.allocFrame(); err != nil {
		e.Release()
		return nil, err
	}
	logger.Infof("engine on %s, %dx%d, pipeline %s", e.dev.Capabilities().DeviceName, e.width, e.height, e.cfg.Name)
	return e, nil
}

// allocFrame (re)creates the accumulation image and the camera record.
func (e *engine) allocFrame() error {
	e.frameBuf.Release()
	e.target = e.frameBuf.Alloc("target", uint64(e.width)*uint64(e.height)*16, device.UsageStorage|device.UsageTransfer)
	e.gpuCam = e.frameBuf.Alloc("camera", camera.SizeGPUCamera, device.UsageStorage|device.UsageTransfer)
	if err := e.frameBuf.Err(); err != nil {
		return fmt.Errorf("engine: allocate frame: %w", err)
	}
	e.uploadCamera()
	e.restart()
	return nil
}

func (e *engine) uploadCamera() {
	gpu := e.camera.GPU()
	if err := e.dev.WriteBuffer(e.gpuCam, gpu.Marshal()); err != nil {
		logger.Errorf("upload camera: %v", err)
	}
}

// restart drops the accumulated samples.
func (e *engine) restart() {
	e.samples = tracer.Samples{}
}

func (e *engine) Device() device.Device {
	return e.dev
}

func (e *engine) ShaderCache() *shader.Cache {
	return e.cache
}

func (e *engine) LoadScene(sc scene.Scene) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !sc.Uploaded() {
		if err := sc.Upload(e.dev); err != nil {
			return fmt.Errorf("engine: load scene %s: %w", sc.Name(), err)
		}
	}
	if e.scene != nil && e.scene != sc {
		e.scene.Release()
	}
	e.scene = sc
	if e.fitCamera {
		e.camera.Controller().Fit(sc.AABB(), e.camera.Fov())
	}
	// a new scene invalidates every stage, so force a full rebuild
	e.builder.Release()
	e.builder = builder.NewBuilder(e.dev, e.cache)
	e.builder.Configure(e.cfg)
	e.restart()
	logger.Noticef("scene %s: %d triangles", sc.Name(), sc.TotalTriangleCount())
	return nil
}

func (e *engine) Scene() scene.Scene {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scene
}

func (e *engine) Camera() camera.Camera {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.camera
}

func (e *engine) SetCamera(c camera.Camera) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c.SetAspect(float32(e.width) / float32(e.height))
	e.camera = c
	e.fitCamera = false
	e.uploadCamera()
	e.restart()
}

func (e *engine) Configure(cfg config.BVHPipeline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg == e.cfg {
		return
	}
	logger.Noticef("pipeline %s", cfg.Name)
	e.cfg = cfg
	e.builder.Configure(cfg)
	e.restart()
}

func (e *engine) Config() config.BVHPipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *engine) SetVisualizationMode(m config.VisMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m == e.mode {
		return
	}
	e.mode = m
	e.tracer.SetVisualizationMode(m)
	e.restart()
}

func (e *engine) Resize(width, height uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if width == 0 || height == 0 {
		return fmt.Errorf("engine: invalid size %dx%d", width, height)
	}
	if width == e.width && height == e.height {
		return nil
	}
	e.width, e.height = width, height
	e.camera.SetAspect(float32(width) / float32(height))
	return e.allocFrame()
}

// samplesForFrame returns the samples to add this frame: one until the sample limit is reached.
func (e *engine) samplesForFrame() uint32 {
	if e.sampleLimit > 0 && e.samples.Computed >= e.sampleLimit {
		return 0
	}
	return 1
}

func (e *engine) Frame() (FrameStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scene == nil {
		return FrameStats{}, ErrNoScene
	}
	start := time.Now()
	e.frame++

	if e.builder.CheckForShaderHotReload() {
		e.restart()
	}
	e.camera.Update()
	if e.camera.Changed() {
		e.uploadCamera()
		e.restart()
	}

	e.builder.BVHBuildPiecewise(e.graph, e.scene)
	built := e.graph.Len() > 0
	if built {
		e.restart()
	}
	e.samples.ToCompute = e.samplesForFrame()

	b := e.builder.GetBvhForTraversal()
	traced := false
	e.graph.AddSyncTask("trace", func(cmd device.CommandContext) error {
		// the hierarchy is only final once the build tasks above have run
		b = e.builder.GetBvhForTraversal()
		traced = b.IsValid() && e.samples.ToCompute > 0 && e.cfg.Tracer.BV != config.BVNone
		return e.tracer.Trace(cmd, e.cfg.Tracer, tracer.Runtime{
			Samples:             e.samples,
			X:                   e.width,
			Y:                   e.height,
			PTDepth:             e.ptDepth,
			DirLight:            e.dirLight,
			GeometryDescriptors: e.scene.GeometryDescriptors(),
			TriangleCount:       e.scene.TotalTriangleCount(),
			Target:              e.target,
			Camera:              e.gpuCam,
		}, b)
	})
	if err := e.graph.Execute(e.dev); err != nil {
		return FrameStats{}, fmt.Errorf("engine: frame %d: %w", e.frame, err)
	}

	st := FrameStats{
		Frame:       e.frame,
		Scene:       e.scene.Name(),
		Pipeline:    e.cfg.Name,
		Mode:        e.mode.String(),
		State:       e.builder.State().String(),
		Built:       built,
		Build:       e.builder.GetStatsBuild(),
		MemoryBytes: e.dev.MemoryUsage(),
	}
	if traced {
		e.samples.Computed += e.samples.ToCompute
		ts, err := e.tracer.GetStats()
		if err != nil {
			logger.Warningf("trace stats: %v", err)
		}
		st.Trace = ts
	} else {
		st.Trace = e.last.Trace
	}
	st.Samples = e.samples.Computed
	st.FrameTimeMs = float64(time.Since(start).Microseconds()) / 1e3
	e.last = st
	if e.profilingEnabled {
		e.profiler.Tick()
	}
	return st, nil
}

func (e *engine) Samples() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.samples.Computed
}

func (e *engine) Image() (*image.RGBA, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	raw, err := e.dev.ReadBuffer(e.target, uint64(e.width)*uint64(e.height)*16)
	if err != nil {
		return nil, fmt.Errorf("engine: read image: %w", err)
	}
	return resolve(common.BytesToSlice[[4]float32](raw), int(e.width), int(e.height)), nil
}

// resolve divides every pixel sum by its sample count and encodes it with the sRGB transfer curve.
func resolve(acc [][4]float32, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	encode := func(v float32) uint8 {
		v = min(max(v, 0), 1)
		if v <= 0.0031308 {
			v *= 12.92
		} else {
			v = 1.055*math32.Pow(v, 1/2.4) - 0.055
		}
		return uint8(v*255 + 0.5)
	}
	for y := range height {
		for x := range width {
			px := acc[y*width+x]
			n := max(px[3], 1)
			img.SetRGBA(x, y, color.RGBA{R: encode(px[0] / n), G: encode(px[1] / n), B: encode(px[2] / n), A: 255})
		}
	}
	return img
}

func (e *engine) Stats() FrameStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *engine) Profiler() *profiler.Profiler {
	return e.profiler
}

func (e *engine) SetTickCallback(callback func(deltaTime float32)) {
	e.tickCallback = callback
}

func (e *engine) SetFrameCallback(callback func(stats FrameStats)) {
	e.frameCallback = callback
}

func (e *engine) Run() {
	e.running = true
	e.wg.Add(2)
	go e.handleTick()
	go e.handleRender()
	e.wg.Wait()
}

func (e *engine) Quit() {
	e.quitOnce.Do(func() {
		e.running = false
		close(e.quitChannel)
	})
}

// handleTick fires the tick callback at the configured tick rate until quit.
func (e *engine) handleTick() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.tickRate)
	defer ticker.Stop()
	lastTick := time.Now()
	for {
		select {
		case <-e.quitChannel:
			return
		case now := <-ticker.C:
			dt := float32(now.Sub(lastTick).Seconds())
			lastTick = now
			if e.tickCallback != nil {
				e.tickCallback(dt)
			}
		}
	}
}

// handleRender renders frames as fast as the frame limit allows. A panic or a failing frame stops Run.
func (e *engine) handleRender() {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("render goroutine recovered from panic: %v", r)
			e.Quit()
		}
	}()
	for {
		select {
		case <-e.quitChannel:
			return
		default:
		}
		start := time.Now()
		st, err := e.Frame()
		if err != nil {
			logger.Errorf("%v", err)
			e.Quit()
			return
		}
		if e.frameCallback != nil {
			e.frameCallback(st)
		}
		if e.renderFrameLimit > 0 {
			if remaining := e.renderFrameLimit - time.Since(start); remaining > 0 {
				time.Sleep(remaining)
			}
		}
	}
}

func (e *engine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tracer != nil {
		e.tracer.Release()
	}
	if e.builder != nil {
		e.builder.Release()
	}
	if e.frameBuf != nil {
		e.frameBuf.Release()
	}
	if e.scene != nil {
		e.scene.Release()
		e.scene = nil
	}
	if e.ownsDev {
		e.dev.Release()
	}
}
