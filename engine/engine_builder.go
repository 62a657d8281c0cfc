package engine

import (
	"time"

	"github.com/Carmen-Shannon/oxy-bvh/engine/camera"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/profiler"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
)

// EngineBuilderOption is a functional option for configuring an Engine.
// Use the With* functions to create options that are applied directly to the engine instance.
type EngineBuilderOption func(*engine)

// WithDevice renders on dev instead of a host device. The engine does not release it.
//
// Parameters:
//   - dev: the device
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithDevice(dev device.Device) EngineBuilderOption {
	return func(e *engine) {
		e.dev = dev
	}
}

// WithShaderCache shares a shader cache, typically one being watched for hot reload.
//
// Parameters:
//   - c: the shader cache
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithShaderCache(c *shader.Cache) EngineBuilderOption {
	return func(e *engine) {
		e.cache = c
	}
}

// WithPipeline sets the initial pipeline configuration. Defaults to config.DefaultPipeline().
//
// Parameters:
//   - cfg: the pipeline configuration
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithPipeline(cfg config.BVHPipeline) EngineBuilderOption {
	return func(e *engine) {
		e.cfg = cfg
	}
}

// WithResolution sets the image size. Zero values keep the 640x480 default.
//
// Parameters:
//   - width: image width in pixels
//   - height: image height in pixels
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithResolution(width, height uint32) EngineBuilderOption {
	return func(e *engine) {
		if width > 0 && height > 0 {
			e.width, e.height = width, height
		}
	}
}

// WithCamera sets the camera rays are generated from.
//
// Parameters:
//   - c: the camera
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithCamera(c camera.Camera) EngineBuilderOption {
	return func(e *engine) {
		e.camera = c
	}
}

// WithVisualizationMode sets the initial tracer mode.
func WithVisualizationMode(m config.VisMode) EngineBuilderOption {
	return func(e *engine) {
		e.mode = m
	}
}

// WithSampleLimit stops accumulating once n samples are in the image. 0 accumulates forever.
func WithSampleLimit(n uint32) EngineBuilderOption {
	return func(e *engine) {
		e.sampleLimit = n
	}
}

// WithPathDepth sets the number of bounces traced after the primary hit.
func WithPathDepth(depth uint32) EngineBuilderOption {
	return func(e *engine) {
		e.ptDepth = depth
	}
}

// WithDirLight sets the directional light: dir points towards the light.
func WithDirLight(dir [3]float32, intensity float32) EngineBuilderOption {
	return func(e *engine) {
		e.dirLight = [4]float32{dir[0], dir[1], dir[2], intensity}
	}
}

// WithProfiling enables or disables performance profiling output.
//
// Parameters:
//   - enabled: if true, enables performance profiling
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithProfiling(enabled bool) EngineBuilderOption {
	return func(e *engine) {
		e.profilingEnabled = enabled
	}
}

// WithProfiler shares a profiler.
func WithProfiler(p *profiler.Profiler) EngineBuilderOption {
	return func(e *engine) {
		e.profiler = p
	}
}

// WithTickRate sets the tick callback rate in ticks per second.
// Values <= 0 will be treated as the default (60Hz).
//
// Parameters:
//   - fps: target ticks per second (default 60)
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithTickRate(fps float64) EngineBuilderOption {
	return func(e *engine) {
		if fps <= 0 {
			fps = 60.0
		}
		e.tickRate = time.Duration(float64(time.Second) / fps)
	}
}

// WithRenderFrameLimit sets an optional render frame rate cap in frames per second.
// Pass 0 to uncap the render loop (default).
//
// Parameters:
//   - fps: maximum render frames per second (0 = uncapped)
//
// Returns:
//   - EngineBuilderOption: option function to apply
func WithRenderFrameLimit(fps float64) EngineBuilderOption {
	return func(e *engine) {
		if fps <= 0 {
			e.renderFrameLimit = 0
			return
		}
		e.renderFrameLimit = time.Duration(float64(time.Second) / fps)
	}
}
