package pipeline

import (
	"errors"
	"fmt"
	"maps"

	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/log"
	"github.com/Carmen-Shannon/oxy-bvh/engine/shader"
)

var logger = log.New("pipeline")

// ErrNotLoaded is returned by Ready for a pipeline without a device handle.
var ErrNotLoaded = errors.New("pipeline: not loaded")

// Ready checks that every pipeline has a device handle.
//
// Parameters:
//   - pipelines: the pipelines a dispatch sequence needs
//
// Returns:
//   - error: ErrNotLoaded naming every pipeline without a handle, or nil
func Ready(pipelines ...Pipeline) error {
	var errs []error
	for _, p := range pipelines {
		if p == nil || p.Handle() == nil {
			key := "<nil>"
			if p != nil {
				key = p.PipelineKey()
			}
			errs = append(errs, fmt.Errorf("%w: %s", ErrNotLoaded, key))
		}
	}
	return errors.Join(errs...)
}

// pipeline is the implementation of the Pipeline interface.
// It pairs a shader key and its specialization constants with the device pipeline built from them.
type pipeline struct {
	// pipelineKey is the shader key the pipeline is built from
	pipelineKey string
	// label overrides the device label, defaults to the key
	label string

	constants map[string]uint32
	globals   device.Address

	// version is the shader cache version of the last build, 0 before the first build
	version uint64
	handle  device.Pipeline
	// compiled is the reflection data of the last build, zero for host-only shaders
	compiled shader.Compiled
}

// Pipeline is a compute pipeline that tracks the version of the shader it was built from.
// A pipeline whose device handle is nil is "not yet loaded"; dispatching it is a logged no-op.
type Pipeline interface {
	// PipelineKey returns the shader key this pipeline is built from.
	//
	// Returns:
	//   - string: the shader key, e.g. "plocpp/iterations"
	PipelineKey() string

	// Constants returns the specialization constants the pipeline is built with.
	//
	// Returns:
	//   - map[string]uint32: the constants, shared with the pipeline and not to be modified
	Constants() map[string]uint32

	// Version returns the shader cache version the current handle was built from, or 0 before the first build.
	//
	// Returns:
	//   - uint64: the built version
	Version() uint64

	// Handle returns the device pipeline, or nil if the pipeline is not loaded.
	//
	// Returns:
	//   - device.Pipeline: the device handle
	Handle() device.Pipeline

	// Compiled returns the reflection data of the last build.
	//
	// Returns:
	//   - shader.Compiled: the compiled shader, zero when no WGSL ships for the key
	Compiled() shader.Compiled

	// Update rebuilds the pipeline when it has never been built or the cache holds a newer version.
	// A build failure releases the old handle and leaves the pipeline unloaded.
	//
	// Parameters:
	//   - dev: the device to build on
	//   - cache: the shader cache to poll
	//
	// Returns:
	//   - bool: true if the pipeline was rebuilt
	//   - error: the build failure, if any
	Update(dev device.Device, cache *shader.Cache) (bool, error)

	// Release frees the device handle. The next Update rebuilds it.
	Release()
}

var _ Pipeline = &pipeline{}

// NewPipeline creates an unbuilt pipeline for a shader key.
//
// Parameters:
//   - key: the shader key
//   - options: functional options for the pipeline
//
// Returns:
//   - Pipeline: the pipeline, loaded on its first Update
func NewPipeline(key string, options ...PipelineBuilderOption) Pipeline {
	p := &pipeline{
		pipelineKey: key,
		constants:   map[string]uint32{},
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

func (p *pipeline) PipelineKey() string {
	return p.pipelineKey
}

func (p *pipeline) Constants() map[string]uint32 {
	return p.constants
}

func (p *pipeline) Version() uint64 {
	return p.version
}

func (p *pipeline) Handle() device.Pipeline {
	return p.handle
}

func (p *pipeline) Compiled() shader.Compiled {
	return p.compiled
}

func (p *pipeline) Update(dev device.Device, cache *shader.Cache) (bool, error) {
	v := cache.Version(p.pipelineKey)
	if p.version == v {
		return false, nil
	}
	p.Release()
	p.version = v

	s, err := cache.Load(p.pipelineKey)
	if err != nil {
		return true, err
	}
	compiled, err := s.Compile(p.constants)
	if err != nil {
		return true, err
	}
	p.compiled = compiled
	handle, err := dev.CreatePipeline(device.PipelineDescriptor{
		Label:      p.label,
		Shader:     p.pipelineKey,
		Source:     compiled.Source,
		EntryPoint: compiled.EntryPoint,
		Bindings:   compiled.BindingIndices(),
		Constants:  maps.Clone(p.constants),
		Globals:    p.globals,
	})
	if err != nil {
		return true, fmt.Errorf("pipeline %s: %w", p.pipelineKey, err)
	}
	p.handle = handle
	logger.Debugf("built %s (version %d, constants %v)", p.pipelineKey, v, p.constants)
	return true, nil
}

func (p *pipeline) Release() {
	if p.handle != nil {
		p.handle.Release()
	}
	p.handle = nil
	p.compiled = shader.Compiled{}
	p.version = 0
}
