package pipeline

import (
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

// PipelineBuilderOption is a functional option used to configure a Pipeline during construction.
type PipelineBuilderOption func(*pipeline)

// WithLabel sets the device label of the pipeline.
//
// Parameters:
//   - label: the label shown in device diagnostics
//
// Returns:
//   - PipelineBuilderOption: a function that sets the label
func WithLabel(label string) PipelineBuilderOption {
	return func(p *pipeline) {
		p.label = label
	}
}

// WithConstant sets one specialization constant.
//
// Parameters:
//   - name: the constant name as declared by //@oxy:const
//   - value: the value
//
// Returns:
//   - PipelineBuilderOption: a function that sets the constant
func WithConstant(name string, value uint32) PipelineBuilderOption {
	return func(p *pipeline) {
		p.constants[name] = value
	}
}

// WithConstants sets several specialization constants.
func WithConstants(constants map[string]uint32) PipelineBuilderOption {
	return func(p *pipeline) {
		for k, v := range constants {
			p.constants[k] = v
		}
	}
}

// WithGlobals binds a globals buffer to every dispatch of the pipeline.
//
// Parameters:
//   - a: the globals buffer address
//
// Returns:
//   - PipelineBuilderOption: a function that sets the globals address
func WithGlobals(a device.Address) PipelineBuilderOption {
	return func(p *pipeline) {
		p.globals = a
	}
}
