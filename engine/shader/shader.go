package shader

import (
	"fmt"
	"io/fs"
)

// Shader is a loaded compute shader source at a particular version.
type Shader struct {
	// Key is the shader name, e.g. "plocpp/iterations".
	Key string

	// Source is the raw WGSL source. It is empty when no WGSL ships for the key; such shaders still
	// version normally and resolve to host kernels on the host device.
	Source string

	// Version is the cache version the source was loaded at.
	Version uint64

	fsys fs.FS
}

// Compiled is a shader expanded for one set of specialization constants.
type Compiled struct {
	Source        string
	EntryPoint    string
	WorkgroupSize [3]uint32
	Bindings      []Binding
	Declarations  []Annotation
}

// HasSource reports whether WGSL ships for the shader.
func (s *Shader) HasSource() bool {
	return s != nil && s.Source != ""
}

// Compile expands annotations with the given constants and parses the result.
//
// Parameters:
//   - constants: the specialization constants
//
// Returns:
//   - Compiled: the expanded source and its reflection data, zero if the shader has no source
//   - error: if pre-processing fails
func (s *Shader) Compile(constants map[string]uint32) (Compiled, error) {
	if !s.HasSource() {
		return Compiled{}, nil
	}
	pp := NewPreProcessor(s.fsys)
	src, err := pp.Process(s.Source, constants)
	if err != nil {
		return Compiled{}, fmt.Errorf("shader: %s: %w", s.Key, err)
	}
	return Compiled{
		Source:        src,
		EntryPoint:    parseEntryPoint(src),
		WorkgroupSize: parseWorkgroupSize(src),
		Bindings:      parseBindings(src),
		Declarations:  append([]Annotation(nil), pp.Declarations()...),
	}, nil
}

// BindingIndices lists the declared binding numbers.
func (c Compiled) BindingIndices() []uint32 {
	out := make([]uint32, 0, len(c.Bindings))
	for _, b := range c.Bindings {
		out = append(out, b.Binding)
	}
	return out
}
