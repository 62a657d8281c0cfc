package shader

import (
	"fmt"
	"io/fs"
	"strconv"
	"strings"
)

// includeDir is the directory, relative to a shader root, that holds include sources.
const includeDir = "include"

// preProcessor expands @oxy: annotations for one pipeline instantiation.
type preProcessor struct {
	// includes resolves include names to WGSL source.
	includes func(name string) (string, error)

	// declarations collects binding and const annotations of the last Process call.
	declarations []Annotation
}

// PreProcessor expands @oxy: annotations in WGSL source.
type PreProcessor interface {
	// Process expands every annotation in source. Includes are expanded once each and may not nest.
	//
	// Parameters:
	//   - source: the raw WGSL source
	//   - constants: the specialization constants overriding const defaults
	//
	// Returns:
	//   - string: the expanded WGSL source
	//   - error: if an annotation is malformed or an include is missing
	Process(source string, constants map[string]uint32) (string, error)

	// Declarations returns the binding and const annotations found by the last Process call.
	Declarations() []Annotation
}

var _ PreProcessor = &preProcessor{}

// NewPreProcessor creates a pre-processor that reads includes from fsys.
//
// Parameters:
//   - fsys: the shader root, with shared sources under include/
//
// Returns:
//   - PreProcessor: a ready-to-use pre-processor
func NewPreProcessor(fsys fs.FS) PreProcessor {
	return &preProcessor{
		includes: func(name string) (string, error) {
			data, err := fs.ReadFile(fsys, includeDir+"/"+name+".wgsl")
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}

func (p *preProcessor) Process(source string, constants map[string]uint32) (string, error) {
	p.declarations = p.declarations[:0]
	included := make(map[AnnotationArg]bool)

	lines := strings.Split(source, "\n")
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		a, err := parseAnnotation(line, i+1)
		if err != nil {
			return "", err
		}
		if a == nil {
			out = append(out, line)
			continue
		}

		switch a.Type {
		case annotationTypeInclude:
			if included[a.Args[0]] {
				continue
			}
			src, err := p.includes(string(a.Args[0]))
			if err != nil {
				return "", fmt.Errorf("line %d: unknown @oxy include %q: %w", a.Line, a.Args[0], err)
			}
			included[a.Args[0]] = true
			out = append(out, src)
		case AnnotationTypeConst:
			name := string(a.Args[0])
			value, ok := constants[name]
			if !ok {
				def, _ := strconv.ParseUint(string(a.Args[1]), 0, 32)
				value = uint32(def)
			}
			out = append(out, fmt.Sprintf("const %s: u32 = %du;", name, value))
			p.declarations = append(p.declarations, *a)
		case AnnotationTypeBinding:
			out = append(out, fmt.Sprintf("@group(0) @binding(%d) var<storage, %s> %s: %s;", *a.Binding, a.Args[0], a.Args[1], a.Args[2]))
			p.declarations = append(p.declarations, *a)
		default:
			return "", fmt.Errorf("line %d: unknown annotation type %q", a.Line, a.Type)
		}
	}
	return strings.Join(out, "\n"), nil
}

func (p *preProcessor) Declarations() []Annotation {
	return p.declarations
}
