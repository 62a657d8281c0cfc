// annotations.go defines the @oxy: annotations understood by the compute shader pre-processor.
// Annotations are single-line WGSL comments that inject shared struct sources, specialization
// constants, and storage bindings whose index matches the address order of a push block.
package shader

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// annotationPrefix marks an annotation inside a WGSL line comment.
const annotationPrefix = "@oxy:"

// AnnotationType identifies the kind of annotation parsed from a WGSL comment line.
type AnnotationType string

const (
	// annotationTypeInclude injects a shared WGSL source from the include/ directory.
	//
	// Syntax: //@oxy:include <name>
	//
	// Example: //@oxy:include bvh_node
	annotationTypeInclude AnnotationType = "include"

	// AnnotationTypeConst emits a u32 constant whose value comes from the pipeline's
	// specialization constants, falling back to the annotated default.
	//
	// Syntax: //@oxy:const <name> <default>
	//
	// Example: //@oxy:const SIZE_WORKGROUP 256
	AnnotationTypeConst AnnotationType = "const"

	// AnnotationTypeBinding emits a group 0 storage binding and records it so the device binds
	// the push block address with the same index.
	//
	// Syntax: //@oxy:binding <binding> <access> <var_name> <type>
	//
	// Example: //@oxy:binding 1 read_write ids array<u32>
	AnnotationTypeBinding AnnotationType = "binding"
)

// AnnotationArg is a typed annotation argument.
type AnnotationArg string

const (
	annotationArgAccessRead      AnnotationArg = "read"
	annotationArgAccessReadWrite AnnotationArg = "read_write"
)

var validAccessModes = []AnnotationArg{
	annotationArgAccessRead,
	annotationArgAccessReadWrite,
}

// Annotation is one parsed @oxy: line.
type Annotation struct {
	Type AnnotationType

	// Args depend on Type:
	//   - include: [0] = include name
	//   - const:   [0] = constant name, [1] = default value
	//   - binding: [0] = access mode, [1] = var name, [2] = WGSL type
	Args []AnnotationArg

	// Line is the 1-based source line.
	Line int

	// Binding is set for binding annotations.
	Binding *int
}

// parseAnnotation parses a single WGSL line. Lines without the prefix return nil and no error.
//
// Parameters:
//   - line: the raw WGSL source line
//   - lineNum: the 1-based line number for error reporting
//
// Returns:
//   - *Annotation: the parsed annotation, or nil if the line is not an annotation
//   - error: a descriptive error if the annotation is malformed
func parseAnnotation(line string, lineNum int) (*Annotation, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "//") {
		return nil, nil
	}
	_, after, ok := strings.Cut(trimmed, annotationPrefix)
	if !ok {
		return nil, nil
	}

	args := strings.Fields(after)
	if len(args) == 0 {
		return nil, fmt.Errorf("line %d: empty @oxy annotation", lineNum)
	}

	switch AnnotationType(args[0]) {
	case annotationTypeInclude:
		if len(args) != 2 {
			return nil, fmt.Errorf("line %d: @oxy include annotation requires exactly one argument", lineNum)
		}
		return &Annotation{
			Type: annotationTypeInclude,
			Args: []AnnotationArg{AnnotationArg(args[1])},
			Line: lineNum,
		}, nil
	case AnnotationTypeConst:
		if len(args) != 3 {
			return nil, fmt.Errorf("line %d: @oxy const annotation requires a name and a default value", lineNum)
		}
		if _, err := strconv.ParseUint(args[2], 0, 32); err != nil {
			return nil, fmt.Errorf("line %d: invalid default %q in @oxy const annotation: %v", lineNum, args[2], err)
		}
		return &Annotation{
			Type: AnnotationTypeConst,
			Args: []AnnotationArg{AnnotationArg(args[1]), AnnotationArg(args[2])},
			Line: lineNum,
		}, nil
	case AnnotationTypeBinding:
		if len(args) != 5 {
			return nil, fmt.Errorf("line %d: @oxy binding annotation requires four arguments (binding, access, var name, type)", lineNum)
		}
		binding, err := strconv.Atoi(args[1])
		if err != nil || binding < 1 {
			return nil, fmt.Errorf("line %d: invalid binding number %q in @oxy binding annotation", lineNum, args[1])
		}
		if !slices.Contains(validAccessModes, AnnotationArg(args[2])) {
			return nil, fmt.Errorf("line %d: unknown access mode %q in @oxy binding annotation", lineNum, args[2])
		}
		return &Annotation{
			Type:    AnnotationTypeBinding,
			Args:    []AnnotationArg{AnnotationArg(args[2]), AnnotationArg(args[3]), AnnotationArg(args[4])},
			Line:    lineNum,
			Binding: &binding,
		}, nil
	default:
		return nil, fmt.Errorf("line %d: unknown @oxy annotation type %q", lineNum, args[0])
	}
}
