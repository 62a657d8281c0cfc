package shader

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// computeEntryRegex matches @compute functions and captures the entry point name
	computeEntryRegex = regexp.MustCompile(`(?s)@compute\b.*?\bfn\s+(\w+)`)

	// workgroupSizeRegex captures 1-3 dimensions from @workgroup_size(x[, y[, z]]). Dimensions may be
	// integer literals or constant names.
	workgroupSizeRegex = regexp.MustCompile(`@workgroup_size\(\s*(\w+)\s*(?:,\s*(\w+)\s*(?:,\s*(\w+)\s*)?)?\)`)

	// bindGroupDeclRegex captures group, binding, optional address space, variable name, and type
	// from declarations like: @group(0) @binding(1) var<storage, read_write> ids: array<u32>;
	bindGroupDeclRegex = regexp.MustCompile(`@group\((\d+)\)\s*@binding\((\d+)\)\s*var(?:<([^>]*)>)?\s+(\w+)\s*:\s*([^;]+?)\s*;`)

	// constDeclRegex captures u32 constants emitted by the pre-processor or written by hand.
	constDeclRegex = regexp.MustCompile(`const\s+(\w+)\s*:\s*u32\s*=\s*(\d+)u?\s*;`)
)

// Binding is one resource declaration in group 0.
type Binding struct {
	Binding      uint32
	AddressSpace string
	Name         string
	Type         string
}

// parseEntryPoint extracts the @compute entry point name, or "" if there is none.
//
// Parameters:
//   - source: the pre-processed WGSL source
//
// Returns:
//   - string: the entry point function name
func parseEntryPoint(source string) string {
	if match := computeEntryRegex.FindStringSubmatch(stripComments(source)); match != nil {
		return match[1]
	}
	return ""
}

// parseWorkgroupSize extracts the @workgroup_size dimensions. Constant names are resolved
// against u32 constant declarations in the same source. Omitted or unresolved dimensions are 1.
//
// Parameters:
//   - source: the pre-processed WGSL source
//
// Returns:
//   - [3]uint32: the workgroup size as [x, y, z]
func parseWorkgroupSize(source string) [3]uint32 {
	cleaned := stripComments(source)
	result := [3]uint32{1, 1, 1}

	match := workgroupSizeRegex.FindStringSubmatch(cleaned)
	if match == nil {
		return result
	}

	consts := make(map[string]uint32)
	for _, m := range constDeclRegex.FindAllStringSubmatch(cleaned, -1) {
		if v, err := strconv.ParseUint(m[2], 10, 32); err == nil {
			consts[m[1]] = uint32(v)
		}
	}

	for i := range 3 {
		dim := match[i+1]
		if dim == "" {
			continue
		}
		if v, err := strconv.ParseUint(dim, 10, 32); err == nil {
			result[i] = uint32(v)
		} else if v, ok := consts[dim]; ok {
			result[i] = v
		}
	}
	return result
}

// parseBindings extracts the group 0 bindings in binding order.
//
// Parameters:
//   - source: the pre-processed WGSL source
//
// Returns:
//   - []Binding: the declared bindings
func parseBindings(source string) []Binding {
	cleaned := stripComments(source)
	var bindings []Binding
	for _, match := range bindGroupDeclRegex.FindAllStringSubmatch(cleaned, -1) {
		if match[1] != "0" {
			continue
		}
		binding, _ := strconv.Atoi(match[2])
		bindings = append(bindings, Binding{
			Binding:      uint32(binding),
			AddressSpace: strings.TrimSpace(match[3]),
			Name:         strings.TrimSpace(match[4]),
			Type:         strings.TrimSpace(match[5]),
		})
	}
	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].Binding < bindings[j].Binding
	})
	return bindings
}

// stripComments removes line and block comments from WGSL source.
func stripComments(source string) string {
	return stripLineComments(stripBlockComments(source))
}

func stripLineComments(source string) string {
	var sb strings.Builder
	for line := range strings.SplitSeq(source, "\n") {
		if idx := strings.Index(line, "//"); idx >= 0 {
			line = line[:idx]
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// stripBlockComments removes /* ... */ comments, handling nesting.
func stripBlockComments(source string) string {
	var sb strings.Builder
	sb.Grow(len(source))
	depth := 0
	for i := 0; i < len(source); i++ {
		if i+1 < len(source) {
			if source[i] == '/' && source[i+1] == '*' {
				depth++
				i++
				continue
			}
			if source[i] == '*' && source[i+1] == '/' && depth > 0 {
				depth--
				i++
				continue
			}
		}
		if depth == 0 {
			sb.WriteByte(source[i])
		}
	}
	return sb.String()
}
