package shader

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAnnotation(t *testing.T) {
	a, err := parseAnnotation("    //@oxy:binding 3 read_write ids array<u32>", 7)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, AnnotationTypeBinding, a.Type)
	assert.Equal(t, 3, *a.Binding)
	assert.Equal(t, []AnnotationArg{"read_write", "ids", "array<u32>"}, a.Args)
	assert.Equal(t, 7, a.Line)

	a, err = parseAnnotation("let x = 1; // plain comment", 1)
	assert.NoError(t, err)
	assert.Nil(t, a)

	_, err = parseAnnotation("//@oxy:binding 0 read ids array<u32>", 2)
	assert.Error(t, err)
	_, err = parseAnnotation("//@oxy:binding 1 write ids array<u32>", 2)
	assert.Error(t, err)
	_, err = parseAnnotation("//@oxy:const SIZE nope", 3)
	assert.Error(t, err)
	_, err = parseAnnotation("//@oxy:frobnicate", 4)
	assert.Error(t, err)
}

func TestPreProcessorExpandsAnnotations(t *testing.T) {
	fsys := fstest.MapFS{
		"include/types.wgsl": {Data: []byte("struct Pair { a: u32, b: u32, }")},
	}
	pp := NewPreProcessor(fsys)
	src := `//@oxy:include types
//@oxy:include types
//@oxy:const SIZE_WORKGROUP 64
//@oxy:const RADIUS 4
//@oxy:binding 1 read pairs array<Pair>

@compute @workgroup_size(SIZE_WORKGROUP)
fn main() {}`

	out, err := pp.Process(src, map[string]uint32{"SIZE_WORKGROUP": 512})
	require.NoError(t, err)
	assert.Contains(t, out, "struct Pair")
	assert.Contains(t, out, "const SIZE_WORKGROUP: u32 = 512u;")
	assert.Contains(t, out, "const RADIUS: u32 = 4u;")
	assert.Contains(t, out, "@group(0) @binding(1) var<storage, read> pairs: array<Pair>;")
	assert.Len(t, pp.Declarations(), 3)

	_, err = pp.Process("//@oxy:include missing", nil)
	assert.Error(t, err)
}

func TestParseWGSL(t *testing.T) {
	src := `
const WG: u32 = 128u;
/* @compute fn decoy() {} */
@group(0) @binding(2) var<storage, read_write> out: array<u32>;
@group(0) @binding(0) var<uniform> pc: PushConstants;
@group(1) @binding(0) var<storage, read> other: array<u32>;

@compute @workgroup_size(WG, 2)
fn reduce(@builtin(global_invocation_id) gid: vec3<u32>) {}
`
	assert.Equal(t, "reduce", parseEntryPoint(src))
	assert.Equal(t, [3]uint32{128, 2, 1}, parseWorkgroupSize(src))

	bindings := parseBindings(src)
	require.Len(t, bindings, 2)
	assert.Equal(t, Binding{Binding: 0, AddressSpace: "uniform", Name: "pc", Type: "PushConstants"}, bindings[0])
	assert.Equal(t, Binding{Binding: 2, AddressSpace: "storage, read_write", Name: "out", Type: "array<u32>"}, bindings[1])

	assert.Equal(t, [3]uint32{1, 1, 1}, parseWorkgroupSize("fn main() {}"))
}

func TestEmbeddedShadersCompile(t *testing.T) {
	c := NewCache("")
	s, err := c.Load("plocpp/copy_sorted_ids")
	require.NoError(t, err)
	require.True(t, s.HasSource())

	compiled, err := s.Compile(map[string]uint32{"SIZE_WORKGROUP": 1024})
	require.NoError(t, err)
	assert.Equal(t, "main", compiled.EntryPoint)
	assert.Equal(t, [3]uint32{1024, 1, 1}, compiled.WorkgroupSize)
	assert.Equal(t, []uint32{0, 1, 2}, compiled.BindingIndices())
	assert.Contains(t, compiled.Source, "struct Morton32KeyVal")

	s, err = c.Load("plocpp/fill_indirect")
	require.NoError(t, err)
	compiled, err = s.Compile(nil)
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{1, 1, 1}, compiled.WorkgroupSize)
}

func TestMissingShaderIsNotAnError(t *testing.T) {
	c := NewCache("")
	s, err := c.Load("plocpp/iterations_that_do_not_exist")
	require.NoError(t, err)
	assert.False(t, s.HasSource())

	compiled, err := s.Compile(nil)
	require.NoError(t, err)
	assert.Empty(t, compiled.Source)
}

func TestCacheVersions(t *testing.T) {
	c := NewCache("")
	assert.EqualValues(t, 1, c.Version("a"))
	assert.EqualValues(t, 1, c.Version("b"))

	v := c.Bump("a")
	assert.Greater(t, v, uint64(1))
	assert.Equal(t, v, c.Version("a"))
	assert.EqualValues(t, 1, c.Version("b"))

	c.BumpAll()
	assert.Greater(t, c.Version("b"), v)
	assert.Equal(t, c.Version("a"), c.Version("b"))
}

func TestCacheOverlay(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "plocpp"), 0o755))
	override := "//@oxy:include common\n@compute @workgroup_size(7)\nfn overridden() {}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plocpp", "fill_indirect.wgsl"), []byte(override), 0o644))

	c := NewCache(dir)
	s, err := c.Load("plocpp/fill_indirect")
	require.NoError(t, err)
	compiled, err := s.Compile(nil)
	require.NoError(t, err)
	assert.Equal(t, "overridden", compiled.EntryPoint)
	assert.Equal(t, [3]uint32{7, 1, 1}, compiled.WorkgroupSize)

	s, err = c.Load("plocpp/copy_sorted_ids")
	require.NoError(t, err)
	assert.True(t, s.HasSource())

	key, ok := c.keyFor(filepath.Join(dir, "plocpp", "fill_indirect.wgsl"))
	assert.True(t, ok)
	assert.Equal(t, "plocpp/fill_indirect", key)
	_, ok = c.keyFor(filepath.Join(dir, "notes.txt"))
	assert.False(t, ok)
}

func TestCacheMissing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "collapsing"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "collapsing", "collapse.wgsl"), []byte("fn main() {}\n"), 0o644))

	c := NewCache(dir)
	missing := c.Missing("plocpp/fill_indirect", "collapsing/collapse", "tracer/trace")
	assert.Equal(t, []string{"tracer/trace"}, missing)
	assert.Empty(t, NewCache("").Missing("plocpp/fill_indirect", "plocpp/copy_sorted_ids"))
}
