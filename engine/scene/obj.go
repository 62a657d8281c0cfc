package scene

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Carmen-Shannon/oxy-bvh/common"
)

// objReader accumulates OBJ statements. Positions, normals and texture coordinates are global to the file;
// every object or group becomes a mesh with its own compacted vertex array.
type objReader struct {
	positions []common.Vec3
	normals   []common.Vec3
	uvs       [][2]float32

	meshes  []Mesh
	current *Mesh
	// remap maps a global position/uv/normal triple to the vertex index of the current mesh
	remap map[[3]int]uint32
}

// ReadOBJ parses Wavefront OBJ geometry. Polygons are fan triangulated; materials are ignored.
//
// Parameters:
//   - r: the OBJ source
//   - name: the name of the first mesh when the file declares none
//
// Returns:
//   - []Mesh: one mesh per object or group that has faces
//   - error: if a statement is malformed
func ReadOBJ(r io.Reader, name string) ([]Mesh, error) {
	o := &objReader{}
	o.begin(name)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if err := o.statement(fields); err != nil {
			return nil, fmt.Errorf("scene: obj line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scene: obj: %w", err)
	}
	o.end()
	return o.meshes, nil
}

// LoadOBJ reads an OBJ file from disk.
func LoadOBJ(path string) ([]Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scene: %w", err)
	}
	defer f.Close()
	return ReadOBJ(f, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
}

func (o *objReader) begin(name string) {
	o.end()
	o.current = &Mesh{Name: name}
	o.remap = make(map[[3]int]uint32)
}

func (o *objReader) end() {
	if o.current != nil && len(o.current.Indices) > 0 {
		if len(o.current.Normals) > 0 && len(o.current.Normals) != len(o.current.Vertices) {
			o.current.Normals = nil
		}
		if len(o.current.UVs) > 0 && len(o.current.UVs) != len(o.current.Vertices) {
			o.current.UVs = nil
		}
		o.meshes = append(o.meshes, *o.current)
	}
	o.current = nil
}

func (o *objReader) statement(f []string) error {
	switch f[0] {
	case "v":
		v, err := parseFloats(f[1:], 3)
		if err != nil {
			return err
		}
		o.positions = append(o.positions, common.Vec3{v[0], v[1], v[2]})
	case "vn":
		v, err := parseFloats(f[1:], 3)
		if err != nil {
			return err
		}
		o.normals = append(o.normals, common.Vec3{v[0], v[1], v[2]})
	case "vt":
		v, err := parseFloats(f[1:], 2)
		if err != nil {
			return err
		}
		o.uvs = append(o.uvs, [2]float32{v[0], v[1]})
	case "o", "g":
		name := o.current.Name
		if len(f) > 1 {
			name = strings.Join(f[1:], " ")
		}
		if len(o.current.Indices) > 0 {
			o.begin(name)
		} else {
			o.current.Name = name
		}
	case "f":
		if len(f) < 4 {
			return fmt.Errorf("face needs at least 3 vertices, got %d", len(f)-1)
		}
		corners := make([]uint32, 0, len(f)-1)
		for _, c := range f[1:] {
			idx, err := o.corner(c)
			if err != nil {
				return err
			}
			corners = append(corners, idx)
		}
		for i := 1; i+1 < len(corners); i++ {
			o.current.Indices = append(o.current.Indices, corners[0], corners[i], corners[i+1])
		}
	}
	return nil
}

// corner resolves a v, v/vt, v//vn or v/vt/vn reference into a vertex of the current mesh.
func (o *objReader) corner(ref string) (uint32, error) {
	parts := strings.Split(ref, "/")
	key := [3]int{-1, -1, -1}
	limits := [3]int{len(o.positions), len(o.uvs), len(o.normals)}
	for i := 0; i < len(parts) && i < 3; i++ {
		if parts[i] == "" {
			continue
		}
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return 0, fmt.Errorf("bad face reference %q", ref)
		}
		if n < 0 {
			n += limits[i]
		} else {
			n--
		}
		if n < 0 || n >= limits[i] {
			return 0, fmt.Errorf("face reference %q out of range", ref)
		}
		key[i] = n
	}
	if key[0] < 0 {
		return 0, fmt.Errorf("face reference %q has no position", ref)
	}

	if idx, ok := o.remap[key]; ok {
		return idx, nil
	}
	m := o.current
	idx := uint32(len(m.Vertices))
	m.Vertices = append(m.Vertices, o.positions[key[0]])
	if key[1] >= 0 {
		m.UVs = append(m.UVs, o.uvs[key[1]])
	}
	if key[2] >= 0 {
		m.Normals = append(m.Normals, o.normals[key[2]])
	}
	o.remap[key] = idx
	return idx, nil
}

func parseFloats(f []string, n int) ([]float32, error) {
	if len(f) < n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(f))
	}
	out := make([]float32, n)
	for i := range n {
		v, err := strconv.ParseFloat(f[i], 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(v)
	}
	return out, nil
}
