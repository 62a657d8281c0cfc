package scene

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/chewxy/math32"
)

var (
	errGLTFVersion   = errors.New("invalid glTF version: must be 2.0")
	errGLBMagic      = errors.New("invalid GLB magic number")
	errGLBVersion    = errors.New("invalid GLB version: must be 2")
	errGLBNoJSON     = errors.New("GLB file missing JSON chunk")
	errGLTFBufferURI = errors.New("invalid buffer URI")
	errGLTFBufferLen = errors.New("buffer size mismatch")
)

const (
	glbMagic     = 0x46546C67 // "glTF"
	glbVersion   = 2
	glbChunkJSON = 0x4E4F534A // "JSON"
	glbChunkBIN  = 0x004E4942 // "BIN\0"

	gltfModeTriangles = 4

	gltfUnsignedByte  = 5121
	gltfUnsignedShort = 5123
	gltfUnsignedInt   = 5125
	gltfFloat         = 5126
)

// gltfDocument is the part of a glTF 2.0 document the importer reads: the node hierarchy and the
// triangle geometry. Materials, skins and animations are skipped.
type gltfDocument struct {
	Asset struct {
		Version string `json:"version"`
	} `json:"asset"`
	Scene       *int             `json:"scene,omitempty"`
	Scenes      []gltfScene      `json:"scenes,omitempty"`
	Nodes       []gltfNode       `json:"nodes,omitempty"`
	Meshes      []gltfMesh       `json:"meshes,omitempty"`
	Accessors   []gltfAccessor   `json:"accessors,omitempty"`
	BufferViews []gltfBufferView `json:"bufferViews,omitempty"`
	Buffers     []gltfBuffer     `json:"buffers,omitempty"`
}

type gltfScene struct {
	Nodes []int `json:"nodes,omitempty"`
}

type gltfNode struct {
	Name        string       `json:"name,omitempty"`
	Children    []int        `json:"children,omitempty"`
	Mesh        *int         `json:"mesh,omitempty"`
	Matrix      *[16]float32 `json:"matrix,omitempty"`
	Translation *[3]float32  `json:"translation,omitempty"`
	Rotation    *[4]float32  `json:"rotation,omitempty"`
	Scale       *[3]float32  `json:"scale,omitempty"`
}

type gltfMesh struct {
	Name       string          `json:"name,omitempty"`
	Primitives []gltfPrimitive `json:"primitives"`
}

type gltfPrimitive struct {
	Attributes map[string]int `json:"attributes"`
	Indices    *int           `json:"indices,omitempty"`
	Mode       *int           `json:"mode,omitempty"`
}

type gltfAccessor struct {
	BufferView    *int   `json:"bufferView,omitempty"`
	ByteOffset    int    `json:"byteOffset,omitempty"`
	ComponentType int    `json:"componentType"`
	Count         int    `json:"count"`
	Type          string `json:"type"`
	Sparse        *struct {
		Count int `json:"count"`
	} `json:"sparse,omitempty"`
}

type gltfBufferView struct {
	Buffer     int  `json:"buffer"`
	ByteOffset int  `json:"byteOffset,omitempty"`
	ByteLength int  `json:"byteLength"`
	ByteStride *int `json:"byteStride,omitempty"`
}

type gltfBuffer struct {
	URI        string `json:"uri,omitempty"`
	ByteLength int    `json:"byteLength"`
	data       []byte
}

// gltfReader decodes a document and flattens its node hierarchy into world space meshes.
type gltfReader struct {
	baseDir string
	doc     gltfDocument
	bin     []byte
}

// ReadGLTF parses glTF 2.0 geometry, either a JSON document or a binary GLB container. Every triangle
// primitive instanced by a node of the default scene becomes one mesh with the node's world transform
// applied. External buffers are resolved against baseDir.
//
// Parameters:
//   - r: the glTF or GLB source
//   - name: the prefix of the mesh names
//   - baseDir: directory of the document
//
// Returns:
//   - []Mesh: one mesh per instanced primitive
//   - error: if the document is malformed or uses unsupported features
func ReadGLTF(r io.Reader, name, baseDir string) ([]Mesh, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("scene: gltf: %w", err)
	}
	g := &gltfReader{baseDir: baseDir}
	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == glbMagic {
		err = g.parseGLB(data)
	} else {
		err = g.parseJSON(data)
	}
	if err != nil {
		return nil, fmt.Errorf("scene: gltf: %w", err)
	}
	meshes, err := g.meshes(name)
	if err != nil {
		return nil, fmt.Errorf("scene: gltf: %w", err)
	}
	return meshes, nil
}

// LoadGLTF reads a .gltf or .glb file from disk.
func LoadGLTF(path string) ([]Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("scene: %w", err)
	}
	defer f.Close()
	return ReadGLTF(f, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), filepath.Dir(path))
}

func (g *gltfReader) parseJSON(data []byte) error {
	if err := json.Unmarshal(data, &g.doc); err != nil {
		return err
	}
	if !strings.HasPrefix(g.doc.Asset.Version, "2.") {
		return errGLTFVersion
	}
	return g.loadBuffers()
}

// parseGLB splits the 12-byte header and the JSON and BIN chunks of a binary container.
func (g *gltfReader) parseGLB(data []byte) error {
	if len(data) < 12 {
		return errors.New("GLB file too small")
	}
	if binary.LittleEndian.Uint32(data[0:]) != glbMagic {
		return errGLBMagic
	}
	if binary.LittleEndian.Uint32(data[4:]) != glbVersion {
		return errGLBVersion
	}

	var jsonChunk []byte
	for off := 12; off+8 <= len(data); {
		length := int(binary.LittleEndian.Uint32(data[off:]))
		kind := binary.LittleEndian.Uint32(data[off+4:])
		off += 8
		if off+length > len(data) {
			return fmt.Errorf("GLB chunk of %d bytes exceeds the file", length)
		}
		switch kind {
		case glbChunkJSON:
			jsonChunk = data[off : off+length]
		case glbChunkBIN:
			g.bin = data[off : off+length]
		}
		off += length
	}
	if jsonChunk == nil {
		return errGLBNoJSON
	}
	return g.parseJSON(jsonChunk)
}

func (g *gltfReader) loadBuffers() error {
	for i := range g.doc.Buffers {
		buf := &g.doc.Buffers[i]
		switch {
		case buf.URI == "" && i == 0 && g.bin != nil:
			buf.data = g.bin
		case buf.URI == "":
			return fmt.Errorf("buffer %d has no URI and no GLB binary chunk", i)
		case strings.HasPrefix(buf.URI, "data:"):
			data, err := decodeDataURI(buf.URI)
			if err != nil {
				return fmt.Errorf("buffer %d: %w", i, err)
			}
			buf.data = data
		default:
			data, err := os.ReadFile(filepath.Join(g.baseDir, buf.URI))
			if err != nil {
				return fmt.Errorf("buffer %d: %w", i, err)
			}
			buf.data = data
		}
		if len(buf.data) < buf.ByteLength {
			return fmt.Errorf("buffer %d: %w", i, errGLTFBufferLen)
		}
	}
	return nil
}

// decodeDataURI decodes data:[<mediatype>];base64,<data>.
func decodeDataURI(uri string) ([]byte, error) {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return nil, errGLTFBufferURI
	}
	if !strings.Contains(uri[5:comma], "base64") {
		return nil, fmt.Errorf("unsupported data URI encoding: %s", uri[5:comma])
	}
	return base64.StdEncoding.DecodeString(uri[comma+1:])
}

// accessorBytes gathers the elements of an accessor into a tightly packed little-endian array.
func (g *gltfReader) accessorBytes(index, componentSize, components int) ([]byte, error) {
	if index < 0 || index >= len(g.doc.Accessors) {
		return nil, fmt.Errorf("accessor %d out of range", index)
	}
	acc := &g.doc.Accessors[index]
	if acc.Sparse != nil {
		return nil, fmt.Errorf("accessor %d: sparse accessors are not supported", index)
	}
	if acc.BufferView == nil || *acc.BufferView >= len(g.doc.BufferViews) {
		return nil, fmt.Errorf("accessor %d has no buffer view", index)
	}
	bv := &g.doc.BufferViews[*acc.BufferView]
	if bv.Buffer >= len(g.doc.Buffers) {
		return nil, fmt.Errorf("buffer view %d: buffer %d out of range", *acc.BufferView, bv.Buffer)
	}
	src := g.doc.Buffers[bv.Buffer].data

	elem := componentSize * components
	stride := elem
	if bv.ByteStride != nil && *bv.ByteStride > 0 {
		stride = *bv.ByteStride
	}
	base := bv.ByteOffset + acc.ByteOffset
	if acc.Count > 0 && base+(acc.Count-1)*stride+elem > len(src) {
		return nil, fmt.Errorf("accessor %d: %w", index, errGLTFBufferLen)
	}
	out := make([]byte, acc.Count*elem)
	for i := range acc.Count {
		copy(out[i*elem:(i+1)*elem], src[base+i*stride:])
	}
	return out, nil
}

func (g *gltfReader) readVec3(index int) ([]common.Vec3, error) {
	acc := g.accessor(index)
	if acc == nil || acc.Type != "VEC3" || acc.ComponentType != gltfFloat {
		return nil, fmt.Errorf("accessor %d is not VEC3 FLOAT", index)
	}
	raw, err := g.accessorBytes(index, 4, 3)
	if err != nil {
		return nil, err
	}
	out := make([]common.Vec3, acc.Count)
	return out, binary.Read(bytes.NewReader(raw), binary.LittleEndian, out)
}

func (g *gltfReader) readVec2(index int) ([][2]float32, error) {
	acc := g.accessor(index)
	if acc == nil || acc.Type != "VEC2" || acc.ComponentType != gltfFloat {
		return nil, fmt.Errorf("accessor %d is not VEC2 FLOAT", index)
	}
	raw, err := g.accessorBytes(index, 4, 2)
	if err != nil {
		return nil, err
	}
	out := make([][2]float32, acc.Count)
	return out, binary.Read(bytes.NewReader(raw), binary.LittleEndian, out)
}

// readIndices widens unsigned byte, short and int indices to uint32.
func (g *gltfReader) readIndices(index int) ([]uint32, error) {
	acc := g.accessor(index)
	if acc == nil || acc.Type != "SCALAR" {
		return nil, fmt.Errorf("index accessor %d is not SCALAR", index)
	}
	var size int
	switch acc.ComponentType {
	case gltfUnsignedByte:
		size = 1
	case gltfUnsignedShort:
		size = 2
	case gltfUnsignedInt:
		size = 4
	default:
		return nil, fmt.Errorf("unsupported index component type %d", acc.ComponentType)
	}
	raw, err := g.accessorBytes(index, size, 1)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, acc.Count)
	for i := range out {
		switch size {
		case 1:
			out[i] = uint32(raw[i])
		case 2:
			out[i] = uint32(binary.LittleEndian.Uint16(raw[2*i:]))
		default:
			out[i] = binary.LittleEndian.Uint32(raw[4*i:])
		}
	}
	return out, nil
}

func (g *gltfReader) accessor(index int) *gltfAccessor {
	if index < 0 || index >= len(g.doc.Accessors) {
		return nil
	}
	return &g.doc.Accessors[index]
}

// meshes walks the default scene, or every root node when the document declares no scene.
func (g *gltfReader) meshes(name string) ([]Mesh, error) {
	var roots []int
	switch {
	case len(g.doc.Scenes) > 0:
		s := 0
		if g.doc.Scene != nil && *g.doc.Scene < len(g.doc.Scenes) {
			s = *g.doc.Scene
		}
		roots = g.doc.Scenes[s].Nodes
	default:
		child := make([]bool, len(g.doc.Nodes))
		for _, n := range g.doc.Nodes {
			for _, c := range n.Children {
				if c >= 0 && c < len(child) {
					child[c] = true
				}
			}
		}
		for i := range g.doc.Nodes {
			if !child[i] {
				roots = append(roots, i)
			}
		}
	}

	var out []Mesh
	visited := make([]bool, len(g.doc.Nodes))
	var walk func(node int, parent common.Mat4) error
	walk = func(node int, parent common.Mat4) error {
		if node < 0 || node >= len(g.doc.Nodes) {
			return fmt.Errorf("node %d out of range", node)
		}
		if visited[node] {
			return fmt.Errorf("node %d is reachable twice", node)
		}
		visited[node] = true
		n := &g.doc.Nodes[node]
		world := parent.Mul(n.local())
		if n.Mesh != nil {
			ms, err := g.instance(*n.Mesh, world, name)
			if err != nil {
				return fmt.Errorf("node %d: %w", node, err)
			}
			out = append(out, ms...)
		}
		for _, c := range n.Children {
			if err := walk(c, world); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range roots {
		if err := walk(r, common.Identity4()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// local returns the node transform: the explicit matrix, else T * R * S.
func (n *gltfNode) local() common.Mat4 {
	if n.Matrix != nil {
		return common.Mat4(*n.Matrix)
	}
	m := common.Identity4()
	if n.Scale != nil {
		s := *n.Scale
		m[0], m[5], m[10] = s[0], s[1], s[2]
	}
	if n.Rotation != nil {
		m = quatMatrix(*n.Rotation).Mul(m)
	}
	if n.Translation != nil {
		t := *n.Translation
		m[12], m[13], m[14] = t[0], t[1], t[2]
	}
	return m
}

// quatMatrix converts a unit quaternion (x, y, z, w) to a rotation matrix.
func quatMatrix(q [4]float32) common.Mat4 {
	x, y, z, w := q[0], q[1], q[2], q[3]
	m := common.Identity4()
	m[0] = 1 - 2*(y*y+z*z)
	m[1] = 2 * (x*y + z*w)
	m[2] = 2 * (x*z - y*w)
	m[4] = 2 * (x*y - z*w)
	m[5] = 1 - 2*(x*x+z*z)
	m[6] = 2 * (y*z + x*w)
	m[8] = 2 * (x*z + y*w)
	m[9] = 2 * (y*z - x*w)
	m[10] = 1 - 2*(x*x+y*y)
	return m
}

// instance transforms every primitive of a mesh into world space.
func (g *gltfReader) instance(mesh int, world common.Mat4, name string) ([]Mesh, error) {
	if mesh < 0 || mesh >= len(g.doc.Meshes) {
		return nil, fmt.Errorf("mesh %d out of range", mesh)
	}
	src := &g.doc.Meshes[mesh]
	inv, invertible := world.Inverse()

	var out []Mesh
	for pi, prim := range src.Primitives {
		if prim.Mode != nil && *prim.Mode != gltfModeTriangles {
			logger.Warningf("gltf mesh %d primitive %d: mode %d skipped, only triangles are supported", mesh, pi, *prim.Mode)
			continue
		}
		m, err := g.primitive(prim)
		if err != nil {
			return nil, fmt.Errorf("mesh %d primitive %d: %w", mesh, pi, err)
		}
		m.Name = fmt.Sprintf("%s/%d.%d", name, mesh, pi)
		if src.Name != "" {
			m.Name = fmt.Sprintf("%s/%s.%d", name, src.Name, pi)
		}
		for i, v := range m.Vertices {
			m.Vertices[i] = world.MulPoint(v)
		}
		if invertible {
			for i, nrm := range m.Normals {
				m.Normals[i] = normalMul(inv, nrm)
			}
		} else {
			m.Normals = nil
		}
		out = append(out, m)
	}
	return out, nil
}

// normalMul transforms a normal by the transpose of inv and renormalizes it.
func normalMul(inv common.Mat4, n common.Vec3) common.Vec3 {
	var out common.Vec3
	for r := range 3 {
		out[r] = inv[r*4]*n[0] + inv[r*4+1]*n[1] + inv[r*4+2]*n[2]
	}
	if l := out.Length(); l > 0 && !math32.IsInf(l, 0) {
		return out.Scale(1 / l)
	}
	return n
}

// primitive reads the positions, indices, normals and first texture coordinates of a primitive.
// Non-indexed primitives get sequential indices.
func (g *gltfReader) primitive(prim gltfPrimitive) (Mesh, error) {
	pos, ok := prim.Attributes["POSITION"]
	if !ok {
		return Mesh{}, errors.New("primitive has no POSITION attribute")
	}
	vertices, err := g.readVec3(pos)
	if err != nil {
		return Mesh{}, fmt.Errorf("positions: %w", err)
	}
	m := Mesh{Vertices: vertices}

	if prim.Indices != nil {
		if m.Indices, err = g.readIndices(*prim.Indices); err != nil {
			return Mesh{}, fmt.Errorf("indices: %w", err)
		}
	} else {
		m.Indices = make([]uint32, len(vertices))
		for i := range m.Indices {
			m.Indices[i] = uint32(i)
		}
	}
	m.Indices = m.Indices[:len(m.Indices)/3*3]

	if a, ok := prim.Attributes["NORMAL"]; ok {
		normals, err := g.readVec3(a)
		if err != nil {
			return Mesh{}, fmt.Errorf("normals: %w", err)
		}
		if len(normals) == len(vertices) {
			m.Normals = normals
		}
	}
	if a, ok := prim.Attributes["TEXCOORD_0"]; ok {
		uvs, err := g.readVec2(a)
		if err != nil {
			return Mesh{}, fmt.Errorf("texcoords: %w", err)
		}
		if len(uvs) == len(vertices) {
			m.UVs = uvs
		}
	}
	return m, nil
}
