package scene

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// triangleBuffer holds three positions, three normals and three u16 indices padded to 4 bytes.
func triangleBuffer(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	data := []any{
		[9]float32{0, 0, 0, 1, 0, 0, 0, 1, 0},
		[9]float32{0, 0, 1, 0, 0, 1, 0, 0, 1},
		[4]uint16{0, 1, 2, 0},
	}
	for _, d := range data {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, d))
	}
	return buf.Bytes()
}

const triangleDocument = `{
  "asset": {"version": "2.0"},
  "scene": 0,
  "scenes": [{"nodes": [0]}],
  "nodes": [
    {"name": "root", "translation": [0, 0, 5], "children": [1]},
    {"name": "leaf", "scale": [2, 2, 2], "mesh": 0}
  ],
  "meshes": [{"name": "tri", "primitives": [{"attributes": {"POSITION": 0, "NORMAL": 1}, "indices": 2}]}],
  "accessors": [
    {"bufferView": 0, "componentType": 5126, "count": 3, "type": "VEC3"},
    {"bufferView": 0, "byteOffset": 36, "componentType": 5126, "count": 3, "type": "VEC3"},
    {"bufferView": 1, "componentType": 5123, "count": 3, "type": "SCALAR"}
  ],
  "bufferViews": [
    {"buffer": 0, "byteLength": 72},
    {"buffer": 0, "byteOffset": 72, "byteLength": 6}
  ],
  "buffers": [{%s"byteLength": 80}]
}`

func TestReadGLTF(t *testing.T) {
	uri := fmt.Sprintf(`"uri": "data:application/octet-stream;base64,%s", `, base64.StdEncoding.EncodeToString(triangleBuffer(t)))
	meshes, err := ReadGLTF(bytes.NewReader([]byte(fmt.Sprintf(triangleDocument, uri))), "doc", "")
	require.NoError(t, err)
	require.Len(t, meshes, 1)

	m := meshes[0]
	assert.Equal(t, "doc/tri.0", m.Name)
	assert.Equal(t, []uint32{0, 1, 2}, m.Indices)
	assert.NoError(t, m.Validate())
	// scaled by the leaf, then moved by the root
	assert.Equal(t, []common.Vec3{{0, 0, 5}, {2, 0, 5}, {0, 2, 5}}, m.Vertices)
	for _, n := range m.Normals {
		assert.InDelta(t, 1, n[2], 1e-6)
	}
}

func TestReadGLB(t *testing.T) {
	bin := triangleBuffer(t)
	doc := []byte(fmt.Sprintf(triangleDocument, ""))
	for len(doc)%4 != 0 {
		doc = append(doc, ' ')
	}

	var glb bytes.Buffer
	w := func(v uint32) { require.NoError(t, binary.Write(&glb, binary.LittleEndian, v)) }
	w(glbMagic)
	w(glbVersion)
	w(uint32(12 + 8 + len(doc) + 8 + len(bin)))
	w(uint32(len(doc)))
	w(glbChunkJSON)
	glb.Write(doc)
	w(uint32(len(bin)))
	w(glbChunkBIN)
	glb.Write(bin)

	meshes, err := ReadGLTF(&glb, "doc", "")
	require.NoError(t, err)
	require.Len(t, meshes, 1)
	assert.EqualValues(t, 1, meshes[0].TriangleCount())
}

func TestReadGLTFErrors(t *testing.T) {
	_, err := ReadGLTF(bytes.NewReader([]byte(`{"asset": {"version": "1.0"}}`)), "old", "")
	assert.ErrorIs(t, err, errGLTFVersion)

	// the buffer declares more bytes than it carries
	short := fmt.Sprintf(`"uri": "data:;base64,%s", `, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	_, err = ReadGLTF(bytes.NewReader([]byte(fmt.Sprintf(triangleDocument, short))), "short", "")
	assert.ErrorIs(t, err, errGLTFBufferLen)

	_, err = ReadGLTF(bytes.NewReader([]byte{0x67, 0x6C, 0x54, 0x46, 1, 0, 0, 0, 0, 0, 0, 0}), "v1", "")
	assert.ErrorIs(t, err, errGLBVersion)
}

func TestNodeTransform(t *testing.T) {
	s := math32.Sqrt(0.5)
	n := gltfNode{
		Translation: &[3]float32{1, 0, 0},
		Rotation:    &[4]float32{0, s, 0, s}, // 90 degrees around +Y
	}
	p := n.local().MulPoint(common.Vec3{1, 0, 0})
	assert.InDelta(t, 1, p[0], 1e-6)
	assert.InDelta(t, 0, p[1], 1e-6)
	assert.InDelta(t, -1, p[2], 1e-6)

	m := gltfNode{Matrix: &[16]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 3, 4, 5, 1}}
	assert.Equal(t, common.Vec3{3, 4, 5}, m.local().MulPoint(common.Vec3{}))
}
