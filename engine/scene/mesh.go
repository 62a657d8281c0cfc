package scene

import (
	"github.com/Carmen-Shannon/oxy-bvh/common"
)

// Mesh is an indexed triangle mesh held on the host.
type Mesh struct {
	Name     string
	Vertices []common.Vec3
	// Indices holds three vertex indices per triangle.
	Indices []uint32
	// Normals is per vertex and may be empty until ComputeNormals runs.
	Normals []common.Vec3
	UVs     [][2]float32
}

// TriangleCount returns the number of triangles.
func (m *Mesh) TriangleCount() uint32 {
	return uint32(len(m.Indices) / 3)
}

// Triangle returns the vertices of triangle i.
func (m *Mesh) Triangle(i uint32) (common.Vec3, common.Vec3, common.Vec3) {
	return m.Vertices[m.Indices[3*i]], m.Vertices[m.Indices[3*i+1]], m.Vertices[m.Indices[3*i+2]]
}

// Bounds returns the box of the referenced vertices. Out of range indices are ignored.
func (m *Mesh) Bounds() common.AABB {
	b := common.EmptyAABB()
	for _, idx := range m.Indices {
		if int(idx) < len(m.Vertices) {
			b = b.Extend(m.Vertices[idx])
		}
	}
	return b
}

// ComputeNormals fills per-vertex normals by area-weighted averaging of face normals.
// Existing normals are kept when there is one per vertex.
func (m *Mesh) ComputeNormals() {
	if len(m.Normals) == len(m.Vertices) {
		return
	}
	m.Normals = make([]common.Vec3, len(m.Vertices))
	for i := range m.TriangleCount() {
		v0, v1, v2 := m.Triangle(i)
		n := v1.Sub(v0).Cross(v2.Sub(v0))
		for k := range 3 {
			idx := m.Indices[3*i+uint32(k)]
			m.Normals[idx] = m.Normals[idx].Add(n)
		}
	}
	for i, n := range m.Normals {
		m.Normals[i] = n.Normalize()
	}
}

// Validate reports the first index that does not address a vertex.
//
// Returns:
//   - error: ErrIndexOutOfRange wrapped with the offending position, or nil
func (m *Mesh) Validate() error {
	if len(m.Indices)%3 != 0 {
		return errIndexCount(m.Name, len(m.Indices))
	}
	for i, idx := range m.Indices {
		if int(idx) >= len(m.Vertices) {
			return errIndex(m.Name, i, idx, len(m.Vertices))
		}
	}
	return nil
}
