package scene

import (
	"fmt"
	"math/rand"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/chewxy/math32"
)

// Grid returns an n by n heightfield over [-1, 1]^2 in the xz plane, two triangles per cell.
func Grid(n int) Mesh {
	n = max(n, 1)
	m := Mesh{Name: fmt.Sprintf("grid%d", n)}
	step := 2 / float32(n)
	for z := 0; z <= n; z++ {
		for x := 0; x <= n; x++ {
			px := -1 + float32(x)*step
			pz := -1 + float32(z)*step
			py := 0.1 * math32.Sin(3*px) * math32.Cos(3*pz)
			m.Vertices = append(m.Vertices, common.Vec3{px, py, pz})
			m.UVs = append(m.UVs, [2]float32{float32(x) / float32(n), float32(z) / float32(n)})
		}
	}
	row := uint32(n + 1)
	for z := range uint32(n) {
		for x := range uint32(n) {
			i := z*row + x
			m.Indices = append(m.Indices, i, i+row, i+1, i+1, i+row, i+row+1)
		}
	}
	m.ComputeNormals()
	return m
}

// Icosphere returns a unit sphere made by subdividing an icosahedron level times.
func Icosphere(level int) Mesh {
	t := (1 + math32.Sqrt(5)) / 2
	verts := []common.Vec3{
		{-1, t, 0}, {1, t, 0}, {-1, -t, 0}, {1, -t, 0},
		{0, -1, t}, {0, 1, t}, {0, -1, -t}, {0, 1, -t},
		{t, 0, -1}, {t, 0, 1}, {-t, 0, -1}, {-t, 0, 1},
	}
	for i := range verts {
		verts[i] = verts[i].Normalize()
	}
	faces := []uint32{
		0, 11, 5, 0, 5, 1, 0, 1, 7, 0, 7, 10, 0, 10, 11,
		1, 5, 9, 5, 11, 4, 11, 10, 2, 10, 7, 6, 7, 1, 8,
		3, 9, 4, 3, 4, 2, 3, 2, 6, 3, 6, 8, 3, 8, 9,
		4, 9, 5, 2, 4, 11, 6, 2, 10, 8, 6, 7, 9, 8, 1,
	}

	for range max(level, 0) {
		mid := make(map[[2]uint32]uint32)
		midpoint := func(a, b uint32) uint32 {
			key := [2]uint32{min(a, b), max(a, b)}
			if idx, ok := mid[key]; ok {
				return idx
			}
			idx := uint32(len(verts))
			verts = append(verts, verts[a].Add(verts[b]).Normalize())
			mid[key] = idx
			return idx
		}
		next := make([]uint32, 0, len(faces)*4)
		for i := 0; i < len(faces); i += 3 {
			a, b, c := faces[i], faces[i+1], faces[i+2]
			ab, bc, ca := midpoint(a, b), midpoint(b, c), midpoint(c, a)
			next = append(next, a, ab, ca, b, bc, ab, c, ca, bc, ab, bc, ca)
		}
		faces = next
	}

	m := Mesh{Name: fmt.Sprintf("icosphere%d", level), Vertices: verts, Indices: faces}
	m.Normals = append([]common.Vec3(nil), verts...)
	return m
}

// Soup returns count independent random triangles inside [-1, 1]^3. The same seed always yields the same soup.
func Soup(count int, seed int64) Mesh {
	rng := rand.New(rand.NewSource(seed))
	m := Mesh{Name: fmt.Sprintf("soup%d", count)}
	rnd := func() float32 { return rng.Float32()*2 - 1 }
	for i := range uint32(max(count, 0)) {
		c := common.Vec3{rnd(), rnd(), rnd()}
		for range 3 {
			m.Vertices = append(m.Vertices, c.Add(common.Vec3{rnd(), rnd(), rnd()}.Scale(0.05)))
		}
		m.Indices = append(m.Indices, 3*i, 3*i+1, 3*i+2)
	}
	m.ComputeNormals()
	return m
}

// Procedural builds the mesh described by a scenes file entry.
//
// Parameters:
//   - p: the procedural description
//
// Returns:
//   - Mesh: the generated mesh
//   - error: if the kind is unknown
func Procedural(p config.Procedural) (Mesh, error) {
	switch p.Kind {
	case "grid":
		return Grid(p.Count), nil
	case "sphere", "icosphere":
		return Icosphere(p.Count), nil
	case "soup":
		return Soup(p.Count, p.Seed), nil
	default:
		return Mesh{}, fmt.Errorf("scene: unknown procedural kind %q", p.Kind)
	}
}
