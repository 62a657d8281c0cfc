package bvh

import (
	"sync"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/chewxy/math32"
)

// DOP14Directions are the slab normals of a 14-DOP: the three axes followed by the four cube diagonals.
var DOP14Directions = [7]common.Vec3{
	{1, 0, 0}, {0, 1, 0}, {0, 0, 1},
	{1, 1, 1}, {1, 1, -1}, {1, -1, 1}, {1, -1, -1},
}

// DOP14 stores (min, max) of dot(n, p) for every direction in DOP14Directions.
type DOP14 [14]float32

// EmptyDOP14 returns an inverted polytope that any Extend call will replace.
func EmptyDOP14() DOP14 {
	var d DOP14
	for i := range 7 {
		d[2*i] = math32.Inf(1)
		d[2*i+1] = math32.Inf(-1)
	}
	return d
}

func (d DOP14) Extend(p common.Vec3) DOP14 {
	for i, n := range DOP14Directions {
		v := n.Dot(p)
		d[2*i] = math32.Min(d[2*i], v)
		d[2*i+1] = math32.Max(d[2*i+1], v)
	}
	return d
}

func (d DOP14) Union(o DOP14) DOP14 {
	for i := range 7 {
		d[2*i] = math32.Min(d[2*i], o[2*i])
		d[2*i+1] = math32.Max(d[2*i+1], o[2*i+1])
	}
	return d
}

// AABB returns the box spanned by the axis slabs.
func (d DOP14) AABB() common.AABB {
	return common.AABB{
		Min: common.Vec3{d[0], d[2], d[4]},
		Max: common.Vec3{d[1], d[3], d[5]},
	}
}

// Area is the exact surface area of the polytope.
func (d DOP14) Area() float32 {
	box := d.AABB()
	if box.IsEmpty() {
		return 0
	}
	var lo, hi [7]float32
	for i := range 7 {
		lo[i], hi[i] = d[2*i], d[2*i+1]
	}
	return polytopeArea(DOP14Directions[:], lo[:], hi[:], box.Centroid(), box.Diagonal().Length()+1)
}

// AABBToDOP14 embeds a box in the DOP14 layout, computing the diagonal slabs from its corners.
func AABBToDOP14(b common.AABB) DOP14 {
	d := EmptyDOP14()
	for c := range 8 {
		p := b.Min
		if c&1 != 0 {
			p[0] = b.Max[0]
		}
		if c&2 != 0 {
			p[1] = b.Max[1]
		}
		if c&4 != 0 {
			p[2] = b.Max[2]
		}
		d = d.Extend(p)
	}
	return d
}

// polytopeArea sums the faces of the convex region lo[i] <= dot(n[i], p) <= hi[i].
// Each face starts as a square of half-size extent around the projection of center and is clipped by every other half-space.
func polytopeArea(normals []common.Vec3, lo, hi []float32, center common.Vec3, extent float32) float32 {
	type plane struct {
		n common.Vec3
		d float32
	}
	planes := make([]plane, 0, 2*len(normals))
	for i, n := range normals {
		planes = append(planes, plane{n, hi[i]}, plane{n.Scale(-1), -lo[i]})
	}

	var area float32
	for i, face := range planes {
		ln := face.n.Length()
		if ln == 0 {
			continue
		}
		n := face.n.Scale(1 / ln)
		c := center.Add(n.Scale(face.d/ln - n.Dot(center)))
		u, v := tangents(n)
		poly := []common.Vec3{
			c.Add(u.Scale(extent)).Add(v.Scale(extent)),
			c.Sub(u.Scale(extent)).Add(v.Scale(extent)),
			c.Sub(u.Scale(extent)).Sub(v.Scale(extent)),
			c.Add(u.Scale(extent)).Sub(v.Scale(extent)),
		}
		for j, clip := range planes {
			if i == j || len(poly) == 0 {
				continue
			}
			poly = clipPolygon(poly, clip.n, clip.d)
		}
		area += polygonArea(poly)
	}
	return area
}

// clipPolygon keeps the part of poly where dot(n, p) <= d.
func clipPolygon(poly []common.Vec3, n common.Vec3, d float32) []common.Vec3 {
	const eps = 1e-6
	out := make([]common.Vec3, 0, len(poly)+1)
	for i, a := range poly {
		b := poly[(i+1)%len(poly)]
		da := n.Dot(a) - d
		db := n.Dot(b) - d
		if da <= eps {
			out = append(out, a)
		}
		if (da < -eps && db > eps) || (da > eps && db < -eps) {
			t := da / (da - db)
			out = append(out, a.Add(b.Sub(a).Scale(t)))
		}
	}
	return out
}

func polygonArea(poly []common.Vec3) float32 {
	if len(poly) < 3 {
		return 0
	}
	var sum common.Vec3
	for i := 1; i+1 < len(poly); i++ {
		sum = sum.Add(poly[i].Sub(poly[0]).Cross(poly[i+1].Sub(poly[0])))
	}
	return 0.5 * sum.Length()
}

func tangents(n common.Vec3) (common.Vec3, common.Vec3) {
	a := common.Vec3{1, 0, 0}
	if math32.Abs(n[0]) > 0.9 {
		a = common.Vec3{0, 1, 0}
	}
	u := n.Cross(a).Normalize()
	return u, n.Cross(u)
}

// Frame is a row-major 3x4 affine map taking world space into the unit cube of an oriented box.
type Frame [12]float32

func (f Frame) row(r int) (common.Vec3, float32) {
	return common.Vec3{f[4*r], f[4*r+1], f[4*r+2]}, f[4*r+3]
}

// Apply maps a world point into box space.
func (f Frame) Apply(p common.Vec3) common.Vec3 {
	var out common.Vec3
	for r := range 3 {
		a, t := f.row(r)
		out[r] = a.Dot(p) + t
	}
	return out
}

// ApplyDir maps a world direction into box space.
func (f Frame) ApplyDir(d common.Vec3) common.Vec3 {
	var out common.Vec3
	for r := range 3 {
		a, _ := f.row(r)
		out[r] = a.Dot(d)
	}
	return out
}

// Edges returns the world-space edge vectors of the box.
func (f Frame) Edges() [3]common.Vec3 {
	a0, _ := f.row(0)
	a1, _ := f.row(1)
	a2, _ := f.row(2)
	det := a0.Dot(a1.Cross(a2))
	if det == 0 {
		return [3]common.Vec3{}
	}
	inv := 1 / det
	return [3]common.Vec3{a1.Cross(a2).Scale(inv), a2.Cross(a0).Scale(inv), a0.Cross(a1).Scale(inv)}
}

// Area is the surface area of the parallelepiped.
func (f Frame) Area() float32 {
	e := f.Edges()
	return 2 * (e[0].Cross(e[1]).Length() + e[1].Cross(e[2]).Length() + e[0].Cross(e[2]).Length())
}

// FrameFromAABB returns the axis-aligned frame of b. Flat axes are widened to avoid a singular map.
func FrameFromAABB(b common.AABB) Frame {
	var f Frame
	for r := range 3 {
		w := math32.Max(b.Max[r]-b.Min[r], 1e-6)
		f[4*r+r] = 1 / w
		f[4*r+3] = -b.Min[r] / w
	}
	return f
}

// SlabBox is the parallelepiped lo[i] <= dot(N[i], p) <= hi[i] over three independent unit directions.
type SlabBox struct {
	N      [3]common.Vec3
	Lo, Hi [3]float32
}

// Frame converts the slab box into an affine frame.
func (s SlabBox) Frame() Frame {
	var f Frame
	for r := range 3 {
		w := math32.Max(s.Hi[r]-s.Lo[r], 1e-6)
		f[4*r] = s.N[r][0] / w
		f[4*r+1] = s.N[r][1] / w
		f[4*r+2] = s.N[r][2] / w
		f[4*r+3] = -s.Lo[r] / w
	}
	return f
}

// Area is the surface area of the slab box, or +Inf when the directions are coplanar.
func (s SlabBox) Area() float32 {
	var e [3]common.Vec3
	for i := range 3 {
		j, k := (i+1)%3, (i+2)%3
		c := s.N[j].Cross(s.N[k])
		den := s.N[i].Dot(c)
		if math32.Abs(den) < 1e-6 {
			return math32.Inf(1)
		}
		e[i] = c.Scale((s.Hi[i] - s.Lo[i]) / den)
	}
	return 2 * (e[0].Cross(e[1]).Length() + e[1].Cross(e[2]).Length() + e[0].Cross(e[2]).Length())
}

// PackDirs packs three direction indices into one word.
func PackDirs(a, b, c uint32) uint32 {
	return a&0xFF | (b&0xFF)<<8 | (c&0xFF)<<16
}

// UnpackDirs is the inverse of PackDirs.
func UnpackDirs(w uint32) [3]uint32 {
	return [3]uint32{w & 0xFF, w >> 8 & 0xFF, w >> 16 & 0xFF}
}

var (
	dirsMu    sync.Mutex
	dirsCache = map[int][]common.Vec3{}
)

// kdopDirections are the 13 directions of the classic 26-DOP, in the order slab boxes fill their sets.
var kdopDirections = [13]common.Vec3{
	{1, 0, 0}, {0, 1, 0}, {0, 0, 1},
	{1, 1, 1}, {1, 1, -1}, {1, -1, 1}, {1, -1, -1},
	{1, 1, 0}, {1, -1, 0}, {1, 0, 1}, {1, 0, -1}, {0, 1, 1}, {0, 1, -1},
}

// SOBBDirections returns count unit directions: the 26-DOP directions, then a Fibonacci hemisphere fill.
// The result is shared and must not be modified.
func SOBBDirections(count int) []common.Vec3 {
	dirsMu.Lock()
	defer dirsMu.Unlock()
	if dirs, ok := dirsCache[count]; ok {
		return dirs
	}
	dirs := make([]common.Vec3, 0, count)
	for _, d := range kdopDirections {
		if len(dirs) == count {
			break
		}
		dirs = append(dirs, d.Normalize())
	}
	fill := count - len(dirs)
	golden := math32.Pi * (3 - math32.Sqrt(5))
	for i := range fill {
		z := 1 - (float32(i)+0.5)/float32(fill)
		r := math32.Sqrt(1 - z*z)
		phi := golden * float32(i)
		dirs = append(dirs, common.Vec3{r * math32.Cos(phi), r * math32.Sin(phi), z})
	}
	dirsCache[count] = dirs
	return dirs
}
