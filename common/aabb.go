package common

import "github.com/chewxy/math32"

// AABB is an axis-aligned bounding box. The zero value is not empty; use EmptyAABB.
type AABB struct {
	Min Vec3
	Max Vec3
}

// EmptyAABB returns an inverted box that any Extend call will replace.
func EmptyAABB() AABB {
	inf := math32.Inf(1)
	return AABB{Min: Vec3{inf, inf, inf}, Max: Vec3{-inf, -inf, -inf}}
}

// IsEmpty reports whether the box has no volume on any axis ordering.
func (b AABB) IsEmpty() bool {
	return b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] || b.Min[2] > b.Max[2]
}

// Extend grows the box to contain p.
func (b AABB) Extend(p Vec3) AABB {
	return AABB{Min: b.Min.Min(p), Max: b.Max.Max(p)}
}

// Union grows the box to contain o.
func (b AABB) Union(o AABB) AABB {
	return AABB{Min: b.Min.Min(o.Min), Max: b.Max.Max(o.Max)}
}

// Diagonal returns Max - Min.
func (b AABB) Diagonal() Vec3 { return b.Max.Sub(b.Min) }

// Centroid returns the box center.
func (b AABB) Centroid() Vec3 { return b.Min.Add(b.Max).Scale(0.5) }

// Area returns the surface area, or 0 for an empty box.
func (b AABB) Area() float32 {
	if b.IsEmpty() {
		return 0
	}
	d := b.Diagonal()
	return 2 * (d[0]*d[1] + d[0]*d[2] + d[1]*d[2])
}

// Cubed returns a cube anchored at Min whose edge is the longest edge of b.
// Morton codes are quantized inside this cube so all axes share one scale.
func (b AABB) Cubed() AABB {
	edge := b.Diagonal().MaxComponent()
	return AABB{Min: b.Min, Max: b.Min.Add(Vec3{edge, edge, edge})}
}

// Contains reports whether o lies within b, with eps tolerance.
func (b AABB) Contains(o AABB, eps float32) bool {
	for i := range 3 {
		if o.Min[i] < b.Min[i]-eps || o.Max[i] > b.Max[i]+eps {
			return false
		}
	}
	return true
}
