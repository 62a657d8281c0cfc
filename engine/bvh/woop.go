package bvh

import (
	"github.com/Carmen-Shannon/oxy-bvh/common"
)

// Woopify stores a triangle as the rows of the inverse of the affine map taking the unit triangle to it.
// V0 holds the normal row, V1 and V2 the barycentric rows. A degenerate triangle becomes all zeros and is never hit.
func Woopify(v0, v1, v2 common.Vec3) Triangle {
	e0 := v0.Sub(v2)
	e1 := v1.Sub(v2)
	n := e0.Cross(e1)
	m := common.Mat4{
		e0[0], e0[1], e0[2], 0,
		e1[0], e1[1], e1[2], 0,
		n[0], n[1], n[2], 0,
		v2[0], v2[1], v2[2], 1,
	}
	inv, ok := m.Inverse()
	if !ok {
		return Triangle{}
	}
	row := func(r int) [4]float32 {
		return [4]float32{inv[r], inv[4+r], inv[8+r], inv[12+r]}
	}
	return Triangle{V0: row(2), V1: row(0), V2: row(1)}
}

func dot4(r [4]float32, p common.Vec3, w float32) float32 {
	return r[0]*p[0] + r[1]*p[1] + r[2]*p[2] + r[3]*w
}

// Intersect tests a ray against the triangle and returns the hit distance and barycentrics.
func (t *Triangle) Intersect(o, d common.Vec3, tMin, tMax float32) (dist, u, v float32, hit bool) {
	dz := dot4(t.V0, d, 0)
	if dz == 0 {
		return 0, 0, 0, false
	}
	dist = -dot4(t.V0, o, 1) / dz
	if dist <= tMin || dist >= tMax {
		return 0, 0, 0, false
	}
	u = dot4(t.V1, o, 1) + dist*dot4(t.V1, d, 0)
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}
	v = dot4(t.V2, o, 1) + dist*dot4(t.V2, d, 0)
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false
	}
	return dist, u, v, true
}
