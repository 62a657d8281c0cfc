package bvh

import (
	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/chewxy/math32"
)

// slab narrows [t0, t1] by the slab lo <= on + t*dn <= hi.
func slab(on, dn, lo, hi, t0, t1 float32) (float32, float32) {
	if dn == 0 {
		if on < lo || on > hi {
			return 1, 0
		}
		return t0, t1
	}
	inv := 1 / dn
	a := (lo - on) * inv
	b := (hi - on) * inv
	if a > b {
		a, b = b, a
	}
	return math32.Max(t0, a), math32.Min(t1, b)
}

// RayAABB returns the entry distance of a ray into an AABB node volume.
func RayAABB(o, d common.Vec3, bv *[6]float32, tMax float32) (float32, bool) {
	t0, t1 := float32(0), tMax
	for i := range 3 {
		t0, t1 = slab(o[i], d[i], bv[i], bv[3+i], t0, t1)
		if t0 > t1 {
			return 0, false
		}
	}
	return t0, true
}

// RayDOP14 returns the entry distance of a ray into a DOP14 volume.
func RayDOP14(o, d common.Vec3, bv *[14]float32, tMax float32) (float32, bool) {
	t0, t1 := float32(0), tMax
	for i, n := range DOP14Directions {
		t0, t1 = slab(n.Dot(o), n.Dot(d), bv[2*i], bv[2*i+1], t0, t1)
		if t0 > t1 {
			return 0, false
		}
	}
	return t0, true
}

// RayFrame returns the entry distance of a ray into the unit cube of an oriented box.
func RayFrame(o, d common.Vec3, f *Frame, tMax float32) (float32, bool) {
	lo := f.Apply(o)
	ld := f.ApplyDir(d)
	t0, t1 := float32(0), tMax
	for i := range 3 {
		t0, t1 = slab(lo[i], ld[i], 0, 1, t0, t1)
		if t0 > t1 {
			return 0, false
		}
	}
	return t0, true
}

// RaySlabBox returns the entry distance of a ray into a slab box.
func RaySlabBox(o, d common.Vec3, s *SlabBox, tMax float32) (float32, bool) {
	t0, t1 := float32(0), tMax
	for i := range 3 {
		t0, t1 = slab(s.N[i].Dot(o), s.N[i].Dot(d), s.Lo[i], s.Hi[i], t0, t1)
		if t0 > t1 {
			return 0, false
		}
	}
	return t0, true
}

// SlabBoxFromIndexed rebuilds a slab box from six slab values and a packed direction word.
func SlabBoxFromIndexed(bv []float32, dirs uint32, set []common.Vec3) SlabBox {
	var s SlabBox
	for i, idx := range UnpackDirs(dirs) {
		if int(idx) < len(set) {
			s.N[i] = set[idx]
		}
		s.Lo[i], s.Hi[i] = bv[2*i], bv[2*i+1]
	}
	return s
}
