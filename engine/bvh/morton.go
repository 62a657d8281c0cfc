package bvh

import (
	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/chewxy/math32"
)

// mortonBits is the quantization per axis of a 30-bit Morton code.
const mortonBits = 10

func expandBits(v uint32) uint32 {
	v = (v | v<<16) & 0x030000FF
	v = (v | v<<8) & 0x0300F00F
	v = (v | v<<4) & 0x030C30C3
	v = (v | v<<2) & 0x09249249
	return v
}

// Morton30 interleaves a point normalized into [0, 1]^3. Coordinates outside the cube are clamped.
func Morton30(p common.Vec3) uint32 {
	const scale = 1 << mortonBits
	var q [3]uint32
	for i := range 3 {
		q[i] = uint32(math32.Min(math32.Max(p[i]*scale, 0), scale-1))
	}
	return expandBits(q[0])<<2 | expandBits(q[1])<<1 | expandBits(q[2])
}

// MortonFrame maps scene space into the unit cube used by Morton30.
type MortonFrame struct {
	Min   common.Vec3
	Scale float32
}

// NewMortonFrame builds the frame from the scene bounds. All axes share the scale of the longest edge.
func NewMortonFrame(scene common.AABB) MortonFrame {
	cubed := scene.Cubed()
	edge := cubed.Diagonal()[0]
	scale := float32(0)
	if edge > 0 {
		scale = 1 / edge
	}
	return MortonFrame{Min: cubed.Min, Scale: scale}
}

// Code returns the Morton code of p.
func (f MortonFrame) Code(p common.Vec3) uint32 {
	return Morton30(p.Sub(f.Min).Scale(f.Scale))
}
