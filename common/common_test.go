package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAABBArea(t *testing.T) {
	b := EmptyAABB()
	assert.True(t, b.IsEmpty())
	assert.Zero(t, b.Area())

	b = b.Extend(Vec3{0, 0, 0}).Extend(Vec3{1, 2, 3})
	assert.False(t, b.IsEmpty())
	assert.InDelta(t, 2*(1*2+1*3+2*3), b.Area(), 1e-6)
	assert.Equal(t, Vec3{0.5, 1, 1.5}, b.Centroid())
}

func TestAABBCubed(t *testing.T) {
	b := AABB{Min: Vec3{-1, 0, 2}, Max: Vec3{1, 5, 3}}
	c := b.Cubed()
	assert.Equal(t, b.Min, c.Min)
	assert.Equal(t, Vec3{4, 5, 7}, c.Max)
	assert.True(t, c.Contains(b, 0))
}

func TestMat4Inverse(t *testing.T) {
	view := LookAt(Vec3{1, 2, 3}, Vec3{0, 0, 0}, Vec3{0, 1, 0})
	inv, ok := view.Inverse()
	require.True(t, ok)

	id := view.Mul(inv)
	for i, v := range Identity4() {
		assert.InDelta(t, v, id[i], 1e-5, "element %d", i)
	}

	eye := inv.MulPoint(Vec3{})
	assert.InDelta(t, 1, eye[0], 1e-5)
	assert.InDelta(t, 2, eye[1], 1e-5)
	assert.InDelta(t, 3, eye[2], 1e-5)

	_, ok = Mat4{}.Inverse()
	assert.False(t, ok)
}

func TestDivCeil(t *testing.T) {
	assert.Equal(t, 0, DivCeil(0, 32))
	assert.Equal(t, 1, DivCeil(1, 32))
	assert.Equal(t, 2, DivCeil(33, 32))
	assert.Equal(t, uint32(4), DivCeil(uint32(128), 32))
}

func TestBytesRoundTrip(t *testing.T) {
	in := []uint32{1, 2, 0xFFFFFFFF}
	b := SliceToBytes(in)
	require.Len(t, b, 12)
	out := BytesToSlice[uint32](b)
	assert.Equal(t, in, out)
	assert.Equal(t, "b", Coalesce("", "b", "c"))
}
