package bvh

import (
	"unsafe"

	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

// Sizes of the device-side records. Kernels and hosts agree on these byte for byte.
const (
	SizeNodeAABB  = 40
	SizeNodeDOP14 = 72
	SizeNodeOBB   = 64
	SizeNodeSOBB  = 64
	SizeNodeSOBBi = 44

	SizeCompactAABB       = 56
	SizeCompactDOP14      = 120
	SizeCompactDOP3       = 56
	SizeCompactDOP14Split = 64
	SizeCompactOBB        = 104
	SizeCompactSOBB       = 112
	SizeCompactSOBBi      = 64

	SizeTriangle      = 48
	SizeTriangleIndex = 8
	SizeGeometry      = 32
	SizeStats         = 28
)

// EmptyChild marks a missing child slot in a compact node.
const EmptyChild int32 = 0x7FFFFFFF

// NodeAABB is a Default-layout node bounded by an axis-aligned box.
// A leaf has C1 < 0 and C0 is its first triangle slot; Size is the number of triangles below the node.
type NodeAABB struct {
	BV     [6]float32 // offset  0: min xyz, max xyz
	Size   int32      // offset 24
	Parent int32      // offset 28: -1 at the root
	C0     int32      // offset 32
	C1     int32      // offset 36
}

// NodeDOP14 is a Default-layout node bounded by a 14-DOP stored as (min, max) pairs over DOP14Directions.
type NodeDOP14 struct {
	BV     [14]float32 // offset  0
	Size   int32       // offset 56
	Parent int32       // offset 60
	C0     int32       // offset 64
	C1     int32       // offset 68
}

// NodeOBB is a Default-layout node bounded by an oriented box. BV is a row-major 3x4 world to unit cube transform.
type NodeOBB struct {
	BV     [12]float32 // offset  0
	Size   int32       // offset 48
	Parent int32       // offset 52
	C0     int32       // offset 56
	C1     int32       // offset 60
}

// NodeSOBB has the layout of NodeOBB. The frame axes are the slab normals of the chosen directions.
type NodeSOBB NodeOBB

// NodeSOBBi is a Default-layout slab box stored as three (min, max) slab pairs and a packed direction index word.
type NodeSOBBi struct {
	BV     [6]float32 // offset  0
	Dirs   uint32     // offset 24: three 8-bit indices into the direction set
	Size   int32      // offset 28
	Parent int32      // offset 32
	C0     int32      // offset 36
	C1     int32      // offset 40
}

// Compact nodes store both child volumes side by side. A child is either a node index, EmptyChild,
// or a leaf encoded by EncodeLeaf.

type CompactAABB struct {
	BV [2][6]float32 // offset  0
	C  [2]int32      // offset 48
}

type CompactDOP14 struct {
	BV [2][14]float32 // offset   0
	C  [2]int32       // offset 112
}

// CompactDOP3 holds the three axis slabs of a split DOP14. The diagonal slabs live in the matching CompactDOP14Split.
type CompactDOP3 struct {
	BV [2][6]float32 // offset  0
	C  [2]int32      // offset 48
}

type CompactDOP14Split struct {
	BV [2][8]float32 // offset 0: slabs 3..6 of each child
}

type CompactOBB struct {
	BV [2][12]float32 // offset  0
	C  [2]int32       // offset 96
}

type CompactSOBB struct {
	BV   [2][12]float32 // offset   0
	C    [2]int32       // offset  96
	_pad [2]uint32      // offset 104
}

type CompactSOBBi struct {
	BV [2][7]float32 // offset  0: six slab values and the direction word as raw bits
	C  [2]int32      // offset 56
}

// Triangle is a Woop-transformed triangle; see Woopify.
type Triangle struct {
	V0 [4]float32 // offset  0
	V1 [4]float32 // offset 16
	V2 [4]float32 // offset 32
}

// TriangleIndex locates the source of a triangle slot.
type TriangleIndex struct {
	NodeID     uint32 // offset 0: geometry index in the scene
	TriangleID uint32 // offset 4: triangle index inside the geometry
}

// Geometry is one entry of the scene geometry descriptor buffer.
type Geometry struct {
	Vertices device.Address // offset  0: packed vec3<f32>
	Indices  device.Address // offset  8: u32 triples
	Normals  device.Address // offset 16: packed vec3<f32>, may be null
	UVs      device.Address // offset 24: packed vec2<f32>, may be null
}

// EncodeLeaf packs a leaf child reference for a compact node.
func EncodeLeaf(first, count uint32) int32 {
	return ^int32(first<<4 | count&0xF)
}

// DecodeChild reports whether c is a leaf, and returns either the leaf range or the node index.
//
// Returns:
//   - leaf: true if c encodes a leaf
//   - index: the node index, or the first triangle slot for a leaf
//   - count: the triangle count of a leaf
func DecodeChild(c int32) (leaf bool, index, count uint32) {
	if c >= 0 {
		return false, uint32(c), 0
	}
	v := uint32(^c)
	return true, v >> 4, v & 0xF
}

// Size returns the byte size of T. It is used to cross-check the constants above.
func Size[T any]() uintptr {
	var zero T
	return unsafe.Sizeof(zero)
}
