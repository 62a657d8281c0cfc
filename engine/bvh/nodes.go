package bvh

import (
	"unsafe"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/chewxy/math32"
)

// Links is the topology tail shared by every Default-layout node. It occupies the last 16 bytes of the node.
type Links struct {
	Size   int32
	Parent int32
	C0     int32
	C1     int32
}

// IsLeaf reports whether the node references triangles instead of children.
func (l *Links) IsLeaf() bool {
	return l.C1 < 0
}

// NodeView reads a raw Default-layout node array of any bounding volume.
type NodeView struct {
	raw    []byte
	stride int
}

// NewNodeView wraps raw node memory. raw must be 4-byte aligned; a trailing partial node is ignored.
func NewNodeView(raw []byte, bv config.BV) NodeView {
	return NodeView{raw: raw, stride: int(NodeSize(bv))}
}

// Len returns the number of nodes in the view.
func (v NodeView) Len() int {
	if v.stride == 0 {
		return 0
	}
	return len(v.raw) / v.stride
}

// Links returns the topology of node i.
func (v NodeView) Links(i int) *Links {
	off := (i+1)*v.stride - 16
	return (*Links)(unsafe.Pointer(&v.raw[off]))
}

// Volume returns the bounding volume words of node i: every float before the links.
// For slab-indexed boxes the last word holds the packed direction indices as raw bits.
func (v NodeView) Volume(i int) []float32 {
	n := (v.stride - 16) / 4
	return unsafe.Slice((*float32)(unsafe.Pointer(&v.raw[i*v.stride])), n)
}

// CompactWords returns the number of volume words per child in a compact node of bv, or 0 if bv has no compact node.
// A split DOP14 keeps its six axis words in the node and the rest in the aux array.
func CompactWords(bv config.BV) int {
	switch {
	case bv == config.BVAABB || bv == config.BVDOP14Split:
		return 6
	case bv == config.BVDOP14:
		return 14
	case bv == config.BVOBB || bv.IsSOBBd():
		return 12
	case bv.IsSOBBi():
		return 7
	default:
		return 0
	}
}

// CompactView reads and writes a raw BVH2 node array of any bounding volume.
// Both child volumes come first, followed by the two child references.
type CompactView struct {
	raw    []byte
	stride int
	words  int
}

// NewCompactView wraps raw compact node memory.
func NewCompactView(raw []byte, bv config.BV) CompactView {
	stride, _ := CompactNodeSize(bv)
	return CompactView{raw: raw, stride: int(stride), words: CompactWords(bv)}
}

func (v CompactView) Len() int {
	if v.stride == 0 {
		return 0
	}
	return len(v.raw) / v.stride
}

// Volume returns the volume words of child j of node i.
func (v CompactView) Volume(i, j int) []float32 {
	off := i*v.stride + j*v.words*4
	return unsafe.Slice((*float32)(unsafe.Pointer(&v.raw[off])), v.words)
}

// Children returns the two child references of node i.
func (v CompactView) Children(i int) *[2]int32 {
	off := i*v.stride + 2*v.words*4
	return (*[2]int32)(unsafe.Pointer(&v.raw[off]))
}

// SOBBDirectionSet returns the direction set indexed by a slab-indexed box of kind bv, or nil.
func SOBBDirectionSet(bv config.BV) []common.Vec3 {
	if !bv.IsSOBBi() {
		return nil
	}
	return SOBBDirections(int(bv.DOPSize() / 2))
}

// VolumeArea returns the surface area of a volume in the word layout of bv.
func VolumeArea(bv config.BV, vol []float32) float32 {
	switch {
	case bv == config.BVAABB:
		return aabbOf(vol).Area()
	case bv == config.BVDOP14 || bv == config.BVDOP14Split:
		return DOP14(vol[:14]).Area()
	case bv == config.BVOBB || bv.IsSOBBd():
		return Frame(vol[:12]).Area()
	case bv.IsSOBBi():
		s := SlabBoxFromIndexed(vol[:6], math32.Float32bits(vol[6]), SOBBDirectionSet(bv))
		return s.Area()
	default:
		return 0
	}
}

// RayVolume returns the entry distance of a ray into a volume in the word layout of bv.
func RayVolume(bv config.BV, vol []float32, o, d common.Vec3, tMax float32) (float32, bool) {
	switch {
	case bv == config.BVAABB:
		return RayAABB(o, d, (*[6]float32)(vol[:6]), tMax)
	case bv == config.BVDOP14 || bv == config.BVDOP14Split:
		return RayDOP14(o, d, (*[14]float32)(vol[:14]), tMax)
	case bv == config.BVOBB || bv.IsSOBBd():
		return RayFrame(o, d, (*Frame)(vol[:12]), tMax)
	case bv.IsSOBBi():
		s := SlabBoxFromIndexed(vol[:6], math32.Float32bits(vol[6]), SOBBDirectionSet(bv))
		return RaySlabBox(o, d, &s, tMax)
	default:
		return 0, false
	}
}

// JoinDOP14 rebuilds a DOP14 from the axis slabs of a split compact node and its aux slabs.
func JoinDOP14(axes []float32, diagonals []float32) DOP14 {
	var d DOP14
	copy(d[:6], axes[:6])
	copy(d[6:], diagonals[:8])
	return d
}

func aabbOf(vol []float32) common.AABB {
	return common.AABB{
		Min: common.Vec3{vol[0], vol[1], vol[2]},
		Max: common.Vec3{vol[3], vol[4], vol[5]},
	}
}
