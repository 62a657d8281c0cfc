package bvh

import (
	"fmt"

	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

// Bvh is an immutable handle to a built hierarchy. Stages hand it downstream by value.
type Bvh struct {
	// Nodes is the node array.
	Nodes device.Address

	// Triangles is the Woop triangle array, one entry per referenced triangle.
	Triangles device.Address

	// TriangleIDs maps each triangle slot to its geometry and local triangle index.
	TriangleIDs device.Address

	// Aux is an optional second node array, used by the split DOP14 layout.
	Aux device.Address

	NodeCountLeaf  uint32
	NodeCountTotal uint32

	BV     config.BV
	Layout config.NodeLayout
}

// IsValid reports whether the handle refers to a node array.
func (b Bvh) IsValid() bool {
	return !b.Nodes.IsNull()
}

func (b Bvh) String() string {
	if !b.IsValid() {
		return "bvh(invalid)"
	}
	return fmt.Sprintf("bvh(%s/%s, %d leaves, %d nodes)", b.BV, b.Layout, b.NodeCountLeaf, b.NodeCountTotal)
}

// BvhStats are the device-side quality measures of a hierarchy.
type BvhStats struct {
	SATraverse    float32 `json:"sa_traverse"`
	SAIntersect   float32 `json:"sa_intersect"`
	CostTraverse  float32 `json:"cost_traverse"`
	CostIntersect float32 `json:"cost_intersect"`
	LeafSizeSum   uint32  `json:"leaf_size_sum"`
	LeafSizeMin   uint32  `json:"leaf_size_min"`
	LeafSizeMax   uint32  `json:"leaf_size_max"`
}

// NewBvhStats returns stats with the leaf minimum primed for atomic min.
func NewBvhStats() BvhStats {
	return BvhStats{LeafSizeMin: 0xFFFFFFFF}
}

// CostTotal is the SAH cost of the hierarchy.
func (s BvhStats) CostTotal() float32 {
	return s.CostTraverse + s.CostIntersect
}

// NodeSize returns the size of one Default-layout node for bv, or 0 if bv has no Default node.
func NodeSize(bv config.BV) uint64 {
	switch {
	case bv == config.BVAABB:
		return SizeNodeAABB
	case bv == config.BVDOP14:
		return SizeNodeDOP14
	case bv == config.BVOBB:
		return SizeNodeOBB
	case bv.IsSOBBd():
		return SizeNodeSOBB
	case bv.IsSOBBi():
		return SizeNodeSOBBi
	default:
		return 0
	}
}

// CompactNodeSize returns the size of one BVH2 compact node and of its aux node, or 0 if bv has no compact node.
func CompactNodeSize(bv config.BV) (node, aux uint64) {
	switch {
	case bv == config.BVAABB:
		return SizeCompactAABB, 0
	case bv == config.BVDOP14Split:
		return SizeCompactDOP3, SizeCompactDOP14Split
	case bv == config.BVOBB:
		return SizeCompactOBB, 0
	case bv == config.BVDOP14:
		return SizeCompactDOP14, 0
	case bv.IsSOBBd():
		return SizeCompactSOBB, 0
	case bv.IsSOBBi():
		return SizeCompactSOBBi, 0
	default:
		return 0, 0
	}
}
