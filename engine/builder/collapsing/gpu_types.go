package collapsing

import (
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

// Counts is the result of a collapse, read back through the staging buffer.
type Counts struct {
	Internal uint32 // offset 0
	Leaf     uint32 // offset 4
}

const sizeCounts = 8

// PCCollapse is the parameter block of the collapse kernel.
// Size: 144 bytes.
type PCCollapse struct {
	Bvh                      device.Address // offset   0: Default-layout input nodes
	BvhTriangles             device.Address // offset   8
	BvhTriangleIndices       device.Address // offset  16
	CollapsedBvh             device.Address // offset  24
	CollapsedTriangles       device.Address // offset  32
	CollapsedTriangleIndices device.Address // offset  40
	Counters                 device.Address // offset  48: u32 traversal counter per input node
	Cost                     device.Address // offset  56: f32 SAH cost per input node
	Collapse                 device.Address // offset  64: u32 flag per input node, 1 if its subtree can be a leaf
	NewNodeID                device.Address // offset  72: u32 output index per input node, 0xFFFFFFFF if dropped
	NewTriID                 device.Address // offset  80: u32 output slot per input triangle slot
	TriOffset                device.Address // offset  88: u32 first triangle slot per output leaf
	RuntimeData              device.Address // offset  96: Counts
	Scheduler                device.Address // offset 104: u32 number of internal nodes that reached a decision
	LeafCount                uint32         // offset 112
	NodeCountTotal           uint32         // offset 116
	CT                       float32        // offset 120
	CI                       float32        // offset 124
	MaxLeafSize              uint32         // offset 128
	_                        [3]uint32      // offset 132
}

func (p PCCollapse) Size() int { return 144 }

func (p PCCollapse) Marshal() []byte {
	e := device.NewEncoder(p.Size())
	for _, a := range p.Addresses() {
		e.Addr(a)
	}
	return e.U32(p.LeafCount).
		U32(p.NodeCountTotal).
		F32(p.CT).
		F32(p.CI).
		U32(p.MaxLeafSize).
		Bytes()
}

func (p PCCollapse) Addresses() []device.Address {
	return []device.Address{
		p.Bvh, p.BvhTriangles, p.BvhTriangleIndices,
		p.CollapsedBvh, p.CollapsedTriangles, p.CollapsedTriangleIndices,
		p.Counters, p.Cost, p.Collapse, p.NewNodeID, p.NewTriID, p.TriOffset,
		p.RuntimeData, p.Scheduler,
	}
}

func decodePCCollapse(b []byte) PCCollapse {
	d := device.NewDecoder(b)
	return PCCollapse{
		Bvh:                      d.Addr(),
		BvhTriangles:             d.Addr(),
		BvhTriangleIndices:       d.Addr(),
		CollapsedBvh:             d.Addr(),
		CollapsedTriangles:       d.Addr(),
		CollapsedTriangleIndices: d.Addr(),
		Counters:                 d.Addr(),
		Cost:                     d.Addr(),
		Collapse:                 d.Addr(),
		NewNodeID:                d.Addr(),
		NewTriID:                 d.Addr(),
		TriOffset:                d.Addr(),
		RuntimeData:              d.Addr(),
		Scheduler:                d.Addr(),
		LeafCount:                d.U32(),
		NodeCountTotal:           d.U32(),
		CT:                       d.F32(),
		CI:                       d.F32(),
		MaxLeafSize:              d.U32(),
	}
}
