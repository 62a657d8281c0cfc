package transformation

import (
	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

// OBBFit is the fitted frame of one node: three orthonormal axes and the extents along them.
// Size: 60 bytes.
type OBBFit struct {
	Axes [3]common.Vec3 // offset  0
	Lo   common.Vec3    // offset 36
	Hi   common.Vec3    // offset 48
}

const (
	sizeOBBFit     = 60
	sizeDitoPoints = 4 * 3 * 14

	// schedulerWords is the size of the OBB scheduler in u32 words.
	schedulerWords = 5

	// timingSlots is the number of u64 phase stamps the OBB kernel writes.
	timingSlots = 5
)

// Scheduler words of the OBB kernel.
const (
	schedLeaves = iota
	schedInternal
	schedWritten
	schedRoot
	schedFallback
)

// PCTransformToDOP is the parameter block of the DOP14 conversion.
// Size: 52 bytes.
type PCTransformToDOP struct {
	Bvh                device.Address // offset  0: Default-layout input
	BvhTriangleIndices device.Address // offset  8
	Geometries         device.Address // offset 16: scene geometry descriptors
	BvhOut             device.Address // offset 24
	Counters           device.Address // offset 32: u32 traversal counter per node
	NodeCountTotal     uint32         // offset 40
	NodeCountLeaf      uint32         // offset 44
	_                  uint32         // offset 48
}

func (p PCTransformToDOP) Size() int { return 52 }

func (p PCTransformToDOP) Marshal() []byte {
	e := device.NewEncoder(p.Size())
	for _, a := range p.Addresses() {
		e.Addr(a)
	}
	return e.U32(p.NodeCountTotal).U32(p.NodeCountLeaf).Pad(4).Bytes()
}

func (p PCTransformToDOP) Addresses() []device.Address {
	return []device.Address{p.Bvh, p.BvhTriangleIndices, p.Geometries, p.BvhOut, p.Counters}
}

func decodePCTransformToDOP(b []byte) PCTransformToDOP {
	d := device.NewDecoder(b)
	return PCTransformToDOP{
		Bvh:                d.Addr(),
		BvhTriangleIndices: d.Addr(),
		Geometries:         d.Addr(),
		BvhOut:             d.Addr(),
		Counters:           d.Addr(),
		NodeCountTotal:     d.U32(),
		NodeCountLeaf:      d.U32(),
	}
}

// PCTransformToOBB is the parameter block of the DiTO conversion.
// Size: 76 bytes.
type PCTransformToOBB struct {
	Bvh                device.Address // offset  0
	BvhTriangleIndices device.Address // offset  8
	Geometries         device.Address // offset 16
	BvhOut             device.Address // offset 24
	Counters           device.Address // offset 32
	DitoPoints         device.Address // offset 40: 14 extremal points per node
	OBB                device.Address // offset 48: OBBFit per node
	Scheduler          device.Address // offset 56: schedulerWords u32
	Times              device.Address // offset 64: timingSlots u64
	NodeCountTotal     uint32         // offset 72
}

func (p PCTransformToOBB) Size() int { return 76 }

func (p PCTransformToOBB) Marshal() []byte {
	e := device.NewEncoder(p.Size())
	for _, a := range p.Addresses() {
		e.Addr(a)
	}
	return e.U32(p.NodeCountTotal).Bytes()
}

func (p PCTransformToOBB) Addresses() []device.Address {
	return []device.Address{
		p.Bvh, p.BvhTriangleIndices, p.Geometries, p.BvhOut, p.Counters,
		p.DitoPoints, p.OBB, p.Scheduler, p.Times,
	}
}

func decodePCTransformToOBB(b []byte) PCTransformToOBB {
	d := device.NewDecoder(b)
	return PCTransformToOBB{
		Bvh:                d.Addr(),
		BvhTriangleIndices: d.Addr(),
		Geometries:         d.Addr(),
		BvhOut:             d.Addr(),
		Counters:           d.Addr(),
		DitoPoints:         d.Addr(),
		OBB:                d.Addr(),
		Scheduler:          d.Addr(),
		Times:              d.Addr(),
		NodeCountTotal:     d.U32(),
	}
}

// PCTransformToSOBB is the parameter block of the slab box conversion.
// Size: 68 bytes.
type PCTransformToSOBB struct {
	Bvh                device.Address // offset  0
	BvhTriangleIndices device.Address // offset  8
	Geometries         device.Address // offset 16
	BvhOut             device.Address // offset 24
	Counters           device.Address // offset 32
	BaseDOP            device.Address // offset 40: DOPSize floats per leaf
	DOPRef             device.Address // offset 48: u32 BaseDOP slot per node
	NodeCountTotal     uint32         // offset 56
	NodeCountLeaf      uint32         // offset 60
	DOPSize            uint32         // offset 64
}

func (p PCTransformToSOBB) Size() int { return 68 }

func (p PCTransformToSOBB) Marshal() []byte {
	e := device.NewEncoder(p.Size())
	for _, a := range p.Addresses() {
		e.Addr(a)
	}
	return e.U32(p.NodeCountTotal).U32(p.NodeCountLeaf).U32(p.DOPSize).Bytes()
}

func (p PCTransformToSOBB) Addresses() []device.Address {
	return []device.Address{p.Bvh, p.BvhTriangleIndices, p.Geometries, p.BvhOut, p.Counters, p.BaseDOP, p.DOPRef}
}

func decodePCTransformToSOBB(b []byte) PCTransformToSOBB {
	d := device.NewDecoder(b)
	return PCTransformToSOBB{
		Bvh:                d.Addr(),
		BvhTriangleIndices: d.Addr(),
		Geometries:         d.Addr(),
		BvhOut:             d.Addr(),
		Counters:           d.Addr(),
		BaseDOP:            d.Addr(),
		DOPRef:             d.Addr(),
		NodeCountTotal:     d.U32(),
		NodeCountLeaf:      d.U32(),
		DOPSize:            d.U32(),
	}
}
