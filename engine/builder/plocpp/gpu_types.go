package plocpp

import (
	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

// IndirectClusters counts the clusters emitted by the initial clustering and holds the
// indirect dispatch arguments derived from it.
// Size: 28 bytes.
type IndirectClusters struct {
	CntClustersTotal uint32 // offset  0
	CntTriangles     uint32 // offset  4
	CntPgrams        uint32 // offset  8
	CntButterflies   uint32 // offset 12
	WgX              uint32 // offset 16: indirect dispatch arguments start here
	WgY              uint32 // offset 20
	WgZ              uint32 // offset 24
}

const (
	sizeIndirect       = 28
	offsetIndirectArgs = 16
)

// RuntimeData is the scratch state of the iteration kernel.
// Size: 40 bytes.
type RuntimeData struct {
	BVOffset              uint32    // offset  0: next free internal node slot
	IterationClusterCount uint32    // offset  4
	IterationTaskCount    uint32    // offset  8
	Fill                  uint32    // offset 12
	IterationCounter      uint32    // offset 16
	_                     [4]uint32 // offset 20
	IterationCount        uint32    // offset 36: written once the hierarchy is complete
}

const sizeRuntimeData = 40

// DLPartition is the look-back record of one chunk of clusters during compaction.
type DLPartition struct {
	Aggregate uint32 // offset 0: clusters the chunk keeps
	Prefix    uint32 // offset 4: clusters kept by every earlier chunk
}

// PCMortonGlobal is the scene-wide half of the initial clustering parameters.
// Size: 56 bytes.
type PCMortonGlobal struct {
	SceneAABBCubedMin  common.Vec3    // offset  0
	SceneAABBNormScale float32        // offset 12
	Morton             device.Address // offset 16: radixsort.KeyVal per cluster
	Bvh                device.Address // offset 24
	BvhTriangles       device.Address // offset 32
	BvhTriangleIndices device.Address // offset 40
	Aux                device.Address // offset 48: IndirectClusters
}

// PCMortonPerGeometry is the per-dispatch half of the initial clustering parameters.
// Size: 28 bytes.
type PCMortonPerGeometry struct {
	Idx                  device.Address // offset  0
	Vtx                  device.Address // offset  8
	GlobalTriangleIDBase uint32         // offset 16
	SceneNodeID          uint32         // offset 20
	TriangleCount        uint32         // offset 24
}

// PCInitialClusters is pushed to the initial clustering kernel: the global block followed by the geometry block.
// Size: 84 bytes.
type PCInitialClusters struct {
	Global   PCMortonGlobal
	Geometry PCMortonPerGeometry
}

func (p PCInitialClusters) Size() int { return 84 }

func (p PCInitialClusters) Marshal() []byte {
	g, m := p.Global, p.Geometry
	return device.NewEncoder(p.Size()).
		F32s(g.SceneAABBCubedMin[:]...).
		F32(g.SceneAABBNormScale).
		Addr(g.Morton).
		Addr(g.Bvh).
		Addr(g.BvhTriangles).
		Addr(g.BvhTriangleIndices).
		Addr(g.Aux).
		Addr(m.Idx).
		Addr(m.Vtx).
		U32(m.GlobalTriangleIDBase).
		U32(m.SceneNodeID).
		U32(m.TriangleCount).
		Bytes()
}

func (p PCInitialClusters) Addresses() []device.Address {
	g, m := p.Global, p.Geometry
	return []device.Address{g.Morton, g.Bvh, g.BvhTriangles, g.BvhTriangleIndices, g.Aux, m.Idx, m.Vtx}
}

func decodePCInitialClusters(b []byte) PCInitialClusters {
	d := device.NewDecoder(b)
	var p PCInitialClusters
	p.Global.SceneAABBCubedMin = common.Vec3{d.F32(), d.F32(), d.F32()}
	p.Global.SceneAABBNormScale = d.F32()
	p.Global.Morton = d.Addr()
	p.Global.Bvh = d.Addr()
	p.Global.BvhTriangles = d.Addr()
	p.Global.BvhTriangleIndices = d.Addr()
	p.Global.Aux = d.Addr()
	p.Geometry.Idx = d.Addr()
	p.Geometry.Vtx = d.Addr()
	p.Geometry.GlobalTriangleIDBase = d.U32()
	p.Geometry.SceneNodeID = d.U32()
	p.Geometry.TriangleCount = d.U32()
	return p
}

// PCFillIndirect points the fill kernel at the cluster counters.
// Size: 8 bytes.
type PCFillIndirect struct {
	Indirect device.Address // offset 0
}

func (p PCFillIndirect) Size() int { return 8 }

func (p PCFillIndirect) Marshal() []byte {
	return device.NewEncoder(p.Size()).Addr(p.Indirect).Bytes()
}

func (p PCFillIndirect) Addresses() []device.Address {
	return []device.Address{p.Indirect}
}

// PCCopySortedNodeIDs extracts the cluster ids from the sorted key/value pairs.
// Size: 20 bytes.
type PCCopySortedNodeIDs struct {
	Morton       device.Address // offset  0
	NodeID       device.Address // offset  8
	ClusterCount uint32         // offset 16
}

func (p PCCopySortedNodeIDs) Size() int { return 20 }

func (p PCCopySortedNodeIDs) Marshal() []byte {
	return device.NewEncoder(p.Size()).
		Addr(p.Morton).
		Addr(p.NodeID).
		U32(p.ClusterCount).
		Bytes()
}

func (p PCCopySortedNodeIDs) Addresses() []device.Address {
	return []device.Address{p.Morton, p.NodeID}
}

// PCIterationIndirect drives the persistent merging kernel.
// Size: 56 bytes.
type PCIterationIndirect struct {
	Bvh         device.Address // offset  0
	NodeID0     device.Address // offset  8
	NodeID1     device.Address // offset 16
	DLWork      device.Address // offset 24: DLPartition per chunk
	RuntimeData device.Address // offset 32
	Aux         device.Address // offset 40: u32 nearest neighbour per cluster
	IDB         device.Address // offset 48: IndirectClusters
}

func (p PCIterationIndirect) Size() int { return 56 }

func (p PCIterationIndirect) Marshal() []byte {
	return device.NewEncoder(p.Size()).
		Addr(p.Bvh).
		Addr(p.NodeID0).
		Addr(p.NodeID1).
		Addr(p.DLWork).
		Addr(p.RuntimeData).
		Addr(p.Aux).
		Addr(p.IDB).
		Bytes()
}

func (p PCIterationIndirect) Addresses() []device.Address {
	return []device.Address{p.Bvh, p.NodeID0, p.NodeID1, p.DLWork, p.RuntimeData, p.Aux, p.IDB}
}

func decodePCIterationIndirect(b []byte) PCIterationIndirect {
	d := device.NewDecoder(b)
	return PCIterationIndirect{
		Bvh:         d.Addr(),
		NodeID0:     d.Addr(),
		NodeID1:     d.Addr(),
		DLWork:      d.Addr(),
		RuntimeData: d.Addr(),
		Aux:         d.Addr(),
		IDB:         d.Addr(),
	}
}

// PCDiscoverPairs is the parameter block of the pair discovery pass when iterations run as one dispatch per step.
// Size: 96 bytes.
type PCDiscoverPairs struct {
	Bvh                device.Address // offset  0
	NodeID0            device.Address // offset  8
	NodeID1            device.Address // offset 16
	DLWork             device.Address // offset 24
	RuntimeData        device.Address // offset 32
	IDB                device.Address // offset 40
	ScratchNodes       device.Address // offset 48
	ScratchIDs0        device.Address // offset 56
	ScratchIDs1        device.Address // offset 64
	ScratchTriIDs      device.Address // offset 72
	BvhTriangleIndices device.Address // offset 80
	GeometryDescriptor device.Address // offset 88
}

func (p PCDiscoverPairs) Size() int { return 96 }

func (p PCDiscoverPairs) Marshal() []byte {
	e := device.NewEncoder(p.Size())
	for _, a := range p.Addresses() {
		e.Addr(a)
	}
	return e.Bytes()
}

func (p PCDiscoverPairs) Addresses() []device.Address {
	return []device.Address{
		p.Bvh, p.NodeID0, p.NodeID1, p.DLWork, p.RuntimeData, p.IDB,
		p.ScratchNodes, p.ScratchIDs0, p.ScratchIDs1, p.ScratchTriIDs,
		p.BvhTriangleIndices, p.GeometryDescriptor,
	}
}
