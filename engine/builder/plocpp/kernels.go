package plocpp

import (
	"errors"
	"fmt"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/Carmen-Shannon/oxy-bvh/engine/radixsort"
	"github.com/chewxy/math32"
)

var errNoMutualPair = errors.New("plocpp: iteration found no mutual pair")

func init() {
	def := config.DefaultPipeline().PLOC.Shader
	device.RegisterKernel(def.InitialClusters, initialClustersKernel)
	device.RegisterKernel(shaderFillIndirect, fillIndirectKernel)
	device.RegisterKernel(def.CopyClusters, copySortedNodeIDsKernel)
	device.RegisterKernel(def.Iterations, iterationsKernel)
}

func kernelBV(k *device.KernelContext) config.BV {
	return config.BV(k.Constant("BV", uint32(config.BVAABB)))
}

func initialClustersKernel(k *device.KernelContext) error {
	pc := decodePCInitialClusters(k.Push)
	g, geo := pc.Global, pc.Geometry
	bv := kernelBV(k)
	n := min(geo.TriangleCount, k.Groups[0]*k.Constant("SIZE_WORKGROUP", 256))
	if n == 0 {
		return nil
	}

	idx := device.Slice[uint32](k, geo.Idx, int(3*n))
	var vertexCount uint32
	for _, i := range idx {
		vertexCount = max(vertexCount, i+1)
	}
	vtx := device.Slice[common.Vec3](k, geo.Vtx, int(vertexCount))

	end := int(geo.GlobalTriangleIDBase + n)
	morton := device.Slice[radixsort.KeyVal](k, g.Morton, end)
	nodes := bvh.NewNodeView(k.Bytes(g.Bvh, uint64(end)*bvh.NodeSize(bv)), bv)
	tris := device.Slice[bvh.Triangle](k, g.BvhTriangles, end)
	ids := device.Slice[bvh.TriangleIndex](k, g.BvhTriangleIndices, end)
	frame := bvh.MortonFrame{Min: g.SceneAABBCubedMin, Scale: g.SceneAABBNormScale}

	k.ParallelFor(int(n), func(i int) {
		v0, v1, v2 := vtx[idx[3*i]], vtx[idx[3*i+1]], vtx[idx[3*i+2]]
		slot := int(geo.GlobalTriangleIDBase) + i
		centroid := v0.Add(v1).Add(v2).Scale(1.0 / 3)

		morton[slot] = radixsort.KeyVal{Key: uint32(slot), Code: frame.Code(centroid)}
		triangleVolume(bv, nodes.Volume(slot), v0, v1, v2)
		*nodes.Links(slot) = bvh.Links{Size: 1, Parent: -1, C0: int32(slot), C1: -1}
		tris[slot] = bvh.Woopify(v0, v1, v2)
		ids[slot] = bvh.TriangleIndex{NodeID: geo.SceneNodeID, TriangleID: uint32(i)}
	})

	counters := device.Ptr[IndirectClusters](k, g.Aux)
	counters.CntClustersTotal += n
	counters.CntTriangles += n
	return nil
}

func fillIndirectKernel(k *device.KernelContext) error {
	pc := PCFillIndirect{Indirect: k.Decoder().Addr()}
	c := device.Ptr[IndirectClusters](k, pc.Indirect)
	c.WgX = common.DivCeil(c.CntClustersTotal, k.Constant("SIZE_WORKGROUP", 256))
	c.WgY = 1
	c.WgZ = 1
	return nil
}

func copySortedNodeIDsKernel(k *device.KernelContext) error {
	d := k.Decoder()
	pc := PCCopySortedNodeIDs{Morton: d.Addr(), NodeID: d.Addr(), ClusterCount: d.U32()}
	n := int(min(pc.ClusterCount, k.Groups[0]*k.Constant("SIZE_WORKGROUP", 256)))
	sorted := device.Slice[radixsort.KeyVal](k, pc.Morton, n)
	ids := device.Slice[uint32](k, pc.NodeID, n)
	k.ParallelFor(n, func(i int) {
		ids[i] = sorted[i].Key
	})
	return nil
}

// iterationsKernel merges clusters until one remains. Each iteration pairs mutual nearest
// neighbours, appends the merged nodes after the previous ones and compacts the survivors
// chunk by chunk through the look-back records.
func iterationsKernel(k *device.KernelContext) error {
	pc := decodePCIterationIndirect(k.Push)
	bv := kernelBV(k)
	radius := int(k.Constant("PLOC_RADIUS", 16))
	chunk := int(Specialization{
		WorkgroupPLOC: k.Constant("SIZE_WORKGROUP_PLOC", 1024),
		Radius:        uint32(radius),
	}.ChunkSize())

	counters := device.Ptr[IndirectClusters](k, pc.IDB)
	rt := device.Ptr[RuntimeData](k, pc.RuntimeData)
	n := int(counters.CntClustersTotal)
	if n == 0 {
		return nil
	}
	total := 2*n - 1
	nodes := bvh.NewNodeView(k.Bytes(pc.Bvh, uint64(total)*bvh.NodeSize(bv)), bv)
	ids := [2][]uint32{device.Slice[uint32](k, pc.NodeID0, n), device.Slice[uint32](k, pc.NodeID1, n)}
	neighbours := device.Slice[uint32](k, pc.Aux, n)
	partitions := device.Slice[DLPartition](k, pc.DLWork, common.DivCeil(n, chunk))

	rt.BVOffset = uint32(n)
	rt.IterationClusterCount = uint32(n)
	count, src := n, 0
	var iteration uint32
	for count > 1 {
		cur, next := ids[src][:count], ids[1-src]

		k.ParallelFor(count, func(i int) {
			a := nodes.Volume(int(cur[i]))
			best, bestArea := i, math32.Inf(1)
			// Candidates are visited in index order, so ties keep the smaller index.
			for j := max(0, i-radius); j <= min(count-1, i+radius); j++ {
				if j == i {
					continue
				}
				if area := mergedArea(bv, a, nodes.Volume(int(cur[j]))); area < bestArea {
					best, bestArea = j, area
				}
			}
			neighbours[i] = uint32(best)
		})

		chunks := common.DivCeil(count, chunk)
		merges := make([]uint32, chunks)
		k.ParallelFor(chunks, func(c int) {
			var kept, merged uint32
			for i := c * chunk; i < min((c+1)*chunk, count); i++ {
				switch nn := int(neighbours[i]); {
				case nn == i || int(neighbours[nn]) != i:
					kept++
				case i < nn:
					kept++
					merged++
				}
			}
			partitions[c].Aggregate = kept
			merges[c] = merged
		})

		var keptPrefix, mergePrefix uint32
		mergeBase := make([]uint32, chunks)
		for c := range chunks {
			partitions[c].Prefix = keptPrefix
			keptPrefix += partitions[c].Aggregate
			mergeBase[c] = mergePrefix
			mergePrefix += merges[c]
		}
		if mergePrefix == 0 {
			return fmt.Errorf("%w: %d clusters left", errNoMutualPair, count)
		}

		offset := rt.BVOffset
		k.ParallelFor(chunks, func(c int) {
			out := partitions[c].Prefix
			node := offset + mergeBase[c]
			for i := c * chunk; i < min((c+1)*chunk, count); i++ {
				switch nn := int(neighbours[i]); {
				case nn == i || int(neighbours[nn]) != i:
					next[out] = cur[i]
					out++
				case i < nn:
					mergeNodes(bv, nodes, int(node), cur[i], cur[nn])
					next[out] = node
					out++
					node++
				}
			}
		})

		rt.BVOffset += mergePrefix
		count = int(keptPrefix)
		src = 1 - src
		iteration++
		rt.IterationCounter = iteration
		rt.IterationClusterCount = uint32(count)
	}
	rt.IterationCount = iteration
	return nil
}

// bounds returns the axis-aligned box of a volume. For DOP14 it is the box of the axis slabs.
func bounds(bv config.BV, vol []float32) common.AABB {
	if bv == config.BVDOP14 {
		return bvh.DOP14(vol[:14]).AABB()
	}
	return common.AABB{
		Min: common.Vec3{vol[0], vol[1], vol[2]},
		Max: common.Vec3{vol[3], vol[4], vol[5]},
	}
}

// mergedArea is the distance between two clusters: the surface area of the box around both.
func mergedArea(bv config.BV, a, b []float32) float32 {
	return bounds(bv, a).Union(bounds(bv, b)).Area()
}

func writeAABB(vol []float32, box common.AABB) {
	copy(vol[:3], box.Min[:])
	copy(vol[3:6], box.Max[:])
}

func triangleVolume(bv config.BV, vol []float32, v0, v1, v2 common.Vec3) {
	if bv == config.BVDOP14 {
		d := bvh.EmptyDOP14().Extend(v0).Extend(v1).Extend(v2)
		copy(vol, d[:])
		return
	}
	writeAABB(vol, common.EmptyAABB().Extend(v0).Extend(v1).Extend(v2))
}

func mergeNodes(bv config.BV, nodes bvh.NodeView, dst int, c0, c1 uint32) {
	a, b := nodes.Volume(int(c0)), nodes.Volume(int(c1))
	if bv == config.BVDOP14 {
		d := bvh.DOP14(a[:14]).Union(bvh.DOP14(b[:14]))
		copy(nodes.Volume(dst), d[:])
	} else {
		writeAABB(nodes.Volume(dst), bounds(bv, a).Union(bounds(bv, b)))
	}

	l0, l1 := nodes.Links(int(c0)), nodes.Links(int(c1))
	*nodes.Links(dst) = bvh.Links{Size: l0.Size + l1.Size, Parent: -1, C0: int32(c0), C1: int32(c1)}
	l0.Parent = int32(dst)
	l1.Parent = int32(dst)
}
