package collapsing

import (
	"fmt"
	"sync/atomic"

	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

func init() {
	device.RegisterKernel(config.DefaultPipeline().Collapsing.Shader.Collapse, collapseKernel)
}

// collapseKernel decides bottom-up which subtrees become leaves, numbers the surviving nodes
// depth first and scatters nodes and triangles into the output.
// Output leaves come first and internal nodes follow in post-order, so the root is the last node.
func collapseKernel(k *device.KernelContext) error {
	pc := decodePCCollapse(k.Push)
	bv := config.BV(k.Constant("BV", uint32(config.BVAABB)))
	total := int(pc.NodeCountTotal)
	if total == 0 {
		return nil
	}
	stride := bvh.NodeSize(bv)
	nodes := bvh.NewNodeView(k.Bytes(pc.Bvh, uint64(total)*stride), bv)
	counters := device.Slice[uint32](k, pc.Counters, total)
	cost := device.Slice[float32](k, pc.Cost, total)
	collapse := device.Slice[uint32](k, pc.Collapse, total)
	scheduler := device.Ptr[uint32](k, pc.Scheduler)

	var leaves atomic.Uint32
	k.ParallelFor(total, func(i int) {
		l := nodes.Links(i)
		if !l.IsLeaf() {
			return
		}
		leaves.Add(1)
		cost[i] = pc.CI * bvh.VolumeArea(bv, nodes.Volume(i)) * float32(l.Size)
		if uint32(l.Size) <= pc.MaxLeafSize {
			collapse[i] = 1
		}
		// The second child to arrive at a node decides it; the first stops there.
		for node := l.Parent; node >= 0; {
			if atomic.AddUint32(&counters[node], 1) == 1 {
				return
			}
			p := nodes.Links(int(node))
			area := bvh.VolumeArea(bv, nodes.Volume(int(node)))
			internal := pc.CT*area + cost[p.C0] + cost[p.C1]
			leaf := pc.CI * area * float32(p.Size)
			if uint32(p.Size) <= pc.MaxLeafSize && leaf <= internal {
				collapse[node] = 1
				cost[node] = leaf
			} else {
				cost[node] = internal
			}
			atomic.AddUint32(scheduler, 1)
			node = p.Parent
		}
	})
	if internal := uint32(total) - leaves.Load(); *scheduler != internal {
		return fmt.Errorf("collapsing: %d of %d internal nodes decided", *scheduler, internal)
	}

	root := -1
	for i := total - 1; i >= 0; i-- {
		if nodes.Links(i).Parent < 0 {
			root = i
			break
		}
	}
	if root < 0 {
		return fmt.Errorf("collapsing: no root among %d nodes", total)
	}

	var outLeaves, outInternal []int
	var number func(n int)
	number = func(n int) {
		l := nodes.Links(n)
		if collapse[n] == 1 || l.IsLeaf() {
			outLeaves = append(outLeaves, n)
			return
		}
		number(int(l.C0))
		number(int(l.C1))
		outInternal = append(outInternal, n)
	}
	number(root)

	newNodeID := device.Slice[uint32](k, pc.NewNodeID, total)
	for j, n := range outLeaves {
		newNodeID[n] = uint32(j)
	}
	for j, n := range outInternal {
		newNodeID[n] = uint32(len(outLeaves) + j)
	}

	// Triangle slots are handed out leaf by leaf, in the order the leaves were numbered.
	newTriID := device.Slice[uint32](k, pc.NewTriID, int(pc.LeafCount))
	triOffset := device.Slice[uint32](k, pc.TriOffset, len(outLeaves))
	var slot uint32
	stack := make([]int, 0, 64)
	for j, n := range outLeaves {
		triOffset[j] = slot
		stack = append(stack[:0], n)
		for len(stack) > 0 {
			m := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			l := nodes.Links(m)
			if !l.IsLeaf() {
				stack = append(stack, int(l.C1), int(l.C0))
				continue
			}
			for t := range uint32(l.Size) {
				newTriID[uint32(l.C0)+t] = slot
				slot++
			}
		}
	}

	outCount := len(outLeaves) + len(outInternal)
	out := bvh.NewNodeView(k.Bytes(pc.CollapsedBvh, uint64(outCount)*stride), bv)
	k.ParallelFor(outCount, func(o int) {
		var in int
		if o < len(outLeaves) {
			in = outLeaves[o]
		} else {
			in = outInternal[o-len(outLeaves)]
		}
		copy(out.Volume(o), nodes.Volume(in))
		l := nodes.Links(in)
		parent := int32(-1)
		if l.Parent >= 0 {
			parent = int32(newNodeID[l.Parent])
		}
		if o < len(outLeaves) {
			*out.Links(o) = bvh.Links{Size: l.Size, Parent: parent, C0: int32(triOffset[o]), C1: -1}
		} else {
			*out.Links(o) = bvh.Links{Size: l.Size, Parent: parent, C0: int32(newNodeID[l.C0]), C1: int32(newNodeID[l.C1])}
		}
	})

	n := int(pc.LeafCount)
	inTris := device.Slice[bvh.Triangle](k, pc.BvhTriangles, n)
	inIDs := device.Slice[bvh.TriangleIndex](k, pc.BvhTriangleIndices, n)
	outTris := device.Slice[bvh.Triangle](k, pc.CollapsedTriangles, n)
	outIDs := device.Slice[bvh.TriangleIndex](k, pc.CollapsedTriangleIndices, n)
	k.ParallelFor(n, func(s int) {
		outTris[newTriID[s]] = inTris[s]
		outIDs[newTriID[s]] = inIDs[s]
	})

	*device.Ptr[Counts](k, pc.RuntimeData) = Counts{Internal: uint32(len(outInternal)), Leaf: uint32(len(outLeaves))}
	return nil
}
