package rearrangement

import (
	"fmt"
	"sync/atomic"

	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

func init() {
	device.RegisterKernel(config.DefaultPipeline().Rearrangement.Shader.Rearrange, rearrangeKernel)
}

// rearrangeKernel drains the work queue breadth first. Every queued internal node fills one compact
// node with the volumes of its two children; internal children are queued in turn and leaves are encoded in place.
// Compact indices are handed out in queue order, so the output does not depend on scheduling.
func rearrangeKernel(k *device.KernelContext) error {
	pc := decodePCRearrange(k.Push)
	out := config.BV(k.Constant("BV", uint32(config.BVAABB)))
	in := InputBV(out)
	leaves := int(pc.LeafNodeCount)
	if leaves == 0 {
		return nil
	}

	work := device.Slice[WorkItem](k, pc.WorkBuffer, leaves)
	rt := device.Slice[uint32](k, pc.RuntimeData, runtimeWords)
	root := int(work[0].Node)
	nodes := bvh.NewNodeView(k.Bytes(pc.Bvh, uint64(root+1)*bvh.NodeSize(in)), in)

	capacity := EstimateNodeCount(uint32(root + 1))
	stride, auxStride := bvh.CompactNodeSize(out)
	wide := bvh.NewCompactView(k.Bytes(pc.BvhWide, uint64(capacity)*stride), out)
	var aux []bvh.CompactDOP14Split
	if auxStride > 0 {
		aux = device.Slice[bvh.CompactDOP14Split](k, pc.AuxBuffer, int(capacity))
	}

	var oversized atomic.Int32
	// encode copies the volume of src into a child slot and returns the leaf reference, if src is a leaf.
	encode := func(dst, slot int, child *bvh.Links, src int) (int32, bool) {
		vol := nodes.Volume(src)
		if aux != nil {
			copy(wide.Volume(dst, slot), vol[:6])
			copy(aux[dst].BV[slot][:], vol[6:14])
		} else {
			copy(wide.Volume(dst, slot), vol)
		}
		if !child.IsLeaf() {
			return 0, false
		}
		if child.Size > MaxLeafSize {
			oversized.Store(child.Size)
		}
		return bvh.EncodeLeaf(uint32(child.C0), uint32(child.Size)), true
	}

	if l := nodes.Links(root); l.IsLeaf() {
		children := wide.Children(0)
		children[0], _ = encode(0, 0, l, root)
		children[1] = bvh.EmptyChild
		return checkOversized(&oversized)
	}

	for rt[runtimeHead] < rt[runtimeTail] {
		head, tail, count := rt[runtimeHead], rt[runtimeTail], rt[runtimeCount]
		batch := work[head:tail]

		first := make([]uint32, len(batch))
		next := count
		for b, item := range batch {
			first[b] = next
			l := nodes.Links(int(item.Node))
			for _, c := range [2]int32{l.C0, l.C1} {
				if !nodes.Links(int(c)).IsLeaf() {
					next++
				}
			}
		}
		if next > capacity {
			return fmt.Errorf("rearrangement: %d compact nodes exceed the estimate of %d", next, capacity)
		}

		k.ParallelFor(len(batch), func(b int) {
			item := batch[b]
			l := nodes.Links(int(item.Node))
			slot := first[b]
			children := wide.Children(int(item.Compact))
			for j, c := range [2]int32{l.C0, l.C1} {
				ref, leaf := encode(int(item.Compact), j, nodes.Links(int(c)), int(c))
				if !leaf {
					ref = int32(slot)
					work[tail+slot-count] = WorkItem{Node: uint32(c), Compact: slot}
					slot++
				}
				children[j] = ref
			}
		})

		rt[runtimeHead] = tail
		rt[runtimeTail] = tail + next - count
		rt[runtimeCount] = next
	}
	return checkOversized(&oversized)
}

func checkOversized(size *atomic.Int32) error {
	if s := size.Load(); s != 0 {
		return fmt.Errorf("rearrangement: a leaf of %d triangles does not fit a compact child", s)
	}
	return nil
}
