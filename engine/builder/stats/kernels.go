package stats

import (
	"strings"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

func init() {
	for name := range variants {
		device.RegisterKernel(shaderPrefix+name, statsKernel)
		device.RegisterKernel(shaderPrefix+name+"_c", statsKernel)
	}
}

// partial is the contribution of one workgroup. Partials are reduced in workgroup order so
// the float sums do not depend on scheduling.
type partial struct {
	saT, saI, cT, cI float32
	sum, lo, hi      uint32
}

func (p *partial) leaf(area float32, size uint32, ci float32) {
	p.saI += area
	p.cI += ci * area * float32(size)
	p.sum += size
	p.lo = min(p.lo, size)
	p.hi = max(p.hi, size)
}

func (p *partial) internal(area float32, ct float32) {
	p.saT += area
	p.cT += ct * area
}

func statsKernel(k *device.KernelContext) error {
	variant, compact := strings.CutSuffix(strings.TrimPrefix(k.Name, shaderPrefix), "_c")
	bv := variants[variant]
	pc := decodePCBvhStats(k.Push)
	if pc.NodeCount == 0 {
		return nil
	}
	wg := k.Constant("SIZE_WORKGROUP", 1024)
	groups := min(k.Groups[0], common.DivCeil(pc.NodeCount, wg))
	norm := float32(1)
	if pc.SceneSurfaceArea > 0 {
		norm = 1 / pc.SceneSurfaceArea
	}

	parts := make([]partial, groups)
	if compact {
		if bv == config.BVDOP14 && !pc.BvhAux.IsNull() {
			bv = config.BVDOP14Split
		}
		evalCompact(k, bv, pc, wg, norm, parts)
	} else {
		evalDefault(k, bv, pc, wg, norm, parts)
	}

	total := partial{lo: 0xFFFFFFFF}
	for _, p := range parts {
		total.saT += p.saT
		total.saI += p.saI
		total.cT += p.cT
		total.cI += p.cI
		total.sum += p.sum
		total.lo = min(total.lo, p.lo)
		total.hi = max(total.hi, p.hi)
	}
	if compact {
		// The root volume is not stored in the compact layout; it spans the scene.
		total.internal(1, pc.CT)
	}

	out := device.Ptr[bvh.BvhStats](k, pc.Result)
	out.SATraverse += total.saT
	out.SAIntersect += total.saI
	out.CostTraverse += total.cT
	out.CostIntersect += total.cI
	out.LeafSizeSum += total.sum
	out.LeafSizeMin = min(out.LeafSizeMin, total.lo)
	out.LeafSizeMax = max(out.LeafSizeMax, total.hi)
	return nil
}

func evalDefault(k *device.KernelContext, bv config.BV, pc PCBvhStats, wg uint32, norm float32, parts []partial) {
	raw := k.Bytes(pc.Bvh, uint64(pc.NodeCount)*bvh.NodeSize(bv))
	nodes := bvh.NewNodeView(raw, bv)
	n := uint32(nodes.Len())

	k.ParallelFor(len(parts), func(g int) {
		p := partial{lo: 0xFFFFFFFF}
		lo := uint32(g) * wg
		for i := lo; i < min(lo+wg, n); i++ {
			l := nodes.Links(int(i))
			area := bvh.VolumeArea(bv, nodes.Volume(int(i))) * norm
			if l.IsLeaf() {
				p.leaf(area, uint32(l.Size), pc.CI)
			} else {
				p.internal(area, pc.CT)
			}
		}
		parts[g] = p
	})
}

func evalCompact(k *device.KernelContext, bv config.BV, pc PCBvhStats, wg uint32, norm float32, parts []partial) {
	stride, auxStride := bvh.CompactNodeSize(bv)
	nodes := bvh.NewCompactView(k.Bytes(pc.Bvh, uint64(pc.NodeCount)*stride), bv)
	var aux []bvh.CompactDOP14Split
	if auxStride > 0 {
		aux = device.Slice[bvh.CompactDOP14Split](k, pc.BvhAux, int(pc.NodeCount))
	}

	k.ParallelFor(len(parts), func(g int) {
		p := partial{lo: 0xFFFFFFFF}
		lo := uint32(g) * wg
		for i := lo; i < min(lo+wg, pc.NodeCount); i++ {
			for j, c := range nodes.Children(int(i)) {
				if c == bvh.EmptyChild {
					continue
				}
				vol := nodes.Volume(int(i), j)
				var area float32
				if aux != nil {
					d := bvh.JoinDOP14(vol, aux[i].BV[j][:])
					area = d.Area() * norm
				} else {
					area = bvh.VolumeArea(bv, vol) * norm
				}
				if leaf, _, count := bvh.DecodeChild(c); leaf {
					p.leaf(area, count, pc.CI)
				} else {
					p.internal(area, pc.CT)
				}
			}
		}
		parts[g] = p
	})
}
