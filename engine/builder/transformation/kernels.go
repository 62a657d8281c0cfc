package transformation

import (
	"cmp"
	"fmt"
	"sync/atomic"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/chewxy/math32"
	"golang.org/x/exp/slices"
)

// slabCandidates is how many of the narrowest k-DOP slabs join the three axes when a slab box picks its directions.
const slabCandidates = 8

func init() {
	device.RegisterKernel(config.DefaultPipeline().Transformation.Shader.Transform, transformKernel)
}

func transformKernel(k *device.KernelContext) error {
	target := config.BV(k.Constant("TARGET", uint32(config.BVNone)))
	in := config.BV(k.Constant("BV_IN", uint32(config.BVAABB)))
	switch {
	case target == config.BVDOP14:
		return toDOP14(k, in, decodePCTransformToDOP(k.Push))
	case target == config.BVOBB:
		return toOBB(k, in, decodePCTransformToOBB(k.Push))
	case target.IsSOBBd() || target.IsSOBBi():
		return toSOBB(k, in, target, decodePCTransformToSOBB(k.Push))
	default:
		return fmt.Errorf("transformation: no conversion to %s", target)
	}
}

// tree is the input hierarchy together with the scene geometry its leaves reference.
type tree struct {
	k     *device.KernelContext
	nodes bvh.NodeView
	ids   []bvh.TriangleIndex
	geos  device.Address
}

func newTree(k *device.KernelContext, bv config.BV, nodes device.Address, total uint32, ids, geos device.Address) tree {
	t := tree{
		k:     k,
		nodes: bvh.NewNodeView(k.Bytes(nodes, uint64(total)*bvh.NodeSize(bv)), bv),
		geos:  geos,
	}
	if root := t.root(); root >= 0 {
		t.ids = device.Slice[bvh.TriangleIndex](k, ids, int(t.nodes.Links(root).Size))
	}
	return t
}

func (t tree) root() int {
	for i := t.nodes.Len() - 1; i >= 0; i-- {
		if t.nodes.Links(i).Parent < 0 {
			return i
		}
	}
	return -1
}

func (t tree) counts() (leaves, internal uint32) {
	for i := range t.nodes.Len() {
		if t.nodes.Links(i).IsLeaf() {
			leaves++
		} else {
			internal++
		}
	}
	return leaves, internal
}

// vertices calls fn on the three vertices of every triangle referenced by leaf l.
func (t tree) vertices(l *bvh.Links, fn func(p common.Vec3)) {
	for slot := l.C0; slot < l.C0+l.Size; slot++ {
		id := t.ids[slot]
		g := device.Ptr[bvh.Geometry](t.k, t.geos.Add(uint64(id.NodeID)*bvh.SizeGeometry))
		tri := device.Ptr[[3]uint32](t.k, g.Indices.Add(12*uint64(id.TriangleID)))
		for _, v := range tri {
			fn(*device.Ptr[common.Vec3](t.k, g.Vertices.Add(12*uint64(v))))
		}
	}
}

func (t tree) forLeaves(fn func(i int, l *bvh.Links)) {
	t.k.ParallelFor(t.nodes.Len(), func(i int) {
		if l := t.nodes.Links(i); l.IsLeaf() {
			fn(i, l)
		}
	})
}

// climb walks from every leaf towards the root. The second child to arrive at a node runs fn on it
// and continues; the first stops there. It returns how many internal nodes fn ran on.
func (t tree) climb(counters []uint32, fn func(i int, l *bvh.Links)) uint32 {
	var done atomic.Uint32
	t.forLeaves(func(_ int, l *bvh.Links) {
		for node := l.Parent; node >= 0; {
			if atomic.AddUint32(&counters[node], 1) == 1 {
				return
			}
			p := t.nodes.Links(int(node))
			fn(int(node), p)
			done.Add(1)
			node = p.Parent
		}
	})
	return done.Load()
}

func (t tree) checkClimb(done uint32) error {
	if _, internal := t.counts(); done != internal {
		return fmt.Errorf("transformation: %d of %d internal nodes converted", done, internal)
	}
	return nil
}

func toDOP14(k *device.KernelContext, in config.BV, pc PCTransformToDOP) error {
	total := int(pc.NodeCountTotal)
	if total == 0 {
		return nil
	}
	t := newTree(k, in, pc.Bvh, pc.NodeCountTotal, pc.BvhTriangleIndices, pc.Geometries)
	out := bvh.NewNodeView(k.Bytes(pc.BvhOut, uint64(total)*bvh.SizeNodeDOP14), config.BVDOP14)
	counters := device.Slice[uint32](k, pc.Counters, total)
	vol := func(i int32) *bvh.DOP14 { return (*bvh.DOP14)(out.Volume(int(i))) }

	t.forLeaves(func(i int, l *bvh.Links) {
		d := bvh.EmptyDOP14()
		t.vertices(l, func(p common.Vec3) { d = d.Extend(p) })
		*vol(int32(i)) = d
		*out.Links(i) = *l
	})
	done := t.climb(counters, func(i int, l *bvh.Links) {
		*vol(int32(i)) = vol(l.C0).Union(*vol(l.C1))
		*out.Links(i) = *l
	})
	return t.checkClimb(done)
}

func toOBB(k *device.KernelContext, in config.BV, pc PCTransformToOBB) error {
	total := int(pc.NodeCountTotal)
	times := device.Slice[uint64](k, pc.Times, timingSlots)
	times[0] = k.Now()
	if total == 0 {
		for i := 1; i < timingSlots; i++ {
			times[i] = times[0]
		}
		return nil
	}
	t := newTree(k, in, pc.Bvh, pc.NodeCountTotal, pc.BvhTriangleIndices, pc.Geometries)
	out := bvh.NewNodeView(k.Bytes(pc.BvhOut, uint64(total)*bvh.SizeNodeOBB), config.BVOBB)
	counters := device.Slice[uint32](k, pc.Counters, total)
	points := device.Slice[[14]common.Vec3](k, pc.DitoPoints, total)
	fits := device.Slice[OBBFit](k, pc.OBB, total)
	sched := device.Slice[uint32](k, pc.Scheduler, schedulerWords)

	fit := func(i int, hull []common.Vec3) {
		f, fallback := fitDiTO(&points[i], hull)
		fits[i] = f
		if fallback {
			atomic.AddUint32(&sched[schedFallback], 1)
		}
	}

	t.forLeaves(func(i int, l *bvh.Links) {
		hull := make([]common.Vec3, 0, 3*l.Size)
		t.vertices(l, func(p common.Vec3) { hull = append(hull, p) })
		points[i] = extremalPoints(hull)
		fit(i, hull)
		atomic.AddUint32(&sched[schedLeaves], 1)
	})
	times[1] = k.Now()

	t.climb(counters, func(i int, l *bvh.Links) {
		points[i] = mergeExtremal(&points[l.C0], &points[l.C1])
		a, b := fits[l.C0].corners(), fits[l.C1].corners()
		fit(i, append(a[:], b[:]...))
		atomic.AddUint32(&sched[schedInternal], 1)
	})
	times[2] = k.Now()

	k.ParallelFor(total, func(i int) {
		f := fits[i].frame()
		copy(out.Volume(i), f[:])
		l := t.nodes.Links(i)
		*out.Links(i) = *l
		if l.Parent < 0 {
			sched[schedRoot] = uint32(i)
		}
		atomic.AddUint32(&sched[schedWritten], 1)
	})
	times[3] = k.Now()

	var err error
	leaves, internal := t.counts()
	if sched[schedLeaves] != leaves || sched[schedInternal] != internal || sched[schedWritten] != uint32(total) {
		err = fmt.Errorf("transformation: fitted %d leaves and %d internal nodes of %d/%d, wrote %d",
			sched[schedLeaves], sched[schedInternal], leaves, internal, sched[schedWritten])
	}
	times[4] = k.Now()
	return err
}

// extremalPoints returns, for each DOP14 direction, the points of hull with the smallest and largest projection.
func extremalPoints(hull []common.Vec3) [14]common.Vec3 {
	var pts [14]common.Vec3
	for j, n := range bvh.DOP14Directions {
		lo, hi := math32.Inf(1), math32.Inf(-1)
		for _, p := range hull {
			v := n.Dot(p)
			if v < lo {
				lo, pts[2*j] = v, p
			}
			if v > hi {
				hi, pts[2*j+1] = v, p
			}
		}
	}
	return pts
}

func mergeExtremal(a, b *[14]common.Vec3) [14]common.Vec3 {
	pts := *a
	for j, n := range bvh.DOP14Directions {
		if n.Dot(b[2*j]) < n.Dot(pts[2*j]) {
			pts[2*j] = b[2*j]
		}
		if n.Dot(b[2*j+1]) > n.Dot(pts[2*j+1]) {
			pts[2*j+1] = b[2*j+1]
		}
	}
	return pts
}

var axisBasis = [3]common.Vec3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}

// fitDiTO picks the smallest box over hull among the world axes and the three edge frames of the
// DiTO base triangle built from the extremal points. fallback is true when the points are degenerate
// and only the world axes were tried.
func fitDiTO(pts *[14]common.Vec3, hull []common.Vec3) (best OBBFit, fallback bool) {
	best = fitBasis(axisBasis, hull)
	bestArea := best.area()

	var p0, p1 common.Vec3
	far := float32(-1)
	for j := range 7 {
		d := pts[2*j+1].Sub(pts[2*j])
		if l := d.Dot(d); l > far {
			far, p0, p1 = l, pts[2*j], pts[2*j+1]
		}
	}
	if far < 1e-12 {
		return best, true
	}
	e0 := p1.Sub(p0).Normalize()

	var p2 common.Vec3
	dist := float32(-1)
	for _, p := range pts {
		v := p.Sub(p0)
		v = v.Sub(e0.Scale(v.Dot(e0)))
		if l := v.Dot(v); l > dist {
			dist, p2 = l, p
		}
	}
	if dist < 1e-12 {
		return best, true
	}

	n := e0.Cross(p2.Sub(p0)).Normalize()
	for _, edge := range [3]common.Vec3{e0, p2.Sub(p1).Normalize(), p0.Sub(p2).Normalize()} {
		f := fitBasis([3]common.Vec3{edge, n.Cross(edge), n}, hull)
		if a := f.area(); a < bestArea {
			best, bestArea = f, a
		}
	}
	return best, false
}

func fitBasis(basis [3]common.Vec3, hull []common.Vec3) OBBFit {
	f := OBBFit{Axes: basis}
	for r, axis := range basis {
		lo, hi := math32.Inf(1), math32.Inf(-1)
		for _, p := range hull {
			v := axis.Dot(p)
			lo, hi = math32.Min(lo, v), math32.Max(hi, v)
		}
		f.Lo[r], f.Hi[r] = padSlab(lo, hi)
	}
	return f
}

// padSlab widens a slab relative to its distance from the origin so flat volumes keep an invertible frame.
func padSlab(lo, hi float32) (float32, float32) {
	e := 1e-4 * (1 + math32.Max(math32.Abs(lo), math32.Abs(hi)))
	return lo - e, hi + e
}

func (f OBBFit) area() float32 {
	w := f.Hi.Sub(f.Lo)
	return 2 * (w[0]*w[1] + w[1]*w[2] + w[0]*w[2])
}

func (f OBBFit) corners() [8]common.Vec3 {
	var c [8]common.Vec3
	for i := range c {
		for r := range 3 {
			s := f.Lo[r]
			if i&(1<<r) != 0 {
				s = f.Hi[r]
			}
			c[i] = c[i].Add(f.Axes[r].Scale(s))
		}
	}
	return c
}

func (f OBBFit) frame() bvh.Frame {
	return bvh.SlabBox{N: f.Axes, Lo: f.Lo, Hi: f.Hi}.Frame()
}

func toSOBB(k *device.KernelContext, in, target config.BV, pc PCTransformToSOBB) error {
	total := int(pc.NodeCountTotal)
	if total == 0 {
		return nil
	}
	t := newTree(k, in, pc.Bvh, pc.NodeCountTotal, pc.BvhTriangleIndices, pc.Geometries)
	if leaves, _ := t.counts(); leaves != pc.NodeCountLeaf {
		return fmt.Errorf("transformation: found %d leaves, expected %d", leaves, pc.NodeCountLeaf)
	}
	out := bvh.NewNodeView(k.Bytes(pc.BvhOut, uint64(total)*bvh.NodeSize(target)), target)
	counters := device.Slice[uint32](k, pc.Counters, total)
	size := int(pc.DOPSize)
	dirs := bvh.SOBBDirections(size / 2)
	dops := device.Slice[float32](k, pc.BaseDOP, int(pc.NodeCountLeaf)*size)
	ref := device.Slice[uint32](k, pc.DOPRef, total)
	dop := func(i int32) []float32 {
		s := int(ref[i]) * size
		return dops[s : s+size]
	}

	var slots atomic.Uint32
	t.forLeaves(func(i int, l *bvh.Links) {
		ref[i] = slots.Add(1) - 1
		d := dop(int32(i))
		for j := range dirs {
			d[2*j], d[2*j+1] = math32.Inf(1), math32.Inf(-1)
		}
		t.vertices(l, func(p common.Vec3) {
			for j, n := range dirs {
				v := n.Dot(p)
				d[2*j], d[2*j+1] = math32.Min(d[2*j], v), math32.Max(d[2*j+1], v)
			}
		})
		writeSlabBox(out.Volume(i), target, dirs, d)
		*out.Links(i) = *l
	})
	// A parent takes over the slot of its first child; the child's k-DOP is not read again.
	done := t.climb(counters, func(i int, l *bvh.Links) {
		ref[i] = ref[l.C0]
		d, o := dop(l.C0), dop(l.C1)
		for j := 0; j < size; j += 2 {
			d[j], d[j+1] = math32.Min(d[j], o[j]), math32.Max(d[j+1], o[j+1])
		}
		writeSlabBox(out.Volume(i), target, dirs, d)
		*out.Links(i) = *l
	})
	return t.checkClimb(done)
}

// chooseSlabs returns the three directions of the k-DOP d whose slab box has the least surface area.
// Only the world axes and the narrowest slabs are considered.
func chooseSlabs(dirs []common.Vec3, d []float32) (bvh.SlabBox, [3]uint32) {
	order := make([]uint32, len(dirs))
	for i := range order {
		order[i] = uint32(i)
	}
	width := func(j uint32) float32 { return d[2*j+1] - d[2*j] }
	slices.SortStableFunc(order, func(a, b uint32) int { return cmp.Compare(width(a), width(b)) })
	cand := []uint32{0, 1, 2}
	for _, j := range order[:min(slabCandidates, len(order))] {
		if j > 2 {
			cand = append(cand, j)
		}
	}

	var best bvh.SlabBox
	var bestIdx [3]uint32
	bestArea := math32.Inf(1)
	for a := 0; a < len(cand); a++ {
		for b := a + 1; b < len(cand); b++ {
			for c := b + 1; c < len(cand); c++ {
				idx := [3]uint32{cand[a], cand[b], cand[c]}
				var s bvh.SlabBox
				for r, j := range idx {
					s.N[r] = dirs[j]
					s.Lo[r], s.Hi[r] = d[2*j], d[2*j+1]
				}
				if area := s.Area(); area < bestArea {
					best, bestIdx, bestArea = s, idx, area
				}
			}
		}
	}
	return best, bestIdx
}

func writeSlabBox(vol []float32, target config.BV, dirs []common.Vec3, d []float32) {
	s, idx := chooseSlabs(dirs, d)
	if target.IsSOBBi() {
		for r := range 3 {
			vol[2*r], vol[2*r+1] = s.Lo[r], s.Hi[r]
		}
		vol[6] = math32.Float32frombits(bvh.PackDirs(idx[0], idx[1], idx[2]))
		return
	}
	for r := range 3 {
		s.Lo[r], s.Hi[r] = padSlab(s.Lo[r], s.Hi[r])
	}
	f := s.Frame()
	copy(vol, f[:])
}
