package tracer

import (
	"sync/atomic"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/Carmen-Shannon/oxy-bvh/engine/camera"
	"github.com/Carmen-Shannon/oxy-bvh/engine/config"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
	"github.com/chewxy/math32"
)

const (
	albedo    = 0.7
	rayOffset = 1e-4
	// heatScale is the number of tested volumes drawn at full intensity.
	heatScale = 96
)

var skyColor = common.Vec3{0.55, 0.7, 0.9}

func init() {
	s := config.DefaultPipeline().Tracer.Shader
	device.RegisterKernel(s.GenPrimary, genPrimaryKernel)
	device.RegisterKernel(s.TraceRays, traceKernel(traceClosest))
	device.RegisterKernel(s.TraceRaysBV, traceKernel(traceVolumes))
	device.RegisterKernel(s.TraceRaysInt, traceKernel(traceCounting))
	device.RegisterKernel(s.ShadeAndCast, shadeKernel(shadePath))
	device.RegisterKernel(s.ShadeAndCastBV, shadeKernel(shadeVolumes))
	device.RegisterKernel(s.ShadeAndCastInt, shadeKernel(shadeHeat))
}

// pcg is the PCG hash used for every random number of the tracer.
func pcg(v uint32) uint32 {
	s := v*747796405 + 2891336453
	w := ((s >> ((s >> 28) + 4)) ^ s) * 277803737
	return (w >> 22) ^ w
}

// rand01 advances seed and returns a float in [0, 1).
func rand01(seed *uint32) float32 {
	*seed = pcg(*seed)
	return float32(*seed>>8) / (1 << 24)
}

func vec3(v [4]float32) common.Vec3 {
	return common.Vec3{v[0], v[1], v[2]}
}

func vec4(v common.Vec3, w float32) [4]float32 {
	return [4]float32{v[0], v[1], v[2], w}
}

func globals(k *device.KernelContext) *TraceGlobals {
	return device.Ptr[TraceGlobals](k, k.Globals)
}

// genPrimaryKernel writes one jittered camera ray per pixel and opens the pixel's sample.
func genPrimaryKernel(k *device.KernelContext) error {
	pc := decodePCGenPrimary(k.Push)
	g := globals(k)
	w, h := int(g.Width), int(g.Height)
	if w == 0 || h == 0 {
		return nil
	}
	cam := device.Ptr[camera.GPUCamera](k, g.Camera)
	target := device.Slice[[4]float32](k, g.Target, w*h)
	rays := device.Slice[Ray](k, pc.Ray, w*h)
	payloads := device.Slice[RayPayload](k, pc.Payload, w*h)

	k.ParallelFor(h, func(y int) {
		for x := range w {
			i := y*w + x
			seed := pcg(uint32(i) ^ pcg(pc.SamplesComputed+1))
			ndcX := (float32(x)+rand01(&seed))/float32(w)*2 - 1
			ndcY := 1 - (float32(y)+rand01(&seed))/float32(h)*2
			o, d := cam.Ray(ndcX, ndcY)
			rays[i] = Ray{O: vec4(o, 0), D: vec4(d, math32.Inf(1))}
			payloads[i] = RayPayload{
				Throughput:     [3]float32{1, 1, 1},
				PackedPosition: uint32(y)<<16 | uint32(x),
				Seed:           seed,
			}
			if pc.SamplesComputed == 0 {
				target[i] = [4]float32{}
			}
			target[i][3]++
		}
	})
	device.Ptr[RayBufferMetadata](k, pc.RayMeta).RayCount = uint32(w * h)
	return nil
}

// counters is the traversal work of one ray.
type counters struct {
	nodes, triangles, volumes uint32
}

func (c *counters) add(o counters) {
	c.nodes += o.nodes
	c.triangles += o.triangles
	c.volumes += o.volumes
}

// hit is the closest intersection found by a traversal.
type hit struct {
	tid  uint32
	t    float32
	u, v float32
	// bvid and normal are set by volume traversal only.
	bvid   uint32
	normal common.Vec3
}

// traversal is the hierarchy a trace dispatch traverses.
type traversal struct {
	bv      config.BV
	layout  config.NodeLayout
	nodes   bvh.NodeView
	wide    bvh.CompactView
	aux     []bvh.CompactDOP14Split
	tris    []bvh.Triangle
	count   int
	bvDepth uint32
}

func newTraversal(k *device.KernelContext, pc PCTrace, g *TraceGlobals) *traversal {
	tr := &traversal{
		bv:      config.BV(k.Constant("BV", uint32(config.BVAABB))),
		layout:  config.NodeLayout(k.Constant("LAYOUT", uint32(config.LayoutBVH2))),
		count:   int(g.NodeCount),
		bvDepth: pc.BVDepth,
	}
	tr.tris = device.Slice[bvh.Triangle](k, pc.Triangles, int(g.TriangleCount))
	if tr.layout == config.LayoutDefault {
		tr.nodes = bvh.NewNodeView(k.Bytes(pc.Bvh, uint64(tr.count)*bvh.NodeSize(tr.bv)), tr.bv)
		return tr
	}
	stride, auxStride := bvh.CompactNodeSize(tr.bv)
	tr.wide = bvh.NewCompactView(k.Bytes(pc.Bvh, uint64(tr.count)*stride), tr.bv)
	if auxStride > 0 {
		tr.aux = device.Slice[bvh.CompactDOP14Split](k, pc.Aux, tr.count)
	}
	return tr
}

// compactVolume returns the volume words of child j of compact node i.
func (tr *traversal) compactVolume(i, j int) []float32 {
	if tr.aux == nil {
		return tr.wide.Volume(i, j)
	}
	d := bvh.JoinDOP14(tr.wide.Volume(i, j), tr.aux[i].BV[j][:])
	return d[:]
}

// intersectLeaf tests the triangles of a leaf and tightens h.
func (tr *traversal) intersectLeaf(first, n uint32, o, d common.Vec3, tMin float32, h *hit, c *counters) {
	for s := first; s < first+n; s++ {
		c.triangles++
		if dist, u, v, ok := tr.tris[s].Intersect(o, d, tMin, h.t); ok {
			h.tid, h.t, h.u, h.v = s, dist, u, v
		}
	}
}

type stackEntry struct {
	node  int32
	t     float32
	depth uint32
}

// closest finds the nearest triangle hit along a ray.
func (tr *traversal) closest(o, d common.Vec3, tMin, tMax float32) (hit, counters) {
	h := hit{tid: missTriangle, t: tMax, bvid: missTriangle}
	var c counters
	if tr.count == 0 {
		return h, c
	}
	stack := make([]stackEntry, 0, 64)

	if tr.layout == config.LayoutDefault {
		root := tr.count - 1
		c.volumes++
		t, ok := bvh.RayVolume(tr.bv, tr.nodes.Volume(root), o, d, h.t)
		if !ok {
			return h, c
		}
		stack = append(stack, stackEntry{node: int32(root), t: t})
		for len(stack) > 0 {
			e := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if e.t >= h.t {
				continue
			}
			c.nodes++
			l := tr.nodes.Links(int(e.node))
			if l.IsLeaf() {
				tr.intersectLeaf(uint32(l.C0), uint32(l.Size), o, d, tMin, &h, &c)
				continue
			}
			children := [2]int32{l.C0, l.C1}
			stack = tr.pushOrdered(stack, o, d, h.t, &c, children, func(j int) []float32 {
				return tr.nodes.Volume(int(children[j]))
			})
		}
		return h, c
	}

	stack = append(stack, stackEntry{node: 0})
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if e.t >= h.t {
			continue
		}
		c.nodes++
		i := int(e.node)
		children := tr.wide.Children(i)
		var inner [2]int32
		for j, ch := range children {
			inner[j] = bvh.EmptyChild
			if ch == bvh.EmptyChild {
				continue
			}
			leaf, first, n := bvh.DecodeChild(ch)
			if !leaf {
				inner[j] = ch
				continue
			}
			c.volumes++
			if _, ok := bvh.RayVolume(tr.bv, tr.compactVolume(i, j), o, d, h.t); ok {
				tr.intersectLeaf(first, n, o, d, tMin, &h, &c)
			}
		}
		stack = tr.pushOrdered(stack, o, d, h.t, &c, inner, func(j int) []float32 {
			return tr.compactVolume(i, j)
		})
	}
	return h, c
}

// pushOrdered tests up to two child volumes and pushes the hit ones far first, so the near child pops next.
func (tr *traversal) pushOrdered(stack []stackEntry, o, d common.Vec3, tMax float32, c *counters,
	children [2]int32, volume func(j int) []float32) []stackEntry {
	var near [2]stackEntry
	n := 0
	for j, ch := range children {
		if ch == bvh.EmptyChild {
			continue
		}
		c.volumes++
		if t, ok := bvh.RayVolume(tr.bv, volume(j), o, d, tMax); ok {
			near[n] = stackEntry{node: ch, t: t}
			n++
		}
	}
	if n == 2 && near[0].t < near[1].t {
		near[0], near[1] = near[1], near[0]
	}
	return append(stack, near[:n]...)
}

// volumes finds the nearest bounding volume at the configured depth, or the nearest leaf above it.
// The root volume has depth 0. A depth of 0 selects triangles instead.
func (tr *traversal) volumes(o, d common.Vec3, tMin, tMax float32) (hit, counters) {
	if tr.bvDepth == 0 {
		return tr.closest(o, d, tMin, tMax)
	}
	h := hit{tid: missTriangle, t: tMax, bvid: missTriangle}
	var c counters
	if tr.count == 0 {
		return h, c
	}
	record := func(id uint32, t float32, vol []float32) {
		if t < h.t {
			h.t, h.bvid = t, id
			h.normal = tr.faceNormal(vol, o, d, t)
		}
	}
	stack := make([]stackEntry, 0, 64)

	if tr.layout == config.LayoutDefault {
		root := tr.count - 1
		stack = append(stack, stackEntry{node: int32(root)})
		for len(stack) > 0 {
			e := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			c.nodes++
			c.volumes++
			vol := tr.nodes.Volume(int(e.node))
			t, ok := bvh.RayVolume(tr.bv, vol, o, d, h.t)
			if !ok {
				continue
			}
			l := tr.nodes.Links(int(e.node))
			if e.depth == tr.bvDepth || l.IsLeaf() {
				record(uint32(e.node), t, vol)
				continue
			}
			stack = append(stack, stackEntry{node: l.C0, depth: e.depth + 1}, stackEntry{node: l.C1, depth: e.depth + 1})
		}
		return h, c
	}

	// The volumes of compact node 0 are the root's children.
	stack = append(stack, stackEntry{node: 0})
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		c.nodes++
		i := int(e.node)
		for j, ch := range tr.wide.Children(i) {
			if ch == bvh.EmptyChild {
				continue
			}
			c.volumes++
			vol := tr.compactVolume(i, j)
			t, ok := bvh.RayVolume(tr.bv, vol, o, d, h.t)
			if !ok {
				continue
			}
			leaf, _, _ := bvh.DecodeChild(ch)
			if leaf || e.depth+1 == tr.bvDepth {
				record(uint32(i*2+j), t, vol)
				continue
			}
			stack = append(stack, stackEntry{node: ch, depth: e.depth + 1})
		}
	}
	return h, c
}

// faceNormal returns the normal of the box face a ray enters. Volumes without an axis-aligned
// reading face the ray.
func (tr *traversal) faceNormal(vol []float32, o, d common.Vec3, t float32) common.Vec3 {
	var box common.AABB
	switch tr.bv {
	case config.BVAABB:
		box = common.AABB{Min: common.Vec3{vol[0], vol[1], vol[2]}, Max: common.Vec3{vol[3], vol[4], vol[5]}}
	case config.BVDOP14, config.BVDOP14Split:
		box = bvh.DOP14(vol[:14]).AABB()
	default:
		return d.Scale(-1)
	}
	p := o.Add(d.Scale(t))
	best := math32.Inf(1)
	var n common.Vec3
	for a := range 3 {
		if dist := math32.Abs(p[a] - box.Min[a]); dist < best {
			best, n = dist, common.Vec3{}
			n[a] = -1
		}
		if dist := math32.Abs(p[a] - box.Max[a]); dist < best {
			best, n = dist, common.Vec3{}
			n[a] = 1
		}
	}
	return n
}

// traceMode binds the result buffer of a dispatch and returns the function tracing ray i.
type traceMode func(tr *traversal, k *device.KernelContext, pc PCTrace, n int) func(i int, r Ray) counters

func traceClosest(tr *traversal, k *device.KernelContext, pc PCTrace, n int) func(int, Ray) counters {
	results := device.Slice[RayTraceResult](k, pc.TraceResult, n)
	return func(i int, r Ray) counters {
		h, c := tr.closest(vec3(r.O), vec3(r.D), r.O[3], r.D[3])
		results[i] = RayTraceResult{TID: h.tid, T: h.t, U: h.u, V: h.v}
		return c
	}
}

func traceVolumes(tr *traversal, k *device.KernelContext, pc PCTrace, n int) func(int, Ray) counters {
	results := device.Slice[RayTraceResultBV](k, pc.TraceResult, n)
	return func(i int, r Ray) counters {
		h, c := tr.volumes(vec3(r.O), vec3(r.D), r.O[3], r.D[3])
		results[i] = RayTraceResultBV{Normal: h.normal, T: h.t, TID: h.tid, BVID: h.bvid}
		return c
	}
}

func traceCounting(tr *traversal, k *device.KernelContext, pc PCTrace, n int) func(int, Ray) counters {
	results := device.Slice[RayTraceResultInt](k, pc.TraceResult, n)
	return func(i int, r Ray) counters {
		h, c := tr.closest(vec3(r.O), vec3(r.D), r.O[3], r.D[3])
		results[i] = RayTraceResultInt{
			TID: h.tid, T: h.t, U: h.u, V: h.v, BoundingVolumes: c.volumes, Triangles: c.triangles,
		}
		return c
	}
}

// traceKernel returns a persistent-threads trace kernel. Every workgroup keeps fetching batches of
// one ray per lane until the ray buffer is drained, and the dispatch time spans the earliest start
// to the latest end.
func traceKernel(mode traceMode) device.Kernel {
	return func(k *device.KernelContext) error {
		pc := decodePCTrace(k.Push)
		g := globals(k)
		meta := device.Ptr[RayBufferMetadata](k, pc.RayMeta)
		total := atomic.LoadUint32(&meta.RayCount)
		timing := device.Ptr[TraceTime](k, pc.TraceTime)
		stats := device.Ptr[TraceStats](k, pc.TraceStats)
		if total == 0 {
			return nil
		}
		rays := device.Slice[Ray](k, pc.Ray, int(total))
		tr := newTraversal(k, pc, g)
		batch := k.Constant("WARPS", 1) * max(k.Caps.SubgroupSize, 1)
		trace := mode(tr, k, pc, int(total))

		k.ParallelFor(int(k.Groups[0]), func(int) {
			start := k.Now()
			for {
				old := atomic.LoadUint64(&timing.TStart)
				if start >= old || atomic.CompareAndSwapUint64(&timing.TStart, old, start) {
					break
				}
			}
			var local counters
			traced := uint32(0)
			for {
				base := atomic.AddUint32(&meta.RayTracedCount, batch) - batch
				if base >= total {
					break
				}
				end := min(base+batch, total)
				for i := base; i < end; i++ {
					local.add(trace(int(i), rays[i]))
				}
				traced += end - base
			}
			atomic.AddUint32(&stats.TestedNodes, local.nodes)
			atomic.AddUint32(&stats.TestedTriangles, local.triangles)
			atomic.AddUint32(&stats.TestedBVolumes, local.volumes)
			atomic.AddUint32(&timing.RayCount, traced)

			elapsed := uint32(k.Now() - atomic.LoadUint64(&timing.TStart))
			for {
				old := atomic.LoadUint32(&timing.Timer)
				if elapsed <= old || atomic.CompareAndSwapUint32(&timing.Timer, old, elapsed) {
					break
				}
			}
		})
		return nil
	}
}

// shading is what a shade kernel sees of the current dispatch.
type shading struct {
	k      *device.KernelContext
	pc     PCShadeCast
	width  uint32
	target [][4]float32
	ids    []bvh.TriangleIndex
	light  common.Vec3
	power  float32

	writeMeta     *RayBufferMetadata
	writeRays     []Ray
	writePayloads []RayPayload
}

// pixel returns the accumulation slot of a packed position.
func (s *shading) pixel(packed uint32) *[4]float32 {
	x, y := packed&0xFFFF, packed>>16
	return &s.target[y*s.width+x]
}

// geometry returns the geometry and the three vertex indices of a triangle slot.
func (s *shading) geometry(tid uint32) (bvh.Geometry, []uint32) {
	ti := s.ids[tid]
	geom := *device.Ptr[bvh.Geometry](s.k, s.pc.GeometryDescriptor.Add(uint64(ti.NodeID)*bvh.SizeGeometry))
	return geom, device.Slice[uint32](s.k, geom.Indices.Add(uint64(ti.TriangleID)*12), 3)
}

// faceNormal returns the geometric normal of a triangle slot.
func (s *shading) faceNormal(tid uint32) common.Vec3 {
	geom, idx := s.geometry(tid)
	v := func(j int) common.Vec3 { return *device.Ptr[common.Vec3](s.k, geom.Vertices.Add(uint64(idx[j])*12)) }
	v0, v1, v2 := v(0), v(1), v(2)
	return v1.Sub(v0).Cross(v2.Sub(v0)).Normalize()
}

// shadingNormal interpolates the vertex normals at barycentrics (u, v). u weights the first vertex.
func (s *shading) shadingNormal(tid uint32, u, v float32) common.Vec3 {
	geom, idx := s.geometry(tid)
	if geom.Normals.IsNull() {
		return s.faceNormal(tid)
	}
	n := func(j int) common.Vec3 { return *device.Ptr[common.Vec3](s.k, geom.Normals.Add(uint64(idx[j])*12)) }
	return n(0).Scale(u).Add(n(1).Scale(v)).Add(n(2).Scale(1 - u - v)).Normalize()
}

func accumulate(px *[4]float32, c common.Vec3) {
	px[0] += c[0]
	px[1] += c[1]
	px[2] += c[2]
}

// emit appends a continuation ray to the write buffers.
func (s *shading) emit(r Ray, p RayPayload) {
	slot := atomic.AddUint32(&s.writeMeta.RayCount, 1) - 1
	s.writeRays[slot] = r
	s.writePayloads[slot] = p
}

// shadeMode binds the trace results of a dispatch and returns the function shading ray i.
type shadeMode func(s *shading, n int) func(i int, r Ray, p *RayPayload)

// shadeKernel returns a shade kernel over every ray traced by the preceding trace dispatch.
func shadeKernel(mode shadeMode) device.Kernel {
	return func(k *device.KernelContext) error {
		pc := decodePCShadeCast(k.Push)
		g := globals(k)
		n := int(device.Ptr[RayBufferMetadata](k, pc.ReadRayMeta).RayCount)
		if n == 0 {
			return nil
		}
		s := &shading{
			k:      k,
			pc:     pc,
			width:  g.Width,
			target: device.Slice[[4]float32](k, g.Target, int(g.Width*g.Height)),
			ids:    device.Slice[bvh.TriangleIndex](k, pc.TriangleIndices, int(g.TriangleCount)),
			light:  common.Vec3{pc.DirLight[0], pc.DirLight[1], pc.DirLight[2]}.Normalize(),
			power:  pc.DirLight[3],
		}
		if pc.Depth < pc.DepthMax {
			// Every ray continues at most once, so the write buffers never outgrow the read buffers.
			s.writeMeta = device.Ptr[RayBufferMetadata](k, pc.WriteRayMeta)
			s.writeRays = device.Slice[Ray](k, pc.WriteRay, n)
			s.writePayloads = device.Slice[RayPayload](k, pc.WritePayload, n)
		}
		rays := device.Slice[Ray](k, pc.ReadRay, n)
		payloads := device.Slice[RayPayload](k, pc.ReadPayload, n)
		shade := mode(s, n)
		k.ParallelFor(n, func(i int) {
			shade(i, rays[i], &payloads[i])
		})
		return nil
	}
}

func sky(d common.Vec3) common.Vec3 {
	f := 0.5 * (d[1] + 1)
	return common.Vec3{1, 1, 1}.Scale(1 - f).Add(skyColor.Scale(f))
}

// shadePath adds the sky or the unshadowed direct light of a hit, and continues the path with a
// cosine-weighted bounce.
func shadePath(s *shading, n int) func(int, Ray, *RayPayload) {
	results := device.Slice[RayTraceResult](s.k, s.pc.TraceResult, n)
	return func(i int, r Ray, p *RayPayload) {
		res := results[i]
		px := s.pixel(p.PackedPosition)
		throughput := common.Vec3(p.Throughput)
		d := vec3(r.D)
		if res.TID == missTriangle {
			accumulate(px, throughput.Mul(sky(d)))
			return
		}

		nrm := s.shadingNormal(res.TID, res.U, res.V)
		if nrm.Dot(d) > 0 {
			nrm = nrm.Scale(-1)
		}
		if cos := nrm.Dot(s.light); cos > 0 {
			accumulate(px, throughput.Scale(albedo*cos*s.power/math32.Pi))
		}
		if s.writeRays == nil {
			return
		}

		seed := p.Seed
		dir := cosineSample(nrm, rand01(&seed), rand01(&seed))
		origin := vec3(r.O).Add(d.Scale(res.T)).Add(nrm.Scale(rayOffset))
		s.emit(Ray{O: vec4(origin, 0), D: vec4(dir, math32.Inf(1))}, RayPayload{
			Throughput:     [3]float32(throughput.Scale(albedo)),
			PackedPosition: p.PackedPosition,
			Seed:           seed,
		})
	}
}

// cosineSample returns a direction around n distributed by the cosine to n.
func cosineSample(n common.Vec3, r1, r2 float32) common.Vec3 {
	a := common.Vec3{1, 0, 0}
	if math32.Abs(n[0]) > 0.9 {
		a = common.Vec3{0, 1, 0}
	}
	t := a.Cross(n).Normalize()
	b := n.Cross(t)
	phi := 2 * math32.Pi * r1
	rad := math32.Sqrt(r2)
	return t.Scale(rad * math32.Cos(phi)).Add(b.Scale(rad * math32.Sin(phi))).Add(n.Scale(math32.Sqrt(1 - r2))).Normalize()
}

// hashColor maps an id to a saturated color.
func hashColor(id uint32) common.Vec3 {
	h := pcg(id)
	c := func(shift uint32) float32 { return 0.2 + 0.8*float32((h>>shift)&0xFF)/255 }
	return common.Vec3{c(0), c(8), c(16)}
}

// shadeVolumes colors bounding volumes by id, and triangles by their facing ratio.
func shadeVolumes(s *shading, n int) func(int, Ray, *RayPayload) {
	results := device.Slice[RayTraceResultBV](s.k, s.pc.TraceResult, n)
	return func(i int, r Ray, p *RayPayload) {
		res := results[i]
		px := s.pixel(p.PackedPosition)
		d := vec3(r.D)
		switch {
		case res.BVID != missTriangle:
			facing := math32.Abs(common.Vec3(res.Normal).Dot(d))
			accumulate(px, hashColor(res.BVID).Scale(0.3+0.7*facing))
		case res.TID != missTriangle:
			facing := math32.Abs(s.faceNormal(res.TID).Dot(d))
			accumulate(px, common.Vec3{1, 1, 1}.Scale(0.15+0.85*facing))
		default:
			accumulate(px, sky(d).Scale(0.25))
		}
	}
}

// shadeHeat maps the number of volumes a ray tested to a blue to red ramp.
func shadeHeat(s *shading, n int) func(int, Ray, *RayPayload) {
	results := device.Slice[RayTraceResultInt](s.k, s.pc.TraceResult, n)
	return func(i int, _ Ray, p *RayPayload) {
		v := min(float32(results[i].BoundingVolumes)/heatScale, 1)
		accumulate(s.pixel(p.PackedPosition), common.Vec3{v, 1 - math32.Abs(2*v-1), 1 - v})
	}
}
