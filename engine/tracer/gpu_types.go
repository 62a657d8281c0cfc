package tracer

import (
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

// Sizes of the tracer's device records.
const (
	SizeRay                  = 32
	SizeRayBufferMetadata    = 8
	SizeRayTraceResult       = 16
	SizeRayTraceResultBV     = 24
	SizeRayTraceResultInt    = 24
	SizeRayPayload           = 20
	SizeTraceTime            = 16
	SizeTraceTimes           = TraceTimeSlots * SizeTraceTime
	SizeTraceStats           = 16
	SizeTraceGlobals         = 32
	TraceTimeSlots           = 8
	missTriangle      uint32 = 0xFFFFFFFF
)

// Ray is one ray of the ray buffers.
type Ray struct {
	O [4]float32 // offset  0: origin, w = tMin
	D [4]float32 // offset 16: unit direction, w = tMax
}

// RayBufferMetadata counts the rays of a ray buffer.
type RayBufferMetadata struct {
	RayCount       uint32 // offset 0: rays written
	RayTracedCount uint32 // offset 4: rays fetched by the persistent trace kernel
}

// RayTraceResult is the closest hit of a path-tracing ray.
type RayTraceResult struct {
	TID uint32  // offset  0: triangle slot, 0xFFFFFFFF on a miss
	T   float32 // offset  4
	U   float32 // offset  8
	V   float32 // offset 12
}

// RayTraceResultBV is the closest hit of a bounding volume visualization ray.
type RayTraceResultBV struct {
	Normal [3]float32 // offset  0
	T      float32    // offset 12
	TID    uint32     // offset 16: triangle slot when triangles are rendered
	BVID   uint32     // offset 20: id of the volume hit, 0xFFFFFFFF if none
}

// RayTraceResultInt is the closest hit of an intersection heat map ray, with the work it took.
type RayTraceResultInt struct {
	TID             uint32  // offset  0
	T               float32 // offset  4
	U               float32 // offset  8
	V               float32 // offset 12
	BoundingVolumes uint32  // offset 16: volumes tested
	Triangles       uint32  // offset 20: triangles tested
}

// RayPayload is the path state carried alongside a ray.
type RayPayload struct {
	Throughput     [3]float32 // offset  0
	PackedPosition uint32     // offset 12: y<<16 | x
	Seed           uint32     // offset 16
}

// TraceTime is the timing of one trace dispatch. TStart is reset to all ones before the dispatch.
type TraceTime struct {
	TStart   uint64 // offset 0: earliest workgroup start, in device ticks
	Timer    uint32 // offset 8: ticks from TStart to the last workgroup end
	RayCount uint32 // offset 12
}

// TraceStats counts traversal work across a frame.
type TraceStats struct {
	TestedNodes     uint32 // offset  0
	TestedTriangles uint32 // offset  4
	TestedBVolumes  uint32 // offset  8
	_               uint32 // offset 12
}

// TraceGlobals is the per-pipeline binding of the tracer: what a descriptor set carries.
// Size: 32 bytes.
type TraceGlobals struct {
	Target        device.Address // offset  0: vec4<f32> per pixel, rgb sum and sample count
	Camera        device.Address // offset  8: camera.GPUCamera
	Width         uint32         // offset 16
	Height        uint32         // offset 20
	NodeCount     uint32         // offset 24: nodes of the traced hierarchy
	TriangleCount uint32         // offset 28: triangle slots of the traced hierarchy
}

func (g TraceGlobals) Marshal() []byte {
	return device.NewEncoder(SizeTraceGlobals).
		Addr(g.Target).
		Addr(g.Camera).
		U32(g.Width).
		U32(g.Height).
		U32(g.NodeCount).
		U32(g.TriangleCount).
		Bytes()
}

// PCGenPrimary is the parameter block of the primary ray kernel.
// Size: 32 bytes.
type PCGenPrimary struct {
	RayMeta                   device.Address // offset  0
	Ray                       device.Address // offset  8
	Payload                   device.Address // offset 16
	SamplesComputed           uint32         // offset 24
	SamplesToComputeThisFrame uint32         // offset 28
}

func (p PCGenPrimary) Size() int { return 32 }

func (p PCGenPrimary) Marshal() []byte {
	return device.NewEncoder(p.Size()).
		Addr(p.RayMeta).
		Addr(p.Ray).
		Addr(p.Payload).
		U32(p.SamplesComputed).
		U32(p.SamplesToComputeThisFrame).
		Bytes()
}

func (p PCGenPrimary) Addresses() []device.Address {
	return []device.Address{p.RayMeta, p.Ray, p.Payload}
}

func decodePCGenPrimary(b []byte) PCGenPrimary {
	d := device.NewDecoder(b)
	return PCGenPrimary{
		RayMeta:                   d.Addr(),
		Ray:                       d.Addr(),
		Payload:                   d.Addr(),
		SamplesComputed:           d.U32(),
		SamplesToComputeThisFrame: d.U32(),
	}
}

// PCTrace is the parameter block of the persistent trace kernels. The bounding volume
// visualization variant appends the depth to draw, making it 76 bytes.
// Size: 72 bytes.
type PCTrace struct {
	RayMeta         device.Address // offset  0
	Ray             device.Address // offset  8
	TraceResult     device.Address // offset 16
	Bvh             device.Address // offset 24
	Triangles       device.Address // offset 32
	TriangleIndices device.Address // offset 40
	Aux             device.Address // offset 48
	TraceTime       device.Address // offset 56
	TraceStats      device.Address // offset 64

	// BVDepth is pushed at offset 72 when WithDepth is set.
	BVDepth   uint32
	WithDepth bool
}

func (p PCTrace) Size() int {
	if p.WithDepth {
		return 76
	}
	return 72
}

func (p PCTrace) Marshal() []byte {
	e := device.NewEncoder(p.Size())
	for _, a := range p.Addresses() {
		e.Addr(a)
	}
	if p.WithDepth {
		e.U32(p.BVDepth)
	}
	return e.Bytes()
}

func (p PCTrace) Addresses() []device.Address {
	return []device.Address{
		p.RayMeta, p.Ray, p.TraceResult,
		p.Bvh, p.Triangles, p.TriangleIndices, p.Aux,
		p.TraceTime, p.TraceStats,
	}
}

func decodePCTrace(b []byte) PCTrace {
	d := device.NewDecoder(b)
	p := PCTrace{
		RayMeta:         d.Addr(),
		Ray:             d.Addr(),
		TraceResult:     d.Addr(),
		Bvh:             d.Addr(),
		Triangles:       d.Addr(),
		TriangleIndices: d.Addr(),
		Aux:             d.Addr(),
		TraceTime:       d.Addr(),
		TraceStats:      d.Addr(),
	}
	if len(b) >= 76 {
		p.BVDepth = d.U32()
		p.WithDepth = true
	}
	return p
}

// PCShadeCast is the parameter block of the shading kernels. Rays are read from one ray buffer
// and the continuation rays are appended to the other.
// Size: 100 bytes.
type PCShadeCast struct {
	DirLight           [4]float32     // offset  0: xyz towards the light, w intensity
	ReadRayMeta        device.Address // offset 16
	ReadRay            device.Address // offset 24
	ReadPayload        device.Address // offset 32
	WriteRayMeta       device.Address // offset 40
	WriteRay           device.Address // offset 48
	WritePayload       device.Address // offset 56
	TraceResult        device.Address // offset 64
	GeometryDescriptor device.Address // offset 72
	TriangleIndices    device.Address // offset 80
	Depth              uint32         // offset 88
	DepthMax           uint32         // offset 92
	SamplesComputed    uint32         // offset 96
}

func (p PCShadeCast) Size() int { return 100 }

func (p PCShadeCast) Marshal() []byte {
	e := device.NewEncoder(p.Size()).F32s(p.DirLight[:]...)
	for _, a := range p.Addresses() {
		e.Addr(a)
	}
	return e.U32(p.Depth).
		U32(p.DepthMax).
		U32(p.SamplesComputed).
		Bytes()
}

func (p PCShadeCast) Addresses() []device.Address {
	return []device.Address{
		p.ReadRayMeta, p.ReadRay, p.ReadPayload,
		p.WriteRayMeta, p.WriteRay, p.WritePayload,
		p.TraceResult, p.GeometryDescriptor, p.TriangleIndices,
	}
}

func decodePCShadeCast(b []byte) PCShadeCast {
	d := device.NewDecoder(b)
	return PCShadeCast{
		DirLight:           [4]float32{d.F32(), d.F32(), d.F32(), d.F32()},
		ReadRayMeta:        d.Addr(),
		ReadRay:            d.Addr(),
		ReadPayload:        d.Addr(),
		WriteRayMeta:       d.Addr(),
		WriteRay:           d.Addr(),
		WritePayload:       d.Addr(),
		TraceResult:        d.Addr(),
		GeometryDescriptor: d.Addr(),
		TriangleIndices:    d.Addr(),
		Depth:              d.U32(),
		DepthMax:           d.U32(),
		SamplesComputed:    d.U32(),
	}
}
