package camera

import (
	"unsafe"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/Carmen-Shannon/oxy-bvh/engine/device"
)

// SizeGPUCamera is the wire size of GPUCamera.
const SizeGPUCamera = 144

// GPUCamera is the device record primary rays are generated from.
// Size: 144 bytes.
type GPUCamera struct {
	InvView  common.Mat4 // offset   0: view to world (mat4x4<f32>)
	InvProj  common.Mat4 // offset  64: clip to view (mat4x4<f32>)
	Position [4]float32  // offset 128: world-space eye, w = 1
}

// Size returns the size of the GPUCamera struct in bytes.
//
// Returns:
//   - int: the struct size in bytes (144)
func (g *GPUCamera) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the GPUCamera struct into a byte buffer suitable for upload.
//
// Returns:
//   - []byte: the serialized byte buffer
func (g *GPUCamera) Marshal() []byte {
	return device.NewEncoder(g.Size()).
		F32s(g.InvView[:]...).
		F32s(g.InvProj[:]...).
		F32s(g.Position[:]...).
		Bytes()
}

// Ray returns the primary ray through a point of the image plane.
//
// Parameters:
//   - ndcX: horizontal position in [-1, 1], left to right
//   - ndcY: vertical position in [-1, 1], bottom to top
//
// Returns:
//   - origin: the eye
//   - dir: the unit direction
func (g *GPUCamera) Ray(ndcX, ndcY float32) (origin, dir common.Vec3) {
	target := g.InvProj.MulPoint(common.Vec3{ndcX, ndcY, 0})
	dir = g.InvView.MulDir(target).Normalize()
	return common.Vec3{g.Position[0], g.Position[1], g.Position[2]}, dir
}
