// Package camera provides the look-at camera primary rays are generated from.
package camera

import (
	"sync"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/chewxy/math32"
)

type cameraImpl struct {
	mu *sync.Mutex

	up common.Vec3

	fov    float32
	aspect float32
	near   float32
	far    float32

	viewMatrix       common.Mat4
	projectionMatrix common.Mat4
	gpu              GPUCamera

	// changed is set whenever the matrices are recomputed and cleared by Changed
	changed bool

	controller Controller
}

// Camera holds the perspective settings and derives the view from its Controller.
type Camera interface {
	// Up returns the camera's up vector.
	Up() common.Vec3

	// Fov returns the vertical field of view in radians.
	Fov() float32

	// Aspect returns the aspect ratio (width / height).
	Aspect() float32

	// Near returns the near clipping plane distance.
	Near() float32

	// Far returns the far clipping plane distance.
	Far() float32

	// ViewMatrix returns the current world to view matrix.
	//
	// Returns:
	//   - common.Mat4: the view matrix, column-major
	ViewMatrix() common.Mat4

	// ProjectionMatrix returns the current projection matrix.
	//
	// Returns:
	//   - common.Mat4: the projection matrix, column-major
	ProjectionMatrix() common.Mat4

	// GPU returns the device record primary rays are generated from.
	//
	// Returns:
	//   - GPUCamera: inverse view, inverse projection and position
	GPU() GPUCamera

	// Controller returns the attached controller.
	Controller() Controller

	// Update reads the controller and recomputes the matrices. Call it once per frame.
	Update()

	// Changed reports whether the matrices changed since the last call, so accumulated samples can be reset.
	//
	// Returns:
	//   - bool: true if the view or projection moved
	Changed() bool

	// SetFov sets the vertical field of view in radians.
	SetFov(fov float32)

	// SetAspect sets the aspect ratio (width / height).
	SetAspect(aspect float32)

	// SetController attaches a controller.
	//
	// Parameters:
	//   - ctrl: the controller to attach
	SetController(ctrl Controller)

	// Preset captures the current view as a preset.
	//
	// Returns:
	//   - Preset: the preset, loadable with Options
	Preset() Preset
}

var _ Camera = &cameraImpl{}

// NewCamera creates a camera looking at the origin from +Z.
//
// Parameters:
//   - options: functional options to configure the camera
//
// Returns:
//   - Camera: the newly created camera
func NewCamera(options ...CameraBuilderOption) Camera {
	c := &cameraImpl{
		mu:     &sync.Mutex{},
		up:     common.Vec3{0, 1, 0},
		fov:    45 * math32.Pi / 180,
		aspect: 1,
		near:   0.01,
		far:    1e5,
	}
	for _, option := range options {
		option(c)
	}
	if c.controller == nil {
		c.controller = NewController()
	}
	c.updateMatrices()
	return c
}

func (c *cameraImpl) Up() common.Vec3 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.up
}

func (c *cameraImpl) Fov() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fov
}

func (c *cameraImpl) Aspect() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aspect
}

func (c *cameraImpl) Near() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.near
}

func (c *cameraImpl) Far() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.far
}

func (c *cameraImpl) ViewMatrix() common.Mat4 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewMatrix
}

func (c *cameraImpl) ProjectionMatrix() common.Mat4 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectionMatrix
}

func (c *cameraImpl) GPU() GPUCamera {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gpu
}

func (c *cameraImpl) Controller() Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

func (c *cameraImpl) Update() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateMatrices()
}

func (c *cameraImpl) Changed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.changed
	c.changed = false
	return changed
}

func (c *cameraImpl) SetFov(fov float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fov = fov
	c.updateMatrices()
}

func (c *cameraImpl) SetAspect(aspect float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aspect = aspect
	c.updateMatrices()
}

func (c *cameraImpl) SetController(ctrl Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controller = ctrl
	c.updateMatrices()
}

func (c *cameraImpl) Preset() Preset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Preset{
		Position: c.controller.Position(),
		Target:   c.controller.Target(),
		Up:       c.up,
		FovDeg:   c.fov * 180 / math32.Pi,
		Near:     c.near,
		Far:      c.far,
	}
}

// updateMatrices recalculates the view and projection matrices and their inverses from the controller.
// Caller must hold the mutex.
func (c *cameraImpl) updateMatrices() {
	if c.controller == nil {
		return
	}
	eye := c.controller.Position()
	view := common.LookAt(eye, c.controller.Target(), c.up)
	proj := common.Perspective(c.fov, c.aspect, c.near, c.far)
	if view == c.viewMatrix && proj == c.projectionMatrix {
		return
	}
	c.viewMatrix, c.projectionMatrix = view, proj
	invView, _ := view.Inverse()
	invProj, _ := proj.Inverse()
	c.gpu = GPUCamera{
		InvView:  invView,
		InvProj:  invProj,
		Position: [4]float32{eye[0], eye[1], eye[2], 1},
	}
	c.changed = true
}
