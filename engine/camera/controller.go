package camera

import (
	"sync"

	"github.com/Carmen-Shannon/oxy-bvh/common"
	"github.com/chewxy/math32"
)

// controllerImpl is the implementation of Controller. The position is derived from spherical
// coordinates around the target, with Y as the polar axis.
type controllerImpl struct {
	mu *sync.Mutex

	position common.Vec3
	target   common.Vec3

	radius    float32
	azimuth   float32 // around Y, 0 looks down -Z from +Z
	elevation float32 // from the XZ plane

	minRadius    float32
	maxRadius    float32
	minElevation float32
	maxElevation float32

	orbitSpeed float32
	zoomSpeed  float32
}

// Controller owns the position of a camera. It orbits a target point and can be stepped frame by
// frame to animate the camera around a scene.
type Controller interface {
	// Position returns the world-space camera position.
	Position() common.Vec3

	// Target returns the look-at point.
	Target() common.Vec3

	// SetTarget moves the pivot and recomputes the position.
	//
	// Parameters:
	//   - t: world-space pivot
	SetTarget(t common.Vec3)

	// LookFrom places the camera at eye, keeping the target. The spherical coordinates are
	// recomputed from the offset.
	//
	// Parameters:
	//   - eye: world-space position
	LookFrom(eye common.Vec3)

	// Orbit rotates the camera around the target.
	//
	// Parameters:
	//   - steps: number of orbit speed steps, negative turns the other way
	Orbit(steps float32)

	// Tilt changes the elevation, clamped to the elevation bounds.
	//
	// Parameters:
	//   - steps: number of orbit speed steps, positive tilts up
	Tilt(steps float32)

	// Zoom moves the camera towards the target, clamped to the radius bounds.
	//
	// Parameters:
	//   - delta: zoom amount scaled by the zoom speed, positive moves closer
	Zoom(delta float32)

	// Radius returns the distance to the target.
	Radius() float32

	// SetRadius sets the distance to the target, clamped to the radius bounds.
	SetRadius(r float32)

	// Azimuth returns the horizontal angle in radians.
	Azimuth() float32

	// Elevation returns the vertical angle in radians.
	Elevation() float32

	// Fit targets the centre of b and backs off far enough for b to fill a view of the given fov.
	//
	// Parameters:
	//   - b: the bounds to frame
	//   - fov: the vertical field of view in radians
	Fit(b common.AABB, fov float32)
}

var _ Controller = &controllerImpl{}

// NewController creates an orbit controller around the origin.
//
// Parameters:
//   - options: functional options to configure the controller
//
// Returns:
//   - Controller: the controller
func NewController(options ...ControllerOption) Controller {
	cc := &controllerImpl{
		mu:           &sync.Mutex{},
		radius:       10,
		elevation:    math32.Pi / 8,
		minRadius:    1e-3,
		maxRadius:    1e6,
		minElevation: -math32.Pi/2 + 0.01,
		maxElevation: math32.Pi/2 - 0.01,
		orbitSpeed:   0.03,
		zoomSpeed:    1,
	}
	for _, option := range options {
		option(cc)
	}
	cc.clamp()
	cc.updatePosition()
	return cc
}

// updatePosition recomputes the position from the spherical coordinates. Caller must hold the mutex.
func (cc *controllerImpl) updatePosition() {
	cosElev, sinElev := math32.Cos(cc.elevation), math32.Sin(cc.elevation)
	cosAzim, sinAzim := math32.Cos(cc.azimuth), math32.Sin(cc.azimuth)
	cc.position = cc.target.Add(common.Vec3{
		cc.radius * cosElev * sinAzim,
		cc.radius * sinElev,
		cc.radius * cosElev * cosAzim,
	})
}

// clamp applies the radius and elevation bounds. Caller must hold the mutex.
func (cc *controllerImpl) clamp() {
	cc.radius = min(max(cc.radius, cc.minRadius), cc.maxRadius)
	cc.elevation = min(max(cc.elevation, cc.minElevation), cc.maxElevation)
}

func (cc *controllerImpl) Position() common.Vec3 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.position
}

func (cc *controllerImpl) Target() common.Vec3 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.target
}

func (cc *controllerImpl) SetTarget(t common.Vec3) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.target = t
	cc.updatePosition()
}

func (cc *controllerImpl) LookFrom(eye common.Vec3) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	off := eye.Sub(cc.target)
	r := off.Length()
	if r == 0 {
		return
	}
	cc.radius = r
	cc.elevation = math32.Asin(off[1] / r)
	cc.azimuth = math32.Atan2(off[0], off[2])
	cc.clamp()
	cc.updatePosition()
}

func (cc *controllerImpl) Orbit(steps float32) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.azimuth = math32.Mod(cc.azimuth+steps*cc.orbitSpeed, 2*math32.Pi)
	cc.updatePosition()
}

func (cc *controllerImpl) Tilt(steps float32) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.elevation += steps * cc.orbitSpeed
	cc.clamp()
	cc.updatePosition()
}

func (cc *controllerImpl) Zoom(delta float32) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.radius -= delta * cc.zoomSpeed
	cc.clamp()
	cc.updatePosition()
}

func (cc *controllerImpl) Radius() float32 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.radius
}

func (cc *controllerImpl) SetRadius(r float32) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.radius = r
	cc.clamp()
	cc.updatePosition()
}

func (cc *controllerImpl) Azimuth() float32 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.azimuth
}

func (cc *controllerImpl) Elevation() float32 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.elevation
}

func (cc *controllerImpl) Fit(b common.AABB, fov float32) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if b.IsEmpty() {
		b = common.AABB{Min: common.Vec3{-1, -1, -1}, Max: common.Vec3{1, 1, 1}}
	}
	cc.target = b.Centroid()
	half := b.Diagonal().Length() / 2
	if half == 0 {
		half = 1
	}
	cc.radius = half / math32.Sin(fov/2)
	cc.zoomSpeed = half / 10
	cc.clamp()
	cc.updatePosition()
}
