package camera

import "github.com/Carmen-Shannon/oxy-bvh/common"

// ControllerOption is a functional option for configuring a Controller.
type ControllerOption func(*controllerImpl)

// WithRadius sets the initial distance to the target.
//
// Parameters:
//   - radius: distance from the orbit target
//
// Returns:
//   - ControllerOption: functional option to set the radius
func WithRadius(radius float32) ControllerOption {
	return func(cc *controllerImpl) {
		cc.radius = radius
	}
}

// WithAzimuth sets the initial horizontal angle around the Y axis.
//
// Parameters:
//   - azimuth: horizontal angle in radians (0 = +Z axis)
//
// Returns:
//   - ControllerOption: functional option to set the azimuth
func WithAzimuth(azimuth float32) ControllerOption {
	return func(cc *controllerImpl) {
		cc.azimuth = azimuth
	}
}

// WithElevation sets the initial vertical angle from the horizontal plane.
//
// Parameters:
//   - elevation: vertical angle in radians (0 = horizontal)
//
// Returns:
//   - ControllerOption: functional option to set the elevation
func WithElevation(elevation float32) ControllerOption {
	return func(cc *controllerImpl) {
		cc.elevation = elevation
	}
}

// WithTarget sets the look-at and pivot point.
//
// Parameters:
//   - t: world-space target
//
// Returns:
//   - ControllerOption: functional option to set the target position
func WithTarget(t common.Vec3) ControllerOption {
	return func(cc *controllerImpl) {
		cc.target = t
	}
}

// WithRadiusBounds sets the zoom limits.
//
// Parameters:
//   - lo: minimum distance to the target
//   - hi: maximum distance to the target
//
// Returns:
//   - ControllerOption: functional option to set the radius bounds
func WithRadiusBounds(lo, hi float32) ControllerOption {
	return func(cc *controllerImpl) {
		cc.minRadius = lo
		cc.maxRadius = hi
	}
}

// WithOrbitSpeed sets the angle in radians of one orbit or tilt step.
//
// Parameters:
//   - speed: radians per step
//
// Returns:
//   - ControllerOption: functional option to set the orbit speed
func WithOrbitSpeed(speed float32) ControllerOption {
	return func(cc *controllerImpl) {
		cc.orbitSpeed = speed
	}
}
