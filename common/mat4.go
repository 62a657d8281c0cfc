package common

import "github.com/chewxy/math32"

// Mat4 is a 4x4 matrix stored in column-major order (WebGPU convention).
type Mat4 [16]float32

// Identity4 returns the identity matrix.
func Identity4() Mat4 {
	var m Mat4
	m[0], m[5], m[10], m[15] = 1, 1, 1, 1
	return m
}

// Mul returns a * b.
//
// Parameters:
//   - b: right-hand matrix
//
// Returns:
//   - Mat4: the product matrix
func (a Mat4) Mul(b Mat4) Mat4 {
	var out Mat4
	for col := range 4 {
		for row := range 4 {
			var sum float32
			for k := range 4 {
				sum += a[k*4+row] * b[col*4+k]
			}
			out[col*4+row] = sum
		}
	}
	return out
}

// MulPoint transforms a point (w = 1) and applies the perspective divide when w != 1.
func (a Mat4) MulPoint(p Vec3) Vec3 {
	x := a[0]*p[0] + a[4]*p[1] + a[8]*p[2] + a[12]
	y := a[1]*p[0] + a[5]*p[1] + a[9]*p[2] + a[13]
	z := a[2]*p[0] + a[6]*p[1] + a[10]*p[2] + a[14]
	w := a[3]*p[0] + a[7]*p[1] + a[11]*p[2] + a[15]
	if w != 0 && w != 1 {
		return Vec3{x / w, y / w, z / w}
	}
	return Vec3{x, y, z}
}

// MulDir transforms a direction (w = 0).
func (a Mat4) MulDir(d Vec3) Vec3 {
	return Vec3{
		a[0]*d[0] + a[4]*d[1] + a[8]*d[2],
		a[1]*d[0] + a[5]*d[1] + a[9]*d[2],
		a[2]*d[0] + a[6]*d[1] + a[10]*d[2],
	}
}

// Perspective builds a right-handed projection matrix mapping depth to the [0, 1] clip range.
//
// Parameters:
//   - fovY: vertical field of view in radians
//   - aspect: viewport width / height
//   - near: near plane distance (> 0)
//   - far: far plane distance (> near)
//
// Returns:
//   - Mat4: the projection matrix
func Perspective(fovY, aspect, near, far float32) Mat4 {
	f := 1 / math32.Tan(fovY/2)
	var m Mat4
	m[0] = f / aspect
	m[5] = f
	m[10] = far / (near - far)
	m[11] = -1
	m[14] = (near * far) / (near - far)
	return m
}

// LookAt builds a world to view matrix for a camera at eye looking at center.
//
// Parameters:
//   - eye: camera position
//   - center: point the camera looks at
//   - up: approximate up direction
//
// Returns:
//   - Mat4: the view matrix
func LookAt(eye, center, up Vec3) Mat4 {
	z := eye.Sub(center).Normalize()
	x := up.Cross(z).Normalize()
	y := z.Cross(x)

	var m Mat4
	m[0], m[4], m[8], m[12] = x[0], x[1], x[2], -x.Dot(eye)
	m[1], m[5], m[9], m[13] = y[0], y[1], y[2], -y.Dot(eye)
	m[2], m[6], m[10], m[14] = z[0], z[1], z[2], -z.Dot(eye)
	m[15] = 1
	return m
}

// Inverse computes the inverse by cofactor expansion.
//
// Returns:
//   - Mat4: the inverse, or the receiver unchanged when singular
//   - bool: false if the matrix is singular
func (m Mat4) Inverse() (Mat4, bool) {
	s0 := m[0]*m[5] - m[4]*m[1]
	s1 := m[0]*m[6] - m[4]*m[2]
	s2 := m[0]*m[7] - m[4]*m[3]
	s3 := m[1]*m[6] - m[5]*m[2]
	s4 := m[1]*m[7] - m[5]*m[3]
	s5 := m[2]*m[7] - m[6]*m[3]

	c5 := m[10]*m[15] - m[14]*m[11]
	c4 := m[9]*m[15] - m[13]*m[11]
	c3 := m[9]*m[14] - m[13]*m[10]
	c2 := m[8]*m[15] - m[12]*m[11]
	c1 := m[8]*m[14] - m[12]*m[10]
	c0 := m[8]*m[13] - m[12]*m[9]

	det := s0*c5 - s1*c4 + s2*c3 + s3*c2 - s4*c1 + s5*c0
	if det == 0 {
		return m, false
	}
	inv := 1 / det

	var out Mat4
	out[0] = (m[5]*c5 - m[6]*c4 + m[7]*c3) * inv
	out[1] = (-m[1]*c5 + m[2]*c4 - m[3]*c3) * inv
	out[2] = (m[13]*s5 - m[14]*s4 + m[15]*s3) * inv
	out[3] = (-m[9]*s5 + m[10]*s4 - m[11]*s3) * inv

	out[4] = (-m[4]*c5 + m[6]*c2 - m[7]*c1) * inv
	out[5] = (m[0]*c5 - m[2]*c2 + m[3]*c1) * inv
	out[6] = (-m[12]*s5 + m[14]*s2 - m[15]*s1) * inv
	out[7] = (m[8]*s5 - m[10]*s2 + m[11]*s1) * inv

	out[8] = (m[4]*c4 - m[5]*c2 + m[7]*c0) * inv
	out[9] = (-m[0]*c4 + m[1]*c2 - m[3]*c0) * inv
	out[10] = (m[12]*s4 - m[13]*s2 + m[15]*s0) * inv
	out[11] = (-m[8]*s4 + m[9]*s2 - m[11]*s0) * inv

	out[12] = (-m[4]*c3 + m[5]*c1 - m[6]*c0) * inv
	out[13] = (m[0]*c3 - m[1]*c1 + m[2]*c0) * inv
	out[14] = (-m[12]*s3 + m[13]*s1 - m[14]*s0) * inv
	out[15] = (m[8]*s3 - m[9]*s1 + m[10]*s0) * inv
	return out, true
}
