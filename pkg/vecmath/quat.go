package vecmath

import "math"

// Quat represents a rotation quaternion.
// Components are stored as W, X, Y, Z where W is the scalar part, matching
// the wxyz order gaussian rotations are stored in.
type Quat struct {
	W, X, Y, Z float32
}

// QuatIdentity returns an identity quaternion (no rotation).
func QuatIdentity() Quat {
	return Quat{W: 1}
}

// Normalize returns a normalized quaternion.
func (q Quat) Normalize() Quat {
	length := float32(math.Sqrt(float64(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)))
	if length < 0.0001 {
		return QuatIdentity()
	}
	invLen := 1.0 / length
	return Quat{
		W: q.W * invLen,
		X: q.X * invLen,
		Y: q.Y * invLen,
		Z: q.Z * invLen,
	}
}

// RotationMatrix returns the row-major 3x3 rotation matrix of a unit
// quaternion.
func (q Quat) RotationMatrix() [9]float32 {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return [9]float32{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// Apply rotates a vector by the quaternion.
func (q Quat) Apply(v Vec3) Vec3 {
	r := q.RotationMatrix()
	return Vec3{
		r[0]*v.X + r[1]*v.Y + r[2]*v.Z,
		r[3]*v.X + r[4]*v.Y + r[5]*v.Z,
		r[6]*v.X + r[7]*v.Y + r[8]*v.Z,
	}
}
