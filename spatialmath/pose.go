// Package spatialmath contains the rigid-body math used throughout the SLAM
// pipeline. Poses are elements of SE(3) stored as a unit quaternion plus a
// translation vector.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// SE3 is a rigid-body transform. R must be a unit quaternion.
type SE3 struct {
	R quat.Number
	T r3.Vector
}

// NewZeroSE3 returns the identity transform.
func NewZeroSE3() SE3 {
	return SE3{R: quat.Number{Real: 1}}
}

// NewSE3 returns a transform from a rotation quaternion and a translation.
// The quaternion is normalized.
func NewSE3(r quat.Number, t r3.Vector) SE3 {
	return SE3{R: normalize(r), T: t}
}

// NewSE3FromAxisAngle returns the transform rotating theta radians about the
// given axis, followed by translation t.
func NewSE3FromAxisAngle(axis r3.Vector, theta float64, t r3.Vector) SE3 {
	axis = axis.Normalize()
	s := math.Sin(theta / 2)
	return SE3{
		R: quat.Number{Real: math.Cos(theta / 2), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s},
		T: t,
	}
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Compose returns p * o: the transform that applies o first, then p.
func (p SE3) Compose(o SE3) SE3 {
	return SE3{
		R: normalize(quat.Mul(p.R, o.R)),
		T: p.Rotate(o.T).Add(p.T),
	}
}

// Inverse returns the transform q such that p * q is the identity.
func (p SE3) Inverse() SE3 {
	rInv := quat.Conj(p.R)
	return SE3{
		R: rInv,
		T: rotateByQuat(rInv, p.T).Mul(-1),
	}
}

// Rotate applies only the rotation part of p to v.
func (p SE3) Rotate(v r3.Vector) r3.Vector {
	return rotateByQuat(p.R, v)
}

// Transform applies p to the point v.
func (p SE3) Transform(v r3.Vector) r3.Vector {
	return p.Rotate(v).Add(p.T)
}

func rotateByQuat(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	res := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: res.Imag, Y: res.Jmag, Z: res.Kmag}
}

// Scale interpolates the transform towards the identity: Scale(0) is the
// identity, Scale(1) is p itself. s outside [0,1] extrapolates, which is how
// the constant-velocity motion model stretches a frame-to-frame delta over a
// different time step.
func (p SE3) Scale(s float64) SE3 {
	r := p.R
	// Keep the rotation on the short arc so Log is well behaved.
	if r.Real < 0 {
		r = quat.Scale(-1, r)
	}
	return SE3{
		R: normalize(quat.Exp(quat.Scale(s, quat.Log(r)))),
		T: p.T.Mul(s),
	}
}

// Mat4 returns the 4x4 homogeneous matrix of p.
func (p SE3) Mat4() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	r := p.rotationMatrix()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, r[3*i+j])
		}
	}
	m.Set(0, 3, p.T.X)
	m.Set(1, 3, p.T.Y)
	m.Set(2, 3, p.T.Z)
	m.Set(3, 3, 1)
	return m
}

// Mat34 returns the 3x4 [R|t] matrix of p.
func (p SE3) Mat34() *mat.Dense {
	m := mat.NewDense(3, 4, nil)
	r := p.rotationMatrix()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, r[3*i+j])
		}
	}
	m.Set(0, 3, p.T.X)
	m.Set(1, 3, p.T.Y)
	m.Set(2, 3, p.T.Z)
	return m
}

func (p SE3) rotationMatrix() [9]float64 {
	q := normalize(p.R)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// QuaternionAlmostEqual tests quaternion equality up to sign and tolerance.
func QuaternionAlmostEqual(a, b quat.Number, tol float64) bool {
	d := quat.Abs(quat.Sub(a, b))
	dNeg := quat.Abs(quat.Add(a, b))
	return d < tol || dNeg < tol
}

// AlmostEqual tests approximate equality of two transforms.
func (p SE3) AlmostEqual(o SE3, tol float64) bool {
	return QuaternionAlmostEqual(p.R, o.R, tol) && p.T.Sub(o.T).Norm() < tol
}
