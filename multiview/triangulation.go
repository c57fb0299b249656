// Package multiview contains the two-view geometry kernels used by the
// mapper: projection matrices and linear triangulation.
package multiview

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/visual-slam/spatialmath"
)

// ProjectionMatrix builds the 3x4 pixel projection matrix K * [R|t] for a
// camera at the given camera-from-world pose.
func ProjectionMatrix(k *mat.Dense, cw spatialmath.SE3) *mat.Dense {
	p := mat.NewDense(3, 4, nil)
	p.Mul(k, cw.Mat34())
	return p
}

// Triangulator solves the homogeneous DLT system for two views. It owns a
// reusable 4x4 workspace and SVD factorization so consecutive calls do not
// allocate.
type Triangulator struct {
	a   *mat.Dense
	svd mat.SVD
	v   mat.Dense
}

// NewTriangulator returns a Triangulator with a fresh workspace.
func NewTriangulator() *Triangulator {
	return &Triangulator{a: mat.NewDense(4, 4, nil)}
}

// Triangulate computes the homogeneous 3D point observed at undistorted
// pixels px1 and px2 through the 3x4 projection matrices p1 and p2. The
// returned point is not normalized.
func (tr *Triangulator) Triangulate(px1, px2 r2.Point, p1, p2 *mat.Dense) ([4]float64, error) {
	fillDLTRows(tr.a, 0, px1, p1)
	fillDLTRows(tr.a, 2, px2, p2)
	if ok := tr.svd.Factorize(tr.a, mat.SVDFull); !ok {
		return [4]float64{}, errors.New("failed to factorize triangulation system")
	}
	const rcond = 1e-15
	if tr.svd.Rank(rcond) == 0 {
		return [4]float64{}, errors.New("zero rank triangulation system")
	}
	tr.svd.VTo(&tr.v)
	var x [4]float64
	for i := 0; i < 4; i++ {
		x[i] = tr.v.At(i, 3)
	}
	return x, nil
}

// fillDLTRows writes the two DLT constraint rows for one view:
//
//	x*P_3 - P_1 and y*P_3 - P_2
func fillDLTRows(a *mat.Dense, row int, px r2.Point, p *mat.Dense) {
	for j := 0; j < 4; j++ {
		a.Set(row, j, px.X*p.At(2, j)-p.At(0, j))
		a.Set(row+1, j, px.Y*p.At(2, j)-p.At(1, j))
	}
}

// NormalizeHomogeneous converts a homogeneous point to Euclidean coordinates.
// It returns false when the point is at infinity.
func NormalizeHomogeneous(x [4]float64) (r3.Vector, bool) {
	if x[3] == 0 {
		return r3.Vector{}, false
	}
	return r3.Vector{X: x[0] / x[3], Y: x[1] / x[3], Z: x[2] / x[3]}, true
}

// ProjectHomogeneous maps a homogeneous world point through a 3x4 projection
// matrix, returning the pixel and the depth before perspective division.
func ProjectHomogeneous(p *mat.Dense, x [4]float64) (r2.Point, float64) {
	var u, v, w float64
	for j := 0; j < 4; j++ {
		u += p.At(0, j) * x[j]
		v += p.At(1, j) * x[j]
		w += p.At(2, j) * x[j]
	}
	if w == 0 {
		return r2.Point{X: -1, Y: -1}, 0
	}
	return r2.Point{X: u / w, Y: v / w}, w
}
