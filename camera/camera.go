// Package camera provides the pinhole camera models used by the tracker and
// the mapper: projection, undistortion, and unprojection to bearing vectors.
package camera

import (
	"encoding/json"
	"io"
	"math"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/visual-slam/spatialmath"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// PinholeIntrinsics holds the parameters necessary to do a perspective
// projection of a 3D scene to the 2D plane.
type PinholeIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeIntrinsics have valid inputs.
func (params *PinholeIntrinsics) CheckValid() error {
	if params == nil {
		return errors.Wrap(ErrNoIntrinsics, "intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid size (%d, %d)", params.Width, params.Height)
	}
	if params.Fx <= 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid focal length Fx = %v", params.Fx)
	}
	if params.Fy <= 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid focal length Fy = %v", params.Fy)
	}
	if params.Ppx < 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid principal point Ppx = %v", params.Ppx)
	}
	if params.Ppy < 0 {
		return errors.Wrapf(ErrNoIntrinsics, "invalid principal point Ppy = %v", params.Ppy)
	}
	return nil
}

// Model is a calibrated camera. Distortion may be nil, in which case the
// camera is a plain pinhole. Ti0 is the rigid transform from this camera to
// the reference (left) camera; it is the identity for the left camera itself.
type Model struct {
	PinholeIntrinsics
	Distortion *BrownConrady   `json:"distortion,omitempty"`
	Ti0        spatialmath.SE3 `json:"-"`
}

// NewModel returns a pinhole camera model, optionally distorted, at the given
// extrinsic placement.
func NewModel(intrinsics PinholeIntrinsics, distortion *BrownConrady, ti0 spatialmath.SE3) (*Model, error) {
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return &Model{PinholeIntrinsics: intrinsics, Distortion: distortion, Ti0: ti0}, nil
}

// NewModelFromJSONFile reads a camera model from a JSON file.
func NewModelFromJSONFile(jsonPath string) (*Model, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	model := &Model{Ti0: spatialmath.NewZeroSE3()}
	if err := json.Unmarshal(byteValue, model); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	if err := model.PinholeIntrinsics.CheckValid(); err != nil {
		return nil, err
	}
	return model, nil
}

// Project projects a 3D point in the camera frame to a pixel, applying lens
// distortion when the model has any.
func (m *Model) Project(p r3.Vector) r2.Point {
	if p.Z <= 0 {
		return r2.Point{X: -1, Y: -1}
	}
	x := p.X / p.Z
	y := p.Y / p.Z
	if m.Distortion != nil {
		x, y = m.Distortion.Distort(x, y)
	}
	return r2.Point{X: x*m.Fx + m.Ppx, Y: y*m.Fy + m.Ppy}
}

// ProjectUndistort projects a 3D point in the camera frame to an undistorted
// pixel, ignoring any lens distortion.
func (m *Model) ProjectUndistort(p r3.Vector) r2.Point {
	if p.Z <= 0 {
		return r2.Point{X: -1, Y: -1}
	}
	return r2.Point{
		X: (p.X/p.Z)*m.Fx + m.Ppx,
		Y: (p.Y/p.Z)*m.Fy + m.Ppy,
	}
}

// InImage reports whether the pixel falls inside the image bounds.
func (m *Model) InImage(px r2.Point) bool {
	return px.X >= 0 && px.X < float64(m.Width) && px.Y >= 0 && px.Y < float64(m.Height)
}

// UndistortPixel maps an observed (possibly distorted) pixel to its
// undistorted location on the image plane.
func (m *Model) UndistortPixel(px r2.Point) r2.Point {
	if m.Distortion == nil {
		return px
	}
	x := (px.X - m.Ppx) / m.Fx
	y := (px.Y - m.Ppy) / m.Fy
	x, y = m.Distortion.Undistort(x, y)
	return r2.Point{X: x*m.Fx + m.Ppx, Y: y*m.Fy + m.Ppy}
}

// Unproject converts an undistorted pixel to the unit bearing vector of its
// viewing ray in the camera frame.
func (m *Model) Unproject(px r2.Point) r3.Vector {
	v := r3.Vector{
		X: (px.X - m.Ppx) / m.Fx,
		Y: (px.Y - m.Ppy) / m.Fy,
		Z: 1,
	}
	return v.Normalize()
}

// K returns the 3x3 intrinsic camera matrix:
//
//	[[fx 0 ppx],
//	 [0 fy ppy],
//	 [0 0  1]]
func (m *Model) K() *mat.Dense {
	k := mat.NewDense(3, 3, nil)
	k.Set(0, 0, m.Fx)
	k.Set(1, 1, m.Fy)
	k.Set(0, 2, m.Ppx)
	k.Set(1, 2, m.Ppy)
	k.Set(2, 2, 1)
	return k
}

// HalfFOVCos returns the cosine of half the camera's diagonal field of view,
// used to cull map points outside the viewing cone.
func (m *Model) HalfFOVCos() float64 {
	halfDiag := 0.5 * math.Hypot(float64(m.Width), float64(m.Height))
	f := 0.5 * (m.Fx + m.Fy)
	return math.Cos(math.Atan2(halfDiag, f))
}
