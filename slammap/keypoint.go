// Package slammap is the custodian of all persistent SLAM entities: frames,
// keyframes, keypoints, and map points. Entities refer to each other by id;
// the Map owns every entity and serializes access behind its lock.
package slammap

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/viamrobotics/visual-slam/features"
)

// Keypoint is a single 2D observation in a frame. Copies returned by Map
// queries are snapshots; mutation goes through the Map.
type Keypoint struct {
	// ID is globally unique across the map and identical to the id of the
	// map point this observation belongs to.
	ID int
	// Pixel is the observed (possibly distorted) pixel location.
	Pixel r2.Point
	// UndistPixel is Pixel mapped through the inverse distortion model.
	UndistPixel r2.Point
	// RightPixel is the matching location in the right stereo image; only
	// meaningful when IsStereo is set.
	RightPixel r2.Point
	IsStereo   bool
	// Bearing is the unit viewing ray of UndistPixel in the camera frame.
	Bearing r3.Vector
	// Is3D mirrors the 3D status of the associated map point.
	Is3D bool
	// Descriptor is the binary descriptor extracted at detection time; may
	// be nil.
	Descriptor features.Descriptor
}

func (kp *Keypoint) clone() *Keypoint {
	c := *kp
	return &c
}
