package slammap

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/viamrobotics/visual-slam/spatialmath"
)

// Frame is a single camera frame. The map holds one current frame, replaced
// in place every tick, plus every promoted keyframe. All Frame access goes
// through the Map, which holds the lock.
type Frame struct {
	// ID increases by one per tick. KFID is the keyframe id assigned at
	// promotion; for the current frame it names the originating keyframe.
	ID   int
	KFID int
	// Timestamp is the monotonic capture time in seconds.
	Timestamp float64

	// wc is world-from-camera, cw its inverse; both kept in lockstep.
	wc spatialmath.SE3
	cw spatialmath.SE3

	keypoints map[int]*Keypoint

	// Aggregated counters; NbKeypoints == Nb2DKpts + Nb3DKpts always.
	NbKeypoints  int
	Nb2DKpts     int
	Nb3DKpts     int
	NbStereoKpts int

	// covisibility maps covisible keyframe ids to the number of shared
	// map-point observations.
	covisibility map[int]int
	// localMapIDs is the set of map-point ids reachable through covisibility.
	localMapIDs map[int]struct{}
}

func newFrame() *Frame {
	return &Frame{
		KFID:         -1,
		wc:           spatialmath.NewZeroSE3(),
		cw:           spatialmath.NewZeroSE3(),
		keypoints:    map[int]*Keypoint{},
		covisibility: map[int]int{},
		localMapIDs:  map[int]struct{}{},
	}
}

// clone deep-copies the frame; used at keyframe promotion.
func (f *Frame) clone() *Frame {
	c := newFrame()
	c.ID = f.ID
	c.KFID = f.KFID
	c.Timestamp = f.Timestamp
	c.wc = f.wc
	c.cw = f.cw
	c.NbKeypoints = f.NbKeypoints
	c.Nb2DKpts = f.Nb2DKpts
	c.Nb3DKpts = f.Nb3DKpts
	c.NbStereoKpts = f.NbStereoKpts
	for id, kp := range f.keypoints {
		c.keypoints[id] = kp.clone()
	}
	for id, n := range f.covisibility {
		c.covisibility[id] = n
	}
	for id := range f.localMapIDs {
		c.localMapIDs[id] = struct{}{}
	}
	return c
}

// setPose stores the world-from-camera pose and its inverse.
func (f *Frame) setPose(wc spatialmath.SE3) {
	f.wc = wc
	f.cw = wc.Inverse()
}

// WC returns the world-from-camera pose.
func (f *Frame) WC() spatialmath.SE3 { return f.wc }

// CW returns the camera-from-world pose.
func (f *Frame) CW() spatialmath.SE3 { return f.cw }

// addKeypoint registers a new 2D observation and adjusts the counters.
func (f *Frame) addKeypoint(kp *Keypoint) {
	if _, ok := f.keypoints[kp.ID]; ok {
		return
	}
	f.keypoints[kp.ID] = kp
	f.NbKeypoints++
	if kp.Is3D {
		f.Nb3DKpts++
	} else {
		f.Nb2DKpts++
	}
	if kp.IsStereo {
		f.NbStereoKpts++
	}
	f.checkCounters()
}

// removeKeypoint drops an observation and adjusts the counters.
func (f *Frame) removeKeypoint(kpid int) {
	kp, ok := f.keypoints[kpid]
	if !ok {
		return
	}
	delete(f.keypoints, kpid)
	f.NbKeypoints--
	if kp.Is3D {
		f.Nb3DKpts--
	} else {
		f.Nb2DKpts--
	}
	if kp.IsStereo {
		f.NbStereoKpts--
	}
	f.checkCounters()
}

// turnKeypoint3D flips a 2D observation to 3D.
func (f *Frame) turnKeypoint3D(kpid int) {
	kp, ok := f.keypoints[kpid]
	if !ok || kp.Is3D {
		return
	}
	kp.Is3D = true
	f.Nb2DKpts--
	f.Nb3DKpts++
	f.checkCounters()
}

// setStereo records the right-image pairing of a keypoint.
func (f *Frame) setStereo(kpid int, right r2.Point) {
	kp, ok := f.keypoints[kpid]
	if !ok {
		return
	}
	if !kp.IsStereo {
		f.NbStereoKpts++
	}
	kp.IsStereo = true
	kp.RightPixel = right
	f.checkCounters()
}

// clearStereo removes the right-image pairing without touching the 2D
// observation.
func (f *Frame) clearStereo(kpid int) {
	kp, ok := f.keypoints[kpid]
	if !ok || !kp.IsStereo {
		return
	}
	kp.IsStereo = false
	kp.RightPixel = r2.Point{}
	f.NbStereoKpts--
	f.checkCounters()
}

// checkCounters asserts the frame counter invariants. A violation is a bug.
func (f *Frame) checkCounters() {
	if f.NbKeypoints != f.Nb2DKpts+f.Nb3DKpts ||
		f.NbKeypoints < 0 || f.Nb2DKpts < 0 || f.Nb3DKpts < 0 ||
		f.NbStereoKpts < 0 || f.NbStereoKpts > f.NbKeypoints {
		panic("slammap: frame keypoint counters out of sync")
	}
}

// ProjectWorldToCamera maps a world point into this frame's camera frame.
func (f *Frame) ProjectWorldToCamera(w r3.Vector) r3.Vector {
	return f.cw.Transform(w)
}

// ProjectCameraToWorld maps a camera-frame point into the world.
func (f *Frame) ProjectCameraToWorld(c r3.Vector) r3.Vector {
	return f.wc.Transform(c)
}
