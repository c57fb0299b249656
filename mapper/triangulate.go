package mapper

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/viamrobotics/visual-slam/klt"
	"github.com/viamrobotics/visual-slam/multiview"
	"github.com/viamrobotics/visual-slam/spatialmath"
)

// minTriangulationDepth is the floor below which a triangulated depth counts
// as degenerate.
const minTriangulationDepth = 0.1

// temporalParallaxGate is the parallax, in pixels, above which a failed
// temporal triangulation drops the observation instead of waiting for a
// later keyframe.
const temporalParallaxGate = 20.0

// stereoMatching pairs the keyframe's left keypoints with right-image
// locations by optical flow and triangulates whatever pairs were formed.
func (mp *Mapper) stereoMatching(job Job) error {
	kfid := job.KFID
	if job.Pyramid == nil || !job.Pyramid.Built() {
		return errors.New("keyframe job carries no left pyramid")
	}
	rightCam := mp.slamMap.RightCamera()
	if rightCam == nil {
		return errors.New("stereo enabled without a right camera")
	}
	mp.rightPyramid.Update(job.RightImage, mp.cfg.PyramidLevels, mp.cfg.PyramidSigma)

	kps := mp.slamMap.KeyframeKeypoints(kfid)
	var ids []int
	var pts, priors []r2.Point
	for i := range kps {
		kp := kps[i]
		if kp.Is3D || kp.IsStereo {
			continue
		}
		ids = append(ids, kp.ID)
		pts = append(pts, kp.Pixel)
		// seed at the left pixel; rectified pairs are nearly horizontal
		priors = append(priors, kp.Pixel)
	}
	if len(ids) == 0 {
		return nil
	}
	tracked, status := klt.TrackForwardBackward(
		job.Pyramid, mp.rightPyramid, pts, priors, mp.cfg.MaxKLTDistance, mp.trackCfg)
	paired := 0
	for i, id := range ids {
		if !status[i] {
			continue
		}
		mp.slamMap.SetStereoKeypoint(kfid, id, tracked[i])
		paired++
	}
	if paired == 0 {
		return nil
	}
	mp.stereoTriangulate(kfid)
	return nil
}

// stereoTriangulate promotes unresolved stereo keypoints through the
// left/right camera pair.
func (mp *Mapper) stereoTriangulate(kfid int) {
	leftCam := mp.slamMap.LeftCamera()
	rightCam := mp.slamMap.RightCamera()
	kfWC, _, ok := mp.slamMap.KeyframePose(kfid)
	if !ok {
		return
	}
	// P1 projects left-camera points; P2 includes the right camera's rigid
	// transform from the left frame.
	rightFromLeft := rightCam.Ti0.Inverse()
	p1 := multiview.ProjectionMatrix(leftCam.K(), spatialmath.NewZeroSE3())
	p2 := multiview.ProjectionMatrix(rightCam.K(), rightFromLeft)

	for _, kp := range mp.slamMap.KeyframeKeypoints(kfid) {
		if !kp.IsStereo || kp.Is3D {
			continue
		}
		rightUndist := rightCam.UndistortPixel(kp.RightPixel)
		x, err := mp.tri.Triangulate(kp.UndistPixel, rightUndist, p1, p2)
		if err != nil {
			mp.logger.Debugw("stereo triangulation failed", "kpid", kp.ID, "error", err)
			mp.slamMap.RemoveStereoKeypoint(kfid, kp.ID)
			continue
		}
		leftPt, ok := multiview.NormalizeHomogeneous(x)
		if !ok {
			mp.slamMap.RemoveStereoKeypoint(kfid, kp.ID)
			continue
		}
		rightPt := rightFromLeft.Transform(leftPt)
		if leftPt.Z < minTriangulationDepth || rightPt.Z < minTriangulationDepth {
			mp.slamMap.RemoveStereoKeypoint(kfid, kp.ID)
			continue
		}
		leftErr := leftCam.ProjectUndistort(leftPt).Sub(kp.UndistPixel).Norm()
		rightErr := rightCam.ProjectUndistort(rightPt).Sub(rightUndist).Norm()
		if leftErr > mp.cfg.MaxReprojectionError || rightErr > mp.cfg.MaxReprojectionError {
			mp.slamMap.RemoveStereoKeypoint(kfid, kp.ID)
			continue
		}
		mp.slamMap.UpdateMapPoint(kp.ID, kfWC.Transform(leftPt))
	}
}

// relObserver caches the relative geometry between one observer keyframe and
// the current keyframe, so consecutive keypoints sharing a first observer do
// not recompute it.
type relObserver struct {
	rel    spatialmath.SE3 // observer-from-current
	relInv spatialmath.SE3 // current-from-observer
	p2     *mat.Dense
	wc     spatialmath.SE3
}

// temporalTriangulation triangulates the keyframe's 2D keypoints against
// each map point's first observer keyframe. Failures with enough parallax
// drop the observation; low-parallax failures stay 2D for a later retry.
func (mp *Mapper) temporalTriangulation(kfid int) error {
	cam := mp.slamMap.LeftCamera()
	curWC, _, ok := mp.slamMap.KeyframePose(kfid)
	if !ok {
		return errors.Errorf("keyframe %d vanished", kfid)
	}
	k := cam.K()
	p1 := multiview.ProjectionMatrix(k, spatialmath.NewZeroSE3())
	cache := map[int]*relObserver{}

	for _, kp := range mp.slamMap.KeyframeKeypoints(kfid) {
		if kp.Is3D {
			continue
		}
		point, ok := mp.slamMap.MapPoint(kp.ID)
		if !ok {
			// stale observation; self-heal
			mp.slamMap.RemoveMapPointObs(kp.ID, kfid)
			continue
		}
		if len(point.Observers) < 2 {
			continue
		}
		obsKF, _ := point.FirstObserver()
		if obsKF == kfid {
			continue
		}
		rel, ok := cache[obsKF]
		if !ok {
			obsWC, obsCW, found := mp.slamMap.KeyframePose(obsKF)
			if !found {
				continue
			}
			relPose := obsCW.Compose(curWC)
			rel = &relObserver{
				rel:    relPose,
				relInv: relPose.Inverse(),
				p2:     multiview.ProjectionMatrix(k, relPose.Inverse()),
				wc:     obsWC,
			}
			cache[obsKF] = rel
		}
		obsKp, ok := mp.slamMap.Keypoint(obsKF, kp.ID)
		if !ok {
			continue
		}

		x, err := mp.tri.Triangulate(obsKp.UndistPixel, kp.UndistPixel, p1, rel.p2)
		if err != nil {
			mp.logger.Debugw("temporal triangulation failed", "kpid", kp.ID, "error", err)
			continue
		}
		obsPt, finite := multiview.NormalizeHomogeneous(x)

		// parallax between the observer pixel and the rotated current bearing
		parallax := 0.0
		rotated := rel.rel.Rotate(kp.Bearing)
		if rotated.Z > 0 {
			parallax = obsKp.UndistPixel.Sub(cam.ProjectUndistort(rotated)).Norm()
		}

		good := finite
		if good {
			curPt := rel.relInv.Transform(obsPt)
			if obsPt.Z < minTriangulationDepth || curPt.Z < minTriangulationDepth {
				good = false
			} else if cam.ProjectUndistort(obsPt).Sub(obsKp.UndistPixel).Norm() > mp.cfg.MaxReprojectionError ||
				cam.ProjectUndistort(curPt).Sub(kp.UndistPixel).Norm() > mp.cfg.MaxReprojectionError {
				good = false
			}
		}
		if !good {
			if parallax > temporalParallaxGate {
				// enough parallax and still bad geometry: the match is wrong
				mp.slamMap.RemoveMapPointObs(kp.ID, kfid)
			}
			continue
		}
		mp.slamMap.UpdateMapPoint(kp.ID, rel.wc.Transform(obsPt))
	}
	return nil
}
