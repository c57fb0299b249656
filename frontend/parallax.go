package frontend

import (
	"github.com/montanaflynn/stats"
)

// parallaxOptions tunes the parallax computation.
type parallaxOptions struct {
	// CompensateRotation measures parallax against the rotated bearing
	// instead of the raw pixel, cancelling pure rotation.
	CompensateRotation bool
	// Only2D restricts the computation to keypoints not yet triangulated.
	Only2D bool
	// UseMean averages instead of taking the median.
	UseMean bool
}

// computeParallax returns the average pixel parallax between the current
// frame and the given reference keyframe, over keypoints present in both.
// It returns 0 when the keyframe is unknown or no keypoint is shared.
func (fe *FrontEnd) computeParallax(kfid int, opts parallaxOptions) float64 {
	if kfid < 0 {
		return 0
	}
	kfKps := fe.slamMap.KeyframeKeypoints(kfid)
	if len(kfKps) == 0 {
		return 0
	}
	cam := fe.slamMap.LeftCamera()
	_, kfCW, ok := fe.slamMap.KeyframePose(kfid)
	if !ok {
		return 0
	}
	curWC, _ := fe.slamMap.CurrentPose()
	// rotation taking current-camera directions into the reference keyframe
	refFromCur := kfCW.Compose(curWC)

	dists := make([]float64, 0, len(kfKps))
	for i := range kfKps {
		kfKp := kfKps[i]
		if opts.Only2D && kfKp.Is3D {
			continue
		}
		curKp, ok := fe.slamMap.CurrentKeypoint(kfKp.ID)
		if !ok {
			continue
		}
		if opts.CompensateRotation {
			rotated := refFromCur.Rotate(curKp.Bearing)
			if rotated.Z <= 0 {
				continue
			}
			projected := cam.ProjectUndistort(rotated)
			dists = append(dists, kfKp.UndistPixel.Sub(projected).Norm())
		} else {
			dists = append(dists, kfKp.UndistPixel.Sub(curKp.UndistPixel).Norm())
		}
	}
	if len(dists) == 0 {
		return 0
	}
	var avg float64
	var err error
	if opts.UseMean {
		avg, err = stats.Mean(dists)
	} else {
		avg, err = stats.Median(dists)
	}
	if err != nil {
		return 0
	}
	return avg
}
