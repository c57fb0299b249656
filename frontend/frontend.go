// Package frontend is the visual front end: per-frame sparse optical-flow
// tracking, initialization detection, and keyframe selection. It runs
// synchronously on the image producer's goroutine.
package frontend

import (
	"image"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"

	"github.com/viamrobotics/visual-slam/config"
	"github.com/viamrobotics/visual-slam/features"
	"github.com/viamrobotics/visual-slam/klt"
	"github.com/viamrobotics/visual-slam/motion"
	"github.com/viamrobotics/visual-slam/slammap"
)

// minKeypointsForInit is the tracked-keypoint floor below which the system
// asks for a reset instead of initializing.
const minKeypointsForInit = 50

// minKeypointsForKeyframe is the least number of keypoints that must survive
// tracking for the initialization keyframe to be worth promoting.
const minKeypointsForKeyframe = 8

// FrontEnd tracks keypoints frame to frame and decides when the map needs a
// new keyframe.
type FrontEnd struct {
	cfg     *config.Config
	state   *config.RuntimeState
	slamMap *slammap.Map
	model   *motion.Model
	logger  golog.Logger

	prevPyramid *klt.Pyramid
	curPyramid  *klt.Pyramid

	trackCfg  *klt.TrackConfig
	samplePrs *features.SamplePairs
}

// New returns a front end tracking into the given map.
func New(cfg *config.Config, state *config.RuntimeState, slamMap *slammap.Map,
	model *motion.Model, logger golog.Logger,
) *FrontEnd {
	return &FrontEnd{
		cfg:        cfg,
		state:      state,
		slamMap:    slamMap,
		model:      model,
		logger:     logger,
		trackCfg:   cfg.TrackConfig(),
		samplePrs:  features.GenerateSamplePairs(cfg.BRIEF.Sampling, cfg.BRIEF.N, cfg.BRIEF.PatchSize),
		curPyramid: klt.NewPyramid(),
	}
}

// CurrentPyramid returns the pyramid of the most recent image. Pyramids are
// immutable once built, so the mapper may read it concurrently.
func (fe *FrontEnd) CurrentPyramid() *klt.Pyramid {
	return fe.curPyramid
}

// Reset drops the image buffers and the motion history. Map-level reset is
// the caller's responsibility.
func (fe *FrontEnd) Reset() {
	fe.prevPyramid = nil
	fe.curPyramid = klt.NewPyramid()
	fe.model.Reset()
}

// Track processes one grayscale frame and reports whether a new keyframe was
// promoted.
func (fe *FrontEnd) Track(img *image.Gray, timestamp float64) bool {
	fe.slamMap.AdvanceFrame(timestamp)
	fe.preprocess(img)

	if fe.slamMap.CurrentFrameID() == 1 {
		// Bootstrap: seed the map from the very first image.
		fe.createKeyframe(img)
		wc, _ := fe.slamMap.CurrentPose()
		fe.model.Update(wc, timestamp)
		return true
	}

	prevWC, _ := fe.slamMap.CurrentPose()
	prior := fe.model.Predict(prevWC, timestamp)
	fe.slamMap.SetCurrentPose(prior)

	fe.kltTracking()

	wc, _ := fe.slamMap.CurrentPose()
	fe.model.Update(wc, timestamp)

	if !fe.state.VisionInitialized.Load() {
		return fe.checkVisionInit(img)
	}
	if fe.checkReadyForNewKeyframe() {
		fe.createKeyframe(img)
		return true
	}
	return false
}

// preprocess rotates the image buffers: previous takes the last image's
// pyramid, current gets a freshly built one.
func (fe *FrontEnd) preprocess(img *image.Gray) {
	fe.prevPyramid = fe.curPyramid
	fe.curPyramid = klt.BuildPyramid(img, fe.cfg.PyramidLevels, fe.cfg.PyramidSigma)
}

// kltTracking tracks every current keypoint from the previous image into the
// current one. Keypoints with a 3D map point are seeded by projecting the
// point through the predicted pose and tracked first on a shallow pyramid;
// the rest, plus any 3D failures, run on the full pyramid seeded at their
// last observed pixel. Lost keypoints leave the current frame.
func (fe *FrontEnd) kltTracking() {
	kps := fe.slamMap.CurrentKeypoints()
	_, cw := fe.slamMap.CurrentPose()
	cam := fe.slamMap.LeftCamera()

	var ids3d, idsPlain []int
	var pts3d, priors3d, ptsPlain, priorsPlain []r2.Point
	for i := range kps {
		kp := kps[i]
		if fe.cfg.UsePrior && kp.Is3D {
			if mp, ok := fe.slamMap.MapPoint(kp.ID); ok && mp.Is3D {
				projected := cam.Project(cw.Transform(mp.Position))
				if cam.InImage(projected) {
					ids3d = append(ids3d, kp.ID)
					pts3d = append(pts3d, kp.Pixel)
					priors3d = append(priors3d, projected)
					continue
				}
			}
		}
		idsPlain = append(idsPlain, kp.ID)
		ptsPlain = append(ptsPlain, kp.Pixel)
		priorsPlain = append(priorsPlain, kp.Pixel)
	}

	if len(ids3d) > 0 {
		shallow := *fe.trackCfg
		shallow.MaxLevel = 1
		tracked, status := klt.TrackForwardBackward(
			fe.prevPyramid, fe.curPyramid, pts3d, priors3d, fe.cfg.MaxKLTDistance, &shallow)
		nbOK := 0
		for i, id := range ids3d {
			if status[i] {
				fe.slamMap.UpdateCurrentKeypoint(id, tracked[i])
				nbOK++
				continue
			}
			// retry on the full pyramid from the last observed pixel
			idsPlain = append(idsPlain, id)
			ptsPlain = append(ptsPlain, pts3d[i])
			priorsPlain = append(priorsPlain, pts3d[i])
		}
		if 3*nbOK < len(ids3d) {
			fe.state.P3PRequired.Store(true)
		}
	}

	if len(idsPlain) > 0 {
		tracked, status := klt.TrackForwardBackward(
			fe.prevPyramid, fe.curPyramid, ptsPlain, priorsPlain, fe.cfg.MaxKLTDistance, fe.trackCfg)
		for i, id := range idsPlain {
			if status[i] {
				fe.slamMap.UpdateCurrentKeypoint(id, tracked[i])
			} else {
				fe.slamMap.RemoveObsFromCurrentFrame(id)
			}
		}
	}
}

// checkVisionInit gates initialization on tracked support and parallax
// against the previous keyframe.
func (fe *FrontEnd) checkVisionInit(img *image.Gray) bool {
	counts := fe.slamMap.CurrentCounts()
	if counts.Keypoints < minKeypointsForInit {
		fe.logger.Infow("not enough keypoints to initialize, resetting",
			"nb_keypoints", counts.Keypoints)
		fe.state.ResetRequired.Store(true)
		return false
	}
	parallax := fe.computeParallax(fe.slamMap.CurrentKFID(), parallaxOptions{})
	if parallax > fe.cfg.InitialParallax && counts.Keypoints >= minKeypointsForKeyframe {
		fe.logger.Infow("vision initialized", "parallax", parallax)
		fe.state.VisionInitialized.Store(true)
		fe.createKeyframe(img)
		return true
	}
	return false
}

// checkReadyForNewKeyframe is the steady-state keyframe trigger: promote when
// tracking support erodes below half the keypoint budget, or when the camera
// has accumulated the initialization parallax over a thinning 3D set.
func (fe *FrontEnd) checkReadyForNewKeyframe() bool {
	counts := fe.slamMap.CurrentCounts()
	if counts.Keypoints < fe.cfg.MaxNbKeypoints/2 {
		return true
	}
	if counts.Kpts3D < minKeypointsForInit {
		parallax := fe.computeParallax(fe.slamMap.CurrentKFID(), parallaxOptions{})
		return parallax > fe.cfg.InitialParallax
	}
	return false
}

// createKeyframe tops the current frame up to the keypoint budget with fresh
// detections in unoccupied grid cells, then promotes it.
func (fe *FrontEnd) createKeyframe(img *image.Gray) {
	fe.extractKeypoints(img)
	kfid := fe.slamMap.CreateKeyframe()
	fe.logger.Debugw("keyframe created",
		"kfid", kfid, "nb_keypoints", fe.slamMap.CurrentCounts().Keypoints)
}

// extractKeypoints detects FAST corners in grid cells with no surviving
// keypoint and adds the best of them, with BRIEF descriptors, to the current
// frame.
func (fe *FrontEnd) extractKeypoints(img *image.Gray) {
	counts := fe.slamMap.CurrentCounts()
	budget := fe.cfg.MaxNbKeypoints - counts.Keypoints
	if budget <= 0 {
		return
	}
	cell := fe.cfg.CellSize
	if cell <= 0 {
		cell = 35
	}
	occupied := map[image.Point]struct{}{}
	for _, kp := range fe.slamMap.CurrentKeypoints() {
		occupied[image.Point{int(kp.Pixel.X) / cell, int(kp.Pixel.Y) / cell}] = struct{}{}
	}
	detected := features.DetectFAST(img, &fe.cfg.FAST)
	var pixels []r2.Point
	var points []image.Point
	for _, sp := range detected {
		if len(pixels) >= budget {
			break
		}
		c := image.Point{sp.Point.X / cell, sp.Point.Y / cell}
		if _, ok := occupied[c]; ok {
			continue
		}
		occupied[c] = struct{}{}
		points = append(points, sp.Point)
		pixels = append(pixels, r2.Point{X: float64(sp.Point.X), Y: float64(sp.Point.Y)})
	}
	if len(pixels) == 0 {
		return
	}
	descs := features.ComputeBRIEFDescriptors(img, fe.samplePrs, points, &fe.cfg.BRIEF)
	fe.slamMap.AddKeypointsToCurrentFrame(pixels, descs)
}
