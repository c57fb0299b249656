// Package visualslam assembles the SLAM core: the synchronous front-end
// tracker, the background mapper, and the estimator handoff, all sharing one
// map. Image acquisition, rendering, and bundle adjustment are external
// collaborators.
package visualslam

import (
	"image"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/viamrobotics/visual-slam/camera"
	"github.com/viamrobotics/visual-slam/config"
	"github.com/viamrobotics/visual-slam/estimator"
	"github.com/viamrobotics/visual-slam/frontend"
	"github.com/viamrobotics/visual-slam/mapper"
	"github.com/viamrobotics/visual-slam/motion"
	"github.com/viamrobotics/visual-slam/slammap"
)

// System is a running SLAM pipeline. Track is driven by the image producer;
// the mapper and the estimator run on their own workers.
type System struct {
	cfg      *config.Config
	state    *config.RuntimeState
	slamMap  *slammap.Map
	frontEnd *frontend.FrontEnd
	mapper   *mapper.Mapper
	logger   golog.Logger
}

// New builds and starts a SLAM system. rightCam and opt may be nil for
// monocular operation without bundle adjustment.
func New(cfg *config.Config, leftCam, rightCam *camera.Model,
	opt estimator.Optimizer, logger golog.Logger,
) (*System, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, err
	}
	if cfg.Stereo && rightCam == nil {
		return nil, errors.New("stereo mode requires a right camera model")
	}
	state := config.NewRuntimeState()
	slamMap := slammap.NewMap(leftCam, rightCam, logger.Named("map"))
	model := motion.NewModel()
	return &System{
		cfg:      cfg,
		state:    state,
		slamMap:  slamMap,
		frontEnd: frontend.New(cfg, state, slamMap, model, logger.Named("frontend")),
		mapper:   mapper.New(cfg, state, slamMap, opt, logger.Named("mapper"), nil),
		logger:   logger,
	}, nil
}

// Track feeds one frame into the pipeline and reports whether a keyframe was
// promoted. right may be nil in monocular mode. A pending reset request is
// observed and cleared before the frame is processed.
func (s *System) Track(left, right *image.Gray, timestamp float64) bool {
	if s.state.ResetRequired.Load() {
		s.reset()
	}
	isKeyframe := s.frontEnd.Track(left, timestamp)
	if isKeyframe {
		s.mapper.Enqueue(mapper.Job{
			KFID:       s.slamMap.CurrentKFID(),
			Pyramid:    s.frontEnd.CurrentPyramid(),
			RightImage: right,
		})
	}
	return isKeyframe
}

// reset clears the whole pipeline: queues first so no stale keyframe job
// outlives the map it refers to.
func (s *System) reset() {
	s.logger.Info("resetting SLAM system")
	s.mapper.Reset()
	s.slamMap.Reset()
	s.frontEnd.Reset()
	s.state.Reset()
}

// Map returns the shared map.
func (s *System) Map() *slammap.Map { return s.slamMap }

// State returns the shared runtime state.
func (s *System) State() *config.RuntimeState { return s.state }

// Mapper returns the background mapper.
func (s *System) Mapper() *mapper.Mapper { return s.mapper }

// Close shuts down the mapper and the estimator, in pipeline order.
func (s *System) Close() {
	s.mapper.Close()
}
