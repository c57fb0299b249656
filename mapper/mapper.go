// Package mapper is the background map maintainer: it consumes keyframe jobs
// from the front end, triangulates new map points, keeps the covisibility
// graph current, merges redundant map points, and hands finished keyframes to
// the estimator.
package mapper

import (
	"context"
	"image"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/viamrobotics/visual-slam/config"
	"github.com/viamrobotics/visual-slam/estimator"
	"github.com/viamrobotics/visual-slam/klt"
	"github.com/viamrobotics/visual-slam/multiview"
	"github.com/viamrobotics/visual-slam/slammap"
	"github.com/viamrobotics/visual-slam/utils"
)

// idlePoll is how often the idle mapper wakes to observe shutdown.
const idlePoll = 5 * time.Millisecond

// Job is a keyframe handed to the mapper. Pyramid is the precomputed left
// image pyramid; RightImage is present in stereo mode.
type Job struct {
	KFID       int
	Pyramid    *klt.Pyramid
	RightImage *image.Gray
}

// Mapper triangulates and maintains the map on its own worker goroutine. It
// owns the estimator, which it spawns on construction and shuts down on
// Close.
type Mapper struct {
	cfg     *config.Config
	state   *config.RuntimeState
	slamMap *slammap.Map
	est     *estimator.Estimator
	logger  golog.Logger
	clk     clock.Clock

	jobs chan Job

	// rightPyramid is a scratch buffer reused across stereo keyframes; the
	// mapper goroutine is its only user.
	rightPyramid *klt.Pyramid
	tri          *multiview.Triangulator
	trackCfg     *klt.TrackConfig

	worker *utils.BackgroundWorker
}

// New starts a mapper and its estimator. A nil optimizer leaves the
// estimator as a sink.
func New(cfg *config.Config, state *config.RuntimeState, slamMap *slammap.Map,
	opt estimator.Optimizer, logger golog.Logger, clk clock.Clock,
) *Mapper {
	if clk == nil {
		clk = clock.New()
	}
	mp := &Mapper{
		cfg:          cfg,
		state:        state,
		slamMap:      slamMap,
		est:          estimator.New(slamMap, opt, logger.Named("estimator")),
		logger:       logger,
		clk:          clk,
		jobs:         make(chan Job, cfg.KeyframeQueueSize),
		rightPyramid: klt.NewPyramid(),
		tri:          multiview.NewTriangulator(),
		trackCfg:     cfg.TrackConfig(),
	}
	mp.worker = utils.NewBackgroundWorker("mapper", logger, mp.loop)
	return mp
}

// Estimator returns the estimator owned by this mapper.
func (mp *Mapper) Estimator() *estimator.Estimator {
	return mp.est
}

// Enqueue posts a keyframe job. Jobs are processed strictly in FIFO order;
// the call blocks only if the mapper has fallen a full queue behind.
func (mp *Mapper) Enqueue(job Job) {
	mp.jobs <- job
}

// QueueLen returns the number of pending keyframe jobs.
func (mp *Mapper) QueueLen() int {
	return len(mp.jobs)
}

// Reset drains the job queue and resets the estimator handoff.
func (mp *Mapper) Reset() {
	mp.drainJobs()
	mp.est.Reset()
}

// Close stops the worker and forwards the shutdown to the estimator.
func (mp *Mapper) Close() {
	mp.worker.Stop()
	mp.est.Close()
}

func (mp *Mapper) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-mp.jobs:
			if err := mp.processKeyframe(job); err != nil {
				mp.logger.Errorw("keyframe processing failed", "kfid", job.KFID, "error", err)
			}
		case <-mp.clk.After(idlePoll):
			// wake to observe cancellation
		}
	}
}

// processKeyframe runs the per-keyframe pipeline: stereo triangulation,
// temporal triangulation, the reset gate, covisibility, local-map matching,
// and the estimator handoff. Stage failures are aggregated and logged; they
// never kill the worker.
func (mp *Mapper) processKeyframe(job Job) error {
	kfid := job.KFID
	if !mp.slamMap.KeyframeExists(kfid) {
		// stale job after a reset
		return nil
	}
	var errs error

	if mp.cfg.Stereo && job.RightImage != nil {
		if err := mp.stereoMatching(job); err != nil {
			errs = multierr.Combine(errs, errors.Wrap(err, "stereo step"))
		}
	}

	if counts, ok := mp.slamMap.KeyframeCounts(kfid); ok && counts.Kpts2D > 0 && kfid > 0 {
		if err := mp.temporalTriangulation(kfid); err != nil {
			errs = multierr.Combine(errs, errors.Wrap(err, "temporal step"))
		}
	}

	if mp.checkResetGate(kfid) {
		mp.logger.Infow("degenerate map after keyframe, requesting reset", "kfid", kfid)
		mp.state.ResetRequired.Store(true)
		mp.drainJobs()
		return errs
	}

	mp.slamMap.UpdateFrameCovisibility(kfid)

	if mp.cfg.DoLocalMatching && kfid > 0 {
		if err := mp.localMapMatching(kfid); err != nil {
			errs = multierr.Combine(errs, errors.Wrap(err, "local-map matching"))
		}
	}

	mp.est.Enqueue(kfid)
	return errs
}

// checkResetGate flags early keyframes that failed to triangulate enough
// support.
func (mp *Mapper) checkResetGate(kfid int) bool {
	if !mp.state.VisionInitialized.Load() {
		return false
	}
	counts, ok := mp.slamMap.KeyframeCounts(kfid)
	if !ok {
		return false
	}
	if kfid == 1 && counts.Kpts3D < 30 {
		return true
	}
	if kfid < 10 && counts.Kpts3D < 3 {
		return true
	}
	return false
}

func (mp *Mapper) drainJobs() {
	for {
		select {
		case <-mp.jobs:
		default:
			return
		}
	}
}
