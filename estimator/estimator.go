package estimator

import (
	"context"

	"github.com/edaniels/golog"

	"github.com/viamrobotics/visual-slam/slammap"
	"github.com/viamrobotics/visual-slam/utils"
)

// Estimator drains the keyframe queue on its own worker and hands each
// keyframe to the optimizer under the map's optimization lock. A nil
// optimizer turns the estimator into a pure sink, which is how the core runs
// when bundle adjustment is disabled.
type Estimator struct {
	queue   *Queue
	slamMap *slammap.Map
	opt     Optimizer
	logger  golog.Logger
	worker  *utils.BackgroundWorker
}

// New starts an estimator worker consuming from a fresh queue.
func New(slamMap *slammap.Map, opt Optimizer, logger golog.Logger) *Estimator {
	e := &Estimator{
		queue:   NewQueue(),
		slamMap: slamMap,
		opt:     opt,
		logger:  logger,
	}
	e.worker = utils.NewBackgroundWorker("estimator", logger, e.watchCancel, e.loop)
	return e
}

// Enqueue hands a finished keyframe to the estimator. It never blocks.
func (e *Estimator) Enqueue(kfid int) {
	e.queue.Push(kfid)
}

// Queue exposes the underlying FIFO, mainly for tests and reset handling.
func (e *Estimator) Queue() *Queue {
	return e.queue
}

// Reset drops all pending keyframes.
func (e *Estimator) Reset() {
	e.queue.Reset()
}

// Close stops the worker and closes the queue.
func (e *Estimator) Close() {
	e.queue.Close()
	e.worker.Stop()
}

// watchCancel closes the queue when the worker context ends so a blocked Pop
// wakes up.
func (e *Estimator) watchCancel(ctx context.Context) {
	<-ctx.Done()
	e.queue.Close()
}

func (e *Estimator) loop(ctx context.Context) {
	for {
		kfid, ok := e.queue.Pop()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !e.slamMap.KeyframeExists(kfid) {
			// stale id after a reset; drop the dangling reference
			continue
		}
		if e.opt == nil {
			continue
		}
		e.slamMap.LockOptimization()
		err := e.opt.Optimize(ctx, kfid)
		e.slamMap.UnlockOptimization()
		if err != nil {
			e.logger.Errorw("optimization failed", "kfid", kfid, "error", err)
		}
	}
}
