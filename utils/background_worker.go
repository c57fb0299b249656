// Package utils holds the small shared helpers of the SLAM pipeline.
package utils

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"
)

// BackgroundWorker owns the goroutines of one pipeline stage (the mapper,
// the estimator). Each loop receives a context cancelled by Stop. A
// panicking loop is logged under the stage name and stops mapping for that
// stage; the rest of the pipeline keeps running on stale state until the
// embedder resets.
type BackgroundWorker struct {
	name       string
	logger     golog.Logger
	cancelCtx  context.Context
	cancelFunc func()
	loops      sync.WaitGroup
	stopOnce   sync.Once
}

// NewBackgroundWorker starts the given loops for the named pipeline stage.
func NewBackgroundWorker(name string, logger golog.Logger, loops ...func(context.Context)) *BackgroundWorker {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	w := &BackgroundWorker{
		name:       name,
		logger:     logger,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	w.loops.Add(len(loops))
	for _, loop := range loops {
		loop := loop
		goutils.PanicCapturingGoWithCallback(func() {
			defer w.loops.Done()
			loop(cancelCtx)
		}, func(err interface{}) {
			logger.Errorw("background loop panicked", "worker", name, "error", err)
		})
	}
	return w
}

// Name returns the stage name the worker was started under.
func (w *BackgroundWorker) Name() string {
	return w.name
}

// Context returns the context the loops watch for cancellation.
func (w *BackgroundWorker) Context() context.Context {
	return w.cancelCtx
}

// Stop cancels the loops and waits for every one of them to exit. Calling it
// again is a no-op, so shutdown paths may overlap safely.
func (w *BackgroundWorker) Stop() {
	w.stopOnce.Do(func() {
		w.cancelFunc()
		w.loops.Wait()
	})
}
