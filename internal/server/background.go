package server

import (
	"context"
	"sync"
	"time"

	obslogger "github.com/smallbiznis/coachpay/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultBackgroundWorkers = 8
	defaultBackgroundTimeout = 30 * time.Second
)

// BackgroundRunner executes work that must outlive the HTTP request that
// scheduled it. At most `workers` jobs run at once and Stop waits for the
// ones in flight.
type BackgroundRunner struct {
	log     *zap.Logger
	timeout time.Duration
	slots   chan struct{}

	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
}

func NewBackgroundRunner(log *zap.Logger, workers int, timeout time.Duration) *BackgroundRunner {
	if workers <= 0 {
		workers = defaultBackgroundWorkers
	}
	if timeout <= 0 {
		timeout = defaultBackgroundTimeout
	}
	return &BackgroundRunner{
		log:     log.Named("server.background"),
		timeout: timeout,
		slots:   make(chan struct{}, workers),
	}
}

func ProvideBackgroundRunner(lc fx.Lifecycle, log *zap.Logger) *BackgroundRunner {
	runner := NewBackgroundRunner(log, defaultBackgroundWorkers, defaultBackgroundTimeout)
	lc.Append(fx.Hook{
		OnStop: runner.Stop,
	})
	return runner
}

// Go runs fn on a context detached from the caller's cancellation but
// carrying its values. It returns false once the runner is stopping.
func (r *BackgroundRunner) Go(parent context.Context, name string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	ctx := context.WithoutCancel(parent)
	go func() {
		defer r.wg.Done()

		r.slots <- struct{}{}
		defer func() { <-r.slots }()

		jobCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		log := obslogger.WithContext(jobCtx, r.log).With(zap.String("job", name))
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("background job panicked", zap.Any("panic", rec), zap.Stack("stack"))
			}
		}()

		start := time.Now()
		if err := fn(jobCtx); err != nil {
			log.Warn("background job failed",
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		log.Debug("background job finished", zap.Duration("duration", time.Since(start)))
	}()
	return true
}

// Stop refuses new jobs and waits for running ones until ctx is done.
func (r *BackgroundRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.log.Warn("background jobs still running at shutdown")
		return ctx.Err()
	}
}

// Wait blocks until every scheduled job has finished.
func (r *BackgroundRunner) Wait() {
	r.wg.Wait()
}
