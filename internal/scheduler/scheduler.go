package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coachpay/internal/clock"
	obsmetrics "github.com/smallbiznis/coachpay/internal/observability/metrics"
	"github.com/smallbiznis/coachpay/internal/outbox"
	subscriptiondomain "github.com/smallbiznis/coachpay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// maxDrainPasses bounds a single dispatch job so a steady stream of new
// messages cannot pin the loop.
const maxDrainPasses = 10

type Params struct {
	fx.In

	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Worker          *outbox.Worker
	SubscriptionSvc subscriptiondomain.Service
	Config          Config `optional:"true"`
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	worker          *outbox.Worker
	subscriptionSvc subscriptiondomain.Service

	mu         sync.Mutex
	lastExpiry time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Worker == nil || p.SubscriptionSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		worker:          p.Worker,
		subscriptionSvc: p.SubscriptionSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout, the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.String("run_id", run.runID),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job a single time. Subscription expiry only runs
// when ExpiryInterval has elapsed since its previous run.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	if s.isJobEnabled(JobOutboxDispatch) {
		err = errors.Join(err, s.runJob(parent, JobOutboxDispatch, s.cfg.JobTimeout, s.OutboxDispatchJob))
	}
	if s.isJobEnabled(JobSubscriptionExpiry) && s.expiryDue() {
		err = errors.Join(err, s.runJob(parent, JobSubscriptionExpiry, s.cfg.JobTimeout, s.SubscriptionExpiryJob))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	s.log.Info("scheduler started",
		zap.Duration("interval", s.cfg.RunInterval),
		zap.Strings("enabled_jobs", s.cfg.EnabledJobs),
	)
	for {
		if runLag := time.Since(nextRun); runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job, which is the monolith default
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) expiryDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if !s.lastExpiry.IsZero() && now.Sub(s.lastExpiry) < s.cfg.ExpiryInterval {
		return false
	}
	s.lastExpiry = now
	return true
}

// OutboxDispatchJob drains due outbox messages in batches until a pass claims
// nothing.
func (s *Scheduler) OutboxDispatchJob(ctx context.Context) error {
	_, err := s.DrainOutbox(ctx)
	return err
}

// DrainOutbox runs dispatch passes and returns the combined stats.
func (s *Scheduler) DrainOutbox(ctx context.Context) (outbox.Stats, error) {
	ctx, run, owner := s.ensureJobRun(ctx, JobOutboxDispatch)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	var (
		total  outbox.Stats
		jobErr error
	)
	for pass := 0; pass < maxDrainPasses; pass++ {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		stats, err := s.worker.RunOnce(ctx)
		total.Claimed += stats.Claimed
		total.Sent += stats.Sent
		total.Retried += stats.Retried
		total.Dead += stats.Dead
		run.AddProcessed(stats.Processed())
		schedMetrics.AddBatchProcessed(JobOutboxDispatch, "sent", stats.Sent)
		schedMetrics.AddBatchProcessed(JobOutboxDispatch, "retried", stats.Retried)
		schedMetrics.AddBatchProcessed(JobOutboxDispatch, "dead", stats.Dead)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.outbox.dispatch.failed", err)
			break
		}
		if stats.Claimed == 0 {
			break
		}
	}

	return total, jobErr
}

// SubscriptionExpiryJob moves active subscriptions past their end date to
// expired.
func (s *Scheduler) SubscriptionExpiryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSubscriptionExpiry)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	expired, err := s.subscriptionSvc.ExpireDue(ctx, s.clock.Now())
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.subscription.expire.failed", err)
		return err
	}
	run.AddProcessed(int(expired))
	obsmetrics.Scheduler().AddBatchProcessed(JobSubscriptionExpiry, "subscription", int(expired))
	return nil
}
