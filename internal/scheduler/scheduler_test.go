package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/coachpay/internal/clock"
	"github.com/smallbiznis/coachpay/internal/migration"
	obsmetrics "github.com/smallbiznis/coachpay/internal/observability/metrics"
	"github.com/smallbiznis/coachpay/internal/outbox"
	schedulertesting "github.com/smallbiznis/coachpay/internal/scheduler/testing"
	subscriptiondomain "github.com/smallbiznis/coachpay/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/coachpay/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/coachpay/internal/subscription/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNode, _ = snowflake.NewNode(13)

type countingDispatcher struct {
	calls    int
	failures int
}

func (d *countingDispatcher) Dispatch(context.Context, outbox.Message) error {
	d.calls++
	if d.failures > 0 {
		d.failures--
		return errors.New("smtp: connection refused")
	}
	return nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migration.ApplySQLiteSchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}

type testEnv struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	dispatcher *countingDispatcher
	outbox     outbox.Repository
	sched      *Scheduler
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	useTestRegistry(t)

	db := setupTestDB(t)
	fake := clock.NewFakeClock(time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC))
	dispatcher := &countingDispatcher{}
	repo := outbox.NewRepository()
	worker := outbox.NewWorker(outbox.Params{
		DB:         db,
		Log:        zap.NewNop(),
		Clock:      fake,
		Repo:       repo,
		Dispatcher: dispatcher,
		Config:     outbox.Config{BatchSize: 2},
	})
	subs := subscriptionservice.NewService(subscriptionservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fake,
		Repo:  subscriptionrepository.Provide(),
	})
	sched, err := New(Params{
		Log:             zap.NewNop(),
		GenID:           testNode,
		Clock:           fake,
		Worker:          worker,
		SubscriptionSvc: subs,
		Config:          cfg,
	})
	require.NoError(t, err)

	return &testEnv{db: db, clock: fake, dispatcher: dispatcher, outbox: repo, sched: sched}
}

func (e *testEnv) enqueue(t *testing.T, paymentID snowflake.ID) snowflake.ID {
	t.Helper()
	msg, err := outbox.NewInvoiceEmail(context.Background(), testNode.Generate(), outbox.InvoiceEmailPayload{
		UserID:    "u1",
		PaymentID: paymentID,
		InvoiceID: 1,
		BadgeType: "gold",
		Amount:    29900,
		Currency:  "TRY",
	}, e.clock.Now())
	require.NoError(t, err)
	_, err = e.outbox.Enqueue(context.Background(), e.db, msg)
	require.NoError(t, err)
	return msg.ID
}

func (e *testEnv) seedSubscription(t *testing.T, userID string) {
	t.Helper()
	start := e.clock.Now()
	sub := subscriptiondomain.Subscription{
		ID:        testNode.Generate(),
		UserID:    userID,
		BadgeType: "blue",
		Status:    subscriptiondomain.SubscriptionStatusActive,
		Price:     9900,
		Currency:  "TRY",
		StartDate: start,
		EndDate:   subscriptiondomain.TermEnd(start),
		CreatedAt: start,
		UpdatedAt: start,
	}
	require.NoError(t, subscriptionrepository.Provide().Upsert(context.Background(), e.db, &sub))
}

func (e *testEnv) status(t *testing.T, userID string) subscriptiondomain.SubscriptionStatus {
	t.Helper()
	info, err := schedulertesting.NewTimeAccelerator(e.db, e.clock).GetSubscriptionInfo(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, info)
	return info.Status
}

func TestRunOnceDrainsOutboxAcrossBatches(t *testing.T) {
	env := newTestEnv(t, Config{})
	for i := 1; i <= 5; i++ {
		env.enqueue(t, snowflake.ID(i))
	}

	require.NoError(t, env.sched.RunOnce(context.Background()))

	assert.Equal(t, 5, env.dispatcher.calls)
	sent, err := env.outbox.CountByStatus(context.Background(), env.db, outbox.StatusSent)
	require.NoError(t, err)
	assert.EqualValues(t, 5, sent)
}

func TestDrainOutboxReturnsStats(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.enqueue(t, 1)
	env.enqueue(t, 2)

	stats, err := env.sched.DrainOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, 2, stats.Sent)

	stats, err = env.sched.DrainOutbox(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)
}

func TestDrainOutboxLeavesBackedOffMessages(t *testing.T) {
	env := newTestEnv(t, Config{})
	accel := schedulertesting.NewTimeAccelerator(env.db, env.clock)
	ctx := context.Background()
	env.dispatcher.failures = 2
	first := env.enqueue(t, 1)
	env.enqueue(t, 2)

	stats, err := env.sched.DrainOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Retried)
	assert.Zero(t, stats.Sent)

	require.NoError(t, accel.MakeOutboxDue(ctx, first))
	stats, err = env.sched.DrainOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Claimed)
	assert.Equal(t, 1, stats.Sent)

	n, err := accel.MakeAllOutboxDue(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	stats, err = env.sched.DrainOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)

	sent, err := env.outbox.CountByStatus(ctx, env.db, outbox.StatusSent)
	require.NoError(t, err)
	assert.EqualValues(t, 2, sent)
	assert.Equal(t, 4, env.dispatcher.calls)
}

func TestSubscriptionExpiryRespectsInterval(t *testing.T) {
	env := newTestEnv(t, Config{ExpiryInterval: time.Hour})
	accel := schedulertesting.NewTimeAccelerator(env.db, env.clock)
	ctx := context.Background()

	env.seedSubscription(t, "u1")
	env.seedSubscription(t, "u2")
	require.NoError(t, accel.LapseSubscription(ctx, "u1"))

	require.NoError(t, env.sched.RunOnce(ctx))
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, env.status(t, "u1"))
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, env.status(t, "u2"))

	require.NoError(t, accel.LapseSubscription(ctx, "u2"))
	env.clock.Advance(30 * time.Minute)
	require.NoError(t, env.sched.RunOnce(ctx))
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, env.status(t, "u2"))

	env.clock.Advance(30 * time.Minute)
	require.NoError(t, env.sched.RunOnce(ctx))
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, env.status(t, "u2"))
}

func TestEnabledJobsFilter(t *testing.T) {
	env := newTestEnv(t, Config{EnabledJobs: []string{"SUBSCRIPTION_EXPIRY"}})
	env.enqueue(t, 1)

	require.NoError(t, env.sched.RunOnce(context.Background()))
	assert.Zero(t, env.dispatcher.calls)
	assert.True(t, env.sched.isJobEnabled(JobSubscriptionExpiry))
	assert.False(t, env.sched.isJobEnabled(JobOutboxDispatch))
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := useTestRegistry(t)
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "coachpay",
		Environment: "test",
	})

	s := &Scheduler{log: zap.NewNop(), genID: testNode, clock: clock.NewFakeClock(time.Time{})}
	err := s.runJob(context.Background(), "timeout_job", 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "coachpay",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "coachpay_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "coachpay",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "coachpay_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobWrapsErrors(t *testing.T) {
	useTestRegistry(t)

	s := &Scheduler{log: zap.NewNop(), genID: testNode, clock: clock.NewFakeClock(time.Time{})}
	err := s.runJob(context.Background(), "failing_job", time.Second, func(context.Context) error {
		return fmt.Errorf("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing_job: boom")
}

// useTestRegistry points the scheduler metrics singleton at a fresh registry
// for the duration of the test.
func useTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	})
	return registry
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
