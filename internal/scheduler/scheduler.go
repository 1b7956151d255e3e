package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/patronage/internal/cache"
	"github.com/smallbiznis/patronage/internal/clock"
	"github.com/smallbiznis/patronage/internal/config"
	ledgerdomain "github.com/smallbiznis/patronage/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/patronage/internal/observability/metrics"
	webhookdomain "github.com/smallbiznis/patronage/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobReplayDeferred = "replay_deferred"
	JobPurgeDedupe    = "purge_dedupe"
	JobReconcile      = "reconcile"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

// WebhookMaintainer is the part of the webhook processor the scheduler
// drives.
type WebhookMaintainer interface {
	ReplayDue(ctx context.Context, limit int) (webhookdomain.ReplayReport, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

type EarningsReconciler interface {
	RecomputeAll(ctx context.Context) (ledgerdomain.RecomputeReport, error)
}

type SubscriberCounter interface {
	RecomputeSubscriberCounts(ctx context.Context) (int, error)
}

type Params struct {
	fx.In

	Log         *zap.Logger
	Clock       clock.Clock
	Policy      *config.BillingPolicyHolder
	Webhooks    WebhookMaintainer
	Earnings    EarningsReconciler
	Subscribers SubscriberCounter
	Locker      *cache.Locker `optional:"true"`
	Config      Config        `optional:"true"`
}

type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	clock       clock.Clock
	policy      *config.BillingPolicyHolder
	webhooks    WebhookMaintainer
	earnings    EarningsReconciler
	subscribers SubscriberCounter
	locker      *cache.Locker

	mu            sync.Mutex
	lastReconcile time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Policy == nil || p.Webhooks == nil || p.Earnings == nil || p.Subscribers == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		clock:       p.Clock,
		policy:      p.Policy,
		webhooks:    p.Webhooks,
		earnings:    p.Earnings,
		subscribers: p.Subscribers,
		locker:      p.Locker,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context, run *jobRun) error) error {
	schedMetrics := obsmetrics.Scheduler()

	release, err := s.acquire(parent, name)
	if err != nil {
		schedMetrics.IncJobError(name, err)
		if errors.Is(err, obsmetrics.ErrLockUnavailable) {
			s.log.Debug("job owned by another instance", zap.String("job", name))
			return nil
		}
		return fmt.Errorf("%s: lock: %w", name, err)
	}
	defer release()

	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run := s.ensureJobRun(ctx, name)
	s.logJobStart(ctx, run)
	schedMetrics.IncJobRun(name)

	err = fn(ctx, run)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up where this stopped
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context, *jobRun) error
	}{
		{JobReplayDeferred, s.ReplayDeferredJob},
		{JobPurgeDedupe, s.PurgeDedupeJob},
		{JobReconcile, s.ReconcileJob},
	}

	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if lag := time.Since(nextRun); lag > 0 {
			schedMetrics.ObserveRunLoopLag(lag)
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job
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

// ReplayDeferredJob retries webhook events that were waiting on a
// subscription or payment the platform had not stored yet.
func (s *Scheduler) ReplayDeferredJob(ctx context.Context, run *jobRun) error {
	report, err := s.webhooks.ReplayDue(ctx, s.cfg.ReplayBatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.replay.failed", err)
		return err
	}
	run.AddProcessed(report.Applied + report.Abandoned)
	obsmetrics.Scheduler().AddBatchProcessed(JobReplayDeferred, "deferred_webhook_events", report.Applied+report.Abandoned)
	if report.Abandoned > 0 {
		s.logger(ctx).Warn("deferred webhook events abandoned",
			zap.Int("abandoned", report.Abandoned),
			zap.Int("pending", report.Pending),
		)
	}
	return nil
}

func (s *Scheduler) PurgeDedupeJob(ctx context.Context, run *jobRun) error {
	n, err := s.webhooks.PurgeExpired(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.purge.failed", err)
		return err
	}
	run.AddProcessed(int(n))
	obsmetrics.Scheduler().AddBatchProcessed(JobPurgeDedupe, "webhook_events", int(n))
	return nil
}

// ReconcileJob rebuilds the denormalized counters from source rows, at
// most once per reconcile interval.
func (s *Scheduler) ReconcileJob(ctx context.Context, run *jobRun) error {
	now := s.clock.Now()
	interval := s.policy.Get().ReconcileInterval

	s.mu.Lock()
	due := s.lastReconcile.IsZero() || !now.Before(s.lastReconcile.Add(interval))
	s.mu.Unlock()
	if !due {
		return nil
	}

	var jobErr error
	report, err := s.earnings.RecomputeAll(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconcile.earnings.failed", err)
		jobErr = errors.Join(jobErr, err)
	} else {
		run.AddProcessed(report.Checked)
		obsmetrics.Scheduler().AddBatchProcessed(JobReconcile, "earnings", report.Checked)
		if report.Drifted > 0 {
			s.logger(ctx).Warn("earnings counters drifted",
				zap.Int("checked", report.Checked),
				zap.Int("drifted", report.Drifted),
			)
		}
	}

	fixed, err := s.subscribers.RecomputeSubscriberCounts(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconcile.subscribers.failed", err)
		jobErr = errors.Join(jobErr, err)
	} else {
		obsmetrics.Scheduler().AddBatchProcessed(JobReconcile, "subscriber_counts", fixed)
	}

	if jobErr == nil {
		s.mu.Lock()
		s.lastReconcile = now
		s.mu.Unlock()
	}
	return jobErr
}
