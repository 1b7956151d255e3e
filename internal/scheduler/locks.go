package scheduler

import (
	"context"
	"errors"

	"github.com/smallbiznis/patronage/internal/cache"
	obsmetrics "github.com/smallbiznis/patronage/internal/observability/metrics"
	"go.uber.org/zap"
)

const lockPrefix = "patronage:scheduler:"

// acquire takes the cross-instance lease for job. Without redis every
// instance runs every job; the jobs themselves are idempotent.
func (s *Scheduler) acquire(ctx context.Context, job string) (release func(), err error) {
	if s.locker == nil {
		return func() {}, nil
	}
	key := lockPrefix + job
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLockNotConfigured) {
			return func() {}, nil
		}
		return nil, err
	}
	if !ok {
		return nil, obsmetrics.ErrLockUnavailable
	}
	return func() {
		// The job context may already be done.
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warn("scheduler lock release failed", zap.String("job", job), zap.Error(err))
		}
	}, nil
}
