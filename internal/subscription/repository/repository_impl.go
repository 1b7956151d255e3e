package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const subscriptionColumns = `id, subscriber_id, creator_id, status, processor_subscription_id, processor_customer_id,
	processor_price_id, billing_interval, amount, currency, is_trial, trial_end, current_period_start,
	current_period_end, cancel_at_period_end, cancelled_at, cancel_reason, origin, metadata, version,
	created_at, updated_at`

func liveStatuses() []string {
	out := make([]string, 0, len(domain.LiveStatuses))
	for _, s := range domain.LiveStatuses {
		out = append(out, string(s))
	}
	return out
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "processor_subscription_id"}},
			DoNothing: true,
		}).
		Create(sub)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, args ...any) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` LIMIT 1`,
		args...,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindByProcessorID(ctx context.Context, db *gorm.DB, processorSubscriptionID string) (*domain.Subscription, error) {
	return r.findOne(ctx, db, `processor_subscription_id = ?`, processorSubscriptionID)
}

func (r *repo) FindLiveByPair(ctx context.Context, db *gorm.DB, subscriberID, creatorID snowflake.ID) (*domain.Subscription, error) {
	return r.findOne(ctx, db,
		`subscriber_id = ? AND creator_id = ? AND status IN ?`,
		subscriberID, creatorID, liveStatuses(),
	)
}

func (r *repo) ListByPair(ctx context.Context, db *gorm.DB, subscriberID, creatorID snowflake.ID) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE subscriber_id = ? AND creator_id = ?
		 ORDER BY created_at DESC, id DESC`,
		subscriberID, creatorID,
	).Scan(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repo) CountByPair(ctx context.Context, db *gorm.DB, subscriberID, creatorID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM subscriptions WHERE subscriber_id = ? AND creator_id = ?`,
		subscriberID, creatorID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) ListBySubscriber(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE subscriber_id = ?
		 ORDER BY created_at DESC, id DESC`,
		subscriberID,
	).Scan(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repo) CountLiveByCreator(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM subscriptions WHERE creator_id = ? AND status IN ?`,
		creatorID, liveStatuses(),
	).Scan(&count).Error
	return count, err
}

func (r *repo) CompareAndSwap(ctx context.Context, db *gorm.DB, sub *domain.Subscription, expected int64) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			status = ?,
			processor_price_id = ?,
			is_trial = ?,
			trial_end = ?,
			current_period_start = ?,
			current_period_end = ?,
			cancel_at_period_end = ?,
			cancelled_at = ?,
			cancel_reason = ?,
			version = ?,
			updated_at = ?
		 WHERE id = ? AND version = ?`,
		sub.Status,
		sub.ProcessorPriceID,
		sub.IsTrial,
		sub.TrialEnd,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CancelledAt,
		sub.CancelReason,
		sub.Version,
		sub.UpdatedAt,
		sub.ID,
		expected,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ClaimOrigin(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET origin = ? WHERE id = ? AND origin = ?`,
		domain.OriginAPI, id, domain.OriginWebhook,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscription_id"}, {Name: "external_payment_id"}},
			DoNothing: true,
		}).
		Create(payment)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListPayments(ctx context.Context, db *gorm.DB, subscriptionIDs []snowflake.ID) ([]domain.Payment, error) {
	if len(subscriptionIDs) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(subscriptionIDs))
	for _, id := range subscriptionIDs {
		ids = append(ids, id.Int64())
	}
	var payments []domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, external_payment_id, invoice_id, amount, currency, status, paid_at, created_at
		 FROM subscription_payments
		 WHERE subscription_id IN ?
		 ORDER BY paid_at ASC, id ASC`,
		ids,
	).Scan(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}
