package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/webhook/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, externalEventID string) (*domain.EventRecord, error) {
	var event domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, external_event_id, event_type, kind, payload_hash, received_at, processed_at
		 FROM webhook_events
		 WHERE external_event_id = ?`,
		externalEventID,
	).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, nil
	}
	return &event, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET processed_at = ? WHERE id = ? AND processed_at IS NULL`,
		processedAt, id,
	).Error
}

func (r *repo) PurgeProcessed(ctx context.Context, db *gorm.DB, before time.Time, limit int) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM webhook_events WHERE id IN (
			SELECT id FROM (
				SELECT id FROM webhook_events
				WHERE processed_at IS NOT NULL AND received_at < ?
				ORDER BY received_at ASC LIMIT ?
			) expired
		)`,
		before, limit,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) InsertDeferred(ctx context.Context, db *gorm.DB, event *domain.DeferredEvent) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

const deferredColumns = `id, external_event_id, reference, kind, payload, attempts, last_error,
	next_attempt_at, applied_at, abandoned_at, created_at, updated_at`

func (r *repo) ListPendingByReference(ctx context.Context, db *gorm.DB, reference string) ([]domain.DeferredEvent, error) {
	var rows []domain.DeferredEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+deferredColumns+` FROM deferred_webhook_events
		 WHERE reference = ? AND applied_at IS NULL AND abandoned_at IS NULL
		 ORDER BY created_at ASC, id ASC`,
		reference,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.DeferredEvent, error) {
	var rows []domain.DeferredEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+deferredColumns+` FROM deferred_webhook_events
		 WHERE applied_at IS NULL AND abandoned_at IS NULL AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT ?`,
		now, limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) MarkApplied(ctx context.Context, db *gorm.DB, id snowflake.ID, appliedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE deferred_webhook_events SET applied_at = ?, updated_at = ? WHERE id = ? AND applied_at IS NULL`,
		appliedAt, appliedAt, id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) RecordAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, next time.Time, abandonedAt *time.Time) error {
	if len(lastError) > 512 {
		lastError = lastError[:512]
	}
	return db.WithContext(ctx).Exec(
		`UPDATE deferred_webhook_events
		 SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?, abandoned_at = ?, updated_at = ?
		 WHERE id = ? AND applied_at IS NULL`,
		lastError, next, abandonedAt, time.Now().UTC(), id,
	).Error
}
