package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/user/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const userColumns = `id, username, email, billing_customer_id, billing_product_id, subscriber_count,
	earnings_total, earnings_this_month, earnings_month, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, user *domain.User) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO users (id, username, email, subscriber_count, earnings_total, earnings_this_month, earnings_month, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, 0, '', ?, ?)`,
		user.ID,
		user.Username,
		user.Email,
		user.CreatedAt,
		user.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.User, error) {
	var user domain.User
	err := db.WithContext(ctx).Raw(
		`SELECT `+userColumns+` FROM users WHERE id = ?`,
		id,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) ListIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM users WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) CompareAndSetBillingCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, prev *string, next string) (bool, error) {
	now := time.Now().UTC()
	var res *gorm.DB
	if prev == nil {
		res = db.WithContext(ctx).Exec(
			`UPDATE users SET billing_customer_id = ?, updated_at = ? WHERE id = ? AND billing_customer_id IS NULL`,
			next, now, id,
		)
	} else {
		res = db.WithContext(ctx).Exec(
			`UPDATE users SET billing_customer_id = ?, updated_at = ? WHERE id = ? AND billing_customer_id = ?`,
			next, now, id, *prev,
		)
	}
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) CompareAndSetBillingProductID(ctx context.Context, db *gorm.DB, id snowflake.ID, next string) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE users SET billing_product_id = ?, updated_at = ? WHERE id = ? AND billing_product_id IS NULL`,
		next, time.Now().UTC(), id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) AddSubscribers(ctx context.Context, db *gorm.DB, id snowflake.ID, delta int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users SET subscriber_count = CASE WHEN subscriber_count + ? < 0 THEN 0 ELSE subscriber_count + ? END,
		 updated_at = ? WHERE id = ?`,
		delta, delta, time.Now().UTC(), id,
	).Error
}

// ApplyEarnings rolls the monthly bucket in the same statement that adds
// the delta, so concurrent appends never lose an increment.
func (r *repo) ApplyEarnings(ctx context.Context, db *gorm.DB, id snowflake.ID, delta domain.EarningsDelta) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users SET
			earnings_total = earnings_total + ?,
			earnings_this_month = CASE WHEN earnings_month = ? THEN earnings_this_month + ? ELSE ? END,
			earnings_month = ?,
			updated_at = ?
		 WHERE id = ?`,
		delta.Net,
		delta.CurrentMonth, delta.MonthNet, delta.MonthNet,
		delta.CurrentMonth,
		time.Now().UTC(),
		id,
	).Error
}

func (r *repo) SetEarnings(ctx context.Context, db *gorm.DB, id snowflake.ID, earnings domain.Earnings) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users SET earnings_total = ?, earnings_this_month = ?, earnings_month = ?, updated_at = ? WHERE id = ?`,
		earnings.Total,
		earnings.ThisMonth,
		earnings.Month,
		time.Now().UTC(),
		id,
	).Error
}

func (r *repo) SetSubscriberCount(ctx context.Context, db *gorm.DB, id snowflake.ID, count int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE users SET subscriber_count = ?, updated_at = ? WHERE id = ?`,
		count,
		time.Now().UTC(),
		id,
	).Error
}
