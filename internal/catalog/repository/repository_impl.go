package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/catalog/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) UpsertTier(ctx context.Context, db *gorm.DB, tier *domain.Tier) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "creator_id"}, {Name: "billing_interval"}},
			DoUpdates: clause.AssignmentColumns([]string{"amount", "currency", "active", "updated_at"}),
		}).
		Create(tier).Error
}

func (r *repo) FindTier(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, interval domain.Interval) (*domain.Tier, error) {
	var tier domain.Tier
	err := db.WithContext(ctx).
		Where("creator_id = ? AND billing_interval = ?", creatorID, interval).
		Limit(1).
		Find(&tier).Error
	if err != nil {
		return nil, err
	}
	if tier.ID == 0 {
		return nil, nil
	}
	return &tier, nil
}

func (r *repo) ListTiers(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) ([]domain.Tier, error) {
	var tiers []domain.Tier
	err := db.WithContext(ctx).
		Where("creator_id = ?", creatorID).
		Order("billing_interval asc").
		Find(&tiers).Error
	if err != nil {
		return nil, err
	}
	return tiers, nil
}

func (r *repo) SetTierActive(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, interval domain.Interval, active bool) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Tier{}).
		Where("creator_id = ? AND billing_interval = ?", creatorID, interval).
		Updates(map[string]any{"active": active, "updated_at": db.NowFunc()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindPrice(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, interval domain.Interval, amountMinor int64, currency string) (*domain.Price, error) {
	var price domain.Price
	err := db.WithContext(ctx).Raw(
		`SELECT id, creator_id, billing_interval, amount_minor, currency, product_id, processor_price_id, created_at
		 FROM creator_prices
		 WHERE creator_id = ? AND billing_interval = ? AND amount_minor = ? AND currency = ?`,
		creatorID, interval, amountMinor, currency,
	).Scan(&price).Error
	if err != nil {
		return nil, err
	}
	if price.ID == 0 {
		return nil, nil
	}
	return &price, nil
}

func (r *repo) InsertPrice(ctx context.Context, db *gorm.DB, price *domain.Price) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "creator_id"}, {Name: "billing_interval"}, {Name: "amount_minor"}, {Name: "currency"}},
			DoNothing: true,
		}).
		Create(price)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
