package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/entitlement/domain"
	subscriptiondomain "github.com/smallbiznis/patronage/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Subscriptions subscriptiondomain.Repository
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	subscriptions subscriptiondomain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("entitlement.service"),
		subscriptions: p.Subscriptions,
	}
}

func (s *Service) IsEntitled(ctx context.Context, subscriberID, creatorID snowflake.ID, now time.Time) (bool, error) {
	res, err := s.Check(ctx, subscriberID, creatorID, now)
	if err != nil {
		return false, err
	}
	return res.Entitled, nil
}

// Check reads the live subscription for the pair. past_due keeps access
// until the current period ends.
func (s *Service) Check(ctx context.Context, subscriberID, creatorID snowflake.ID, now time.Time) (domain.Result, error) {
	if subscriberID == 0 || creatorID == 0 {
		return domain.Result{}, domain.ErrInvalidPair
	}
	sub, err := s.subscriptions.FindLiveByPair(ctx, s.db, subscriberID, creatorID)
	if err != nil {
		s.log.Error("entitlement lookup failed",
			zap.String("subscriber_id", subscriberID.String()),
			zap.String("creator_id", creatorID.String()),
			zap.Error(err),
		)
		return domain.Result{}, err
	}
	if sub == nil {
		return domain.Result{}, nil
	}

	id := sub.ID
	end := sub.CurrentPeriodEnd
	return domain.Result{
		Entitled:       sub.Status.Entitling() && !now.After(end),
		Status:         sub.Status,
		SubscriptionID: &id,
		PeriodEnd:      &end,
	}, nil
}
