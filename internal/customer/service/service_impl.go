package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/customer/domain"
	gatewaydomain "github.com/smallbiznis/patronage/internal/gateway/domain"
	obslogger "github.com/smallbiznis/patronage/internal/observability/logger"
	userdomain "github.com/smallbiznis/patronage/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Users   userdomain.Repository
	Gateway gatewaydomain.PaymentGateway
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	users   userdomain.Repository
	gateway gatewaydomain.PaymentGateway
}

func New(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("customer.service"),
		users:   p.Users,
		gateway: p.Gateway,
	}
}

func (s *Service) EnsureBillingIdentity(ctx context.Context, userID snowflake.ID) (string, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return "", err
	}

	previous := user.BillingCustomerID
	if previous != nil && *previous != "" {
		remote, err := s.gateway.GetCustomer(ctx, *previous)
		switch {
		case err == nil && !remote.Deleted:
			return *previous, nil
		case err == nil, errors.Is(err, gatewaydomain.ErrNotFound):
			s.log.Warn("billing customer missing on processor, recreating",
				zap.String("user_id", userID.String()),
				zap.String("billing_customer_id", *previous),
			)
		default:
			obslogger.WithExternalIDs(s.log, "billing_customer_id", *previous).
				Error("fetch billing customer failed", zap.String("user_id", userID.String()), zap.Error(err))
			return "", fmt.Errorf("get customer: %w", err)
		}
	}

	// The key is scoped to the reference being replaced so concurrent or
	// retried callers converge on one remote customer.
	prevKey := "none"
	if previous != nil && *previous != "" {
		prevKey = *previous
	}
	created, err := s.gateway.CreateCustomer(ctx, gatewaydomain.CreateCustomerInput{
		Email: user.Email,
		Name:  user.Username,
		Metadata: map[string]string{
			gatewaydomain.MetaPlatformUserID: userID.String(),
			gatewaydomain.MetaUsername:       user.Username,
		},
		IdempotencyKey: fmt.Sprintf("customer:%s:%s", userID, prevKey),
	})
	if err != nil {
		s.log.Error("create billing customer failed", zap.String("user_id", userID.String()), zap.Error(err))
		return "", fmt.Errorf("create customer: %w", err)
	}

	swapped, err := s.users.CompareAndSetBillingCustomerID(ctx, s.db, userID, previous, created.ID)
	if err != nil {
		return "", err
	}
	if !swapped {
		reloaded, err := s.loadUser(ctx, userID)
		if err != nil {
			return "", err
		}
		if reloaded.BillingCustomerID != nil && *reloaded.BillingCustomerID != "" {
			if *reloaded.BillingCustomerID != created.ID {
				s.log.Warn("lost billing customer race, discarding remote customer",
					zap.String("user_id", userID.String()),
					zap.String("billing_customer_id", created.ID),
					zap.String("winner_billing_customer_id", *reloaded.BillingCustomerID),
				)
			}
			return *reloaded.BillingCustomerID, nil
		}
		return "", fmt.Errorf("persist billing customer %s: concurrent reset", created.ID)
	}

	s.log.Info("billing customer created",
		zap.String("user_id", userID.String()),
		zap.String("billing_customer_id", created.ID),
	)
	return created.ID, nil
}

func (s *Service) ListPaymentMethods(ctx context.Context, userID snowflake.ID) ([]gatewaydomain.PaymentMethod, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.BillingCustomerID == nil || *user.BillingCustomerID == "" {
		return []gatewaydomain.PaymentMethod{}, nil
	}
	methods, err := s.gateway.ListPaymentMethods(ctx, *user.BillingCustomerID)
	if err != nil {
		if errors.Is(err, gatewaydomain.ErrNotFound) {
			return []gatewaydomain.PaymentMethod{}, nil
		}
		return nil, fmt.Errorf("list payment methods: %w", err)
	}
	if methods == nil {
		methods = []gatewaydomain.PaymentMethod{}
	}
	return methods, nil
}

func (s *Service) loadUser(ctx context.Context, userID snowflake.ID) (*userdomain.User, error) {
	if userID == 0 {
		return nil, domain.ErrUserNotFound
	}
	user, err := s.users.FindByID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, domain.ErrUserNotFound
	}
	return user, nil
}
