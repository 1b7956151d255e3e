package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/patronage/internal/config"
	customerdomain "github.com/smallbiznis/patronage/internal/customer/domain"
	gatewaydomain "github.com/smallbiznis/patronage/internal/gateway/domain"
	"github.com/smallbiznis/patronage/internal/money"
	"github.com/smallbiznis/patronage/internal/payment/domain"
	userdomain "github.com/smallbiznis/patronage/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxContentRef = 255

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Config    config.Config
	Users     userdomain.Repository
	Customers customerdomain.Service
	Gateway   gatewaydomain.PaymentGateway
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	currency  string
	users     userdomain.Repository
	customers customerdomain.Service
	gateway   gatewaydomain.PaymentGateway
}

func New(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("payment.service"),
		currency:  money.NormalizeCurrency(p.Config.DefaultCurrency),
		users:     p.Users,
		customers: p.Customers,
		gateway:   p.Gateway,
	}
}

func (s *Service) CreatePayPerViewIntent(ctx context.Context, req domain.PayPerViewRequest) (domain.Intent, error) {
	if req.BuyerID == 0 {
		return domain.Intent{}, domain.ErrInvalidBuyer
	}
	if req.BuyerID == req.CreatorID {
		return domain.Intent{}, domain.ErrSelfPurchase
	}
	currency := money.NormalizeCurrency(req.Currency)
	if currency == "" {
		currency = s.currency
	}
	if !money.ValidCurrency(currency) {
		return domain.Intent{}, domain.ErrInvalidCurrency
	}
	amountMinor := money.ToMinor(req.Amount, currency)
	if !req.Amount.IsPositive() || amountMinor <= 0 {
		return domain.Intent{}, domain.ErrInvalidAmount
	}
	contentRef := strings.TrimSpace(req.ContentRef)
	if len(contentRef) > maxContentRef {
		return domain.Intent{}, domain.ErrContentRefLong
	}

	creator, err := s.users.FindByID(ctx, s.db, req.CreatorID)
	if err != nil {
		return domain.Intent{}, err
	}
	if creator == nil {
		return domain.Intent{}, domain.ErrCreatorNotFound
	}

	customerID, err := s.customers.EnsureBillingIdentity(ctx, req.BuyerID)
	if err != nil {
		return domain.Intent{}, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = intentKey(req.BuyerID, req.CreatorID, contentRef, amountMinor, currency)
	}

	metadata := map[string]string{
		gatewaydomain.MetaPurpose:   gatewaydomain.PurposePayPerView,
		gatewaydomain.MetaCreatorID: req.CreatorID.String(),
		gatewaydomain.MetaBuyerID:   req.BuyerID.String(),
	}
	if contentRef != "" {
		metadata[gatewaydomain.MetaContentRef] = contentRef
	}

	pi, err := s.gateway.CreatePaymentIntent(ctx, gatewaydomain.CreatePaymentIntentInput{
		CustomerID:     customerID,
		AmountMinor:    amountMinor,
		Currency:       currency,
		Metadata:       metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		s.log.Warn("create pay-per-view intent failed",
			zap.String("buyer_id", req.BuyerID.String()),
			zap.String("creator_id", req.CreatorID.String()),
			zap.Error(err),
		)
		return domain.Intent{}, err
	}

	s.log.Info("pay-per-view intent created",
		zap.String("buyer_id", req.BuyerID.String()),
		zap.String("creator_id", req.CreatorID.String()),
		zap.String("payment_intent_id", pi.ID),
		zap.Int64("amount_minor", amountMinor),
	)
	return domain.Intent{
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
		Amount:          money.FromMinor(pi.AmountMinor, currency),
		Currency:        currency,
	}, nil
}

// intentKey collapses retries of the same purchase onto one intent. Without
// a content reference there is nothing to collapse on.
func intentKey(buyerID, creatorID snowflake.ID, contentRef string, amountMinor int64, currency string) string {
	if contentRef == "" {
		return "ppv:" + uuid.NewString()
	}
	return fmt.Sprintf("ppv:%s:%s:%s:%d:%s", buyerID, creatorID, contentRef, amountMinor, currency)
}
