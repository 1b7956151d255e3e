package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/patronage/internal/catalog/domain"
	"github.com/smallbiznis/patronage/internal/clock"
	"github.com/smallbiznis/patronage/internal/config"
	gatewaydomain "github.com/smallbiznis/patronage/internal/gateway/domain"
	"github.com/smallbiznis/patronage/internal/money"
	userdomain "github.com/smallbiznis/patronage/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Config  config.Config
	Repo    domain.Repository
	Users   userdomain.Repository
	Gateway gatewaydomain.PaymentGateway
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	currency string
	repo     domain.Repository
	users    userdomain.Repository
	gateway  gatewaydomain.PaymentGateway
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("catalog.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		currency: money.NormalizeCurrency(p.Config.DefaultCurrency),
		repo:     p.Repo,
		users:    p.Users,
		gateway:  p.Gateway,
	}
}

func (s *Service) SetTier(ctx context.Context, req domain.SetTierRequest) (domain.Tier, error) {
	if !req.Interval.Valid() {
		return domain.Tier{}, domain.ErrInvalidInterval
	}
	currency := money.NormalizeCurrency(req.Currency)
	if currency == "" {
		currency = s.currency
	}
	if !money.ValidCurrency(currency) {
		return domain.Tier{}, domain.ErrInvalidCurrency
	}
	if !req.Amount.IsPositive() || money.ToMinor(req.Amount, currency) <= 0 {
		return domain.Tier{}, domain.ErrInvalidAmount
	}
	if err := s.requireCreator(ctx, req.CreatorID); err != nil {
		return domain.Tier{}, err
	}

	now := s.clock.Now()
	tier := domain.Tier{
		ID:        s.genID.Generate(),
		CreatorID: req.CreatorID,
		Interval:  req.Interval,
		Amount:    req.Amount.Round(money.Exponent(currency)),
		Currency:  currency,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.UpsertTier(ctx, s.db, &tier); err != nil {
		return domain.Tier{}, err
	}
	stored, err := s.repo.FindTier(ctx, s.db, req.CreatorID, req.Interval)
	if err != nil {
		return domain.Tier{}, err
	}
	if stored == nil {
		return domain.Tier{}, domain.ErrTierNotFound
	}

	s.log.Info("tier set",
		zap.String("creator_id", req.CreatorID.String()),
		zap.String("interval", string(req.Interval)),
		zap.String("amount", tier.Amount.String()),
		zap.String("currency", currency),
	)
	return *stored, nil
}

func (s *Service) ListTiers(ctx context.Context, creatorID snowflake.ID) ([]domain.Tier, error) {
	if err := s.requireCreator(ctx, creatorID); err != nil {
		return nil, err
	}
	return s.repo.ListTiers(ctx, s.db, creatorID)
}

func (s *Service) DisableTier(ctx context.Context, creatorID snowflake.ID, interval domain.Interval) error {
	if !interval.Valid() {
		return domain.ErrInvalidInterval
	}
	ok, err := s.repo.SetTierActive(ctx, s.db, creatorID, interval, false)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrTierNotFound
	}
	return nil
}

func (s *Service) EnsurePrice(ctx context.Context, creatorID snowflake.ID, interval domain.Interval) (domain.Price, error) {
	if !interval.Valid() {
		return domain.Price{}, domain.ErrInvalidInterval
	}
	tier, err := s.repo.FindTier(ctx, s.db, creatorID, interval)
	if err != nil {
		return domain.Price{}, err
	}
	if tier == nil || !tier.Active {
		return domain.Price{}, domain.ErrTierNotFound
	}

	amountMinor := money.ToMinor(tier.Amount, tier.Currency)
	cached, err := s.repo.FindPrice(ctx, s.db, creatorID, interval, amountMinor, tier.Currency)
	if err != nil {
		return domain.Price{}, err
	}
	if cached != nil {
		return *cached, nil
	}

	productID, err := s.ensureProduct(ctx, creatorID)
	if err != nil {
		return domain.Price{}, err
	}

	remote, err := s.gateway.CreatePrice(ctx, gatewaydomain.CreatePriceInput{
		ProductID:      productID,
		AmountMinor:    amountMinor,
		Currency:       tier.Currency,
		Interval:       string(interval),
		IdempotencyKey: fmt.Sprintf("price:%s:%s:%d:%s", creatorID, interval, amountMinor, tier.Currency),
	})
	if err != nil {
		s.log.Error("create price failed",
			zap.String("creator_id", creatorID.String()),
			zap.String("product_id", productID),
			zap.Error(err),
		)
		return domain.Price{}, fmt.Errorf("create price: %w", err)
	}

	price := domain.Price{
		ID:               s.genID.Generate(),
		CreatorID:        creatorID,
		Interval:         interval,
		AmountMinor:      amountMinor,
		Currency:         tier.Currency,
		ProductID:        productID,
		ProcessorPriceID: remote.ID,
		CreatedAt:        s.clock.Now(),
	}
	inserted, err := s.repo.InsertPrice(ctx, s.db, &price)
	if err != nil {
		return domain.Price{}, err
	}
	if !inserted {
		// A concurrent caller cached the same key first. The idempotency key
		// made both callers receive the same remote price.
		existing, err := s.repo.FindPrice(ctx, s.db, creatorID, interval, amountMinor, tier.Currency)
		if err != nil {
			return domain.Price{}, err
		}
		if existing != nil {
			return *existing, nil
		}
	}

	s.log.Info("price created",
		zap.String("creator_id", creatorID.String()),
		zap.String("processor_price_id", remote.ID),
		zap.Int64("amount_minor", amountMinor),
	)
	return price, nil
}

func (s *Service) ensureProduct(ctx context.Context, creatorID snowflake.ID) (string, error) {
	creator, err := s.users.FindByID(ctx, s.db, creatorID)
	if err != nil {
		return "", err
	}
	if creator == nil {
		return "", domain.ErrCreatorNotFound
	}
	if creator.BillingProductID != nil && strings.TrimSpace(*creator.BillingProductID) != "" {
		return *creator.BillingProductID, nil
	}

	product, err := s.gateway.CreateProduct(ctx, gatewaydomain.CreateProductInput{
		Name:                fmt.Sprintf("%s subscription", creator.Username),
		StatementDescriptor: statementDescriptor(creator.Username),
		Metadata: map[string]string{
			gatewaydomain.MetaCreatorID: creatorID.String(),
			gatewaydomain.MetaUsername:  creator.Username,
		},
		IdempotencyKey: fmt.Sprintf("product:%s", creatorID),
	})
	if err != nil {
		s.log.Error("create product failed", zap.String("creator_id", creatorID.String()), zap.Error(err))
		return "", fmt.Errorf("create product: %w", err)
	}

	swapped, err := s.users.CompareAndSetBillingProductID(ctx, s.db, creatorID, product.ID)
	if err != nil {
		return "", err
	}
	if swapped {
		return product.ID, nil
	}
	reloaded, err := s.users.FindByID(ctx, s.db, creatorID)
	if err != nil {
		return "", err
	}
	if reloaded == nil || reloaded.BillingProductID == nil {
		return "", domain.ErrCreatorNotFound
	}
	return *reloaded.BillingProductID, nil
}

func (s *Service) requireCreator(ctx context.Context, creatorID snowflake.ID) error {
	if creatorID == 0 {
		return domain.ErrCreatorNotFound
	}
	creator, err := s.users.FindByID(ctx, s.db, creatorID)
	if err != nil {
		return err
	}
	if creator == nil {
		return domain.ErrCreatorNotFound
	}
	return nil
}

const maxStatementDescriptor = 22

// statementDescriptor derives a card statement label from the creator's
// username, within the processor's 22 character limit.
func statementDescriptor(username string) string {
	label := strings.ToUpper(strings.ReplaceAll(slug.Make("patronage "+username), "-", " "))
	if len(label) > maxStatementDescriptor {
		label = label[:maxStatementDescriptor]
	}
	return strings.TrimSpace(label)
}
