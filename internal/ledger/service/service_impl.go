package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/clock"
	"github.com/smallbiznis/patronage/internal/config"
	ledgerdomain "github.com/smallbiznis/patronage/internal/ledger/domain"
	"github.com/smallbiznis/patronage/internal/money"
	obsmetrics "github.com/smallbiznis/patronage/internal/observability/metrics"
	userdomain "github.com/smallbiznis/patronage/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const recomputePageSize = 200

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Policy     *config.BillingPolicyHolder
	Users      userdomain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	currency   string
	policy     *config.BillingPolicyHolder
	users      userdomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		currency:   money.NormalizeCurrency(p.Config.DefaultCurrency),
		policy:     p.Policy,
		users:      p.Users,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Append(ctx context.Context, tx *gorm.DB, entry ledgerdomain.Entry) (bool, error) {
	if entry.CreatorID == 0 {
		return false, ledgerdomain.ErrInvalidCreator
	}
	entry.ExternalPaymentID = strings.TrimSpace(entry.ExternalPaymentID)
	if entry.ExternalPaymentID == "" {
		return false, ledgerdomain.ErrInvalidReference
	}
	if !entry.Kind.Valid() {
		return false, ledgerdomain.ErrInvalidKind
	}
	entry.Currency = money.NormalizeCurrency(entry.Currency)
	if !money.ValidCurrency(entry.Currency) {
		return false, ledgerdomain.ErrInvalidCurrency
	}

	now := s.clock.Now()
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = now
	}
	entry.OccurredAt = entry.OccurredAt.UTC()
	entry.ID = s.genID.Generate()
	entry.PeriodMonth = userdomain.MonthKey(entry.OccurredAt)
	entry.FeeAmount = money.FeeFor(entry.Amount, s.policy.Get().PlatformFeeBps)
	entry.CreatedAt = now

	if tx == nil {
		applied := false
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			applied, err = s.append(ctx, tx, entry, now)
			return err
		})
		return applied, err
	}
	return s.append(ctx, tx, entry, now)
}

func (s *Service) append(ctx context.Context, tx *gorm.DB, entry ledgerdomain.Entry, now time.Time) (bool, error) {
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "creator_id"}, {Name: "external_payment_id"}},
			DoNothing: true,
		}).
		Create(&entry)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Debug("ledger entry already recorded",
			zap.String("creator_id", entry.CreatorID.String()),
			zap.String("external_payment_id", entry.ExternalPaymentID),
		)
		return false, nil
	}

	if entry.Currency != s.currency {
		// Counters are kept in the platform currency only.
		s.log.Warn("ledger entry outside platform currency excluded from counters",
			zap.String("creator_id", entry.CreatorID.String()),
			zap.String("currency", entry.Currency),
		)
	} else {
		month := userdomain.MonthKey(now)
		delta := userdomain.EarningsDelta{Net: entry.Net(), CurrentMonth: month}
		if entry.PeriodMonth == month {
			delta.MonthNet = entry.Net()
		}
		if err := s.users.ApplyEarnings(ctx, tx, entry.CreatorID, delta); err != nil {
			return false, err
		}
	}

	s.obsMetrics.RecordLedgerEntry(ctx, string(entry.Kind))
	s.log.Info("ledger entry applied",
		zap.String("creator_id", entry.CreatorID.String()),
		zap.String("external_payment_id", entry.ExternalPaymentID),
		zap.String("kind", string(entry.Kind)),
		zap.Int64("amount", entry.Amount),
	)
	return true, nil
}

func (s *Service) FindPayment(ctx context.Context, tx *gorm.DB, refs ...string) (*ledgerdomain.Entry, error) {
	if tx == nil {
		tx = s.db
	}
	clean := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref = strings.TrimSpace(ref); ref != "" {
			clean = append(clean, ref)
		}
	}
	if len(clean) == 0 {
		return nil, nil
	}

	var entry ledgerdomain.Entry
	err := tx.WithContext(ctx).Raw(
		`SELECT id, creator_id, external_payment_id, subscription_id, payer_id, original_payment_id, kind,
			amount, fee_amount, currency, period_month, occurred_at, created_at
		 FROM ledger_entries
		 WHERE external_payment_id IN ? AND kind IN ?
		 ORDER BY id ASC LIMIT 1`,
		clean,
		[]string{string(ledgerdomain.EntryKindPayment), string(ledgerdomain.EntryKindPayPerView)},
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

type totals struct {
	Gross   int64
	Fees    int64
	Entries int64
}

func (s *Service) Summary(ctx context.Context, creatorID snowflake.ID, period string) (ledgerdomain.Summary, error) {
	if creatorID == 0 {
		return ledgerdomain.Summary{}, ledgerdomain.ErrInvalidCreator
	}
	month, label, err := s.resolvePeriod(period)
	if err != nil {
		return ledgerdomain.Summary{}, err
	}

	creator, err := s.users.FindByID(ctx, s.db, creatorID)
	if err != nil {
		return ledgerdomain.Summary{}, err
	}
	if creator == nil {
		return ledgerdomain.Summary{}, ledgerdomain.ErrCreatorNotFound
	}

	stmt := s.db.WithContext(ctx).
		Model(&ledgerdomain.Entry{}).
		Select("COALESCE(SUM(amount), 0) AS gross, COALESCE(SUM(fee_amount), 0) AS fees, COUNT(*) AS entries").
		Where("creator_id = ? AND currency = ?", creatorID, s.currency)
	if month != "" {
		stmt = stmt.Where("period_month = ?", month)
	}
	var t totals
	if err := stmt.Scan(&t).Error; err != nil {
		return ledgerdomain.Summary{}, err
	}

	return ledgerdomain.Summary{
		CreatorID: creatorID,
		Period:    label,
		Currency:  s.currency,
		Gross:     money.FromMinor(t.Gross, s.currency),
		Fees:      money.FromMinor(t.Fees, s.currency),
		Net:       money.FromMinor(t.Gross-t.Fees, s.currency),
		Entries:   t.Entries,
	}, nil
}

// resolvePeriod accepts "all", "month" (the current month) or "YYYY-MM".
func (s *Service) resolvePeriod(period string) (month, label string, err error) {
	period = strings.ToLower(strings.TrimSpace(period))
	switch period {
	case "", ledgerdomain.PeriodAll:
		return "", ledgerdomain.PeriodAll, nil
	case ledgerdomain.PeriodMonth:
		m := userdomain.MonthKey(s.clock.Now())
		return m, m, nil
	}
	if _, perr := time.Parse("2006-01", period); perr != nil {
		return "", "", ledgerdomain.ErrInvalidPeriod
	}
	return period, period, nil
}

func (s *Service) Recompute(ctx context.Context, creatorID snowflake.ID) (ledgerdomain.RecomputeResult, error) {
	if creatorID == 0 {
		return ledgerdomain.RecomputeResult{}, ledgerdomain.ErrInvalidCreator
	}

	var result ledgerdomain.RecomputeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		creator, err := s.users.FindByID(ctx, tx, creatorID)
		if err != nil {
			return err
		}
		if creator == nil {
			return ledgerdomain.ErrCreatorNotFound
		}

		month := userdomain.MonthKey(s.clock.Now())
		var sums struct {
			Total     int64
			ThisMonth int64
		}
		err = tx.WithContext(ctx).Raw(
			`SELECT COALESCE(SUM(amount - fee_amount), 0) AS total,
				COALESCE(SUM(CASE WHEN period_month = ? THEN amount - fee_amount ELSE 0 END), 0) AS this_month
			 FROM ledger_entries WHERE creator_id = ? AND currency = ?`,
			month, creatorID, s.currency,
		).Scan(&sums).Error
		if err != nil {
			return err
		}

		result = ledgerdomain.RecomputeResult{
			CreatorID:     creatorID,
			Total:         sums.Total,
			ThisMonth:     sums.ThisMonth,
			Month:         month,
			PreviousTotal: creator.EarningsTotal,
			PreviousMonth: creator.MonthEarnings(month),
		}
		result.Drifted = result.Total != result.PreviousTotal || result.ThisMonth != result.PreviousMonth
		if !result.Drifted && creator.EarningsMonth == month {
			return nil
		}
		return s.users.SetEarnings(ctx, tx, creatorID, userdomain.Earnings{
			Total:     sums.Total,
			ThisMonth: sums.ThisMonth,
			Month:     month,
		})
	})
	if err != nil {
		return ledgerdomain.RecomputeResult{}, err
	}
	if result.Drifted {
		s.log.Warn("earnings counters drifted from ledger",
			zap.String("creator_id", creatorID.String()),
			zap.Int64("previous_total", result.PreviousTotal),
			zap.Int64("total", result.Total),
		)
	}
	return result, nil
}

func (s *Service) RecomputeAll(ctx context.Context) (ledgerdomain.RecomputeReport, error) {
	var (
		report ledgerdomain.RecomputeReport
		after  snowflake.ID
	)
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ids, err := s.users.ListIDs(ctx, s.db, after, recomputePageSize)
		if err != nil {
			return report, err
		}
		for _, id := range ids {
			res, err := s.Recompute(ctx, id)
			if err != nil {
				if errors.Is(err, ledgerdomain.ErrCreatorNotFound) {
					continue
				}
				return report, err
			}
			report.Checked++
			if res.Drifted {
				report.Drifted++
			}
		}
		if len(ids) < recomputePageSize {
			return report, nil
		}
		after = ids[len(ids)-1]
	}
}
