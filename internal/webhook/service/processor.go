package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/apperr"
	"github.com/smallbiznis/patronage/internal/clock"
	"github.com/smallbiznis/patronage/internal/config"
	"github.com/smallbiznis/patronage/internal/events"
	gatewaydomain "github.com/smallbiznis/patronage/internal/gateway/domain"
	ledgerdomain "github.com/smallbiznis/patronage/internal/ledger/domain"
	obslogger "github.com/smallbiznis/patronage/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/patronage/internal/observability/metrics"
	"github.com/smallbiznis/patronage/internal/observability/tracing"
	subscriptiondomain "github.com/smallbiznis/patronage/internal/subscription/domain"
	userdomain "github.com/smallbiznis/patronage/internal/user/domain"
	"github.com/smallbiznis/patronage/internal/webhook/dedupe"
	"github.com/smallbiznis/patronage/internal/webhook/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/smallbiznis/patronage/internal/webhook")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Policy        *config.BillingPolicyHolder
	Repo          domain.Repository
	Gateway       gatewaydomain.PaymentGateway
	Subscriptions subscriptiondomain.Repository
	Sync          subscriptiondomain.StateSync
	Ledger        ledgerdomain.Service
	Users         userdomain.Repository
	Guard         dedupe.Guard        `optional:"true"`
	Publisher     events.Publisher    `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

// Processor turns authenticated processor deliveries into local state.
type Processor struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	policy        *config.BillingPolicyHolder
	repo          domain.Repository
	gateway       gatewaydomain.PaymentGateway
	subscriptions subscriptiondomain.Repository
	sync          subscriptiondomain.StateSync
	ledger        ledgerdomain.Service
	users         userdomain.Repository
	guard         dedupe.Guard
	publisher     events.Publisher
	obsMetrics    *obsmetrics.Metrics
}

func New(p Params) *Processor {
	guard := p.Guard
	if guard == nil {
		guard = dedupe.New(nil, p.Log)
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NewNop()
	}
	return &Processor{
		db:            p.DB,
		log:           p.Log.Named("webhook.processor"),
		genID:         p.GenID,
		clock:         p.Clock,
		policy:        p.Policy,
		repo:          p.Repo,
		gateway:       p.Gateway,
		subscriptions: p.Subscriptions,
		sync:          p.Sync,
		ledger:        p.Ledger,
		users:         p.Users,
		guard:         guard,
		publisher:     publisher,
		obsMetrics:    p.ObsMetrics,
	}
}

func ProvideService(p *Processor) domain.Service { return p }

func ProvideReplayer(p *Processor) subscriptiondomain.DeferredReplayer { return p }

func (p *Processor) Ingest(ctx context.Context, payload []byte, headers http.Header) (err error) {
	ctx, span := tracer.Start(ctx, "webhook.ingest")
	defer func() {
		if err != nil {
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, tracing.SafeError(err).Error())
		}
		span.End()
	}()

	if len(payload) == 0 {
		return domain.ErrEmptyPayload
	}

	ev, err := p.gateway.ParseWebhook(ctx, payload, headers)
	if err != nil {
		p.obsMetrics.RecordWebhookEvent(ctx, "unknown", domain.OutcomeRejected)
		p.log.Warn("webhook rejected", zap.String("reason", apperr.CodeOf(err)), zap.Error(err))
		return err
	}

	env := ev.Envelope()
	kind := gatewaydomain.KindOf(ev)
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("webhook.event_type", env.Type),
		attribute.String("webhook.kind", kind),
	)...)
	if strings.TrimSpace(env.ID) == "" {
		return domain.ErrInvalidEvent
	}
	log := obslogger.WithExternalIDs(p.log, "external_event_id", env.ID).With(zap.String("event_type", env.Type))

	if p.guard.Seen(ctx, env.ID) {
		p.obsMetrics.RecordWebhookEvent(ctx, env.Type, domain.OutcomeDuplicate)
		log.Debug("duplicate webhook skipped by fast path")
		return nil
	}

	hash := payloadHash(payload)
	record := domain.EventRecord{
		ID:              p.genID.Generate(),
		ExternalEventID: env.ID,
		EventType:       env.Type,
		Kind:            kind,
		PayloadHash:     hash,
		ReceivedAt:      p.clock.Now(),
	}
	inserted, err := p.repo.InsertEvent(ctx, p.db, &record)
	if err != nil {
		log.Error("record webhook event failed", zap.Error(err))
		return err
	}
	if !inserted {
		stored, err := p.repo.FindEvent(ctx, p.db, env.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("webhook event %s purged during delivery", env.ID)
		}
		if stored.ProcessedAt != nil {
			if stored.PayloadHash != hash {
				log.Warn("redelivered event payload differs from processed payload")
			}
			p.guard.Remember(ctx, env.ID, p.policy.Get().DedupeWindow)
			p.obsMetrics.RecordWebhookEvent(ctx, env.Type, domain.OutcomeDuplicate)
			log.Debug("duplicate webhook acknowledged")
			return nil
		}
		// Earlier attempt failed before it was marked processed.
		record = *stored
	}

	outcome, err := p.apply(ctx, ev, false, func(tx *gorm.DB) error {
		return p.repo.MarkProcessed(ctx, tx, record.ID, p.clock.Now())
	})
	if err != nil {
		p.obsMetrics.RecordWebhookEvent(ctx, env.Type, domain.OutcomeFailed)
		log.Error("webhook processing failed", zap.String("kind", kind), zap.Error(err))
		return err
	}

	p.guard.Remember(ctx, env.ID, p.policy.Get().DedupeWindow)
	p.obsMetrics.RecordWebhookEvent(ctx, env.Type, outcome)
	log.Info("webhook processed", zap.String("kind", kind), zap.String("outcome", outcome))
	return nil
}

// apply dispatches ev inside one transaction. finish runs in the same
// transaction; post-commit effects run only after a successful commit.
func (p *Processor) apply(ctx context.Context, ev gatewaydomain.Event, replaying bool, finish func(tx *gorm.DB) error) (string, error) {
	a := &applier{p: p, replaying: replaying}
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a.reset(tx)
		if err := ev.Accept(ctx, a); err != nil {
			return err
		}
		if finish != nil {
			return finish(tx)
		}
		return nil
	})
	if err != nil {
		return domain.OutcomeFailed, err
	}
	for _, fn := range a.after {
		fn(ctx)
	}
	return a.outcome, nil
}

func (p *Processor) PurgeExpired(ctx context.Context) (int64, error) {
	window := p.policy.Get().DedupeWindow
	if window <= 0 {
		return 0, nil
	}
	before := p.clock.Now().Add(-window)
	var total int64
	for {
		n, err := p.repo.PurgeProcessed(ctx, p.db, before, purgeBatch)
		if err != nil {
			return total, err
		}
		total += n
		if n < purgeBatch {
			break
		}
	}
	if total > 0 {
		p.log.Info("purged expired webhook events", zap.Int64("count", total))
	}
	return total, nil
}

const purgeBatch = 500

func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

var errStillDeferred = errors.New("deferred event prerequisites still missing")
