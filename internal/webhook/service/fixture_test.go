package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/patronage/internal/catalog/domain"
	catalogrepository "github.com/smallbiznis/patronage/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/patronage/internal/catalog/service"
	"github.com/smallbiznis/patronage/internal/clock"
	"github.com/smallbiznis/patronage/internal/config"
	customerservice "github.com/smallbiznis/patronage/internal/customer/service"
	"github.com/smallbiznis/patronage/internal/events"
	"github.com/smallbiznis/patronage/internal/gateway/fake"
	ledgerservice "github.com/smallbiznis/patronage/internal/ledger/service"
	subscriptiondomain "github.com/smallbiznis/patronage/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/patronage/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/patronage/internal/subscription/service"
	"github.com/smallbiznis/patronage/internal/testkit"
	userrepository "github.com/smallbiznis/patronage/internal/user/repository"
	"github.com/smallbiznis/patronage/internal/webhook/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db            *gorm.DB
	node          *snowflake.Node
	clock         *clock.FakeClock
	gateway       *fake.Gateway
	published     *events.Recorder
	processor     *Processor
	subscriptions subscriptiondomain.Service
	creator       snowflake.ID
	subscriber    snowflake.ID
}

func newFixture(t *testing.T, mutate func(*config.BillingPolicy)) fixture {
	t.Helper()
	db := testkit.OpenDB(t)
	node := testkit.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	gw := fake.NewGateway(clk, "")
	log := zap.NewNop()
	published := events.NewRecorder()
	cfg := config.Config{DefaultCurrency: "USD"}

	policy := config.DefaultBillingPolicy()
	if mutate != nil {
		mutate(&policy)
	}
	policyHolder := config.NewStaticBillingPolicy(policy)

	users := userrepository.Provide()
	subRepo := subscriptionrepository.Provide()
	sync := subscriptionservice.NewSync(subscriptionservice.SyncParams{
		Log: log, GenID: node, Clock: clk, Repo: subRepo, Users: users,
	})
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg, Policy: policyHolder, Users: users,
	})
	processor := New(Params{
		DB:            db,
		Log:           log,
		GenID:         node,
		Clock:         clk,
		Policy:        policyHolder,
		Repo:          repository.Provide(),
		Gateway:       gw,
		Subscriptions: subRepo,
		Sync:          subscriptionservice.ProvideStateSync(sync),
		Ledger:        ledger,
		Users:         users,
		Publisher:     published,
	})

	catalog := catalogservice.New(catalogservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Config: cfg,
		Repo: catalogrepository.Provide(), Users: users, Gateway: gw,
	})
	subscriptions := subscriptionservice.New(subscriptionservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Repo:      subRepo,
		Users:     users,
		Sync:      sync,
		Customers: customerservice.New(customerservice.Params{DB: db, Log: log, Users: users, Gateway: gw}),
		Catalog:   catalog,
		Gateway:   gw,
		Publisher: published,
		Replayer:  ProvideReplayer(processor),
	})

	creator := testkit.SeedUser(t, db, node, "creator")
	subscriber := testkit.SeedUser(t, db, node, "fan")
	if _, err := catalog.SetTier(context.Background(), catalogdomain.SetTierRequest{
		CreatorID: creator.ID,
		Interval:  catalogdomain.IntervalMonth,
		Amount:    decimal.NewFromInt(5),
	}); err != nil {
		t.Fatalf("set tier: %v", err)
	}

	return fixture{
		db:            db,
		node:          node,
		clock:         clk,
		gateway:       gw,
		published:     published,
		processor:     processor,
		subscriptions: subscriptions,
		creator:       creator.ID,
		subscriber:    subscriber.ID,
	}
}

func (f fixture) deliver(t *testing.T, d fake.Delivery) {
	t.Helper()
	if err := f.processor.Ingest(context.Background(), d.Payload, d.Header); err != nil {
		t.Fatalf("ingest %s (%s): %v", d.Type, d.EventID, err)
	}
}

func (f fixture) subscribe(t *testing.T) subscriptiondomain.Subscription {
	t.Helper()
	res, err := f.subscriptions.Subscribe(context.Background(), subscriptiondomain.SubscribeRequest{
		SubscriberID: f.subscriber,
		CreatorID:    f.creator,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return res.Subscription
}

func (f fixture) load(t *testing.T, id snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.subscriptions.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	return sub
}

func (f fixture) count(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	return testkit.Count(t, f.db, query, args...)
}
