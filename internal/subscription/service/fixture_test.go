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
	"github.com/smallbiznis/patronage/internal/subscription/domain"
	"github.com/smallbiznis/patronage/internal/subscription/repository"
	"github.com/smallbiznis/patronage/internal/testkit"
	userrepository "github.com/smallbiznis/patronage/internal/user/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db         *gorm.DB
	node       *snowflake.Node
	clock      *clock.FakeClock
	gateway    *fake.Gateway
	published  *events.Recorder
	sync       *Sync
	svc        domain.Service
	creator    snowflake.ID
	subscriber snowflake.ID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testkit.OpenDB(t)
	node := testkit.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	gw := fake.NewGateway(clk, "")
	users := userrepository.Provide()
	repo := repository.Provide()
	log := zap.NewNop()
	published := events.NewRecorder()

	catalog := catalogservice.New(catalogservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   clk,
		Config:  config.Config{DefaultCurrency: "USD"},
		Repo:    catalogrepository.Provide(),
		Users:   users,
		Gateway: gw,
	})
	customers := customerservice.New(customerservice.Params{DB: db, Log: log, Users: users, Gateway: gw})
	sync := NewSync(SyncParams{Log: log, GenID: node, Clock: clk, Repo: repo, Users: users})
	svc := New(Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Repo:      repo,
		Users:     users,
		Sync:      sync,
		Customers: customers,
		Catalog:   catalog,
		Gateway:   gw,
		Publisher: published,
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
		db:         db,
		node:       node,
		clock:      clk,
		gateway:    gw,
		published:  published,
		sync:       sync,
		svc:        svc,
		creator:    creator.ID,
		subscriber: subscriber.ID,
	}
}

func (f fixture) subscribe(t *testing.T) domain.Subscription {
	t.Helper()
	res, err := f.svc.Subscribe(context.Background(), domain.SubscribeRequest{
		SubscriberID: f.subscriber,
		CreatorID:    f.creator,
		Interval:     "month",
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return res.Subscription
}

func (f fixture) subscriberCount(t *testing.T) int64 {
	t.Helper()
	return testkit.LoadUser(t, f.db, f.creator).SubscriberCount
}
