package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/patronage/internal/entitlement/domain"
	subscriptiondomain "github.com/smallbiznis/patronage/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/patronage/internal/subscription/repository"
	"github.com/smallbiznis/patronage/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var periodEnd = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db         *gorm.DB
	node       *snowflake.Node
	svc        domain.Service
	subscriber snowflake.ID
	creator    snowflake.ID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testkit.OpenDB(t)
	node := testkit.NewNode(t)
	repo := subscriptionrepository.Provide()
	return fixture{
		db:         db,
		node:       node,
		svc:        New(Params{DB: db, Log: zap.NewNop(), Subscriptions: repo}),
		subscriber: testkit.SeedUser(t, db, node, "fan").ID,
		creator:    testkit.SeedUser(t, db, node, "creator").ID,
	}
}

func (f fixture) seed(t *testing.T, status subscriptiondomain.Status) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	start := periodEnd.AddDate(0, -1, 0)
	_, err := subscriptionrepository.Provide().Insert(context.Background(), f.db, &subscriptiondomain.Subscription{
		ID:                      id,
		SubscriberID:            f.subscriber,
		CreatorID:               f.creator,
		Status:                  status,
		ProcessorSubscriptionID: "sub_" + id.String(),
		ProcessorCustomerID:     "cus_1",
		ProcessorPriceID:        "price_1",
		Interval:                "month",
		Amount:                  decimal.NewFromInt(5),
		Currency:                "USD",
		CurrentPeriodStart:      start,
		CurrentPeriodEnd:        periodEnd,
		Origin:                  subscriptiondomain.OriginAPI,
		Version:                 1,
		CreatedAt:               start,
		UpdatedAt:               start,
	})
	require.NoError(t, err)
	return id
}

func TestIsEntitledByStatus(t *testing.T) {
	during := periodEnd.Add(-time.Hour)
	cases := []struct {
		status subscriptiondomain.Status
		now    time.Time
		want   bool
	}{
		{subscriptiondomain.StatusActive, during, true},
		{subscriptiondomain.StatusActive, periodEnd, true},
		{subscriptiondomain.StatusActive, periodEnd.Add(time.Second), false},
		{subscriptiondomain.StatusPastDue, during, true},
		{subscriptiondomain.StatusPastDue, periodEnd.Add(time.Second), false},
		{subscriptiondomain.StatusIncomplete, during, false},
		{subscriptiondomain.StatusCancelled, during, false},
		{subscriptiondomain.StatusUnpaid, during, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.status)+"@"+tc.now.Format(time.RFC3339), func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, tc.status)

			got, err := f.svc.IsEntitled(context.Background(), f.subscriber, f.creator, tc.now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCheckExposesGraceStatus(t *testing.T) {
	f := newFixture(t)
	id := f.seed(t, subscriptiondomain.StatusPastDue)

	res, err := f.svc.Check(context.Background(), f.subscriber, f.creator, periodEnd.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Entitled)
	assert.Equal(t, subscriptiondomain.StatusPastDue, res.Status)
	require.NotNil(t, res.SubscriptionID)
	assert.Equal(t, id, *res.SubscriptionID)
	require.NotNil(t, res.PeriodEnd)
	assert.True(t, res.PeriodEnd.Equal(periodEnd))
}

func TestCheckWithoutSubscription(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Check(context.Background(), f.subscriber, f.creator, periodEnd)
	require.NoError(t, err)
	assert.Equal(t, domain.Result{}, res)

	// The reverse direction is a different pair.
	f.seed(t, subscriptiondomain.StatusActive)
	ok, err := f.svc.IsEntitled(context.Background(), f.creator, f.subscriber, periodEnd)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckRejectsMissingIDs(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Check(context.Background(), 0, f.creator, periodEnd)
	assert.ErrorIs(t, err, domain.ErrInvalidPair)
}
