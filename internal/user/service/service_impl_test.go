package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/patronage/internal/clock"
	"github.com/smallbiznis/patronage/internal/testkit"
	"github.com/smallbiznis/patronage/internal/user/domain"
	"github.com/smallbiznis/patronage/internal/user/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db := testkit.OpenDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 5, 20, 8, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testkit.NewNode(t),
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc, db, clk
}

func TestCreateNormalizesAndRejectsDuplicates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Create(ctx, domain.CreateUserRequest{Username: "  Alice ", Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if user.Username != "alice" || user.ID == 0 {
		t.Fatalf("unexpected user: %+v", user)
	}

	_, err = svc.Create(ctx, domain.CreateUserRequest{Username: "alice", Email: "other@example.com"})
	if !errors.Is(err, domain.ErrUsernameTaken) {
		t.Fatalf("expected username taken, got %v", err)
	}
}

func TestCreateValidates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, domain.CreateUserRequest{Username: "a", Email: "a@example.com"}); !errors.Is(err, domain.ErrInvalidUsername) {
		t.Fatalf("expected invalid username, got %v", err)
	}
	if _, err := svc.Create(ctx, domain.CreateUserRequest{Username: "bob", Email: "bob"}); !errors.Is(err, domain.ErrInvalidEmail) {
		t.Fatalf("expected invalid email, got %v", err)
	}
}

func TestGetHidesStaleMonthEarnings(t *testing.T) {
	svc, db, clk := newTestService(t)
	ctx := context.Background()

	user, err := svc.Create(ctx, domain.CreateUserRequest{Username: "carol", Email: "carol@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.Exec(
		"UPDATE users SET earnings_total = 900, earnings_this_month = 400, earnings_month = '2026-05' WHERE id = ?",
		user.ID,
	).Error; err != nil {
		t.Fatalf("seed earnings: %v", err)
	}

	got, err := svc.Get(ctx, user.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EarningsThisMonth != 400 {
		t.Fatalf("expected 400 this month, got %d", got.EarningsThisMonth)
	}

	clk.Set(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	got, err = svc.Get(ctx, user.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EarningsThisMonth != 0 || got.EarningsMonth != "2026-06" || got.EarningsTotal != 900 {
		t.Fatalf("unexpected counters after month change: %+v", got)
	}
}

func TestGetUnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Get(context.Background(), 12345); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRepositoryCounters(t *testing.T) {
	db := testkit.OpenDB(t)
	node := testkit.NewNode(t)
	repo := repository.Provide()
	ctx := context.Background()
	user := testkit.SeedUser(t, db, node, "dave")

	if err := repo.AddSubscribers(ctx, db, user.ID, 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := repo.AddSubscribers(ctx, db, user.ID, -5); err != nil {
		t.Fatalf("subtract: %v", err)
	}
	if got := testkit.LoadUser(t, db, user.ID).SubscriberCount; got != 0 {
		t.Fatalf("expected count floored at 0, got %d", got)
	}

	ref := "cus_1"
	swapped, err := repo.CompareAndSetBillingCustomerID(ctx, db, user.ID, nil, ref)
	if err != nil || !swapped {
		t.Fatalf("first set: swapped=%v err=%v", swapped, err)
	}
	swapped, err = repo.CompareAndSetBillingCustomerID(ctx, db, user.ID, nil, "cus_2")
	if err != nil || swapped {
		t.Fatalf("second set must lose: swapped=%v err=%v", swapped, err)
	}
	swapped, err = repo.CompareAndSetBillingCustomerID(ctx, db, user.ID, &ref, "cus_3")
	if err != nil || !swapped {
		t.Fatalf("replace: swapped=%v err=%v", swapped, err)
	}
	if got := testkit.LoadUser(t, db, user.ID).BillingCustomerID; got == nil || *got != "cus_3" {
		t.Fatalf("unexpected billing customer id %v", got)
	}
}
