package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/patronage/internal/clock"
	"github.com/smallbiznis/patronage/internal/customer/domain"
	gatewaydomain "github.com/smallbiznis/patronage/internal/gateway/domain"
	"github.com/smallbiznis/patronage/internal/gateway/fake"
	"github.com/smallbiznis/patronage/internal/gateway/mocks"
	"github.com/smallbiznis/patronage/internal/testkit"
	userrepository "github.com/smallbiznis/patronage/internal/user/repository"
	"go.uber.org/zap"
)

func TestEnsureBillingIdentityCreatesOnce(t *testing.T) {
	db := testkit.OpenDB(t)
	user := testkit.SeedUser(t, db, testkit.NewNode(t), "alice")

	ctrl := gomock.NewController(t)
	gw := mocks.NewMockPaymentGateway(ctrl)
	gw.EXPECT().
		CreateCustomer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, in gatewaydomain.CreateCustomerInput) (gatewaydomain.Customer, error) {
			if in.Metadata[gatewaydomain.MetaPlatformUserID] != user.ID.String() {
				t.Fatalf("expected platform user id metadata, got %v", in.Metadata)
			}
			if in.IdempotencyKey != "customer:"+user.ID.String()+":none" {
				t.Fatalf("unexpected idempotency key %q", in.IdempotencyKey)
			}
			return gatewaydomain.Customer{ID: "cus_1", Email: in.Email}, nil
		})
	gw.EXPECT().GetCustomer(gomock.Any(), "cus_1").Return(gatewaydomain.Customer{ID: "cus_1"}, nil)

	svc := New(Params{DB: db, Log: zap.NewNop(), Users: userrepository.Provide(), Gateway: gw})
	ctx := context.Background()

	ref, err := svc.EnsureBillingIdentity(ctx, user.ID)
	if err != nil || ref != "cus_1" {
		t.Fatalf("first call: ref=%q err=%v", ref, err)
	}
	ref, err = svc.EnsureBillingIdentity(ctx, user.ID)
	if err != nil || ref != "cus_1" {
		t.Fatalf("second call: ref=%q err=%v", ref, err)
	}
}

func TestEnsureBillingIdentityRecreatesMissingCustomer(t *testing.T) {
	db := testkit.OpenDB(t)
	user := testkit.SeedUser(t, db, testkit.NewNode(t), "bob")
	if err := db.Exec("UPDATE users SET billing_customer_id = 'cus_gone' WHERE id = ?", user.ID).Error; err != nil {
		t.Fatalf("seed ref: %v", err)
	}

	ctrl := gomock.NewController(t)
	gw := mocks.NewMockPaymentGateway(ctrl)
	gomock.InOrder(
		gw.EXPECT().GetCustomer(gomock.Any(), "cus_gone").Return(gatewaydomain.Customer{}, gatewaydomain.ErrNotFound),
		gw.EXPECT().
			CreateCustomer(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, in gatewaydomain.CreateCustomerInput) (gatewaydomain.Customer, error) {
				if in.IdempotencyKey != "customer:"+user.ID.String()+":cus_gone" {
					t.Fatalf("unexpected idempotency key %q", in.IdempotencyKey)
				}
				return gatewaydomain.Customer{ID: "cus_new"}, nil
			}),
	)

	svc := New(Params{DB: db, Log: zap.NewNop(), Users: userrepository.Provide(), Gateway: gw})
	ref, err := svc.EnsureBillingIdentity(context.Background(), user.ID)
	if err != nil || ref != "cus_new" {
		t.Fatalf("expected replacement customer, ref=%q err=%v", ref, err)
	}
	if got := testkit.LoadUser(t, db, user.ID).BillingCustomerID; got == nil || *got != "cus_new" {
		t.Fatalf("expected stored replacement, got %v", got)
	}
}

func TestEnsureBillingIdentityTransientErrorKeepsReference(t *testing.T) {
	db := testkit.OpenDB(t)
	user := testkit.SeedUser(t, db, testkit.NewNode(t), "carol")
	if err := db.Exec("UPDATE users SET billing_customer_id = 'cus_keep' WHERE id = ?", user.ID).Error; err != nil {
		t.Fatalf("seed ref: %v", err)
	}

	ctrl := gomock.NewController(t)
	gw := mocks.NewMockPaymentGateway(ctrl)
	gw.EXPECT().GetCustomer(gomock.Any(), "cus_keep").Return(gatewaydomain.Customer{}, gatewaydomain.ErrUpstreamUnavailable)

	svc := New(Params{DB: db, Log: zap.NewNop(), Users: userrepository.Provide(), Gateway: gw})
	_, err := svc.EnsureBillingIdentity(context.Background(), user.ID)
	if !errors.Is(err, gatewaydomain.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if got := testkit.LoadUser(t, db, user.ID).BillingCustomerID; got == nil || *got != "cus_keep" {
		t.Fatalf("reference must survive transient failures, got %v", got)
	}
}

func TestEnsureBillingIdentityUnknownUser(t *testing.T) {
	db := testkit.OpenDB(t)
	ctrl := gomock.NewController(t)
	svc := New(Params{DB: db, Log: zap.NewNop(), Users: userrepository.Provide(), Gateway: mocks.NewMockPaymentGateway(ctrl)})

	if _, err := svc.EnsureBillingIdentity(context.Background(), 42); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestEnsureBillingIdentityWithFakeGatewayDeletedCustomer(t *testing.T) {
	db := testkit.OpenDB(t)
	user := testkit.SeedUser(t, db, testkit.NewNode(t), "dave")
	gw := fake.NewGateway(clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), "")
	svc := New(Params{DB: db, Log: zap.NewNop(), Users: userrepository.Provide(), Gateway: gw})
	ctx := context.Background()

	first, err := svc.EnsureBillingIdentity(ctx, user.ID)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	gw.DeleteCustomer(first)

	second, err := svc.EnsureBillingIdentity(ctx, user.ID)
	if err != nil {
		t.Fatalf("ensure after delete: %v", err)
	}
	if second == first {
		t.Fatalf("expected a new customer after remote deletion")
	}
}

func TestListPaymentMethods(t *testing.T) {
	db := testkit.OpenDB(t)
	node := testkit.NewNode(t)
	withRef := testkit.SeedUser(t, db, node, "erin")
	withoutRef := testkit.SeedUser(t, db, node, "frank")
	gw := fake.NewGateway(clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), "")
	svc := New(Params{DB: db, Log: zap.NewNop(), Users: userrepository.Provide(), Gateway: gw})
	ctx := context.Background()

	ref, err := svc.EnsureBillingIdentity(ctx, withRef.ID)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	gw.AttachCard(ref, "visa", "4242")

	methods, err := svc.ListPaymentMethods(ctx, withRef.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(methods) != 1 || methods[0].Last4 != "4242" {
		t.Fatalf("unexpected methods: %+v", methods)
	}

	empty, err := svc.ListPaymentMethods(ctx, withoutRef.ID)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %+v err=%v", empty, err)
	}
}
