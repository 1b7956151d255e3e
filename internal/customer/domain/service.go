package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/apperr"
	gatewaydomain "github.com/smallbiznis/patronage/internal/gateway/domain"
)

// Service maps platform users to processor customers.
type Service interface {
	// EnsureBillingIdentity returns the user's processor customer id,
	// replacing it when the processor no longer knows it.
	EnsureBillingIdentity(ctx context.Context, userID snowflake.ID) (string, error)
	ListPaymentMethods(ctx context.Context, userID snowflake.ID) ([]gatewaydomain.PaymentMethod, error)
}

var ErrUserNotFound = apperr.New(apperr.KindNotFound, "user_not_found")
