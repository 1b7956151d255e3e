package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusUnpaid     Status = "unpaid"
	StatusCancelled  Status = "cancelled"
	StatusInactive   Status = "inactive"
)

// LiveStatuses are the statuses covered by the one-live-subscription-per-pair
// unique index. The DDL in the migration package must list the same values.
var LiveStatuses = []Status{StatusIncomplete, StatusActive, StatusPastDue}

func (s Status) Live() bool {
	switch s {
	case StatusIncomplete, StatusActive, StatusPastDue:
		return true
	}
	return false
}

// Entitling reports whether the status grants access while the current
// period has not ended. past_due stays entitled as a grace window.
func (s Status) Entitling() bool {
	return s == StatusActive || s == StatusPastDue
}

func (s Status) Valid() bool {
	switch s {
	case StatusIncomplete, StatusActive, StatusPastDue, StatusUnpaid, StatusCancelled, StatusInactive:
		return true
	}
	return false
}

// StatusFromRemote folds a processor status into the local vocabulary.
func StatusFromRemote(status string) Status {
	s := Status(status)
	if s.Valid() {
		return s
	}
	return StatusInactive
}

// Origin records which path created the row. A row mirrored from a webhook
// can later be claimed by the subscribe call that created it remotely.
type Origin string

const (
	OriginAPI     Origin = "api"
	OriginWebhook Origin = "webhook"
)

type Subscription struct {
	ID                      snowflake.ID      `gorm:"primaryKey" json:"id"`
	SubscriberID            snowflake.ID      `gorm:"not null;index:ix_subscriptions_pair,priority:1" json:"subscriber_id"`
	CreatorID               snowflake.ID      `gorm:"not null;index:ix_subscriptions_pair,priority:2;index:ix_subscriptions_creator_status,priority:1" json:"creator_id"`
	Status                  Status            `gorm:"type:varchar(32);not null;index:ix_subscriptions_creator_status,priority:2" json:"status"`
	ProcessorSubscriptionID string            `gorm:"type:varchar(255);not null;uniqueIndex:ux_subscriptions_processor_id" json:"processor_subscription_id"`
	ProcessorCustomerID     string            `gorm:"type:varchar(255);not null" json:"-"`
	ProcessorPriceID        string            `gorm:"type:varchar(255);not null" json:"-"`
	Interval                string            `gorm:"column:billing_interval;type:varchar(16);not null" json:"interval"`
	Amount                  decimal.Decimal   `gorm:"type:numeric(12,2);not null" json:"amount"`
	Currency                string            `gorm:"type:varchar(3);not null" json:"currency"`
	IsTrial                 bool              `gorm:"not null" json:"is_trial"`
	TrialEnd                *time.Time        `json:"trial_end,omitempty"`
	CurrentPeriodStart      time.Time         `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd        time.Time         `gorm:"not null" json:"current_period_end"`
	CancelAtPeriodEnd       bool              `gorm:"not null" json:"cancel_at_period_end"`
	CancelledAt             *time.Time        `json:"cancelled_at,omitempty"`
	CancelReason            string            `gorm:"type:varchar(255);not null" json:"cancel_reason,omitempty"`
	Origin                  Origin            `gorm:"type:varchar(16);not null" json:"-"`
	Metadata                datatypes.JSONMap `json:"-"`
	Version                 int64             `gorm:"not null" json:"-"`
	CreatedAt               time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt               time.Time         `gorm:"not null" json:"updated_at"`

	PaymentHistory []Payment `gorm:"-" json:"payment_history"`
}

func (Subscription) TableName() string { return "subscriptions" }

// NextPeriod is the period that follows the current one when the
// subscription renews. ok is false when it will not renew.
func (s Subscription) NextPeriod() (start, end time.Time, ok bool) {
	if s.Status == StatusCancelled || s.CancelAtPeriodEnd || s.CurrentPeriodEnd.IsZero() {
		return time.Time{}, time.Time{}, false
	}
	start = s.CurrentPeriodEnd
	switch s.Interval {
	case "year":
		return start, start.AddDate(1, 0, 0), true
	default:
		return start, start.AddDate(0, 1, 0), true
	}
}

// Payment is one entry of a subscription's payment history.
type Payment struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"-"`
	SubscriptionID    snowflake.ID `gorm:"not null;uniqueIndex:ux_subscription_payments_ref,priority:1" json:"-"`
	ExternalPaymentID string       `gorm:"type:varchar(255);not null;uniqueIndex:ux_subscription_payments_ref,priority:2" json:"external_payment_id"`
	InvoiceID         string       `gorm:"type:varchar(255);not null" json:"invoice_id,omitempty"`
	Amount            int64        `gorm:"not null" json:"amount"`
	Currency          string       `gorm:"type:varchar(3);not null" json:"currency"`
	Status            string       `gorm:"type:varchar(32);not null" json:"status"`
	PaidAt            time.Time    `gorm:"not null" json:"paid_at"`
	CreatedAt         time.Time    `gorm:"not null" json:"-"`
}

func (Payment) TableName() string { return "subscription_payments" }

const PaymentStatusSucceeded = "succeeded"
