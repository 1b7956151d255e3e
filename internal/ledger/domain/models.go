package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// EntryKind classifies a ledger row.
type EntryKind string

const (
	EntryKindPayment    EntryKind = "payment"
	EntryKindRefund     EntryKind = "refund"
	EntryKindChargeback EntryKind = "chargeback"
	EntryKindPayPerView EntryKind = "pay_per_view"
)

func (k EntryKind) Valid() bool {
	switch k {
	case EntryKindPayment, EntryKindRefund, EntryKindChargeback, EntryKindPayPerView:
		return true
	}
	return false
}

// Entry is an immutable earnings movement. Amount is signed in minor units:
// payments are positive, reversals negative. At most one entry exists per
// (creator, external payment id).
type Entry struct {
	ID                snowflake.ID  `gorm:"primaryKey" json:"id"`
	CreatorID         snowflake.ID  `gorm:"not null;uniqueIndex:ux_ledger_entries_creator_payment,priority:1" json:"creator_id"`
	ExternalPaymentID string        `gorm:"type:varchar(255);not null;uniqueIndex:ux_ledger_entries_creator_payment,priority:2;index:ix_ledger_entries_external_payment" json:"external_payment_id"`
	SubscriptionID    *snowflake.ID `gorm:"index" json:"subscription_id,omitempty"`
	PayerID           *snowflake.ID `json:"payer_id,omitempty"`
	// OriginalPaymentID links a reversal to the payment it reverses.
	OriginalPaymentID string    `gorm:"type:varchar(255);not null;default:''" json:"original_payment_id,omitempty"`
	Kind              EntryKind `gorm:"type:varchar(32);not null" json:"kind"`
	Amount            int64     `gorm:"not null" json:"amount"`
	FeeAmount         int64     `gorm:"not null" json:"fee_amount"`
	Currency          string    `gorm:"type:varchar(3);not null" json:"currency"`
	PeriodMonth       string    `gorm:"type:varchar(7);not null;index" json:"period_month"`
	OccurredAt        time.Time `gorm:"not null" json:"occurred_at"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
}

func (Entry) TableName() string { return "ledger_entries" }

// Net is what the creator keeps.
func (e Entry) Net() int64 { return e.Amount - e.FeeAmount }
