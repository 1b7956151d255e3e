package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// User is a platform account. Any user can act as subscriber or creator.
type User struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	Username          string       `gorm:"type:varchar(64);not null;uniqueIndex:ux_users_username" json:"username"`
	Email             string       `gorm:"type:varchar(255);not null" json:"email"`
	BillingCustomerID *string      `gorm:"type:varchar(255)" json:"billing_customer_id,omitempty"`
	BillingProductID  *string      `gorm:"type:varchar(255)" json:"-"`
	SubscriberCount   int64        `gorm:"not null;default:0" json:"subscriber_count"`
	EarningsTotal     int64        `gorm:"not null;default:0" json:"earnings_total"`
	EarningsThisMonth int64        `gorm:"not null;default:0" json:"earnings_this_month"`
	EarningsMonth     string       `gorm:"type:varchar(7);not null;default:''" json:"earnings_month"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`
}

func (User) TableName() string { return "users" }

// MonthEarnings returns the this-month counter, or zero when the counter
// still belongs to an earlier month.
func (u User) MonthEarnings(month string) int64 {
	if u.EarningsMonth != month {
		return 0
	}
	return u.EarningsThisMonth
}

// MonthKey formats t as the YYYY-MM bucket used by earnings counters.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
