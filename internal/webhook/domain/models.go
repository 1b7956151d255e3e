package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord remembers a delivery for the dedupe window.
type EventRecord struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	ExternalEventID string       `gorm:"type:varchar(255);not null;uniqueIndex:ux_webhook_events_external_id"`
	EventType       string       `gorm:"type:varchar(128);not null"`
	Kind            string       `gorm:"type:varchar(32);not null"`
	PayloadHash     string       `gorm:"type:varchar(64);not null"`
	ReceivedAt      time.Time    `gorm:"not null;index"`
	ProcessedAt     *time.Time
}

func (EventRecord) TableName() string { return "webhook_events" }

// DeferredEvent is a typed event whose subscription or original payment
// was not stored yet when it arrived.
type DeferredEvent struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	ExternalEventID string         `gorm:"type:varchar(255);not null;uniqueIndex:ux_deferred_webhook_events_event"`
	Reference       string         `gorm:"type:varchar(255);not null;index"`
	Kind            string         `gorm:"type:varchar(32);not null"`
	Payload         datatypes.JSON `gorm:"not null"`
	Attempts        int            `gorm:"not null"`
	LastError       string         `gorm:"type:varchar(512);not null"`
	NextAttemptAt   time.Time      `gorm:"not null;index"`
	AppliedAt       *time.Time
	AbandonedAt     *time.Time
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (DeferredEvent) TableName() string { return "deferred_webhook_events" }
