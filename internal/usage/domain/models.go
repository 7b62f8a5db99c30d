// Package domain contains the priced usage record and the recorder contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageEvent stores one priced consumption record. It is written in the same
// database transaction as the ledger mutation that funds it.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	AccountID      string            `gorm:"type:varchar(128);not null;index:ix_usage_events_account_created,priority:1;uniqueIndex:ux_usage_events_account_idem,priority:1" json:"account_id"`
	Service        string            `gorm:"type:varchar(64);not null" json:"service"`
	Quantity       decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"quantity"`
	UnitCost       decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"unit_cost"`
	TotalCost      decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"total_cost"`
	FreeCost       decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"free_cost"`
	PaidCost       decimal.Decimal   `gorm:"type:numeric(20,6);not null" json:"paid_cost"`
	ResourceID     string            `gorm:"type:varchar(128)" json:"resource_id,omitempty"`
	ResourceType   string            `gorm:"type:varchar(64)" json:"resource_type,omitempty"`
	Emergency      bool              `gorm:"not null;default:false" json:"emergency"`
	IdempotencyKey *string           `gorm:"type:varchar(128);uniqueIndex:ux_usage_events_account_idem,priority:2" json:"idempotency_key,omitempty"`
	Processed      bool              `gorm:"not null;default:false;index:ix_usage_events_processed,priority:1" json:"processed"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;index:ix_usage_events_account_created,priority:2;index:ix_usage_events_processed,priority:2" json:"created_at"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// ResourceRef identifies what produced a usage or holds a reservation.
type ResourceRef struct {
	ID   string `json:"resource_id"`
	Type string `json:"resource_type"`
}
