package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ExportRepository tracks which usage events reached the metering partner.
type ExportRepository interface {
	// LockUnprocessed returns up to limit unexported events created before
	// cutoff, skipping rows another sweeper holds where the dialect allows it.
	LockUnprocessed(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]UsageEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, ids []snowflake.ID, at time.Time) (int64, error)
	CountUnprocessed(ctx context.Context, db *gorm.DB) (int64, error)
}
