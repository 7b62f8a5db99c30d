package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"github.com/smallbiznis/creditmeter/pkg/db/option"
	pkgrepo "github.com/smallbiznis/creditmeter/pkg/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type exportRepo struct{}

func ProvideExport() usagedomain.ExportRepository {
	return &exportRepo{}
}

func (r *exportRepo) LockUnprocessed(ctx context.Context, conn *gorm.DB, cutoff time.Time, limit int) ([]usagedomain.UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	stmt := conn.WithContext(ctx).
		Where("processed = ? AND created_at < ?", false, cutoff).
		Order("created_at ASC").
		Limit(limit)
	if db.SupportsRowLocking(conn) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var rows []usagedomain.UsageEvent
	if err := stmt.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *exportRepo) MarkProcessed(ctx context.Context, conn *gorm.DB, ids []snowflake.ID, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return pkgrepo.ProvideStore[usagedomain.UsageEvent](conn).UpdateWhere(ctx,
		map[string]any{"processed": true, "processed_at": at},
		option.WithWhere("id IN ? AND processed = ?", ids, false),
	)
}

func (r *exportRepo) CountUnprocessed(ctx context.Context, conn *gorm.DB) (int64, error) {
	return pkgrepo.ProvideStore[usagedomain.UsageEvent](conn).Count(ctx, nil, option.WithWhere("processed = ?", false))
}
