package repository

import (
	"context"

	"github.com/smallbiznis/creditmeter/pkg/db/option"
	"gorm.io/gorm"
)

// Repository is a thin generic CRUD store over gorm. FindOne returns nil, nil
// when no row matches.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	CreateIfAbsent(ctx context.Context, resource *T, conflictColumns ...string) (bool, error)
	Upsert(ctx context.Context, resource *T, conflictColumns []string, updateColumns []string) error
	Update(ctx context.Context, id any, values map[string]any) (int64, error)
	UpdateWhere(ctx context.Context, values map[string]any, opts ...option.QueryOption) (int64, error)
	Count(ctx context.Context, query *T, opts ...option.QueryOption) (int64, error)
	BatchCreate(ctx context.Context, resources []*T) error
}
