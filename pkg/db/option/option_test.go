package option

import (
	"testing"

	"github.com/smallbiznis/creditmeter/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type row struct {
	ID   int64 `gorm:"primaryKey"`
	Kind string
}

func apply(db *gorm.DB, opts ...QueryOption) *gorm.DB {
	for _, opt := range opts {
		db = opt.Apply(db)
	}
	return db
}

func TestQueryOptionsCompose(t *testing.T) {
	db := testutil.NewDB(t, &row{})
	for i := int64(1); i <= 6; i++ {
		kind := "a"
		if i%2 == 0 {
			kind = "b"
		}
		require.NoError(t, db.Create(&row{ID: i, Kind: kind}).Error)
	}

	var got []row
	err := apply(db.Model(&row{}),
		WithWhere("kind = ?", "b"),
		WithIDBefore(6),
		WithOrder("id", true),
		WithLimit(1),
	).Find(&got).Error
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(4), got[0].ID)

	got = nil
	require.NoError(t, apply(db.Model(&row{}), WithIDBefore(0), WithLimit(0), WithOrder("id", false)).Find(&got).Error)
	require.Len(t, got, 6)
	assert.Equal(t, int64(1), got[0].ID)
}
