package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

var errLockConflict = errors.New("could not serialize access")

func newObservedGormLogger(level gormlogger.LogLevel) (*GormLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewGormLogger(zap.New(core), GormLoggerConfig{
		Level:                level,
		SlowThreshold:        10 * time.Millisecond,
		IgnoreRecordNotFound: true,
		Expected:             func(err error) bool { return errors.Is(err, errLockConflict) },
	}), logs
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "UPDATE", operationFromSQL("  update credit_accounts set version = version + 1"))
	assert.Equal(t, "LOCK", operationFromSQL(`SELECT * FROM "credit_accounts" WHERE account_id = $1 FOR UPDATE`))
	assert.Equal(t, "SELECT", operationFromSQL("(SELECT 1)"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestGormLoggerTraceLevels(t *testing.T) {
	l, logs := newObservedGormLogger(gormlogger.Warn)
	sql := func() (string, int64) { return "SELECT * FROM credit_accounts", 1 }
	ctx := context.Background()

	l.Trace(ctx, time.Now(), sql, gormlogger.ErrRecordNotFound)
	assert.Zero(t, logs.Len())

	l.Trace(ctx, time.Now(), sql, errors.New("boom"))
	assert.Equal(t, 1, logs.FilterMessage("gorm.query").FilterLevelExact(zapcore.ErrorLevel).Len())

	l.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	assert.Equal(t, 1, logs.FilterMessage("gorm.query.slow").Len())

	silent := l.LogMode(gormlogger.Silent)
	silent.Trace(ctx, time.Now(), sql, errors.New("ignored"))
	assert.Equal(t, 2, logs.Len())
}

func TestGormLoggerDowngradesExpectedErrors(t *testing.T) {
	l, logs := newObservedGormLogger(gormlogger.Warn)
	lock := func() (string, int64) {
		return "SELECT * FROM credit_accounts WHERE account_id = 'acct_1' FOR UPDATE", 0
	}

	l.Trace(context.Background(), time.Now(), lock, errLockConflict)

	entries := logs.FilterMessage("gorm.query").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
		assert.Equal(t, "LOCK", entries[0].ContextMap()["operation"])
	}
}
