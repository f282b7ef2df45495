package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestGormLogger_Trace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewGormLogger(zap.New(core), 50*time.Millisecond)
	ctx := context.Background()
	stmt := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(ctx, time.Now(), stmt, gorm.ErrRecordNotFound)
	assert.Zero(t, logs.Len(), "record not found is not an error")

	l.Trace(ctx, time.Now(), stmt, errors.New("disk I/O error"))
	l.Trace(ctx, time.Now().Add(-time.Second), stmt, nil)
	l.Trace(ctx, time.Now(), stmt, nil)

	all := logs.All()
	if assert.Len(t, all, 2) {
		assert.Equal(t, "query failed", all[0].Message)
		assert.Equal(t, "slow query", all[1].Message)
		assert.Equal(t, "SELECT 1", all[1].ContextMap()["sql"])
	}
}

func TestGormLogger_Silent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewGormLogger(zap.New(core), time.Millisecond).LogMode(gormlogger.Silent)
	l.Trace(context.Background(), time.Now().Add(-time.Second), func() (string, int64) { return "x", 0 }, errors.New("boom"))
	assert.Zero(t, logs.Len())
}

func TestOpen_UnknownMode(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Mode: "oracle"}, nil)
	assert.ErrorContains(t, err, "unknown mode")
}
