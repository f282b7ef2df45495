// Package db opens the dashboard's GORM handle. SQLite serves single-node
// deployments and tests; MySQL serves a shared production database.
package db

import (
	"fmt"

	"github.com/R21Digital/Project-MorningStar-sub014/config"
	dbmysql "github.com/R21Digital/Project-MorningStar-sub014/db/mysql"
	dbsqlite "github.com/R21Digital/Project-MorningStar-sub014/db/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ModeSQLite = "sqlite"
	ModeMySQL  = "mysql"
)

// Open returns a *gorm.DB for the configured mode. A nil log silences GORM.
func Open(cfg config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:                 NewGormLogger(log, cfg.SlowQuery),
		SkipDefaultTransaction: true,
	}
	switch cfg.Mode {
	case ModeSQLite, "":
		return dbsqlite.Open(cfg.SQLitePath, gcfg)
	case ModeMySQL:
		if cfg.MySQLDSN == "" {
			return nil, fmt.Errorf("db: mode %q needs database.mysql_dsn", cfg.Mode)
		}
		return dbmysql.Open(dbmysql.Options{
			DSN:         cfg.MySQLDSN,
			MaxOpen:     cfg.MySQLMaxOpen,
			MaxIdle:     cfg.MySQLMaxIdle,
			MaxLifetime: cfg.MySQLMaxLife,
		}, gcfg)
	default:
		return nil, fmt.Errorf("db: unknown mode %q", cfg.Mode)
	}
}
