package storage

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the database named by dsn. DSNs starting with
// postgres:// or postgresql:// use PostgreSQL; anything else is a SQLite path.
func Open(dsn string, opts ...PoolOption) (*GormStorage, error) {
	var dialector gorm.Dialector
	if IsPostgresDSN(dsn) {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if !IsPostgresDSN(dsn) && strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a separate database.
		opts = append(opts, MaxOpenConns(1), MaxIdleConns(1))
	}
	return NewGormStorageWithPool(db, opts...)
}

// IsPostgresDSN reports whether dsn addresses PostgreSQL.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
