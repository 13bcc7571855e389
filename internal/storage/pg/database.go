package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PoolConfig tunes the connection pool, matching the settings the
// configuration layer loads from the environment.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Database wraps the raw connection pool. There is no generated query
// package here (the retrieval pack never shipped one for this schema) —
// internal/storage/pg/store.go (quota, transcript) and subscription_store.go
// (subscription) hand-write the SQL against *sql.DB directly.
type Database struct {
	DB *sql.DB
}

// InitDatabase opens the connection pool, tunes it, and runs migrations.
func InitDatabase(databaseURL string, pool PoolConfig) (*Database, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Database{DB: db}, nil
}
