package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// SQL statement suffix appended when creating tables.
const sqlCreateTableSuffix = "CHARACTER SET utf8mb4 COLLATE utf8mb4_general_ci"

const (
	createKVTable = `CREATE TABLE IF NOT EXISTS kv (
  k VARCHAR(191) NOT NULL PRIMARY KEY,
  v MEDIUMBLOB NOT NULL,
  updated_at DATETIME(3) NOT NULL
) ` + sqlCreateTableSuffix
	upsertKV = `INSERT INTO kv (k, v, updated_at) VALUES (?, ?, ?)
  ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)`
	selectKV = `SELECT v FROM kv WHERE k = ?`
)

// MySQLStore keeps keys in a MySQL table, for deployments where the
// analytics backend reads the persisted signals directly.
type MySQLStore struct {
	db *sql.DB
}

// ConfigureDSN applies the driver settings the store relies on: utf8mb4
// collation and time values parsed as UTC time.Time.
func ConfigureDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.Collation = "utf8mb4_general_ci"
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// OpenMySQLStore connects to dsn and creates the kv table if needed.
func OpenMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	configured, err := ConfigureDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", configured)
	if err != nil {
		return nil, fmt.Errorf("failed opening database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed connecting to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createKVTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, upsertKV, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (s *MySQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, selectKV, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return v, nil
}

func (s *MySQLStore) Close() error { return s.db.Close() }
