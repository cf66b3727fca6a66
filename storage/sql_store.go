package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"meli-leader-bot/utils"
)

type dialect struct {
	name    string
	driver  string
	schema  string
	upsert  string
	selectQ string
}

var postgresDialect = dialect{
	name:   "postgres",
	driver: "postgres",
	schema: `
		CREATE TABLE IF NOT EXISTS leader_state (
			product_id  TEXT        PRIMARY KEY,
			leader_id   TEXT        NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`,
	upsert: `
		INSERT INTO leader_state (product_id, leader_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (product_id) DO UPDATE
		SET leader_id = EXCLUDED.leader_id, updated_at = EXCLUDED.updated_at
	`,
	selectQ: `SELECT leader_id FROM leader_state WHERE product_id = $1`,
}

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite",
	schema: `
		CREATE TABLE IF NOT EXISTS leader_state (
			product_id  TEXT PRIMARY KEY,
			leader_id   TEXT NOT NULL,
			updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`,
	upsert: `
		INSERT INTO leader_state (product_id, leader_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (product_id) DO UPDATE
		SET leader_id = excluded.leader_id, updated_at = excluded.updated_at
	`,
	selectQ: `SELECT leader_id FROM leader_state WHERE product_id = ?`,
}

// SQLStore persists the leader mapping in a leader_state table. The same code
// serves PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite).
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *utils.Logger
}

// NewPostgresStore opens a connection to PostgreSQL, waits for it to accept
// connections and runs the schema migration.
func NewPostgresStore(ctx context.Context, dsn string, logger *utils.Logger) (*SQLStore, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	return newSQLStore(ctx, db, postgresDialect, 10, logger)
}

// NewSQLiteStore opens (creating if needed) a SQLite database file.
func NewSQLiteStore(ctx context.Context, path string, logger *utils.Logger) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create dir: %w", err)
	}
	db, err := sql.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, sqliteDialect, 1, logger)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, pingAttempts int, logger *utils.Logger) (*SQLStore, error) {
	retry := &utils.RetryConfig{MaxAttempts: pingAttempts, BaseDelay: 2 * time.Second, Logger: logger}
	if err := retry.Do(ctx, d.name+" ping", func() error { return db.PingContext(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping failed after retries: %w", d.name, err)
	}

	s := &SQLStore{db: db, dialect: d, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: migrate: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.dialect.schema)
	return err
}

func (s *SQLStore) LoadAll(ctx context.Context) map[string]string {
	state := make(map[string]string)

	rows, err := s.db.QueryContext(ctx, `SELECT product_id, leader_id FROM leader_state`)
	if err != nil {
		s.logger.Error("[store] %s: load state: %v, starting empty", s.dialect.name, err)
		return state
	}
	defer rows.Close()

	for rows.Next() {
		var productID, leaderID string
		if err := rows.Scan(&productID, &leaderID); err != nil {
			s.logger.Error("[store] %s: scan row: %v, starting empty", s.dialect.name, err)
			return make(map[string]string)
		}
		state[productID] = leaderID
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("[store] %s: iterate rows: %v, starting empty", s.dialect.name, err)
		return make(map[string]string)
	}
	return state
}

func (s *SQLStore) Previous(ctx context.Context, productID string) (string, bool) {
	var leaderID string
	err := s.db.QueryRowContext(ctx, s.dialect.selectQ, productID).Scan(&leaderID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Error("[store] %s: previous leader for %s: %v", s.dialect.name, productID, err)
		}
		return "", false
	}
	return leaderID, true
}

// RecordLeader upserts a single row, so the update is atomic per product.
func (s *SQLStore) RecordLeader(ctx context.Context, productID, leaderID string) error {
	if productID == "" {
		return fmt.Errorf("%s: empty product id", s.dialect.name)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.upsert, productID, leaderID, time.Now().UTC()); err != nil {
		return fmt.Errorf("%s: record leader: %w", s.dialect.name, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
