package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/dshills/stepflow/workflow"
)

// MySQLStore is a Store backed by MySQL or MariaDB, for runs shared between
// workers or processes.
//
// Schema:
//   - workflow_runs: one row per run id with the JSON state and the
//     resumption pointer for inspection
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore connects to dsn and migrates the schema.
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Never hardcode credentials; read the DSN from the environment or the
// config file.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if _, err := mysql.ParseDSN(dsn); err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s, err := NewMySQLStoreFromDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewMySQLStoreFromDB wraps an open connection pool and migrates the schema.
// The store owns db and closes it on Close.
func NewMySQLStoreFromDB(ctx context.Context, db *sql.DB) (*MySQLStore, error) {
	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	runsTable := `
		CREATE TABLE IF NOT EXISTS workflow_runs (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			last_step_id VARCHAR(255) NOT NULL DEFAULT '',
			last_step_index INT NOT NULL,
			state JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_runs_updated (updated_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create workflow_runs table: %w", err)
	}
	return nil
}

func (s *MySQLStore) open() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Save implements Store.
func (s *MySQLStore) Save(ctx context.Context, runID string, state *workflow.State) error {
	if err := s.open(); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_runs (run_id, last_step_id, last_step_index, state)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			last_step_id = VALUES(last_step_id),
			last_step_index = VALUES(last_step_index),
			state = VALUES(state)
	`
	if _, err := s.db.ExecContext(ctx, query, runID, state.LastStepID, state.LastStepIndex, string(data)); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *MySQLStore) Load(ctx context.Context, runID string) (*workflow.State, error) {
	if err := s.open(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT state FROM workflow_runs WHERE run_id = ?", runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return decodeState(data)
}

// Delete implements Store.
func (s *MySQLStore) Delete(ctx context.Context, runID string) error {
	if err := s.open(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM workflow_runs WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.open(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Stats returns connection pool statistics.
func (s *MySQLStore) Stats() sql.DBStats {
	return s.db.Stats()
}

// Close implements Store. It is safe to call more than once.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
