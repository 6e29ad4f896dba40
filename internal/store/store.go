package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/terminal-bench/coinmix/internal/mixer"
	"github.com/terminal-bench/coinmix/internal/notify"
	"github.com/terminal-bench/coinmix/internal/pool"
	"github.com/terminal-bench/coinmix/internal/scheduler"
	"github.com/terminal-bench/coinmix/internal/security"
)

// Store is the Postgres persistence layer. It backs the engine, the address
// pool, the security monitor and the schedulers.
type Store struct {
	db *sql.DB
}

var (
	_ mixer.Store       = (*Store)(nil)
	_ pool.Store        = (*Store)(nil)
	_ security.Store    = (*Store)(nil)
	_ scheduler.Store   = (*Store)(nil)
	_ notify.AlertStore = (*Store)(nil)
)

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS mix_transactions (
	id UUID PRIMARY KEY,
	session_id VARCHAR(64) NOT NULL,
	input_amount NUMERIC(16, 8) NOT NULL,
	fee_amount NUMERIC(16, 8) NOT NULL,
	output_amount NUMERIC(16, 8) NOT NULL,
	input_address VARCHAR(64) NOT NULL,
	output_address VARCHAR(64) NOT NULL,
	mixing_address VARCHAR(64),
	status VARCHAR(16) NOT NULL DEFAULT 'pending',
	mixing_rounds_completed INTEGER NOT NULL DEFAULT 0,
	input_txid VARCHAR(64),
	output_txid VARCHAR(64),
	created_at TIMESTAMPTZ NOT NULL,
	mixing_started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	scheduled_output_time TIMESTAMPTZ NOT NULL,
	ip_hash VARCHAR(64),
	user_agent_hash VARCHAR(64),
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_status_created ON mix_transactions (status, created_at);
CREATE INDEX IF NOT EXISTS idx_session_status ON mix_transactions (session_id, status);

CREATE TABLE IF NOT EXISTS mix_pool (
	address VARCHAR(64) PRIMARY KEY,
	balance NUMERIC(16, 8) NOT NULL DEFAULT 0,
	last_used TIMESTAMPTZ,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS mix_logs (
	id BIGSERIAL PRIMARY KEY,
	transaction_id UUID NOT NULL REFERENCES mix_transactions (id) ON DELETE CASCADE,
	action VARCHAR(50) NOT NULL,
	details JSONB,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transaction_timestamp ON mix_logs (transaction_id, timestamp);

CREATE TABLE IF NOT EXISTS security_alerts (
	id BIGSERIAL PRIMARY KEY,
	alert_type VARCHAR(50) NOT NULL,
	severity VARCHAR(20) NOT NULL,
	ip_hash VARCHAR(64),
	details JSONB,
	notification_sent BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_type_time ON security_alerts (alert_type, created_at);
CREATE INDEX IF NOT EXISTS idx_ip_hash_time ON security_alerts (ip_hash, created_at);
`

// InitSchema creates the tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
