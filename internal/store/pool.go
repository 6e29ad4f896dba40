package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/terminal-bench/coinmix/internal/pool"
)

// ActiveAddresses returns active pool entries least-recently-used first,
// never-used entries ahead of everything.
func (s *Store) ActiveAddresses(ctx context.Context, limit int) ([]pool.Address, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, last_used, is_active, created_at
		 FROM mix_pool
		 WHERE is_active
		 ORDER BY last_used ASC NULLS FIRST
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pool: %w", err)
	}
	defer rows.Close()

	var entries []pool.Address
	for rows.Next() {
		var (
			entry    pool.Address
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&entry.Address, &lastUsed, &entry.Active, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pool entry: %w", err)
		}
		if lastUsed.Valid {
			entry.LastUsed = &lastUsed.Time
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// InsertAddress persists one new pool address.
func (s *Store) InsertAddress(ctx context.Context, address string, createdAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mix_pool (address, created_at) VALUES ($1, $2)`,
		address, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pool address: %w", err)
	}
	return nil
}

// TouchAddress stamps the address as just used.
func (s *Store) TouchAddress(ctx context.Context, address string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE mix_pool SET last_used = $2 WHERE address = $1`,
		address, usedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to touch pool address: %w", err)
	}
	return nil
}
