package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/coinmix/internal/mixer"
)

// AppendLog writes one audit record. Logs are append-only; nothing updates
// or deletes them except the retention purge of their parent transaction.
func (s *Store) AppendLog(ctx context.Context, id uuid.UUID, action string, details map[string]string) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to marshal log details: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mix_logs (transaction_id, action, details, timestamp)
		 VALUES ($1, $2, $3, $4)`,
		id, action, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// ListLogs returns a transaction's audit trail in order.
func (s *Store) ListLogs(ctx context.Context, id uuid.UUID) ([]mixer.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, transaction_id, action, details, timestamp
		 FROM mix_logs WHERE transaction_id = $1
		 ORDER BY timestamp, id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var entries []mixer.LogEntry
	for rows.Next() {
		var (
			entry   mixer.LogEntry
			payload []byte
		)
		if err := rows.Scan(&entry.ID, &entry.TransactionID, &entry.Action, &payload, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to decode log details: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
