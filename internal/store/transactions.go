package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/coinmix/internal/mixer"
)

// CreateTransaction inserts a new pending transaction.
func (s *Store) CreateTransaction(ctx context.Context, tx *mixer.Transaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mix_transactions
		 (id, session_id, input_amount, fee_amount, output_amount,
		  input_address, output_address, status, mixing_rounds_completed,
		  created_at, scheduled_output_time, ip_hash, user_agent_hash, retry_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		tx.ID, tx.SessionID, tx.InputAmount, tx.FeeAmount, tx.OutputAmount,
		tx.InputAddress, tx.OutputAddress, tx.Status, tx.RoundsCompleted,
		tx.CreatedAt, tx.ScheduledOutputAt, tx.IPHash, tx.UserAgentHash, tx.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// GetTransaction loads a transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*mixer.Transaction, error) {
	var (
		tx            mixer.Transaction
		mixingAddress sql.NullString
		inputTxID     sql.NullString
		outputTxID    sql.NullString
		errorMessage  sql.NullString
		ipHash        sql.NullString
		uaHash        sql.NullString
		startedAt     sql.NullTime
		completedAt   sql.NullTime
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, input_amount, fee_amount, output_amount,
		        input_address, output_address, mixing_address, status,
		        mixing_rounds_completed, input_txid, output_txid,
		        created_at, mixing_started_at, completed_at, scheduled_output_time,
		        ip_hash, user_agent_hash, error_message, retry_count
		 FROM mix_transactions WHERE id = $1`,
		id,
	).Scan(&tx.ID, &tx.SessionID, &tx.InputAmount, &tx.FeeAmount, &tx.OutputAmount,
		&tx.InputAddress, &tx.OutputAddress, &mixingAddress, &tx.Status,
		&tx.RoundsCompleted, &inputTxID, &outputTxID,
		&tx.CreatedAt, &startedAt, &completedAt, &tx.ScheduledOutputAt,
		&ipHash, &uaHash, &errorMessage, &tx.RetryCount)

	if err == sql.ErrNoRows {
		return nil, mixer.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	tx.MixingAddress = mixingAddress.String
	tx.InputTxID = inputTxID.String
	tx.OutputTxID = outputTxID.String
	tx.ErrorMessage = errorMessage.String
	tx.IPHash = ipHash.String
	tx.UserAgentHash = uaHash.String
	if startedAt.Valid {
		tx.MixingStartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		tx.CompletedAt = &completedAt.Time
	}

	return &tx, nil
}

// MarkMixing moves pending -> mixing. Zero rows affected means a concurrent
// writer already transitioned the row (or it was cancelled).
func (s *Store) MarkMixing(ctx context.Context, id uuid.UUID, inputTxID string, startedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE mix_transactions
		 SET status = $2, input_txid = NULLIF($3, ''), mixing_started_at = $4
		 WHERE id = $1 AND status = $5`,
		id, mixer.StatusMixing, inputTxID, startedAt, mixer.StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark mixing: %w", err)
	}
	return oneRow(result)
}

// AdvanceRound increments the round counter keyed on the expected prior
// count and records the new holding address.
func (s *Store) AdvanceRound(ctx context.Context, id uuid.UUID, fromRounds int, holdingAddress string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE mix_transactions
		 SET mixing_address = $3, mixing_rounds_completed = mixing_rounds_completed + 1
		 WHERE id = $1 AND status = $4 AND mixing_rounds_completed = $2`,
		id, fromRounds, holdingAddress, mixer.StatusMixing,
	)
	if err != nil {
		return false, fmt.Errorf("failed to advance round: %w", err)
	}
	return oneRow(result)
}

// CompleteMixing moves mixing -> completed.
func (s *Store) CompleteMixing(ctx context.Context, id uuid.UUID, rounds int, completedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE mix_transactions
		 SET status = $3, completed_at = $4
		 WHERE id = $1 AND status = $5 AND mixing_rounds_completed >= $2`,
		id, rounds, mixer.StatusCompleted, completedAt, mixer.StatusMixing,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete mixing: %w", err)
	}
	return oneRow(result)
}

// MarkFailed moves mixing -> failed with the error message.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, message string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE mix_transactions
		 SET status = $2, error_message = $3
		 WHERE id = $1 AND status = $4`,
		id, mixer.StatusFailed, message, mixer.StatusMixing,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark failed: %w", err)
	}
	return oneRow(result)
}

// RecordPayout sets the payout txid, guarded against double-pay by the
// output_txid IS NULL condition.
func (s *Store) RecordPayout(ctx context.Context, id uuid.UUID, txid string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE mix_transactions
		 SET output_txid = $2
		 WHERE id = $1 AND status = $3 AND output_txid IS NULL`,
		id, txid, mixer.StatusCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record payout: %w", err)
	}
	return oneRow(result)
}

// RecordPayoutFailure increments the retry counter and returns the new
// value.
func (s *Store) RecordPayoutFailure(ctx context.Context, id uuid.UUID, message string) (int, error) {
	var retries int
	err := s.db.QueryRowContext(ctx,
		`UPDATE mix_transactions
		 SET retry_count = retry_count + 1, error_message = $2
		 WHERE id = $1
		 RETURNING retry_count`,
		id, message,
	).Scan(&retries)
	if err != nil {
		return 0, fmt.Errorf("failed to record payout failure: %w", err)
	}
	return retries, nil
}

// ListPendingCreatedSince returns pending transactions created after since.
func (s *Store) ListPendingCreatedSince(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	return s.listIDs(ctx,
		`SELECT id FROM mix_transactions
		 WHERE status = $1 AND created_at >= $2
		 ORDER BY created_at`,
		mixer.StatusPending, since)
}

// ListMixingBelowRounds returns mixing transactions with fewer than rounds
// completed.
func (s *Store) ListMixingBelowRounds(ctx context.Context, rounds int) ([]uuid.UUID, error) {
	return s.listIDs(ctx,
		`SELECT id FROM mix_transactions
		 WHERE status = $1 AND mixing_rounds_completed < $2
		 ORDER BY mixing_started_at`,
		mixer.StatusMixing, rounds)
}

// ListPayoutDue returns completed transactions whose scheduled time has
// passed, that have no payout recorded and have not exhausted their retries.
func (s *Store) ListPayoutDue(ctx context.Context, now time.Time, maxRetries int) ([]uuid.UUID, error) {
	return s.listIDs(ctx,
		`SELECT id FROM mix_transactions
		 WHERE status = $1 AND scheduled_output_time <= $2
		   AND output_txid IS NULL AND retry_count < $3
		 ORDER BY scheduled_output_time`,
		mixer.StatusCompleted, now, maxRetries)
}

// PurgeTransactionsBefore deletes transactions created before the cutoff.
// Their audit logs go with them via the foreign key cascade.
func (s *Store) PurgeTransactionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM mix_transactions WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge transactions: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) listIDs(ctx context.Context, query string, args ...interface{}) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func oneRow(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
