package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/terminal-bench/coinmix/internal/security"
)

// InsertAlert persists a security alert and fills in its id.
func (s *Store) InsertAlert(ctx context.Context, a *security.Alert) error {
	payload, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal alert details: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO security_alerts (alert_type, severity, ip_hash, details, notification_sent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		a.AlertType, a.Severity, a.Fingerprint, payload, a.NotificationSent, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// CountRecentAlerts counts alerts raised against a fingerprint after since.
func (s *Store) CountRecentAlerts(ctx context.Context, fingerprint string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_alerts
		 WHERE ip_hash = $1 AND created_at >= $2`,
		fingerprint, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return count, nil
}

// CountRecentTransactions counts mixing transactions created by a
// fingerprint after since.
func (s *Store) CountRecentTransactions(ctx context.Context, fingerprint string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mix_transactions
		 WHERE ip_hash = $1 AND created_at >= $2`,
		fingerprint, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// MarkNotificationSent records that the alert was delivered externally.
func (s *Store) MarkNotificationSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE security_alerts SET notification_sent = TRUE WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return nil
}

// PurgeAlertsBefore deletes alerts created before the cutoff.
func (s *Store) PurgeAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM security_alerts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge alerts: %w", err)
	}
	return result.RowsAffected()
}
