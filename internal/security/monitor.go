package security

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/terminal-bench/coinmix/pkg/messaging"
)

// Alert severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert is a persisted suspicious-activity record.
type Alert struct {
	ID               int64
	AlertType        string
	Severity         string
	Fingerprint      string
	Details          map[string]string
	NotificationSent bool
	CreatedAt        time.Time
}

// Store is the persistence surface for the monitor.
type Store interface {
	// InsertAlert persists the alert and fills in its ID.
	InsertAlert(ctx context.Context, a *Alert) error
	// CountRecentAlerts counts alerts raised against this fingerprint since
	// the given time.
	CountRecentAlerts(ctx context.Context, fingerprint string, since time.Time) (int, error)
	// CountRecentTransactions counts mixing transactions created by this
	// fingerprint since the given time.
	CountRecentTransactions(ctx context.Context, fingerprint string, since time.Time) (int, error)
}

// Publisher publishes alert events for external notification.
type Publisher interface {
	Publish(subject string, data interface{}) error
}

// Monitor watches request patterns per anonymized fingerprint and raises
// alerts when they cross the configured threshold.
type Monitor struct {
	store     Store
	redis     *redis.Client
	pub       Publisher
	threshold int
	window    time.Duration
	log       *zap.Logger
}

// NewMonitor creates a monitor. redis is optional; when present it caches
// block decisions so hot fingerprints skip the database count.
func NewMonitor(store Store, rdb *redis.Client, pub Publisher, threshold int, window time.Duration, log *zap.Logger) *Monitor {
	return &Monitor{
		store:     store,
		redis:     rdb,
		pub:       pub,
		threshold: threshold,
		window:    window,
		log:       log,
	}
}

// CheckActivity reports whether a new transaction from this fingerprint
// should be allowed. A fingerprint with more recent alerts than the
// threshold, or creating transactions faster than the threshold allows, is
// blocked for the rest of the window and a SUSPICIOUS_ACTIVITY alert is
// raised.
func (m *Monitor) CheckActivity(ctx context.Context, fingerprint string) (bool, error) {
	if m.redis != nil {
		blocked, err := m.redis.Exists(ctx, blockKey(fingerprint)).Result()
		if err == nil && blocked > 0 {
			return false, nil
		}
		// redis being down never blocks the check path
	}

	since := time.Now().UTC().Add(-m.window)
	alerts, err := m.store.CountRecentAlerts(ctx, fingerprint, since)
	if err != nil {
		return false, fmt.Errorf("failed to count recent alerts: %w", err)
	}
	transactions, err := m.store.CountRecentTransactions(ctx, fingerprint, since)
	if err != nil {
		return false, fmt.Errorf("failed to count recent transactions: %w", err)
	}

	if alerts <= m.threshold && transactions <= m.threshold {
		return true, nil
	}

	if err := m.LogEvent(ctx, "SUSPICIOUS_ACTIVITY", SeverityHigh, fingerprint, map[string]string{
		"recent_alerts":       fmt.Sprintf("%d", alerts),
		"recent_transactions": fmt.Sprintf("%d", transactions),
	}); err != nil {
		m.log.Error("failed to log suspicious activity", zap.Error(err))
	}

	if m.redis != nil {
		if err := m.redis.Set(ctx, blockKey(fingerprint), "1", m.window).Err(); err != nil {
			m.log.Warn("failed to cache block decision", zap.Error(err))
		}
	}

	return false, nil
}

// LogEvent persists an alert and publishes it for notification dispatch.
// Publishing failure never blocks persistence.
func (m *Monitor) LogEvent(ctx context.Context, alertType, severity, fingerprint string, details map[string]string) error {
	alert := &Alert{
		AlertType:   alertType,
		Severity:    severity,
		Fingerprint: fingerprint,
		Details:     details,
		CreatedAt:   time.Now().UTC(),
	}

	if err := m.store.InsertAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to persist alert: %w", err)
	}

	m.log.Warn("security alert",
		zap.String("alert_type", alertType),
		zap.String("severity", severity),
		zap.String("fingerprint", fingerprint))

	if m.pub != nil {
		event := messaging.AlertEvent{
			AlertID:     alert.ID,
			AlertType:   alertType,
			Severity:    severity,
			Fingerprint: fingerprint,
			Details:     details,
			Timestamp:   alert.CreatedAt,
		}
		if err := m.pub.Publish(messaging.SubjectSecurityAlert, event); err != nil {
			m.log.Warn("failed to publish alert event", zap.Error(err))
		}
	}

	return nil
}

func blockKey(fingerprint string) string {
	return "mix:blocked:" + fingerprint
}
