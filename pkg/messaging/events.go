package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Subjects for mix lifecycle and security events.
const (
	SubjectMixCreated         = "mix.created"
	SubjectMixPaymentReceived = "mix.payment_received"
	SubjectMixRoundCompleted  = "mix.round_completed"
	SubjectMixCompleted       = "mix.completed"
	SubjectMixPayoutSent      = "mix.payout_sent"
	SubjectMixFailed          = "mix.failed"

	SubjectSecurityAlert = "security.alert"
)

// MixEvent is published on every lifecycle transition of a mixing
// transaction. Amounts are decimal strings.
type MixEvent struct {
	TransactionID  uuid.UUID `json:"transaction_id"`
	Status         string    `json:"status"`
	RoundsComplete int       `json:"rounds_complete,omitempty"`
	Amount         string    `json:"amount,omitempty"`
	TxID           string    `json:"txid,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// AlertEvent carries a security alert to external notification.
type AlertEvent struct {
	AlertID     int64             `json:"alert_id,omitempty"`
	AlertType   string            `json:"alert_type"`
	Severity    string            `json:"severity"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}
