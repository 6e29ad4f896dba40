package mixer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a mixing transaction. Transitions only
// move forward: pending -> mixing -> completed, with failed reachable from
// mixing and cancelled set out-of-band. Failed and cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusMixing    Status = "mixing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Transaction is one user-initiated mix request.
type Transaction struct {
	ID        uuid.UUID
	SessionID string

	InputAmount  decimal.Decimal
	FeeAmount    decimal.Decimal
	OutputAmount decimal.Decimal

	InputAddress  string
	OutputAddress string
	// MixingAddress is the current holding address mid-mix.
	MixingAddress string

	Status          Status
	RoundsCompleted int

	InputTxID  string
	OutputTxID string

	CreatedAt         time.Time
	MixingStartedAt   *time.Time
	CompletedAt       *time.Time
	ScheduledOutputAt time.Time

	IPHash        string
	UserAgentHash string

	ErrorMessage string
	RetryCount   int
}

// LogEntry is one append-only audit record for a transaction.
type LogEntry struct {
	ID            int64             `json:"-"`
	TransactionID uuid.UUID         `json:"-"`
	Action        string            `json:"action"`
	Details       map[string]string `json:"details,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Store is the persistence surface the engine needs. Every state-advancing
// write is a compare-and-set keyed on the expected current state; the bool
// result is false when a concurrent writer got there first.
type Store interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)

	// MarkMixing moves pending -> mixing, recording the funding txid and
	// mixing start time.
	MarkMixing(ctx context.Context, id uuid.UUID, inputTxID string, startedAt time.Time) (bool, error)

	// AdvanceRound increments the round counter from the expected prior
	// count and records the new holding address.
	AdvanceRound(ctx context.Context, id uuid.UUID, fromRounds int, holdingAddress string) (bool, error)

	// CompleteMixing moves mixing -> completed once the round counter has
	// reached rounds.
	CompleteMixing(ctx context.Context, id uuid.UUID, rounds int, completedAt time.Time) (bool, error)

	// MarkFailed moves mixing -> failed with an error message.
	MarkFailed(ctx context.Context, id uuid.UUID, message string) (bool, error)

	// RecordPayout sets the payout txid if none is recorded yet.
	RecordPayout(ctx context.Context, id uuid.UUID, txid string) (bool, error)

	// RecordPayoutFailure increments the retry counter and stores the
	// message, returning the new counter value.
	RecordPayoutFailure(ctx context.Context, id uuid.UUID, message string) (int, error)

	AppendLog(ctx context.Context, id uuid.UUID, action string, details map[string]string) error
	ListLogs(ctx context.Context, id uuid.UUID) ([]LogEntry, error)
}

// Wallet is the subset of the Bitcoin RPC backend the engine uses.
type Wallet interface {
	NewAddress(ctx context.Context, label string) (string, error)
	ValidateAddress(ctx context.Context, address string) (bool, error)
	ReceivedByAddress(ctx context.Context, address string, minConf int) (decimal.Decimal, error)
	ReceivedTxIDs(ctx context.Context, address string) ([]string, error)
	SendToAddress(ctx context.Context, address string, amount decimal.Decimal) (string, error)
}

// AddressPool allocates custodial holding addresses for round hops.
type AddressPool interface {
	Allocate(ctx context.Context, n int) ([]string, error)
}

// Publisher publishes lifecycle events. Publishing is best-effort; failures
// never block a state transition.
type Publisher interface {
	Publish(subject string, data interface{}) error
}
