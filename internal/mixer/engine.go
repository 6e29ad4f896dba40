package mixer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/terminal-bench/coinmix/pkg/btcaddr"
	"github.com/terminal-bench/coinmix/pkg/messaging"
)

var (
	ErrNotFound           = errors.New("transaction not found")
	ErrInvalidAmount      = errors.New("amount out of bounds")
	ErrInvalidAddress     = errors.New("invalid output address")
	ErrBackendUnavailable = errors.New("wallet backend unavailable")
)

const amountPlaces = 8

// Config holds the mixing parameters fixed at engine construction.
type Config struct {
	MinAmount        decimal.Decimal
	MaxAmount        decimal.Decimal
	FeeRate          decimal.Decimal
	MixingRounds     int
	DelayMinutesMin  int
	DelayMinutesMax  int
	PoolSize         int
	PayoutMaxRetries int
}

// Engine drives the transaction lifecycle. It holds no per-transaction
// state; every operation reads and writes through the store so any number of
// engine instances can run concurrently.
type Engine struct {
	store  Store
	wallet Wallet
	pool   AddressPool
	pub    Publisher
	cfg    Config
	log    *zap.Logger
}

func NewEngine(store Store, wallet Wallet, pool AddressPool, pub Publisher, cfg Config, log *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		wallet: wallet,
		pool:   pool,
		pub:    pub,
		cfg:    cfg,
		log:    log,
	}
}

// CreateRequest carries the validated user submission.
type CreateRequest struct {
	InputAmount   decimal.Decimal
	OutputAddress string
	SessionID     string
	IPHash        string
	UserAgentHash string
}

// Create validates the request, allocates a one-time deposit address and
// persists a new pending transaction. Fee and output amounts are computed
// here, once, from the rate active at this moment.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	if req.InputAmount.LessThan(e.cfg.MinAmount) || req.InputAmount.GreaterThan(e.cfg.MaxAmount) {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidAmount,
			req.InputAmount, e.cfg.MinAmount, e.cfg.MaxAmount)
	}

	if !btcaddr.IsValid(req.OutputAddress) {
		return nil, ErrInvalidAddress
	}
	valid, err := e.wallet.ValidateAddress(ctx, req.OutputAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: validateaddress: %v", ErrBackendUnavailable, err)
	}
	if !valid {
		return nil, ErrInvalidAddress
	}

	feeAmount := req.InputAmount.Mul(e.cfg.FeeRate).Round(amountPlaces)
	outputAmount := req.InputAmount.Sub(feeAmount)

	// The deposit address is always freshly generated, never drawn from the
	// mixing pool, so one deposit correlates to exactly one transaction.
	inputAddress, err := e.wallet.NewAddress(ctx, "mixer_input")
	if err != nil {
		return nil, fmt.Errorf("%w: getnewaddress: %v", ErrBackendUnavailable, err)
	}

	delayMinutes := e.cfg.DelayMinutesMin
	if e.cfg.DelayMinutesMax > e.cfg.DelayMinutesMin {
		delayMinutes += rand.Intn(e.cfg.DelayMinutesMax - e.cfg.DelayMinutesMin + 1)
	}
	now := time.Now().UTC()

	tx := &Transaction{
		ID:                uuid.New(),
		SessionID:         req.SessionID,
		InputAmount:       req.InputAmount,
		FeeAmount:         feeAmount,
		OutputAmount:      outputAmount,
		InputAddress:      inputAddress,
		OutputAddress:     req.OutputAddress,
		Status:            StatusPending,
		CreatedAt:         now,
		ScheduledOutputAt: now.Add(time.Duration(delayMinutes) * time.Minute),
		IPHash:            req.IPHash,
		UserAgentHash:     req.UserAgentHash,
	}

	if err := e.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	e.appendLog(ctx, tx.ID, "CREATED", map[string]string{
		"input_amount":   req.InputAmount.String(),
		"output_address": req.OutputAddress,
		"delay_minutes":  fmt.Sprintf("%d", delayMinutes),
	})
	e.publish(messaging.SubjectMixCreated, messaging.MixEvent{
		TransactionID: tx.ID,
		Status:        string(StatusPending),
		Amount:        tx.InputAmount.String(),
		Timestamp:     now,
	})

	e.log.Info("mixing transaction created",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("input_amount", tx.InputAmount.String()),
		zap.Int("delay_minutes", delayMinutes))

	return tx, nil
}

// DetectPayment checks the deposit address for zero-confirmation funds. It
// returns true once the transaction is funded, including on repeat calls
// after the transition already happened.
func (e *Engine) DetectPayment(ctx context.Context, id uuid.UUID) (bool, error) {
	tx, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return false, err
	}

	switch tx.Status {
	case StatusPending:
		// fall through to the balance check
	case StatusMixing, StatusCompleted:
		// already processed
		return true, nil
	default:
		return false, nil
	}

	received, err := e.wallet.ReceivedByAddress(ctx, tx.InputAddress, 0)
	if err != nil {
		return false, fmt.Errorf("%w: getreceivedbyaddress: %v", ErrBackendUnavailable, err)
	}
	if received.LessThan(tx.InputAmount) {
		// under-payment is not an error; the poller will look again
		return false, nil
	}

	var inputTxID string
	if txids, err := e.wallet.ReceivedTxIDs(ctx, tx.InputAddress); err == nil && len(txids) > 0 {
		inputTxID = txids[0]
	}

	now := time.Now().UTC()
	ok, err := e.store.MarkMixing(ctx, id, inputTxID, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark mixing: %w", err)
	}
	if !ok {
		// a concurrent caller won the transition
		return true, nil
	}

	e.appendLog(ctx, id, "PAYMENT_RECEIVED", map[string]string{
		"amount": received.String(),
		"txid":   inputTxID,
	})
	e.publish(messaging.SubjectMixPaymentReceived, messaging.MixEvent{
		TransactionID: id,
		Status:        string(StatusMixing),
		Amount:        received.String(),
		TxID:          inputTxID,
		Timestamp:     now,
	})

	e.log.Info("payment received",
		zap.String("transaction_id", id.String()),
		zap.String("amount", received.String()))

	return true, nil
}

// AdvanceRound performs one custody hop: the funds are reassigned from the
// current holding point to a pool address. Hops are internal bookkeeping,
// not on-chain transfers. Returns false when the transaction is not in a
// state to advance or a concurrent caller advanced it first.
func (e *Engine) AdvanceRound(ctx context.Context, id uuid.UUID) (bool, error) {
	tx, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return false, err
	}
	if tx.Status != StatusMixing || tx.RoundsCompleted >= e.cfg.MixingRounds {
		return false, nil
	}

	dest, err := e.pickHoldingAddress(ctx, tx.MixingAddress)
	if err != nil {
		// Round failure is terminal: partial movement may have happened, so
		// the transaction needs manual intervention rather than a blind
		// retry.
		e.failMixing(ctx, id, err.Error())
		return false, fmt.Errorf("mixing round failed: %w", err)
	}

	fromAddress := tx.InputAddress
	if tx.RoundsCompleted > 0 {
		fromAddress = tx.MixingAddress
	}

	ok, err := e.store.AdvanceRound(ctx, id, tx.RoundsCompleted, dest)
	if err != nil {
		return false, fmt.Errorf("failed to advance round: %w", err)
	}
	if !ok {
		// lost the compare-and-set to a concurrent caller, or the
		// transaction was cancelled out-of-band
		return false, nil
	}

	rounds := tx.RoundsCompleted + 1
	now := time.Now().UTC()

	e.appendLog(ctx, id, fmt.Sprintf("MIXING_ROUND_%d", rounds), map[string]string{
		"from":   fromAddress,
		"to":     dest,
		"amount": tx.OutputAmount.String(),
	})
	e.publish(messaging.SubjectMixRoundCompleted, messaging.MixEvent{
		TransactionID:  id,
		Status:         string(StatusMixing),
		RoundsComplete: rounds,
		Timestamp:      now,
	})

	if rounds >= e.cfg.MixingRounds {
		done, err := e.store.CompleteMixing(ctx, id, rounds, now)
		if err != nil {
			return true, fmt.Errorf("failed to complete mixing: %w", err)
		}
		if done {
			e.appendLog(ctx, id, "OUTPUT_SCHEDULED", map[string]string{
				"scheduled_time": tx.ScheduledOutputAt.Format(time.RFC3339),
				"output_address": tx.OutputAddress,
			})
			e.publish(messaging.SubjectMixCompleted, messaging.MixEvent{
				TransactionID:  id,
				Status:         string(StatusCompleted),
				RoundsComplete: rounds,
				Timestamp:      now,
			})
			e.log.Info("mixing completed",
				zap.String("transaction_id", id.String()),
				zap.Int("rounds", rounds))
		}
	}

	return true, nil
}

// pickHoldingAddress allocates a pool address distinct from the current
// holding address.
func (e *Engine) pickHoldingAddress(ctx context.Context, current string) (string, error) {
	addrs, err := e.pool.Allocate(ctx, e.cfg.PoolSize)
	if err != nil {
		return "", err
	}

	candidates := distinct(addrs, current)
	if len(candidates) == 0 {
		// pool collapsed to the current address; grow it by one
		addrs, err = e.pool.Allocate(ctx, e.cfg.PoolSize+1)
		if err != nil {
			return "", err
		}
		candidates = distinct(addrs, current)
		if len(candidates) == 0 {
			return "", fmt.Errorf("no pool address distinct from %s", current)
		}
	}

	return candidates[rand.Intn(len(candidates))], nil
}

func distinct(addrs []string, current string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a != current {
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) failMixing(ctx context.Context, id uuid.UUID, message string) {
	ok, err := e.store.MarkFailed(ctx, id, message)
	if err != nil {
		e.log.Error("failed to mark transaction failed",
			zap.String("transaction_id", id.String()), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	e.publish(messaging.SubjectMixFailed, messaging.MixEvent{
		TransactionID: id,
		Status:        string(StatusFailed),
		Error:         message,
		Timestamp:     time.Now().UTC(),
	})
	e.log.Error("mixing round failed",
		zap.String("transaction_id", id.String()),
		zap.String("error", message))
}

// SendPayout transfers the net output amount to the user's address. Only
// COMPLETED transactions without a recorded payout are eligible; calling
// before the scheduled time still sends, timing is enforced by the payout-due
// driver's query, not here.
func (e *Engine) SendPayout(ctx context.Context, id uuid.UUID) (bool, error) {
	tx, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return false, err
	}
	if tx.Status != StatusCompleted || tx.OutputTxID != "" {
		return false, nil
	}
	if tx.RetryCount >= e.cfg.PayoutMaxRetries {
		return false, nil
	}

	txid, err := e.wallet.SendToAddress(ctx, tx.OutputAddress, tx.OutputAmount)
	if err != nil {
		// Payout failure never moves the transaction to failed: funds may
		// have partially left the system, so it stays completed and is
		// retried by the payout-due driver.
		retries, serr := e.store.RecordPayoutFailure(ctx, id, err.Error())
		if serr != nil {
			e.log.Error("failed to record payout failure",
				zap.String("transaction_id", id.String()), zap.Error(serr))
		}
		e.log.Warn("payout attempt failed",
			zap.String("transaction_id", id.String()),
			zap.Int("retry_count", retries),
			zap.Error(err))

		if retries >= e.cfg.PayoutMaxRetries {
			e.appendLog(ctx, id, "PAYOUT_RETRIES_EXHAUSTED", map[string]string{
				"retry_count": fmt.Sprintf("%d", retries),
				"error":       err.Error(),
			})
			e.publish(messaging.SubjectSecurityAlert, messaging.AlertEvent{
				AlertType: "PAYOUT_RETRIES_EXHAUSTED",
				Severity:  "critical",
				Details: map[string]string{
					"transaction_id": id.String(),
					"retry_count":    fmt.Sprintf("%d", retries),
				},
				Timestamp: time.Now().UTC(),
			})
		}
		return false, fmt.Errorf("%w: sendtoaddress: %v", ErrBackendUnavailable, err)
	}

	ok, err := e.store.RecordPayout(ctx, id, txid)
	if err != nil {
		return false, fmt.Errorf("failed to record payout: %w", err)
	}
	if !ok {
		e.log.Warn("payout already recorded by concurrent writer",
			zap.String("transaction_id", id.String()),
			zap.String("txid", txid))
		return false, nil
	}

	now := time.Now().UTC()
	e.appendLog(ctx, id, "OUTPUT_SENT", map[string]string{
		"txid":    txid,
		"amount":  tx.OutputAmount.String(),
		"address": tx.OutputAddress,
	})
	e.publish(messaging.SubjectMixPayoutSent, messaging.MixEvent{
		TransactionID: id,
		Status:        string(StatusCompleted),
		Amount:        tx.OutputAmount.String(),
		TxID:          txid,
		Timestamp:     now,
	})

	e.log.Info("payout sent",
		zap.String("transaction_id", id.String()),
		zap.String("txid", txid))

	return true, nil
}

// StatusView is the public projection of a transaction.
type StatusView struct {
	ID                uuid.UUID  `json:"id"`
	SessionID         string     `json:"-"`
	Status            Status     `json:"status"`
	InputAddress      string     `json:"input_address"`
	InputAmount       string     `json:"input_amount"`
	FeeAmount         string     `json:"fee_amount"`
	OutputAmount      string     `json:"output_amount"`
	RoundsCompleted   int        `json:"mixing_rounds_completed"`
	CreatedAt         time.Time  `json:"created_at"`
	ScheduledOutputAt time.Time  `json:"scheduled_output_time"`
	InputTxID         string     `json:"input_txid,omitempty"`
	OutputTxID        string     `json:"output_txid,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Status returns the public projection of a transaction.
func (e *Engine) Status(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	tx, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	return &StatusView{
		ID:                tx.ID,
		SessionID:         tx.SessionID,
		Status:            tx.Status,
		InputAddress:      tx.InputAddress,
		InputAmount:       tx.InputAmount.String(),
		FeeAmount:         tx.FeeAmount.String(),
		OutputAmount:      tx.OutputAmount.String(),
		RoundsCompleted:   tx.RoundsCompleted,
		CreatedAt:         tx.CreatedAt,
		ScheduledOutputAt: tx.ScheduledOutputAt,
		InputTxID:         tx.InputTxID,
		OutputTxID:        tx.OutputTxID,
		CompletedAt:       tx.CompletedAt,
	}, nil
}

// Logs returns the audit trail for a transaction.
func (e *Engine) Logs(ctx context.Context, id uuid.UUID) ([]LogEntry, error) {
	if _, err := e.store.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListLogs(ctx, id)
}

func (e *Engine) appendLog(ctx context.Context, id uuid.UUID, action string, details map[string]string) {
	if err := e.store.AppendLog(ctx, id, action, details); err != nil {
		e.log.Error("failed to append audit log",
			zap.String("transaction_id", id.String()),
			zap.String("action", action),
			zap.Error(err))
	}
}

func (e *Engine) publish(subject string, event interface{}) {
	if e.pub == nil {
		return
	}
	if err := e.pub.Publish(subject, event); err != nil {
		e.log.Warn("failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}
