package mixer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const validAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

// fakeStore is an in-memory Store with the same compare-and-set semantics
// as the Postgres implementation.
type fakeStore struct {
	mu   sync.Mutex
	txs  map[uuid.UUID]*Transaction
	logs []LogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{txs: make(map[uuid.UUID]*Transaction)}
}

func (f *fakeStore) CreateTransaction(_ context.Context, tx *Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *tx
	f.txs[tx.ID] = &cp
	return nil
}

func (f *fakeStore) GetTransaction(_ context.Context, id uuid.UUID) (*Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeStore) MarkMixing(_ context.Context, id uuid.UUID, inputTxID string, startedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok || tx.Status != StatusPending {
		return false, nil
	}
	tx.Status = StatusMixing
	tx.InputTxID = inputTxID
	tx.MixingStartedAt = &startedAt
	return true, nil
}

func (f *fakeStore) AdvanceRound(_ context.Context, id uuid.UUID, fromRounds int, holdingAddress string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok || tx.Status != StatusMixing || tx.RoundsCompleted != fromRounds {
		return false, nil
	}
	tx.RoundsCompleted++
	tx.MixingAddress = holdingAddress
	return true, nil
}

func (f *fakeStore) CompleteMixing(_ context.Context, id uuid.UUID, rounds int, completedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok || tx.Status != StatusMixing || tx.RoundsCompleted < rounds {
		return false, nil
	}
	tx.Status = StatusCompleted
	tx.CompletedAt = &completedAt
	return true, nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok || tx.Status != StatusMixing {
		return false, nil
	}
	tx.Status = StatusFailed
	tx.ErrorMessage = message
	return true, nil
}

func (f *fakeStore) RecordPayout(_ context.Context, id uuid.UUID, txid string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok || tx.Status != StatusCompleted || tx.OutputTxID != "" {
		return false, nil
	}
	tx.OutputTxID = txid
	return true, nil
}

func (f *fakeStore) RecordPayoutFailure(_ context.Context, id uuid.UUID, message string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return 0, ErrNotFound
	}
	tx.RetryCount++
	tx.ErrorMessage = message
	return tx.RetryCount, nil
}

func (f *fakeStore) AppendLog(_ context.Context, id uuid.UUID, action string, details map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, LogEntry{
		TransactionID: id,
		Action:        action,
		Details:       details,
		Timestamp:     time.Now(),
	})
	return nil
}

func (f *fakeStore) ListLogs(_ context.Context, id uuid.UUID) ([]LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []LogEntry
	for _, entry := range f.logs {
		if entry.TransactionID == id {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (f *fakeStore) logActions(id uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var actions []string
	for _, entry := range f.logs {
		if entry.TransactionID == id {
			actions = append(actions, entry.Action)
		}
	}
	return actions
}

func (f *fakeStore) get(id uuid.UUID) *Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.txs[id]
	return &cp
}

func (f *fakeStore) cancel(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[id].Status = StatusCancelled
}

type fakeWallet struct {
	mu            sync.Mutex
	addrSeq       int
	received      decimal.Decimal
	receivedErr   error
	receivedCalls int
	validateOK    bool
	validateErr   error
	newAddrErr    error
	sendErr       error
	sentTo        []string
	sentAmounts   []decimal.Decimal
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{validateOK: true}
}

func (w *fakeWallet) NewAddress(_ context.Context, label string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.newAddrErr != nil {
		return "", w.newAddrErr
	}
	w.addrSeq++
	return fmt.Sprintf("addr-%s-%d", label, w.addrSeq), nil
}

func (w *fakeWallet) ValidateAddress(_ context.Context, _ string) (bool, error) {
	return w.validateOK, w.validateErr
}

func (w *fakeWallet) ReceivedByAddress(_ context.Context, _ string, _ int) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.receivedCalls++
	if w.receivedErr != nil {
		return decimal.Zero, w.receivedErr
	}
	return w.received, nil
}

func (w *fakeWallet) ReceivedTxIDs(_ context.Context, _ string) ([]string, error) {
	return []string{"funding-txid"}, nil
}

func (w *fakeWallet) SendToAddress(_ context.Context, address string, amount decimal.Decimal) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sendErr != nil {
		return "", w.sendErr
	}
	w.sentTo = append(w.sentTo, address)
	w.sentAmounts = append(w.sentAmounts, amount)
	return fmt.Sprintf("payout-txid-%d", len(w.sentTo)), nil
}

type fakePool struct {
	mu        sync.Mutex
	addresses []string
	err       error
	calls     int
}

func (p *fakePool) Allocate(_ context.Context, n int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if n > len(p.addresses) {
		n = len(p.addresses)
	}
	return p.addresses[:n], nil
}

func testConfig() Config {
	return Config{
		MinAmount:        decimal.RequireFromString("0.001"),
		MaxAmount:        decimal.RequireFromString("100"),
		FeeRate:          decimal.RequireFromString("0.03"),
		MixingRounds:     3,
		DelayMinutesMin:  10,
		DelayMinutesMax:  60,
		PoolSize:         5,
		PayoutMaxRetries: 10,
	}
}

func newTestEngine(store *fakeStore, wallet *fakeWallet, addrPool *fakePool) *Engine {
	if addrPool == nil {
		addrPool = &fakePool{addresses: []string{"pool-a", "pool-b", "pool-c", "pool-d", "pool-e"}}
	}
	return NewEngine(store, wallet, addrPool, nil, testConfig(), zap.NewNop())
}

func createTx(t *testing.T, e *Engine, amount string) *Transaction {
	t.Helper()
	tx, err := e.Create(context.Background(), CreateRequest{
		InputAmount:   decimal.RequireFromString(amount),
		OutputAddress: validAddress,
		SessionID:     "session-1",
	})
	require.NoError(t, err)
	return tx
}

func TestCreate(t *testing.T) {
	t.Run("should compute fee and output exactly", func(t *testing.T) {
		store := newFakeStore()
		e := newTestEngine(store, newFakeWallet(), nil)

		tx := createTx(t, e, "1.0")

		assert.True(t, tx.FeeAmount.Equal(decimal.RequireFromString("0.03")),
			"fee was %s", tx.FeeAmount)
		assert.True(t, tx.OutputAmount.Equal(decimal.RequireFromString("0.97")),
			"output was %s", tx.OutputAmount)
		assert.True(t, tx.OutputAmount.Add(tx.FeeAmount).Equal(tx.InputAmount))
	})

	t.Run("should persist pending transaction with audit log", func(t *testing.T) {
		store := newFakeStore()
		e := newTestEngine(store, newFakeWallet(), nil)

		tx := createTx(t, e, "2.5")

		stored := store.get(tx.ID)
		assert.Equal(t, StatusPending, stored.Status)
		assert.Equal(t, 0, stored.RoundsCompleted)
		assert.Equal(t, []string{"CREATED"}, store.logActions(tx.ID))
	})

	t.Run("should schedule payout inside the configured delay window", func(t *testing.T) {
		store := newFakeStore()
		e := newTestEngine(store, newFakeWallet(), nil)

		before := time.Now().UTC()
		tx := createTx(t, e, "1.0")
		after := time.Now().UTC()

		assert.False(t, tx.ScheduledOutputAt.Before(before.Add(10*time.Minute)))
		assert.False(t, tx.ScheduledOutputAt.After(after.Add(60*time.Minute)))
	})

	t.Run("should generate a dedicated input address", func(t *testing.T) {
		store := newFakeStore()
		e := newTestEngine(store, newFakeWallet(), nil)

		tx1 := createTx(t, e, "1.0")
		tx2 := createTx(t, e, "1.0")

		assert.NotEmpty(t, tx1.InputAddress)
		assert.NotEqual(t, tx1.InputAddress, tx2.InputAddress)
	})

	t.Run("should reject amount below minimum", func(t *testing.T) {
		e := newTestEngine(newFakeStore(), newFakeWallet(), nil)

		_, err := e.Create(context.Background(), CreateRequest{
			InputAmount:   decimal.RequireFromString("0.0001"),
			OutputAddress: validAddress,
		})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("should reject amount above maximum", func(t *testing.T) {
		e := newTestEngine(newFakeStore(), newFakeWallet(), nil)

		_, err := e.Create(context.Background(), CreateRequest{
			InputAmount:   decimal.RequireFromString("150"),
			OutputAddress: validAddress,
		})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("should reject malformed address", func(t *testing.T) {
		e := newTestEngine(newFakeStore(), newFakeWallet(), nil)

		_, err := e.Create(context.Background(), CreateRequest{
			InputAmount:   decimal.RequireFromString("1.0"),
			OutputAddress: "not-an-address",
		})
		assert.ErrorIs(t, err, ErrInvalidAddress)
	})

	t.Run("should reject address the backend rejects", func(t *testing.T) {
		wallet := newFakeWallet()
		wallet.validateOK = false
		e := newTestEngine(newFakeStore(), wallet, nil)

		_, err := e.Create(context.Background(), CreateRequest{
			InputAmount:   decimal.RequireFromString("1.0"),
			OutputAddress: validAddress,
		})
		assert.ErrorIs(t, err, ErrInvalidAddress)
	})

	t.Run("should surface backend failure as retryable", func(t *testing.T) {
		wallet := newFakeWallet()
		wallet.newAddrErr = errors.New("connection refused")
		e := newTestEngine(newFakeStore(), wallet, nil)

		_, err := e.Create(context.Background(), CreateRequest{
			InputAmount:   decimal.RequireFromString("1.0"),
			OutputAddress: validAddress,
		})
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	})
}

func TestDetectPayment(t *testing.T) {
	t.Run("should transition to mixing when fully funded", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := createTx(t, e, "1.0")
		wallet.received = decimal.RequireFromString("1.0")

		funded, err := e.DetectPayment(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.True(t, funded)

		stored := store.get(tx.ID)
		assert.Equal(t, StatusMixing, stored.Status)
		assert.Equal(t, "funding-txid", stored.InputTxID)
		assert.NotNil(t, stored.MixingStartedAt)
		assert.Equal(t, []string{"CREATED", "PAYMENT_RECEIVED"}, store.logActions(tx.ID))
	})

	t.Run("should be idempotent on repeat calls", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := createTx(t, e, "1.0")
		wallet.received = decimal.RequireFromString("1.0")

		_, err := e.DetectPayment(context.Background(), tx.ID)
		require.NoError(t, err)
		before := store.get(tx.ID)

		funded, err := e.DetectPayment(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.True(t, funded, "repeat call still reports funded")

		assert.Equal(t, before, store.get(tx.ID), "no state change on second call")
		assert.Equal(t, []string{"CREATED", "PAYMENT_RECEIVED"}, store.logActions(tx.ID),
			"no duplicate log entries")
	})

	t.Run("should keep pending on under-payment", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := createTx(t, e, "1.0")
		wallet.received = decimal.RequireFromString("0.5")

		funded, err := e.DetectPayment(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.False(t, funded)
		assert.Equal(t, StatusPending, store.get(tx.ID).Status)
	})

	t.Run("should surface backend failure without state change", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := createTx(t, e, "1.0")
		wallet.receivedErr = errors.New("timeout")

		_, err := e.DetectPayment(context.Background(), tx.ID)
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.Equal(t, StatusPending, store.get(tx.ID).Status)
	})

	t.Run("should report not found for unknown id", func(t *testing.T) {
		e := newTestEngine(newFakeStore(), newFakeWallet(), nil)

		_, err := e.DetectPayment(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func fundTx(t *testing.T, e *Engine, wallet *fakeWallet, tx *Transaction) {
	t.Helper()
	wallet.received = tx.InputAmount
	_, err := e.DetectPayment(context.Background(), tx.ID)
	require.NoError(t, err)
}

func TestAdvanceRound(t *testing.T) {
	t.Run("should complete after configured rounds", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := createTx(t, e, "1.0")
		fundTx(t, e, wallet, tx)

		for i := 0; i < 3; i++ {
			advanced, err := e.AdvanceRound(context.Background(), tx.ID)
			require.NoError(t, err)
			assert.True(t, advanced)
		}

		stored := store.get(tx.ID)
		assert.Equal(t, StatusCompleted, stored.Status)
		assert.Equal(t, 3, stored.RoundsCompleted)
		assert.NotNil(t, stored.CompletedAt)
		assert.Equal(t,
			[]string{"CREATED", "PAYMENT_RECEIVED", "MIXING_ROUND_1", "MIXING_ROUND_2", "MIXING_ROUND_3", "OUTPUT_SCHEDULED"},
			store.logActions(tx.ID))
	})

	t.Run("should never exceed configured rounds", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := createTx(t, e, "1.0")
		fundTx(t, e, wallet, tx)

		for i := 0; i < 6; i++ {
			e.AdvanceRound(context.Background(), tx.ID)
		}

		assert.Equal(t, 3, store.get(tx.ID).RoundsCompleted)
	})

	t.Run("should be a no-op outside mixing state", func(t *testing.T) {
		store := newFakeStore()
		e := newTestEngine(store, newFakeWallet(), nil)
		tx := createTx(t, e, "1.0")

		advanced, err := e.AdvanceRound(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.False(t, advanced)
		assert.Equal(t, 0, store.get(tx.ID).RoundsCompleted)
	})

	t.Run("should pick a holding address distinct from the previous hop", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := createTx(t, e, "1.0")
		fundTx(t, e, wallet, tx)

		prev := ""
		for i := 0; i < 3; i++ {
			_, err := e.AdvanceRound(context.Background(), tx.ID)
			require.NoError(t, err)
			current := store.get(tx.ID).MixingAddress
			assert.NotEqual(t, prev, current, "round %d reused holding address", i+1)
			prev = current
		}
	})

	t.Run("should reselect when the pool collapses to the current address", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		addrPool := &fakePool{addresses: []string{"pool-a", "pool-b"}}
		e := newTestEngine(store, wallet, addrPool)
		tx := createTx(t, e, "1.0")
		fundTx(t, e, wallet, tx)

		for i := 0; i < 3; i++ {
			_, err := e.AdvanceRound(context.Background(), tx.ID)
			require.NoError(t, err)
		}

		assert.Equal(t, 3, store.get(tx.ID).RoundsCompleted)
	})

	t.Run("should fail terminally on pool backend error", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		addrPool := &fakePool{err: errors.New("backend down")}
		e := newTestEngine(store, wallet, addrPool)
		tx := createTx(t, e, "1.0")
		fundTx(t, e, wallet, tx)

		_, err := e.AdvanceRound(context.Background(), tx.ID)
		assert.Error(t, err)

		stored := store.get(tx.ID)
		assert.Equal(t, StatusFailed, stored.Status)
		assert.Equal(t, 0, stored.RoundsCompleted, "failed round is not counted")
		assert.NotEmpty(t, stored.ErrorMessage)
	})

	t.Run("concurrent callers should produce exactly one increment", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := createTx(t, e, "1.0")
		fundTx(t, e, wallet, tx)

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.AdvanceRound(context.Background(), tx.ID)
			}()
		}
		wg.Wait()

		rounds := store.get(tx.ID).RoundsCompleted
		assert.LessOrEqual(t, rounds, 2)
		assert.GreaterOrEqual(t, rounds, 1)

		// the compare-and-set means each completed round logged exactly once
		var roundOne int
		for _, action := range store.logActions(tx.ID) {
			if action == "MIXING_ROUND_1" {
				roundOne++
			}
		}
		assert.Equal(t, 1, roundOne)
	})
}

func completeTx(t *testing.T, e *Engine, store *fakeStore, wallet *fakeWallet) *Transaction {
	t.Helper()
	tx := createTx(t, e, "1.0")
	fundTx(t, e, wallet, tx)
	for i := 0; i < 3; i++ {
		_, err := e.AdvanceRound(context.Background(), tx.ID)
		require.NoError(t, err)
	}
	return store.get(tx.ID)
}

func TestSendPayout(t *testing.T) {
	t.Run("should send net amount and record txid", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := completeTx(t, e, store, wallet)

		sent, err := e.SendPayout(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.True(t, sent)

		stored := store.get(tx.ID)
		assert.NotEmpty(t, stored.OutputTxID)
		assert.Equal(t, []string{validAddress}, wallet.sentTo)
		assert.True(t, wallet.sentAmounts[0].Equal(decimal.RequireFromString("0.97")))
		assert.Contains(t, store.logActions(tx.ID), "OUTPUT_SENT")
	})

	t.Run("should never double-pay", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := completeTx(t, e, store, wallet)

		_, err := e.SendPayout(context.Background(), tx.ID)
		require.NoError(t, err)

		sent, err := e.SendPayout(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.False(t, sent)
		assert.Len(t, wallet.sentTo, 1, "exactly one on-chain send")
	})

	t.Run("should send before the scheduled time when called directly", func(t *testing.T) {
		// timing is the payout-due driver's concern, not the engine's
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := completeTx(t, e, store, wallet)
		require.True(t, tx.ScheduledOutputAt.After(time.Now()))

		sent, err := e.SendPayout(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.True(t, sent)
	})

	t.Run("should be a no-op when not completed", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := createTx(t, e, "1.0")

		sent, err := e.SendPayout(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.False(t, sent)
		assert.Empty(t, wallet.sentTo)
	})

	t.Run("should stay completed and count retries on failure", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := completeTx(t, e, store, wallet)
		wallet.sendErr = errors.New("insufficient funds")

		sent, err := e.SendPayout(context.Background(), tx.ID)
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.False(t, sent)

		stored := store.get(tx.ID)
		assert.Equal(t, StatusCompleted, stored.Status, "payout failure never fails the transaction")
		assert.Equal(t, 1, stored.RetryCount)
		assert.NotEmpty(t, stored.ErrorMessage)

		// recovery still works
		wallet.sendErr = nil
		sent, err = e.SendPayout(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.True(t, sent)
	})

	t.Run("should stop retrying at the cap", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := completeTx(t, e, store, wallet)
		wallet.sendErr = errors.New("insufficient funds")

		for i := 0; i < 10; i++ {
			e.SendPayout(context.Background(), tx.ID)
		}
		assert.Equal(t, 10, store.get(tx.ID).RetryCount)
		assert.Contains(t, store.logActions(tx.ID), "PAYOUT_RETRIES_EXHAUSTED")

		wallet.sendErr = nil
		sent, err := e.SendPayout(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.False(t, sent, "exhausted payout needs manual intervention")
	})
}

func TestStatus(t *testing.T) {
	t.Run("should project public fields", func(t *testing.T) {
		store := newFakeStore()
		e := newTestEngine(store, newFakeWallet(), nil)
		tx := createTx(t, e, "1.0")

		view, err := e.Status(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.Equal(t, tx.ID, view.ID)
		assert.Equal(t, StatusPending, view.Status)
		assert.Equal(t, "1", view.InputAmount)
		assert.Equal(t, "0.03", view.FeeAmount)
		assert.Equal(t, "0.97", view.OutputAmount)
		assert.Equal(t, "session-1", view.SessionID)
	})

	t.Run("should report not found", func(t *testing.T) {
		e := newTestEngine(newFakeStore(), newFakeWallet(), nil)
		_, err := e.Status(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCancelledTransaction(t *testing.T) {
	// cancellation happens out-of-band; every operation has to discover it
	// and stop as a no-op, never as an error

	t.Run("detect payment should not touch the wallet", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := createTx(t, e, "1.0")
		store.cancel(tx.ID)
		wallet.received = decimal.RequireFromString("1.0")

		funded, err := e.DetectPayment(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.False(t, funded)

		assert.Equal(t, 0, wallet.receivedCalls)
		assert.Equal(t, StatusCancelled, store.get(tx.ID).Status)
		assert.Equal(t, []string{"CREATED"}, store.logActions(tx.ID))
	})

	t.Run("advance round should not touch the pool", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		addrPool := &fakePool{addresses: []string{"pool-a", "pool-b"}}
		e := newTestEngine(store, wallet, addrPool)
		tx := createTx(t, e, "1.0")
		fundTx(t, e, wallet, tx)
		store.cancel(tx.ID)

		advanced, err := e.AdvanceRound(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.False(t, advanced)

		assert.Equal(t, 0, addrPool.calls)
		stored := store.get(tx.ID)
		assert.Equal(t, StatusCancelled, stored.Status)
		assert.Equal(t, 0, stored.RoundsCompleted)
	})

	t.Run("send payout should not send on-chain", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := completeTx(t, e, store, wallet)
		store.cancel(tx.ID)

		sent, err := e.SendPayout(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.False(t, sent)

		assert.Empty(t, wallet.sentTo)
		stored := store.get(tx.ID)
		assert.Equal(t, StatusCancelled, stored.Status)
		assert.Empty(t, stored.OutputTxID)
	})
}

func TestLogs(t *testing.T) {
	t.Run("should return the audit trail in order", func(t *testing.T) {
		store := newFakeStore()
		wallet := newFakeWallet()
		e := newTestEngine(store, wallet, nil)
		tx := createTx(t, e, "1.0")
		fundTx(t, e, wallet, tx)

		entries, err := e.Logs(context.Background(), tx.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "CREATED", entries[0].Action)
		assert.Equal(t, "PAYMENT_RECEIVED", entries[1].Action)
	})

	t.Run("should report not found", func(t *testing.T) {
		e := newTestEngine(newFakeStore(), newFakeWallet(), nil)
		_, err := e.Logs(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
