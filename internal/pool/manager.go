package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrBackendUnavailable is returned when the wallet backend cannot generate
// a new pool address. Callers treat it as retryable.
var ErrBackendUnavailable = errors.New("wallet backend unavailable")

// Address is one custodial holding address in the mixing pool.
type Address struct {
	Address   string
	LastUsed  *time.Time
	Active    bool
	CreatedAt time.Time
}

// Store is the persistence surface for the pool.
type Store interface {
	// ActiveAddresses returns active entries ordered least-recently-used
	// first, never-used entries ahead of everything.
	ActiveAddresses(ctx context.Context, limit int) ([]Address, error)
	InsertAddress(ctx context.Context, address string, createdAt time.Time) error
	TouchAddress(ctx context.Context, address string, usedAt time.Time) error
}

// AddressGenerator creates new wallet addresses.
type AddressGenerator interface {
	NewAddress(ctx context.Context, label string) (string, error)
}

// Manager allocates holding addresses, biasing selection away from the most
// recently used ones and lazily growing the pool through the wallet backend.
type Manager struct {
	store  Store
	wallet AddressGenerator
	log    *zap.Logger
}

func NewManager(store Store, wallet AddressGenerator, log *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		wallet: wallet,
		log:    log,
	}
}

// Allocate returns up to n active addresses, least-recently-used first,
// creating new ones when the pool is short. Each newly created address is
// persisted with its own insert before the next is generated, so a
// concurrent allocator observes it on re-query instead of generating a
// duplicate batch. Every address handed out is touched first.
func (m *Manager) Allocate(ctx context.Context, n int) ([]string, error) {
	entries, err := m.store.ActiveAddresses(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query pool: %w", err)
	}

	if len(entries) < n {
		for i := len(entries); i < n; i++ {
			addr, err := m.wallet.NewAddress(ctx, "mixing_pool")
			if err != nil {
				return nil, fmt.Errorf("%w: getnewaddress: %v", ErrBackendUnavailable, err)
			}
			if err := m.store.InsertAddress(ctx, addr, time.Now().UTC()); err != nil {
				return nil, fmt.Errorf("failed to persist pool address: %w", err)
			}
			m.log.Info("pool address created", zap.String("address", addr))
		}

		entries, err = m.store.ActiveAddresses(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("failed to re-query pool: %w", err)
		}
	}

	now := time.Now().UTC()
	addresses := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := m.store.TouchAddress(ctx, entry.Address, now); err != nil {
			return nil, fmt.Errorf("failed to touch pool address: %w", err)
		}
		addresses = append(addresses, entry.Address)
	}

	return addresses, nil
}
