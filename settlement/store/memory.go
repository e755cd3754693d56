// Package store provides an in-memory settlement.Store for tests and
// development. The sqlite implementation in store/sqlite is the production
// store; both honor the same atomic-unit and version-CAS contract.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/blackgerm/settlement-engine/settlement"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type bindKey struct {
	Family settlement.RailFamily
	Ref    string
}

// Memory implements settlement.Store with a coarse lock. WithTx snapshots
// state and restores it on error, giving the same commit-or-rollback
// semantics the sqlite store gets from real transactions.
type Memory struct {
	mu           sync.Mutex
	transactions map[string]settlement.Transaction
	balances     map[string]decimal.Decimal
	bindings     map[bindKey]string
}

func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[string]settlement.Transaction),
		balances:     make(map[string]decimal.Decimal),
		bindings:     make(map[bindKey]string),
	}
}

func (m *Memory) InsertTransaction(_ context.Context, tx settlement.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[tx.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	m.transactions[tx.ID] = tx
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id string) (settlement.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id string) (settlement.Transaction, error) {
	tx, ok := m.transactions[id]
	if !ok {
		return settlement.Transaction{}, settlement.ErrNotFound
	}
	return tx, nil
}

func (m *Memory) ListTransactions(_ context.Context, f settlement.Filter) ([]settlement.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []settlement.Transaction
	for _, tx := range m.transactions {
		if f.Matches(tx) {
			result = append(result, tx)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) ListUnsettled(_ context.Context, createdBefore time.Time) ([]settlement.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []settlement.Transaction
	for _, tx := range m.transactions {
		if !tx.State.Terminal() && !tx.CreatedAt.After(createdBefore) {
			result = append(result, tx)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Memory) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

// WithTx holds the lock for the whole unit, so concurrent units serialize
// exactly like short-lived sqlite transactions do.
func (m *Memory) WithTx(ctx context.Context, fn func(settlement.Unit) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memUnit{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	transactions map[string]settlement.Transaction
	balances     map[string]decimal.Decimal
	bindings     map[bindKey]string
}

func (m *Memory) snapshot() memSnapshot {
	s := memSnapshot{
		transactions: make(map[string]settlement.Transaction, len(m.transactions)),
		balances:     make(map[string]decimal.Decimal, len(m.balances)),
		bindings:     make(map[bindKey]string, len(m.bindings)),
	}
	for k, v := range m.transactions {
		s.transactions[k] = v
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.bindings {
		s.bindings[k] = v
	}
	return s
}

func (m *Memory) restore(s memSnapshot) {
	m.transactions = s.transactions
	m.balances = s.balances
	m.bindings = s.bindings
}

// =============================================================================
// UNIT
// =============================================================================

type memUnit struct {
	m *Memory
}

func (u *memUnit) Get(_ context.Context, id string) (settlement.Transaction, error) {
	return u.m.getLocked(id)
}

func (u *memUnit) Update(_ context.Context, tx settlement.Transaction) error {
	cur, ok := u.m.transactions[tx.ID]
	if !ok {
		return settlement.ErrNotFound
	}
	if cur.Version != tx.Version {
		return settlement.ErrConcurrencyConflict
	}
	tx.Version++
	u.m.transactions[tx.ID] = tx
	return nil
}

func (u *memUnit) AdjustBalance(_ context.Context, userID string, delta decimal.Decimal) error {
	next := u.m.balances[userID].Add(delta)
	if next.IsNegative() {
		return settlement.ErrInsufficientFunds
	}
	u.m.balances[userID] = next
	return nil
}

func (u *memUnit) TryBind(_ context.Context, family settlement.RailFamily, ref, txID string) (bool, error) {
	k := bindKey{Family: family, Ref: ref}
	if existing, ok := u.m.bindings[k]; ok {
		return existing == txID, nil
	}
	u.m.bindings[k] = txID
	return true, nil
}
