/*
Package sqlite provides the SQLite-backed implementation of the settlement
store: transactions, user balances and the duplicate-suppression index.

PURPOSE:
  Production persistence for the settlement engine. The same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

ATOMIC UNITS:
  WithTx maps directly onto a database transaction, so a settling
  transition's {state CAS, suppression bind, balance change} commit or
  roll back together.

NO LOST UPDATES:
  Transaction rows carry a version column; every UPDATE is guarded by
  "AND version = ?" and a zero rows-affected result surfaces as
  settlement.ErrConcurrencyConflict.

KEY TABLES:
  transactions:      one row per deposit/withdrawal, never deleted
  balances:          one non-negative amount per user
  suppression_index: (family, external_ref) -> transaction id, unique

WAL MODE:
  The database is opened with WAL so reads don't block the single writer
  and crash recovery is clean.

AMOUNTS:
  Stored as decimal strings, parsed with shopspring/decimal. No float64
  ever touches a settlement amount.

SEE ALSO:
  - settlement/store.go: Interface contract
  - settlement/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/blackgerm/settlement-engine/settlement"
)

// Store implements settlement.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes write units; sqlite allows one writer
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and sidesteps
	// SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		rail TEXT NOT NULL,
		family TEXT NOT NULL,
		gross TEXT NOT NULL,
		fee TEXT NOT NULL,
		net TEXT NOT NULL,
		counterparty TEXT NOT NULL,
		external_ref TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON transactions(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_state
		ON transactions(state);

	-- Hot path for the reconciliation scheduler
	CREATE INDEX IF NOT EXISTS idx_transactions_unsettled
		ON transactions(created_at)
		WHERE state IN ('pending', 'verifying', 'eligible_checked', 'submitted');

	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		amount TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);

	-- CRITICAL: one internal transaction per external event, per rail family
	CREATE TABLE IF NOT EXISTS suppression_index (
		family TEXT NOT NULL,
		external_ref TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (family, external_ref)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READS
// =============================================================================

const txColumns = `id, user_id, direction, rail, family, gross, fee, net,
	counterparty, external_ref, state, reason, retry_count, version,
	created_at, updated_at`

func (s *Store) GetTransaction(ctx context.Context, id string) (settlement.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

func (s *Store) ListTransactions(ctx context.Context, f settlement.Filter) ([]settlement.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE 1=1`
	var args []any

	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Direction != "" {
		query += ` AND direction = ?`
		args = append(args, string(f.Direction))
	}
	if f.Rail != "" {
		query += ` AND rail = ?`
		args = append(args, f.Rail)
	}
	if len(f.States) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.States)), ",")
		query += ` AND state IN (` + placeholders + `)`
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC`

	return s.queryTransactions(ctx, query, args...)
}

func (s *Store) ListUnsettled(ctx context.Context, createdBefore time.Time) ([]settlement.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions
		WHERE state IN ('pending', 'verifying', 'eligible_checked', 'submitted')
		AND created_at <= ?
		ORDER BY created_at ASC`
	return s.queryTransactions(ctx, query, formatTime(createdBefore))
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]settlement.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []settlement.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *Store) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// =============================================================================
// WRITES
// =============================================================================

func (s *Store) InsertTransaction(ctx context.Context, tx settlement.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, string(tx.Direction), tx.Rail, string(tx.Family),
		tx.Gross.String(), tx.Fee.String(), tx.Net.String(),
		tx.Counterparty, tx.ExternalRef, string(tx.State), string(tx.Reason),
		tx.RetryCount, tx.Version, formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt))
	return err
}

// WithTx runs fn inside one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(settlement.Unit) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&unit{tx: dbTx}); err != nil {
		dbTx.Rollback()
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// =============================================================================
// UNIT
// =============================================================================

type unit struct {
	tx *sql.Tx
}

func (u *unit) Get(ctx context.Context, id string) (settlement.Transaction, error) {
	row := u.tx.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

func (u *unit) Update(ctx context.Context, tx settlement.Transaction) error {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE transactions
		SET state = ?, reason = ?, external_ref = ?, retry_count = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(tx.State), string(tx.Reason), tx.ExternalRef, tx.RetryCount,
		formatTime(tx.UpdatedAt), tx.ID, tx.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Rows are never deleted, so zero rows means the version is stale:
		// someone else transitioned first.
		return settlement.ErrConcurrencyConflict
	}
	return nil
}

func (u *unit) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	var raw string
	err := u.tx.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE user_id = ?`, userID).Scan(&raw)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if delta.IsNegative() {
			return settlement.ErrInsufficientFunds
		}
		_, err = u.tx.ExecContext(ctx,
			`INSERT INTO balances (user_id, amount, version) VALUES (?, ?, 1)`,
			userID, delta.String())
		return err
	case err != nil:
		return err
	}

	current, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("corrupt balance for %s: %w", userID, err)
	}
	next := current.Add(delta)
	if next.IsNegative() {
		return settlement.ErrInsufficientFunds
	}

	_, err = u.tx.ExecContext(ctx,
		`UPDATE balances SET amount = ?, version = version + 1 WHERE user_id = ?`,
		next.String(), userID)
	return err
}

func (u *unit) TryBind(ctx context.Context, family settlement.RailFamily, ref, txID string) (bool, error) {
	var existing string
	err := u.tx.QueryRowContext(ctx,
		`SELECT transaction_id FROM suppression_index WHERE family = ? AND external_ref = ?`,
		string(family), ref).Scan(&existing)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = u.tx.ExecContext(ctx,
			`INSERT INTO suppression_index (family, external_ref, transaction_id, created_at)
			VALUES (?, ?, ?, ?)`,
			string(family), ref, txID, formatTime(time.Now().UTC()))
		return err == nil, err
	case err != nil:
		return false, err
	}
	return existing == txID, nil
}

// =============================================================================
// SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (settlement.Transaction, error) {
	var tx settlement.Transaction
	var direction, family, state, reason string
	var gross, fee, net, createdAt, updatedAt string

	err := row.Scan(&tx.ID, &tx.UserID, &direction, &tx.Rail, &family,
		&gross, &fee, &net, &tx.Counterparty, &tx.ExternalRef,
		&state, &reason, &tx.RetryCount, &tx.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Transaction{}, settlement.ErrNotFound
	}
	if err != nil {
		return settlement.Transaction{}, err
	}

	tx.Direction = settlement.Direction(direction)
	tx.Family = settlement.RailFamily(family)
	tx.State = settlement.State(state)
	tx.Reason = settlement.FailureReason(reason)

	if tx.Gross, err = decimal.NewFromString(gross); err != nil {
		return settlement.Transaction{}, fmt.Errorf("corrupt gross amount: %w", err)
	}
	if tx.Fee, err = decimal.NewFromString(fee); err != nil {
		return settlement.Transaction{}, fmt.Errorf("corrupt fee amount: %w", err)
	}
	if tx.Net, err = decimal.NewFromString(net); err != nil {
		return settlement.Transaction{}, fmt.Errorf("corrupt net amount: %w", err)
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return settlement.Transaction{}, err
	}
	if tx.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return settlement.Transaction{}, err
	}
	return tx, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
