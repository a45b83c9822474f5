// Package account tracks per-account usage counters. Pay-per-use accounts
// accrue cost; subscription accounts track concurrent active sessions.
package account

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned when an account does not exist.
var ErrNotFound = errors.New("account not found")

// BillingMode selects which usage counter an account maintains.
type BillingMode string

const (
	BillingPayPerUse    BillingMode = "pay_per_use"
	BillingSubscription BillingMode = "subscription"
)

// Account is one billing identity tied to a workspace.
type Account struct {
	ID             string      `json:"id"`
	WorkspaceID    string      `json:"workspace_id"`
	Billing        BillingMode `json:"billing"`
	CostAccruedUSD float64     `json:"cost_accrued_usd"`
	ActiveSessions int         `json:"active_sessions"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id               TEXT PRIMARY KEY,
	workspace_id     TEXT NOT NULL,
	billing          TEXT NOT NULL,
	cost_accrued_usd REAL NOT NULL DEFAULT 0,
	active_sessions  INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_workspace ON accounts(workspace_id);
`

// SQLiteStore persists accounts in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the account store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create inserts a new account. A missing ID is generated.
func (s *SQLiteStore) Create(a *Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.WorkspaceID == "" {
		return fmt.Errorf("account: workspace id is required")
	}
	switch a.Billing {
	case BillingPayPerUse, BillingSubscription:
	default:
		return fmt.Errorf("account: unknown billing mode %q", a.Billing)
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO accounts (id, workspace_id, billing, cost_accrued_usd, active_sessions, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.WorkspaceID, a.Billing, a.CostAccruedUSD, a.ActiveSessions, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// Get returns an account by id.
func (s *SQLiteStore) Get(id string) (*Account, error) {
	row := s.db.QueryRow(
		`SELECT id, workspace_id, billing, cost_accrued_usd, active_sessions, created_at, updated_at
		 FROM accounts WHERE id=?`, id)
	var a Account
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.Billing, &a.CostAccruedUSD, &a.ActiveSessions, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// AddCost accrues spend onto an account. Negative amounts are rejected.
func (s *SQLiteStore) AddCost(id string, usd float64) error {
	if usd < 0 {
		return fmt.Errorf("account: cost must be non-negative")
	}
	res, err := s.db.Exec(
		`UPDATE accounts SET cost_accrued_usd = cost_accrued_usd + ?, updated_at=? WHERE id=?`,
		usd, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("add cost: %w", err)
	}
	return requireRow(res, id)
}

// IncrementActive bumps the active session count.
func (s *SQLiteStore) IncrementActive(id string) error {
	res, err := s.db.Exec(
		`UPDATE accounts SET active_sessions = active_sessions + 1, updated_at=? WHERE id=?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("increment active: %w", err)
	}
	return requireRow(res, id)
}

// DecrementActive lowers the active session count, never below zero.
func (s *SQLiteStore) DecrementActive(id string) error {
	res, err := s.db.Exec(
		`UPDATE accounts SET active_sessions = MAX(active_sessions - 1, 0), updated_at=? WHERE id=?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("decrement active: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}
