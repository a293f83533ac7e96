// Package infra implements infrastructure concerns (storage, processes, windows, console).
package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const profileDBName = "profile.db"

// WalletTransaction is one applied profile delta.
type WalletTransaction struct {
	ID           int64
	At           time.Time
	Kind         string // EARN, SPEND, TRUST or RESET
	TrustDelta   int
	BalanceDelta int
	BalanceAfter int
	Reason       string
}

// ProfileDB keeps the trust profile, goals and wallet history in a
// SQLCipher encrypted database so the score cannot be edited by hand.
type ProfileDB struct {
	db     *sql.DB
	dbPath string
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ domain.ProfileStore = (*ProfileDB)(nil)
	_ domain.GoalStore    = (*ProfileDB)(nil)
)

// OpenProfileDB opens (or creates) the encrypted profile database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func OpenProfileDB(dataDir string, key []byte, logger *zap.Logger) (*ProfileDB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, profileDBName)
	// immediate transactions take the write lock before the read, so a delta
	// is read-modify-written without interleaving, also across processes
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_txlock=immediate&_busy_timeout=5000",
		dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// a wrong key only shows up on first read
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &ProfileDB{db: db, dbPath: dbPath, logger: logger, now: time.Now}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *ProfileDB) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profile (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		trust_raw INTEGER NOT NULL,
		balance INTEGER NOT NULL,
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallet_transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		kind TEXT NOT NULL,
		trust_delta INTEGER NOT NULL,
		balance_delta INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS goals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_goals_status ON goals(status);

	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO profile (id, trust_raw, balance, version, updated_at)
		VALUES (1, ?, 0, 0, ?)`,
		domain.InitialTrust, s.now().UnixMilli(),
	)
	return err
}

// --- domain.ProfileStore implementation ---

// Read returns the profile with trust clamped to [0, 100].
func (s *ProfileDB) Read(ctx context.Context) (domain.TrustProfile, error) {
	p, _, err := s.read(ctx)
	return p, err
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *ProfileDB) read(ctx context.Context) (domain.TrustProfile, int, error) {
	return readProfile(ctx, s.db)
}

func readProfile(ctx context.Context, q queryRower) (domain.TrustProfile, int, error) {
	var raw, balance int
	var version, updated int64
	err := q.QueryRowContext(ctx,
		`SELECT trust_raw, balance, version, updated_at FROM profile WHERE id = 1`,
	).Scan(&raw, &balance, &version, &updated)
	if err != nil {
		return domain.TrustProfile{}, 0, fmt.Errorf("failed to read profile: %w", err)
	}
	return domain.TrustProfile{
		TrustScore: domain.ClampTrust(raw),
		Balance:    balance,
		UpdatedAt:  time.UnixMilli(updated),
		Version:    version,
	}, raw, nil
}

// ApplyDelta applies trust and balance together in one write transaction.
// Trust is stored as the raw sum of deltas so concurrent changes commute;
// reads clamp it. A debit that would cross delta.Floor is rejected with
// ErrInsufficientFunds and leaves the profile untouched.
func (s *ProfileDB) ApplyDelta(ctx context.Context, delta domain.ProfileDelta) (domain.TrustProfile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TrustProfile{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cur, raw, err := readProfile(ctx, tx)
	if err != nil {
		return domain.TrustProfile{}, err
	}
	balance := cur.Balance + delta.Balance
	if delta.Balance < 0 && delta.Floor != nil && balance < *delta.Floor {
		return cur, domain.ErrInsufficientFunds
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE profile SET trust_raw = ?, balance = ?, version = version + 1, updated_at = ?
		WHERE id = 1`,
		raw+delta.Trust, balance, now.UnixMilli(),
	); err != nil {
		return cur, fmt.Errorf("failed to update profile: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (at, kind, trust_delta, balance_delta, balance_after, reason)
		VALUES (?, ?, ?, ?, ?, ?)`,
		now.UnixMilli(), transactionKind(delta), delta.Trust, delta.Balance, balance, delta.Reason,
	); err != nil {
		return cur, fmt.Errorf("failed to record transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return cur, fmt.Errorf("failed to commit profile: %w", err)
	}

	return domain.TrustProfile{
		TrustScore: domain.ClampTrust(raw + delta.Trust),
		Balance:    balance,
		UpdatedAt:  time.UnixMilli(now.UnixMilli()),
		Version:    cur.Version + 1,
	}, nil
}

func transactionKind(d domain.ProfileDelta) string {
	switch {
	case d.Balance > 0:
		return "EARN"
	case d.Balance < 0:
		return "SPEND"
	default:
		return "TRUST"
	}
}

// Reset restores the initial trust and a zero balance. History is kept.
func (s *ProfileDB) Reset(ctx context.Context) (domain.TrustProfile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TrustProfile{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		UPDATE profile SET trust_raw = ?, balance = 0, version = version + 1, updated_at = ?
		WHERE id = 1`,
		domain.InitialTrust, now,
	); err != nil {
		return domain.TrustProfile{}, fmt.Errorf("failed to reset profile: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (at, kind, trust_delta, balance_delta, balance_after, reason)
		VALUES (?, 'RESET', 0, 0, 0, 'reset')`, now,
	); err != nil {
		return domain.TrustProfile{}, fmt.Errorf("failed to record reset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TrustProfile{}, fmt.Errorf("failed to commit reset: %w", err)
	}
	s.logger.Info("profile reset", zap.Int("trust", domain.InitialTrust))
	return s.Read(ctx)
}

// Transactions returns the most recent wallet transactions, newest first.
func (s *ProfileDB) Transactions(ctx context.Context, limit int) ([]WalletTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, kind, trust_delta, balance_delta, balance_after, reason
		FROM wallet_transactions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []WalletTransaction
	for rows.Next() {
		var t WalletTransaction
		var at int64
		if err := rows.Scan(&t.ID, &at, &t.Kind, &t.TrustDelta, &t.BalanceDelta, &t.BalanceAfter, &t.Reason); err != nil {
			return nil, err
		}
		t.At = time.UnixMilli(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- domain.GoalStore implementation ---

func (s *ProfileDB) Active(ctx context.Context) (domain.Goal, error) {
	return scanGoal(s.db.QueryRowContext(ctx, `
		SELECT id, text, status, started_at FROM goals
		WHERE status = ? ORDER BY id DESC LIMIT 1`, string(domain.GoalActive)))
}

// SetGoal abandons the active goal, if any, and starts text.
func (s *ProfileDB) SetGoal(ctx context.Context, text string) (domain.Goal, error) {
	if text == "" {
		return domain.Goal{}, errors.New("goal text is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Goal{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	if _, err := tx.ExecContext(ctx, `UPDATE goals SET status = ?, ended_at = ? WHERE status = ?`,
		string(domain.GoalAbandoned), now.Unix(), string(domain.GoalActive)); err != nil {
		return domain.Goal{}, fmt.Errorf("failed to close previous goal: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO goals (text, status, started_at) VALUES (?, ?, ?)`,
		text, string(domain.GoalActive), now.Unix())
	if err != nil {
		return domain.Goal{}, fmt.Errorf("failed to insert goal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Goal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Goal{}, fmt.Errorf("failed to commit goal: %w", err)
	}
	return domain.Goal{ID: id, Text: text, StartedAt: time.Unix(now.Unix(), 0), Status: domain.GoalActive}, nil
}

// FinishGoal closes the active goal with status.
func (s *ProfileDB) FinishGoal(ctx context.Context, status domain.GoalStatus) (domain.Goal, error) {
	g, err := s.Active(ctx)
	if err != nil {
		return domain.Goal{}, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE goals SET status = ?, ended_at = ? WHERE id = ?`,
		string(status), s.now().Unix(), g.ID); err != nil {
		return domain.Goal{}, fmt.Errorf("failed to finish goal: %w", err)
	}
	g.Status = status
	return g, nil
}

func scanGoal(row *sql.Row) (domain.Goal, error) {
	var g domain.Goal
	var status string
	var started int64
	err := row.Scan(&g.ID, &g.Text, &status, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Goal{}, domain.ErrNoActiveGoal
	}
	if err != nil {
		return domain.Goal{}, fmt.Errorf("failed to read goal: %w", err)
	}
	g.Status = domain.GoalStatus(status)
	g.StartedAt = time.Unix(started, 0)
	return g, nil
}

// Path returns the database file path.
func (s *ProfileDB) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *ProfileDB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
