package infra

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

const activityDBName = "activity.db"

// ActivityDB stores raw activity observations, the session blocks
// compressed from them, and the learning history of applied actions. It holds nothing worth encrypting and is written every
// poll, so it lives in a plain SQLite file beside the profile.
type ActivityDB struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

var (
	_ domain.ActivityLog = (*ActivityDB)(nil)
	_ domain.AuditLog    = (*ActivityDB)(nil)
	_ domain.SessionLog  = (*ActivityDB)(nil)
)

// OpenActivityDB opens (or creates) the activity database in dataDir.
func OpenActivityDB(ctx context.Context, dataDir string, logger *zap.Logger) (*ActivityDB, error) {
	path := filepath.Join(dataDir, activityDBName)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}

	s := &ActivityDB{db: db, path: path, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *ActivityDB) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS activity_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	app_name TEXT NOT NULL,
	window_title TEXT NOT NULL DEFAULT '',
	sanitized_title TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	page_title TEXT NOT NULL DEFAULT '',
	observed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_observed ON activity_logs(observed_at);

CREATE TABLE IF NOT EXISTS learning_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at INTEGER NOT NULL,
	goal TEXT NOT NULL DEFAULT '',
	context_summary TEXT NOT NULL DEFAULT '',
	action_type TEXT NOT NULL,
	trust_impact INTEGER NOT NULL,
	cost INTEGER NOT NULL,
	outcome TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS session_blocks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	start_at INTEGER NOT NULL,
	end_at INTEGER NOT NULL,
	focus_density REAL NOT NULL,
	distraction_count INTEGER NOT NULL,
	switches INTEGER NOT NULL,
	energy_level REAL NOT NULL,
	dominant_apps TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_session_end ON session_blocks(end_at);
`)
	if err != nil {
		return fmt.Errorf("migrate activity db: %w", err)
	}
	return nil
}

func (s *ActivityDB) Append(ctx context.Context, rec domain.ActivityRecord) error {
	if rec.SanitizedTitle == "" {
		rec.SanitizedTitle = domain.SanitizeTitle(rec.WindowTitle)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO activity_logs(source, app_name, window_title, sanitized_title, url, page_title, observed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Source), rec.AppName, rec.WindowTitle, rec.SanitizedTitle, rec.URL, rec.PageTitle, rec.ObservedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

func (s *ActivityDB) Query(ctx context.Context, since time.Time) ([]domain.ActivityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source, app_name, window_title, sanitized_title, url, page_title, observed_at
FROM activity_logs WHERE observed_at >= ? ORDER BY observed_at, id`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []domain.ActivityRecord
	for rows.Next() {
		var rec domain.ActivityRecord
		var source string
		var at int64
		if err := rows.Scan(&source, &rec.AppName, &rec.WindowTitle, &rec.SanitizedTitle, &rec.URL, &rec.PageTitle, &at); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		rec.Source = domain.ActivitySourceKind(source)
		rec.ObservedAt = time.UnixMilli(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteMatching removes records since the given time whose title or url
// contains keyword, ignoring case.
func (s *ActivityDB) DeleteMatching(ctx context.Context, since time.Time, keyword string) (int64, error) {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return 0, nil
	}
	pattern := "%" + escapeLike(keyword) + "%"
	res, err := s.db.ExecContext(ctx, `
DELETE FROM activity_logs
WHERE observed_at >= ?
  AND (lower(window_title) LIKE ? ESCAPE '\' OR lower(sanitized_title) LIKE ? ESCAPE '\'
       OR lower(url) LIKE ? ESCAPE '\' OR lower(page_title) LIKE ? ESCAPE '\')`,
		since.UnixMilli(), pattern, pattern, pattern, pattern)
	if err != nil {
		return 0, fmt.Errorf("delete activity: %w", err)
	}
	return res.RowsAffected()
}

func (s *ActivityDB) Expire(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity_logs WHERE observed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire activity: %w", err)
	}
	return res.RowsAffected()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// --- domain.SessionLog implementation ---

func (s *ActivityDB) AppendBlock(ctx context.Context, b domain.SessionBlock) error {
	apps, err := json.Marshal(b.DominantApps)
	if err != nil {
		return fmt.Errorf("encode dominant apps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO session_blocks(start_at, end_at, focus_density, distraction_count, switches, energy_level, dominant_apps)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.Start.UnixMilli(), b.End.UnixMilli(), b.FocusDensity, b.DistractionCount, b.Switches, b.EnergyLevel, string(apps))
	if err != nil {
		return fmt.Errorf("append session block: %w", err)
	}
	return nil
}

func (s *ActivityDB) Blocks(ctx context.Context, since time.Time) ([]domain.SessionBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT start_at, end_at, focus_density, distraction_count, switches, energy_level, dominant_apps
FROM session_blocks WHERE end_at >= ? ORDER BY start_at, id`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query session blocks: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionBlock
	for rows.Next() {
		var b domain.SessionBlock
		var start, end int64
		var apps string
		if err := rows.Scan(&start, &end, &b.FocusDensity, &b.DistractionCount, &b.Switches, &b.EnergyLevel, &apps); err != nil {
			return nil, fmt.Errorf("scan session block: %w", err)
		}
		if err := json.Unmarshal([]byte(apps), &b.DominantApps); err != nil {
			return nil, fmt.Errorf("decode dominant apps: %w", err)
		}
		b.Start = time.UnixMilli(start)
		b.End = time.UnixMilli(end)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *ActivityDB) ExpireBlocks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_blocks WHERE end_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire session blocks: %w", err)
	}
	return res.RowsAffected()
}

// --- domain.AuditLog implementation ---

func (s *ActivityDB) Record(ctx context.Context, rec domain.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO learning_history(at, goal, context_summary, action_type, trust_impact, cost, outcome)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.At.UnixMilli(), rec.Goal, rec.ContextSummary, string(rec.ActionType), rec.TrustImpact, rec.Cost, rec.Outcome)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// History returns the most recent audit records, newest first.
func (s *ActivityDB) History(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT at, goal, context_summary, action_type, trust_impact, cost, outcome
FROM learning_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var at int64
		var action string
		if err := rows.Scan(&at, &rec.Goal, &rec.ContextSummary, &action, &rec.TrustImpact, &rec.Cost, &rec.Outcome); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.At = time.UnixMilli(at)
		rec.ActionType = domain.ActionType(action)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Path returns the database file path.
func (s *ActivityDB) Path() string {
	return s.path
}

func (s *ActivityDB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
