// Package store is the SQLite persistence layer for the catalog, goal
// history, insights, members, action items and rehearsal sessions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type Engine struct {
	db *sql.DB
	// mu serializes writers inside one process; the conditional SQL guards
	// cover everything else.
	mu sync.Mutex
}

func NewEngine(dbPath string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	e := &Engine{db: db}
	if err := e.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := e.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := e.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Ping checks that the database is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

func (e *Engine) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS goals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			category TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			message_template TEXT NOT NULL,
			requires_mapped INTEGER NOT NULL DEFAULT 0,
			requires_company_type TEXT NOT NULL DEFAULT '',
			requires_min_engagement INTEGER NOT NULL DEFAULT 0,
			requires_insights TEXT NOT NULL DEFAULT '[]',
			excludes_insights TEXT NOT NULL DEFAULT '[]',
			base_priority INTEGER NOT NULL DEFAULT 0,
			is_enabled INTEGER NOT NULL DEFAULT 1,
			success_insight_type TEXT NOT NULL DEFAULT '',
			completes_on_capability TEXT NOT NULL DEFAULT '',
			follow_up_on_question INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_goals_enabled ON goals(is_enabled, category)`,
		`CREATE TABLE IF NOT EXISTS outcome_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			goal_id INTEGER NOT NULL REFERENCES goals(id) ON DELETE CASCADE,
			trigger_type TEXT NOT NULL,
			trigger_value TEXT NOT NULL DEFAULT '',
			outcome_type TEXT NOT NULL,
			response_message TEXT NOT NULL DEFAULT '',
			next_goal_id INTEGER REFERENCES goals(id) ON DELETE SET NULL,
			defer_days INTEGER NOT NULL DEFAULT 0,
			insight_to_record TEXT NOT NULL DEFAULT '',
			insight_value TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_goal ON outcome_rules(goal_id, priority DESC, id ASC)`,
		`CREATE TABLE IF NOT EXISTS members (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			is_mapped INTEGER NOT NULL DEFAULT 0,
			company_name TEXT NOT NULL DEFAULT '',
			company_type TEXT NOT NULL DEFAULT '',
			engagement_score INTEGER NOT NULL DEFAULT 0,
			opted_out INTEGER NOT NULL DEFAULT 0,
			is_test INTEGER NOT NULL DEFAULT 0,
			last_contacted_at INTEGER,
			capabilities TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS insights (
			member_id TEXT NOT NULL,
			type TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 1,
			source TEXT NOT NULL DEFAULT 'manual',
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (member_id, type)
		)`,
		`CREATE TABLE IF NOT EXISTS goal_history (
			id TEXT PRIMARY KEY,
			member_id TEXT NOT NULL,
			goal_id INTEGER NOT NULL REFERENCES goals(id),
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER,
			next_attempt_at INTEGER,
			outcome_id INTEGER,
			response_sentiment TEXT NOT NULL DEFAULT '',
			response_intent TEXT NOT NULL DEFAULT '',
			planner_reason TEXT NOT NULL DEFAULT '',
			decision_method TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (member_id, goal_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_status ON goal_history(status, next_attempt_at)`,
		`CREATE TABLE IF NOT EXISTS action_items (
			id TEXT PRIMARY KEY,
			member_id TEXT NOT NULL,
			goal_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'open',
			created_at INTEGER NOT NULL,
			UNIQUE (member_id, goal_id, kind, attempt)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_status ON action_items(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS rehearsal_sessions (
			id TEXT PRIMARY KEY,
			operator_id TEXT NOT NULL,
			persona TEXT NOT NULL,
			planned_action TEXT NOT NULL DEFAULT '',
			exchanges TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			closed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_operator ON rehearsal_sessions(operator_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Timestamps are stored as unix milliseconds.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type scanner interface {
	Scan(dest ...any) error
}
