package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stellarlinkco/outreach/internal/rehearsal"
)

const sessionColumns = `id, operator_id, persona, planned_action, exchanges, status, notes,
	created_at, updated_at, closed_at`

func (e *Engine) CreateSession(ctx context.Context, s rehearsal.Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	persona, planned, exchanges, err := encodeSession(s)
	if err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO rehearsal_sessions (id, operator_id, persona, planned_action, exchanges, status,
			notes, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.OperatorID, persona, planned, exchanges, string(s.Status), s.Notes,
		toMillis(s.CreatedAt), toMillis(s.UpdatedAt), nullMillis(s.ClosedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (e *Engine) GetSession(ctx context.Context, id string) (rehearsal.Session, error) {
	row := e.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM rehearsal_sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rehearsal.Session{}, rehearsal.ErrSessionNotFound
	}
	if err != nil {
		return rehearsal.Session{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// UpdateSession writes s only while the stored status still equals expect.
func (e *Engine) UpdateSession(ctx context.Context, s rehearsal.Session, expect rehearsal.Status) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	persona, planned, exchanges, err := encodeSession(s)
	if err != nil {
		return err
	}
	res, err := e.db.ExecContext(ctx, `
		UPDATE rehearsal_sessions SET persona = ?, planned_action = ?, exchanges = ?, status = ?,
			notes = ?, updated_at = ?, closed_at = ?
		WHERE id = ? AND status = ?
	`, persona, planned, exchanges, string(s.Status), s.Notes, toMillis(s.UpdatedAt),
		nullMillis(s.ClosedAt), s.ID, string(expect))
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := e.db.QueryRowContext(ctx, `SELECT status FROM rehearsal_sessions WHERE id = ?`, s.ID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return rehearsal.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		return fmt.Errorf("%w: session %s is %s", rehearsal.ErrSessionClosed, s.ID, status)
	}
	return nil
}

// ListSessions returns an operator's sessions, newest first. An empty status
// matches every status.
func (e *Engine) ListSessions(ctx context.Context, operatorID string, status rehearsal.Status) ([]rehearsal.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM rehearsal_sessions WHERE operator_id = ?`
	args := []any{operatorID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id ASC`

	rows, err := e.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	result := make([]rehearsal.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return result, nil
}

func encodeSession(s rehearsal.Session) (persona, planned, exchanges string, err error) {
	p, err := json.Marshal(s.Persona)
	if err != nil {
		return "", "", "", fmt.Errorf("encode persona: %w", err)
	}
	if s.PlannedAction != nil {
		b, err := json.Marshal(s.PlannedAction)
		if err != nil {
			return "", "", "", fmt.Errorf("encode planned action: %w", err)
		}
		planned = string(b)
	}
	ex := s.Exchanges
	if ex == nil {
		ex = []rehearsal.Exchange{}
	}
	x, err := json.Marshal(ex)
	if err != nil {
		return "", "", "", fmt.Errorf("encode exchanges: %w", err)
	}
	return string(p), planned, string(x), nil
}

func scanSession(s scanner) (rehearsal.Session, error) {
	var (
		sess                        rehearsal.Session
		persona, planned, exchanges string
		status                      string
		createdAt, updatedAt        int64
		closedAt                    sql.NullInt64
	)
	if err := s.Scan(&sess.ID, &sess.OperatorID, &persona, &planned, &exchanges, &status, &sess.Notes,
		&createdAt, &updatedAt, &closedAt); err != nil {
		return rehearsal.Session{}, err
	}
	if err := json.Unmarshal([]byte(persona), &sess.Persona); err != nil {
		return rehearsal.Session{}, fmt.Errorf("decode persona: %w", err)
	}
	if planned != "" {
		var p rehearsal.PlannedSnapshot
		if err := json.Unmarshal([]byte(planned), &p); err != nil {
			return rehearsal.Session{}, fmt.Errorf("decode planned action: %w", err)
		}
		sess.PlannedAction = &p
	}
	if err := json.Unmarshal([]byte(exchanges), &sess.Exchanges); err != nil {
		return rehearsal.Session{}, fmt.Errorf("decode exchanges: %w", err)
	}
	sess.Status = rehearsal.Status(status)
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	sess.ClosedAt = timePtr(closedAt)
	return sess, nil
}
