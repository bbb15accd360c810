package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stellarlinkco/outreach/internal/member"
)

const memberColumns = `id, display_name, is_mapped, company_name, company_type, engagement_score,
	opted_out, is_test, last_contacted_at, capabilities`

func (e *Engine) GetMember(ctx context.Context, id string) (member.Member, error) {
	row := e.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ?`, id)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return member.Member{}, member.ErrNotFound
	}
	if err != nil {
		return member.Member{}, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

// ListMembers returns every member ordered by id.
func (e *Engine) ListMembers(ctx context.Context) ([]member.Member, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT `+memberColumns+` FROM members ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	result := make([]member.Member, 0)
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return result, nil
}

// UpsertMember stores a member profile snapshot from the directory sync.
func (e *Engine) UpsertMember(ctx context.Context, m member.Member) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	caps, err := json.Marshal(m.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO members (id, display_name, is_mapped, company_name, company_type, engagement_score,
			opted_out, is_test, last_contacted_at, capabilities, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			is_mapped = excluded.is_mapped,
			company_name = excluded.company_name,
			company_type = excluded.company_type,
			engagement_score = excluded.engagement_score,
			opted_out = excluded.opted_out,
			is_test = excluded.is_test,
			last_contacted_at = excluded.last_contacted_at,
			capabilities = excluded.capabilities,
			updated_at = excluded.updated_at
	`, m.ID, m.DisplayName, boolToInt(m.IsMapped), m.Company.Name, m.Company.Type, m.EngagementScore,
		boolToInt(m.OptedOut), boolToInt(m.IsTest), nullMillis(m.LastContactedAt), string(caps), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

// RecordContact stamps the member's last outreach time.
func (e *Engine) RecordContact(ctx context.Context, memberID string, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.db.ExecContext(ctx, `
		UPDATE members SET last_contacted_at = ?, updated_at = ? WHERE id = ?
	`, toMillis(at), toMillis(time.Now()), memberID)
	if err != nil {
		return fmt.Errorf("record contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return member.ErrNotFound
	}
	return nil
}

func scanMember(s scanner) (member.Member, error) {
	var (
		m                     member.Member
		mapped, opted, isTest int
		last                  sql.NullInt64
		caps                  string
	)
	if err := s.Scan(&m.ID, &m.DisplayName, &mapped, &m.Company.Name, &m.Company.Type, &m.EngagementScore,
		&opted, &isTest, &last, &caps); err != nil {
		return member.Member{}, err
	}
	m.IsMapped = mapped == 1
	m.OptedOut = opted == 1
	m.IsTest = isTest == 1
	m.LastContactedAt = timePtr(last)
	if err := json.Unmarshal([]byte(caps), &m.Capabilities); err != nil {
		return member.Member{}, fmt.Errorf("decode capabilities: %w", err)
	}
	return m, nil
}
