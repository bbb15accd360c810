package rehearsal

import (
	"context"
	"errors"
	"time"

	"github.com/stellarlinkco/outreach/internal/catalog"
	"github.com/stellarlinkco/outreach/internal/history"
	"github.com/stellarlinkco/outreach/internal/insights"
	"github.com/stellarlinkco/outreach/internal/member"
)

var (
	ErrSessionNotFound = errors.New("rehearsal session not found")
	ErrSessionClosed   = errors.New("rehearsal session is closed")
	ErrNothingPlanned  = errors.New("rehearsal session has no planned goal")
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

func (s Status) Closed() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Persona is a synthetic member. It never refers to a real member record.
type Persona struct {
	Name            string              `json:"name"`
	IsMapped        bool                `json:"is_mapped"`
	EngagementScore int                 `json:"engagement_score"`
	CompanyType     string              `json:"company_type,omitempty"`
	Insights        []insights.Insight  `json:"insights,omitempty"`
	Capabilities    member.Capabilities `json:"capabilities"`
}

// PlannedSnapshot freezes the planner's decision inside the session.
type PlannedSnapshot struct {
	GoalID         int64                  `json:"goal_id"`
	GoalName       string                 `json:"goal_name"`
	Message        string                 `json:"message"`
	Score          int                    `json:"score"`
	Reason         string                 `json:"reason"`
	DecisionMethod history.DecisionMethod `json:"decision_method"`
}

// Exchange is one simulated response and how it resolved.
type Exchange struct {
	GoalID        int64               `json:"goal_id"`
	ResponseText  string              `json:"response_text"`
	Sentiment     string              `json:"sentiment"`
	Intent        string              `json:"intent"`
	MatchedRuleID *int64              `json:"matched_rule_id,omitempty"`
	OutcomeType   catalog.OutcomeType `json:"outcome_type,omitempty"`
	NextGoalID    *int64              `json:"next_goal_id,omitempty"`
	DeferUntil    *time.Time          `json:"defer_until,omitempty"`
	Reply         string              `json:"reply,omitempty"`
	At            time.Time           `json:"at"`
}

type Session struct {
	ID            string           `json:"id"`
	OperatorID    string           `json:"operator_id"`
	Persona       Persona          `json:"persona"`
	PlannedAction *PlannedSnapshot `json:"planned_action,omitempty"`
	Exchanges     []Exchange       `json:"exchanges"`
	Status        Status           `json:"status"`
	Notes         string           `json:"notes,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
}

type Repository interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// UpdateSession persists s only while the stored status still equals expect.
	UpdateSession(ctx context.Context, s Session, expect Status) error
	ListSessions(ctx context.Context, operatorID string, status Status) ([]Session, error)
}
