// Package history is the per-(member, goal) attempt record and the state
// machine that governs it.
package history

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("goal history row not found")
	ErrTerminal          = errors.New("goal history row is terminal")
	ErrAlreadyInFlight   = errors.New("attempt already in flight")
	ErrNotDue            = errors.New("deferred attempt not yet due")
	ErrConflict          = errors.New("goal history row changed concurrently")
	ErrInvalidTransition = errors.New("invalid goal history transition")
)

type Status string

const (
	StatusOpen             Status = "open"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusDeferred         Status = "deferred"
	StatusCompleted        Status = "completed"
	StatusDismissed        Status = "dismissed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDismissed
}

// Resolved reports whether an outcome closed or parked the attempt.
func (s Status) Resolved() bool {
	return s.Terminal() || s == StatusDeferred
}

type DecisionMethod string

const (
	DecisionRuleBased      DecisionMethod = "rule-based"
	DecisionWeightedRandom DecisionMethod = "weighted-random"
	DecisionAdminOverride  DecisionMethod = "admin-override"
)

// Row is one (member, goal) attempt lineage.
type Row struct {
	ID                string         `json:"id"`
	MemberID          string         `json:"member_id"`
	GoalID            int64          `json:"goal_id"`
	Status            Status         `json:"status"`
	AttemptCount      int            `json:"attempt_count"`
	LastAttemptAt     *time.Time     `json:"last_attempt_at,omitempty"`
	NextAttemptAt     *time.Time     `json:"next_attempt_at,omitempty"`
	OutcomeID         *int64         `json:"outcome_id,omitempty"`
	ResponseSentiment string         `json:"response_sentiment,omitempty"`
	ResponseIntent    string         `json:"response_intent,omitempty"`
	PlannerReason     string         `json:"planner_reason,omitempty"`
	DecisionMethod    DecisionMethod `json:"decision_method,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// InFlight reports whether an attempt is open or awaiting a response and
// its window has not yet elapsed.
func (r Row) InFlight(now time.Time) bool {
	if r.Status != StatusOpen && r.Status != StatusAwaitingResponse {
		return false
	}
	return r.NextAttemptAt == nil || r.NextAttemptAt.After(now)
}

// Retryable reports whether the planner may select this goal again at now.
func (r Row) Retryable(now time.Time) bool {
	switch r.Status {
	case StatusCompleted, StatusDismissed:
		return false
	case StatusDeferred:
		return r.NextAttemptAt == nil || !r.NextAttemptAt.After(now)
	default:
		return !r.InFlight(now)
	}
}

// LatestResolved returns the most recently updated resolved row.
func LatestResolved(rows []Row) (Row, bool) {
	var (
		last  Row
		found bool
	)
	for _, r := range rows {
		if !r.Status.Resolved() {
			continue
		}
		if !found || r.UpdatedAt.After(last.UpdatedAt) {
			last, found = r, true
		}
	}
	return last, found
}

var transitions = map[Status][]Status{
	StatusOpen:             {StatusOpen, StatusAwaitingResponse, StatusDeferred, StatusCompleted, StatusDismissed},
	StatusAwaitingResponse: {StatusOpen, StatusDeferred, StatusCompleted, StatusDismissed},
	StatusDeferred:         {StatusOpen, StatusCompleted, StatusDismissed},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Change describes one guarded update to a row. Fields left nil keep their value.
type Change struct {
	From              Status
	To                Status
	NextAttemptAt     *time.Time
	ClearNextAttempt  bool
	OutcomeID         *int64
	ResponseSentiment *string
	ResponseIntent    *string
}

// Claim is the request to open a new attempt for (member, goal).
type Claim struct {
	MemberID       string
	GoalID         int64
	Reason         string
	DecisionMethod DecisionMethod
	Now            time.Time
	// Window is how long the attempt stays in flight before it may be retried.
	Window time.Duration
}

// Repository persists rows. Implementations must make Claim a single atomic
// conditional write and Update conditional on Change.From.
type Repository interface {
	Claim(ctx context.Context, c Claim) (Row, error)
	Update(ctx context.Context, id string, ch Change, now time.Time) (Row, error)
	Get(ctx context.Context, id string) (Row, error)
	Find(ctx context.Context, memberID string, goalID int64) (Row, error)
	ListForMember(ctx context.Context, memberID string) ([]Row, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Row, error)
}
