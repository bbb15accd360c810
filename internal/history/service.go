package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service validates transitions before handing them to the repository.
type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, now: now}
}

func (s *Service) Now() time.Time { return s.now() }

// Claim opens or advances the attempt for (member, goal). A losing concurrent
// caller gets ErrAlreadyInFlight.
func (s *Service) Claim(ctx context.Context, c Claim) (Row, error) {
	if c.Now.IsZero() {
		c.Now = s.now()
	}
	if c.DecisionMethod == "" {
		c.DecisionMethod = DecisionRuleBased
	}
	return s.repo.Claim(ctx, c)
}

func (s *Service) Row(ctx context.Context, id string) (Row, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Find(ctx context.Context, memberID string, goalID int64) (Row, error) {
	return s.repo.Find(ctx, memberID, goalID)
}

func (s *Service) ForMember(ctx context.Context, memberID string) ([]Row, error) {
	return s.repo.ListForMember(ctx, memberID)
}

func (s *Service) ByStatus(ctx context.Context, statuses ...Status) ([]Row, error) {
	return s.repo.ListByStatus(ctx, statuses...)
}

// Transition moves row to ch.To if the state machine allows it and the
// stored row is still in ch.From.
func (s *Service) Transition(ctx context.Context, row Row, ch Change) (Row, error) {
	if ch.From == "" {
		ch.From = row.Status
	}
	if ch.From.Terminal() {
		return row, fmt.Errorf("%w: %s is %s", ErrTerminal, row.ID, ch.From)
	}
	if !CanTransition(ch.From, ch.To) {
		return row, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ch.From, ch.To)
	}
	if ch.To == StatusDeferred && ch.NextAttemptAt == nil {
		return row, fmt.Errorf("%w: deferring requires next_attempt_at", ErrInvalidTransition)
	}
	return s.repo.Update(ctx, row.ID, ch, s.now())
}

// MarkSent records delivery: open -> awaiting_response.
func (s *Service) MarkSent(ctx context.Context, row Row) (Row, error) {
	return s.Transition(ctx, row, Change{From: StatusOpen, To: StatusAwaitingResponse})
}

// Defer parks the row until now + days.
func (s *Service) Defer(ctx context.Context, row Row, days int, outcomeID *int64) (Row, error) {
	next := s.now().Add(time.Duration(days) * 24 * time.Hour)
	return s.Transition(ctx, row, Change{To: StatusDeferred, NextAttemptAt: &next, OutcomeID: outcomeID})
}

func (s *Service) Complete(ctx context.Context, row Row, outcomeID *int64) (Row, error) {
	return s.Transition(ctx, row, Change{To: StatusCompleted, OutcomeID: outcomeID, ClearNextAttempt: true})
}

func (s *Service) Dismiss(ctx context.Context, row Row, outcomeID *int64) (Row, error) {
	return s.Transition(ctx, row, Change{To: StatusDismissed, OutcomeID: outcomeID, ClearNextAttempt: true})
}

// Reopen returns a due deferred row to open so the planner may pick it again.
// The row keeps its elapsed next_attempt_at, which marks it as not in flight.
func (s *Service) Reopen(ctx context.Context, row Row) (Row, error) {
	now := s.now()
	if row.Status != StatusDeferred {
		return row, fmt.Errorf("%w: reopen from %s", ErrInvalidTransition, row.Status)
	}
	if row.NextAttemptAt != nil && row.NextAttemptAt.After(now) {
		return row, fmt.Errorf("%w: due %s", ErrNotDue, row.NextAttemptAt.Format(time.RFC3339))
	}
	if row.NextAttemptAt == nil {
		row.NextAttemptAt = &now
	}
	return s.Transition(ctx, row, Change{From: StatusDeferred, To: StatusOpen, NextAttemptAt: row.NextAttemptAt})
}

// RecordResponse stores the classified response on an awaiting row without
// changing its status.
func (s *Service) RecordResponse(ctx context.Context, row Row, sentiment, intent string) (Row, error) {
	if row.Status != StatusAwaitingResponse {
		return row, fmt.Errorf("%w: row %s is %s", ErrInvalidTransition, row.ID, row.Status)
	}
	return s.repo.Update(ctx, row.ID, Change{
		From:              StatusAwaitingResponse,
		To:                StatusAwaitingResponse,
		ResponseSentiment: &sentiment,
		ResponseIntent:    &intent,
	}, s.now())
}

// IsConcurrencyError reports whether err means another writer got there first.
func IsConcurrencyError(err error) bool {
	return errors.Is(err, ErrAlreadyInFlight) || errors.Is(err, ErrConflict)
}

// RecordOutcome notes a matched rule on an awaiting row that stays awaiting,
// e.g. when the response was escalated to an operator.
func (s *Service) RecordOutcome(ctx context.Context, row Row, outcomeID int64) (Row, error) {
	if row.Status != StatusAwaitingResponse {
		return row, fmt.Errorf("%w: row %s is %s", ErrInvalidTransition, row.ID, row.Status)
	}
	return s.repo.Update(ctx, row.ID, Change{
		From:      StatusAwaitingResponse,
		To:        StatusAwaitingResponse,
		OutcomeID: &outcomeID,
	}, s.now())
}
