// Package actions holds operator-facing follow-up items raised by jobs
// and by escalated responses.
package actions

import (
	"context"
	"fmt"
	"time"
)

type Kind string

const (
	KindStaleResponse  Kind = "stale_response"
	KindStalledSend    Kind = "stalled_send"
	KindAnswerQuestion Kind = "answer_question"
	KindEscalation     Kind = "escalation"
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Item is unique per (member, goal, kind, attempt) so producers can re-run.
type Item struct {
	ID        string    `json:"id"`
	MemberID  string    `json:"member_id"`
	GoalID    int64     `json:"goal_id"`
	Kind      Kind      `json:"kind"`
	Detail    string    `json:"detail"`
	Attempt   int       `json:"attempt"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (i Item) String() string {
	return fmt.Sprintf("[%s] member %s goal %d: %s", i.Kind, i.MemberID, i.GoalID, i.Detail)
}

type Repository interface {
	// Raise stores item unless an item with the same key exists; created
	// reports whether this call inserted it.
	Raise(ctx context.Context, item Item) (stored Item, created bool, err error)
	ListOpen(ctx context.Context) ([]Item, error)
	Resolve(ctx context.Context, id string) error
}
