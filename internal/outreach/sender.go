package outreach

import (
	"context"
	"log"
	"unicode/utf8"

	"github.com/stellarlinkco/outreach/internal/member"
	"github.com/stellarlinkco/outreach/internal/planner"
)

// Sender delivers a planned message to a member. Delivery transports live
// outside this module; a returned error means the member was not reached.
type Sender interface {
	Send(ctx context.Context, m member.Member, action *planner.PlannedAction) error
}

// LogSender writes outgoing messages to the log instead of delivering them.
type LogSender struct{}

func (LogSender) Send(_ context.Context, m member.Member, action *planner.PlannedAction) error {
	log.Printf("[outreach] -> %s (%s) goal %q: %s", m.ID, m.DisplayName, action.Goal.Name, truncate(action.Message, 200))
	return nil
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
