// Package eligibility decides whether a member may be contacted at all.
package eligibility

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/stellarlinkco/outreach/internal/member"
)

const ReasonOK = "eligible"

// Result is the verdict of one eligibility evaluation. Reason is meant to
// be shown to operators and schedulers verbatim.
type Result struct {
	CanContact bool   `json:"can_contact"`
	Reason     string `json:"reason"`
}

type Checker struct {
	members  member.Directory
	cooldown time.Duration
	testMode bool
	now      func() time.Time
}

type Option func(*Checker)

// WithTestMode lets test/internal accounts through.
func WithTestMode(on bool) Option {
	return func(c *Checker) { c.testMode = on }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

func NewChecker(members member.Directory, cooldown time.Duration, opts ...Option) *Checker {
	c := &Checker{members: members, cooldown: cooldown, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CanContact loads the member and evaluates it. Unknown members are an error.
func (c *Checker) CanContact(ctx context.Context, memberID string) (Result, error) {
	m, err := c.members.GetMember(ctx, memberID)
	if err != nil {
		return Result{}, fmt.Errorf("eligibility for %s: %w", memberID, err)
	}
	return c.Evaluate(m), nil
}

// Evaluate applies the contact rules to an already loaded member.
func (c *Checker) Evaluate(m member.Member) Result {
	if r := c.Standing(m); !r.CanContact {
		return r
	}
	if m.LastContactedAt != nil && c.cooldown > 0 {
		now := c.now()
		if since := now.Sub(*m.LastContactedAt); since < c.cooldown {
			return Result{Reason: fmt.Sprintf("contacted %s; cooldown is %s",
				humanize.RelTime(*m.LastContactedAt, now, "ago", "from now"), c.cooldown)}
		}
	}
	return Result{CanContact: true, Reason: ReasonOK}
}

// Standing applies only the opt-out and test-account rules.
func (c *Checker) Standing(m member.Member) Result {
	if m.OptedOut {
		return Result{Reason: "member opted out of outreach"}
	}
	if m.IsTest && !c.testMode {
		return Result{Reason: "test/internal account outside test mode"}
	}
	return Result{CanContact: true, Reason: ReasonOK}
}
