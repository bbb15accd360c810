// Package member holds the narrow read model of a member that outreach
// decisions are made against.
package member

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("member not found")

// Capability keys understood by Capabilities.Has.
const (
	CapabilityAccountLinked   = "account_linked"
	CapabilityProfileComplete = "profile_complete"
	CapabilityAttendedEvent   = "attended_event"
	CapabilityCommunityJoined = "community_joined"
)

type Company struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Capabilities is a snapshot of account linkage, profile completeness and participation.
type Capabilities struct {
	AccountLinked       bool `json:"account_linked"`
	ProfileCompleteness int  `json:"profile_completeness"`
	EventsAttended      int  `json:"events_attended"`
	CommunityJoined     bool `json:"community_joined"`
}

func (c Capabilities) Has(key string) bool {
	switch key {
	case CapabilityAccountLinked:
		return c.AccountLinked
	case CapabilityProfileComplete:
		return c.ProfileCompleteness >= 100
	case CapabilityAttendedEvent:
		return c.EventsAttended > 0
	case CapabilityCommunityJoined:
		return c.CommunityJoined
	}
	return false
}

type Member struct {
	ID              string       `json:"id"`
	DisplayName     string       `json:"display_name"`
	IsMapped        bool         `json:"is_mapped"`
	Company         Company      `json:"company"`
	EngagementScore int          `json:"engagement_score"`
	OptedOut        bool         `json:"opted_out"`
	IsTest          bool         `json:"is_test"`
	LastContactedAt *time.Time   `json:"last_contacted_at,omitempty"`
	Capabilities    Capabilities `json:"capabilities"`
}

// Directory is the read interface onto member profiles.
type Directory interface {
	GetMember(ctx context.Context, id string) (Member, error)
}
