package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/outreach/internal/member"
)

// memberEntry is the YAML shape accepted by members import.
type memberEntry struct {
	ID              string `yaml:"id"`
	DisplayName     string `yaml:"display_name"`
	IsMapped        bool   `yaml:"is_mapped"`
	CompanyName     string `yaml:"company_name"`
	CompanyType     string `yaml:"company_type"`
	EngagementScore int    `yaml:"engagement_score"`
	OptedOut        bool   `yaml:"opted_out"`
	IsTest          bool   `yaml:"is_test"`
	Capabilities    struct {
		AccountLinked       bool `yaml:"account_linked"`
		ProfileCompleteness int  `yaml:"profile_completeness"`
		EventsAttended      int  `yaml:"events_attended"`
		CommunityJoined     bool `yaml:"community_joined"`
	} `yaml:"capabilities"`
	Insights map[string]string `yaml:"insights"`
}

type membersFile struct {
	Members []memberEntry `yaml:"members"`
}

func readMembers(path string) ([]memberEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read members: %w", err)
	}
	var doc membersFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse members: %w", err)
	}
	return doc.Members, nil
}

func (e memberEntry) member() member.Member {
	return member.Member{
		ID:              strings.TrimSpace(e.ID),
		DisplayName:     e.DisplayName,
		IsMapped:        e.IsMapped,
		Company:         member.Company{Name: e.CompanyName, Type: e.CompanyType},
		EngagementScore: e.EngagementScore,
		OptedOut:        e.OptedOut,
		IsTest:          e.IsTest,
		Capabilities: member.Capabilities{
			AccountLinked:       e.Capabilities.AccountLinked,
			ProfileCompleteness: e.Capabilities.ProfileCompleteness,
			EventsAttended:      e.Capabilities.EventsAttended,
			CommunityJoined:     e.Capabilities.CommunityJoined,
		},
	}
}
