// Package insights is the read-through cache and write path for what we
// have learned about each member.
package insights

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

var ErrInvalidInsight = errors.New("invalid insight")

type Source string

const (
	SourceManual    Source = "manual"
	SourceAutomated Source = "automated"
	SourceOutcome   Source = "outcome"
)

type Insight struct {
	MemberID   string    `json:"member_id"`
	Type       string    `json:"type"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	Source     Source    `json:"source"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Types returns the set of insight types present in list.
func Types(list []Insight) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, in := range list {
		out[in.Type] = true
	}
	return out
}

type Repository interface {
	ListInsights(ctx context.Context, memberID string) ([]Insight, error)
	UpsertInsight(ctx context.Context, in Insight) (Insight, error)
	DeleteInsight(ctx context.Context, memberID, insightType string) error
}

// Service reads insights through a bounded TTL cache and invalidates the
// member's entry before any write is acknowledged.
type Service struct {
	repo  Repository
	cache *expirable.LRU[string, []Insight]
	group singleflight.Group

	mu  sync.Mutex
	gen map[string]uint64
}

func NewService(repo Repository, size int, ttl time.Duration) *Service {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		repo:  repo,
		cache: expirable.NewLRU[string, []Insight](size, nil, ttl),
		gen:   make(map[string]uint64),
	}
}

// List returns the member's insights, loading them on a cache miss.
// Concurrent misses for one member share a single load.
func (s *Service) List(ctx context.Context, memberID string) ([]Insight, error) {
	if cached, ok := s.cache.Get(memberID); ok {
		return clone(cached), nil
	}

	v, err, _ := s.group.Do(memberID, func() (any, error) {
		gen := s.generation(memberID)
		list, err := s.repo.ListInsights(ctx, memberID)
		if err != nil {
			return nil, err
		}
		// A write that landed during the load bumped the generation; caching
		// this result would resurrect stale data.
		s.mu.Lock()
		if s.gen[memberID] == gen {
			s.cache.Add(memberID, list)
		}
		s.mu.Unlock()
		return list, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load insights for %s: %w", memberID, err)
	}
	return clone(v.([]Insight)), nil
}

// Record upserts one insight and drops the member's cache entry.
func (s *Service) Record(ctx context.Context, in Insight) (Insight, error) {
	in.Type = strings.TrimSpace(in.Type)
	if in.MemberID == "" || in.Type == "" {
		return Insight{}, fmt.Errorf("%w: member id and type are required", ErrInvalidInsight)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return Insight{}, fmt.Errorf("%w: confidence %.2f out of range", ErrInvalidInsight, in.Confidence)
	}
	if in.Source == "" {
		in.Source = SourceManual
	}
	saved, err := s.repo.UpsertInsight(ctx, in)
	s.Invalidate(in.MemberID)
	if err != nil {
		return Insight{}, fmt.Errorf("record insight: %w", err)
	}
	return saved, nil
}

func (s *Service) Delete(ctx context.Context, memberID, insightType string) error {
	err := s.repo.DeleteInsight(ctx, memberID, insightType)
	s.Invalidate(memberID)
	if err != nil {
		return fmt.Errorf("delete insight: %w", err)
	}
	return nil
}

// Invalidate drops the cached entry for memberID.
func (s *Service) Invalidate(memberID string) {
	s.mu.Lock()
	s.gen[memberID]++
	s.cache.Remove(memberID)
	s.mu.Unlock()
	s.group.Forget(memberID)
}

func (s *Service) generation(memberID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen[memberID]
}

func clone(in []Insight) []Insight {
	out := make([]Insight, len(in))
	copy(out, in)
	return out
}
