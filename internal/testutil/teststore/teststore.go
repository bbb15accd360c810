// Package teststore provides SQLite-backed helpers for tests that need a
// real store. Each call opens an isolated database under t.TempDir().
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    env := teststore.NewEnv(t)
//	    g := env.Goal(catalog.Goal{Name: "intro", ...})
//	    env.Member(member.Member{ID: "m1"})
//	}
package teststore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stellarlinkco/outreach/internal/catalog"
	"github.com/stellarlinkco/outreach/internal/member"
	"github.com/stellarlinkco/outreach/internal/store"
)

// New opens a fresh engine that is closed when the test completes.
func New(t testing.TB) *store.Engine {
	t.Helper()

	e, err := store.NewEngine(filepath.Join(t.TempDir(), "outreach.db"))
	if err != nil {
		t.Fatalf("teststore: open engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// Env bundles an engine with seeding helpers that fail the test on error.
type Env struct {
	t     testing.TB
	Store *store.Engine
	Ctx   context.Context
}

func NewEnv(t testing.TB) *Env {
	t.Helper()
	return &Env{t: t, Store: New(t), Ctx: context.Background()}
}

// Goal inserts g, defaulting the fields every goal needs.
func (e *Env) Goal(g catalog.Goal) catalog.Goal {
	e.t.Helper()
	if g.Category == "" {
		g.Category = catalog.CategoryEngagement
	}
	if g.MessageTemplate == "" {
		g.MessageTemplate = "Hi {{user_name}}"
	}
	created, err := e.Store.CreateGoal(e.Ctx, g)
	if err != nil {
		e.t.Fatalf("teststore: create goal %q: %v", g.Name, err)
	}
	return created
}

func (e *Env) Rule(r catalog.OutcomeRule) catalog.OutcomeRule {
	e.t.Helper()
	created, err := e.Store.CreateRule(e.Ctx, r)
	if err != nil {
		e.t.Fatalf("teststore: create rule for goal %d: %v", r.GoalID, err)
	}
	return created
}

func (e *Env) Member(m member.Member) member.Member {
	e.t.Helper()
	if err := e.Store.UpsertMember(e.Ctx, m); err != nil {
		e.t.Fatalf("teststore: upsert member %s: %v", m.ID, err)
	}
	return m
}
