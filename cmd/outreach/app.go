package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/stellarlinkco/outreach/internal/catalog"
	"github.com/stellarlinkco/outreach/internal/config"
	"github.com/stellarlinkco/outreach/internal/cron"
	"github.com/stellarlinkco/outreach/internal/eligibility"
	"github.com/stellarlinkco/outreach/internal/history"
	"github.com/stellarlinkco/outreach/internal/insights"
	"github.com/stellarlinkco/outreach/internal/jobs"
	"github.com/stellarlinkco/outreach/internal/notify"
	"github.com/stellarlinkco/outreach/internal/outcome"
	"github.com/stellarlinkco/outreach/internal/outreach"
	"github.com/stellarlinkco/outreach/internal/planner"
	"github.com/stellarlinkco/outreach/internal/rehearsal"
	"github.com/stellarlinkco/outreach/internal/store"
	"github.com/stellarlinkco/outreach/internal/telemetry"
)

// app is the fully wired process: one store and the services built on it.
type app struct {
	cfg       *config.Config
	store     *store.Engine
	catalog   *catalog.Catalog
	insights  *insights.Service
	history   *history.Service
	outreach  *outreach.Service
	simulator *rehearsal.Simulator
	runner    *jobs.Runner
	scheduler *cron.Service
}

func newApp(cfg *config.Config) (*app, error) {
	dbPath := cfg.DBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	engine, err := store.NewEngine(dbPath)
	if err != nil {
		return nil, err
	}

	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("create notifier: %w", err)
	}

	metrics := telemetry.Default()
	cat := catalog.New(engine, config.Duration(cfg.Insights.CacheTTL, config.DefaultInsightsCacheTTL))
	ins := insights.NewService(engine, cfg.Insights.CacheSize,
		config.Duration(cfg.Insights.CacheTTL, config.DefaultInsightsCacheTTL))
	hist := history.NewService(engine, nil)
	plan := planner.New(cat,
		planner.WithMode(cfg.Planner.Mode),
		planner.WithLinkBase(cfg.Planner.LinkBaseURL),
		planner.WithScoring(planner.Scoring{
			RecencyBonus:      cfg.Planner.RecencyBonus,
			PenaltyPerAttempt: cfg.Planner.PenaltyPerAttempt,
			PenaltyCap:        cfg.Planner.PenaltyCap,
		}),
	)
	resolver := outcome.NewResolver(outcome.NewClassifier(cfg.Classifier), cat)
	applier := outcome.NewApplier(hist, ins, engine)
	checker := eligibility.NewChecker(engine,
		config.Duration(cfg.Eligibility.Cooldown, config.DefaultContactCooldown),
		eligibility.WithTestMode(cfg.Eligibility.TestMode))

	a := &app{
		cfg:      cfg,
		store:    engine,
		catalog:  cat,
		insights: ins,
		history:  hist,
	}
	a.outreach = outreach.New(outreach.Deps{
		Members:  engine,
		Goals:    cat,
		Insights: ins,
		History:  hist,
		Planner:  plan,
		Resolver: resolver,
		Applier:  applier,
		Checker:  checker,
		Notifier: notifier,
		Metrics:  metrics,
		LinkBase: cfg.Planner.LinkBaseURL,
		Window:   config.Duration(cfg.Planner.ResponseWindow, config.DefaultResponseWindow),
	})
	a.simulator = rehearsal.NewSimulator(engine, plan, resolver, cat,
		rehearsal.WithLinkBase(cfg.Planner.LinkBaseURL))
	a.runner = jobs.NewRunner(jobs.Deps{
		Members:  engine,
		Goals:    cat,
		Insights: ins,
		History:  hist,
		Resolver: resolver,
		Applier:  applier,
		Actions:  engine,
		Checker:  checker,
		Notifier: notifier,
		Metrics:  metrics,
	}, jobs.Options{
		StaleAfter:   config.Duration(cfg.Jobs.StaleAfter, config.DefaultStaleAfter),
		StalledAfter: config.Duration(cfg.Jobs.StalledAfter, config.DefaultStalledAfter),
	})
	a.scheduler = cron.NewService(cfg.JobStatePath(), a.runner, map[string]string{
		jobs.JobMomentum: cfg.Jobs.MomentumSchedule,
		jobs.JobFollowUp: cfg.Jobs.FollowUpSchedule,
	})
	return a, nil
}

// Close waits for background notifications and closes the store.
func (a *app) Close() error {
	a.outreach.Wait()
	a.runner.Wait()
	return a.store.Close()
}
