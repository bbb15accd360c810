// Package cron hosts the outreach jobs on cron schedules and keeps the
// outcome of each job's last run in a JSON state file.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/outreach/internal/jobs"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrRunning    = errors.New("job already running")
)

// Runner executes a named job.
type Runner interface {
	Run(ctx context.Context, name string) (jobs.Summary, error)
}

// JobState is what the scheduler remembers about one job.
type JobState struct {
	Name        string `json:"name"`
	Schedule    string `json:"schedule"`
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	LastSummary string `json:"lastSummary,omitempty"`
	Scanned     int    `json:"scanned"`
	Changed     int    `json:"changed"`
	Failures    int    `json:"failures"`
	Runs        int    `json:"runs"`
}

type Service struct {
	statePath string
	runner    Runner
	mu        sync.Mutex
	states    map[string]*JobState
	running   map[string]bool
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job name -> cron entry ID
	runCtx    context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	now       func() time.Time
	loadOnce  sync.Once
}

// NewService hosts the jobs named in schedules. An empty spec keeps the job
// available to RunNow without scheduling it.
func NewService(statePath string, runner Runner, schedules map[string]string) *Service {
	s := &Service{
		statePath: statePath,
		runner:    runner,
		states:    make(map[string]*JobState),
		running:   make(map[string]bool),
		entryMap:  make(map[string]rcron.EntryID),
		now:       time.Now,
	}
	for name, spec := range schedules {
		s.states[name] = &JobState{Name: name, Schedule: spec}
	}
	return s
}

func (s *Service) Start(ctx context.Context) error {
	s.ensureLoaded()

	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	c := rcron.New(rcron.WithSeconds())

	s.mu.Lock()
	names := s.namesLocked()
	for _, name := range names {
		spec := s.states[name].Schedule
		if spec == "" {
			continue
		}
		jobName := name
		id, err := c.AddFunc(spec, func() { s.executeJob(jobName) })
		if err != nil {
			s.mu.Unlock()
			cancel()
			return fmt.Errorf("schedule %s (%s): %w", name, spec, err)
		}
		s.entryMap[name] = id
	}
	s.cron = c
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	scheduled := len(s.entryMap)
	s.mu.Unlock()

	c.Start()
	log.Printf("[cron] started with %d scheduled jobs", scheduled)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
			return
		}
	}()

	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	cancel()
	close(stopCh)

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			log.Printf("[cron] stop timeout waiting for running jobs")
		}
	}
	log.Printf("[cron] stopped")
}

// RunNow executes the named job synchronously and records its state.
func (s *Service) RunNow(ctx context.Context, name string) (jobs.Summary, error) {
	s.ensureLoaded()
	if err := s.begin(name); err != nil {
		return jobs.Summary{}, err
	}
	return s.run(ctx, name)
}

func (s *Service) executeJob(name string) {
	if err := s.begin(name); err != nil {
		log.Printf("[cron] skipping %s: %v", name, err)
		return
	}
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	_, _ = s.run(ctx, name)
}

func (s *Service) begin(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if s.running[name] {
		return fmt.Errorf("%w: %s", ErrRunning, name)
	}
	s.running[name] = true
	return nil
}

func (s *Service) run(ctx context.Context, name string) (jobs.Summary, error) {
	log.Printf("[cron] executing job %s", name)
	sum, err := s.runner.Run(ctx, name)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)

	st := s.states[name]
	st.Runs++
	st.LastRunAtMs = s.now().UnixMilli()
	st.Scanned = sum.Scanned
	st.Changed = sum.Changed
	st.Failures = len(sum.Failures)
	if err != nil {
		st.LastStatus = "error"
		st.LastError = err.Error()
		st.LastSummary = ""
		log.Printf("[cron] job %s error: %v", name, err)
	} else {
		st.LastStatus = "ok"
		st.LastError = ""
		st.LastSummary = sum.String()
		if len(sum.Failures) > 0 {
			st.LastStatus = "partial"
		}
	}

	if saveErr := s.saveLocked(); saveErr != nil {
		log.Printf("[cron] warning: failed to save job state: %v", saveErr)
	}
	return sum, err
}

// States returns a copy of every job's state ordered by name.
func (s *Service) States() []JobState {
	s.ensureLoaded()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.states))
	for _, name := range s.namesLocked() {
		out = append(out, *s.states[name])
	}
	return out
}

// Next reports when the named job is next scheduled, if it is.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entryMap[name]
	if !ok || s.cron == nil {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Service) namesLocked() []string {
	names := make([]string, 0, len(s.states))
	for name := range s.states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) ensureLoaded() {
	s.loadOnce.Do(func() {
		if err := s.load(); err != nil {
			log.Printf("[cron] warning: failed to load job state: %v", err)
		}
	})
}

// load restores run history for jobs that are still configured. Schedules
// always come from configuration.
func (s *Service) load() error {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var saved []JobState
	if err := json.Unmarshal(data, &saved); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range saved {
		cur, ok := s.states[st.Name]
		if !ok {
			continue
		}
		st.Schedule = cur.Schedule
		*cur = st
	}
	return nil
}

func (s *Service) saveLocked() error {
	dir := filepath.Dir(s.statePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	out := make([]JobState, 0, len(s.states))
	for _, name := range s.namesLocked() {
		out = append(out, *s.states[name])
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.statePath, data, 0644)
}
