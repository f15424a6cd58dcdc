package modrun

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduledAction is a recurring dispatch of an action request on a
// cron expression.
type ScheduledAction struct {
	Name       string           `json:"name"`
	Spec       string           `json:"spec"`
	Request    ExecutionRequest `json:"request"`
	NextRun    time.Time        `json:"next_run,omitempty"`
	LastRun    time.Time        `json:"last_run,omitempty"`
	RunCount   int              `json:"run_count"`
	LastStatus ExecutionStatus  `json:"last_status,omitempty"`
}

type scheduleEntry struct {
	name       string
	spec       string
	request    ExecutionRequest
	cronID     cron.EntryID
	lastRun    time.Time
	runCount   int
	lastStatus ExecutionStatus
}

// ActionScheduler runs action requests on cron schedules. Each tick
// creates and executes a fresh execution through the framework, so
// scheduled runs validate, audit and emit events exactly like manual
// ones.
type ActionScheduler struct {
	mu        sync.Mutex
	cron      *cron.Cron
	framework *ActionFramework
	entries   map[string]*scheduleEntry
	logger    Logger
	running   bool
	stopped   bool
}

// NewActionScheduler creates a scheduler bound to the framework.
func NewActionScheduler(framework *ActionFramework, logger Logger) *ActionScheduler {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	return &ActionScheduler{
		cron:      cron.New(),
		framework: framework,
		entries:   make(map[string]*scheduleEntry),
		logger:    logger,
	}
}

// Start begins firing schedules. Idempotent.
func (s *ActionScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.stopped = false
	s.logger.Info("action scheduler started")
}

// Stop halts the scheduler and waits for in-flight runs to finish.
func (s *ActionScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopped = true
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("action scheduler stopped")
}

// Schedule registers a named recurring dispatch. The request is
// validated immediately so a broken schedule surfaces at registration
// time, not at 3am.
func (s *ActionScheduler) Schedule(name, spec string, req ExecutionRequest) error {
	if err := s.framework.Validate(req); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("%w: cannot add schedule %q", ErrSchedulerStopped, name)
	}
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("%w: %q", ErrScheduleExists, name)
	}

	entry := &scheduleEntry{name: name, spec: spec, request: req}
	cronID, err := s.cron.AddFunc(spec, func() { s.fire(entry) })
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	entry.cronID = cronID
	s.entries[name] = entry
	s.logger.Info("action scheduled", "schedule", name, "spec", spec, "action", req.ActionName)
	return nil
}

// Unschedule removes a named schedule.
func (s *ActionScheduler) Unschedule(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrScheduleNotFound, name)
	}
	s.cron.Remove(entry.cronID)
	delete(s.entries, name)
	s.logger.Info("action unscheduled", "schedule", name)
	return nil
}

// Schedules lists registered schedules sorted by name.
func (s *ActionScheduler) Schedules() []ScheduledAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledAction, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, ScheduledAction{
			Name:       entry.name,
			Spec:       entry.spec,
			Request:    entry.request,
			NextRun:    s.cron.Entry(entry.cronID).Next,
			LastRun:    entry.lastRun,
			RunCount:   entry.runCount,
			LastStatus: entry.lastStatus,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *ActionScheduler) fire(entry *scheduleEntry) {
	record, err := s.framework.Run(context.Background(), entry.request)
	if err != nil {
		s.logger.Error("scheduled action failed", "schedule", entry.name, "action", entry.request.ActionName, "error", err)
	}

	s.mu.Lock()
	entry.lastRun = time.Now()
	entry.runCount++
	entry.lastStatus = record.Status
	s.mu.Unlock()
}
