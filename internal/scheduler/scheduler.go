package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/obsidianstack/datasync/pkg/types"
)

// Defaults applied by DefaultGlobalConfig.
const (
	DefaultInterval      = 30 * time.Second
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 1 * time.Second
)

var (
	// ErrJobExists is returned by CreateJob when the id is already in use.
	ErrJobExists = errors.New("scheduler: job already exists")
	// ErrJobNotFound is returned for operations on an unknown job id.
	ErrJobNotFound = errors.New("scheduler: job not found")
	// ErrStopped is returned by CreateJob after Stop.
	ErrStopped = errors.New("scheduler: stopped")
)

// RefreshFunc performs one fetch-and-reload attempt with the job's current
// filters. A non-nil error counts as a failed attempt.
type RefreshFunc func(ctx context.Context, filters types.Filters) error

// Visibility reports whether the UI is currently visible to the user.
type Visibility interface {
	Visible() bool
}

// VisibilityFunc adapts a func to Visibility.
type VisibilityFunc func() bool

// Visible implements Visibility.
func (f VisibilityFunc) Visible() bool { return f() }

type alwaysVisible struct{}

func (alwaysVisible) Visible() bool { return true }

// JobConfig is the per-job polling policy.
type JobConfig struct {
	Interval        time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
	OnlyWhenVisible bool
	Enabled         bool
}

// GlobalConfig holds scheduler-wide settings. The Default/Retry fields seed
// DefaultJobConfig; Enabled gates every job.
type GlobalConfig struct {
	Enabled         bool
	DefaultInterval time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
	OnlyWhenVisible bool
}

// DefaultGlobalConfig returns an enabled configuration with package defaults.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		Enabled:         true,
		DefaultInterval: DefaultInterval,
		RetryAttempts:   DefaultRetryAttempts,
		RetryDelay:      DefaultRetryDelay,
		OnlyWhenVisible: true,
	}
}

// GlobalConfigUpdate is a partial GlobalConfig; nil fields are left as is.
type GlobalConfigUpdate struct {
	Enabled         *bool
	DefaultInterval *time.Duration
	RetryAttempts   *int
	RetryDelay      *time.Duration
	OnlyWhenVisible *bool
}

// Job is a point-in-time view of a polling job.
type Job struct {
	ID       string        `json:"id"`
	DataType string        `json:"data_type"`
	Filters  types.Filters `json:"filters"`

	Interval        time.Duration `json:"interval"`
	RetryAttempts   int           `json:"retry_attempts"`
	RetryDelay      time.Duration `json:"retry_delay"`
	OnlyWhenVisible bool          `json:"only_when_visible"`
	Enabled         bool          `json:"enabled"`

	IsRunning    bool      `json:"is_running"`
	SuccessCount int       `json:"success_count"`
	Errors       int       `json:"errors"`
	LastRun      time.Time `json:"last_run,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

// RefreshEvent describes the outcome of one fire-and-retry cycle.
type RefreshEvent struct {
	JobID    string
	DataType string
	Success  bool
	Attempts int
	Err      error
	At       time.Time
	Duration time.Duration
}

// RefreshHandler receives refresh events.
type RefreshHandler func(RefreshEvent)

// Stats aggregates counters over all live jobs.
type Stats struct {
	Jobs         int `json:"jobs"`
	Running      int `json:"running"`
	SuccessCount int `json:"success_count"`
	Errors       int `json:"errors"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithVisibility sets the visibility source used for OnlyWhenVisible jobs.
func WithVisibility(v Visibility) Option {
	return func(s *Scheduler) { s.visibility = v }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

type job struct {
	Job // guarded by Scheduler.mu

	fn      RefreshFunc
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
}

type refreshSub struct {
	id      uint64
	handler RefreshHandler
}

// Scheduler runs polling jobs. All methods are safe for concurrent use.
type Scheduler struct {
	clock      clock.Clock
	visibility Visibility
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	global  GlobalConfig
	jobs    map[string]*job
	subs    []refreshSub
	nextSub uint64
	stopped bool
}

// New creates a Scheduler with the given global configuration.
func New(cfg GlobalConfig, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		clock:      clock.RealClock{},
		visibility: alwaysVisible{},
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		global:     cfg,
		jobs:       make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultJobConfig returns a JobConfig seeded from the global configuration.
func (s *Scheduler) DefaultJobConfig() JobConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return JobConfig{
		Interval:        s.global.DefaultInterval,
		RetryAttempts:   s.global.RetryAttempts,
		RetryDelay:      s.global.RetryDelay,
		OnlyWhenVisible: s.global.OnlyWhenVisible,
		Enabled:         true,
	}
}

// GlobalConfig returns the current global configuration.
func (s *Scheduler) GlobalConfig() GlobalConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global
}

// UpdateGlobalConfig applies the non-nil fields of u. Existing jobs keep
// their own interval and retry policy; Enabled takes effect on their next tick.
func (s *Scheduler) UpdateGlobalConfig(u GlobalConfigUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Enabled != nil {
		s.global.Enabled = *u.Enabled
	}
	if u.DefaultInterval != nil && *u.DefaultInterval > 0 {
		s.global.DefaultInterval = *u.DefaultInterval
	}
	if u.RetryAttempts != nil && *u.RetryAttempts >= 0 {
		s.global.RetryAttempts = *u.RetryAttempts
	}
	if u.RetryDelay != nil && *u.RetryDelay >= 0 {
		s.global.RetryDelay = *u.RetryDelay
	}
	if u.OnlyWhenVisible != nil {
		s.global.OnlyWhenVisible = *u.OnlyWhenVisible
	}
	s.logger.Info("scheduler: global config updated",
		"enabled", s.global.Enabled,
		"default_interval", s.global.DefaultInterval,
		"retry_attempts", s.global.RetryAttempts,
		"retry_delay", s.global.RetryDelay)
}

// CreateJob registers and starts a job. An empty id is replaced by a random one.
func (s *Scheduler) CreateJob(id, dataType string, cfg JobConfig, filters types.Filters, fn RefreshFunc) (Job, error) {
	if fn == nil {
		return Job{}, fmt.Errorf("scheduler: job %q: refresh func is required", id)
	}
	if cfg.Interval <= 0 {
		return Job{}, fmt.Errorf("scheduler: job %q: interval must be positive", id)
	}
	if cfg.RetryAttempts < 0 {
		return Job{}, fmt.Errorf("scheduler: job %q: retry attempts must not be negative", id)
	}
	if cfg.RetryDelay < 0 {
		return Job{}, fmt.Errorf("scheduler: job %q: retry delay must not be negative", id)
	}
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Job{}, ErrStopped
	}
	if _, ok := s.jobs[id]; ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobExists, id)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{
		Job: Job{
			ID:              id,
			DataType:        dataType,
			Filters:         filters.Clone(),
			Interval:        cfg.Interval,
			RetryAttempts:   cfg.RetryAttempts,
			RetryDelay:      cfg.RetryDelay,
			OnlyWhenVisible: cfg.OnlyWhenVisible,
			Enabled:         cfg.Enabled,
		},
		fn:      fn,
		cancel:  cancel,
		done:    make(chan struct{}),
		trigger: make(chan struct{}, 1),
	}
	s.jobs[id] = j
	go s.runJob(ctx, j)

	s.logger.Debug("scheduler: job created",
		"job", id,
		"data_type", dataType,
		"interval", cfg.Interval)
	return j.snapshot(), nil
}

// RemoveJob cancels the job's pending timer and any retry loop in flight.
// It does not wait for an in-flight refresh call to return, but no counter
// update or event happens for the job afterwards. It reports whether the job
// existed.
func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel()
	s.logger.Debug("scheduler: job removed", "job", id)
	return true
}

// GetJob returns a snapshot of the job with the given id.
func (s *Scheduler) GetJob(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// GetAllJobs returns snapshots of every job, ordered by id.
func (s *Scheduler) GetAllJobs() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// SetJobFilters replaces the filters a live job passes to its refresh func.
// The change is picked up by the next fire.
func (s *Scheduler) SetJobFilters(id string, filters types.Filters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j.Filters = filters.Clone()
	return nil
}

// SetJobEnabled enables or disables a job without removing it.
func (s *Scheduler) SetJobEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j.Enabled = enabled
	return nil
}

// TriggerNow requests an immediate fire of the job, bypassing the enabled and
// visibility gates. The regular interval restarts after that fire. Triggers
// requested while one is already pending are coalesced.
func (s *Scheduler) TriggerNow(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	select {
	case j.trigger <- struct{}{}:
	default:
	}
	return nil
}

// OnRefresh registers h for refresh events. Handlers run on the job goroutine
// and must not block.
func (s *Scheduler) OnRefresh(h RefreshHandler) (unsubscribe func()) {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, refreshSub{id: id, handler: h})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Stats returns counters aggregated over all live jobs.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Jobs: len(s.jobs)}
	for _, j := range s.jobs {
		if j.IsRunning {
			st.Running++
		}
		st.SuccessCount += j.SuccessCount
		st.Errors += j.Errors
	}
	return st
}

// Stop removes every job and waits for their goroutines to exit. CreateJob
// fails with ErrStopped afterwards. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	jobs := make([]*job, 0, len(s.jobs))
	for id, j := range s.jobs {
		jobs = append(jobs, j)
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	s.cancel()
	for _, j := range jobs {
		<-j.done
	}
}

// --- internal ---------------------------------------------------------------

// snapshot must be called with Scheduler.mu held.
func (j *job) snapshot() Job {
	out := j.Job
	out.Filters = j.Filters.Clone()
	return out
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	defer close(j.done)

	for {
		s.mu.Lock()
		interval := j.Interval
		s.mu.Unlock()

		t := s.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-j.trigger:
			t.Stop()
			s.fire(ctx, j)
		case <-t.C():
			if reason := s.skipReason(j); reason != "" {
				s.logger.Debug("scheduler: tick skipped", "job", j.ID, "reason", reason)
				continue
			}
			s.fire(ctx, j)
		}
	}
}

// skipReason returns why the current tick must not fire, or "" to fire.
func (s *Scheduler) skipReason(j *job) string {
	s.mu.Lock()
	enabled, jobEnabled, onlyVisible := s.global.Enabled, j.Enabled, j.OnlyWhenVisible
	s.mu.Unlock()
	switch {
	case !enabled:
		return "scheduler disabled"
	case !jobEnabled:
		return "job disabled"
	case onlyVisible && !s.visibility.Visible():
		return "not visible"
	}
	return ""
}

// fire runs one fire-and-retry cycle. If ctx is cancelled mid-cycle the
// cycle is abandoned without touching the counters.
func (s *Scheduler) fire(ctx context.Context, j *job) {
	start := s.clock.Now()

	s.mu.Lock()
	j.IsRunning = true
	j.LastRun = start
	filters := j.Filters.Clone()
	retries, delay := j.RetryAttempts, j.RetryDelay
	jobID, dataType := j.ID, j.DataType
	s.mu.Unlock()

	var err error
	attempts := 0
	for attempts <= retries {
		if attempts > 0 && !s.wait(ctx, delay) {
			s.abandon(j)
			return
		}
		attempts++
		err = s.call(ctx, j.fn, filters)
		if ctx.Err() != nil {
			s.abandon(j)
			return
		}
		if err == nil {
			break
		}
		s.logger.Debug("scheduler: refresh attempt failed",
			"job", jobID,
			"attempt", attempts,
			"err", err)
	}

	ev := RefreshEvent{
		JobID:    jobID,
		DataType: dataType,
		Success:  err == nil,
		Attempts: attempts,
		Err:      err,
		At:       s.clock.Now(),
	}
	ev.Duration = ev.At.Sub(start)

	s.mu.Lock()
	j.IsRunning = false
	if err == nil {
		j.SuccessCount++
		j.LastError = ""
	} else {
		j.Errors++
		j.LastError = err.Error()
	}
	handlers := make([]RefreshHandler, 0, len(s.subs))
	for _, sub := range s.subs {
		handlers = append(handlers, sub.handler)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduler: refresh failed after retries",
			"job", jobID,
			"data_type", dataType,
			"attempts", attempts,
			"err", err)
	}
	for _, h := range handlers {
		h(ev)
	}
}

func (s *Scheduler) abandon(j *job) {
	s.mu.Lock()
	j.IsRunning = false
	s.mu.Unlock()
}

// call invokes fn, converting a panic into an error.
func (s *Scheduler) call(ctx context.Context, fn RefreshFunc, filters types.Filters) (err error) {
	defer func() {
		if r := recover(); r != nil {
			id := uuid.NewString()
			s.logger.Error("scheduler: refresh func panicked",
				"correlation_id", id,
				"panic", fmt.Sprintf("%v", r))
			err = fmt.Errorf("refresh panic (correlation_id: %s)", id)
		}
	}()
	return fn(ctx, filters)
}

// wait blocks for d on the scheduler clock. It reports false if ctx ended first.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}
