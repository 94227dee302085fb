package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"scada-monitor/internal/observability/metrics"
)

const defaultResolution = 30 * time.Second

var (
	// ErrJobNotFound is returned by Trigger for an unknown job.
	ErrJobNotFound = errors.New("scheduler: job not found")
	// ErrInvalidJob is returned by Register for a malformed job.
	ErrInvalidJob = errors.New("scheduler: invalid job")
)

// Clock provides the scheduler time.
type Clock interface {
	Now() time.Time
}

// Job is a named unit of periodic work. Exactly one of Every or DailyAt
// ("15:04", UTC) sets the schedule.
type Job struct {
	Name    string
	Every   time.Duration
	DailyAt string
	Run     func(ctx context.Context, now time.Time) error
}

// JobStatus is the observable state of a registered job.
type JobStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	NextRun   time.Time  `json:"next_run"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Runs      int        `json:"runs"`
	Running   bool       `json:"running"`
}

type jobState struct {
	job       Job
	hour      int
	minute    int
	nextRun   time.Time
	lastRun   time.Time
	lastError string
	runs      int
	running   bool
}

// Scheduler runs registered jobs from a single ticker.
type Scheduler struct {
	mu         sync.Mutex
	jobs       map[string]*jobState
	clock      Clock
	resolution time.Duration
	logger     *log.Logger
	wg         sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler clock.
func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithResolution sets how often due jobs are checked.
func WithResolution(resolution time.Duration) Option {
	return func(s *Scheduler) {
		if resolution > 0 {
			s.resolution = resolution
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New constructs a scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:       make(map[string]*jobState),
		clock:      systemClock{},
		resolution: defaultResolution,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Register adds a job. Interval jobs first run one interval from now;
// daily jobs at their next wall-clock slot.
func (s *Scheduler) Register(job Job) error {
	if s == nil {
		return errors.New("scheduler: nil scheduler")
	}
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("%w: name and run are required", ErrInvalidJob)
	}
	if (job.Every > 0) == (job.DailyAt != "") {
		return fmt.Errorf("%w: %s needs exactly one of every or daily_at", ErrInvalidJob, job.Name)
	}
	state := &jobState{job: job}
	if job.DailyAt != "" {
		hour, minute, err := parseDailyAt(job.DailyAt)
		if err != nil {
			return fmt.Errorf("%w: %s daily_at %q", ErrInvalidJob, job.Name, job.DailyAt)
		}
		state.hour, state.minute = hour, minute
	}
	now := s.clock.Now().UTC()
	state.nextRun = state.next(now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("%w: duplicate name %s", ErrInvalidJob, job.Name)
	}
	s.jobs[job.Name] = state
	s.logf("scheduler job registered: job=%s schedule=%s next=%s", job.Name, state.schedule(), state.nextRun.Format(time.RFC3339))
	return nil
}

// Start checks for due jobs until ctx is done, then waits for running jobs.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.RunDue(ctx, s.clock.Now().UTC())
		}
	}
}

// RunDue starts every job whose next run is at or before now and returns
// their names. Jobs still running from an earlier slot are skipped.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) []string {
	if s == nil {
		return nil
	}
	var due []*jobState
	s.mu.Lock()
	for _, state := range s.jobs {
		if state.running || now.Before(state.nextRun) {
			continue
		}
		state.running = true
		state.nextRun = state.next(now)
		due = append(due, state)
	}
	s.mu.Unlock()

	names := make([]string, 0, len(due))
	for _, state := range due {
		names = append(names, state.job.Name)
		s.wg.Add(1)
		go func(state *jobState) {
			defer s.wg.Done()
			s.execute(ctx, state, now)
		}(state)
	}
	sort.Strings(names)
	return names
}

// Trigger runs a job immediately and synchronously.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	if s == nil {
		return errors.New("scheduler: nil scheduler")
	}
	s.mu.Lock()
	state, ok := s.jobs[name]
	if ok && state.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: job %s already running", name)
	}
	if ok {
		state.running = true
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.execute(ctx, state, s.clock.Now().UTC())
}

// Wait blocks until every job started by RunDue has finished.
func (s *Scheduler) Wait() {
	if s != nil {
		s.wg.Wait()
	}
}

// Status lists registered jobs by name.
func (s *Scheduler) Status() []JobStatus {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, state := range s.jobs {
		status := JobStatus{
			Name:      state.job.Name,
			Schedule:  state.schedule(),
			NextRun:   state.nextRun,
			LastError: state.lastError,
			Runs:      state.runs,
			Running:   state.running,
		}
		if !state.lastRun.IsZero() {
			last := state.lastRun
			status.LastRun = &last
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) execute(ctx context.Context, state *jobState, now time.Time) error {
	err := state.job.Run(ctx, now)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
		s.logf("scheduler job failed: job=%s err=%v", state.job.Name, err)
	}
	metrics.IncSchedulerRun(state.job.Name, result)

	s.mu.Lock()
	state.running = false
	state.lastRun = now
	state.runs++
	state.lastError = ""
	if err != nil {
		state.lastError = err.Error()
	}
	s.mu.Unlock()
	return err
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (j *jobState) next(now time.Time) time.Time {
	if j.job.Every > 0 {
		return now.Add(j.job.Every)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), j.hour, j.minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (j *jobState) schedule() string {
	if j.job.Every > 0 {
		return "every " + j.job.Every.String()
	}
	return "daily at " + j.job.DailyAt + " UTC"
}

func parseDailyAt(value string) (int, int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
