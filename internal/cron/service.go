package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is the body of a scheduled job. ctx is cancelled when the service stops.
type JobFunc func(ctx context.Context) error

type JobState struct {
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Runs       int       `json:"runs"`
}

type Job struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Expr    string   `json:"expr"`
	Enabled bool     `json:"enabled"`
	State   JobState `json:"state"`

	fn JobFunc
}

var parser = rcron.NewParser(
	rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

// ValidateExpr reports whether expr is a six-field (seconds first) cron
// expression or a descriptor such as "@every 1m".
func ValidateExpr(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Service runs named in-process jobs on cron schedules.
type Service struct {
	mu       sync.Mutex
	jobs     []*Job
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	logger   zerolog.Logger
}

func NewService(logger zerolog.Logger) *Service {
	return &Service{
		entryMap: make(map[string]rcron.EntryID),
		logger:   logger.With().Str("component", "cron").Logger(),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return fmt.Errorf("cron service already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithParser(parser))

	for _, job := range s.jobs {
		if job.Enabled {
			s.registerJob(job)
		}
	}
	count := len(s.entryMap)
	s.cron.Start()
	s.mu.Unlock()

	s.logger.Info().Int("jobs", count).Msg("cron started")

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(job *Job) {
	id, fn := job.ID, job.fn
	entryID, err := s.cron.AddFunc(job.Expr, func() {
		s.executeJob(id, fn)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job", job.Name).Str("expr", job.Expr).Msg("failed to register job")
		return
	}
	s.entryMap[job.ID] = entryID
}

func (s *Service) executeJob(id string, fn JobFunc) {
	s.mu.Lock()
	ctx := s.runCtx
	name := id
	if job := s.find(id); job != nil {
		name = job.Name
	}
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.logger.Debug().Str("job", name).Msg("executing job")
	start := time.Now()
	err := safeRun(ctx, fn)

	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.find(id)
	if job == nil {
		return
	}
	job.State.LastRunAt = start
	job.State.Runs++
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		s.logger.Error().Err(err).Str("job", name).Msg("job failed")
		return
	}
	job.State.LastStatus = "ok"
	job.State.LastError = ""
	s.logger.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("job finished")
}

func safeRun(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	if fn == nil {
		return fmt.Errorf("job has no function")
	}
	return fn(ctx)
}

func (s *Service) find(id string) *Job {
	for _, job := range s.jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.cron = nil
	s.entryMap = make(map[string]rcron.EntryID)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}
	if c == nil {
		return
	}

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("stop timeout waiting for running jobs")
	}
	s.logger.Info().Msg("cron stopped")
}

// AddJob schedules fn under expr. Jobs added before Start are registered
// when the service starts.
func (s *Service) AddJob(name, expr string, fn JobFunc) (*Job, error) {
	if fn == nil {
		return nil, fmt.Errorf("job %s has no function", name)
	}
	if err := ValidateExpr(expr); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := &Job{ID: uuid.NewString(), Name: name, Expr: expr, Enabled: true, fn: fn}
	s.jobs = append(s.jobs, job)
	if s.cron != nil {
		s.registerJob(job)
	}

	out := *job
	return &out, nil
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		result = append(result, *job)
	}
	return result
}

// NextRun returns the next scheduled time of a registered job.
func (s *Service) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entryMap[id]
	if !ok || s.cron == nil {
		return time.Time{}, false
	}
	return s.cron.Entry(entryID).Next, true
}
