// Package scheduler runs periodic jobs on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one named unit of periodic work. A run that is still going when
// the job comes due again is skipped, not stacked.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type Scheduler struct {
	gron   *gronx.Gronx
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	jobs    []Job
	running map[string]bool
	wg      sync.WaitGroup
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		gron:    gronx.New(),
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
		running: make(map[string]bool),
	}
}

// Add registers a job. An empty spec disables it.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		s.logger.Info("job disabled", slog.String("job", job.Name))
		return nil
	}
	if !s.gron.IsValid(job.Spec) {
		return fmt.Errorf("job %s: invalid cron expression %q", job.Name, job.Spec)
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: no run func", job.Name)
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return nil
}

// Next returns the first time after ref at which the named job is due.
func (s *Scheduler) Next(name string, ref time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return gronx.NextTickAfter(j.Spec, ref, false)
		}
	}
	return time.Time{}, fmt.Errorf("job %s: not registered", name)
}

// Run wakes at every minute boundary and starts the jobs due at that
// minute. It returns when ctx is done, after in-flight runs finish.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		now := s.now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		if !sleepCtx(ctx, next.Sub(now)) {
			return ctx.Err()
		}
		s.Tick(ctx, next)
	}
}

// Tick starts every job due at at. Runs happen on their own goroutines.
func (s *Scheduler) Tick(ctx context.Context, at time.Time) {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	for _, j := range jobs {
		due, err := s.gron.IsDue(j.Spec, at)
		if err != nil {
			s.logger.Error("cron check failed", slog.String("job", j.Name), slog.Any("error", err))
			continue
		}
		if due {
			s.start(ctx, j)
		}
	}
}

func (s *Scheduler) start(ctx context.Context, j Job) {
	s.mu.Lock()
	if s.running[j.Name] {
		s.mu.Unlock()
		s.logger.Warn("previous run still going, skipping", slog.String("job", j.Name))
		return
	}
	s.running[j.Name] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, j.Name)
			s.mu.Unlock()
		}()
		started := s.now()
		if err := j.Run(ctx); err != nil {
			s.logger.Error("job failed", slog.String("job", j.Name), slog.Any("error", err))
			return
		}
		s.logger.Debug("job done", slog.String("job", j.Name), slog.Duration("took", s.now().Sub(started)))
	}()
}

// Wait blocks until every started run has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
