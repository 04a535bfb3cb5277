package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each job on its own ticker. A tick only runs when the lease
// for that job is granted, so several instances can share one database.
type Scheduler struct {
	lease  Lease
	jobs   []Job
	logger *slog.Logger
	wg     sync.WaitGroup
}

func New(lease Lease, logger *slog.Logger, jobs ...Job) *Scheduler {
	if lease == nil {
		lease = LocalLease{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{lease: lease, jobs: jobs, logger: logger.With("component", "scheduler")}
}

func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		if job.Interval <= 0 || job.Run == nil {
			s.logger.Warn("job disabled", "job", job.Name)
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
}

// Wait blocks until every job loop has returned after ctx is canceled.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.logger.Info("job started", "job", job.Name, "interval", job.Interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, job)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, job Job) {
	granted, err := s.lease.Acquire(ctx, job.Name, job.Interval)
	if err != nil {
		s.logger.Error("lease acquire failed", "job", job.Name, "error", err)
		return
	}
	if !granted {
		return
	}
	defer func() {
		if err := s.lease.Release(context.WithoutCancel(ctx), job.Name); err != nil {
			s.logger.Warn("lease release failed", "job", job.Name, "error", err)
		}
	}()

	started := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("job failed", "job", job.Name, "error", err)
		return
	}
	s.logger.Debug("job finished", "job", job.Name, "took", time.Since(started).String())
}
