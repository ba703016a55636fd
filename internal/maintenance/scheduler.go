package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Intervals struct {
	Cleanup    time.Duration
	Completion time.Duration
}

type job struct {
	name  string
	every time.Duration
	run   func(ctx context.Context) error
}

type Scheduler struct {
	log  *slog.Logger
	jobs []job
	wg   sync.WaitGroup
}

func NewScheduler(log *slog.Logger, svc *Service, every Intervals) *Scheduler {
	return &Scheduler{
		log: log,
		jobs: []job{
			{name: "outbox-purge", every: every.Cleanup, run: svc.PurgeOutbox},
			{name: "processed-events-prune", every: every.Cleanup, run: svc.PruneProcessedEvents},
			{name: "booking-completion", every: every.Completion, run: svc.CompleteBookings},
		},
	}
}

// Start launches one goroutine per job. Each job runs once immediately and
// then on its interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("starting maintenance scheduler", "jobs", len(s.jobs))
	for _, j := range s.jobs {
		s.wg.Add(1)
		go func(j job) {
			defer s.wg.Done()
			s.loop(ctx, j)
		}(j)
	}
}

// Wait blocks until every job goroutine has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	if j.every <= 0 {
		s.log.Warn("maintenance job disabled", "job", j.name)
		return
	}
	ticker := time.NewTicker(j.every)
	defer ticker.Stop()

	// errors are logged by the job itself
	_ = j.run(ctx)
	for {
		select {
		case <-ticker.C:
			_ = j.run(ctx)
		case <-ctx.Done():
			s.log.Info("maintenance job stopped", "job", j.name)
			return
		}
	}
}
