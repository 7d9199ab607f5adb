package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrSchedulerAlreadyRunning is returned when Start is called twice.
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	// ErrSchedulerNotRunning is returned when Stop is called on a stopped scheduler.
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
)

// defaultSchedulerInterval paces the queue scan when nothing wakes the
// scheduler explicitly.
const defaultSchedulerInterval = time.Second

// Scheduler starts waiting root jobs when their scheduled time comes.
// It wakes on a fixed interval and on registry submissions.
type Scheduler struct {
	registry *Registry
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler over the registry's queue. A zero or
// negative interval selects the default.
func NewScheduler(registry *Registry, interval time.Duration, log *logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}
	return &Scheduler{
		registry: registry,
		interval: interval,
		log:      log.WithFields(zap.String("component", "job-scheduler")),
	}
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info("job scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop terminates the scheduling loop. Jobs already started keep
// running; shutdown kills them separately through the registry.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("job scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.registry.WakeSignal():
			s.check()
		case <-ticker.C:
			s.check()
		}
	}
}

// check starts every waiting root job whose scheduled time has passed.
// Each job runs on its own detached goroutine.
func (s *Scheduler) check() {
	now := time.Now()
	for _, job := range s.registry.WaitingRootJobs() {
		if job.ScheduledAt().After(now) {
			continue
		}
		if !job.claimStart() {
			continue
		}
		s.log.Info("starting job",
			zap.Int("job_id", job.ID()),
			zap.String("type", string(job.Type())),
			zap.String("name", job.Name()))
		go func(job Job) {
			_, span := tracing.Tracer("testerman-jobs").Start(context.Background(), "job.run",
				trace.WithAttributes(
					attribute.Int("job.id", job.ID()),
					attribute.String("job.type", string(job.Type())),
					attribute.String("job.name", job.Name())))
			defer span.End()
			if err := job.PreRun(); err != nil {
				// Run still decides the final state; it fails fast on
				// the missing artefacts.
				s.log.Error("job pre-run failed",
					zap.Int("job_id", job.ID()),
					zap.Error(err))
			}
			result := job.Run(job.ScheduledSession())
			span.SetAttributes(attribute.Int("job.result", result))
		}(job)
	}
}
