package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Submitter queues tasks. *TaskRunner implements it.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error)
}

// Schedule is a recurring producer: each time Spec fires, Request is
// submitted as a new task.
type Schedule struct {
	Name    string
	Spec    string
	Request SubmitRequest
}

// Scheduler submits tasks on cron schedules.
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	logger    *slog.Logger
	timeout   time.Duration
}

// NewScheduler creates a scheduler. Specs accept the standard five-field
// format plus descriptors such as @hourly and @every 10m.
func NewScheduler(submitter Submitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		submitter: submitter,
		logger:    logger,
		timeout:   10 * time.Second,
	}
}

// Add registers a schedule. The request is validated on every firing, not
// here; a bad cron spec is rejected immediately.
func (s *Scheduler) Add(sched Schedule) error {
	name := sched.Name
	if name == "" {
		name = sched.Request.Type
	}
	_, err := s.cron.AddFunc(sched.Spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		id, err := s.submitter.Submit(ctx, sched.Request)
		if err != nil {
			s.logger.Error("scheduled submission failed",
				"schedule", name,
				"task_type", sched.Request.Type,
				"error", err)
			return
		}
		s.logger.Info("scheduled task submitted",
			"schedule", name,
			"task_type", sched.Request.Type,
			"submission_id", id)
	})
	if err != nil {
		return fmt.Errorf("invalid cron spec %q for schedule %s: %w", sched.Spec, name, err)
	}
	s.logger.Info("registered schedule", "schedule", name, "spec", sched.Spec)
	return nil
}

// Len returns the number of registered schedules.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing and waits for in-progress submissions or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron's logging interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
