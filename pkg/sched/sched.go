// Package sched runs the persistent job scheduler: cron, interval, and
// one-shot jobs that fire synthetic messages back through the bus. One
// clock drives every job; missed fires collapse to a single fire on
// restart.
package sched

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/chaiyawut/butler/pkg/bus"
	"github.com/chaiyawut/butler/pkg/log"
	"github.com/chaiyawut/butler/pkg/metrics"
	"github.com/chaiyawut/butler/pkg/store"
	"github.com/chaiyawut/butler/pkg/types"
)

// onceLayouts are the accepted one-shot timestamp forms, interpreted in
// the host's local time zone.
var onceLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// Scheduler drives the job table.
type Scheduler struct {
	store  *store.BoltStore
	bus    *bus.Bus
	poll   time.Duration
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds the scheduler.
func New(st *store.BoltStore, b *bus.Bus, poll time.Duration) *Scheduler {
	return &Scheduler{
		store:  st,
		bus:    b,
		poll:   poll,
		logger: log.WithComponent("sched"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Submit validates a new job, computes its first run, and persists it.
// Invalid schedule values are rejected with no state change.
func (s *Scheduler) Submit(job *types.ScheduledJob) error {
	if job.ConversationID == "" {
		return fmt.Errorf("job requires an owner conversation")
	}
	if job.Prompt == "" {
		return fmt.Errorf("job requires a prompt")
	}
	next, err := nextRun(job.Kind, job.Value, time.Now())
	if err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.ContextMode == "" {
		job.ContextMode = types.ContextGrouped
	}
	job.Status = types.JobStatusActive
	job.NextRun = next
	job.CreatedAt = time.Now()
	if err := s.store.PutJob(job); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}
	s.logger.Info().Str("job", job.ID).Str("kind", string(job.Kind)).Time("next_run", next).Msg("job scheduled")
	return nil
}

// Pause suspends an active job.
func (s *Scheduler) Pause(id string) error {
	return s.setStatus(id, types.JobStatusPaused)
}

// Resume reactivates a paused job. The next run is recomputed from now
// so a long pause does not cause a burst.
func (s *Scheduler) Resume(id string) error {
	job, err := s.store.GetJob(id)
	if err != nil {
		return err
	}
	next, err := nextRun(job.Kind, job.Value, time.Now())
	if err != nil {
		return err
	}
	job.Status = types.JobStatusActive
	job.NextRun = next
	return s.store.PutJob(job)
}

// Cancel permanently stops a job.
func (s *Scheduler) Cancel(id string) error {
	return s.setStatus(id, types.JobStatusCancelled)
}

func (s *Scheduler) setStatus(id string, status types.JobStatus) error {
	job, err := s.store.GetJob(id)
	if err != nil {
		return err
	}
	job.Status = status
	return s.store.PutJob(job)
}

// Start launches the clock.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the clock and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

// tick fires every active job whose next run has passed. A job offline
// across several slots fires exactly once: the next run is recomputed
// from now, never from the missed slot.
func (s *Scheduler) tick(now time.Time) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list jobs")
		return
	}
	for _, job := range jobs {
		if job.Status != types.JobStatusActive || job.NextRun.After(now) {
			continue
		}
		s.fire(job, now)
	}
}

func (s *Scheduler) fire(job *types.ScheduledJob, now time.Time) {
	logger := log.WithJobID(job.ID)
	logger.Info().Str("kind", string(job.Kind)).Msg("firing scheduled job")
	metrics.JobsFired.WithLabelValues(string(job.Kind)).Inc()

	s.bus.Publish(&types.Message{
		ConversationID: job.ConversationID,
		Body:           job.Prompt,
		Author:         "scheduler",
		DeliveryID:     "sched-" + job.ID + "-" + uuid.New().String(),
		ReceivedAt:     now,
		Scheduled:      true,
	})

	job.LastRun = now
	job.LastResult = "fired"
	if job.Kind == types.ScheduleOnce {
		job.Status = types.JobStatusCancelled
	} else {
		next, err := nextRun(job.Kind, job.Value, now)
		if err != nil {
			// Value was validated at submit; treat as corrupt and stop.
			logger.Error().Err(err).Msg("job value no longer parses, cancelling")
			job.Status = types.JobStatusCancelled
		} else {
			job.NextRun = next
		}
	}
	if err := s.store.PutJob(job); err != nil {
		logger.Error().Err(err).Msg("failed to persist fired job")
	}
}

// nextRun computes the next fire time for a schedule value from the
// given instant, in the host's local time.
func nextRun(kind types.ScheduleKind, value string, from time.Time) (time.Time, error) {
	switch kind {
	case types.ScheduleCron:
		spec, err := cron.ParseStandard(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		return spec.Next(from), nil

	case types.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("invalid interval %q: must be a positive millisecond count", value)
		}
		return from.Add(time.Duration(ms) * time.Millisecond), nil

	case types.ScheduleOnce:
		for _, layout := range onceLayouts {
			if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
				if t.Before(from) {
					return time.Time{}, fmt.Errorf("one-shot timestamp %q is in the past", value)
				}
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid one-shot timestamp %q", value)

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", kind)
	}
}
