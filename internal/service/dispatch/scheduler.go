package dispatch

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/Temutjin2k/trip-dispatch-system/config"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/metrics"
)

const (
	popBatchSize      = 50
	handlerMaxRetries = 3
	handlerRetryDelay = 200 * time.Millisecond
)

// JobSource is the due-job side of the delayed job store.
type JobSource interface {
	PopDue(ctx context.Context, now time.Time, limit int) ([]models.DelayedJob, error)
}

// TimeoutScheduler polls the delayed job store and dispatches due jobs
// to the orchestrator. Handlers are idempotent, so a job observed after
// its trip resolved is a cheap no-op rather than an error.
type TimeoutScheduler struct {
	jobs         JobSource
	orchestrator *Orchestrator

	cfg         config.DispatchConfig
	serviceName string
	l           logger.Logger

	paused atomic.Bool
}

func NewTimeoutScheduler(jobs JobSource, orchestrator *Orchestrator, cfg config.DispatchConfig, serviceName string, l logger.Logger) *TimeoutScheduler {
	return &TimeoutScheduler{
		jobs:         jobs,
		orchestrator: orchestrator,
		cfg:          cfg,
		serviceName:  serviceName,
		l:            l,
	}
}

// Run polls until ctx is cancelled.
func (s *TimeoutScheduler) Run(ctx context.Context) {
	ctx = wrap.WithAction(ctx, types.ActionTimeoutJobFired)
	s.l.Info(ctx, "timeout scheduler started", "poll_interval", s.cfg.JobPollInterval.String())

	ticker := time.NewTicker(s.cfg.JobPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.l.Info(ctx, "timeout scheduler stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// Pause stops claiming new jobs. Already-claimed jobs run to completion;
// unclaimed ones stay due in the store and fire after Resume.
func (s *TimeoutScheduler) Pause() {
	s.paused.Store(true)
}

func (s *TimeoutScheduler) Resume() {
	s.paused.Store(false)
}

func (s *TimeoutScheduler) Paused() bool {
	return s.paused.Load()
}

func (s *TimeoutScheduler) poll(ctx context.Context) {
	if s.paused.Load() {
		return
	}

	due, err := s.jobs.PopDue(ctx, time.Now(), popBatchSize)
	if err != nil {
		s.l.Error(ctx, "pop due jobs failed", err)
		return
	}

	for _, job := range due {
		go s.dispatch(ctx, job)
	}
}

// dispatch runs one job with bounded retries. A job that keeps failing
// is dropped and logged; the sweep is the backstop for anything it
// should have resolved.
func (s *TimeoutScheduler) dispatch(ctx context.Context, job models.DelayedJob) {
	var err error
	for attempt := 1; attempt <= handlerMaxRetries; attempt++ {
		if err = s.handle(ctx, job); err == nil {
			metrics.TimeoutJobsTotal.WithLabelValues(s.serviceName, job.Name, "success").Inc()
			return
		}

		metrics.TimeoutJobsTotal.WithLabelValues(s.serviceName, job.Name, "error").Inc()
		s.l.Warn(ctx, "timeout job failed",
			"job", job.Name, "correlation", job.Correlation, "attempt", attempt, "err", err.Error())

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * handlerRetryDelay):
		}
	}

	metrics.TimeoutJobsTotal.WithLabelValues(s.serviceName, job.Name, "dropped").Inc()
	s.l.Error(ctx, "timeout job dropped after retries", err, "job", job.Name, "correlation", job.Correlation)
}

func (s *TimeoutScheduler) handle(ctx context.Context, job models.DelayedJob) error {
	switch job.Name {
	case models.JobOfferTimeout:
		var payload models.OfferTimeoutPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			s.l.Warn(ctx, "malformed offer timeout payload", "correlation", job.Correlation, "err", err.Error())
			return nil
		}
		return s.orchestrator.HandleOfferTimeout(ctx, payload)

	case models.JobGlobalTimeout:
		var payload models.GlobalTimeoutPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			s.l.Warn(ctx, "malformed global timeout payload", "correlation", job.Correlation, "err", err.Error())
			return nil
		}
		return s.orchestrator.HandleGlobalTimeout(ctx, payload)

	default:
		s.l.Warn(ctx, "unknown timeout job", "job", job.Name, "correlation", job.Correlation)
		return nil
	}
}
