package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
)

// QueueAdmin is the operational view over the per-driver offer queues.
type QueueAdmin interface {
	Stats(ctx context.Context) ([]models.QueueStats, error)
	QueueDepth(ctx context.Context, driverID uuid.UUID) (int64, error)
	PeekNext(ctx context.Context, driverID uuid.UUID) (*models.OfferQueueItem, error)
	GetActiveOffer(ctx context.Context, driverID uuid.UUID) (uuid.UUID, error)
	PurgeStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

// WorkerControl pauses and resumes the timeout job consumer.
type WorkerControl interface {
	Pause()
	Resume()
	Paused() bool
}

type JobAdmin interface {
	PendingCount(ctx context.Context) (int64, error)
}

type Admin struct {
	queues QueueAdmin
	jobs   JobAdmin
	worker WorkerControl // nil outside worker mode
	l      logger.Logger
}

func NewAdmin(queues QueueAdmin, jobs JobAdmin, worker WorkerControl, l logger.Logger) *Admin {
	return &Admin{
		queues: queues,
		jobs:   jobs,
		worker: worker,
		l:      l,
	}
}

// QueueStats dumps per-driver queue depth and active offers.
func (h *Admin) QueueStats(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "admin_queue_stats")

	stats, err := h.queues.Stats(ctx)
	if err != nil {
		h.l.Error(wrap.ErrorCtx(ctx, err), "failed to collect queue stats", err)
		internalErrorResponse(w, err.Error())
		return
	}

	pending, err := h.jobs.PendingCount(ctx)
	if err != nil {
		h.l.Error(wrap.ErrorCtx(ctx, err), "failed to count pending jobs", err)
		internalErrorResponse(w, err.Error())
		return
	}

	resp := envelope{
		"drivers":      stats,
		"driver_count": len(stats),
		"pending_jobs": pending,
	}
	if err := writeJSON(w, http.StatusOK, resp, nil); err != nil {
		internalErrorResponse(w, err.Error())
	}
}

// DriverQueue shows one driver's queue head and active offer.
func (h *Admin) DriverQueue(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "admin_driver_queue")

	driverID, err := uuid.Parse(r.PathValue("driver_id"))
	if err != nil {
		badRequestResponse(w, "invalid driver id")
		return
	}

	depth, err := h.queues.QueueDepth(ctx, driverID)
	if err != nil {
		internalErrorResponse(w, err.Error())
		return
	}
	next, err := h.queues.PeekNext(ctx, driverID)
	if err != nil {
		internalErrorResponse(w, err.Error())
		return
	}
	active, err := h.queues.GetActiveOffer(ctx, driverID)
	if err != nil {
		internalErrorResponse(w, err.Error())
		return
	}

	resp := envelope{
		"driver_id":   driverID,
		"queue_depth": depth,
	}
	if next != nil {
		resp["next_offer"] = next
	}
	if active != uuid.Nil {
		resp["active_trip"] = active
	}
	if err := writeJSON(w, http.StatusOK, resp, nil); err != nil {
		internalErrorResponse(w, err.Error())
	}
}

// PurgeStale drops queued offers older than the given max_age.
func (h *Admin) PurgeStale(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "admin_purge_stale")

	maxAge := 2 * time.Minute
	if raw := r.URL.Query().Get("max_age"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			badRequestResponse(w, "max_age must be a positive duration")
			return
		}
		maxAge = parsed
	}

	purged, err := h.queues.PurgeStale(ctx, maxAge)
	if err != nil {
		h.l.Error(wrap.ErrorCtx(ctx, err), "failed to purge stale offers", err)
		internalErrorResponse(w, err.Error())
		return
	}

	h.l.Info(ctx, "stale offers purged", "count", purged, "max_age", maxAge.String())
	if err := writeJSON(w, http.StatusOK, envelope{"purged": purged}, nil); err != nil {
		internalErrorResponse(w, err.Error())
	}
}

func (h *Admin) PauseWorker(w http.ResponseWriter, r *http.Request) {
	h.setWorkerPaused(w, r, true)
}

func (h *Admin) ResumeWorker(w http.ResponseWriter, r *http.Request) {
	h.setWorkerPaused(w, r, false)
}

func (h *Admin) setWorkerPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	ctx := wrap.WithAction(r.Context(), "admin_worker_control")

	if h.worker == nil {
		errorResponse(w, http.StatusNotFound, "no timeout worker in this service mode")
		return
	}

	if paused {
		h.worker.Pause()
	} else {
		h.worker.Resume()
	}
	h.l.Warn(ctx, "timeout worker state changed", "paused", paused)

	if err := writeJSON(w, http.StatusOK, envelope{"paused": h.worker.Paused()}, nil); err != nil {
		internalErrorResponse(w, err.Error())
	}
}
