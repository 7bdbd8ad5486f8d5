package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/agoranews/agora-live/internal/apperror"
	"github.com/agoranews/agora-live/internal/metrics"
)

// ErrQueueFull is returned by Enqueue when the trigger queue has no room.
var ErrQueueFull = errors.New("notify: trigger queue full")

// ErrTriggerClosed is returned by Enqueue after the trigger stopped.
var ErrTriggerClosed = errors.New("notify: trigger stopped")

// Job is one notification request. A zero UserID broadcasts to every
// opted-in user; otherwise only that user is notified.
type Job struct {
	Type   string `json:"notification_type"`
	UserID int64  `json:"user_id,omitempty"`
	Data   Data   `json:"data"`
}

// Broadcaster is the part of Fanout the trigger drives.
type Broadcaster interface {
	SendToAll(ctx context.Context, notificationType string, data Data)
	SendToUser(ctx context.Context, userID int64, notificationType string, data Data) error
}

// Trigger decouples notification producers from delivery. Jobs sit in a
// bounded queue and a single worker runs them in order.
type Trigger struct {
	jobs       chan Job
	target     Broadcaster
	logger     *zap.Logger
	jobTimeout time.Duration
	done       chan struct{}
	stopped    chan struct{}
}

// NewTrigger creates a Trigger with room for queueSize pending jobs.
func NewTrigger(target Broadcaster, queueSize int, jobTimeout time.Duration, logger *zap.Logger) *Trigger {
	if queueSize <= 0 {
		queueSize = 64
	}
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{
		jobs:       make(chan Job, queueSize),
		target:     target,
		logger:     logger.Named("trigger"),
		jobTimeout: jobTimeout,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Enqueue validates the job and schedules it without blocking.
func (t *Trigger) Enqueue(job Job) error {
	if job.UserID < 0 {
		return apperror.Validation("user_id must be positive")
	}
	if _, err := Render(job.Type, job.Data); err != nil {
		return err
	}
	select {
	case <-t.done:
		return ErrTriggerClosed
	default:
	}
	select {
	case t.jobs <- job:
		metrics.TriggerJobs.WithLabelValues("queued").Inc()
		return nil
	default:
		metrics.TriggerJobs.WithLabelValues("dropped").Inc()
		t.logger.Warn("trigger queue full, dropping job", zap.String("type", job.Type))
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is cancelled. Jobs still queued at that
// point are dropped.
func (t *Trigger) Run(ctx context.Context) {
	defer close(t.stopped)
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			if n := len(t.jobs); n > 0 {
				t.logger.Warn("trigger stopping with pending jobs", zap.Int("pending", n))
			}
			return
		case job := <-t.jobs:
			t.run(ctx, job)
		}
	}
}

// Stopped is closed once Run returns.
func (t *Trigger) Stopped() <-chan struct{} { return t.stopped }

func (t *Trigger) run(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithTimeout(ctx, t.jobTimeout)
	defer cancel()
	start := time.Now()
	if job.UserID > 0 {
		if err := t.target.SendToUser(jobCtx, job.UserID, job.Type, job.Data); err != nil {
			t.logger.Warn("user notification failed",
				zap.String("type", job.Type),
				zap.Int64("user_id", job.UserID),
				zap.Error(err),
			)
		}
	} else {
		t.target.SendToAll(jobCtx, job.Type, job.Data)
	}
	metrics.TriggerJobs.WithLabelValues("done").Inc()
	t.logger.Debug("trigger job finished",
		zap.String("type", job.Type),
		zap.Int64("user_id", job.UserID),
		zap.Duration("took", time.Since(start)),
	)
}
