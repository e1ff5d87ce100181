package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"kasirinaja/engine/internal/domain"
)

const (
	QueueDefault = "default"
	// TaskReconcileStockEffects re-applies stock effects left pending.
	TaskReconcileStockEffects = "stock:reconcile"
)

type ReconcilePayload struct {
	Limit        int       `json:"limit"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

func NewReconcileTask(limit int, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ReconcilePayload{Limit: limit, ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileStockEffects, body, asynq.Queue(QueueDefault)), nil
}

type Reconciler interface {
	ReconcilePending(ctx context.Context, limit int) (domain.ReconcileResponse, error)
}

type ReconcileJob struct {
	reconciler Reconciler
	logger     *slog.Logger
}

func NewReconcileJob(reconciler Reconciler, logger *slog.Logger) *ReconcileJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileJob{reconciler: reconciler, logger: logger}
}

// Handle runs one reconcile sweep. Effects that stay pending are not a task
// failure; the next scheduled sweep picks them up.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.reconciler == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	resp, err := j.reconciler.ReconcilePending(ctx, payload.Limit)
	if err != nil {
		j.logger.Error("reconcile sweep failed", slog.Any("error", err))
		return err
	}
	if resp.Failed > 0 {
		j.logger.Warn("reconcile sweep left effects pending",
			slog.Int("scanned", resp.Scanned),
			slog.Int("failed", resp.Failed),
		)
	}
	return nil
}
