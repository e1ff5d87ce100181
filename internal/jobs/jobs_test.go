package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/engine/internal/domain"
)

type fakeReconciler struct {
	calls     int
	lastLimit int
	resp      domain.ReconcileResponse
	err       error
}

func (f *fakeReconciler) ReconcilePending(_ context.Context, limit int) (domain.ReconcileResponse, error) {
	f.calls++
	f.lastLimit = limit
	return f.resp, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReconcileJob_PassesLimit(t *testing.T) {
	rec := &fakeReconciler{resp: domain.ReconcileResponse{Scanned: 3, Applied: 2, Failed: 1}}
	job := NewReconcileJob(rec, discardLogger())

	task, err := NewReconcileTask(250, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, TaskReconcileStockEffects, task.Type())

	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, 250, rec.lastLimit)
}

func TestReconcileJob_EmptyPayloadUsesDefault(t *testing.T) {
	rec := &fakeReconciler{}
	job := NewReconcileJob(rec, discardLogger())

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskReconcileStockEffects, nil)))
	assert.Equal(t, 0, rec.lastLimit)
}

func TestReconcileJob_BadPayloadSkipsRetry(t *testing.T) {
	rec := &fakeReconciler{}
	job := NewReconcileJob(rec, discardLogger())

	err := job.Handle(context.Background(), asynq.NewTask(TaskReconcileStockEffects, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Zero(t, rec.calls)
}

func TestReconcileJob_StorageFailureIsRetried(t *testing.T) {
	boom := errors.New("list pending effects: connection refused")
	job := NewReconcileJob(&fakeReconciler{err: boom}, discardLogger())

	err := job.Handle(context.Background(), asynq.NewTask(TaskReconcileStockEffects, nil))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestReconcileJob_NotConfigured(t *testing.T) {
	var job *ReconcileJob
	assert.Error(t, job.Handle(context.Background(), asynq.NewTask(TaskReconcileStockEffects, nil)))
}

func TestNewWorker_RegistersCron(t *testing.T) {
	mr := miniredis.RunT(t)
	task, err := NewReconcileTask(100, time.Now())
	require.NoError(t, err)

	w, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Logger:    discardLogger(),
		Handlers:  []TaskHandler{{Type: TaskReconcileStockEffects, Handler: NewReconcileJob(&fakeReconciler{}, nil).Handle}},
		Cron:      []CronRegistration{{Spec: "@every 1m", Task: task, Options: []asynq.Option{asynq.MaxRetry(3)}}},
	})
	require.NoError(t, err)
	assert.NotNil(t, w.scheduler)

	_, err = NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Cron:      []CronRegistration{{Spec: "every other tuesday", Task: task}},
	})
	assert.Error(t, err)
}
