package ledger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/engine/internal/apperr"
	"kasirinaja/engine/internal/domain"
	"kasirinaja/engine/internal/events"
	"kasirinaja/engine/internal/retry"
	"kasirinaja/engine/internal/store"
	"kasirinaja/engine/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

// flakyStock fails the first n ApplyAdjustment calls with a transient error.
type flakyStock struct {
	store.Stock
	failures atomic.Int32
}

func (f *flakyStock) ApplyAdjustment(ctx context.Context, entry domain.AdjustmentEntry, threshold int) (domain.StockRecord, bool, error) {
	if f.failures.Add(-1) >= 0 {
		return domain.StockRecord{}, false, store.ErrTransient
	}
	return f.Stock.ApplyAdjustment(ctx, entry, threshold)
}

func TestConcurrentDecrementsReachExactlyZero(t *testing.T) {
	const n = 200
	l := New(memory.New(), discardLogger(), WithRetryPolicy(fastRetry()))
	ctx := context.Background()

	_, err := l.Adjust(ctx, AdjustInput{ProductKey: "sku-1", Delta: n, Reason: domain.AdjustmentPOReceipt, Actor: "receiver"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Adjust(ctx, AdjustInput{ProductKey: "SKU-1", Delta: -1, Reason: domain.AdjustmentSale, Actor: "cashier"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	record, err := l.Get(ctx, "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, 0, record.Quantity)

	history, err := l.History(ctx, "SKU-1", n+10)
	require.NoError(t, err)
	assert.Len(t, history, n+1)
}

func TestAdjustLogsBeforeAndAfter(t *testing.T) {
	l := New(memory.New(), discardLogger())
	ctx := context.Background()

	_, err := l.Adjust(ctx, AdjustInput{ProductKey: "A", Delta: 5, Reason: domain.AdjustmentManual, Actor: "admin", Notes: "opening count"})
	require.NoError(t, err)
	_, err = l.Adjust(ctx, AdjustInput{ProductKey: "A", Delta: -2, Reason: domain.AdjustmentSale, Actor: "cashier", Reference: "tx-1"})
	require.NoError(t, err)

	history, err := l.History(ctx, "A", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	latest := history[0]
	assert.Equal(t, 5, latest.QuantityBefore)
	assert.Equal(t, 3, latest.QuantityAfter)
	assert.Equal(t, domain.AdjustmentSale, latest.Reason)
	assert.Equal(t, "tx-1", latest.Reference)
}

func TestAdjustIsIdempotentPerKey(t *testing.T) {
	l := New(memory.New(), discardLogger())
	ctx := context.Background()

	in := AdjustInput{ProductKey: "A", Delta: -3, Reason: domain.AdjustmentSale, Actor: "cashier", IdempotencyKey: "eff-1:A"}
	_, err := l.Adjust(ctx, in)
	require.NoError(t, err)
	record, err := l.Adjust(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, -3, record.Quantity)
}

func TestAdjustAllowsNegativeAndRaisesAlert(t *testing.T) {
	rec := &events.Recorder{}
	l := New(memory.New(), discardLogger(), WithPublisher(rec))

	record, err := l.Adjust(context.Background(), AdjustInput{ProductKey: "A", Delta: -2, Reason: domain.AdjustmentSale, Actor: "cashier"})
	require.NoError(t, err)
	assert.Equal(t, -2, record.Quantity)
	assert.True(t, record.Negative())

	alerts := rec.OfType(events.TypeStockAlert)
	require.Len(t, alerts, 1)
	assert.Contains(t, string(alerts[0].Payload), domain.AlertNegative)
}

func TestAdjustAlertsOnceWhenCrossingReorderThreshold(t *testing.T) {
	rec := &events.Recorder{}
	l := New(memory.New(), discardLogger(), WithPublisher(rec), WithDefaultReorderThreshold(5))
	ctx := context.Background()

	_, err := l.Adjust(ctx, AdjustInput{ProductKey: "A", Delta: 8, Reason: domain.AdjustmentPOReceipt, Actor: "receiver"})
	require.NoError(t, err)
	assert.Empty(t, rec.Events())

	_, err = l.Adjust(ctx, AdjustInput{ProductKey: "A", Delta: -3, Reason: domain.AdjustmentSale, Actor: "cashier"})
	require.NoError(t, err)
	_, err = l.Adjust(ctx, AdjustInput{ProductKey: "A", Delta: -1, Reason: domain.AdjustmentSale, Actor: "cashier"})
	require.NoError(t, err)

	alerts := rec.OfType(events.TypeStockAlert)
	require.Len(t, alerts, 1)
	assert.Contains(t, string(alerts[0].Payload), domain.AlertBelowReorder)
}

func TestGetMissingReturnsDefaultRecord(t *testing.T) {
	l := New(memory.New(), discardLogger(), WithDefaultReorderThreshold(7))

	record, err := l.Get(context.Background(), " new-sku ")
	require.NoError(t, err)
	assert.Equal(t, "NEW-SKU", record.ProductKey)
	assert.Equal(t, 0, record.Quantity)
	assert.Equal(t, 7, record.ReorderThreshold)
}

func TestAdjustRetriesTransientFailures(t *testing.T) {
	flaky := &flakyStock{Stock: memory.New()}
	flaky.failures.Store(2)
	l := New(flaky, discardLogger(), WithRetryPolicy(fastRetry()))

	record, err := l.Adjust(context.Background(), AdjustInput{ProductKey: "A", Delta: 4, Reason: domain.AdjustmentReturn, Actor: "cashier"})
	require.NoError(t, err)
	assert.Equal(t, 4, record.Quantity)
}

func TestAdjustReportsStorageErrorAfterRetries(t *testing.T) {
	flaky := &flakyStock{Stock: memory.New()}
	flaky.failures.Store(100)
	l := New(flaky, discardLogger(), WithRetryPolicy(fastRetry()))

	_, err := l.Adjust(context.Background(), AdjustInput{ProductKey: "A", Delta: 4, Reason: domain.AdjustmentReturn, Actor: "cashier"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindStorage))
	assert.ErrorIs(t, err, store.ErrTransient)
}

func TestAdjustValidation(t *testing.T) {
	l := New(memory.New(), discardLogger())
	cases := []AdjustInput{
		{ProductKey: "", Delta: 1, Reason: domain.AdjustmentManual, Actor: "a"},
		{ProductKey: "A", Delta: 0, Reason: domain.AdjustmentManual, Actor: "a"},
		{ProductKey: "A", Delta: 1, Reason: "theft", Actor: "a"},
		{ProductKey: "A", Delta: 1, Reason: domain.AdjustmentManual},
	}
	for _, in := range cases {
		_, err := l.Adjust(context.Background(), in)
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindValidation), err.Error())
	}
}

func TestAlertsListsLowStock(t *testing.T) {
	l := New(memory.New(), discardLogger(), WithDefaultReorderThreshold(3))
	ctx := context.Background()

	for key, delta := range map[string]int{"LOW": 2, "OK": 20, "NEG": -1} {
		_, err := l.Adjust(ctx, AdjustInput{ProductKey: key, Delta: delta, Reason: domain.AdjustmentManual, Actor: "admin"})
		require.NoError(t, err)
	}

	alerts, err := l.Alerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "NEG", alerts[0].ProductKey)
	assert.Equal(t, domain.AlertNegative, alerts[0].Kind)
	assert.Equal(t, "LOW", alerts[1].ProductKey)
	assert.Equal(t, domain.AlertBelowReorder, alerts[1].Kind)
}
