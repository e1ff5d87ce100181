// Package ledger owns on-hand stock. Every quantity change goes through
// Adjust, which is atomic per product and leaves one adjustment log entry.
// Quantities may go negative; that is reported as an alarm, never refused.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"kasirinaja/engine/internal/apperr"
	"kasirinaja/engine/internal/domain"
	"kasirinaja/engine/internal/events"
	"kasirinaja/engine/internal/observability"
	"kasirinaja/engine/internal/retry"
	"kasirinaja/engine/internal/store"
	"kasirinaja/engine/internal/xid"
)

const DefaultReorderThreshold = 10

type AdjustInput struct {
	ProductKey string
	Delta      int
	Reason     domain.AdjustmentReason
	Actor      string
	Reference  string
	Notes      string
	// IdempotencyKey makes the adjustment apply at most once.
	IdempotencyKey string
}

type Ledger struct {
	stock            store.Stock
	publisher        events.Publisher
	metrics          *observability.Metrics
	logger           *slog.Logger
	policy           retry.Policy
	defaultThreshold int
	now              func() time.Time
}

type Option func(*Ledger)

func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

func WithDefaultReorderThreshold(threshold int) Option {
	return func(l *Ledger) {
		if threshold >= 0 {
			l.defaultThreshold = threshold
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func New(stock store.Stock, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		stock:            stock,
		publisher:        events.NoopPublisher{},
		logger:           logger,
		policy:           retry.DefaultPolicy(),
		defaultThreshold: DefaultReorderThreshold,
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	l.policy.OnRetry = func(op string, err error) {
		l.metrics.Retry(op)
		l.logger.Warn("retrying stock operation", slog.String("operation", op), slog.String("error", err.Error()))
	}
	return l
}

func (l *Ledger) Adjust(ctx context.Context, in AdjustInput) (domain.StockRecord, error) {
	in.ProductKey = domain.NormalizeKey(in.ProductKey)
	if in.ProductKey == "" {
		return domain.StockRecord{}, apperr.Validation("product key required")
	}
	if in.Delta == 0 {
		return domain.StockRecord{}, apperr.Validation("adjustment delta must not be zero")
	}
	if !in.Reason.Valid() {
		return domain.StockRecord{}, apperr.Validation("unknown adjustment reason %q", in.Reason)
	}
	if in.Actor == "" {
		return domain.StockRecord{}, apperr.Validation("adjustment actor required")
	}

	entry := domain.AdjustmentEntry{
		ID:             xid.New("adj"),
		ProductKey:     in.ProductKey,
		Delta:          in.Delta,
		Reason:         in.Reason,
		Actor:          in.Actor,
		Reference:      in.Reference,
		Notes:          in.Notes,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      l.now(),
	}
	// Retries of an unkeyed adjustment must not apply it twice.
	if entry.IdempotencyKey == "" {
		entry.IdempotencyKey = entry.ID
	}

	type outcome struct {
		record  domain.StockRecord
		applied bool
	}
	res, err := retry.Do(ctx, l.policy, "adjust_stock", func(ctx context.Context) (outcome, error) {
		record, applied, err := l.stock.ApplyAdjustment(ctx, entry, l.defaultThreshold)
		return outcome{record: record, applied: applied}, err
	})
	if err != nil {
		l.logger.Error("stock adjustment failed",
			slog.String("product_key", in.ProductKey),
			slog.Int("delta", in.Delta),
			slog.String("reason", string(in.Reason)),
			slog.String("error", err.Error()),
		)
		return domain.StockRecord{}, apperr.Storage("adjust stock", err)
	}

	l.metrics.Adjustment(string(in.Reason), res.applied)
	if res.applied {
		l.raiseAlerts(ctx, res.record, in.Delta)
	}
	return res.record, nil
}

// Get returns the product's stock, or a zero-quantity record carrying the
// default reorder threshold when nothing has been recorded yet.
func (l *Ledger) Get(ctx context.Context, productKey string) (domain.StockRecord, error) {
	productKey = domain.NormalizeKey(productKey)
	if productKey == "" {
		return domain.StockRecord{}, apperr.Validation("product key required")
	}

	record, err := retry.Do(ctx, l.policy, "get_stock", func(ctx context.Context) (*domain.StockRecord, error) {
		return l.stock.GetStock(ctx, productKey)
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.StockRecord{ProductKey: productKey, ReorderThreshold: l.defaultThreshold}, nil
	}
	if err != nil {
		return domain.StockRecord{}, apperr.Storage("get stock", err)
	}
	return *record, nil
}

func (l *Ledger) SetReorderThreshold(ctx context.Context, productKey string, threshold int, actor string) (domain.StockRecord, error) {
	productKey = domain.NormalizeKey(productKey)
	if productKey == "" {
		return domain.StockRecord{}, apperr.Validation("product key required")
	}
	if threshold < 0 {
		return domain.StockRecord{}, apperr.Validation("reorder threshold must not be negative")
	}

	record, err := retry.Do(ctx, l.policy, "set_reorder_threshold", func(ctx context.Context) (domain.StockRecord, error) {
		return l.stock.SetReorderThreshold(ctx, productKey, threshold, actor, l.now())
	})
	if err != nil {
		return domain.StockRecord{}, apperr.Storage("set reorder threshold", err)
	}
	return record, nil
}

func (l *Ledger) History(ctx context.Context, productKey string, limit int) ([]domain.AdjustmentEntry, error) {
	productKey = domain.NormalizeKey(productKey)
	if productKey == "" {
		return nil, apperr.Validation("product key required")
	}
	if limit < 1 {
		limit = 50
	}
	entries, err := retry.Do(ctx, l.policy, "list_adjustments", func(ctx context.Context) ([]domain.AdjustmentEntry, error) {
		return l.stock.ListAdjustments(ctx, productKey, limit)
	})
	if err != nil {
		return nil, apperr.Storage("list adjustments", err)
	}
	return entries, nil
}

// Alerts lists products at or below their reorder threshold, negative ones first.
func (l *Ledger) Alerts(ctx context.Context, limit int) ([]domain.StockAlert, error) {
	if limit < 1 {
		limit = 200
	}
	records, err := retry.Do(ctx, l.policy, "list_low_stock", func(ctx context.Context) ([]domain.StockRecord, error) {
		return l.stock.ListStockAtOrBelowReorder(ctx, limit)
	})
	if err != nil {
		return nil, apperr.Storage("list low stock", err)
	}

	alerts := make([]domain.StockAlert, 0, len(records))
	for _, record := range records {
		alerts = append(alerts, alertFor(record, l.now()))
	}
	return alerts, nil
}

func (l *Ledger) raiseAlerts(ctx context.Context, record domain.StockRecord, delta int) {
	before := record.Quantity - delta
	switch {
	case record.Negative():
		l.logger.Warn("stock is negative",
			slog.String("product_key", record.ProductKey),
			slog.Int("quantity", record.Quantity),
		)
	case record.BelowReorder() && before > record.ReorderThreshold:
	default:
		return
	}

	alert := alertFor(record, l.now())
	l.metrics.StockAlert(alert.Kind)
	event, err := events.New(events.TypeStockAlert, record.ProductKey, alert)
	if err == nil {
		err = l.publisher.Publish(ctx, event)
	}
	if err != nil {
		l.logger.Warn("failed to publish stock alert",
			slog.String("product_key", record.ProductKey),
			slog.String("error", err.Error()),
		)
	}
}

func alertFor(record domain.StockRecord, at time.Time) domain.StockAlert {
	kind := domain.AlertBelowReorder
	if record.Negative() {
		kind = domain.AlertNegative
	}
	return domain.StockAlert{
		ProductKey:       record.ProductKey,
		Kind:             kind,
		Quantity:         record.Quantity,
		ReorderThreshold: record.ReorderThreshold,
		At:               at,
	}
}
