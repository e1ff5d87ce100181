// Package events publishes settlement and stock-alert notifications for
// downstream consumers such as purchasing dashboards.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"kasirinaja/engine/internal/xid"
)

const (
	TypeSaleSettled     = "sale.settled"
	TypeReturnSettled   = "return.settled"
	TypeReceiptRecorded = "purchase_order.receipt_recorded"
	TypePOCancelled     = "purchase_order.cancelled"
	TypeStockAlert      = "stock.alert"
)

type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

func New(eventType string, aggregateID string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:          xid.New("evt"),
		Type:        eventType,
		AggregateID: aggregateID,
		OccurredAt:  time.Now().UTC(),
		Payload:     data,
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

func (NoopPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) OfType(eventType string) []Event {
	all := r.Events()
	out := make([]Event, 0, len(all))
	for _, e := range all {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
