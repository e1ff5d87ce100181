package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/engine/internal/apperr"
	"kasirinaja/engine/internal/domain"
	"kasirinaja/engine/internal/events"
	"kasirinaja/engine/internal/retry"
	"kasirinaja/engine/internal/store"
	"kasirinaja/engine/internal/xid"
)

func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrder, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PurchaseOrder{}, err
	}
	if err := validateRequest(req); err != nil {
		return domain.PurchaseOrder{}, err
	}

	seen := make(map[string]struct{}, len(req.Lines))
	lines := make([]domain.PurchaseOrderLine, 0, len(req.Lines))
	total := decimal.Zero
	for _, item := range req.Lines {
		key := domain.NormalizeKey(item.ProductKey)
		if key == "" {
			return domain.PurchaseOrder{}, apperr.Validation("purchase order line: product key required")
		}
		if _, dup := seen[key]; dup {
			return domain.PurchaseOrder{}, apperr.Validation("product %s listed twice", key)
		}
		if item.UnitCost.IsNegative() {
			return domain.PurchaseOrder{}, apperr.Validation("product %s: unit cost must not be negative", key)
		}
		seen[key] = struct{}{}
		lines = append(lines, domain.PurchaseOrderLine{ProductKey: key, Quantity: item.Quantity, UnitCost: item.UnitCost})
		total = total.Add(item.UnitCost.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	now := s.now()
	po := domain.PurchaseOrder{
		ID:           xid.New("po"),
		SupplierID:   strings.TrimSpace(req.SupplierID),
		Status:       domain.POPending,
		Lines:        lines,
		OrderedTotal: total,
		Receipts:     []domain.Receipt{},
		CreatedBy:    operatorFor(ctx, ""),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	po.OpenLines = po.RemainingLines()

	saved, err := retry.Do(ctx, s.policy, "create_purchase_order", func(ctx context.Context) (*domain.PurchaseOrder, error) {
		return s.repo.CreatePurchaseOrder(ctx, po)
	})
	if errors.Is(err, store.ErrConflict) {
		if existing, getErr := s.repo.GetPurchaseOrderByID(ctx, po.ID); getErr == nil {
			saved, err = existing, nil
		}
	}
	if err != nil {
		return domain.PurchaseOrder{}, apperr.Storage("create purchase order", err)
	}
	s.logAudit(ctx, "purchase_order_create", "purchase_order", saved.ID, fmt.Sprintf("supplier=%s,lines=%d,total=%s", saved.SupplierID, len(saved.Lines), saved.OrderedTotal))
	return *saved, nil
}

func (s *Service) GetPurchaseOrder(ctx context.Context, id string) (domain.PurchaseOrder, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PurchaseOrder{}, apperr.Validation("purchase order id required")
	}
	po, err := s.loadPurchaseOrder(ctx, id)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	return *po, nil
}

func (s *Service) loadPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error) {
	po, err := retry.Do(ctx, s.policy, "get_purchase_order", func(ctx context.Context) (*domain.PurchaseOrder, error) {
		return s.repo.GetPurchaseOrderByID(ctx, id)
	})
	if err != nil {
		return nil, notFoundOr(err, "purchase order", id, "get purchase order")
	}
	return po, nil
}

// Receive records one receiving event against a purchase order and restocks
// what arrived. It is not idempotent: the same content received twice is two
// deliveries. Receiving on one order is serialized.
func (s *Service) Receive(ctx context.Context, req domain.ReceiveRequest) (domain.PurchaseOrder, error) {
	if err := validateRequest(req); err != nil {
		return domain.PurchaseOrder{}, err
	}
	req.PurchaseOrderID = strings.TrimSpace(req.PurchaseOrderID)

	received := make(map[string]int, len(req.Lines))
	for _, line := range req.Lines {
		key := domain.NormalizeKey(line.ProductKey)
		if key == "" {
			return domain.PurchaseOrder{}, apperr.Validation("receipt line: product key required")
		}
		received[key] += line.ReceivedQuantity
	}

	var result *domain.PurchaseOrder
	err := s.withLock(ctx, "po:"+req.PurchaseOrderID, func() error {
		var err error
		result, err = s.receiveLocked(ctx, req, received)
		return err
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	return *result, nil
}

func (s *Service) receiveLocked(ctx context.Context, req domain.ReceiveRequest, received map[string]int) (*domain.PurchaseOrder, error) {
	po, err := s.loadPurchaseOrder(ctx, req.PurchaseOrderID)
	if err != nil {
		return nil, err
	}
	switch po.Status {
	case domain.POReceived:
		return nil, apperr.BusinessRule(apperr.ErrAlreadyReceived, "purchase order %s is already received", po.ID)
	case domain.POCancelled:
		return nil, apperr.BusinessRule(apperr.ErrInvalidState, "purchase order %s is cancelled", po.ID)
	}

	open := make(map[string]int, len(po.Lines))
	for _, line := range po.RemainingLines() {
		open[line.ProductKey] = line.Quantity
	}
	ordered := po.OrderedQuantities()

	receiptLines := make([]domain.ReceiptLine, 0, len(received))
	deltas := make(map[string]int, len(received))
	for key, qty := range received {
		if _, onOrder := ordered[key]; !onOrder {
			return nil, apperr.Validation("product %s is not on purchase order %s", key, po.ID)
		}
		if qty > open[key] {
			return nil, apperr.Validation("product %s: received %d exceeds %d still open", key, qty, open[key])
		}
		if qty > 0 {
			receiptLines = append(receiptLines, domain.ReceiptLine{ProductKey: key, Quantity: qty})
			deltas[key] = qty
		}
	}
	if len(receiptLines) == 0 {
		return nil, apperr.BusinessRule(apperr.ErrNoQuantity, "every line of the receipt has zero quantity")
	}
	sort.Slice(receiptLines, func(i, j int) bool {
		return receiptLines[i].ProductKey < receiptLines[j].ProductKey
	})

	operator := operatorFor(ctx, req.OperatorID)
	effect := s.newEffect(domain.SourcePOReceipt, po.ID, domain.AdjustmentPOReceipt, operator, deltas)
	receipt := domain.Receipt{
		ID:                xid.New("rcpt"),
		ReceivedAt:        s.now(),
		Operator:          operator,
		Lines:             receiptLines,
		Notes:             strings.TrimSpace(req.Notes),
		MarkComplete:      req.MarkComplete,
		StockEffectID:     effect.ID,
		StockEffectStatus: domain.EffectPending,
	}

	next := *po
	next.Receipts = append(append([]domain.Receipt{}, po.Receipts...), receipt)
	remaining := next.RemainingLines()
	status := po.Status
	switch {
	case len(remaining) == 0:
		status = domain.POReceived
	case req.MarkComplete:
		status = domain.POPartiallyReceived
	}

	updated, err := retry.Do(ctx, s.policy, "append_receipt", func(ctx context.Context) (*domain.PurchaseOrder, error) {
		return s.repo.AppendReceipt(ctx, po.ID, len(po.Receipts), receipt, status, remaining, effect)
	})
	if errors.Is(err, store.ErrConflict) {
		// The guard also trips when an earlier attempt committed.
		if current, getErr := s.repo.GetPurchaseOrderByID(ctx, po.ID); getErr == nil && hasReceipt(current, receipt.ID) {
			updated, err = current, nil
		} else {
			return nil, apperr.Conflict("purchase order changed while receiving", err)
		}
	}
	if err != nil {
		return nil, apperr.Storage("append receipt", err)
	}

	effectStatus := s.settleEffect(ctx, effect)
	for i := range updated.Receipts {
		if updated.Receipts[i].ID == receipt.ID {
			updated.Receipts[i].StockEffectStatus = effectStatus
		}
	}

	s.metrics.Settled("po_receipt")
	s.publish(ctx, events.TypeReceiptRecorded, updated.ID, receipt)
	s.logAudit(ctx, "purchase_order_receive", "purchase_order", updated.ID, fmt.Sprintf(
		"receipt=%s,lines=%d,mark_complete=%t,status=%s",
		receipt.ID, len(receipt.Lines), req.MarkComplete, updated.Status,
	))
	return updated, nil
}

// CancelPurchaseOrder closes an order that has not been fully received.
// Receipts already recorded keep their stock effect.
func (s *Service) CancelPurchaseOrder(ctx context.Context, id string, reason string) (domain.PurchaseOrder, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PurchaseOrder{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PurchaseOrder{}, apperr.Validation("purchase order id required")
	}

	var result *domain.PurchaseOrder
	err := s.withLock(ctx, "po:"+id, func() error {
		po, err := s.loadPurchaseOrder(ctx, id)
		if err != nil {
			return err
		}
		switch po.Status {
		case domain.POReceived:
			return apperr.BusinessRule(apperr.ErrAlreadyReceived, "purchase order %s is already received", id)
		case domain.POCancelled:
			return apperr.BusinessRule(apperr.ErrInvalidState, "purchase order %s is already cancelled", id)
		}

		result, err = retry.Do(ctx, s.policy, "cancel_purchase_order", func(ctx context.Context) (*domain.PurchaseOrder, error) {
			return s.repo.CancelPurchaseOrder(ctx, id, operatorFor(ctx, ""), s.now())
		})
		if errors.Is(err, store.ErrConflict) {
			return apperr.BusinessRule(apperr.ErrInvalidState, "purchase order %s can no longer be cancelled", id)
		}
		if err != nil {
			return apperr.Storage("cancel purchase order", err)
		}
		return nil
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	s.publish(ctx, events.TypePOCancelled, result.ID, map[string]string{"purchase_order_id": result.ID, "reason": reason})
	s.logAudit(ctx, "purchase_order_cancel", "purchase_order", result.ID, fmt.Sprintf("reason=%s", strings.TrimSpace(reason)))
	return *result, nil
}

func hasReceipt(po *domain.PurchaseOrder, receiptID string) bool {
	for _, receipt := range po.Receipts {
		if receipt.ID == receiptID {
			return true
		}
	}
	return false
}
