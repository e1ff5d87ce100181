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

// ProcessReturn refunds part of a prior transaction at its frozen prices and
// restocks the returned units. Returns against one transaction are
// serialized by the locker, and the store re-checks the cumulative quantity
// when it writes the return, so engines sharing a store cannot over-return.
func (s *Service) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (domain.ReturnRecord, error) {
	if err := validateRequest(req); err != nil {
		return domain.ReturnRecord{}, err
	}
	req.OriginalTransactionID = strings.TrimSpace(req.OriginalTransactionID)
	req.RefundMethod = strings.ToLower(strings.TrimSpace(req.RefundMethod))

	requested := make(map[string]int, len(req.Lines))
	for i := range req.Lines {
		req.Lines[i].ProductKey = domain.NormalizeKey(req.Lines[i].ProductKey)
		if req.Lines[i].ProductKey == "" {
			return domain.ReturnRecord{}, apperr.Validation("return line %d: product key required", i)
		}
		requested[req.Lines[i].ProductKey] += req.Lines[i].Quantity
	}

	var record *domain.ReturnRecord
	err := s.withLock(ctx, "return:"+req.OriginalTransactionID, func() error {
		var err error
		record, err = s.processReturnLocked(ctx, req, requested)
		return err
	})
	if err != nil {
		return domain.ReturnRecord{}, err
	}
	return *record, nil
}

func (s *Service) processReturnLocked(ctx context.Context, req domain.ReturnRequest, requested map[string]int) (*domain.ReturnRecord, error) {
	originalTx, err := retry.Do(ctx, s.policy, "find_transaction", func(ctx context.Context) (*domain.Transaction, error) {
		return s.repo.FindTransactionByID(ctx, req.OriginalTransactionID)
	})
	if err != nil {
		return nil, notFoundOr(err, "transaction", req.OriginalTransactionID, "find transaction")
	}

	alreadyReturned, err := retry.Do(ctx, s.policy, "returned_quantities", func(ctx context.Context) (map[string]int, error) {
		return s.repo.GetReturnedQtyByTransaction(ctx, originalTx.ID)
	})
	if err != nil {
		return nil, apperr.Storage("load returned quantities", err)
	}

	purchased := originalTx.PurchasedQuantities()
	keys := make([]string, 0, len(requested))
	for key := range requested {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		qty := requested[key]
		if alreadyReturned[key]+qty > purchased[key] {
			return nil, apperr.BusinessRule(apperr.ErrOverReturn,
				"product %s: returning %d with %d already returned exceeds %d purchased",
				key, qty, alreadyReturned[key], purchased[key])
		}
	}

	operator := operatorFor(ctx, req.OperatorID)
	lines := make([]domain.ReturnLine, 0, len(req.Lines))
	subtotalRefund := decimal.Zero
	for _, line := range req.Lines {
		unitPrice, _ := originalTx.UnitPrice(line.ProductKey)
		lines = append(lines, domain.ReturnLine{
			ProductKey: line.ProductKey,
			Quantity:   line.Quantity,
			UnitPrice:  unitPrice,
			Reason:     line.Reason,
			Condition:  line.Condition,
		})
		subtotalRefund = subtotalRefund.Add(unitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	taxRefund := proratedTax(subtotalRefund, originalTx.Pricing)

	status := domain.ReturnCompleted
	if req.RefundMethod == domain.RefundMethodExchange {
		status = domain.ReturnPendingExchange
	}

	returnID := xid.New("ret")
	effect := s.newEffect(domain.SourceReturn, returnID, domain.AdjustmentReturn, operator, requested)
	record := domain.ReturnRecord{
		ID:                    returnID,
		OriginalTransactionID: originalTx.ID,
		Lines:                 lines,
		SubtotalRefund:        subtotalRefund,
		TaxRefund:             taxRefund,
		TotalRefund:           subtotalRefund.Add(taxRefund),
		RefundMethod:          req.RefundMethod,
		Status:                status,
		OperatorID:            operator,
		CreatedAt:             s.now(),
		StockEffectID:         effect.ID,
		StockEffectStatus:     domain.EffectPending,
	}

	created, err := retry.Do(ctx, s.policy, "create_return", func(ctx context.Context) (*domain.ReturnRecord, error) {
		return s.repo.CreateReturn(ctx, record, effect)
	})
	if errors.Is(err, store.ErrConflict) {
		if existing := s.findReturn(ctx, originalTx.ID, record.ID); existing != nil {
			created, err = existing, nil
		}
	}
	if errors.Is(err, store.ErrOverReturn) {
		// Another engine committed a return against this transaction first.
		return nil, apperr.BusinessRule(apperr.ErrOverReturn, "%v", err)
	}
	if err != nil {
		return nil, apperr.Storage("create return", err)
	}

	created.StockEffectStatus = s.settleEffect(ctx, effect)
	s.metrics.Settled("return")
	s.publish(ctx, events.TypeReturnSettled, created.ID, created)
	s.logAudit(ctx, "return_process", "return", created.ID, fmt.Sprintf(
		"transaction=%s,refund=%s,method=%s,status=%s",
		originalTx.ID, created.TotalRefund, created.RefundMethod, created.Status,
	))
	return created, nil
}

func (s *Service) ListReturns(ctx context.Context, transactionID string) ([]domain.ReturnRecord, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, apperr.Validation("transaction id required")
	}
	records, err := retry.Do(ctx, s.policy, "list_returns", func(ctx context.Context) ([]domain.ReturnRecord, error) {
		return s.repo.ListReturnsByTransaction(ctx, transactionID)
	})
	if err != nil {
		return nil, apperr.Storage("list returns", err)
	}
	return records, nil
}

// findReturn looks for a return an earlier attempt may have committed.
func (s *Service) findReturn(ctx context.Context, transactionID string, returnID string) *domain.ReturnRecord {
	records, err := s.repo.ListReturnsByTransaction(ctx, transactionID)
	if err != nil {
		return nil
	}
	for i := range records {
		if records[i].ID == returnID {
			return &records[i]
		}
	}
	return nil
}

// proratedTax refunds tax at the original transaction's aggregate
// tax-to-subtotal ratio.
func proratedTax(subtotalRefund decimal.Decimal, original domain.PricingResult) decimal.Decimal {
	if original.Subtotal.IsZero() {
		return decimal.Zero
	}
	return subtotalRefund.Mul(original.TaxAmount).Div(original.Subtotal)
}
