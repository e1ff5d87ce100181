package service

import (
	"context"
	"fmt"

	"kasirinaja/engine/internal/domain"
	"kasirinaja/engine/internal/ledger"
)

func (s *Service) GetStock(ctx context.Context, productKey string) (domain.StockRecord, error) {
	return s.ledger.Get(ctx, productKey)
}

// AdjustStockManual records a counted correction such as shrinkage or a
// stock opname difference.
func (s *Service) AdjustStockManual(ctx context.Context, productKey string, req domain.ManualAdjustmentRequest) (domain.StockRecord, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.StockRecord{}, err
	}
	if err := validateRequest(req); err != nil {
		return domain.StockRecord{}, err
	}

	record, err := s.ledger.Adjust(ctx, ledger.AdjustInput{
		ProductKey: productKey,
		Delta:      req.Delta,
		Reason:     domain.AdjustmentManual,
		Actor:      operatorFor(ctx, ""),
		Notes:      req.Notes,
	})
	if err != nil {
		return domain.StockRecord{}, err
	}
	s.logAudit(ctx, "stock_adjust", "stock", record.ProductKey, fmt.Sprintf("delta=%d,quantity=%d,notes=%s", req.Delta, record.Quantity, req.Notes))
	return record, nil
}

func (s *Service) SetReorderThreshold(ctx context.Context, productKey string, req domain.ReorderThresholdRequest) (domain.StockRecord, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.StockRecord{}, err
	}
	if err := validateRequest(req); err != nil {
		return domain.StockRecord{}, err
	}
	record, err := s.ledger.SetReorderThreshold(ctx, productKey, req.Threshold, operatorFor(ctx, ""))
	if err != nil {
		return domain.StockRecord{}, err
	}
	s.logAudit(ctx, "stock_reorder_threshold", "stock", record.ProductKey, fmt.Sprintf("threshold=%d", req.Threshold))
	return record, nil
}

func (s *Service) StockHistory(ctx context.Context, productKey string, limit int) ([]domain.AdjustmentEntry, error) {
	return s.ledger.History(ctx, productKey, limit)
}

func (s *Service) StockAlerts(ctx context.Context, limit int) (domain.StockAlertResponse, error) {
	alerts, err := s.ledger.Alerts(ctx, limit)
	if err != nil {
		return domain.StockAlertResponse{}, err
	}
	return domain.StockAlertResponse{Alerts: alerts}, nil
}
