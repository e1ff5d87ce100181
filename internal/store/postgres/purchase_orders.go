package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"kasirinaja/engine/internal/domain"
	"kasirinaja/engine/internal/store"
)

func (s *Store) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	body, err := json.Marshal(po)
	if err != nil {
		return nil, fmt.Errorf("encode purchase order %s: %w", po.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO purchase_orders (id, supplier_id, status, receipt_count, created_at, updated_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, po.ID, po.SupplierID, string(po.Status), len(po.Receipts), po.CreatedAt, po.UpdatedAt, body)
	if err != nil {
		return nil, translate(err)
	}
	created := po
	return &created, nil
}

func (s *Store) GetPurchaseOrderByID(ctx context.Context, id string) (*domain.PurchaseOrder, error) {
	var body []byte
	err := s.db.QueryRow(ctx, `SELECT body FROM purchase_orders WHERE id = $1`, id).Scan(&body)
	if err != nil {
		return nil, translate(err)
	}
	po, err := decodePurchaseOrder(body)
	if err != nil {
		return nil, err
	}
	if err := s.withReceiptStatuses(ctx, po); err != nil {
		return nil, err
	}
	return po, nil
}

func (s *Store) AppendReceipt(ctx context.Context, id string, expectedReceipts int, receipt domain.Receipt, status domain.PurchaseOrderStatus, open []domain.ReceiptLine, effect domain.StockEffect) (*domain.PurchaseOrder, error) {
	var po *domain.PurchaseOrder
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		po, err = lockPurchaseOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(po.Receipts) != expectedReceipts {
			return store.ErrConflict
		}

		receipt.Lines = slices.Clone(receipt.Lines)
		po.Receipts = append(po.Receipts, receipt)
		po.Status = status
		po.OpenLines = slices.Clone(open)
		po.UpdatedAt = receipt.ReceivedAt
		if err := updatePurchaseOrder(ctx, tx, po); err != nil {
			return err
		}
		return insertEffect(ctx, tx, effect)
	})
	if err != nil {
		return nil, err
	}
	if err := s.withReceiptStatuses(ctx, po); err != nil {
		return nil, err
	}
	return po, nil
}

func (s *Store) CancelPurchaseOrder(ctx context.Context, id string, by string, at time.Time) (*domain.PurchaseOrder, error) {
	var po *domain.PurchaseOrder
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		po, err = lockPurchaseOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		if po.Status != domain.POPending && po.Status != domain.POPartiallyReceived {
			return store.ErrConflict
		}
		po.Status = domain.POCancelled
		po.CancelledBy = by
		po.CancelledAt = &at
		po.UpdatedAt = at
		return updatePurchaseOrder(ctx, tx, po)
	})
	if err != nil {
		return nil, err
	}
	if err := s.withReceiptStatuses(ctx, po); err != nil {
		return nil, err
	}
	return po, nil
}

func lockPurchaseOrder(ctx context.Context, tx pgx.Tx, id string) (*domain.PurchaseOrder, error) {
	var body []byte
	err := tx.QueryRow(ctx, `SELECT body FROM purchase_orders WHERE id = $1 FOR UPDATE`, id).Scan(&body)
	if err != nil {
		return nil, translate(err)
	}
	return decodePurchaseOrder(body)
}

func updatePurchaseOrder(ctx context.Context, tx pgx.Tx, po *domain.PurchaseOrder) error {
	body, err := json.Marshal(po)
	if err != nil {
		return fmt.Errorf("encode purchase order %s: %w", po.ID, err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE purchase_orders
		SET status = $2, receipt_count = $3, updated_at = $4, body = $5
		WHERE id = $1
	`, po.ID, string(po.Status), len(po.Receipts), po.UpdatedAt, body)
	return translate(err)
}

func decodePurchaseOrder(body []byte) (*domain.PurchaseOrder, error) {
	var po domain.PurchaseOrder
	if err := json.Unmarshal(body, &po); err != nil {
		return nil, fmt.Errorf("decode purchase order: %w", err)
	}
	if po.Receipts == nil {
		po.Receipts = []domain.Receipt{}
	}
	return &po, nil
}

// withReceiptStatuses overlays the live status of each receipt's stock effect.
func (s *Store) withReceiptStatuses(ctx context.Context, po *domain.PurchaseOrder) error {
	if len(po.Receipts) == 0 {
		return nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, status
		FROM stock_effects
		WHERE source = $1 AND source_id = $2
	`, string(domain.SourcePOReceipt), po.ID)
	if err != nil {
		return translate(err)
	}
	defer rows.Close()

	statuses := make(map[string]domain.EffectStatus, len(po.Receipts))
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return translate(err)
		}
		statuses[id] = domain.EffectStatus(status)
	}
	if err := rows.Err(); err != nil {
		return translate(err)
	}

	for i := range po.Receipts {
		if status, ok := statuses[po.Receipts[i].StockEffectID]; ok {
			po.Receipts[i].StockEffectStatus = status
		} else {
			po.Receipts[i].StockEffectStatus = domain.EffectPending
		}
	}
	return nil
}
