package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"kasirinaja/engine/internal/domain"
)

const stockColumns = `product_key, quantity, reorder_threshold, updated_at, COALESCE(updated_by, '')`

func scanStock(row pgx.Row) (domain.StockRecord, error) {
	var record domain.StockRecord
	err := row.Scan(&record.ProductKey, &record.Quantity, &record.ReorderThreshold, &record.UpdatedAt, &record.UpdatedBy)
	if err != nil {
		return domain.StockRecord{}, err
	}
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

func (s *Store) GetStock(ctx context.Context, productKey string) (*domain.StockRecord, error) {
	record, err := scanStock(s.db.QueryRow(ctx, `SELECT `+stockColumns+` FROM stock WHERE product_key = $1`, productKey))
	if err != nil {
		return nil, translate(err)
	}
	return &record, nil
}

// ApplyAdjustment locks the product's stock row for the rest of the
// transaction, so adjustments to one product serialize while others proceed.
func (s *Store) ApplyAdjustment(ctx context.Context, entry domain.AdjustmentEntry, defaultThreshold int) (domain.StockRecord, bool, error) {
	var record domain.StockRecord
	applied := false

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		record, err = scanStock(tx.QueryRow(ctx, `
			INSERT INTO stock (product_key, quantity, reorder_threshold, updated_at, updated_by)
			VALUES ($1, 0, $2, $3, $4)
			ON CONFLICT (product_key) DO UPDATE SET product_key = stock.product_key
			RETURNING `+stockColumns,
			entry.ProductKey, defaultThreshold, entry.CreatedAt, entry.Actor,
		))
		if err != nil {
			return translate(err)
		}

		if entry.IdempotencyKey != "" {
			var seen bool
			err := tx.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM stock_adjustments WHERE idempotency_key = $1)
			`, entry.IdempotencyKey).Scan(&seen)
			if err != nil {
				return translate(err)
			}
			if seen {
				return nil
			}
		}

		entry.QuantityBefore = record.Quantity
		entry.QuantityAfter = record.Quantity + entry.Delta
		record, err = scanStock(tx.QueryRow(ctx, `
			UPDATE stock
			SET quantity = $2, updated_at = $3, updated_by = $4
			WHERE product_key = $1
			RETURNING `+stockColumns,
			entry.ProductKey, entry.QuantityAfter, entry.CreatedAt, entry.Actor,
		))
		if err != nil {
			return translate(err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO stock_adjustments (
				id, product_key, delta, quantity_before, quantity_after,
				reason, actor, reference, notes, idempotency_key, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, entry.ID, entry.ProductKey, entry.Delta, entry.QuantityBefore, entry.QuantityAfter,
			string(entry.Reason), entry.Actor, nullIfEmpty(entry.Reference), nullIfEmpty(entry.Notes),
			nullIfEmpty(entry.IdempotencyKey), entry.CreatedAt)
		if err != nil {
			return translate(err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return domain.StockRecord{}, false, err
	}
	return record, applied, nil
}

func (s *Store) SetReorderThreshold(ctx context.Context, productKey string, threshold int, actor string, at time.Time) (domain.StockRecord, error) {
	record, err := scanStock(s.db.QueryRow(ctx, `
		INSERT INTO stock (product_key, quantity, reorder_threshold, updated_at, updated_by)
		VALUES ($1, 0, $2, $3, $4)
		ON CONFLICT (product_key) DO UPDATE SET
			reorder_threshold = EXCLUDED.reorder_threshold,
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by
		RETURNING `+stockColumns,
		productKey, threshold, at, actor,
	))
	if err != nil {
		return domain.StockRecord{}, translate(err)
	}
	return record, nil
}

func (s *Store) ListAdjustments(ctx context.Context, productKey string, limit int) ([]domain.AdjustmentEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, product_key, delta, quantity_before, quantity_after, reason, actor,
			COALESCE(reference, ''), COALESCE(notes, ''), COALESCE(idempotency_key, ''), created_at
		FROM stock_adjustments
		WHERE product_key = $1
		ORDER BY seq DESC
		LIMIT $2
	`, productKey, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	entries := make([]domain.AdjustmentEntry, 0, limit)
	for rows.Next() {
		var entry domain.AdjustmentEntry
		var reason string
		if err := rows.Scan(
			&entry.ID,
			&entry.ProductKey,
			&entry.Delta,
			&entry.QuantityBefore,
			&entry.QuantityAfter,
			&reason,
			&entry.Actor,
			&entry.Reference,
			&entry.Notes,
			&entry.IdempotencyKey,
			&entry.CreatedAt,
		); err != nil {
			return nil, translate(err)
		}
		entry.Reason = domain.AdjustmentReason(reason)
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return entries, nil
}

func (s *Store) ListStockAtOrBelowReorder(ctx context.Context, limit int) ([]domain.StockRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+stockColumns+`
		FROM stock
		WHERE quantity <= reorder_threshold
		ORDER BY quantity ASC, product_key ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	records := make([]domain.StockRecord, 0, 16)
	for rows.Next() {
		record, err := scanStock(rows)
		if err != nil {
			return nil, translate(err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return records, nil
}
