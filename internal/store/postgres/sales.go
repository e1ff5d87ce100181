package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"kasirinaja/engine/internal/domain"
	"kasirinaja/engine/internal/store"
)

func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction, effect domain.StockEffect) (*domain.Transaction, error) {
	tx.StockEffectStatus = effect.Status
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode transaction %s: %w", tx.ID, err)
	}

	err = s.inTx(ctx, func(pgTx pgx.Tx) error {
		_, err := pgTx.Exec(ctx, `
			INSERT INTO transactions (id, idempotency_key, stock_effect_id, created_at, body)
			VALUES ($1, $2, $3, $4, $5)
		`, tx.ID, tx.IdempotencyKey, tx.StockEffectID, tx.CreatedAt, body)
		if err != nil {
			return translate(err)
		}
		return insertEffect(ctx, pgTx, effect)
	})
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, "id", id)
}

func (s *Store) FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, "idempotency_key", key)
}

func (s *Store) findTransaction(ctx context.Context, column string, value string) (*domain.Transaction, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column %q", column)
	}

	var body []byte
	var status string
	query := fmt.Sprintf(`
		SELECT t.body, COALESCE(e.status, 'pending')
		FROM transactions t
		LEFT JOIN stock_effects e ON e.id = t.stock_effect_id
		WHERE t.%s = $1
	`, column)
	if err := s.db.QueryRow(ctx, query, value).Scan(&body, &status); err != nil {
		return nil, translate(err)
	}

	var tx domain.Transaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.StockEffectStatus = domain.EffectStatus(status)
	return &tx, nil
}

func (s *Store) CreateReturn(ctx context.Context, record domain.ReturnRecord, effect domain.StockEffect) (*domain.ReturnRecord, error) {
	record.StockEffectStatus = effect.Status
	body, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode return %s: %w", record.ID, err)
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		// The row lock serializes returns against one transaction across engines.
		var originalBody []byte
		if err := tx.QueryRow(ctx, `
			SELECT body FROM transactions WHERE id = $1 FOR UPDATE
		`, record.OriginalTransactionID).Scan(&originalBody); err != nil {
			return translate(err)
		}
		var original domain.Transaction
		if err := json.Unmarshal(originalBody, &original); err != nil {
			return fmt.Errorf("decode transaction: %w", err)
		}
		returned, err := returnedQuantities(ctx, tx, record.OriginalTransactionID)
		if err != nil {
			return err
		}
		if err := store.CheckReturnable(original.PurchasedQuantities(), returned, record.Lines); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO returns (id, original_transaction_id, stock_effect_id, created_at, body)
			VALUES ($1, $2, $3, $4, $5)
		`, record.ID, record.OriginalTransactionID, record.StockEffectID, record.CreatedAt, body)
		if err != nil {
			return translate(err)
		}
		return insertEffect(ctx, tx, effect)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) GetReturnedQtyByTransaction(ctx context.Context, transactionID string) (map[string]int, error) {
	return returnedQuantities(ctx, s.db, transactionID)
}

func returnedQuantities(ctx context.Context, q querier, transactionID string) (map[string]int, error) {
	rows, err := q.Query(ctx, `
		SELECT line->>'product_key', SUM((line->>'quantity')::int)
		FROM returns r, jsonb_array_elements(r.body->'lines') AS line
		WHERE r.original_transaction_id = $1
		GROUP BY line->>'product_key'
	`, transactionID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var key string
		var qty int
		if err := rows.Scan(&key, &qty); err != nil {
			return nil, translate(err)
		}
		result[key] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return result, nil
}

func (s *Store) ListReturnsByTransaction(ctx context.Context, transactionID string) ([]domain.ReturnRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.body, COALESCE(e.status, 'pending')
		FROM returns r
		LEFT JOIN stock_effects e ON e.id = r.stock_effect_id
		WHERE r.original_transaction_id = $1
		ORDER BY r.created_at ASC, r.id ASC
	`, transactionID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	records := make([]domain.ReturnRecord, 0, 4)
	for rows.Next() {
		var body []byte
		var status string
		if err := rows.Scan(&body, &status); err != nil {
			return nil, translate(err)
		}
		var record domain.ReturnRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return nil, fmt.Errorf("decode return: %w", err)
		}
		record.CreatedAt = record.CreatedAt.UTC()
		record.StockEffectStatus = domain.EffectStatus(status)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return records, nil
}
