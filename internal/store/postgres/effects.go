package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"kasirinaja/engine/internal/domain"
	"kasirinaja/engine/internal/store"
)

// effectBody is the part of a stock effect not held in its own column.
type effectBody struct {
	Reason domain.AdjustmentReason `json:"reason"`
	Actor  string                  `json:"actor"`
	Lines  []domain.EffectLine     `json:"lines"`
}

func insertEffect(ctx context.Context, q querier, effect domain.StockEffect) error {
	body, err := json.Marshal(effectBody{Reason: effect.Reason, Actor: effect.Actor, Lines: effect.Lines})
	if err != nil {
		return fmt.Errorf("encode stock effect %s: %w", effect.ID, err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO stock_effects (id, source, source_id, status, created_at, applied_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, effect.ID, string(effect.Source), effect.SourceID, string(effect.Status), effect.CreatedAt, nullTime(effect.AppliedAt), body)
	return translate(err)
}

const effectColumns = `id, source, source_id, status, created_at, applied_at, body`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEffect(row rowScanner) (domain.StockEffect, error) {
	var effect domain.StockEffect
	var source, status string
	var appliedAt *time.Time
	var raw []byte
	if err := row.Scan(&effect.ID, &source, &effect.SourceID, &status, &effect.CreatedAt, &appliedAt, &raw); err != nil {
		return domain.StockEffect{}, translate(err)
	}
	var body effectBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return domain.StockEffect{}, fmt.Errorf("decode stock effect %s: %w", effect.ID, err)
	}
	effect.Source = domain.EffectSource(source)
	effect.Status = domain.EffectStatus(status)
	effect.CreatedAt = effect.CreatedAt.UTC()
	if appliedAt != nil {
		at := appliedAt.UTC()
		effect.AppliedAt = &at
	}
	effect.Reason = body.Reason
	effect.Actor = body.Actor
	effect.Lines = body.Lines
	return effect, nil
}

func (s *Store) GetEffect(ctx context.Context, id string) (*domain.StockEffect, error) {
	effect, err := scanEffect(s.db.QueryRow(ctx, `SELECT `+effectColumns+` FROM stock_effects WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return &effect, nil
}

func (s *Store) ListPendingEffects(ctx context.Context, limit int) ([]domain.StockEffect, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+effectColumns+`
		FROM stock_effects
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	effects := make([]domain.StockEffect, 0, 16)
	for rows.Next() {
		effect, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		effects = append(effects, effect)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return effects, nil
}

// MarkEffectApplied is idempotent; an already applied effect keeps its
// original applied_at.
func (s *Store) MarkEffectApplied(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE stock_effects
		SET status = 'applied', applied_at = COALESCE(applied_at, $2)
		WHERE id = $1
	`, id, at)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return translate(err)
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(
			&entry.ID,
			&entry.ActorUsername,
			&entry.ActorRole,
			&entry.Action,
			&entry.EntityType,
			&entry.EntityID,
			&entry.Detail,
			&entry.CreatedAt,
		); err != nil {
			return nil, translate(err)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return logs, nil
}
