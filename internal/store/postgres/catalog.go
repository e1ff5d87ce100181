package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"kasirinaja/engine/internal/domain"
)

func (s *Store) GetProduct(ctx context.Context, key string) (*domain.Product, error) {
	var product domain.Product
	var unitPrice, unitCost string
	err := s.db.QueryRow(ctx, `
		SELECT key, name, unit_price::text, unit_cost::text, category,
			COALESCE(subcategory, ''), COALESCE(brand, ''), active
		FROM products
		WHERE key = $1
	`, key).Scan(
		&product.Key,
		&product.Name,
		&unitPrice,
		&unitCost,
		&product.Category,
		&product.Subcategory,
		&product.Brand,
		&product.Active,
	)
	if err != nil {
		return nil, translate(err)
	}
	if product.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
		return nil, fmt.Errorf("product %s unit price: %w", key, err)
	}
	if product.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
		return nil, fmt.Errorf("product %s unit cost: %w", key, err)
	}
	return &product, nil
}

// UpsertProduct writes a catalog entry. Catalog maintenance lives outside
// this service; this is used to load fixtures.
func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO products (key, name, unit_price, unit_cost, category, subcategory, brand, active, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8, now(), now())
		ON CONFLICT (key) DO UPDATE SET
			name = EXCLUDED.name,
			unit_price = EXCLUDED.unit_price,
			unit_cost = EXCLUDED.unit_cost,
			category = EXCLUDED.category,
			subcategory = EXCLUDED.subcategory,
			brand = EXCLUDED.brand,
			active = EXCLUDED.active,
			updated_at = now()
	`, domain.NormalizeKey(product.Key), product.Name, product.UnitPrice.String(), product.UnitCost.String(),
		product.Category, nullIfEmpty(product.Subcategory), nullIfEmpty(product.Brand), product.Active)
	return translate(err)
}

func (s *Store) ListActiveOffers(ctx context.Context) ([]domain.Offer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, body
		FROM offers
		WHERE active = true
		ORDER BY id
	`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	offers := make([]domain.Offer, 0, 16)
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, translate(err)
		}
		var offer domain.Offer
		if err := json.Unmarshal(body, &offer); err != nil {
			return nil, fmt.Errorf("decode offer %s: %w", id, err)
		}
		offer.ID = id
		offer.Active = true
		offers = append(offers, offer)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return offers, nil
}

func (s *Store) UpsertOffer(ctx context.Context, offer domain.Offer) error {
	body, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode offer %s: %w", offer.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO offers (id, active, body) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active, body = EXCLUDED.body
	`, offer.ID, offer.Active, body)
	return translate(err)
}

func (s *Store) GetDiscount(ctx context.Context, id string) (*domain.Discount, error) {
	var active bool
	var body []byte
	err := s.db.QueryRow(ctx, `
		SELECT active, body
		FROM discounts
		WHERE id = $1
	`, id).Scan(&active, &body)
	if err != nil {
		return nil, translate(err)
	}
	var discount domain.Discount
	if err := json.Unmarshal(body, &discount); err != nil {
		return nil, fmt.Errorf("decode discount %s: %w", id, err)
	}
	discount.ID = id
	discount.Active = active
	return &discount, nil
}

func (s *Store) UpsertDiscount(ctx context.Context, discount domain.Discount) error {
	body, err := json.Marshal(discount)
	if err != nil {
		return fmt.Errorf("encode discount %s: %w", discount.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO discounts (id, active, body) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active, body = EXCLUDED.body
	`, discount.ID, discount.Active, body)
	return translate(err)
}
