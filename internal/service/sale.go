package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/engine/internal/apperr"
	"kasirinaja/engine/internal/domain"
	"kasirinaja/engine/internal/events"
	"kasirinaja/engine/internal/pricing"
	"kasirinaja/engine/internal/retry"
	"kasirinaja/engine/internal/store"
	"kasirinaja/engine/internal/xid"
)

// AddToCart adds one line to cart, freezing the catalog price in effect now.
// A product already in the cart keeps the price it was first added at.
func (s *Service) AddToCart(ctx context.Context, cart domain.Cart, input domain.CartLineInput) (domain.Cart, error) {
	if err := validateRequest(input); err != nil {
		return nil, err
	}
	product, err := s.lookupProduct(ctx, input.ProductKey)
	if err != nil {
		return nil, err
	}

	next := make(domain.Cart, len(cart)+1)
	for key, line := range cart {
		next[key] = line
	}
	line, exists := next[product.Key]
	if !exists {
		line = domain.CartLine{ProductKey: product.Key, UnitPrice: product.UnitPrice}
	}
	line.Quantity += input.Quantity
	if note := strings.TrimSpace(input.Note); note != "" {
		line.Note = note
	}
	next[product.Key] = line
	return next, nil
}

func (s *Service) lookupProduct(ctx context.Context, key string) (*domain.Product, error) {
	key = domain.NormalizeKey(key)
	if key == "" {
		return nil, apperr.Validation("product key required")
	}
	product, err := retry.Do(ctx, s.policy, "get_product", func(ctx context.Context) (*domain.Product, error) {
		return s.catalog.GetProduct(ctx, key)
	})
	if err != nil {
		return nil, notFoundOr(err, "product", key, "get product")
	}
	if !product.Active {
		return nil, apperr.Validation("product %s is not active", key)
	}
	return product, nil
}

// buildCart prices every line from the catalog and collects categories for
// category-scoped discounts.
func (s *Service) buildCart(ctx context.Context, lines []domain.CartLineInput) (domain.Cart, map[string]string, error) {
	cart := domain.Cart{}
	categories := make(map[string]string, len(lines))
	for _, input := range lines {
		next, err := s.AddToCart(ctx, cart, input)
		if err != nil {
			return nil, nil, err
		}
		cart = next
	}
	for key := range cart {
		product, err := s.lookupProduct(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		categories[key] = product.Category
	}
	return cart, categories, nil
}

func (s *Service) Quote(ctx context.Context, req domain.QuoteRequest) (domain.QuoteResponse, error) {
	if err := validateRequest(req); err != nil {
		return domain.QuoteResponse{}, err
	}
	cart, categories, err := s.buildCart(ctx, req.Lines)
	if err != nil {
		return domain.QuoteResponse{}, err
	}

	offers, err := retry.Do(ctx, s.policy, "list_active_offers", func(ctx context.Context) ([]domain.Offer, error) {
		return s.repo.ListActiveOffers(ctx)
	})
	if err != nil {
		return domain.QuoteResponse{}, apperr.Storage("list active offers", err)
	}

	var discount *domain.Discount
	if id := strings.TrimSpace(req.DiscountID); id != "" {
		discount, err = retry.Do(ctx, s.policy, "get_discount", func(ctx context.Context) (*domain.Discount, error) {
			return s.repo.GetDiscount(ctx, id)
		})
		if err != nil {
			return domain.QuoteResponse{}, notFoundOr(err, "discount", id, "get discount")
		}
	}

	taxRate := s.taxRate
	if req.TaxRate != nil {
		taxRate = *req.TaxRate
	}

	started := time.Now()
	result, err := pricing.Price(cart, pricing.Input{
		TaxRate:       taxRate,
		Offers:        offers,
		Discount:      discount,
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
		Surcharges:    s.surcharges,
		Categories:    categories,
	})
	s.metrics.ObservePricing(started)
	if err != nil {
		return domain.QuoteResponse{}, err
	}
	if result.UnknownPaymentMethod {
		s.logger.Warn("payment method has no surcharge entry", slog.String("payment_method", result.PaymentMethod))
	}
	return domain.QuoteResponse{Cart: cart.Lines(), Pricing: result}, nil
}

// Sell prices the request against the current catalog and promotions, then
// settles it. A repeated idempotency key returns the original transaction
// without re-pricing.
func (s *Service) Sell(ctx context.Context, req domain.SaleRequest) (domain.SettleResponse, error) {
	if existing, err := s.findByIdempotency(ctx, req.IdempotencyKey); err != nil || existing != nil {
		if err != nil {
			return domain.SettleResponse{}, err
		}
		return domain.SettleResponse{Transaction: *existing, Duplicate: true}, nil
	}

	quote, err := s.Quote(ctx, req.QuoteRequest)
	if err != nil {
		return domain.SettleResponse{}, err
	}
	cart := make(domain.Cart, len(quote.Cart))
	for _, line := range quote.Cart {
		cart[line.ProductKey] = line
	}
	return s.Settle(ctx, domain.SettleRequest{
		Cart:           cart,
		Pricing:        quote.Pricing,
		PaymentMethod:  req.PaymentMethod,
		AmountTendered: req.AmountTendered,
		ShiftID:        req.ShiftID,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// Settle turns a priced cart into an immutable transaction and decrements
// stock for every line.
func (s *Service) Settle(ctx context.Context, req domain.SettleRequest) (domain.SettleResponse, error) {
	if err := validateRequest(req); err != nil {
		return domain.SettleResponse{}, err
	}
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	for key, line := range req.Cart {
		if key != line.ProductKey || domain.NormalizeKey(key) != key {
			return domain.SettleResponse{}, apperr.Validation("cart key %q does not match line product %q", key, line.ProductKey)
		}
		if line.Quantity < 1 {
			return domain.SettleResponse{}, apperr.Validation("product %s: quantity must be at least 1", key)
		}
	}
	if !req.Pricing.Subtotal.Equal(req.Cart.Subtotal()) {
		return domain.SettleResponse{}, apperr.Validation("pricing subtotal %s does not match cart subtotal %s", req.Pricing.Subtotal, req.Cart.Subtotal())
	}
	if req.Pricing.PaymentMethod != "" && req.Pricing.PaymentMethod != req.PaymentMethod {
		return domain.SettleResponse{}, apperr.Validation("cart was priced for payment method %q", req.Pricing.PaymentMethod)
	}
	if err := s.checkPricing(req.Pricing, req.PaymentMethod); err != nil {
		return domain.SettleResponse{}, err
	}
	if req.AmountTendered.IsNegative() {
		return domain.SettleResponse{}, apperr.Validation("amount tendered must not be negative")
	}
	if req.AmountTendered.LessThan(req.Pricing.PayableTotal) {
		return domain.SettleResponse{}, apperr.BusinessRule(apperr.ErrInsufficientTender,
			"tendered %s is less than payable %s", req.AmountTendered, req.Pricing.PayableTotal)
	}

	if existing, err := s.findByIdempotency(ctx, req.IdempotencyKey); err != nil || existing != nil {
		if err != nil {
			return domain.SettleResponse{}, err
		}
		return domain.SettleResponse{Transaction: *existing, Duplicate: true}, nil
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}

	operator := operatorFor(ctx, req.OperatorID)
	txID := xid.New("tx")
	cartLines := req.Cart.Lines()
	lines := make([]domain.TransactionLine, 0, len(cartLines))
	deltas := make(map[string]int, len(cartLines))
	for _, line := range cartLines {
		lines = append(lines, domain.TransactionLine{
			ProductKey: line.ProductKey,
			UnitPrice:  line.UnitPrice,
			Quantity:   line.Quantity,
			Note:       line.Note,
		})
		deltas[line.ProductKey] = -line.Quantity
	}
	effect := s.newEffect(domain.SourceSale, txID, domain.AdjustmentSale, operator, deltas)

	pricingResult := req.Pricing
	pricingResult.PaymentMethod = req.PaymentMethod
	tx := domain.Transaction{
		ID:                txID,
		CreatedAt:         s.now(),
		Lines:             lines,
		Pricing:           pricingResult,
		PaymentMethod:     req.PaymentMethod,
		AmountTendered:    req.AmountTendered,
		Change:            req.AmountTendered.Sub(req.Pricing.PayableTotal),
		OperatorID:        operator,
		ShiftID:           req.ShiftID,
		IdempotencyKey:    req.IdempotencyKey,
		StockEffectID:     effect.ID,
		StockEffectStatus: domain.EffectPending,
	}

	created, err := retry.Do(ctx, s.policy, "create_transaction", func(ctx context.Context) (*domain.Transaction, error) {
		return s.repo.CreateTransaction(ctx, tx, effect)
	})
	if errors.Is(err, store.ErrConflict) {
		existing, findErr := s.findByIdempotency(ctx, tx.IdempotencyKey)
		if findErr == nil && existing != nil {
			if existing.ID != tx.ID {
				return domain.SettleResponse{Transaction: *existing, Duplicate: true}, nil
			}
			// An earlier attempt committed before its response was lost.
			created, err = existing, nil
		}
	}
	if err != nil {
		return domain.SettleResponse{}, apperr.Storage("create transaction", err)
	}

	created.StockEffectStatus = s.settleEffect(ctx, effect)
	s.metrics.Settled("sale")
	s.publish(ctx, events.TypeSaleSettled, created.ID, created)
	s.logAudit(ctx, "sale_settle", "transaction", created.ID, fmt.Sprintf(
		"payable=%s,payment=%s,lines=%d,stock_effect=%s",
		created.Pricing.PayableTotal, created.PaymentMethod, len(created.Lines), created.StockEffectStatus,
	))

	return domain.SettleResponse{Transaction: *created}, nil
}

// checkPricing rejects a pricing result whose totals do not follow from one
// another or from this engine's surcharge table.
func (s *Service) checkPricing(p domain.PricingResult, method string) error {
	hundred := decimal.NewFromInt(100)
	if p.TaxRate.IsNegative() || p.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		return apperr.Validation("pricing tax rate %s must be between 0 and 1", p.TaxRate)
	}
	if !p.TaxAmount.Equal(p.Subtotal.Mul(p.TaxRate)) {
		return apperr.Validation("pricing tax %s does not match subtotal %s at rate %s", p.TaxAmount, p.Subtotal, p.TaxRate)
	}
	if !p.BaseTotal.Equal(p.Subtotal.Add(p.TaxAmount)) {
		return apperr.Validation("pricing base total %s is not subtotal plus tax", p.BaseTotal)
	}
	if p.OfferDiscountTotal.IsNegative() || p.DiscountAmount.IsNegative() {
		return apperr.Validation("pricing discounts must not be negative")
	}
	if !p.OfferAdjustedTotal.Equal(decimal.Max(p.BaseTotal.Sub(p.OfferDiscountTotal), decimal.Zero)) {
		return apperr.Validation("pricing offer adjusted total %s does not match offers %s", p.OfferAdjustedTotal, p.OfferDiscountTotal)
	}
	if !p.DiscountAdjustedTotal.Equal(p.OfferAdjustedTotal.Sub(p.DiscountAmount)) || p.DiscountAdjustedTotal.IsNegative() {
		return apperr.Validation("pricing discount adjusted total %s does not match discount %s", p.DiscountAdjustedTotal, p.DiscountAmount)
	}
	percent, ok := s.surcharges[method]
	if !ok {
		percent = decimal.Zero
	}
	if !p.SurchargeAmount.Equal(p.DiscountAdjustedTotal.Mul(percent).Div(hundred)) {
		return apperr.Validation("pricing surcharge %s does not match %s%% for %s", p.SurchargeAmount, percent, method)
	}
	if !p.PayableTotal.Equal(p.DiscountAdjustedTotal.Add(p.SurchargeAmount)) || p.PayableTotal.IsNegative() {
		return apperr.Validation("pricing payable total %s is not discount adjusted total plus surcharge", p.PayableTotal)
	}
	return nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Transaction{}, apperr.Validation("transaction id required")
	}
	tx, err := retry.Do(ctx, s.policy, "find_transaction", func(ctx context.Context) (*domain.Transaction, error) {
		return s.repo.FindTransactionByID(ctx, id)
	})
	if err != nil {
		return domain.Transaction{}, notFoundOr(err, "transaction", id, "find transaction")
	}
	return *tx, nil
}

// findByIdempotency returns nil without error when key is empty or unused.
func (s *Service) findByIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	tx, err := retry.Do(ctx, s.policy, "find_transaction_by_idempotency", func(ctx context.Context) (*domain.Transaction, error) {
		return s.repo.FindTransactionByIdempotency(ctx, key)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Storage("find transaction by idempotency key", err)
	}
	return tx, nil
}
