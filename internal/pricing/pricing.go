// Package pricing turns a cart into a payable total: subtotal, tax, offers,
// one optional discount and the payment-method surcharge, in that order.
// Everything here is pure; callers pass every parameter explicitly.
package pricing

import (
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/engine/internal/apperr"
	"kasirinaja/engine/internal/domain"
)

var hundred = decimal.NewFromInt(100)

type Input struct {
	TaxRate       decimal.Decimal
	Offers        []domain.Offer
	Discount      *domain.Discount
	PaymentMethod string
	Surcharges    domain.SurchargeTable
	// Categories maps product key to category; only category-scoped discounts read it.
	Categories map[string]string
}

func Price(cart domain.Cart, in Input) (domain.PricingResult, error) {
	if err := validateCart(cart); err != nil {
		return domain.PricingResult{}, err
	}
	if in.TaxRate.IsNegative() {
		return domain.PricingResult{}, apperr.Validation("tax rate must not be negative")
	}

	active := make([]domain.Offer, 0, len(in.Offers))
	for _, offer := range in.Offers {
		if !offer.Active {
			continue
		}
		if err := validateOffer(offer); err != nil {
			return domain.PricingResult{}, err
		}
		active = append(active, offer)
	}
	if in.Discount != nil {
		if err := validateDiscount(*in.Discount, cart, in.Categories); err != nil {
			return domain.PricingResult{}, err
		}
	}

	subtotal := cart.Subtotal()
	tax := subtotal.Mul(in.TaxRate)
	base := subtotal.Add(tax)

	result := domain.PricingResult{
		Subtotal:       subtotal,
		TaxRate:        in.TaxRate,
		TaxAmount:      tax,
		BaseTotal:      base,
		OfferDiscounts: make([]domain.OfferDiscount, 0, len(active)),
		PaymentMethod:  in.PaymentMethod,
	}

	offerTotal := decimal.Zero
	for _, offer := range active {
		amount := offerDiscount(offer, cart)
		if amount.IsZero() {
			continue
		}
		result.OfferDiscounts = append(result.OfferDiscounts, domain.OfferDiscount{
			OfferID: offer.ID,
			Kind:    offer.Kind,
			Amount:  amount,
		})
		offerTotal = offerTotal.Add(amount)
	}
	result.OfferDiscountTotal = offerTotal
	result.OfferAdjustedTotal = decimal.Max(base.Sub(offerTotal), decimal.Zero)

	result.DiscountAdjustedTotal = result.OfferAdjustedTotal
	if in.Discount != nil {
		amount := discountAmount(*in.Discount, result.OfferAdjustedTotal)
		result.DiscountID = in.Discount.ID
		result.DiscountAmount = amount
		result.DiscountAdjustedTotal = result.OfferAdjustedTotal.Sub(amount)
	}

	percent, known := in.Surcharges[in.PaymentMethod]
	if !known {
		percent = decimal.Zero
		result.UnknownPaymentMethod = true
	}
	if percent.IsNegative() {
		return domain.PricingResult{}, apperr.Validation("surcharge for %s must not be negative", in.PaymentMethod)
	}
	result.SurchargePercent = percent
	result.SurchargeAmount = result.DiscountAdjustedTotal.Mul(percent).Div(hundred)
	result.PayableTotal = result.DiscountAdjustedTotal.Add(result.SurchargeAmount)

	return result, nil
}

func validateCart(cart domain.Cart) error {
	if len(cart) == 0 {
		return apperr.Validation("cart is empty")
	}
	for key, line := range cart {
		if key == "" || key != line.ProductKey {
			return apperr.Validation("cart line key %q does not match product %q", key, line.ProductKey)
		}
		if line.Quantity < 1 {
			return apperr.Validation("quantity for %s must be at least 1", key)
		}
		if line.UnitPrice.IsNegative() {
			return apperr.Validation("unit price for %s must not be negative", key)
		}
	}
	return nil
}

func validateDiscount(discount domain.Discount, cart domain.Cart, categories map[string]string) error {
	if !discount.Active {
		return apperr.Validation("discount %s is not active", discount.ID)
	}
	if discount.Value.IsNegative() {
		return apperr.Validation("discount %s value must not be negative", discount.ID)
	}
	switch discount.Type {
	case domain.DiscountPercentage:
		if discount.Value.GreaterThan(hundred) {
			return apperr.Validation("discount %s percentage exceeds 100", discount.ID)
		}
	case domain.DiscountFixed:
	default:
		return apperr.Validation("discount %s has unknown type %q", discount.ID, discount.Type)
	}
	switch discount.Scope {
	case domain.ScopeAll, domain.ScopeProducts, domain.ScopeCategories, "":
	default:
		return apperr.Validation("discount %s has unknown scope %q", discount.ID, discount.Scope)
	}
	if !discountInScope(discount, cart, categories) {
		return apperr.Validation("discount %s does not apply to any product in the cart", discount.ID)
	}
	return nil
}

func discountInScope(discount domain.Discount, cart domain.Cart, categories map[string]string) bool {
	switch discount.Scope {
	case domain.ScopeAll, "":
		return true
	case domain.ScopeProducts:
		for _, key := range uniqueKeys(discount.ProductKeys) {
			if _, ok := cart[key]; ok {
				return true
			}
		}
	case domain.ScopeCategories:
		for key := range cart {
			category := categories[key]
			for _, allowed := range discount.Categories {
				if category != "" && strings.EqualFold(category, strings.TrimSpace(allowed)) {
					return true
				}
			}
		}
	}
	return false
}

// discountAmount never exceeds the total it applies to.
func discountAmount(discount domain.Discount, total decimal.Decimal) decimal.Decimal {
	var amount decimal.Decimal
	switch discount.Type {
	case domain.DiscountPercentage:
		amount = total.Mul(discount.Value).Div(hundred)
	case domain.DiscountFixed:
		amount = discount.Value
	}
	return decimal.Min(amount, total)
}
