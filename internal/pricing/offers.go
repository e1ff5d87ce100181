package pricing

import (
	"github.com/shopspring/decimal"

	"kasirinaja/engine/internal/apperr"
	"kasirinaja/engine/internal/domain"
)

// offerDiscount evaluates one offer against the original cart. It never looks
// at the result of another offer.
func offerDiscount(offer domain.Offer, cart domain.Cart) decimal.Decimal {
	switch offer.Kind {
	case domain.OfferBOGO:
		return bogoDiscount(*offer.BOGO, cart)
	case domain.OfferBundle:
		return bundleDiscount(*offer.Bundle, cart)
	case domain.OfferSpecialPrice:
		return specialPriceDiscount(*offer.SpecialPrice, cart)
	}
	return decimal.Zero
}

func bogoDiscount(terms domain.BOGOTerms, cart domain.Cart) decimal.Decimal {
	total := decimal.Zero
	for _, key := range uniqueKeys(terms.ProductKeys) {
		line, ok := cart[key]
		if !ok || line.Quantity < terms.BuyQuantity {
			continue
		}
		free := (line.Quantity / terms.BuyQuantity) * terms.GetQuantity
		if free > line.Quantity {
			free = line.Quantity
		}
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(free))))
	}
	return total
}

// bundleDiscount is all-or-nothing: a single missing member voids the bundle.
func bundleDiscount(terms domain.BundleTerms, cart domain.Cart) decimal.Decimal {
	members := decimal.Zero
	for _, key := range uniqueKeys(terms.ProductKeys) {
		line, ok := cart[key]
		if !ok {
			return decimal.Zero
		}
		members = members.Add(line.Total())
	}
	discount := members.Sub(terms.BundlePrice)
	if discount.IsNegative() {
		return decimal.Zero
	}
	return discount
}

func specialPriceDiscount(terms domain.SpecialPriceTerms, cart domain.Cart) decimal.Decimal {
	line, ok := cart[domain.NormalizeKey(terms.ProductKey)]
	if !ok {
		return decimal.Zero
	}
	perUnit := line.UnitPrice.Sub(terms.SpecialPrice)
	if !perUnit.IsPositive() {
		return decimal.Zero
	}
	return perUnit.Mul(decimal.NewFromInt(int64(line.Quantity)))
}

func validateOffer(offer domain.Offer) error {
	switch offer.Kind {
	case domain.OfferBOGO:
		terms := offer.BOGO
		if terms == nil {
			return apperr.Validation("offer %s: bogo terms required", offer.ID)
		}
		if len(uniqueKeys(terms.ProductKeys)) == 0 {
			return apperr.Validation("offer %s: bogo needs at least one product", offer.ID)
		}
		if terms.BuyQuantity < 1 || terms.GetQuantity < 1 {
			return apperr.Validation("offer %s: buy and get quantities must be at least 1", offer.ID)
		}
	case domain.OfferBundle:
		terms := offer.Bundle
		if terms == nil {
			return apperr.Validation("offer %s: bundle terms required", offer.ID)
		}
		members := len(uniqueKeys(terms.ProductKeys))
		if members == 0 || members > domain.MaxBundleMembers {
			return apperr.Validation("offer %s: bundle needs 1 to %d products, got %d", offer.ID, domain.MaxBundleMembers, members)
		}
		if terms.BundlePrice.IsNegative() {
			return apperr.Validation("offer %s: bundle price must not be negative", offer.ID)
		}
	case domain.OfferSpecialPrice:
		terms := offer.SpecialPrice
		if terms == nil {
			return apperr.Validation("offer %s: special price terms required", offer.ID)
		}
		if domain.NormalizeKey(terms.ProductKey) == "" {
			return apperr.Validation("offer %s: special price needs a product", offer.ID)
		}
		if terms.SpecialPrice.IsNegative() {
			return apperr.Validation("offer %s: special price must not be negative", offer.ID)
		}
	default:
		return apperr.Validation("offer %s: unknown kind %q", offer.ID, offer.Kind)
	}
	return nil
}

func uniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = domain.NormalizeKey(key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
