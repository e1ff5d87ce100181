package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/engine/internal/apperr"
	"kasirinaja/engine/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cartOf(lines ...domain.CartLine) domain.Cart {
	cart := make(domain.Cart, len(lines))
	for _, line := range lines {
		cart[line.ProductKey] = line
	}
	return cart
}

func line(key string, price string, qty int) domain.CartLine {
	return domain.CartLine{ProductKey: key, UnitPrice: dec(price), Quantity: qty}
}

func TestPriceCreditCardScenario(t *testing.T) {
	cart := cartOf(line("A", "10", 3), line("B", "5", 1))

	result, err := Price(cart, Input{
		TaxRate:       dec("0.08"),
		PaymentMethod: "credit_card",
		Surcharges:    domain.SurchargeTable{"credit_card": dec("2")},
	})
	require.NoError(t, err)

	assert.True(t, result.Subtotal.Equal(dec("35")), "subtotal %s", result.Subtotal)
	assert.True(t, result.TaxAmount.Equal(dec("2.80")), "tax %s", result.TaxAmount)
	assert.True(t, result.BaseTotal.Equal(dec("37.80")), "base %s", result.BaseTotal)
	assert.True(t, result.OfferAdjustedTotal.Equal(dec("37.80")))
	assert.True(t, result.SurchargeAmount.Equal(dec("0.756")), "surcharge %s", result.SurchargeAmount)
	assert.True(t, result.PayableTotal.Equal(dec("38.556")), "payable %s", result.PayableTotal)
	assert.False(t, result.UnknownPaymentMethod)
}

func TestPriceBOGOBuyTwoGetOne(t *testing.T) {
	cart := cartOf(line("SODA", "10", 5))
	offer := domain.Offer{
		ID: "bogo-soda", Kind: domain.OfferBOGO, Active: true,
		BOGO: &domain.BOGOTerms{ProductKeys: []string{"soda"}, BuyQuantity: 2, GetQuantity: 1},
	}

	result, err := Price(cart, Input{Offers: []domain.Offer{offer}, PaymentMethod: "cash"})
	require.NoError(t, err)

	require.Len(t, result.OfferDiscounts, 1)
	assert.True(t, result.OfferDiscounts[0].Amount.Equal(dec("20")))
	assert.True(t, result.PayableTotal.Equal(dec("30")))
}

func TestPriceBOGOFreeUnitsCappedAtLineQuantity(t *testing.T) {
	cart := cartOf(line("SODA", "4", 1))
	offer := domain.Offer{
		ID: "b1g3", Kind: domain.OfferBOGO, Active: true,
		BOGO: &domain.BOGOTerms{ProductKeys: []string{"SODA"}, BuyQuantity: 1, GetQuantity: 3},
	}

	result, err := Price(cart, Input{Offers: []domain.Offer{offer}})
	require.NoError(t, err)
	assert.True(t, result.OfferDiscountTotal.Equal(dec("4")))
	assert.True(t, result.PayableTotal.IsZero())
}

func TestPriceBundleIsAllOrNothing(t *testing.T) {
	bundle := domain.Offer{
		ID: "breakfast", Kind: domain.OfferBundle, Active: true,
		Bundle: &domain.BundleTerms{ProductKeys: []string{"BREAD", "MILK", "EGGS"}, BundlePrice: dec("12")},
	}

	partial := cartOf(line("BREAD", "5", 1), line("MILK", "4", 1))
	result, err := Price(partial, Input{Offers: []domain.Offer{bundle}})
	require.NoError(t, err)
	assert.True(t, result.OfferDiscountTotal.IsZero())
	assert.Empty(t, result.OfferDiscounts)

	complete := cartOf(line("BREAD", "5", 1), line("MILK", "4", 1), line("EGGS", "6", 1))
	result, err = Price(complete, Input{Offers: []domain.Offer{bundle}})
	require.NoError(t, err)
	assert.True(t, result.OfferDiscountTotal.Equal(dec("3")))
}

func TestPriceBundleAboveMemberTotalGivesNoDiscount(t *testing.T) {
	bundle := domain.Offer{
		ID: "pricey", Kind: domain.OfferBundle, Active: true,
		Bundle: &domain.BundleTerms{ProductKeys: []string{"A", "B"}, BundlePrice: dec("50")},
	}
	result, err := Price(cartOf(line("A", "10", 1), line("B", "10", 1)), Input{Offers: []domain.Offer{bundle}})
	require.NoError(t, err)
	assert.True(t, result.OfferDiscountTotal.IsZero())
}

func TestPriceSpecialPrice(t *testing.T) {
	offer := domain.Offer{
		ID: "coffee-deal", Kind: domain.OfferSpecialPrice, Active: true,
		SpecialPrice: &domain.SpecialPriceTerms{ProductKey: "COFFEE", SpecialPrice: dec("2.50")},
	}
	result, err := Price(cartOf(line("COFFEE", "3.25", 4)), Input{Offers: []domain.Offer{offer}})
	require.NoError(t, err)
	assert.True(t, result.OfferDiscountTotal.Equal(dec("3")))
}

func TestPriceOffersAreOrderIndependent(t *testing.T) {
	cart := cartOf(line("A", "10", 4), line("B", "6", 2))
	offers := []domain.Offer{
		{ID: "o1", Kind: domain.OfferBOGO, Active: true, BOGO: &domain.BOGOTerms{ProductKeys: []string{"A"}, BuyQuantity: 2, GetQuantity: 1}},
		{ID: "o2", Kind: domain.OfferSpecialPrice, Active: true, SpecialPrice: &domain.SpecialPriceTerms{ProductKey: "A", SpecialPrice: dec("8")}},
		{ID: "o3", Kind: domain.OfferBundle, Active: true, Bundle: &domain.BundleTerms{ProductKeys: []string{"A", "B"}, BundlePrice: dec("40")}},
	}
	reversed := []domain.Offer{offers[2], offers[1], offers[0]}

	forward, err := Price(cart, Input{Offers: offers})
	require.NoError(t, err)
	backward, err := Price(cart, Input{Offers: reversed})
	require.NoError(t, err)

	assert.True(t, forward.OfferDiscountTotal.Equal(backward.OfferDiscountTotal))
	assert.True(t, forward.PayableTotal.Equal(backward.PayableTotal))
}

func TestPricePayableNeverNegative(t *testing.T) {
	cart := cartOf(line("A", "10", 2), line("B", "5", 1))
	offers := []domain.Offer{
		{ID: "free-a", Kind: domain.OfferSpecialPrice, Active: true, SpecialPrice: &domain.SpecialPriceTerms{ProductKey: "A", SpecialPrice: dec("0")}},
		{ID: "free-b", Kind: domain.OfferSpecialPrice, Active: true, SpecialPrice: &domain.SpecialPriceTerms{ProductKey: "B", SpecialPrice: dec("0")}},
		{ID: "bogo-a", Kind: domain.OfferBOGO, Active: true, BOGO: &domain.BOGOTerms{ProductKeys: []string{"A"}, BuyQuantity: 1, GetQuantity: 1}},
	}
	fixed := &domain.Discount{ID: "d1", Type: domain.DiscountFixed, Value: dec("100"), Scope: domain.ScopeAll, Active: true}

	result, err := Price(cart, Input{
		Offers:        offers,
		Discount:      fixed,
		PaymentMethod: "credit_card",
		Surcharges:    domain.SurchargeTable{"credit_card": dec("3")},
	})
	require.NoError(t, err)

	assert.True(t, result.OfferAdjustedTotal.IsZero())
	assert.True(t, result.DiscountAmount.IsZero())
	assert.False(t, result.PayableTotal.IsNegative())
	assert.True(t, result.PayableTotal.IsZero())
}

func TestPriceOfferClampAppliesOnceAfterAllOffers(t *testing.T) {
	cart := cartOf(line("A", "10", 1))
	offers := []domain.Offer{
		{ID: "x", Kind: domain.OfferSpecialPrice, Active: true, SpecialPrice: &domain.SpecialPriceTerms{ProductKey: "A", SpecialPrice: dec("0")}},
		{ID: "y", Kind: domain.OfferBOGO, Active: true, BOGO: &domain.BOGOTerms{ProductKeys: []string{"A"}, BuyQuantity: 1, GetQuantity: 1}},
	}
	result, err := Price(cart, Input{TaxRate: dec("0.1"), Offers: offers})
	require.NoError(t, err)

	assert.True(t, result.OfferDiscountTotal.Equal(dec("20")))
	assert.True(t, result.OfferAdjustedTotal.IsZero())
}

func TestPriceInactiveOfferIgnored(t *testing.T) {
	offer := domain.Offer{
		ID: "off", Kind: domain.OfferBOGO, Active: false,
		BOGO: &domain.BOGOTerms{ProductKeys: []string{"A"}, BuyQuantity: 0, GetQuantity: 1},
	}
	result, err := Price(cartOf(line("A", "10", 4)), Input{Offers: []domain.Offer{offer}})
	require.NoError(t, err)
	assert.True(t, result.PayableTotal.Equal(dec("40")))
}

func TestPricePercentageDiscount(t *testing.T) {
	discount := &domain.Discount{ID: "ten", Type: domain.DiscountPercentage, Value: dec("10"), Scope: domain.ScopeAll, Active: true}
	result, err := Price(cartOf(line("A", "50", 2)), Input{TaxRate: dec("0.1"), Discount: discount})
	require.NoError(t, err)

	assert.Equal(t, "ten", result.DiscountID)
	assert.True(t, result.DiscountAmount.Equal(dec("11")))
	assert.True(t, result.DiscountAdjustedTotal.Equal(dec("99")))
}

func TestPriceDiscountScopes(t *testing.T) {
	cart := cartOf(line("MILK-1L", "2", 1), line("SOAP", "3", 1))
	categories := map[string]string{"MILK-1L": "dairy", "SOAP": "household"}

	byCategory := &domain.Discount{ID: "dairy", Type: domain.DiscountFixed, Value: dec("1"), Scope: domain.ScopeCategories, Categories: []string{"Dairy"}, Active: true}
	_, err := Price(cart, Input{Discount: byCategory, Categories: categories})
	require.NoError(t, err)

	byProduct := &domain.Discount{ID: "bread", Type: domain.DiscountFixed, Value: dec("1"), Scope: domain.ScopeProducts, ProductKeys: []string{"BREAD"}, Active: true}
	_, err = Price(cart, Input{Discount: byProduct})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestPriceUnknownPaymentMethodHasNoSurcharge(t *testing.T) {
	result, err := Price(cartOf(line("A", "10", 1)), Input{
		PaymentMethod: "voucher",
		Surcharges:    domain.SurchargeTable{"credit_card": dec("2")},
	})
	require.NoError(t, err)
	assert.True(t, result.UnknownPaymentMethod)
	assert.True(t, result.SurchargeAmount.IsZero())
	assert.True(t, result.PayableTotal.Equal(dec("10")))
}

func TestPriceValidation(t *testing.T) {
	cases := map[string]struct {
		cart domain.Cart
		in   Input
	}{
		"empty cart":        {cart: domain.Cart{}},
		"zero quantity":     {cart: cartOf(line("A", "1", 0))},
		"negative price":    {cart: cartOf(line("A", "-1", 1))},
		"negative tax":      {cart: cartOf(line("A", "1", 1)), in: Input{TaxRate: dec("-0.1")}},
		"mismatched key":    {cart: domain.Cart{"A": line("B", "1", 1)}},
		"oversized bundle":  {cart: cartOf(line("A", "1", 1)), in: Input{Offers: []domain.Offer{{ID: "big", Kind: domain.OfferBundle, Active: true, Bundle: &domain.BundleTerms{ProductKeys: []string{"A", "B", "C", "D", "E", "F"}}}}}},
		"bogo missing":      {cart: cartOf(line("A", "1", 1)), in: Input{Offers: []domain.Offer{{ID: "x", Kind: domain.OfferBOGO, Active: true}}}},
		"inactive discount": {cart: cartOf(line("A", "1", 1)), in: Input{Discount: &domain.Discount{ID: "d", Type: domain.DiscountFixed, Value: dec("1"), Scope: domain.ScopeAll}}},
		"negative surcharge": {cart: cartOf(line("A", "1", 1)), in: Input{
			PaymentMethod: "debit", Surcharges: domain.SurchargeTable{"debit": dec("-1")},
		}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Price(tc.cart, tc.in)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation), err.Error())
		})
	}
}
