package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	Key         string          `json:"key"`
	Name        string          `json:"name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Category    string          `json:"category"`
	Subcategory string          `json:"subcategory,omitempty"`
	Brand       string          `json:"brand,omitempty"`
	Active      bool            `json:"active"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type CartLine struct {
	ProductKey string          `json:"product_key"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
	Note       string          `json:"note,omitempty"`
}

func (l CartLine) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart maps a normalized product key to its line. A product appears at most once.
type Cart map[string]CartLine

// Lines returns the cart lines ordered by product key.
func (c Cart) Lines() []CartLine {
	lines := make([]CartLine, 0, len(c))
	for _, line := range c {
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].ProductKey < lines[j].ProductKey
	})
	return lines
}

func (c Cart) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, line := range c {
		total = total.Add(line.Total())
	}
	return total
}

type OfferKind string

type BOGOTerms struct {
	ProductKeys []string `json:"product_keys"`
	BuyQuantity int      `json:"buy_quantity"`
	GetQuantity int      `json:"get_quantity"`
}

type BundleTerms struct {
	ProductKeys []string        `json:"product_keys"`
	BundlePrice decimal.Decimal `json:"bundle_price"`
}

type SpecialPriceTerms struct {
	ProductKey   string          `json:"product_key"`
	SpecialPrice decimal.Decimal `json:"special_price"`
}

// Offer is a promotional rule. Exactly one of the terms matching Kind is set.
type Offer struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Kind         OfferKind          `json:"kind"`
	Active       bool               `json:"active"`
	BOGO         *BOGOTerms         `json:"bogo,omitempty"`
	Bundle       *BundleTerms       `json:"bundle,omitempty"`
	SpecialPrice *SpecialPriceTerms `json:"special_price,omitempty"`
}

type DiscountType string

type DiscountScope string

type Discount struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        DiscountType    `json:"type"`
	Value       decimal.Decimal `json:"value"`
	Scope       DiscountScope   `json:"scope"`
	Categories  []string        `json:"categories,omitempty"`
	ProductKeys []string        `json:"product_keys,omitempty"`
	Active      bool            `json:"active"`
}

// SurchargeTable maps a payment method to a surcharge percentage.
type SurchargeTable map[string]decimal.Decimal

type OfferDiscount struct {
	OfferID string          `json:"offer_id"`
	Kind    OfferKind       `json:"kind"`
	Amount  decimal.Decimal `json:"amount"`
}

type PricingResult struct {
	Subtotal              decimal.Decimal `json:"subtotal"`
	TaxRate               decimal.Decimal `json:"tax_rate"`
	TaxAmount             decimal.Decimal `json:"tax_amount"`
	BaseTotal             decimal.Decimal `json:"base_total"`
	OfferDiscounts        []OfferDiscount `json:"offer_discounts"`
	OfferDiscountTotal    decimal.Decimal `json:"offer_discount_total"`
	OfferAdjustedTotal    decimal.Decimal `json:"offer_adjusted_total"`
	DiscountID            string          `json:"discount_id,omitempty"`
	DiscountAmount        decimal.Decimal `json:"discount_amount"`
	DiscountAdjustedTotal decimal.Decimal `json:"discount_adjusted_total"`
	PaymentMethod         string          `json:"payment_method"`
	SurchargePercent      decimal.Decimal `json:"surcharge_percent"`
	SurchargeAmount       decimal.Decimal `json:"surcharge_amount"`
	PayableTotal          decimal.Decimal `json:"payable_total"`
	UnknownPaymentMethod  bool            `json:"unknown_payment_method,omitempty"`
}

type TransactionLine struct {
	ProductKey string          `json:"product_key"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
	Note       string          `json:"note,omitempty"`
}

type Transaction struct {
	ID                string            `json:"id"`
	CreatedAt         time.Time         `json:"created_at"`
	Lines             []TransactionLine `json:"lines"`
	Pricing           PricingResult     `json:"pricing"`
	PaymentMethod     string            `json:"payment_method"`
	AmountTendered    decimal.Decimal   `json:"amount_tendered"`
	Change            decimal.Decimal   `json:"change"`
	OperatorID        string            `json:"operator_id"`
	ShiftID           *string           `json:"shift_id,omitempty"`
	IdempotencyKey    string            `json:"idempotency_key"`
	StockEffectID     string            `json:"stock_effect_id"`
	StockEffectStatus EffectStatus      `json:"stock_effect_status"`
}

// PurchasedQuantities sums line quantities per product key.
func (t Transaction) PurchasedQuantities() map[string]int {
	qty := make(map[string]int, len(t.Lines))
	for _, line := range t.Lines {
		qty[line.ProductKey] += line.Quantity
	}
	return qty
}

func (t Transaction) UnitPrice(productKey string) (decimal.Decimal, bool) {
	for _, line := range t.Lines {
		if line.ProductKey == productKey {
			return line.UnitPrice, true
		}
	}
	return decimal.Zero, false
}

type ReturnReason string

type ItemCondition string

type ReturnStatus string

type ReturnLine struct {
	ProductKey string          `json:"product_key"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Reason     ReturnReason    `json:"reason"`
	Condition  ItemCondition   `json:"condition"`
}

type ReturnRecord struct {
	ID                    string          `json:"id"`
	OriginalTransactionID string          `json:"original_transaction_id"`
	Lines                 []ReturnLine    `json:"lines"`
	SubtotalRefund        decimal.Decimal `json:"subtotal_refund"`
	TaxRefund             decimal.Decimal `json:"tax_refund"`
	TotalRefund           decimal.Decimal `json:"total_refund"`
	RefundMethod          string          `json:"refund_method"`
	Status                ReturnStatus    `json:"status"`
	OperatorID            string          `json:"operator_id"`
	CreatedAt             time.Time       `json:"created_at"`
	StockEffectID         string          `json:"stock_effect_id"`
	StockEffectStatus     EffectStatus    `json:"stock_effect_status"`
}

type PurchaseOrderStatus string

type PurchaseOrderLine struct {
	ProductKey string          `json:"product_key"`
	Quantity   int             `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
}

type ReceiptLine struct {
	ProductKey string `json:"product_key"`
	Quantity   int    `json:"quantity"`
}

// Receipt is one receiving event against a purchase order. Receipts are append-only.
type Receipt struct {
	ID                string        `json:"id"`
	ReceivedAt        time.Time     `json:"received_at"`
	Operator          string        `json:"operator"`
	Lines             []ReceiptLine `json:"lines"`
	Notes             string        `json:"notes,omitempty"`
	MarkComplete      bool          `json:"mark_complete"`
	StockEffectID     string        `json:"stock_effect_id"`
	StockEffectStatus EffectStatus  `json:"stock_effect_status"`
}

type PurchaseOrder struct {
	ID           string              `json:"id"`
	SupplierID   string              `json:"supplier_id"`
	Status       PurchaseOrderStatus `json:"status"`
	Lines        []PurchaseOrderLine `json:"lines"`
	OrderedTotal decimal.Decimal     `json:"ordered_total"`
	Receipts     []Receipt           `json:"receipts"`
	OpenLines    []ReceiptLine       `json:"open_lines"`
	CreatedBy    string              `json:"created_by"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	CancelledBy  string              `json:"cancelled_by,omitempty"`
	CancelledAt  *time.Time          `json:"cancelled_at,omitempty"`
}

func (po PurchaseOrder) OrderedQuantities() map[string]int {
	qty := make(map[string]int, len(po.Lines))
	for _, line := range po.Lines {
		qty[line.ProductKey] += line.Quantity
	}
	return qty
}

// ReceivedQuantities sums every receipt in the log per product key.
func (po PurchaseOrder) ReceivedQuantities() map[string]int {
	qty := make(map[string]int, len(po.Lines))
	for _, receipt := range po.Receipts {
		for _, line := range receipt.Lines {
			qty[line.ProductKey] += line.Quantity
		}
	}
	return qty
}

// RemainingLines returns ordered minus received for every line still open,
// ordered by product key. Fully received lines are dropped.
func (po PurchaseOrder) RemainingLines() []ReceiptLine {
	received := po.ReceivedQuantities()
	ordered := po.OrderedQuantities()
	open := make([]ReceiptLine, 0, len(ordered))
	for key, qty := range ordered {
		if remaining := qty - received[key]; remaining > 0 {
			open = append(open, ReceiptLine{ProductKey: key, Quantity: remaining})
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].ProductKey < open[j].ProductKey
	})
	return open
}

type StockRecord struct {
	ProductKey       string    `json:"product_key"`
	Quantity         int       `json:"quantity"`
	ReorderThreshold int       `json:"reorder_threshold"`
	UpdatedAt        time.Time `json:"updated_at"`
	UpdatedBy        string    `json:"updated_by,omitempty"`
}

func (r StockRecord) Negative() bool {
	return r.Quantity < 0
}

func (r StockRecord) BelowReorder() bool {
	return r.Quantity <= r.ReorderThreshold
}

type AdjustmentReason string

func (r AdjustmentReason) Valid() bool {
	switch r {
	case AdjustmentSale, AdjustmentReturn, AdjustmentPOReceipt, AdjustmentManual:
		return true
	}
	return false
}

type AdjustmentEntry struct {
	ID             string           `json:"id"`
	ProductKey     string           `json:"product_key"`
	Delta          int              `json:"delta"`
	QuantityBefore int              `json:"quantity_before"`
	QuantityAfter  int              `json:"quantity_after"`
	Reason         AdjustmentReason `json:"reason"`
	Actor          string           `json:"actor"`
	Reference      string           `json:"reference,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

type EffectStatus string

type EffectSource string

type EffectLine struct {
	ProductKey string `json:"product_key"`
	Delta      int    `json:"delta"`
}

// StockEffect records the ledger mutations owed by a sale, return or receipt.
// It is written together with its source document and applied afterwards.
type StockEffect struct {
	ID        string           `json:"id"`
	Source    EffectSource     `json:"source"`
	SourceID  string           `json:"source_id"`
	Reason    AdjustmentReason `json:"reason"`
	Actor     string           `json:"actor"`
	Lines     []EffectLine     `json:"lines"`
	Status    EffectStatus     `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	AppliedAt *time.Time       `json:"applied_at,omitempty"`
}

// AdjustmentKey is the idempotency key of the ledger adjustment for one line.
func (e StockEffect) AdjustmentKey(productKey string) string {
	return e.ID + ":" + productKey
}

type StockAlert struct {
	ProductKey       string    `json:"product_key"`
	Kind             string    `json:"kind"`
	Quantity         int       `json:"quantity"`
	ReorderThreshold int       `json:"reorder_threshold"`
	At               time.Time `json:"at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// NormalizeKey upper-cases and trims a product key.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

const (
	OfferBOGO         OfferKind = "bogo"
	OfferBundle       OfferKind = "bundle"
	OfferSpecialPrice OfferKind = "special_price"
)

const MaxBundleMembers = 5

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

const (
	ScopeAll        DiscountScope = "all"
	ScopeCategories DiscountScope = "categories"
	ScopeProducts   DiscountScope = "products"
)

const (
	ReturnCompleted       ReturnStatus = "completed"
	ReturnPendingExchange ReturnStatus = "pending_exchange"
)

const (
	ReasonDefective     ReturnReason = "defective"
	ReasonWrongItem     ReturnReason = "wrong_item"
	ReasonChangedMind   ReturnReason = "changed_mind"
	ReasonDamaged       ReturnReason = "damaged_in_transit"
	ReasonExpired       ReturnReason = "expired"
	ReasonOther         ReturnReason = "other"
	ConditionResellable ItemCondition = "resellable"
	ConditionOpened     ItemCondition = "opened"
	ConditionDamaged    ItemCondition = "damaged"
	ConditionDefective  ItemCondition = "defective"
)

const RefundMethodExchange = "exchange"

const (
	POPending           PurchaseOrderStatus = "pending"
	POPartiallyReceived PurchaseOrderStatus = "partially_received"
	POReceived          PurchaseOrderStatus = "received"
	POCancelled         PurchaseOrderStatus = "cancelled"
)

const (
	AdjustmentSale      AdjustmentReason = "sale"
	AdjustmentReturn    AdjustmentReason = "return"
	AdjustmentPOReceipt AdjustmentReason = "po_receipt"
	AdjustmentManual    AdjustmentReason = "manual"
)

const (
	EffectPending EffectStatus = "pending"
	EffectApplied EffectStatus = "applied"
)

const (
	SourceSale      EffectSource = "sale"
	SourceReturn    EffectSource = "return"
	SourcePOReceipt EffectSource = "po_receipt"
)

const (
	AlertNegative     = "negative_stock"
	AlertBelowReorder = "below_reorder"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)
