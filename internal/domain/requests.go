package domain

import "github.com/shopspring/decimal"

type CartLineInput struct {
	ProductKey string `json:"product_key" validate:"required"`
	Quantity   int    `json:"quantity" validate:"gte=1"`
	Note       string `json:"note,omitempty" validate:"max=200"`
}

type QuoteRequest struct {
	Lines         []CartLineInput  `json:"lines" validate:"required,min=1,dive"`
	DiscountID    string           `json:"discount_id,omitempty"`
	PaymentMethod string           `json:"payment_method" validate:"required"`
	TaxRate       *decimal.Decimal `json:"tax_rate,omitempty"`
}

type QuoteResponse struct {
	Cart    []CartLine    `json:"cart"`
	Pricing PricingResult `json:"pricing"`
}

type SaleRequest struct {
	QuoteRequest
	AmountTendered decimal.Decimal `json:"amount_tendered"`
	ShiftID        *string         `json:"shift_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type SettleRequest struct {
	Cart           Cart            `json:"cart" validate:"required,min=1"`
	Pricing        PricingResult   `json:"pricing"`
	PaymentMethod  string          `json:"payment_method" validate:"required"`
	AmountTendered decimal.Decimal `json:"amount_tendered"`
	OperatorID     string          `json:"operator_id,omitempty"`
	ShiftID        *string         `json:"shift_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type SettleResponse struct {
	Transaction Transaction `json:"transaction"`
	Duplicate   bool        `json:"duplicate"`
}

type ReturnLineRequest struct {
	ProductKey string        `json:"product_key" validate:"required"`
	Quantity   int           `json:"quantity" validate:"gte=1"`
	Reason     ReturnReason  `json:"reason" validate:"required,oneof=defective wrong_item changed_mind damaged_in_transit expired other"`
	Condition  ItemCondition `json:"condition" validate:"required,oneof=resellable opened damaged defective"`
}

type ReturnRequest struct {
	OriginalTransactionID string              `json:"original_transaction_id" validate:"required"`
	Lines                 []ReturnLineRequest `json:"lines" validate:"required,min=1,dive"`
	RefundMethod          string              `json:"refund_method" validate:"required"`
	OperatorID            string              `json:"operator_id,omitempty"`
}

type PurchaseOrderLineRequest struct {
	ProductKey string          `json:"product_key" validate:"required"`
	Quantity   int             `json:"quantity" validate:"gte=1"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
}

type PurchaseOrderCreateRequest struct {
	SupplierID string                     `json:"supplier_id" validate:"required"`
	Lines      []PurchaseOrderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type ReceiveLineRequest struct {
	ProductKey       string `json:"product_key" validate:"required"`
	ReceivedQuantity int    `json:"received_quantity" validate:"gte=0"`
}

type ReceiveRequest struct {
	PurchaseOrderID string               `json:"purchase_order_id" validate:"required"`
	Lines           []ReceiveLineRequest `json:"lines" validate:"required,min=1,dive"`
	Notes           string               `json:"notes,omitempty" validate:"max=500"`
	MarkComplete    bool                 `json:"mark_complete"`
	OperatorID      string               `json:"operator_id,omitempty"`
}

type CancelPurchaseOrderRequest struct {
	ManagerPIN string `json:"manager_pin" validate:"required"`
	Reason     string `json:"reason,omitempty"`
}

type ManualAdjustmentRequest struct {
	Delta int    `json:"delta" validate:"ne=0"`
	Notes string `json:"notes" validate:"required,max=500"`
}

type ReorderThresholdRequest struct {
	Threshold int `json:"threshold" validate:"gte=0"`
}

type StockAlertResponse struct {
	Alerts []StockAlert `json:"alerts"`
}

type ReconcileResponse struct {
	Scanned int `json:"scanned"`
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
}
