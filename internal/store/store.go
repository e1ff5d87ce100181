package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kasirinaja/engine/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a duplicate key or a stale write.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks failures worth retrying: serialization failures,
	// deadlocks, dropped connections.
	ErrTransient = errors.New("transient storage failure")
	// ErrOverReturn reports a return that would push the cumulative returned
	// quantity of a product past what the transaction sold.
	ErrOverReturn = errors.New("returned quantity exceeds purchased quantity")
)

// CheckReturnable reports ErrOverReturn when adding lines to the already
// returned quantities would exceed what was purchased for any product.
func CheckReturnable(purchased, returned map[string]int, lines []domain.ReturnLine) error {
	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		requested[line.ProductKey] += line.Quantity
	}
	for key, qty := range requested {
		if returned[key]+qty > purchased[key] {
			return fmt.Errorf("%w: product %s: returning %d with %d already returned exceeds %d purchased",
				ErrOverReturn, key, qty, returned[key], purchased[key])
		}
	}
	return nil
}

type Catalog interface {
	GetProduct(ctx context.Context, key string) (*domain.Product, error)
}

type Promotions interface {
	ListActiveOffers(ctx context.Context) ([]domain.Offer, error)
	GetDiscount(ctx context.Context, id string) (*domain.Discount, error)
}

type Stock interface {
	GetStock(ctx context.Context, productKey string) (*domain.StockRecord, error)
	// ApplyAdjustment adds entry.Delta to the product's quantity and appends
	// the entry to the adjustment log in one atomic step, creating the record
	// with defaultThreshold when absent. An entry whose idempotency key was
	// already applied changes nothing and reports applied=false.
	ApplyAdjustment(ctx context.Context, entry domain.AdjustmentEntry, defaultThreshold int) (record domain.StockRecord, applied bool, err error)
	SetReorderThreshold(ctx context.Context, productKey string, threshold int, actor string, at time.Time) (domain.StockRecord, error)
	ListAdjustments(ctx context.Context, productKey string, limit int) ([]domain.AdjustmentEntry, error)
	ListStockAtOrBelowReorder(ctx context.Context, limit int) ([]domain.StockRecord, error)
}

type Sales interface {
	// CreateTransaction stores the transaction and its pending stock effect
	// together. A reused idempotency key yields ErrConflict.
	CreateTransaction(ctx context.Context, tx domain.Transaction, effect domain.StockEffect) (*domain.Transaction, error)
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	FindTransactionByIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
	// CreateReturn stores the return and its pending stock effect together.
	// The cumulative returned quantity is re-checked against the purchased
	// quantity in the same atomic step and an excess yields ErrOverReturn.
	CreateReturn(ctx context.Context, record domain.ReturnRecord, effect domain.StockEffect) (*domain.ReturnRecord, error)
	GetReturnedQtyByTransaction(ctx context.Context, transactionID string) (map[string]int, error)
	ListReturnsByTransaction(ctx context.Context, transactionID string) ([]domain.ReturnRecord, error)
}

type PurchaseOrders interface {
	CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error)
	GetPurchaseOrderByID(ctx context.Context, id string) (*domain.PurchaseOrder, error)
	// AppendReceipt appends one receipt and updates status and open lines.
	// expectedReceipts guards against a concurrent writer: a mismatch yields ErrConflict.
	AppendReceipt(ctx context.Context, id string, expectedReceipts int, receipt domain.Receipt, status domain.PurchaseOrderStatus, open []domain.ReceiptLine, effect domain.StockEffect) (*domain.PurchaseOrder, error)
	CancelPurchaseOrder(ctx context.Context, id string, by string, at time.Time) (*domain.PurchaseOrder, error)
}

type Effects interface {
	GetEffect(ctx context.Context, id string) (*domain.StockEffect, error)
	ListPendingEffects(ctx context.Context, limit int) ([]domain.StockEffect, error)
	MarkEffectApplied(ctx context.Context, id string, at time.Time) error
}

type Audit interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type Repository interface {
	Catalog
	Promotions
	Stock
	Sales
	PurchaseOrders
	Effects
	Audit
}
