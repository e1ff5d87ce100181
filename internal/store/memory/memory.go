package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/engine/internal/domain"
	"kasirinaja/engine/internal/store"
	"kasirinaja/engine/internal/xid"
)

// stockCell holds one product's ledger state behind its own mutex, so
// adjustments to different products never contend.
type stockCell struct {
	mu          sync.Mutex
	record      domain.StockRecord
	exists      bool
	adjustments []domain.AdjustmentEntry
	applied     map[string]struct{}
}

type Store struct {
	mu                 sync.RWMutex
	products           map[string]domain.Product
	offers             map[string]domain.Offer
	discounts          map[string]domain.Discount
	transactionsByID   map[string]domain.Transaction
	transactionsByIdem map[string]string
	returnsByID        map[string]domain.ReturnRecord
	returnsByTx        map[string][]string
	purchaseOrdersByID map[string]domain.PurchaseOrder
	effectsByID        map[string]domain.StockEffect
	auditLogs          []domain.AuditLog

	stockMu sync.RWMutex
	stock   map[string]*stockCell
}

func New() *Store {
	return &Store{
		products:           make(map[string]domain.Product),
		offers:             make(map[string]domain.Offer),
		discounts:          make(map[string]domain.Discount),
		transactionsByID:   make(map[string]domain.Transaction),
		transactionsByIdem: make(map[string]string),
		returnsByID:        make(map[string]domain.ReturnRecord),
		returnsByTx:        make(map[string][]string),
		purchaseOrdersByID: make(map[string]domain.PurchaseOrder),
		effectsByID:        make(map[string]domain.StockEffect),
		auditLogs:          make([]domain.AuditLog, 0, 128),
		stock:              make(map[string]*stockCell),
	}
}

// NewSeeded returns a store with a small demo catalog, promotions and
// opening stock for local runs without Postgres.
func NewSeeded() *Store {
	s := New()
	products := []domain.Product{
		{Key: "SKU-MIE-01", Name: "Mie Goreng Instan", Category: "grocery", UnitPrice: decimal.RequireFromString("3.50"), UnitCost: decimal.RequireFromString("2.70"), Active: true},
		{Key: "SKU-TELUR-01", Name: "Telur 10 Butir", Category: "grocery", UnitPrice: decimal.RequireFromString("26.50"), UnitCost: decimal.RequireFromString("23.00"), Active: true},
		{Key: "SKU-SUSU-01", Name: "Susu UHT 1L", Category: "dairy", UnitPrice: decimal.RequireFromString("18.90"), UnitCost: decimal.RequireFromString("13.60"), Active: true},
		{Key: "SKU-ROTI-01", Name: "Roti Tawar", Category: "bakery", UnitPrice: decimal.RequireFromString("17.80"), UnitCost: decimal.RequireFromString("12.45"), Active: true},
		{Key: "SKU-KOPI-01", Name: "Kopi Sachet", Category: "beverage", UnitPrice: decimal.RequireFromString("2.60"), UnitCost: decimal.RequireFromString("1.70"), Active: true},
		{Key: "SKU-GULA-01", Name: "Gula 1kg", Category: "grocery", UnitPrice: decimal.RequireFromString("17.40"), UnitCost: decimal.RequireFromString("15.30"), Active: true},
		{Key: "SKU-TEH-01", Name: "Teh Celup", Category: "beverage", UnitPrice: decimal.RequireFromString("9.80"), UnitCost: decimal.RequireFromString("7.25"), Active: true},
		{Key: "SKU-SABUN-01", Name: "Sabun Mandi", Category: "household", UnitPrice: decimal.RequireFromString("7.40"), UnitCost: decimal.RequireFromString("5.00"), Active: true},
	}
	for _, p := range products {
		s.products[p.Key] = p
		s.stock[p.Key] = &stockCell{
			record:  domain.StockRecord{ProductKey: p.Key, Quantity: 120, ReorderThreshold: 30, UpdatedAt: time.Now().UTC(), UpdatedBy: "seed"},
			exists:  true,
			applied: make(map[string]struct{}),
		}
	}
	s.offers["bogo-kopi"] = domain.Offer{
		ID: "bogo-kopi", Name: "Kopi beli 2 gratis 1", Kind: domain.OfferBOGO, Active: true,
		BOGO: &domain.BOGOTerms{ProductKeys: []string{"SKU-KOPI-01"}, BuyQuantity: 2, GetQuantity: 1},
	}
	s.offers["sarapan"] = domain.Offer{
		ID: "sarapan", Name: "Paket Sarapan", Kind: domain.OfferBundle, Active: true,
		Bundle: &domain.BundleTerms{ProductKeys: []string{"SKU-ROTI-01", "SKU-SUSU-01"}, BundlePrice: decimal.RequireFromString("33.00")},
	}
	s.discounts["member-5"] = domain.Discount{
		ID: "member-5", Name: "Member 5%", Type: domain.DiscountPercentage, Value: decimal.NewFromInt(5), Scope: domain.ScopeAll, Active: true,
	}
	return s
}

func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	product.Key = domain.NormalizeKey(product.Key)
	s.products[product.Key] = product
}

func (s *Store) PutOffer(offer domain.Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[offer.ID] = offer
}

func (s *Store) PutDiscount(discount domain.Discount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discounts[discount.ID] = discount
}

func (s *Store) GetProduct(_ context.Context, key string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	product, ok := s.products[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) ListActiveOffers(_ context.Context) ([]domain.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offers := make([]domain.Offer, 0, len(s.offers))
	for _, offer := range s.offers {
		if offer.Active {
			offers = append(offers, offer)
		}
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].ID < offers[j].ID })
	return offers, nil
}

func (s *Store) GetDiscount(_ context.Context, id string) (*domain.Discount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	discount, ok := s.discounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &discount, nil
}

func (s *Store) cell(productKey string) *stockCell {
	s.stockMu.RLock()
	c, ok := s.stock[productKey]
	s.stockMu.RUnlock()
	if ok {
		return c
	}

	s.stockMu.Lock()
	defer s.stockMu.Unlock()
	if c, ok := s.stock[productKey]; ok {
		return c
	}
	c = &stockCell{applied: make(map[string]struct{})}
	s.stock[productKey] = c
	return c
}

func (s *Store) GetStock(_ context.Context, productKey string) (*domain.StockRecord, error) {
	s.stockMu.RLock()
	c, ok := s.stock[productKey]
	s.stockMu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exists {
		return nil, store.ErrNotFound
	}
	record := c.record
	return &record, nil
}

func (s *Store) ApplyAdjustment(_ context.Context, entry domain.AdjustmentEntry, defaultThreshold int) (domain.StockRecord, bool, error) {
	c := s.cell(entry.ProductKey)
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.IdempotencyKey != "" {
		if _, done := c.applied[entry.IdempotencyKey]; done {
			return c.record, false, nil
		}
	}
	if !c.exists {
		c.record = domain.StockRecord{ProductKey: entry.ProductKey, ReorderThreshold: defaultThreshold}
		c.exists = true
	}

	entry.QuantityBefore = c.record.Quantity
	entry.QuantityAfter = c.record.Quantity + entry.Delta
	c.record.Quantity = entry.QuantityAfter
	c.record.UpdatedAt = entry.CreatedAt
	c.record.UpdatedBy = entry.Actor
	c.adjustments = append(c.adjustments, entry)
	if entry.IdempotencyKey != "" {
		c.applied[entry.IdempotencyKey] = struct{}{}
	}
	return c.record, true, nil
}

func (s *Store) SetReorderThreshold(_ context.Context, productKey string, threshold int, actor string, at time.Time) (domain.StockRecord, error) {
	c := s.cell(productKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exists {
		c.record = domain.StockRecord{ProductKey: productKey}
		c.exists = true
	}
	c.record.ReorderThreshold = threshold
	c.record.UpdatedAt = at
	c.record.UpdatedBy = actor
	return c.record, nil
}

func (s *Store) ListAdjustments(_ context.Context, productKey string, limit int) ([]domain.AdjustmentEntry, error) {
	s.stockMu.RLock()
	c, ok := s.stock[productKey]
	s.stockMu.RUnlock()
	if !ok {
		return []domain.AdjustmentEntry{}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]domain.AdjustmentEntry, 0, min(limit, len(c.adjustments)))
	for i := len(c.adjustments) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, c.adjustments[i])
	}
	return result, nil
}

func (s *Store) ListStockAtOrBelowReorder(_ context.Context, limit int) ([]domain.StockRecord, error) {
	s.stockMu.RLock()
	cells := make([]*stockCell, 0, len(s.stock))
	for _, c := range s.stock {
		cells = append(cells, c)
	}
	s.stockMu.RUnlock()

	records := make([]domain.StockRecord, 0, 16)
	for _, c := range cells {
		c.mu.Lock()
		if c.exists && c.record.BelowReorder() {
			records = append(records, c.record)
		}
		c.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Quantity != records[j].Quantity {
			return records[i].Quantity < records[j].Quantity
		}
		return records[i].ProductKey < records[j].ProductKey
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction, effect domain.StockEffect) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transactionsByID[tx.ID]; exists {
		return nil, store.ErrConflict
	}
	if tx.IdempotencyKey != "" {
		if _, exists := s.transactionsByIdem[tx.IdempotencyKey]; exists {
			return nil, store.ErrConflict
		}
		s.transactionsByIdem[tx.IdempotencyKey] = tx.ID
	}
	tx.Lines = slices.Clone(tx.Lines)
	s.transactionsByID[tx.ID] = tx
	s.effectsByID[effect.ID] = cloneEffect(effect)

	created := s.transactionWithStatus(tx)
	return &created, nil
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := s.transactionWithStatus(tx)
	return &found, nil
}

func (s *Store) FindTransactionByIdempotency(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.transactionsByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := s.transactionWithStatus(s.transactionsByID[id])
	return &found, nil
}

func (s *Store) CreateReturn(_ context.Context, record domain.ReturnRecord, effect domain.StockEffect) (*domain.ReturnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.transactionsByID[record.OriginalTransactionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if _, exists := s.returnsByID[record.ID]; exists {
		return nil, store.ErrConflict
	}
	returned := make(map[string]int)
	for _, id := range s.returnsByTx[record.OriginalTransactionID] {
		for _, line := range s.returnsByID[id].Lines {
			returned[line.ProductKey] += line.Quantity
		}
	}
	if err := store.CheckReturnable(original.PurchasedQuantities(), returned, record.Lines); err != nil {
		return nil, err
	}
	record.Lines = slices.Clone(record.Lines)
	s.returnsByID[record.ID] = record
	s.returnsByTx[record.OriginalTransactionID] = append(s.returnsByTx[record.OriginalTransactionID], record.ID)
	s.effectsByID[effect.ID] = cloneEffect(effect)

	created := s.returnWithStatus(record)
	return &created, nil
}

func (s *Store) GetReturnedQtyByTransaction(_ context.Context, transactionID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]int)
	for _, id := range s.returnsByTx[transactionID] {
		for _, line := range s.returnsByID[id].Lines {
			result[line.ProductKey] += line.Quantity
		}
	}
	return result, nil
}

func (s *Store) ListReturnsByTransaction(_ context.Context, transactionID string) ([]domain.ReturnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]domain.ReturnRecord, 0, len(s.returnsByTx[transactionID]))
	for _, id := range s.returnsByTx[transactionID] {
		records = append(records, s.returnWithStatus(s.returnsByID[id]))
	}
	return records, nil
}

func (s *Store) CreatePurchaseOrder(_ context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.purchaseOrdersByID[po.ID]; exists {
		return nil, store.ErrConflict
	}
	s.purchaseOrdersByID[po.ID] = clonePurchaseOrder(po)
	created := s.purchaseOrderWithStatus(po)
	return &created, nil
}

func (s *Store) GetPurchaseOrderByID(_ context.Context, id string) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	po, ok := s.purchaseOrdersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := s.purchaseOrderWithStatus(po)
	return &found, nil
}

func (s *Store) AppendReceipt(_ context.Context, id string, expectedReceipts int, receipt domain.Receipt, status domain.PurchaseOrderStatus, open []domain.ReceiptLine, effect domain.StockEffect) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, ok := s.purchaseOrdersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if len(po.Receipts) != expectedReceipts {
		return nil, store.ErrConflict
	}

	po = clonePurchaseOrder(po)
	receipt.Lines = slices.Clone(receipt.Lines)
	po.Receipts = append(po.Receipts, receipt)
	po.Status = status
	po.OpenLines = slices.Clone(open)
	po.UpdatedAt = receipt.ReceivedAt
	s.purchaseOrdersByID[id] = po
	s.effectsByID[effect.ID] = cloneEffect(effect)

	updated := s.purchaseOrderWithStatus(po)
	return &updated, nil
}

func (s *Store) CancelPurchaseOrder(_ context.Context, id string, by string, at time.Time) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, ok := s.purchaseOrdersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if po.Status != domain.POPending && po.Status != domain.POPartiallyReceived {
		return nil, store.ErrConflict
	}
	po = clonePurchaseOrder(po)
	po.Status = domain.POCancelled
	po.CancelledBy = by
	po.CancelledAt = &at
	po.UpdatedAt = at
	s.purchaseOrdersByID[id] = po

	updated := s.purchaseOrderWithStatus(po)
	return &updated, nil
}

func (s *Store) GetEffect(_ context.Context, id string) (*domain.StockEffect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	effect, ok := s.effectsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	effect = cloneEffect(effect)
	return &effect, nil
}

func (s *Store) ListPendingEffects(_ context.Context, limit int) ([]domain.StockEffect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pending := make([]domain.StockEffect, 0, 16)
	for _, effect := range s.effectsByID {
		if effect.Status == domain.EffectPending {
			pending = append(pending, cloneEffect(effect))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *Store) MarkEffectApplied(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	effect, ok := s.effectsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	if effect.Status == domain.EffectApplied {
		return nil
	}
	effect.Status = domain.EffectApplied
	effect.AppliedAt = &at
	s.effectsByID[id] = effect
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := make([]domain.AuditLog, 0, min(limit, len(s.auditLogs)))
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

// effectStatus must be called with s.mu held.
func (s *Store) effectStatus(id string) domain.EffectStatus {
	if effect, ok := s.effectsByID[id]; ok {
		return effect.Status
	}
	return domain.EffectPending
}

func (s *Store) transactionWithStatus(tx domain.Transaction) domain.Transaction {
	tx.Lines = slices.Clone(tx.Lines)
	tx.Pricing.OfferDiscounts = slices.Clone(tx.Pricing.OfferDiscounts)
	tx.StockEffectStatus = s.effectStatus(tx.StockEffectID)
	return tx
}

func (s *Store) returnWithStatus(record domain.ReturnRecord) domain.ReturnRecord {
	record.Lines = slices.Clone(record.Lines)
	record.StockEffectStatus = s.effectStatus(record.StockEffectID)
	return record
}

func (s *Store) purchaseOrderWithStatus(po domain.PurchaseOrder) domain.PurchaseOrder {
	po = clonePurchaseOrder(po)
	for i := range po.Receipts {
		po.Receipts[i].StockEffectStatus = s.effectStatus(po.Receipts[i].StockEffectID)
	}
	return po
}

func clonePurchaseOrder(src domain.PurchaseOrder) domain.PurchaseOrder {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	dst.OpenLines = slices.Clone(src.OpenLines)
	dst.Receipts = make([]domain.Receipt, len(src.Receipts))
	for i, receipt := range src.Receipts {
		receipt.Lines = slices.Clone(receipt.Lines)
		dst.Receipts[i] = receipt
	}
	return dst
}

func cloneEffect(src domain.StockEffect) domain.StockEffect {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	return dst
}
