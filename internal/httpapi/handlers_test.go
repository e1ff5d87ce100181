package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"kasirinaja/engine/internal/domain"
	"kasirinaja/engine/internal/ledger"
	"kasirinaja/engine/internal/observability"
	"kasirinaja/engine/internal/service"
	"kasirinaja/engine/internal/store/memory"
)

type testServer struct {
	api     *API
	handler http.Handler
	auth    *AuthManager
}

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	repo := memory.NewSeeded()
	ldg := ledger.New(repo, logger, ledger.WithMetrics(metrics))
	svc := service.New(repo, ldg, service.WithLogger(logger), service.WithMetrics(metrics))
	auth := NewAuthManager("test-secret-key", time.Hour, "123456")

	api := New(svc, auth, "*", WithLogger(logger), WithGatherer(registry))
	return testServer{api: api, handler: api.Handler(), auth: auth}
}

func (s testServer) token(t *testing.T, role string) string {
	t.Helper()
	token, _, err := s.auth.IssueToken(role+"-user", role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (s testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.RemoteAddr = "127.0.0.1:5000"
	res := httptest.NewRecorder()
	s.handler.ServeHTTP(res, req)
	return res
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func stockQuantity(t *testing.T, s testServer, key string) int {
	t.Helper()
	res := s.do(t, http.MethodGet, "/api/v1/stock/"+key, s.token(t, domain.RoleCashier), nil)
	if res.Code != http.StatusOK {
		t.Fatalf("get stock %s: status %d: %s", key, res.Code, res.Body.String())
	}
	return decodeBody[domain.StockRecord](t, res).Quantity
}

func saleBody(key string, qty int, tendered string, idempotencyKey string) map[string]any {
	return map[string]any{
		"lines":           []map[string]any{{"product_key": key, "quantity": qty}},
		"payment_method":  "cash",
		"amount_tendered": tendered,
		"idempotency_key": idempotencyKey,
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestAPI(t)
	res := s.do(t, http.MethodGet, "/healthz", "", nil)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	body := decodeBody[map[string]any](t, res)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestRequireAuth(t *testing.T) {
	s := newTestAPI(t)

	res := s.do(t, http.MethodGet, "/api/v1/stock/SKU-MIE-01", "", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.Code)
	}

	res = s.do(t, http.MethodGet, "/api/v1/stock/SKU-MIE-01", "not-a-jwt", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", res.Code)
	}

	res = s.do(t, http.MethodPost, "/api/v1/reconcile", s.token(t, domain.RoleCashier), nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier on admin route, got %d", res.Code)
	}
}

func TestQuoteReturnsPricingBreakdown(t *testing.T) {
	s := newTestAPI(t)
	body := map[string]any{
		"lines":          []map[string]any{{"product_key": "SKU-MIE-01", "quantity": 2}},
		"payment_method": "cash",
		"tax_rate":       "0.1",
	}

	res := s.do(t, http.MethodPost, "/api/v1/pricing/quote", s.token(t, domain.RoleCashier), body)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	quote := decodeBody[domain.QuoteResponse](t, res)
	if quote.Pricing.Subtotal.String() != "7" {
		t.Fatalf("expected subtotal 7, got %s", quote.Pricing.Subtotal)
	}
	if quote.Pricing.TaxAmount.String() != "0.7" {
		t.Fatalf("expected tax 0.7, got %s", quote.Pricing.TaxAmount)
	}
}

func TestQuoteRejectsUnknownFields(t *testing.T) {
	s := newTestAPI(t)
	res := s.do(t, http.MethodPost, "/api/v1/pricing/quote", s.token(t, domain.RoleCashier), map[string]any{"bogus": true})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestSellDecrementsStockAndReplaysIdempotently(t *testing.T) {
	s := newTestAPI(t)
	token := s.token(t, domain.RoleCashier)

	res := s.do(t, http.MethodPost, "/api/v1/sales", token, saleBody("SKU-MIE-01", 2, "100", "till-1-0001"))
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	first := decodeBody[domain.SettleResponse](t, res)
	if first.Transaction.ID == "" {
		t.Fatalf("expected transaction id")
	}
	if first.Transaction.StockEffectStatus != domain.EffectApplied {
		t.Fatalf("expected applied stock effect, got %s", first.Transaction.StockEffectStatus)
	}
	if got := stockQuantity(t, s, "SKU-MIE-01"); got != 118 {
		t.Fatalf("expected stock 118 after sale, got %d", got)
	}

	res = s.do(t, http.MethodPost, "/api/v1/sales", token, saleBody("SKU-MIE-01", 2, "100", "till-1-0001"))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for replay, got %d", res.Code)
	}
	replay := decodeBody[domain.SettleResponse](t, res)
	if !replay.Duplicate || replay.Transaction.ID != first.Transaction.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Transaction.ID, replay)
	}
	if got := stockQuantity(t, s, "SKU-MIE-01"); got != 118 {
		t.Fatalf("expected replay to leave stock at 118, got %d", got)
	}

	res = s.do(t, http.MethodGet, "/api/v1/sales/"+first.Transaction.ID, token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for get sale, got %d", res.Code)
	}
}

func TestSellInsufficientTenderLeavesStock(t *testing.T) {
	s := newTestAPI(t)

	res := s.do(t, http.MethodPost, "/api/v1/sales", s.token(t, domain.RoleCashier), saleBody("SKU-TELUR-01", 1, "1", ""))
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.Code, res.Body.String())
	}
	body := decodeBody[map[string]any](t, res)
	if body["code"] != "INSUFFICIENT_TENDER" {
		t.Fatalf("expected INSUFFICIENT_TENDER code, got %v", body["code"])
	}
	if got := stockQuantity(t, s, "SKU-TELUR-01"); got != 120 {
		t.Fatalf("expected stock untouched at 120, got %d", got)
	}
}

func TestGetSaleNotFound(t *testing.T) {
	s := newTestAPI(t)
	res := s.do(t, http.MethodGet, "/api/v1/sales/tx-missing", s.token(t, domain.RoleCashier), nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestReturnFlow(t *testing.T) {
	s := newTestAPI(t)
	token := s.token(t, domain.RoleCashier)

	res := s.do(t, http.MethodPost, "/api/v1/sales", token, saleBody("SKU-SUSU-01", 3, "500", ""))
	if res.Code != http.StatusCreated {
		t.Fatalf("sale failed: %d: %s", res.Code, res.Body.String())
	}
	sale := decodeBody[domain.SettleResponse](t, res)

	returnBody := func(qty int) map[string]any {
		return map[string]any{
			"original_transaction_id": sale.Transaction.ID,
			"lines": []map[string]any{{
				"product_key": "SKU-SUSU-01",
				"quantity":    qty,
				"reason":      "changed_mind",
				"condition":   "resellable",
			}},
			"refund_method": "cash",
		}
	}

	res = s.do(t, http.MethodPost, "/api/v1/returns", token, returnBody(2))
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for return, got %d: %s", res.Code, res.Body.String())
	}
	if got := stockQuantity(t, s, "SKU-SUSU-01"); got != 119 {
		t.Fatalf("expected stock 119 after return, got %d", got)
	}

	res = s.do(t, http.MethodPost, "/api/v1/returns", token, returnBody(2))
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for over-return, got %d", res.Code)
	}
	body := decodeBody[map[string]any](t, res)
	if body["code"] != "OVER_RETURN" {
		t.Fatalf("expected OVER_RETURN, got %v", body["code"])
	}

	res = s.do(t, http.MethodGet, "/api/v1/sales/"+sale.Transaction.ID+"/returns", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for list returns, got %d", res.Code)
	}
	listed := decodeBody[map[string][]domain.ReturnRecord](t, res)
	if len(listed["returns"]) != 1 {
		t.Fatalf("expected 1 return, got %d", len(listed["returns"]))
	}
}

func TestOperatorComesFromTokenNotBody(t *testing.T) {
	s := newTestAPI(t)
	cashier := s.token(t, domain.RoleCashier)
	admin := s.token(t, domain.RoleAdmin)

	res := s.do(t, http.MethodPost, "/api/v1/pricing/quote", cashier, map[string]any{
		"lines":          []map[string]any{{"product_key": "SKU-ROTI-01", "quantity": 2}},
		"payment_method": "cash",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("quote failed: %d: %s", res.Code, res.Body.String())
	}
	quote := decodeBody[domain.QuoteResponse](t, res)
	cart := domain.Cart{}
	for _, line := range quote.Cart {
		cart[line.ProductKey] = line
	}

	res = s.do(t, http.MethodPost, "/api/v1/sales/settle", cashier, map[string]any{
		"cart":            cart,
		"pricing":         quote.Pricing,
		"payment_method":  "cash",
		"amount_tendered": "500",
		"operator_id":     "someone-else",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("settle failed: %d: %s", res.Code, res.Body.String())
	}
	settled := decodeBody[domain.SettleResponse](t, res)
	if settled.Transaction.OperatorID != "cashier-user" {
		t.Fatalf("expected sale by cashier-user, got %s", settled.Transaction.OperatorID)
	}

	res = s.do(t, http.MethodPost, "/api/v1/returns", cashier, map[string]any{
		"original_transaction_id": settled.Transaction.ID,
		"lines": []map[string]any{{
			"product_key": "SKU-ROTI-01", "quantity": 1, "reason": "damaged_in_transit", "condition": "damaged",
		}},
		"refund_method": "cash",
		"operator_id":   "someone-else",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("return failed: %d: %s", res.Code, res.Body.String())
	}
	if record := decodeBody[domain.ReturnRecord](t, res); record.OperatorID != "cashier-user" {
		t.Fatalf("expected return by cashier-user, got %s", record.OperatorID)
	}

	res = s.do(t, http.MethodPost, "/api/v1/purchase-orders", admin, map[string]any{
		"supplier_id": "sup-1",
		"lines":       []map[string]any{{"product_key": "SKU-ROTI-01", "quantity": 5, "unit_cost": "8"}},
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("create purchase order failed: %d: %s", res.Code, res.Body.String())
	}
	po := decodeBody[domain.PurchaseOrder](t, res)
	res = s.do(t, http.MethodPost, "/api/v1/purchase-orders/"+po.ID+"/receipts", admin, map[string]any{
		"lines":       []map[string]any{{"product_key": "SKU-ROTI-01", "received_quantity": 5}},
		"operator_id": "someone-else",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("receive failed: %d: %s", res.Code, res.Body.String())
	}
	received := decodeBody[domain.PurchaseOrder](t, res)
	if len(received.Receipts) != 1 || received.Receipts[0].Operator != "admin-user" {
		t.Fatalf("expected receipt by admin-user, got %+v", received.Receipts)
	}

	res = s.do(t, http.MethodGet, "/api/v1/stock/SKU-ROTI-01/adjustments", cashier, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("history failed: %d", res.Code)
	}
	history := decodeBody[map[string][]domain.AdjustmentEntry](t, res)
	for _, entry := range history["adjustments"] {
		if entry.Actor == "someone-else" {
			t.Fatalf("ledger entry attributed to the body operator: %+v", entry)
		}
	}
}

func TestSettleRejectsTamperedPayable(t *testing.T) {
	s := newTestAPI(t)
	cashier := s.token(t, domain.RoleCashier)

	res := s.do(t, http.MethodPost, "/api/v1/pricing/quote", cashier, map[string]any{
		"lines":          []map[string]any{{"product_key": "SKU-TELUR-01", "quantity": 1}},
		"payment_method": "cash",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("quote failed: %d: %s", res.Code, res.Body.String())
	}
	quote := decodeBody[domain.QuoteResponse](t, res)
	cart := domain.Cart{}
	for _, line := range quote.Cart {
		cart[line.ProductKey] = line
	}
	pricing := quote.Pricing
	pricing.PayableTotal = decimal.NewFromInt(1)

	res = s.do(t, http.MethodPost, "/api/v1/sales/settle", cashier, map[string]any{
		"cart":            cart,
		"pricing":         pricing,
		"payment_method":  "cash",
		"amount_tendered": "1",
	})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.Code, res.Body.String())
	}
	if got := stockQuantity(t, s, "SKU-TELUR-01"); got != 120 {
		t.Fatalf("expected stock untouched at 120, got %d", got)
	}
}

func TestPurchaseOrderReceiveAndCancel(t *testing.T) {
	s := newTestAPI(t)
	admin := s.token(t, domain.RoleAdmin)

	res := s.do(t, http.MethodPost, "/api/v1/purchase-orders", admin, map[string]any{
		"supplier_id": "sup-1",
		"lines":       []map[string]any{{"product_key": "SKU-GULA-01", "quantity": 10, "unit_cost": "15"}},
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	po := decodeBody[domain.PurchaseOrder](t, res)

	res = s.do(t, http.MethodPost, "/api/v1/purchase-orders/"+po.ID+"/receipts", admin, map[string]any{
		"lines": []map[string]any{{"product_key": "SKU-GULA-01", "received_quantity": 4}},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for receipt, got %d: %s", res.Code, res.Body.String())
	}
	if got := stockQuantity(t, s, "SKU-GULA-01"); got != 124 {
		t.Fatalf("expected stock 124 after receipt, got %d", got)
	}

	res = s.do(t, http.MethodPost, "/api/v1/purchase-orders/"+po.ID+"/cancel", admin, map[string]any{"manager_pin": "000000"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong PIN, got %d", res.Code)
	}

	res = s.do(t, http.MethodPost, "/api/v1/purchase-orders/"+po.ID+"/cancel", admin, map[string]any{"manager_pin": "123456", "reason": "supplier short"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for cancel, got %d: %s", res.Code, res.Body.String())
	}
	cancelled := decodeBody[domain.PurchaseOrder](t, res)
	if cancelled.Status != domain.POCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if got := stockQuantity(t, s, "SKU-GULA-01"); got != 124 {
		t.Fatalf("expected cancel to keep received stock, got %d", got)
	}
}

func TestReceiveRejectsMismatchedPathID(t *testing.T) {
	s := newTestAPI(t)
	res := s.do(t, http.MethodPost, "/api/v1/purchase-orders/po-a/receipts", s.token(t, domain.RoleAdmin), map[string]any{
		"purchase_order_id": "po-b",
		"lines":             []map[string]any{{"product_key": "SKU-GULA-01", "received_quantity": 1}},
	})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestManualAdjustmentAndHistory(t *testing.T) {
	s := newTestAPI(t)
	admin := s.token(t, domain.RoleAdmin)

	res := s.do(t, http.MethodPost, "/api/v1/stock/SKU-TEH-01/adjustments", admin, map[string]any{"delta": -5, "notes": "rusak"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if got := decodeBody[domain.StockRecord](t, res).Quantity; got != 115 {
		t.Fatalf("expected 115, got %d", got)
	}

	res = s.do(t, http.MethodPost, "/api/v1/stock/SKU-TEH-01/adjustments", admin, map[string]any{"delta": 0, "notes": "noop"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero delta, got %d", res.Code)
	}

	res = s.do(t, http.MethodGet, "/api/v1/stock/SKU-TEH-01/adjustments?limit=10", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	history := decodeBody[map[string][]domain.AdjustmentEntry](t, res)
	if len(history["adjustments"]) != 1 || history["adjustments"][0].Delta != -5 {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestReorderThresholdRaisesAlert(t *testing.T) {
	s := newTestAPI(t)
	admin := s.token(t, domain.RoleAdmin)

	res := s.do(t, http.MethodPut, "/api/v1/stock/SKU-ROTI-01/threshold", admin, map[string]any{"threshold": 150})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}

	res = s.do(t, http.MethodGet, "/api/v1/stock/alerts", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	alerts := decodeBody[domain.StockAlertResponse](t, res)
	found := false
	for _, alert := range alerts.Alerts {
		if alert.ProductKey == "SKU-ROTI-01" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected SKU-ROTI-01 in alerts, got %+v", alerts.Alerts)
	}
}

func TestReconcileAndAuditLogs(t *testing.T) {
	s := newTestAPI(t)
	admin := s.token(t, domain.RoleAdmin)

	res := s.do(t, http.MethodPost, "/api/v1/reconcile", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if got := decodeBody[domain.ReconcileResponse](t, res); got.Failed != 0 {
		t.Fatalf("expected no failures, got %+v", got)
	}

	res = s.do(t, http.MethodGet, "/api/v1/audit-logs?date=not-a-date", admin, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", res.Code)
	}
}

func TestMetricsEndpointExposesSettlements(t *testing.T) {
	s := newTestAPI(t)

	res := s.do(t, http.MethodPost, "/api/v1/sales", s.token(t, domain.RoleCashier), saleBody("SKU-KOPI-01", 1, "50", ""))
	if res.Code != http.StatusCreated {
		t.Fatalf("sale failed: %d", res.Code)
	}

	res = s.do(t, http.MethodGet, "/metrics", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "settlements_total") {
		t.Fatalf("expected settlements_total in metrics output")
	}
}
