package escrow

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/paddockmarket/paddock/internal/ledger"
	"github.com/paddockmarket/paddock/internal/payments"
	"github.com/paddockmarket/paddock/internal/security"
)

const adminSecret = "hoofbeat"

func setupRouter(t *testing.T) (*gin.Engine, *Service, *ledger.MemoryStore, *payments.Fake) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, store, fake := newTestEngine(t)
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(security.RequireAdmin(adminSecret))
	handler.RegisterAdminRoutes(admin)

	return r, svc, store, fake
}

func do(t *testing.T, r *gin.Engine, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-ID": actor}
}

func asAdmin(actor string) map[string]string {
	return map[string]string{"X-Actor-ID": actor, "X-Admin-Secret": adminSecret}
}

func TestHandlerGetTransaction(t *testing.T) {
	r, svc, store, _ := setupRouter(t)
	txn := openHeld(t, svc, store, 1_000_000)

	w := do(t, r, "GET", "/v1/transactions/"+txn.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var got ledger.Transaction
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != ledger.TxnPaymentHeld {
		t.Errorf("status = %s", got.Status)
	}

	w = do(t, r, "GET", "/v1/transactions/"+txn.ID+"/events", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", w.Code)
	}

	w = do(t, r, "GET", "/v1/transactions/txn_ffffffffffffffffffffffff", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing: expected 404, got %d", w.Code)
	}
}

func TestHandlerReleaseAuthz(t *testing.T) {
	r, svc, store, _ := setupRouter(t)
	txn := openHeld(t, svc, store, 1_000_000)

	// Only the buyer may release.
	w := do(t, r, "POST", "/v1/transactions/"+txn.ID+"/release", asActor(seller), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("seller release: expected 403, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, r, "POST", "/v1/transactions/"+txn.ID+"/release", asActor(buyer), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("buyer release: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Terminal now: a second release is an invalid state.
	w = do(t, r, "POST", "/v1/transactions/"+txn.ID+"/release", asActor(buyer), nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("double release: expected 422, got %d", w.Code)
	}
}

func TestHandlerReleasePaymentFailure(t *testing.T) {
	r, svc, store, fake := setupRouter(t)
	txn := openHeld(t, svc, store, 1_000_000)

	fake.FailNext("transfer", &payments.Error{
		Op: "transfer", Retryable: true, Err: errors.New("processor unavailable"),
	})

	w := do(t, r, "POST", "/v1/transactions/"+txn.ID+"/release", asActor(buyer), nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Error     string `json:"error"`
		Retryable bool   `json:"retryable"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "payment_failed" || !resp.Retryable {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandlerRefundRequestFlow(t *testing.T) {
	r, svc, store, _ := setupRouter(t)
	txn := openHeld(t, svc, store, 1_000_000)

	// Outsiders cannot ask for money back.
	w := do(t, r, "POST", "/v1/transactions/"+txn.ID+"/refund-request", asActor(outsider),
		map[string]any{"reason": "lameness on arrival"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("outsider: expected 403, got %d", w.Code)
	}

	// Over-ask is an invalid amount.
	w = do(t, r, "POST", "/v1/transactions/"+txn.ID+"/refund-request", asActor(buyer),
		map[string]any{"reason": "lameness on arrival", "amount_cents": 2_000_000})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("over-ask: expected 400, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, r, "POST", "/v1/transactions/"+txn.ID+"/refund-request", asActor(buyer),
		map[string]any{"reason": "lameness on arrival"})
	if w.Code != http.StatusCreated {
		t.Fatalf("request: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// One pending request at a time.
	w = do(t, r, "POST", "/v1/transactions/"+txn.ID+"/refund-request", asActor(buyer),
		map[string]any{"reason": "second thoughts"})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", w.Code)
	}

	w = do(t, r, "GET", "/v1/transactions/"+txn.ID+"/refund-requests", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
}

func TestHandlerAdminGate(t *testing.T) {
	r, svc, store, _ := setupRouter(t)
	txn := openHeld(t, svc, store, 1_000_000)

	// No secret.
	w := do(t, r, "POST", "/v1/admin/transactions/"+txn.ID+"/complete", asActor(operator), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("no secret: expected 403, got %d: %s", w.Code, w.Body.String())
	}

	// Wrong secret.
	w = do(t, r, "POST", "/v1/admin/transactions/"+txn.ID+"/complete",
		map[string]string{"X-Actor-ID": operator, "X-Admin-Secret": "guess"}, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong secret: expected 403, got %d", w.Code)
	}

	w = do(t, r, "POST", "/v1/admin/transactions/"+txn.ID+"/complete", asAdmin(operator), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("with secret: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var got ledger.Transaction
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Status != ledger.TxnCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestHandlerAdminRefundAndCancel(t *testing.T) {
	r, svc, store, _ := setupRouter(t)
	txn := openHeld(t, svc, store, 1_000_000)

	// No pending request yet.
	w := do(t, r, "POST", "/v1/admin/transactions/"+txn.ID+"/refund", asAdmin(operator), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("no request: expected 404, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, r, "POST", "/v1/transactions/"+txn.ID+"/refund-request", asActor(buyer),
		map[string]any{"reason": "deal fell through"})
	if w.Code != http.StatusCreated {
		t.Fatalf("request: expected 201, got %d", w.Code)
	}

	w = do(t, r, "POST", "/v1/admin/transactions/"+txn.ID+"/refund", asAdmin(operator), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refund: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var refunded ledger.Transaction
	json.Unmarshal(w.Body.Bytes(), &refunded)
	if refunded.Status != ledger.TxnRefunded {
		t.Errorf("status = %s", refunded.Status)
	}

	// A refunded transaction cannot be cancelled.
	w = do(t, r, "POST", "/v1/admin/transactions/"+txn.ID+"/cancel", asAdmin(operator),
		map[string]any{"reason": "sale aborted"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("cancel refunded: expected 422, got %d", w.Code)
	}

	second := openHeld(t, svc, store, 500_000)
	w = do(t, r, "POST", "/v1/admin/transactions/"+second.ID+"/cancel", asAdmin(operator),
		map[string]any{"reason": "sale aborted"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel held: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandlerRejectRefund(t *testing.T) {
	r, svc, store, _ := setupRouter(t)
	txn := openHeld(t, svc, store, 1_000_000)

	w := do(t, r, "POST", "/v1/transactions/"+txn.ID+"/refund-request", asActor(buyer),
		map[string]any{"reason": "buyer remorse"})
	if w.Code != http.StatusCreated {
		t.Fatalf("request: expected 201, got %d", w.Code)
	}

	w = do(t, r, "POST", "/v1/admin/transactions/"+txn.ID+"/refund-reject", asAdmin(operator),
		map[string]any{"notes": "outside the return window"})
	if w.Code != http.StatusOK {
		t.Fatalf("reject: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var req ledger.RefundRequest
	json.Unmarshal(w.Body.Bytes(), &req)
	if req.Status != ledger.RefundRejected {
		t.Errorf("status = %s", req.Status)
	}
}
