package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dercio258/ratixpay.com-sub007/internal/db"
	"github.com/dercio258/ratixpay.com-sub007/internal/poller"
	"github.com/dercio258/ratixpay.com-sub007/internal/provider"
	"github.com/dercio258/ratixpay.com-sub007/internal/realtime"
	"github.com/dercio258/ratixpay.com-sub007/internal/recovery"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	mu  sync.Mutex
	txs map[string]*db.Transaction
}

func newFakeStore() *fakeStore {
	return &fakeStore{txs: make(map[string]*db.Transaction)}
}

func (f *fakeStore) CreateTransaction(tx *db.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *tx
	f.txs[tx.TransacaoID] = &cp
	return nil
}

func (f *fakeStore) GetTransaction(id string) (*db.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (f *fakeStore) SetTerminalStatus(id string, status db.Status, motivo string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok || tx.Status != db.StatusPendente {
		return false, nil
	}
	tx.Status = status
	tx.FalhaMotivo = motivo
	return true, nil
}

func (f *fakeStore) ReopenForRecovery(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[id]
	if !ok || (tx.Status != db.StatusCancelado && tx.Status != db.StatusRejeitado) {
		return false, nil
	}
	tx.Status = db.StatusAprovado
	tx.FalhaMotivo = ""
	return true, nil
}

func (f *fakeStore) Ping() error { return nil }

func (f *fakeStore) status(id string) db.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[id]; ok {
		return tx.Status
	}
	return ""
}

type fakeInitiator struct {
	err    error
	result provider.PaymentResult
}

func (f *fakeInitiator) InitiatePayment(_ context.Context, method string, amount float64, phone, id string) (*provider.PaymentResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := f.result
	return &r, nil
}

type fakePoller struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (f *fakePoller) StartPolling(id string, cb poller.Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakePoller) Stop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
}

func (f *fakePoller) Stats() []poller.SessionInfo { return nil }

type fakeRecovery struct {
	mu       sync.Mutex
	enqueued []string
}

func (f *fakeRecovery) Enqueue(tx *db.Transaction) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, tx.TransacaoID)
	return true, nil
}

func (f *fakeRecovery) LastStats() (recovery.Stats, time.Time) {
	return recovery.Stats{Processed: 3, Sent: 2, Ignored: 1}, time.Now()
}

type testEnv struct {
	router   *gin.Engine
	store    *fakeStore
	payments *fakeInitiator
	poller   *fakePoller
	recovery *fakeRecovery
	hub      *realtime.Hub
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:    newFakeStore(),
		payments: &fakeInitiator{result: provider.PaymentResult{Success: true, Reference: "REF1"}},
		poller:   &fakePoller{},
		recovery: &fakeRecovery{},
		hub:      realtime.NewHub(),
	}
	h := New(env.store, env.payments, env.poller, env.recovery, env.hub, Limits{AmountMin: 1, AmountMax: 100000})
	env.router = gin.New()
	RegisterRoutes(env.router, h)
	return env
}

func (e *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "127.0.0.1:9999"
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func validPayment() map[string]interface{} {
	return map[string]interface{}{
		"metodo":          "mpesa",
		"valor":           500.0,
		"clienteNome":     "Ana",
		"clienteTelefone": "841234567",
		"produtoId":       "P1",
		"produtoNome":     "Curso",
	}
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var envelope struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	if !envelope.Success {
		t.Fatalf("success = false: %s", w.Body.String())
	}
	return envelope.Data
}

func TestCreatePaymentAccepted(t *testing.T) {
	env := newTestEnv()
	w := env.do(http.MethodPost, "/api/pagamento", validPayment())
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	id, _ := data["transacaoId"].(string)
	if id == "" {
		t.Fatal("no transacaoId in response")
	}
	if env.store.status(id) != db.StatusPendente {
		t.Errorf("stored status = %s, want Pendente", env.store.status(id))
	}
	if len(env.poller.started) != 1 || env.poller.started[0] != id {
		t.Errorf("polling sessions started = %v, want [%s]", env.poller.started, id)
	}
	if data["status"] != "Pendente" {
		t.Errorf("response status = %v, want Pendente", data["status"])
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"unsupported method", func(m map[string]interface{}) { m["metodo"] = "paypal" }},
		{"amount too small", func(m map[string]interface{}) { m["valor"] = 0.5 }},
		{"amount too large", func(m map[string]interface{}) { m["valor"] = 2000000.0 }},
		{"bad phone", func(m map[string]interface{}) { m["clienteTelefone"] = "991234567" }},
		{"missing product", func(m map[string]interface{}) { delete(m, "produtoId") }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			env := newTestEnv()
			body := validPayment()
			c.mutate(body)
			w := env.do(http.MethodPost, "/api/pagamento", body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if len(env.poller.started) != 0 {
				t.Error("polling started for an invalid request")
			}
		})
	}
}

func TestCreatePaymentRejectedByProvider(t *testing.T) {
	env := newTestEnv()
	env.payments.err = fmt.Errorf("%w: saldo insuficiente", provider.ErrRejected)

	w := env.do(http.MethodPost, "/api/pagamento", validPayment())
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	if len(env.recovery.enqueued) != 1 {
		t.Fatalf("recovery enqueues = %d, want 1", len(env.recovery.enqueued))
	}
	if env.store.status(env.recovery.enqueued[0]) != db.StatusRejeitado {
		t.Errorf("stored status = %s, want Rejeitado", env.store.status(env.recovery.enqueued[0]))
	}
	if len(env.poller.started) != 0 {
		t.Error("polling started for a rejected payment")
	}
}

func TestCreatePaymentProviderUnreachable(t *testing.T) {
	env := newTestEnv()
	env.payments.err = errors.New("dial tcp: connection refused")

	w := env.do(http.MethodPost, "/api/pagamento", validPayment())
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if len(env.recovery.enqueued) != 1 {
		t.Fatalf("recovery enqueues = %d, want 1", len(env.recovery.enqueued))
	}
	if env.store.status(env.recovery.enqueued[0]) != db.StatusCancelado {
		t.Errorf("stored status = %s, want Cancelado", env.store.status(env.recovery.enqueued[0]))
	}
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv()
	env.store.CreateTransaction(&db.Transaction{TransacaoID: "TXN1", Status: db.StatusAprovado, Metodo: "mpesa", Valor: 500})

	w := env.do(http.MethodGet, "/api/status/TXN1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := decodeData(t, w)
	if data["status"] != "Aprovado" {
		t.Errorf("status = %v, want Aprovado", data["status"])
	}
}

func TestGetStatusNotFound(t *testing.T) {
	env := newTestEnv()
	w := env.do(http.MethodGet, "/api/status/TXNMISSING", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestUpdateStatusCancelsPending(t *testing.T) {
	env := newTestEnv()
	env.store.CreateTransaction(&db.Transaction{TransacaoID: "TXN1", Status: db.StatusPendente})

	w := env.do(http.MethodPost, "/api/atualizar-status-venda/TXN1",
		map[string]string{"status": "cancelado", "motivo": "Timeout na verificação de status"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if env.store.status("TXN1") != db.StatusCancelado {
		t.Errorf("stored status = %s, want Cancelado", env.store.status("TXN1"))
	}
	if len(env.recovery.enqueued) != 1 {
		t.Errorf("recovery enqueues = %d, want 1", len(env.recovery.enqueued))
	}
	if len(env.poller.stopped) != 1 || env.poller.stopped[0] != "TXN1" {
		t.Errorf("stopped sessions = %v, want [TXN1]", env.poller.stopped)
	}
}

func TestUpdateStatusRejectsPendingRegression(t *testing.T) {
	env := newTestEnv()
	env.store.CreateTransaction(&db.Transaction{TransacaoID: "TXN1", Status: db.StatusAprovado})

	w := env.do(http.MethodPost, "/api/atualizar-status-venda/TXN1", map[string]string{"status": "pendente"})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if env.store.status("TXN1") != db.StatusAprovado {
		t.Error("approved transaction regressed")
	}
}

func TestUpdateStatusTerminalConflict(t *testing.T) {
	env := newTestEnv()
	env.store.CreateTransaction(&db.Transaction{TransacaoID: "TXN1", Status: db.StatusAprovado})

	w := env.do(http.MethodPost, "/api/atualizar-status-venda/TXN1", map[string]string{"status": "cancelado"})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestUpdateStatusIdempotentRepeat(t *testing.T) {
	env := newTestEnv()
	env.store.CreateTransaction(&db.Transaction{TransacaoID: "TXN1", Status: db.StatusCancelado})

	w := env.do(http.MethodPost, "/api/atualizar-status-venda/TXN1", map[string]string{"status": "cancelado"})
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for a repeated terminal state", w.Code)
	}
}

func TestUpdateStatusRecoveredPaymentApproved(t *testing.T) {
	env := newTestEnv()
	env.store.CreateTransaction(&db.Transaction{TransacaoID: "TXN1", Status: db.StatusCancelado, FalhaMotivo: "Timeout"})

	w := env.do(http.MethodPost, "/api/atualizar-status-venda/TXN1", map[string]string{"status": "aprovado"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if env.store.status("TXN1") != db.StatusAprovado {
		t.Errorf("stored status = %s, want Aprovado after recovery", env.store.status("TXN1"))
	}
	data := decodeData(t, w)
	if data["falhaMotivo"] != nil && data["falhaMotivo"] != "" {
		t.Errorf("falhaMotivo = %v, want cleared", data["falhaMotivo"])
	}
}

func TestWebhookStopsPollingAndApplies(t *testing.T) {
	env := newTestEnv()
	env.store.CreateTransaction(&db.Transaction{TransacaoID: "TXN1", Status: db.StatusPendente})

	w := env.do(http.MethodPost, "/api/webhooks/pagamento",
		map[string]string{"transacao_id": "TXN1", "status": "aprovado"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(env.poller.stopped) != 1 || env.poller.stopped[0] != "TXN1" {
		t.Errorf("stopped sessions = %v, want [TXN1]", env.poller.stopped)
	}
	if env.store.status("TXN1") != db.StatusAprovado {
		t.Errorf("stored status = %s, want Aprovado", env.store.status("TXN1"))
	}
}

func TestWebhookPendingEchoKeepsPolling(t *testing.T) {
	env := newTestEnv()
	env.store.CreateTransaction(&db.Transaction{TransacaoID: "TXN1", Status: db.StatusPendente})

	w := env.do(http.MethodPost, "/api/webhooks/pagamento",
		map[string]string{"transacao_id": "TXN1", "status": "pendente"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
	if len(env.poller.stopped) != 0 {
		t.Errorf("stopped sessions = %v, want none for a pending echo", env.poller.stopped)
	}
	if env.store.status("TXN1") != db.StatusPendente {
		t.Errorf("stored status = %s, want Pendente", env.store.status("TXN1"))
	}
}

func TestStatsEndpointsLocalOnly(t *testing.T) {
	env := newTestEnv()

	req := httptest.NewRequest(http.MethodGet, "/api/recovery/stats", nil)
	req.RemoteAddr = "203.0.113.5:4444"
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("remote client got %d, want 403", w.Code)
	}

	if w := env.do(http.MethodGet, "/api/recovery/stats", nil); w.Code != http.StatusOK {
		t.Errorf("loopback client got %d, want 200", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/poller/stats", nil); w.Code != http.StatusOK {
		t.Errorf("loopback client got %d, want 200", w.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv()
	if w := env.do(http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", w.Code)
	}
	// readiness depends on process uptime, both answers are valid here
	if w := env.do(http.MethodGet, "/readyz", nil); w.Code != http.StatusOK && w.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 200 or 503", w.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	env := newTestEnv()
	env.do(http.MethodPost, "/api/pagamento", validPayment())

	w := env.do(http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics = %d, want 200", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("paygate_http_requests_total")) {
		t.Error("metrics output missing paygate_http_requests_total")
	}
}
