package recovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dercio258/ratixpay.com-sub007/internal/db"
)

func TestHTTPMessengerPostsMessage(t *testing.T) {
	var got messagePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewHTTPMessenger(srv.URL, "https://loja.example")
	err := m.Send(context.Background(), db.RecoveryEntry{
		ClienteNome: "Ana",
		Telefone:    "841234567",
		ProdutoID:   "P1",
		ProdutoNome: "Curso de Excel",
		Valor:       500,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Telefone != "841234567" {
		t.Errorf("telefone = %q", got.Telefone)
	}
	if !strings.Contains(got.Mensagem, "https://loja.example/checkout/P1") {
		t.Errorf("message missing checkout link: %q", got.Mensagem)
	}
	if !strings.Contains(got.Mensagem, "Curso de Excel") {
		t.Errorf("message missing product name: %q", got.Mensagem)
	}
}

func TestHTTPMessengerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := NewHTTPMessenger(srv.URL, "https://loja.example")
	if err := m.Send(context.Background(), db.RecoveryEntry{Telefone: "841234567"}); err == nil {
		t.Error("Send succeeded despite 502 from delivery service")
	}
}
