package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dercio258/ratixpay.com-sub007/internal/db"
)

// HTTPMessenger posts recovery messages to an external delivery
// service (SMS or WhatsApp gateway).
type HTTPMessenger struct {
	URL             string
	CheckoutBaseURL string
	Client          *http.Client
}

func NewHTTPMessenger(url, checkoutBaseURL string) *HTTPMessenger {
	return &HTTPMessenger{
		URL:             url,
		CheckoutBaseURL: checkoutBaseURL,
		Client:          &http.Client{Timeout: 15 * time.Second},
	}
}

type messagePayload struct {
	Telefone string `json:"telefone"`
	Nome     string `json:"nome"`
	Mensagem string `json:"mensagem"`
}

// Send builds the follow-up text with a checkout link back to the
// product and posts it to the delivery service.
func (m *HTTPMessenger) Send(ctx context.Context, e db.RecoveryEntry) error {
	text := fmt.Sprintf(
		"Olá %s! Notamos que o seu pagamento de %.2f MZN por %s não foi concluído. Complete a sua compra aqui: %s/checkout/%s",
		e.ClienteNome, e.Valor, e.ProdutoNome, m.CheckoutBaseURL, e.ProdutoID)

	body, err := json.Marshal(messagePayload{Telefone: e.Telefone, Nome: e.ClienteNome, Mensagem: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.Client.Do(req)
	if err != nil {
		return fmt.Errorf("recovery message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("recovery message: delivery service answered %d", resp.StatusCode)
	}
	return nil
}
