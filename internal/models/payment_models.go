package models

// PaymentRequest starts a checkout payment.
type PaymentRequest struct {
	Metodo          string  `json:"metodo" binding:"required"`
	Valor           float64 `json:"valor" binding:"required"`
	ClienteNome     string  `json:"clienteNome" binding:"required"`
	ClienteTelefone string  `json:"clienteTelefone" binding:"required"`
	ClienteEmail    string  `json:"clienteEmail"`
	ProdutoID       string  `json:"produtoId" binding:"required"`
	ProdutoNome     string  `json:"produtoNome"`
	VendedorID      string  `json:"vendedorId"`
}

// PaymentResponse acknowledges an accepted payment that is now pending.
type PaymentResponse struct {
	TransacaoID string `json:"transacaoId"`
	Status      string `json:"status"`
	Referencia  string `json:"referencia,omitempty"`
}

// StatusUpdateRequest carries a manual or webhook status change.
type StatusUpdateRequest struct {
	Status string `json:"status" binding:"required"`
	Motivo string `json:"motivo"`
}

// WebhookRequest is the provider's asynchronous confirmation callback.
type WebhookRequest struct {
	TransacaoID string `json:"transacao_id" binding:"required"`
	Status      string `json:"status" binding:"required"`
	Motivo      string `json:"motivo"`
	Referencia  string `json:"referencia"`
}
