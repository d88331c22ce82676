package db

import "strings"

// Status is the lifecycle state of a payment transaction. The literals
// are the Portuguese values the provider and checkout speak.
type Status string

const (
	StatusPendente  Status = "Pendente"
	StatusAprovado  Status = "Aprovado"
	StatusCancelado Status = "Cancelado"
	StatusRejeitado Status = "Rejeitado"
)

// Terminal reports whether no further provider-driven transition applies.
func (s Status) Terminal() bool {
	switch s {
	case StatusAprovado, StatusCancelado, StatusRejeitado:
		return true
	}
	return false
}

// ParseStatus maps the many spellings seen in provider payloads onto a
// canonical Status. The boolean is false for unrecognized values.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "aprovado", "approved", "success", "sucesso", "completed", "pago", "paid":
		return StatusAprovado, true
	case "cancelado", "cancelled", "canceled":
		return StatusCancelado, true
	case "rejeitado", "rejected", "recusado", "failed", "falhou", "erro", "error":
		return StatusRejeitado, true
	case "pendente", "pending", "processando", "processing", "aguardando":
		return StatusPendente, true
	}
	return "", false
}

// RecoveryStatus is the lifecycle state of an abandoned-payment
// recovery queue entry.
type RecoveryStatus string

const (
	RecoveryQueued    RecoveryStatus = "Queued"
	RecoverySent      RecoveryStatus = "Sent"
	RecoveryConverted RecoveryStatus = "Converted"
	RecoveryIgnored   RecoveryStatus = "Ignored"
	RecoveryFailed    RecoveryStatus = "Failed"
)
