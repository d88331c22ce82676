package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dercio258/ratixpay.com-sub007/internal/db"
	"github.com/dercio258/ratixpay.com-sub007/internal/models"
	"github.com/dercio258/ratixpay.com-sub007/internal/poller"
	"github.com/dercio258/ratixpay.com-sub007/internal/provider"
	"github.com/dercio258/ratixpay.com-sub007/internal/realtime"
	"github.com/dercio258/ratixpay.com-sub007/utils"
)

func respondError(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"success": false, "error": msg})
}

func respondData(c *gin.Context, code int, data interface{}) {
	c.JSON(code, gin.H{"success": true, "data": data})
}

// CreatePayment validates the request, charges the wallet and starts a
// reconciliation session for the new pending transaction.
func (h *Handler) CreatePayment(c *gin.Context) {
	var req models.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "dados de pagamento inválidos")
		return
	}

	method := strings.ToLower(req.Metodo)
	if method != "mpesa" && method != "emola" {
		respondError(c, http.StatusBadRequest, "método de pagamento não suportado")
		return
	}
	if req.Valor < h.limits.AmountMin || req.Valor > h.limits.AmountMax {
		respondError(c, http.StatusBadRequest, "valor fora do intervalo permitido")
		return
	}
	phone := utils.NormalizePhone(req.ClienteTelefone)
	if !utils.ValidPhone(phone) {
		respondError(c, http.StatusBadRequest, "número de telefone inválido")
		return
	}

	tx := &db.Transaction{
		TransacaoID:     utils.NewTransactionID(),
		Status:          db.StatusPendente,
		Metodo:          method,
		Valor:           req.Valor,
		ClienteNome:     req.ClienteNome,
		ClienteTelefone: phone,
		ClienteEmail:    req.ClienteEmail,
		ProdutoID:       req.ProdutoID,
		ProdutoNome:     req.ProdutoNome,
		VendedorID:      req.VendedorID,
	}
	if err := h.store.CreateTransaction(tx); err != nil {
		h.log.Error("handler: create transaction: %v", err)
		respondError(c, http.StatusInternalServerError, "falha ao registar a transação")
		return
	}

	result, err := h.payments.InitiatePayment(c.Request.Context(), method, req.Valor, phone, tx.TransacaoID)
	if err != nil {
		h.settleInitiationFailure(tx, err)
		if errors.Is(err, provider.ErrRejected) {
			respondError(c, http.StatusPaymentRequired, "pagamento rejeitado pelo operador")
			return
		}
		respondError(c, http.StatusBadGateway, "operador de pagamento indisponível")
		return
	}

	if result.Reference != "" {
		tx.Referencia = result.Reference
	}

	if err := h.poller.StartPolling(tx.TransacaoID, h.afterPolling); err != nil && !errors.Is(err, poller.ErrAlreadyPolling) {
		h.log.Error("handler: start polling for %s: %v", tx.TransacaoID, err)
	}

	respondData(c, http.StatusAccepted, models.PaymentResponse{
		TransacaoID: tx.TransacaoID,
		Status:      string(db.StatusPendente),
		Referencia:  result.Reference,
	})
}

// settleInitiationFailure records the failed charge and queues the
// transaction for recovery.
func (h *Handler) settleInitiationFailure(tx *db.Transaction, cause error) {
	status := db.StatusCancelado
	motivo := "Operador de pagamento indisponível"
	if errors.Is(cause, provider.ErrRejected) {
		status = db.StatusRejeitado
		motivo = "Pagamento rejeitado pelo operador"
	}
	if _, err := h.store.SetTerminalStatus(tx.TransacaoID, status, motivo); err != nil {
		h.log.Error("handler: settle %s: %v", tx.TransacaoID, err)
		return
	}
	tx.Status = status
	tx.FalhaMotivo = motivo
	h.hub.PublishSnapshot(snapshotOf(tx))
	if _, err := h.recovery.Enqueue(tx); err != nil {
		h.log.Warn("handler: recovery enqueue %s: %v", tx.TransacaoID, err)
	}
}

// afterPolling queues unsuccessful outcomes for recovery. The poller
// already persisted and broadcast the terminal status.
func (h *Handler) afterPolling(r poller.Result) {
	if r.Outcome == poller.OutcomeApproved {
		return
	}
	tx, err := h.store.GetTransaction(r.TransacaoID)
	if err != nil {
		h.log.Error("handler: load %s after polling: %v", r.TransacaoID, err)
		return
	}
	if _, err := h.recovery.Enqueue(tx); err != nil {
		h.log.Warn("handler: recovery enqueue %s: %v", r.TransacaoID, err)
	}
}

// GetStatus returns the stored transaction snapshot.
func (h *Handler) GetStatus(c *gin.Context) {
	tx, err := h.store.GetTransaction(c.Param("transactionId"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "transação não encontrada")
			return
		}
		h.log.Error("handler: get status: %v", err)
		respondError(c, http.StatusInternalServerError, "falha na consulta")
		return
	}
	respondData(c, http.StatusOK, snapshotOf(tx))
}

// UpdateStatus applies a status change coming from the checkout page.
// Terminal states never regress to pending; the only exit from a
// terminal state is a recovered payment turning approved.
func (h *Handler) UpdateStatus(c *gin.Context) {
	transacaoID := c.Param("transactionId")
	var req models.StatusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "dados inválidos")
		return
	}
	status, ok := db.ParseStatus(req.Status)
	if !ok {
		respondError(c, http.StatusBadRequest, "estado desconhecido")
		return
	}
	h.applyStatus(c, transacaoID, status, req.Motivo)
}

// PaymentWebhook applies the provider's asynchronous confirmation. A
// terminal answer also tears down the polling session; a pending echo
// must not, or the transaction would be left with nobody to time it out.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	var req models.WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "payload inválido")
		return
	}
	status, ok := db.ParseStatus(req.Status)
	if !ok {
		respondError(c, http.StatusBadRequest, "estado desconhecido")
		return
	}
	h.applyStatus(c, req.TransacaoID, status, req.Motivo)
}

func (h *Handler) applyStatus(c *gin.Context, transacaoID string, status db.Status, motivo string) {
	tx, err := h.store.GetTransaction(transacaoID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "transação não encontrada")
			return
		}
		h.log.Error("handler: load %s: %v", transacaoID, err)
		respondError(c, http.StatusInternalServerError, "falha na consulta")
		return
	}

	switch {
	case status == db.StatusPendente:
		// nothing may move a transaction back to pending
		respondError(c, http.StatusConflict, "transação não pode voltar a pendente")
		return
	case tx.Status.Terminal() && status == db.StatusAprovado:
		changed, err := h.store.ReopenForRecovery(transacaoID)
		if err != nil {
			h.log.Error("handler: reopen %s: %v", transacaoID, err)
			respondError(c, http.StatusInternalServerError, "falha ao actualizar")
			return
		}
		if !changed {
			respondData(c, http.StatusOK, snapshotOf(tx))
			return
		}
	case tx.Status.Terminal():
		// idempotent repeat of the same terminal state is fine
		if tx.Status == status {
			respondData(c, http.StatusOK, snapshotOf(tx))
			return
		}
		respondError(c, http.StatusConflict, "transação já finalizada")
		return
	default:
		changed, err := h.store.SetTerminalStatus(transacaoID, status, motivo)
		if err != nil {
			h.log.Error("handler: update %s: %v", transacaoID, err)
			respondError(c, http.StatusInternalServerError, "falha ao actualizar")
			return
		}
		if !changed {
			// lost the race against the poller, report current state
			current, err := h.store.GetTransaction(transacaoID)
			if err == nil {
				respondData(c, http.StatusOK, snapshotOf(current))
				return
			}
			respondError(c, http.StatusConflict, "transação já finalizada")
			return
		}
	}

	// the terminal state just written supersedes any running
	// reconciliation session
	h.poller.Stop(transacaoID)

	tx.Status = status
	if status == db.StatusAprovado {
		tx.FalhaMotivo = ""
	} else {
		tx.FalhaMotivo = motivo
	}
	h.hub.PublishSnapshot(snapshotOf(tx))

	if status == db.StatusCancelado || status == db.StatusRejeitado {
		if _, err := h.recovery.Enqueue(tx); err != nil {
			h.log.Warn("handler: recovery enqueue %s: %v", transacaoID, err)
		}
	}
	respondData(c, http.StatusOK, snapshotOf(tx))
}

// PollerStats reports the running reconciliation sessions.
func (h *Handler) PollerStats(c *gin.Context) {
	respondData(c, http.StatusOK, gin.H{"sessions": h.poller.Stats()})
}

// RecoveryStats reports the last queue processing run.
func (h *Handler) RecoveryStats(c *gin.Context) {
	stats, at := h.recovery.LastStats()
	respondData(c, http.StatusOK, gin.H{"lastRun": at, "stats": stats})
}

func snapshotOf(tx *db.Transaction) realtime.Snapshot {
	updated := tx.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return realtime.Snapshot{
		TransacaoID: tx.TransacaoID,
		Status:      tx.Status,
		Metodo:      tx.Metodo,
		Valor:       tx.Valor,
		FalhaMotivo: tx.FalhaMotivo,
		UpdatedAt:   updated,
	}
}
