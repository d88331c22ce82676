package db

import (
	"time"

	"gorm.io/gorm"
)

// Transaction is a payment attempt for a product sale.
type Transaction struct {
	gorm.Model
	TransacaoID     string  `gorm:"uniqueIndex;size:64"` // provider-facing id, "TXN..."
	Status          Status  `gorm:"size:20;default:'Pendente';index"`
	Metodo          string  `gorm:"size:20"` // "mpesa" or "emola"
	Valor           float64 // amount in MZN
	ClienteNome     string  `gorm:"size:120"`
	ClienteTelefone string  `gorm:"size:20"`
	ClienteEmail    string  `gorm:"size:120"`
	ProdutoID       string  `gorm:"size:64;index"`
	ProdutoNome     string  `gorm:"size:200"`
	VendedorID      string  `gorm:"size:64;index"`
	Referencia      string  `gorm:"size:100"` // provider payment reference
	FalhaMotivo     string  `gorm:"size:255"` // failure reason, empty when approved
}

// RecoveryEntry is one abandoned transaction queued for a follow-up
// message. TransacaoID is unique so a transaction is enqueued at most once.
type RecoveryEntry struct {
	ID            string         `gorm:"primaryKey;size:36"`
	TransacaoID   string         `gorm:"uniqueIndex;size:64"`
	Status        RecoveryStatus `gorm:"size:20;default:'Queued';index"`
	Attempts      int
	ClienteNome   string `gorm:"size:120"`
	Telefone      string `gorm:"size:20;index"`
	Email         string `gorm:"size:120"`
	ProdutoID     string `gorm:"size:64;index"`
	ProdutoNome   string `gorm:"size:200"`
	Valor         float64
	Motivo        string `gorm:"size:255"` // why it was ignored or failed
	ScheduledAt   time.Time
	SentAt        *time.Time
	LastAttemptAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RecoveryConversion records a recovery message that led to an approved
// payment, with the elapsed time for campaign analysis.
type RecoveryConversion struct {
	ID               string `gorm:"primaryKey;size:36"`
	EntryID          string `gorm:"size:36;index"`
	TransacaoID      string `gorm:"uniqueIndex;size:64"`
	Valor            float64
	ConvertedAt      time.Time
	MinutesToConvert int
	CreatedAt        time.Time
}
