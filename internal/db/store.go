package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("db: record not found")

// Store wraps the gorm connection with the queries the rest of the
// service needs.
type Store struct {
	db *gorm.DB
}

// Open connects to MySQL and migrates the schema.
func Open(dsn string) (*Store, error) {
	conn, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	if err := conn.AutoMigrate(&Transaction{}, &RecoveryEntry{}, &RecoveryConversion{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: conn}, nil
}

// NewStore wraps an existing gorm connection, mainly for tests.
func NewStore(conn *gorm.DB) *Store {
	return &Store{db: conn}
}

// Ping checks the underlying connection, used by the readiness probe.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// CreateTransaction inserts a new pending transaction.
func (s *Store) CreateTransaction(tx *Transaction) error {
	if tx.Status == "" {
		tx.Status = StatusPendente
	}
	return s.db.Create(tx).Error
}

// GetTransaction looks a transaction up by its provider-facing id.
func (s *Store) GetTransaction(transacaoID string) (*Transaction, error) {
	var tx Transaction
	err := s.db.Where("transacao_id = ?", transacaoID).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &tx, err
}

// SetTerminalStatus moves a pending transaction into a terminal state.
// The WHERE clause only matches pending rows, so concurrent writers race
// for a single row update and the losers see ok=false. A terminal row is
// never regressed to pending and never overwritten with another terminal
// state here.
func (s *Store) SetTerminalStatus(transacaoID string, status Status, motivo string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("db: %q is not a terminal status", status)
	}
	res := s.db.Model(&Transaction{}).
		Where("transacao_id = ? AND status = ?", transacaoID, StatusPendente).
		Updates(map[string]interface{}{"status": status, "falha_motivo": motivo})
	return res.RowsAffected > 0, res.Error
}

// ReopenForRecovery flips a cancelled or rejected transaction to
// approved. This is the only path out of a terminal state and exists for
// recovered payments that completed on a later attempt.
func (s *Store) ReopenForRecovery(transacaoID string) (bool, error) {
	res := s.db.Model(&Transaction{}).
		Where("transacao_id = ? AND status IN ?", transacaoID, []Status{StatusCancelado, StatusRejeitado}).
		Updates(map[string]interface{}{"status": StatusAprovado, "falha_motivo": ""})
	return res.RowsAffected > 0, res.Error
}

// Enqueue inserts a recovery entry unless one already exists for the
// transaction. Returns false when the unique index rejected a duplicate.
func (s *Store) Enqueue(e *RecoveryEntry) (bool, error) {
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transacao_id"}},
		DoNothing: true,
	}).Create(e)
	return res.RowsAffected > 0, res.Error
}

// DueEntries returns queued entries whose scheduled time has arrived.
func (s *Store) DueEntries(now time.Time, limit int) ([]RecoveryEntry, error) {
	var entries []RecoveryEntry
	err := s.db.Where("status = ? AND scheduled_at <= ?", RecoveryQueued, now).
		Order("scheduled_at").Limit(limit).Find(&entries).Error
	return entries, err
}

// SentEntries returns entries awaiting conversion detection.
func (s *Store) SentEntries() ([]RecoveryEntry, error) {
	var entries []RecoveryEntry
	err := s.db.Where("status = ?", RecoverySent).Find(&entries).Error
	return entries, err
}

// MarkSent records a delivered recovery message.
func (s *Store) MarkSent(id string, at time.Time) error {
	return s.db.Model(&RecoveryEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          RecoverySent,
			"sent_at":         at,
			"last_attempt_at": at,
			"attempts":        gorm.Expr("attempts + 1"),
		}).Error
}

// RecordAttempt bumps the attempt counter after a failed send, leaving
// the entry queued for the next cycle.
func (s *Store) RecordAttempt(id string, at time.Time) error {
	return s.db.Model(&RecoveryEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_attempt_at": at,
			"attempts":        gorm.Expr("attempts + 1"),
		}).Error
}

// MarkFailed retires an entry whose sends kept failing.
func (s *Store) MarkFailed(id, motivo string) error {
	return s.db.Model(&RecoveryEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": RecoveryFailed, "motivo": motivo}).Error
}

// MarkIgnored retires an entry without sending (anti-spam, expired window).
func (s *Store) MarkIgnored(id, motivo string) error {
	return s.db.Model(&RecoveryEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": RecoveryIgnored, "motivo": motivo}).Error
}

// MarkConverted closes an entry whose transaction was approved after the
// message went out, recording the conversion.
func (s *Store) MarkConverted(entryID string, conv *RecoveryConversion) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&RecoveryEntry{}).Where("id = ?", entryID).
			Update("status", RecoveryConverted).Error; err != nil {
			return err
		}
		return tx.Create(conv).Error
	})
}

// TransactionStatus returns the current status of a transaction.
func (s *Store) TransactionStatus(transacaoID string) (Status, error) {
	var tx Transaction
	err := s.db.Select("status").Where("transacao_id = ?", transacaoID).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	return tx.Status, err
}

// SentTodayFor reports whether this client already received a message
// for this product since the start of the given day. One message per
// client per product per day.
func (s *Store) SentTodayFor(telefone, produtoID string, day time.Time) (bool, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	var n int64
	err := s.db.Model(&RecoveryEntry{}).
		Where("telefone = ? AND produto_id = ? AND status = ? AND sent_at >= ?",
			telefone, produtoID, RecoverySent, start).
		Count(&n).Error
	return n > 0, err
}
