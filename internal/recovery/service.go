// Package recovery follows up on abandoned payments: failed or
// cancelled transactions are queued, messaged once, and watched for a
// later successful purchase.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dercio258/ratixpay.com-sub007/internal/db"
	"github.com/dercio258/ratixpay.com-sub007/internal/retry"
	"github.com/dercio258/ratixpay.com-sub007/utils"
)

// Store is the persistence surface the processor needs.
type Store interface {
	Enqueue(e *db.RecoveryEntry) (bool, error)
	DueEntries(now time.Time, limit int) ([]db.RecoveryEntry, error)
	SentEntries() ([]db.RecoveryEntry, error)
	MarkSent(id string, at time.Time) error
	RecordAttempt(id string, at time.Time) error
	MarkFailed(id, motivo string) error
	MarkIgnored(id, motivo string) error
	MarkConverted(entryID string, conv *db.RecoveryConversion) error
	TransactionStatus(transacaoID string) (db.Status, error)
	SentTodayFor(telefone, produtoID string, day time.Time) (bool, error)
}

// Messenger delivers one recovery message to the customer.
type Messenger interface {
	Send(ctx context.Context, e db.RecoveryEntry) error
}

// Config tunes the queue processor.
type Config struct {
	SendDelay        time.Duration
	ConversionWindow time.Duration
	MaxAttempts      int
	BatchSize        int
}

// Stats summarizes one processing run.
type Stats struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Ignored   int `json:"ignored"`
	Errors    int `json:"errors"`
}

var (
	recoveryRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_recovery_runs_total",
		Help: "Recovery queue processing runs.",
	})
	recoveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_recovery_entries_total",
		Help: "Recovery entries handled, by result.",
	}, []string{"result"})
	recoveryConversions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_recovery_conversions_total",
		Help: "Recovery messages that led to an approved payment.",
	})
)

// Service owns the recovery queue.
type Service struct {
	store Store
	msg   Messenger
	cfg   Config
	log   *utils.Logger
	now   func() time.Time

	mu        sync.Mutex
	lastStats Stats
	lastRun   time.Time
}

func NewService(cfg Config, store Store, msg Messenger) *Service {
	return &Service{store: store, msg: msg, cfg: cfg, log: utils.DefaultLogger, now: time.Now}
}

// Enqueue queues a follow-up for an abandoned transaction. Approved
// transactions are never queued; duplicates are absorbed by the store.
func (s *Service) Enqueue(tx *db.Transaction) (bool, error) {
	if tx.Status == db.StatusAprovado || tx.Status == db.StatusPendente {
		return false, fmt.Errorf("recovery: transaction %s is %s, not recoverable", tx.TransacaoID, tx.Status)
	}
	entry := &db.RecoveryEntry{
		ID:          uuid.NewString(),
		TransacaoID: tx.TransacaoID,
		Status:      db.RecoveryQueued,
		ClienteNome: tx.ClienteNome,
		Telefone:    tx.ClienteTelefone,
		Email:       tx.ClienteEmail,
		ProdutoID:   tx.ProdutoID,
		ProdutoNome: tx.ProdutoNome,
		Valor:       tx.Valor,
		ScheduledAt: s.now().Add(s.cfg.SendDelay),
	}
	created, err := s.store.Enqueue(entry)
	if err != nil {
		return false, fmt.Errorf("recovery: enqueue %s: %w", tx.TransacaoID, err)
	}
	if !created {
		s.log.Info("recovery: %s already queued, skipping", tx.TransacaoID)
	}
	return created, nil
}

// ProcessQueue handles one batch of due entries and then sweeps sent
// entries for conversions. A failure on one entry never aborts the run;
// only a failure to read the queue itself does.
func (s *Service) ProcessQueue(ctx context.Context) (Stats, error) {
	recoveryRuns.Inc()
	var stats Stats

	now := s.now()
	entries, err := s.store.DueEntries(now, s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("recovery: load queue: %w", err)
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Processed++
		s.processEntry(ctx, e, now, &stats)
	}

	s.sweepConversions(now, &stats)

	s.mu.Lock()
	s.lastStats = stats
	s.lastRun = now
	s.mu.Unlock()
	return stats, nil
}

// LastStats returns the result of the most recent completed run.
func (s *Service) LastStats() (Stats, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStats, s.lastRun
}

func (s *Service) processEntry(ctx context.Context, e db.RecoveryEntry, now time.Time, stats *Stats) {
	// the customer may have completed the purchase since enqueueing
	status, err := s.store.TransactionStatus(e.TransacaoID)
	if err == nil && status == db.StatusAprovado {
		if err := s.store.MarkIgnored(e.ID, "Pagamento já aprovado"); err != nil {
			s.fail(e, err, stats)
			return
		}
		stats.Ignored++
		recoveryOutcomes.WithLabelValues("ignored").Inc()
		return
	}

	// one message per client per product per day
	dup, err := s.store.SentTodayFor(e.Telefone, e.ProdutoID, now)
	if err != nil {
		s.fail(e, err, stats)
		return
	}
	if dup {
		if err := s.store.MarkIgnored(e.ID, "Mensagem já enviada hoje"); err != nil {
			s.fail(e, err, stats)
			return
		}
		stats.Ignored++
		recoveryOutcomes.WithLabelValues("ignored").Inc()
		return
	}

	if err := s.msg.Send(ctx, e); err != nil {
		attempts := e.Attempts + 1
		if rerr := s.store.RecordAttempt(e.ID, now); rerr != nil {
			s.fail(e, rerr, stats)
			return
		}
		if attempts >= s.cfg.MaxAttempts {
			if ferr := s.store.MarkFailed(e.ID, fmt.Sprintf("Envio falhou %d vezes: %v", attempts, err)); ferr != nil {
				s.fail(e, ferr, stats)
				return
			}
			recoveryOutcomes.WithLabelValues("failed").Inc()
			s.log.Warn("recovery: %s retired after %d failed sends", e.TransacaoID, attempts)
			return
		}
		if retry.Classify(err) == retry.Transient {
			// transport hiccup, entry stays queued for the next cycle
			s.log.Warn("recovery: send to %s failed, will retry: %v", e.Telefone, err)
			return
		}
		s.fail(e, err, stats)
		return
	}

	if err := s.store.MarkSent(e.ID, now); err != nil {
		s.fail(e, err, stats)
		return
	}
	stats.Sent++
	recoveryOutcomes.WithLabelValues("sent").Inc()
}

func (s *Service) fail(e db.RecoveryEntry, err error, stats *Stats) {
	stats.Errors++
	recoveryOutcomes.WithLabelValues("error").Inc()
	s.log.Error("recovery: entry %s (%s): %v", e.ID, e.TransacaoID, err)
}

// sweepConversions checks every sent entry: an approved transaction
// becomes a recorded conversion, an expired window retires the entry.
func (s *Service) sweepConversions(now time.Time, stats *Stats) {
	sent, err := s.store.SentEntries()
	if err != nil {
		stats.Errors++
		s.log.Error("recovery: load sent entries: %v", err)
		return
	}
	for _, e := range sent {
		status, err := s.store.TransactionStatus(e.TransacaoID)
		if err != nil {
			s.fail(e, err, stats)
			continue
		}
		if status == db.StatusAprovado {
			minutes := 0
			if e.SentAt != nil {
				minutes = int(now.Sub(*e.SentAt).Minutes())
			}
			conv := &db.RecoveryConversion{
				ID:               uuid.NewString(),
				EntryID:          e.ID,
				TransacaoID:      e.TransacaoID,
				Valor:            e.Valor,
				ConvertedAt:      now,
				MinutesToConvert: minutes,
			}
			if err := s.store.MarkConverted(e.ID, conv); err != nil {
				s.fail(e, err, stats)
				continue
			}
			recoveryConversions.Inc()
			s.log.Info("recovery: %s converted %d minutes after the message", e.TransacaoID, minutes)
			continue
		}
		if e.SentAt != nil && now.Sub(*e.SentAt) > s.cfg.ConversionWindow {
			if err := s.store.MarkIgnored(e.ID, "Janela de conversão expirada"); err != nil {
				s.fail(e, err, stats)
			}
		}
	}
}
