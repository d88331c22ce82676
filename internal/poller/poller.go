// Package poller reconciles pending transactions against the payment
// gateway, checking on a fixed interval until a terminal answer, the
// check budget, or the overall deadline is reached.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dercio258/ratixpay.com-sub007/internal/db"
	"github.com/dercio258/ratixpay.com-sub007/internal/provider"
	"github.com/dercio258/ratixpay.com-sub007/utils"
)

// TimeoutReason is stored and reported when the poller gives up on a
// transaction that never reached a terminal state.
const TimeoutReason = "Timeout na verificação de status"

// Outcome is the final classification of one polling session.
type Outcome string

const (
	OutcomeApproved    Outcome = "Approved"
	OutcomeCancelled   Outcome = "Cancelled"
	OutcomeRejected    Outcome = "Rejected"
	OutcomeTimedOut    Outcome = "TimedOut"
	OutcomeServerError Outcome = "ServerError"
)

// Result is delivered to the session callback exactly once.
type Result struct {
	TransacaoID string
	Outcome     Outcome
	Status      db.Status
	Reason      string
	Checks      int
}

// Callback receives the terminal result of a session.
type Callback func(Result)

// StatusSource answers status queries, normally the provider client.
type StatusSource interface {
	CheckStatus(ctx context.Context, transacaoID string) (*provider.StatusResult, error)
}

// Store persists the terminal status. ok=false means another writer
// already settled the transaction.
type Store interface {
	SetTerminalStatus(transacaoID string, status db.Status, motivo string) (bool, error)
}

// Publisher pushes the settled transaction to realtime subscribers.
type Publisher interface {
	PublishStatus(transacaoID string, status db.Status, motivo string)
}

// Config bounds one polling session.
type Config struct {
	CheckInterval  time.Duration
	OverallTimeout time.Duration
	MaxChecks      int
}

var (
	pollOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_poller_outcomes_total",
		Help: "Polling sessions finished, by outcome.",
	}, []string{"outcome"})
	pollChecks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_poller_checks_total",
		Help: "Status checks issued against the gateway.",
	})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paygate_poller_active_sessions",
		Help: "Polling sessions currently running.",
	})
)

// ErrAlreadyPolling is returned when a session for the transaction is
// already running.
var ErrAlreadyPolling = errors.New("poller: session already active")

type session struct {
	transacaoID string
	cancel      context.CancelFunc
	cb          Callback
	startedAt   time.Time
	checks      atomic.Int32
}

// Poller runs one background session per transaction.
type Poller struct {
	cfg       Config
	source    StatusSource
	store     Store
	publisher Publisher
	log       *utils.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func New(cfg Config, source StatusSource, store Store, publisher Publisher) *Poller {
	return &Poller{
		cfg:       cfg,
		source:    source,
		store:     store,
		publisher: publisher,
		log:       utils.DefaultLogger,
		sessions:  make(map[string]*session),
	}
}

// StartPolling begins a session for the transaction. The callback fires
// exactly once with the terminal result unless the session is stopped
// first.
func (p *Poller) StartPolling(transacaoID string, cb Callback) error {
	p.mu.Lock()
	if _, exists := p.sessions[transacaoID]; exists {
		p.mu.Unlock()
		return ErrAlreadyPolling
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{transacaoID: transacaoID, cancel: cancel, cb: cb, startedAt: time.Now()}
	p.sessions[transacaoID] = s
	p.mu.Unlock()

	activeSessions.Inc()
	go p.run(ctx, s)
	return nil
}

// Stop cancels a running session. No store write, no notification.
func (p *Poller) Stop(transacaoID string) {
	p.mu.Lock()
	s, ok := p.sessions[transacaoID]
	if ok {
		delete(p.sessions, transacaoID)
	}
	p.mu.Unlock()
	if ok {
		s.cancel()
		activeSessions.Dec()
	}
}

// SessionInfo describes one running session for the stats endpoint.
type SessionInfo struct {
	TransacaoID string        `json:"transacao_id"`
	Checks      int           `json:"checks"`
	Age         time.Duration `json:"age"`
}

// Stats snapshots the running sessions.
func (p *Poller) Stats() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		infos = append(infos, SessionInfo{
			TransacaoID: s.transacaoID,
			Checks:      int(s.checks.Load()),
			Age:         time.Since(s.startedAt),
		})
	}
	return infos
}

func (p *Poller) run(ctx context.Context, s *session) {
	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(p.cfg.OverallTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			p.finish(s, Result{
				TransacaoID: s.transacaoID,
				Outcome:     OutcomeTimedOut,
				Status:      db.StatusCancelado,
				Reason:      TimeoutReason,
				Checks:      int(s.checks.Load()),
			})
			return
		case <-ticker.C:
			s.checks.Add(1)
			pollChecks.Inc()
			if done := p.check(ctx, s); done {
				return
			}
		}
	}
}

// check performs one status query. Returns true when the session ended.
func (p *Poller) check(ctx context.Context, s *session) bool {
	res, err := p.source.CheckStatus(ctx, s.transacaoID)
	if err != nil {
		var se *provider.ServerError
		if errors.As(err, &se) {
			p.finish(s, Result{
				TransacaoID: s.transacaoID,
				Outcome:     OutcomeServerError,
				Status:      db.StatusCancelado,
				Reason:      se.Message,
				Checks:      int(s.checks.Load()),
			})
			return true
		}
		// the client already retried the transport failure, keep the
	// cadence going unless the budget is spent
		p.log.Warn("poller: status check for %s failed: %v", s.transacaoID, err)
		return p.maybeExhaust(s)
	}

	status, ok := db.ParseStatus(res.Status)
	if !ok || status == db.StatusPendente {
		return p.maybeExhaust(s)
	}

	r := Result{TransacaoID: s.transacaoID, Status: status, Reason: res.FalhaMotivo, Checks: int(s.checks.Load())}
	switch status {
	case db.StatusAprovado:
		r.Outcome = OutcomeApproved
		r.Reason = ""
	case db.StatusCancelado:
		r.Outcome = OutcomeCancelled
		if r.Reason == "" {
			r.Reason = "Pagamento cancelado"
		}
	case db.StatusRejeitado:
		r.Outcome = OutcomeRejected
		if r.Reason == "" {
			r.Reason = "Pagamento rejeitado"
		}
	}
	p.finish(s, r)
	return true
}

func (p *Poller) maybeExhaust(s *session) bool {
	if int(s.checks.Load()) < p.cfg.MaxChecks {
		return false
	}
	p.finish(s, Result{
		TransacaoID: s.transacaoID,
		Outcome:     OutcomeTimedOut,
		Status:      db.StatusCancelado,
		Reason:      TimeoutReason,
		Checks:      int(s.checks.Load()),
	})
	return true
}

// finish settles the session: one store write, one realtime publish,
// one callback. Removing the session from the registry under the lock
// guarantees this runs at most once even if the deadline and a check
// race, and that a stopped session stays silent. A session that loses
// the conditional store write also stays silent: publishing its result
// would contradict the state already on record.
func (p *Poller) finish(s *session, r Result) {
	p.mu.Lock()
	current, ok := p.sessions[s.transacaoID]
	if !ok || current != s {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, s.transacaoID)
	p.mu.Unlock()

	s.cancel()
	activeSessions.Dec()

	wrote, err := p.store.SetTerminalStatus(r.TransacaoID, r.Status, r.Reason)
	if err != nil {
		p.log.Error("poller: persisting %s for %s: %v", r.Status, r.TransacaoID, err)
	} else if !wrote {
		// another writer settled the transaction first; its state is
		// authoritative, so this session ends without a word
		p.log.Info("poller: %s already settled, dropping %s", r.TransacaoID, r.Outcome)
		return
	}
	pollOutcomes.WithLabelValues(string(r.Outcome)).Inc()
	if p.publisher != nil {
		p.publisher.PublishStatus(r.TransacaoID, r.Status, r.Reason)
	}
	if s.cb != nil {
		s.cb(r)
	}
	p.log.Info("poller: %s settled as %s after %d checks", r.TransacaoID, r.Outcome, r.Checks)
}
