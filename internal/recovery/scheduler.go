package recovery

import (
	"context"
	"time"

	"github.com/dercio258/ratixpay.com-sub007/utils"
)

// Scheduler runs the queue processor on a fixed period after an initial
// warmup, skipping a cycle when the previous one is still running.
type Scheduler struct {
	svc    *Service
	warmup time.Duration
	period time.Duration
	log    *utils.Logger
	busy   chan struct{}
}

func NewScheduler(svc *Service, warmup, period time.Duration) *Scheduler {
	return &Scheduler{
		svc:    svc,
		warmup: warmup,
		period: period,
		log:    utils.DefaultLogger,
		busy:   make(chan struct{}, 1),
	}
}

// Run blocks until ctx is cancelled. The first cycle fires after the
// warmup so the service finishes booting before queue work starts.
func (s *Scheduler) Run(ctx context.Context) {
	warm := time.NewTimer(s.warmup)
	defer warm.Stop()
	select {
	case <-ctx.Done():
		return
	case <-warm.C:
	}
	s.runOnce(ctx)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	select {
	case s.busy <- struct{}{}:
	default:
		s.log.Warn("recovery: previous cycle still running, skipping")
		return
	}
	defer func() { <-s.busy }()

	stats, err := s.svc.ProcessQueue(ctx)
	if err != nil {
		s.log.Error("recovery: cycle failed: %v", err)
		return
	}
	s.log.Info("recovery: cycle done, processed=%d sent=%d ignored=%d errors=%d",
		stats.Processed, stats.Sent, stats.Ignored, stats.Errors)
}
