package billing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/instarding/server/internal/config"
	"github.com/instarding/server/internal/storage"
)

// Scheduler drives the recurring-charge sweep: every tick it charges
// subscriptions whose next payment is due and auto-resumes pauses that
// have run their course.
type Scheduler struct {
	svc   *Service
	store storage.Store
	cfg   config.BillingConfig
	log   zerolog.Logger

	mu       sync.Mutex
	alive    bool
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewScheduler wires the sweep around an existing billing service.
func NewScheduler(svc *Service, store storage.Store, cfg config.BillingConfig, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		svc:      svc,
		store:    store,
		cfg:      cfg,
		log:      log.With().Str("component", "billing-scheduler").Logger(),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (s *Scheduler) tickInterval() time.Duration {
	if s.cfg.TickInterval.Duration > 0 {
		return s.cfg.TickInterval.Duration
	}
	return time.Minute
}

// Start launches the sweep loop. Call Stop to shut it down.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.alive = true
	s.mu.Unlock()
	s.log.Info().Dur("tick", s.tickInterval()).Msg("recurring payments scheduler started")
	go s.loop()
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.doneChan
}

// Alive reports whether the sweep loop is running, for health checks.
func (s *Scheduler) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *Scheduler) loop() {
	defer close(s.doneChan)
	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			s.mu.Lock()
			s.alive = false
			s.mu.Unlock()
			s.log.Info().Msg("recurring payments scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick runs one sweep pass. Exported so tests and operators can force a
// pass without waiting for the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.svc.now()

	due, err := s.store.DueSubscriptions(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("listing due subscriptions failed")
	} else {
		if len(due) > 0 {
			s.log.Info().Int("count", len(due)).Msg("processing due recurrent payments")
		}
		for _, sub := range due {
			if sub.CardToken == "" {
				continue
			}
			if err := s.svc.ChargeDue(ctx, sub); err != nil {
				s.log.Error().Err(err).Int64("subscription_id", sub.ID).
					Msg("recurrent charge failed")
			}
		}
	}

	s.resumePaused(ctx, now)
}

// resumePaused reactivates subscriptions whose pause window elapsed and
// charges them in the same pass.
func (s *Scheduler) resumePaused(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.svc.pauseDuration())
	paused, err := s.store.PausedSubscriptionsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("listing paused subscriptions failed")
		return
	}

	for _, sub := range paused {
		if sub.CardToken == "" {
			continue
		}
		s.log.Info().Int64("subscription_id", sub.ID).Str("user_id", sub.UserID).
			Msg("auto-resuming paused subscription")

		sub.Status = storage.SubscriptionActive
		sub.AutoRenewal = true
		sub.NextPaymentDate = &now
		sub.FailedAttempts = 0
		sub.PausedAt = nil
		if err := s.store.UpdateSubscription(ctx, sub); err != nil {
			s.log.Error().Err(err).Int64("subscription_id", sub.ID).
				Msg("auto-resume failed")
			continue
		}

		if err := s.svc.ChargeDue(ctx, sub); err != nil {
			s.log.Error().Err(err).Int64("subscription_id", sub.ID).
				Msg("post-resume charge failed")
		}
	}
}
