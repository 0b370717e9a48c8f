package saga

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// SchedulerConfig tunes the periodic sweeps.
type SchedulerConfig struct {
	FastSweepInterval  time.Duration
	StuckSweepInterval time.Duration
	StuckCutoff        time.Duration
	BatchSize          int
}

// Scheduler re-drives sagas that are waiting on a retry or were
// abandoned mid-flight. Multiple scheduler instances may run
// concurrently; the database claim protocol guarantees each saga is
// driven by at most one of them per cycle.
type Scheduler struct {
	store  Store
	orch   *Orchestrator
	cfg    SchedulerConfig
	logger *zap.Logger
}

// NewScheduler creates a retry/stuck-recovery scheduler.
func NewScheduler(store Store, orch *Orchestrator, cfg SchedulerConfig) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Scheduler{
		store:  store,
		orch:   orch,
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// Run drives both sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	fast := time.NewTicker(s.cfg.FastSweepInterval)
	defer fast.Stop()
	stuck := time.NewTicker(s.cfg.StuckSweepInterval)
	defer stuck.Stop()

	s.logger.Info("Scheduler started",
		zap.Duration("fast_sweep", s.cfg.FastSweepInterval),
		zap.Duration("stuck_sweep", s.cfg.StuckSweepInterval),
		zap.Duration("stuck_cutoff", s.cfg.StuckCutoff))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-fast.C:
			s.RunFastSweep(ctx)
		case <-stuck.C:
			s.RunStuckSweep(ctx)
		}
	}
}

// RunFastSweep claims and resumes sagas whose retry backoff has
// elapsed.
func (s *Scheduler) RunFastSweep(ctx context.Context) {
	candidates, err := s.store.SagasDueForRetry(ctx, time.Now(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("Fast sweep query failed", zap.Error(err))
		return
	}
	if len(candidates) == 0 {
		return
	}
	s.logger.Debug("Fast sweep found retry candidates", zap.Int("count", len(candidates)))

	for _, candidate := range candidates {
		s.resume(ctx, candidate, models.SagaStatusInProgress, "fast")
	}
}

// RunStuckSweep claims and resumes sagas abandoned in FAILED or
// COMPENSATING longer than the cutoff, a safety net for processes that
// crashed before completing a normal retry cycle.
func (s *Scheduler) RunStuckSweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.StuckCutoff)
	candidates, err := s.store.StuckSagas(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("Stuck sweep query failed", zap.Error(err))
		return
	}
	if len(candidates) == 0 {
		return
	}
	s.logger.Info("Stuck sweep found abandoned sagas", zap.Int("count", len(candidates)))

	for _, candidate := range candidates {
		s.resume(ctx, candidate, candidate.Status, "stuck")
	}
}

// resume claims a single saga and, if the claim wins, drives it one
// retry cycle. Losing the claim means another scheduler instance owns
// the saga this cycle.
func (s *Scheduler) resume(ctx context.Context, candidate models.SagaState, from models.SagaStatus, sweep string) {
	claimed, err := s.store.ClaimSaga(ctx, candidate.ID, from)
	if err != nil {
		s.logger.Error("Claim attempt failed",
			zap.Int64("saga_id", candidate.ID),
			zap.Error(err))
		return
	}
	if !claimed {
		util.SagaClaimsTotal.WithLabelValues(sweep, "lost").Inc()
		return
	}
	util.SagaClaimsTotal.WithLabelValues(sweep, "won").Inc()

	state, err := s.store.SagaByOrderID(ctx, candidate.OrderID)
	if err != nil {
		s.logger.Error("Failed to reload claimed saga",
			zap.Int64("order_id", candidate.OrderID),
			zap.Error(err))
		return
	}

	if !s.orch.CanRetry(state) {
		s.logger.Warn("Claimed saga exhausted its retry budget",
			zap.Int64("order_id", state.OrderID),
			zap.Int("retry_count", state.RetryCount))
		s.orch.FailSaga(ctx, state.OrderID, "retry budget exhausted")
		return
	}

	s.orch.RetrySaga(ctx, state.OrderID, from == models.SagaStatusCompensating)
}
