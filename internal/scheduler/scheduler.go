/*

The scheduler owns the two periodic loops. Allocation cycles run on a cron
schedule (portfolio drift is slow, so a few runs per day suffice), while
guardian sweeps run on a short fixed interval (range breaches must be caught
within a minute). Both stop gracefully: a shutdown lets in-flight chain
calls finish rather than abandoning half-done liquidations.

*/

package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harborfin/steward/internal/executor"
	"github.com/harborfin/steward/internal/guardian"
	"github.com/harborfin/steward/internal/logger"
	"github.com/harborfin/steward/internal/state"
)

// Scheduler drives the allocation engine and the position guardian on their
// respective cadences.
type Scheduler struct {
	executor      *executor.Executor
	guardian      *guardian.Guardian
	market        state.MarketRepository
	cronSpec      string
	sweepInterval time.Duration
	logger        zerolog.Logger

	cron *cron.Cron
	wg   sync.WaitGroup

	// allocationRunning serializes allocation passes. A pass that overruns
	// its cron slot is skipped, not queued.
	allocationRunning sync.Mutex
}

// New validates the cadences and builds a scheduler.
func New(exec *executor.Executor, guard *guardian.Guardian, market state.MarketRepository, cronSpec string, sweepInterval time.Duration) (*Scheduler, error) {
	if exec == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if guard == nil {
		return nil, errors.New("guardian cannot be nil")
	}
	if market == nil {
		return nil, errors.New("market repository cannot be nil")
	}
	if sweepInterval <= 0 {
		return nil, errors.New("sweep interval must be positive")
	}
	if _, err := cron.ParseStandard(cronSpec); err != nil {
		return nil, err
	}
	return &Scheduler{
		executor:      exec,
		guardian:      guard,
		market:        market,
		cronSpec:      cronSpec,
		sweepInterval: sweepInterval,
		logger:        logger.GetForComponent("scheduler"),
	}, nil
}

// Start launches both loops. They run until ctx is cancelled; Stop blocks
// until any in-flight pass has finished.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cronSpec, func() {
		s.runAllocationPass(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Str("cronSpec", s.cronSpec).Msg("Allocation schedule started")

	s.wg.Add(1)
	go s.runGuardianLoop(ctx)

	return nil
}

// Stop halts scheduling and waits for in-flight work to drain.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		cronCtx := s.cron.Stop()
		<-cronCtx.Done()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// runGuardianLoop sweeps on a fixed interval. An immediate first sweep on
// startup catches positions that went out of range while the process was
// down.
func (s *Scheduler) runGuardianLoop(ctx context.Context) {
	defer s.wg.Done()

	// Sweeps run on a context detached from shutdown cancellation: aborting
	// a liquidation call mid-flight leaves unknown chain-side state, so an
	// in-progress sweep always finishes. Shutdown only stops new sweeps.
	sweepCtx := context.WithoutCancel(ctx)

	s.logger.Info().Str("interval", s.sweepInterval.String()).Msg("Guardian sweep loop started")
	s.guardian.Sweep(sweepCtx)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Guardian sweep loop stopping")
			return
		case <-ticker.C:
			s.guardian.Sweep(sweepCtx)
		}
	}
}

// runAllocationPass evaluates every enabled user once. Users are processed
// sequentially; one slow or failing user must not starve the others, so
// per-user errors are logged and the pass continues.
func (s *Scheduler) runAllocationPass(ctx context.Context) {
	if !s.allocationRunning.TryLock() {
		s.logger.Warn().Msg("Previous allocation pass still running, skipping this slot")
		return
	}
	defer s.allocationRunning.Unlock()

	if ctx.Err() != nil {
		return
	}

	passStart := time.Now()
	strategies, err := s.market.ListEnabledStrategies(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Allocation pass aborted: failed to list enabled strategies")
		return
	}
	if len(strategies) == 0 {
		s.logger.Debug().Msg("No enabled strategies, allocation pass is a no-op")
		return
	}

	// Per-user cycles finish their in-flight chain calls even during
	// shutdown; the pass stops between users instead.
	runCtx := context.WithoutCancel(ctx)

	executed := 0
	for _, strategy := range strategies {
		if ctx.Err() != nil {
			s.logger.Info().Msg("Allocation pass interrupted by shutdown")
			return
		}
		decision, err := s.executor.RunUser(runCtx, strategy.UserID)
		if err != nil {
			s.logger.Error().Str("userID", strategy.UserID).Err(err).Msg("Allocation cycle failed")
			continue
		}
		if decision.Executable() {
			executed++
		}
	}

	s.logger.Info().
		Int("users", len(strategies)).
		Int("rebalanced", executed).
		Str("duration", time.Since(passStart).String()).
		Msg("Allocation pass completed")
}
