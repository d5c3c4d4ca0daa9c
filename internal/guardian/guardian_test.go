package guardian

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborfin/steward/internal/chain"
	"github.com/harborfin/steward/internal/state"
	"github.com/harborfin/steward/internal/types"
)

// fakeStore is an in-memory PositionStore whose conditional updates are
// serialized by a mutex, mirroring the atomicity of the SQL updates.
type fakeStore struct {
	mu        sync.Mutex
	positions map[string]*types.Position
}

func newFakeStore(positions ...types.Position) *fakeStore {
	s := &fakeStore{positions: make(map[string]*types.Position)}
	for _, p := range positions {
		copied := p
		s.positions[p.ID] = &copied
	}
	return s
}

func (s *fakeStore) Insert(_ context.Context, position types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := position
	s.positions[position.ID] = &copied
	return nil
}

func (s *fakeStore) Get(_ context.Context, positionID string) (types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionID]
	if !ok {
		return types.Position{}, state.ErrPositionNotFound
	}
	return *p, nil
}

func (s *fakeStore) ListSweepable(_ context.Context, limit int) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Position
	for _, p := range s.positions {
		if p.Status == types.StatusActive || p.Status == types.StatusLiquidating {
			out = append(out, *p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) ListOpenByUser(_ context.Context, userID string) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Position
	for _, p := range s.positions {
		if p.UserID == userID && !p.Status.IsTerminal() {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *fakeStore) TryAcquireGuard(_ context.Context, positionID string, from, to types.PositionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionID]
	if !ok {
		return false, state.ErrPositionNotFound
	}
	if p.Status != from || p.Liquidating {
		return false, nil
	}
	p.Status = to
	p.Liquidating = true
	return true, nil
}

func (s *fakeStore) ReleaseGuard(_ context.Context, positionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionID]
	if !ok {
		return state.ErrPositionNotFound
	}
	p.Liquidating = false
	return nil
}

func (s *fakeStore) Transition(_ context.Context, positionID string, from, to types.PositionStatus, fields state.TransitionFields) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionID]
	if !ok {
		return false, state.ErrPositionNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	if fields.Proceeds != nil {
		p.Proceeds = *fields.Proceeds
	}
	if fields.ProceedsUSD != nil {
		p.ProceedsUSD = *fields.ProceedsUSD
	}
	if fields.ReturnedAmount != nil {
		p.ReturnedAmount = *fields.ReturnedAmount
	}
	if fields.ReturnedUSD != nil {
		p.ReturnedUSD = *fields.ReturnedUSD
	}
	if fields.LiquidatedAt != nil {
		p.LiquidatedAt = fields.LiquidatedAt
	}
	if fields.ExecutedAt != nil {
		p.ExecutedAt = fields.ExecutedAt
	}
	if fields.ClearGuard {
		p.Liquidating = false
	}
	return true, nil
}

func (s *fakeStore) ForceLiquidate(_ context.Context, positionID string, returned sdkmath.Int, returnedUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionID]
	if !ok {
		return state.ErrPositionNotFound
	}
	p.Status = types.StatusLiquidated
	p.ReturnedAmount = returned
	p.ReturnedUSD = returnedUSD
	p.Liquidating = false
	return nil
}

// fakeChain is a configurable Capability double that counts liquidation
// calls.
type fakeChain struct {
	outOfRange     bool
	confirm        atomic.Bool
	liquidateErr   error
	liquidateCalls atomic.Int64

	proceeds    sdkmath.Int
	proceedsUSD float64
}

func (c *fakeChain) DispatchInvestment(context.Context, string, types.Pool, float64, chain.RangeBounds) (chain.InvestmentReceipt, error) {
	return chain.InvestmentReceipt{}, errors.New("not used in guardian tests")
}

func (c *fakeChain) IsOutOfRange(context.Context, types.Position) (bool, error) {
	return c.outOfRange, nil
}

func (c *fakeChain) PoolPrice(context.Context, types.PoolID) (float64, error) {
	return 1, nil
}

func (c *fakeChain) LiquidateAndReturn(context.Context, types.Position) (chain.LiquidationReceipt, error) {
	c.liquidateCalls.Add(1)
	if c.liquidateErr != nil {
		return chain.LiquidationReceipt{}, c.liquidateErr
	}
	return chain.LiquidationReceipt{Proceeds: c.proceeds, ProceedsUSD: c.proceedsUSD, TxHash: "0xabc"}, nil
}

func (c *fakeChain) ConfirmSettlement(context.Context, types.Position) (bool, error) {
	return c.confirm.Load(), nil
}

func activePosition(id string) types.Position {
	return types.Position{
		ID:           id,
		UserID:       "user-1",
		PoolID:       7,
		BaseAsset:    "uusdc",
		DepositedUSD: 10_000,
		EntryPrice:   1.5,
		LowerTick:    -100,
		UpperTick:    200,
		Liquidity:    sdkmath.NewInt(5_000_000),
		Status:       types.StatusActive,
		CreatedAt:    time.Now().UTC(),
	}
}

func quickRetry() chain.RetryPolicy {
	return chain.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestSweepLiquidatesOutOfRangePosition(t *testing.T) {
	store := newFakeStore(activePosition("pos-1"))
	chainDouble := &fakeChain{outOfRange: true, proceeds: sdkmath.NewInt(9_800_000), proceedsUSD: 9_800}
	chainDouble.confirm.Store(true)

	g, err := New(store, chainDouble, quickRetry(), 10)
	require.NoError(t, err)

	results := g.Sweep(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeLiquidated, results[0].Outcome)
	assert.InDelta(t, 9_800, results[0].ReturnedUSD, 1e-9)

	final, err := store.Get(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusLiquidated, final.Status)
	assert.False(t, final.Liquidating, "guard must be cleared at the terminal state")
	assert.True(t, final.ReturnedAmount.Equal(sdkmath.NewInt(9_800_000)))
	assert.InDelta(t, 9_800, final.ReturnedUSD, 1e-9)
	require.NotNil(t, final.LiquidatedAt)
}

func TestSweepLeavesInRangePositionUntouched(t *testing.T) {
	store := newFakeStore(activePosition("pos-1"))
	chainDouble := &fakeChain{outOfRange: false}

	g, err := New(store, chainDouble, quickRetry(), 10)
	require.NoError(t, err)

	results := g.Sweep(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeInRange, results[0].Outcome)
	assert.Zero(t, chainDouble.liquidateCalls.Load())

	final, err := store.Get(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, final.Status)
}

func TestConcurrentSweepsLiquidateAtMostOnce(t *testing.T) {
	store := newFakeStore(activePosition("pos-1"))
	chainDouble := &fakeChain{outOfRange: true, proceeds: sdkmath.NewInt(1_000_000), proceedsUSD: 1_000}
	chainDouble.confirm.Store(true)

	const workers = 8
	guardians := make([]*Guardian, workers)
	for i := range guardians {
		g, err := New(store, chainDouble, quickRetry(), 10)
		require.NoError(t, err)
		guardians[i] = g
	}

	var wg sync.WaitGroup
	for _, g := range guardians {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Sweep(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), chainDouble.liquidateCalls.Load(),
		"exactly one worker may perform the liquidation")

	final, err := store.Get(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusLiquidated, final.Status)
	assert.False(t, final.Liquidating)
}

func TestLiquidationFailureRequiresManualIntervention(t *testing.T) {
	store := newFakeStore(activePosition("pos-1"))
	chainDouble := &fakeChain{outOfRange: true, liquidateErr: errors.New("execution reverted")}

	g, err := New(store, chainDouble, quickRetry(), 10)
	require.NoError(t, err)

	results := g.Sweep(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFatal, results[0].Outcome)
	assert.ErrorIs(t, results[0].Err, ErrFatalLiquidation)

	// Non-transient failure: no retry of the chain call.
	assert.Equal(t, int64(1), chainDouble.liquidateCalls.Load())

	// The position stays OUT_OF_RANGE with the guard released so an operator
	// can pick it up; it is not auto-retried into repeated failures.
	final, err := store.Get(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOutOfRange, final.Status)
	assert.False(t, final.Liquidating)
}

func TestSettlementPendingCompletesOnLaterSweep(t *testing.T) {
	store := newFakeStore(activePosition("pos-1"))
	chainDouble := &fakeChain{outOfRange: true, proceeds: sdkmath.NewInt(2_500_000), proceedsUSD: 2_500}
	chainDouble.confirm.Store(false)

	g, err := New(store, chainDouble, quickRetry(), 10)
	require.NoError(t, err)

	results := g.Sweep(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeSettlementPending, results[0].Outcome)
	assert.ErrorIs(t, results[0].Err, chain.ErrSettlementPending)

	// Proceeds are already stamped so the follow-up sweep can finalize
	// without repeating the liquidation call.
	mid, err := store.Get(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusLiquidating, mid.Status)
	assert.True(t, mid.Proceeds.Equal(sdkmath.NewInt(2_500_000)))
	assert.True(t, mid.ReturnedAmount.IsNil() || mid.ReturnedAmount.IsZero(),
		"returned amount must not be stamped before settlement")

	chainDouble.confirm.Store(true)
	results = g.Sweep(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeLiquidated, results[0].Outcome)
	assert.Equal(t, int64(1), chainDouble.liquidateCalls.Load(),
		"finalizing a pending settlement must not call liquidate again")

	final, err := store.Get(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusLiquidated, final.Status)
	assert.True(t, final.ReturnedAmount.Equal(sdkmath.NewInt(2_500_000)))
}

func TestLiquidateRejectsUnguardedPosition(t *testing.T) {
	store := newFakeStore()
	chainDouble := &fakeChain{}

	g, err := New(store, chainDouble, quickRetry(), 10)
	require.NoError(t, err)

	pos := activePosition("pos-1")
	result := g.Liquidate(context.Background(), pos)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.ErrorIs(t, result.Err, state.ErrStateConflict)
	assert.Zero(t, chainDouble.liquidateCalls.Load())
}
