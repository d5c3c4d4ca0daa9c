package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitionsAreForwardOnly(t *testing.T) {
	tests := []struct {
		from    PositionStatus
		to      PositionStatus
		allowed bool
	}{
		{StatusPendingExecution, StatusActive, true},
		{StatusPendingExecution, StatusFailed, true},
		{StatusActive, StatusOutOfRange, true},
		{StatusOutOfRange, StatusLiquidating, true},
		{StatusLiquidating, StatusLiquidated, true},

		// No backward edges.
		{StatusActive, StatusPendingExecution, false},
		{StatusOutOfRange, StatusActive, false},
		{StatusLiquidating, StatusOutOfRange, false},
		{StatusLiquidated, StatusLiquidating, false},

		// No skipping forward.
		{StatusActive, StatusLiquidating, false},
		{StatusActive, StatusLiquidated, false},
		{StatusPendingExecution, StatusOutOfRange, false},

		// Terminal states go nowhere.
		{StatusLiquidated, StatusActive, false},
		{StatusFailed, StatusActive, false},
	}

	for _, tc := range tests {
		assert.Equalf(t, tc.allowed, tc.from.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusLiquidated.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
	assert.False(t, StatusLiquidating.IsTerminal())
}

func TestCanForceLiquidate(t *testing.T) {
	// The emergency path may jump any live status straight to LIQUIDATED.
	assert.True(t, StatusPendingExecution.CanForceLiquidate())
	assert.True(t, StatusActive.CanForceLiquidate())
	assert.True(t, StatusOutOfRange.CanForceLiquidate())
	assert.True(t, StatusLiquidating.CanForceLiquidate())

	// But never resurrect a terminal position.
	assert.False(t, StatusLiquidated.CanForceLiquidate())
	assert.False(t, StatusFailed.CanForceLiquidate())
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusActive.Valid())
	assert.False(t, PositionStatus("DELETED").Valid())
	assert.False(t, PositionStatus("").Valid())
}
