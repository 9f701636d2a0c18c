package icpi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"icpigo/pkg/icpierr"
)

func TestPerUserGuards(t *testing.T) {
	coord := NewCoordinator(nil)

	t.Run("reentry rejected", func(t *testing.T) {
		assert.NoError(t, coord.AcquireMintGuard(userPrincipal))

		err := coord.AcquireMintGuard(userPrincipal)
		var oip *icpierr.OperationInProgress
		assert.ErrorAs(t, err, &oip)
		assert.Equal(t, "mint", oip.Operation)

		// A different user is unaffected.
		assert.NoError(t, coord.AcquireMintGuard(otherPrincipal))

		coord.ReleaseMintGuard(userPrincipal)
		coord.ReleaseMintGuard(otherPrincipal)
	})

	t.Run("release allows reacquire", func(t *testing.T) {
		assert.NoError(t, coord.AcquireBurnGuard(userPrincipal))
		coord.ReleaseBurnGuard(userPrincipal)
		assert.NoError(t, coord.AcquireBurnGuard(userPrincipal))
		coord.ReleaseBurnGuard(userPrincipal)
	})

	t.Run("mint and burn guards are independent", func(t *testing.T) {
		assert.NoError(t, coord.AcquireMintGuard(userPrincipal))
		assert.NoError(t, coord.AcquireBurnGuard(userPrincipal))
		coord.ReleaseMintGuard(userPrincipal)
		coord.ReleaseBurnGuard(userPrincipal)
	})
}

func TestGlobalOperationStateMachine(t *testing.T) {
	clock := newFakeClock()

	t.Run("idle is never a start target", func(t *testing.T) {
		coord := NewCoordinator(clock.Now)
		err := coord.TryStartOperation(OpIdle)
		var sc *icpierr.StateCorrupted
		assert.ErrorAs(t, err, &sc)
	})

	t.Run("minting blocks rebalancing", func(t *testing.T) {
		coord := NewCoordinator(clock.Now)
		assert.NoError(t, coord.AcquireMintGuard(userPrincipal))
		assert.NoError(t, coord.TryStartOperation(OpMinting))

		err := coord.TryStartOperation(OpRebalancing)
		var coip *icpierr.CriticalOperationInProgress
		assert.ErrorAs(t, err, &coip)
		assert.Equal(t, "Minting", coip.Operation)

		// Burns may still start alongside mints.
		assert.NoError(t, coord.TryStartOperation(OpBurning))
	})

	t.Run("rebalancing blocks mint and burn", func(t *testing.T) {
		coord := NewCoordinator(clock.Now)
		assert.NoError(t, coord.TryStartOperation(OpRebalancing))

		var rip *icpierr.RebalancingInProgress
		assert.ErrorAs(t, coord.TryStartOperation(OpMinting), &rip)
		assert.ErrorAs(t, coord.TryStartOperation(OpBurning), &rip)

		// A second rebalancing request must not trap.
		assert.NoError(t, coord.TryStartOperation(OpRebalancing))
	})

	t.Run("end only drains when both active sets are empty", func(t *testing.T) {
		coord := NewCoordinator(clock.Now)
		assert.NoError(t, coord.AcquireMintGuard(userPrincipal))
		assert.NoError(t, coord.AcquireBurnGuard(otherPrincipal))
		assert.NoError(t, coord.TryStartOperation(OpMinting))

		coord.ReleaseMintGuard(userPrincipal)
		coord.EndOperation(OpMinting)
		assert.NotEqual(t, OpIdle, coord.Current())

		coord.ReleaseBurnGuard(otherPrincipal)
		coord.EndOperation(OpBurning)
		assert.Equal(t, OpIdle, coord.Current())
	})
}

func TestGracePeriod(t *testing.T) {
	clock := newFakeClock()
	coord := NewCoordinator(clock.Now)

	// Run and finish a mint.
	assert.NoError(t, coord.AcquireMintGuard(userPrincipal))
	assert.NoError(t, coord.TryStartOperation(OpMinting))
	coord.ReleaseMintGuard(userPrincipal)
	coord.EndOperation(OpMinting)
	assert.Equal(t, OpIdle, coord.Current())

	t.Run("different type blocked inside the window", func(t *testing.T) {
		err := coord.TryStartOperation(OpRebalancing)
		var gp *icpierr.GracePeriodActive
		assert.ErrorAs(t, err, &gp)
		assert.LessOrEqual(t, gp.WaitSeconds, uint64(60))
		assert.Equal(t, "Minting", gp.CurrentOperation)
	})

	t.Run("same type unaffected", func(t *testing.T) {
		assert.NoError(t, coord.TryStartOperation(OpMinting))
		coord.EndOperation(OpMinting)
	})

	t.Run("window expires", func(t *testing.T) {
		clock.Advance(61 * time.Second)
		assert.NoError(t, coord.TryStartOperation(OpRebalancing))
		coord.EndOperation(OpRebalancing)
	})
}

func TestGuardRoundTripThroughEntryPoints(t *testing.T) {
	h := newHarness(t)

	// A failing burn must leave the caller absent from the active set and
	// the global state idle.
	_, err := h.index.Burn(t.Context(), userPrincipal, bigInt(1)) // below minimum
	assert.Error(t, err)

	mints, burns := h.index.coord.ActiveCounts()
	assert.Zero(t, mints)
	assert.Zero(t, burns)
	assert.Equal(t, OpIdle, h.index.coord.Current())
}
