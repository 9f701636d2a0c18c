package icpi

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"icpigo/pkg/icpierr"
)

func TestAdminGate(t *testing.T) {
	h := newHarness(t)

	t.Run("non-admin rejected", func(t *testing.T) {
		err := h.index.EmergencyPause(userPrincipal)
		var na *icpierr.NotAdmin
		assert.ErrorAs(t, err, &na)

		_, err = h.index.GetAdminActionLog(userPrincipal)
		assert.ErrorAs(t, err, &na)
	})

	t.Run("pause toggles", func(t *testing.T) {
		assert.False(t, h.index.IsEmergencyPaused())

		assert.NoError(t, h.index.EmergencyPause(adminPrincipal))
		assert.True(t, h.index.IsEmergencyPaused())

		assert.NoError(t, h.index.EmergencyUnpause(adminPrincipal))
		assert.False(t, h.index.IsEmergencyPaused())
	})

	t.Run("actions are logged", func(t *testing.T) {
		entries, err := h.index.GetAdminActionLog(adminPrincipal)
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, len(entries), 2)
		last := entries[len(entries)-1]
		assert.Equal(t, adminPrincipal, last.Admin)
		assert.Equal(t, "emergency_unpause", last.Action)
	})
}

func TestAdminLogBounded(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < MaxAdminLogEntries+50; i++ {
		h.index.logAdminAction(adminPrincipal, fmt.Sprintf("action_%d", i))
	}

	entries, err := h.index.GetAdminActionLog(adminPrincipal)
	assert.NoError(t, err)
	assert.Len(t, entries, MaxAdminLogEntries)
	// Oldest entries were dropped.
	assert.Equal(t, "action_50", entries[0].Action)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t)

	assert.NoError(t, h.index.checkRateLimit("burn_user", time.Second))

	err := h.index.checkRateLimit("burn_user", time.Second)
	var rl *icpierr.RateLimited
	assert.ErrorAs(t, err, &rl)
	assert.Equal(t, "burn_user", rl.Key)

	// A different key is independent.
	assert.NoError(t, h.index.checkRateLimit("burn_other", time.Second))

	h.clock.Advance(time.Second)
	assert.NoError(t, h.index.checkRateLimit("burn_user", time.Second))
}

func TestClearCaches(t *testing.T) {
	h := newHarness(t)

	assert.NoError(t, h.index.checkRateLimit("burn_user", time.Minute))
	assert.Error(t, h.index.checkRateLimit("burn_user", time.Minute))

	assert.NoError(t, h.index.ClearCaches(adminPrincipal))

	// The rate-limit table was reset.
	assert.NoError(t, h.index.checkRateLimit("burn_user", time.Minute))
}
