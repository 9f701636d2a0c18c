package icpi

import (
	"time"

	"github.com/ethereum/go-ethereum/log"

	"icpigo/pkg/icpierr"
	"icpigo/pkg/icrc"
)

// requireAdmin rejects callers outside the fixed allow-list.
func (idx *Index) requireAdmin(caller icrc.Principal) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.admins[caller]; !ok {
		return &icpierr.NotAdmin{Principal: caller.String()}
	}
	return nil
}

// logAdminAction appends to the bounded audit ring.
func (idx *Index) logAdminAction(admin icrc.Principal, action string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.adminLog = append(idx.adminLog, AdminAction{
		Timestamp: idx.now(),
		Admin:     admin,
		Action:    action,
	})
	if overflow := len(idx.adminLog) - MaxAdminLogEntries; overflow > 0 {
		idx.adminLog = idx.adminLog[overflow:]
	}

	log.Info("admin action", "admin", admin, "action", action)
}

// checkNotPaused gates every write entry point.
func (idx *Index) checkNotPaused() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.paused {
		return &icpierr.Paused{}
	}
	return nil
}

// EmergencyPause stops mints, burns and rebalancing. Reads are unaffected.
func (idx *Index) EmergencyPause(caller icrc.Principal) error {
	if err := idx.requireAdmin(caller); err != nil {
		return err
	}
	idx.mu.Lock()
	idx.paused = true
	idx.mu.Unlock()
	idx.logAdminAction(caller, "emergency_pause")
	return nil
}

// EmergencyUnpause lifts the pause flag.
func (idx *Index) EmergencyUnpause(caller icrc.Principal) error {
	if err := idx.requireAdmin(caller); err != nil {
		return err
	}
	idx.mu.Lock()
	idx.paused = false
	idx.mu.Unlock()
	idx.logAdminAction(caller, "emergency_unpause")
	return nil
}

// IsEmergencyPaused reports the pause flag.
func (idx *Index) IsEmergencyPaused() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.paused
}

// GetAdminActionLog returns the audit ring, newest last.
func (idx *Index) GetAdminActionLog(caller icrc.Principal) ([]AdminAction, error) {
	if err := idx.requireAdmin(caller); err != nil {
		return nil, err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]AdminAction, len(idx.adminLog))
	copy(out, idx.adminLog)
	return out, nil
}

// ClearCaches exists for interface compatibility: the index keeps no
// authoritative caches, so it only resets the rate-limit table.
func (idx *Index) ClearCaches(caller icrc.Principal) error {
	if err := idx.requireAdmin(caller); err != nil {
		return err
	}
	idx.mu.Lock()
	idx.rateLimits = make(map[string]time.Time)
	idx.mu.Unlock()
	idx.logAdminAction(caller, "clear_caches")
	return nil
}

// checkRateLimit enforces a per-key cooldown and records the hit when the
// window has passed.
func (idx *Index) checkRateLimit(key string, window time.Duration) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.now()
	if last, ok := idx.rateLimits[key]; ok {
		elapsed := now.Sub(last)
		if elapsed < window {
			wait := window - elapsed
			return &icpierr.RateLimited{
				Key:         key,
				WaitSeconds: uint64((wait + time.Second - 1) / time.Second),
			}
		}
	}
	idx.rateLimits[key] = now
	return nil
}
