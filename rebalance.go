package icpi

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"icpigo/pkg/icrc"
	"icpigo/pkg/util"
)

// StartRebalanceTimer launches the hourly control loop. One cycle runs per
// tick; a cycle still in flight makes the next tick a no-op.
func (idx *Index) StartRebalanceTimer(ctx context.Context) {
	idx.mu.Lock()
	if idx.timerRunning {
		idx.mu.Unlock()
		return
	}
	idx.timerRunning = true
	idx.nextRebalance = idx.now().Add(RebalanceInterval)
	idx.stopRebalance = make(chan struct{})
	stop := idx.stopRebalance
	idx.mu.Unlock()

	go func() {
		ticker := time.NewTicker(RebalanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				idx.markTimerStopped()
				return
			case <-stop:
				idx.markTimerStopped()
				return
			case <-ticker.C:
				idx.mu.Lock()
				idx.nextRebalance = idx.now().Add(RebalanceInterval)
				idx.mu.Unlock()
				idx.runRebalanceCycle(ctx)
			}
		}
	}()

	log.Info("rebalance timer started", "interval", RebalanceInterval)
}

// StopRebalanceTimer halts the control loop.
func (idx *Index) StopRebalanceTimer() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.stopRebalance != nil {
		close(idx.stopRebalance)
		idx.stopRebalance = nil
	}
}

func (idx *Index) markTimerStopped() {
	idx.mu.Lock()
	idx.timerRunning = false
	idx.mu.Unlock()
}

// PerformRebalance is the admin-triggered manual cycle.
func (idx *Index) PerformRebalance(ctx context.Context, caller icrc.Principal) (*RebalanceRecord, error) {
	if err := idx.requireAdmin(caller); err != nil {
		return nil, err
	}
	if err := idx.checkNotPaused(); err != nil {
		return nil, err
	}
	idx.logAdminAction(caller, "perform_rebalance")
	return idx.runRebalanceCycle(ctx)
}

// runRebalanceCycle performs one bounded trade toward target weights.
func (idx *Index) runRebalanceCycle(ctx context.Context) (*RebalanceRecord, error) {
	if err := idx.checkNotPaused(); err != nil {
		return nil, err
	}

	idx.mu.Lock()
	if idx.rebalanceRunning {
		idx.mu.Unlock()
		log.Warn("rebalance cycle already in progress, skipping")
		return nil, nil
	}
	idx.rebalanceRunning = true
	idx.mu.Unlock()

	defer func() {
		idx.mu.Lock()
		idx.rebalanceRunning = false
		idx.mu.Unlock()
	}()

	if err := idx.coord.TryStartOperation(OpRebalancing); err != nil {
		log.Warn("rebalance blocked", "err", err)
		return nil, err
	}
	defer idx.coord.EndOperation(OpRebalancing)

	state, err := idx.GetIndexState(ctx)
	if err != nil {
		record := idx.recordRebalance(RebalanceAction{Kind: ActionNone}, false,
			fmt.Sprintf("index state unavailable: %v", err))
		return &record, err
	}

	action := selectRebalanceAction(state)
	if action.Kind == ActionNone {
		record := idx.recordRebalance(action, true, "no deviation above minimum trade size")
		return &record, nil
	}

	var execErr error
	switch action.Kind {
	case ActionBuy:
		_, execErr = idx.buyToken(ctx, action.Token, action.USD)
	case ActionSell:
		_, execErr = idx.sellToken(ctx, action.Token, action.USD)
	}

	if execErr != nil {
		record := idx.recordRebalance(action, false, execErr.Error())
		return &record, execErr
	}

	record := idx.recordRebalance(action, true,
		fmt.Sprintf("%s %s for $%.2f", action.Kind, action.Token.Symbol(), action.USD))
	return &record, nil
}

// selectRebalanceAction picks the single trade for this cycle: buy the most
// under-weight token while stable reserves allow, otherwise sell the most
// over-weight one. Trades are sized at a fraction of the deviation so the
// controller approaches the target without overshooting.
func selectRebalanceAction(state *IndexState) RebalanceAction {
	var underweight, overweight *AllocationDeviation
	for i := range state.Deviations {
		d := &state.Deviations[i]
		if d.USDDifference > 0 && (underweight == nil || d.USDDifference > underweight.USDDifference) {
			underweight = d
		}
		if d.USDDifference < 0 && (overweight == nil || d.USDDifference < overweight.USDDifference) {
			overweight = d
		}
	}

	reservesUSD := e6ToUSD(state.CkusdtBalance)

	if reservesUSD >= MinTradeSizeUSD && underweight != nil && underweight.USDDifference > MinTradeSizeUSD {
		size := util.CalculateTradeSize(underweight.USDDifference, TradeIntensity, MinTradeSizeUSD)
		if size.Sign() > 0 {
			usd := e6ToUSD(size)
			if usd > reservesUSD {
				usd = reservesUSD
			}
			return RebalanceAction{Kind: ActionBuy, Token: underweight.Token, USD: usd}
		}
	}

	if overweight != nil && -overweight.USDDifference > MinTradeSizeUSD {
		size := util.CalculateTradeSize(-overweight.USDDifference, TradeIntensity, MinTradeSizeUSD)
		if size.Sign() > 0 {
			return RebalanceAction{Kind: ActionSell, Token: overweight.Token, USD: e6ToUSD(size)}
		}
	}

	return RebalanceAction{Kind: ActionNone}
}

// recordRebalance stores a cycle outcome in the bounded ring and appends it
// to the persistent history.
func (idx *Index) recordRebalance(action RebalanceAction, success bool, details string) RebalanceRecord {
	record := RebalanceRecord{
		Timestamp: idx.now(),
		Action:    action,
		Success:   success,
		Details:   details,
	}

	idx.mu.Lock()
	idx.history = append(idx.history, record)
	if overflow := len(idx.history) - MaxRebalanceHistory; overflow > 0 {
		idx.history = idx.history[overflow:]
	}
	idx.mu.Unlock()

	if idx.store != nil {
		if err := idx.store.AppendTradeRecord(record); err != nil {
			log.Warn("failed to persist rebalance record", "err", err)
		}
	}

	log.Info("rebalance recorded", "action", action.Kind, "token", action.Token,
		"usd", action.USD, "success", success, "details", details)
	return record
}

// GetRebalancerStatus reports the controller state and the recent ring.
func (idx *Index) GetRebalancerStatus() RebalancerStatus {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	recent := make([]RebalanceRecord, len(idx.history))
	copy(recent, idx.history)

	return RebalancerStatus{
		TimerRunning:    idx.timerRunning,
		CycleInProgress: idx.rebalanceRunning,
		NextRebalance:   idx.nextRebalance,
		RecentHistory:   recent,
	}
}

// GetTradeHistory returns the recent ring.
func (idx *Index) GetTradeHistory() []RebalanceRecord {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]RebalanceRecord, len(idx.history))
	copy(out, idx.history)
	return out
}

// GetTradeHistoryPaginated pages through the full persistent history. With
// no store configured only the in-memory ring is available.
func (idx *Index) GetTradeHistoryPaginated(offset, limit int) ([]RebalanceRecord, int64, error) {
	if idx.store == nil {
		ring := idx.GetTradeHistory()
		if offset >= len(ring) {
			return nil, int64(len(ring)), nil
		}
		end := offset + limit
		if end > len(ring) {
			end = len(ring)
		}
		return ring[offset:end], int64(len(ring)), nil
	}
	return idx.store.LoadTradeHistory(offset, limit)
}
