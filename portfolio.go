package icpi

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"icpigo/pkg/icpierr"
	"icpigo/pkg/util"
)

// SupplyUncached queries the index ledger's live total supply.
func (idx *Index) SupplyUncached(ctx context.Context) (*big.Int, error) {
	supply, err := idx.indexLedger.TotalSupply(ctx)
	if err != nil {
		return nil, &icpierr.CanisterUnreachable{
			Canister: idx.cfg.IndexCanisterID,
			Reason:   fmt.Sprintf("total supply query failed: %v", err),
		}
	}
	return supply, nil
}

// BalanceUncached queries the backend's live balance of one tracked token.
func (idx *Index) BalanceUncached(ctx context.Context, token TrackedToken) (*big.Int, error) {
	balance, err := idx.ledger(token).BalanceOf(ctx, idx.backendAccount())
	if err != nil {
		return nil, &icpierr.CanisterUnreachable{
			Canister: idx.cfg.CanisterIDs[token],
			Reason:   fmt.Sprintf("balance query failed: %v", err),
		}
	}
	return balance, nil
}

// AllBalancesUncached fans out one balance query per tracked token and fails
// if any single ledger is unreachable.
func (idx *Index) AllBalancesUncached(ctx context.Context) (map[TrackedToken]*big.Int, error) {
	var mu sync.Mutex
	balances := make(map[TrackedToken]*big.Int)

	g, gctx := errgroup.WithContext(ctx)
	for _, token := range AllTokens() {
		g.Go(func() error {
			balance, err := idx.BalanceUncached(gctx, token)
			if err != nil {
				return err
			}
			mu.Lock()
			balances[token] = balance
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return balances, nil
}

// tokenPriceUSDT quotes one whole token against ckUSDT on the DEX. There is
// deliberately no fallback price: a failed quote fails the caller.
func (idx *Index) tokenPriceUSDT(ctx context.Context, token TrackedToken) (float64, error) {
	if token == CKUSDT {
		return 1.0, nil
	}

	oneToken := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(token.Decimals())), nil)
	reply, err := idx.dex.SwapAmounts(ctx, token.Symbol(), oneToken, CKUSDT.Symbol())
	if err != nil {
		return 0, &icpierr.DexError{
			Operation: "swap_amounts",
			Message:   fmt.Sprintf("price quote for %s failed: %v", token.Symbol(), err),
		}
	}

	receiveE6, _ := new(big.Float).SetInt(reply.ReceiveAmount).Float64()
	return receiveE6 / 1_000_000, nil
}

// tokenValueE6 converts a token balance into stable atoms at the quoted
// price: balance × price_e6 ÷ 10^decimals, exact.
func (idx *Index) tokenValueE6(ctx context.Context, token TrackedToken, balance *big.Int) (*big.Int, error) {
	if token == CKUSDT {
		return new(big.Int).Set(balance), nil
	}
	if balance.Sign() == 0 {
		return new(big.Int), nil
	}

	price, err := idx.tokenPriceUSDT(ctx, token)
	if err != nil {
		return nil, err
	}

	priceE6 := big.NewInt(int64(price * 1_000_000))
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(token.Decimals())), nil)
	return util.MulDiv(balance, priceE6, unit)
}

// TVLAtomic sums every holding's USD value plus stable reserves, in stable
// atoms.
func (idx *Index) TVLAtomic(ctx context.Context) (*big.Int, error) {
	balances, err := idx.AllBalancesUncached(ctx)
	if err != nil {
		return nil, err
	}

	total := new(big.Int)
	for _, token := range AllTokens() {
		value, err := idx.tokenValueE6(ctx, token, balances[token])
		if err != nil {
			return nil, fmt.Errorf("value %s: %w", token.Symbol(), err)
		}
		total.Add(total, value)
	}
	return total, nil
}

// supplyAndTVLRetries bounds re-queries of the read-only pair on transient
// failures.
const supplyAndTVLRetries = 2

// SupplyAndTVLAtomic queries supply and TVL in parallel so the pair is as
// close to one instant as the peers allow. A zero on one side with a non-zero
// on the other indicates corrupted state and fails hard.
func (idx *Index) SupplyAndTVLAtomic(ctx context.Context) (supply, tvl *big.Int, err error) {
	for attempt := 0; ; attempt++ {
		supply, tvl, err = idx.supplyAndTVLOnce(ctx)
		if err == nil {
			break
		}
		if attempt >= supplyAndTVLRetries {
			return nil, nil, err
		}
		log.Warn("supply/TVL snapshot failed, retrying", "attempt", attempt+1, "err", err)
	}

	if (supply.Sign() == 0) != (tvl.Sign() == 0) {
		return nil, nil, &icpierr.DataInconsistency{
			Supply: supply.String(),
			TVL:    tvl.String(),
		}
	}
	return supply, tvl, nil
}

func (idx *Index) supplyAndTVLOnce(ctx context.Context) (*big.Int, *big.Int, error) {
	var supply, tvl *big.Int

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := idx.SupplyUncached(gctx)
		if err != nil {
			return err
		}
		supply = s
		return nil
	})
	g.Go(func() error {
		t, err := idx.TVLAtomic(gctx)
		if err != nil {
			return err
		}
		tvl = t
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return supply, tvl, nil
}

// lockerTVL aggregates the locked-liquidity signal: every lock canister's LP
// positions, attributing to each basket token only the USD value of the LP
// side carrying that token. Per-peer failures are tolerated up to half the
// catalog; beyond that the aggregate is unreliable.
func (idx *Index) lockerTVL(ctx context.Context) (map[TrackedToken]float64, error) {
	canisters, err := idx.locker.GetAllLockCanisters(ctx)
	if err != nil {
		return nil, &icpierr.CanisterUnreachable{
			Canister: "kong_locker",
			Reason:   fmt.Sprintf("lock canister catalog query failed: %v", err),
		}
	}

	totals := make(map[TrackedToken]float64)
	for _, token := range BasketTokens() {
		totals[token] = 0
	}
	if len(canisters) == 0 {
		return totals, nil
	}

	var mu sync.Mutex
	succeeded := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, lc := range canisters {
		g.Go(func() error {
			positions, err := idx.dex.UserBalances(gctx, lc.Canister.String())
			if err != nil {
				log.Warn("lock canister balance query failed", "canister", lc.Canister, "err", err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			succeeded++
			for _, lp := range positions {
				for _, token := range BasketTokens() {
					if lp.Symbol0 == token.Symbol() {
						totals[token] += lp.USDAmount0
					}
					if lp.Symbol1 == token.Symbol() {
						totals[token] += lp.USDAmount1
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if succeeded == 0 || succeeded*2 < len(canisters) {
		return nil, &icpierr.TVLUnreliable{Succeeded: succeeded, Total: len(canisters)}
	}

	log.Info("locked-liquidity aggregate", "queried", len(canisters), "succeeded", succeeded)
	return totals, nil
}

// GetTVLSummary exposes the locked-liquidity aggregate with per-token shares.
func (idx *Index) GetTVLSummary(ctx context.Context) (*TVLSummary, error) {
	totals, err := idx.lockerTVL(ctx)
	if err != nil {
		return nil, err
	}

	var total float64
	for _, v := range totals {
		total += v
	}

	summary := &TVLSummary{TotalTVLUSD: total, Timestamp: idx.now()}
	for _, token := range BasketTokens() {
		pct := 0.0
		if total > 0 {
			pct = totals[token] / total * 100
		}
		summary.Tokens = append(summary.Tokens, TokenTVL{
			Token:      token,
			TVLUSD:     totals[token],
			Percentage: pct,
		})
	}
	return summary, nil
}

// targetWeights normalizes the locker aggregate into per-token fractions.
// With no locked liquidity at all the basket falls back to equal weights.
func (idx *Index) targetWeights(ctx context.Context) (map[TrackedToken]float64, error) {
	totals, err := idx.lockerTVL(ctx)
	if err != nil {
		return nil, err
	}

	var total float64
	for _, v := range totals {
		total += v
	}

	weights := make(map[TrackedToken]float64)
	if total == 0 {
		equal := 1.0 / float64(len(BasketTokens()))
		for _, token := range BasketTokens() {
			weights[token] = equal
		}
		return weights, nil
	}
	for _, token := range BasketTokens() {
		weights[token] = totals[token] / total
	}
	return weights, nil
}

// GetIndexState recomputes the full derived portfolio view from live peer
// data: positions, targets, deviations and stable reserves.
func (idx *Index) GetIndexState(ctx context.Context) (*IndexState, error) {
	balances, err := idx.AllBalancesUncached(ctx)
	if err != nil {
		return nil, err
	}

	totalE6 := new(big.Int)
	valueE6 := make(map[TrackedToken]*big.Int)
	for _, token := range AllTokens() {
		value, err := idx.tokenValueE6(ctx, token, balances[token])
		if err != nil {
			return nil, fmt.Errorf("value %s: %w", token.Symbol(), err)
		}
		valueE6[token] = value
		totalE6.Add(totalE6, value)
	}

	totalUSD := e6ToUSD(totalE6)

	state := &IndexState{
		TotalValue:    totalUSD,
		CkusdtBalance: balances[CKUSDT],
		Timestamp:     idx.now(),
	}

	for _, token := range AllTokens() {
		usd := e6ToUSD(valueE6[token])
		pct := 0.0
		if totalUSD > 0 {
			pct = usd / totalUSD * 100
		}
		state.CurrentPositions = append(state.CurrentPositions, CurrentPosition{
			Token:      token,
			Balance:    balances[token],
			USDValue:   usd,
			Percentage: pct,
		})
	}

	weights, err := idx.targetWeights(ctx)
	if err != nil {
		return nil, err
	}

	for _, token := range BasketTokens() {
		target := TargetAllocation{
			Token:            token,
			TargetPercentage: weights[token] * 100,
			TargetUSDValue:   totalUSD * weights[token],
		}
		state.TargetAllocations = append(state.TargetAllocations, target)

		currentUSD := e6ToUSD(valueE6[token])
		currentPct := 0.0
		if totalUSD > 0 {
			currentPct = currentUSD / totalUSD * 100
		}
		usdDiff := target.TargetUSDValue - currentUSD

		state.Deviations = append(state.Deviations, AllocationDeviation{
			Token:         token,
			CurrentPct:    currentPct,
			TargetPct:     target.TargetPercentage,
			DeviationPct:  target.TargetPercentage - currentPct,
			USDDifference: usdDiff,
			TradeSizeUSD:  abs(usdDiff) * TradeIntensity,
		})
	}

	return state, nil
}

func e6ToUSD(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f / 1_000_000
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
