package icpi

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/log"

	"icpigo/pkg/icpierr"
	"icpigo/pkg/icrc"
	"icpigo/pkg/util"
)

// Burn validates caps, pulls the index tokens from the caller (which burns
// them, since the backend is the minting account), and distributes a
// proportional slice of every basket asset. Distribution is best-effort per
// asset: once the tokens are burned there is no way back, so failures are
// recorded instead of aborting.
func (idx *Index) Burn(ctx context.Context, caller icrc.Principal, amount *big.Int) (*BurnResult, error) {
	if err := idx.checkNotPaused(); err != nil {
		return nil, err
	}

	release, err := idx.beginBurn(caller)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := idx.validateBurnRequest(caller, amount); err != nil {
		return nil, err
	}

	// Fee allowance precheck. A failed allowance query only logs; the fee
	// transfer below produces the definitive error.
	allowance, err := idx.stableLedger().AllowanceOf(ctx, icrc.AllowanceArgs{
		Account: icrc.Account{Owner: caller},
		Spender: idx.backendAccount(),
	})
	if err != nil {
		log.Warn("fee allowance query failed, continuing", "user", caller, "err", err)
	} else if allowance.Allowance.Cmp(big.NewInt(FeeAmount)) < 0 {
		return nil, &icpierr.InsufficientFeeAllowance{
			Required: fmt.Sprint(FeeAmount),
			Approved: allowance.Allowance.String(),
		}
	}

	supply, err := idx.SupplyUncached(ctx)
	if err != nil {
		return nil, err
	}
	if supply.Sign() == 0 {
		return nil, &icpierr.NoSupply{}
	}

	// Per-transaction cap against the pre-burn supply snapshot.
	if err := util.ValidateBurnLimit(amount, supply); err != nil {
		return nil, err
	}

	balance, err := idx.indexLedger.BalanceOf(ctx, icrc.Account{Owner: caller})
	if err != nil {
		return nil, &icpierr.CanisterUnreachable{
			Canister: idx.cfg.IndexCanisterID,
			Reason:   fmt.Sprintf("balance query failed: %v", err),
		}
	}
	if balance.Cmp(amount) < 0 {
		return nil, &icpierr.InsufficientBalance{
			Required:  amount.String(),
			Available: balance.String(),
		}
	}

	if err := idx.collectStable(ctx, caller, big.NewInt(FeeAmount), "ICPI burn fee"); err != nil {
		return nil, err
	}
	log.Info("burn fee collected", "user", caller)

	// Pulling the index tokens to the minting account burns them atomically.
	if err := idx.pullAndBurn(ctx, caller, amount); err != nil {
		return nil, err
	}
	log.Info("index tokens burned", "user", caller, "amount", amount, "supply", supply)

	redemptions, err := idx.basketRedemptions(ctx, amount, supply)
	if err != nil {
		return nil, err
	}

	result := idx.distribute(ctx, caller, redemptions, amount)
	return result, nil
}

func (idx *Index) validateBurnRequest(caller icrc.Principal, amount *big.Int) error {
	if caller.IsAnonymous() {
		return &icpierr.InvalidPrincipal{Principal: caller.String()}
	}
	if amount.Cmp(big.NewInt(MinBurnAmount)) < 0 {
		return &icpierr.AmountBelowMinimum{
			Amount:  amount.String(),
			Minimum: fmt.Sprint(MinBurnAmount),
		}
	}
	return idx.checkRateLimit("burn_"+caller.String(), BurnRateLimitWindow)
}

// pullAndBurn spends the caller's allowance to move index tokens into the
// minting account. Allowance shortfalls are distinguished from other ledger
// rejections.
func (idx *Index) pullAndBurn(ctx context.Context, caller icrc.Principal, amount *big.Int) error {
	_, err := idx.indexLedger.TransferFrom(ctx, icrc.TransferFromArgs{
		From:          icrc.Account{Owner: caller},
		To:            idx.backendAccount(),
		Amount:        amount,
		Memo:          []byte("ICPI burning"),
		CreatedAtTime: uint64(idx.now().UnixNano()),
	})
	if err == nil {
		return nil
	}

	var te *icrc.TransferError
	if errors.As(err, &te) && te.Kind == icrc.ErrInsufficientAllowance {
		approved := "0"
		if te.Detail != nil {
			approved = te.Detail.String()
		}
		return &icpierr.InsufficientAllowance{
			Required: amount.String(),
			Approved: approved,
		}
	}
	return &icpierr.LedgerInteractionFailed{
		Operation: "burn_transfer_from",
		Details:   err.Error(),
	}
}

// basketRedemptions queries every basket balance and computes the
// proportional payout.
func (idx *Index) basketRedemptions(ctx context.Context, amount, supply *big.Int) ([]util.Redemption, error) {
	var balances []util.TokenBalance
	for _, token := range BasketTokens() {
		balance, err := idx.BalanceUncached(ctx, token)
		if err != nil {
			return nil, err
		}
		balances = append(balances, util.TokenBalance{
			Symbol:  token.Symbol(),
			Balance: balance,
		})
	}
	return util.CalculateRedemptions(amount, supply, balances)
}

// distribute transfers every redemption leg to the caller. A failure on one
// asset does not abort the loop or reverse prior transfers; it is recorded
// for operator reconciliation.
func (idx *Index) distribute(ctx context.Context, caller icrc.Principal, redemptions []util.Redemption, burned *big.Int) *BurnResult {
	result := &BurnResult{
		ICPIBurned: burned,
		Timestamp:  idx.now(),
	}

	for _, r := range redemptions {
		token := TrackedToken(r.Symbol)
		_, err := idx.ledger(token).Transfer(ctx, icrc.TransferArgs{
			To:            icrc.Account{Owner: caller},
			Amount:        r.Amount,
			Memo:          []byte("ICPI redemption"),
			CreatedAtTime: uint64(idx.now().UnixNano()),
		})
		if err != nil {
			log.Error("redemption transfer failed", "token", r.Symbol, "amount", r.Amount, "user", caller, "err", err)
			result.FailedTransfers = append(result.FailedTransfers, TransferOutcome{
				Symbol: r.Symbol,
				Amount: r.Amount,
				Error:  err.Error(),
			})
			continue
		}
		result.SuccessfulTransfers = append(result.SuccessfulTransfers, TransferOutcome{
			Symbol: r.Symbol,
			Amount: r.Amount,
		})
	}

	log.Info("burn distributed", "user", caller, "burned", burned,
		"succeeded", len(result.SuccessfulTransfers), "failed", len(result.FailedTransfers))
	return result
}
