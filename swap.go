package icpi

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/log"

	"icpigo/pkg/icpierr"
	"icpigo/pkg/icrc"
	"icpigo/pkg/kongswap"
)

// executeSwap runs one trade through the DEX's approval-based flow:
// approve the exact pay amount, quote the expected output, execute with
// pay_tx_id unset (the protocol's signal for approve-then-transfer_from),
// then validate realized slippage against the cap.
func (idx *Index) executeSwap(
	ctx context.Context,
	payToken TrackedToken,
	payAmount *big.Int,
	receiveToken TrackedToken,
	maxSlippagePct float64,
) (*kongswap.SwapReply, error) {
	if err := validateSwapParams(payToken, payAmount, receiveToken, maxSlippagePct); err != nil {
		return nil, err
	}

	log.Info("executing swap", "pay", payToken.Symbol(), "amount", payAmount,
		"receive", receiveToken.Symbol(), "maxSlippagePct", maxSlippagePct)

	if err := idx.approveForSwap(ctx, payToken, payAmount); err != nil {
		return nil, err
	}

	quote, err := idx.dex.SwapAmounts(ctx, payToken.Symbol(), payAmount, receiveToken.Symbol())
	if err != nil {
		return nil, &icpierr.DexError{
			Operation: "swap_amounts",
			Message:   fmt.Sprintf("quote failed: %v", err),
		}
	}
	expected := quote.ReceiveAmount

	reply, err := idx.dex.Swap(ctx, kongswap.SwapArgs{
		PayToken:       payToken.Symbol(),
		PayAmount:      payAmount,
		PayTxID:        nil, // approval-based flow
		ReceiveToken:   receiveToken.Symbol(),
		ReceiveAddress: idx.cfg.Self.String(),
		MaxSlippage:    &maxSlippagePct,
	})
	if err != nil {
		return nil, &icpierr.SwapFailed{
			PayToken:     payToken.Symbol(),
			ReceiveToken: receiveToken.Symbol(),
			Amount:       payAmount.String(),
			Reason:       err.Error(),
		}
	}

	if err := validateSwapResult(expected, reply.ReceiveAmount, maxSlippagePct); err != nil {
		return nil, err
	}

	log.Info("swap complete", "pay", payToken.Symbol(), "payAmount", payAmount,
		"receive", receiveToken.Symbol(), "received", reply.ReceiveAmount,
		"slippage", reply.Slippage, "price", reply.Price)
	return reply, nil
}

// approveForSwap grants the DEX an allowance for exactly the pay amount with
// a bounded expiry, so unused approvals lapse on their own.
func (idx *Index) approveForSwap(ctx context.Context, token TrackedToken, amount *big.Int) error {
	_, err := idx.ledger(token).Approve(ctx, icrc.ApproveArgs{
		Spender:       icrc.Account{Owner: idx.cfg.Dex},
		Amount:        amount,
		ExpiresAt:     uint64(idx.now().Add(ApprovalExpiry).UnixNano()),
		Memo:          []byte("ICPI rebalancing"),
		CreatedAtTime: uint64(idx.now().UnixNano()),
	})
	if err != nil {
		return &icpierr.ApprovalFailed{
			Token:  token.Symbol(),
			Amount: amount.String(),
			Reason: err.Error(),
		}
	}
	log.Info("swap approval granted", "token", token.Symbol(), "amount", amount)
	return nil
}

func validateSwapParams(payToken TrackedToken, payAmount *big.Int, receiveToken TrackedToken, maxSlippagePct float64) error {
	if payAmount == nil || payAmount.Sign() == 0 {
		return &icpierr.InvalidSwapAmount{Reason: "pay amount must be greater than zero"}
	}
	if maxSlippagePct < 0 || maxSlippagePct > 10 {
		return &icpierr.InvalidSwapAmount{
			Reason: fmt.Sprintf("max slippage must be between 0%% and 10%%, got %.2f%%", maxSlippagePct),
		}
	}
	if payToken.Symbol() == receiveToken.Symbol() {
		return &icpierr.InvalidSwapAmount{Reason: "pay and receive tokens must be different"}
	}
	return nil
}

// validateSwapResult checks realized slippage. Receiving more than expected
// is always accepted.
func validateSwapResult(expected, actual *big.Int, maxSlippagePct float64) error {
	if expected == nil || expected.Sign() == 0 {
		return &icpierr.InvalidSwapAmount{Reason: "expected amount cannot be zero"}
	}

	expectedF, _ := new(big.Float).SetInt(expected).Float64()
	actualF, _ := new(big.Float).SetInt(actual).Float64()

	slippage := (expectedF - actualF) / expectedF
	if slippage < 0 {
		return nil
	}
	if slippage*100 > maxSlippagePct {
		return &icpierr.SlippageExceeded{
			Expected:       expected.String(),
			Actual:         actual.String(),
			MaxAllowed:     maxSlippagePct / 100,
			ActualSlippage: slippage,
		}
	}
	return nil
}

// buyToken spends stable reserves on the most under-weight token.
func (idx *Index) buyToken(ctx context.Context, token TrackedToken, usdAmount float64) (*kongswap.SwapReply, error) {
	payAmount := big.NewInt(int64(usdAmount * 1_000_000)) // stable e6
	return idx.executeSwap(ctx, CKUSDT, payAmount, token, MaxSlippagePercent)
}

// sellToken converts a USD target into token atoms at the live quote, checks
// holdings, and swaps back into the stablecoin.
func (idx *Index) sellToken(ctx context.Context, token TrackedToken, usdAmount float64) (*kongswap.SwapReply, error) {
	price, err := idx.tokenPriceUSDT(ctx, token)
	if err != nil {
		return nil, err
	}
	if price <= 0 {
		return nil, &icpierr.DexError{
			Operation: "swap_amounts",
			Message:   fmt.Sprintf("non-positive price for %s", token.Symbol()),
		}
	}

	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(token.Decimals())), nil)
	unitF, _ := new(big.Float).SetInt(unit).Float64()
	payAmount := big.NewInt(int64(usdAmount / price * unitF))

	balance, err := idx.BalanceUncached(ctx, token)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(payAmount) < 0 {
		return nil, &icpierr.RebalanceInsufficientBalance{
			Token:     token.Symbol(),
			Required:  payAmount.String(),
			Available: balance.String(),
		}
	}

	return idx.executeSwap(ctx, token, payAmount, CKUSDT, MaxSlippagePercent)
}
