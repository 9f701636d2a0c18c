// Package util holds the exact-arithmetic kernel shared by minting, burning
// and rebalancing. Every function is pure, works on arbitrary-precision
// unsigned integers and rounds down, so the backend can never over-issue or
// over-redeem.
package util

import (
	"fmt"
	"math/big"

	"icpigo/pkg/icpierr"
)

// Decimal widths of the two amount bases used across the index.
const (
	StableDecimals = 6 // reference stablecoin (e6)
	TokenDecimals  = 8 // basket tokens and the index token (e8)
)

var (
	ten        = big.NewInt(10)
	oneHundred = big.NewInt(100)
)

// MulDiv returns floor((a*b)/c) without ever narrowing the intermediate
// product.
func MulDiv(a, b, c *big.Int) (*big.Int, error) {
	if c.Sign() == 0 {
		return nil, &icpierr.DivisionByZero{
			Operation: fmt.Sprintf("(%s × %s) ÷ %s", a, b, c),
		}
	}
	product := new(big.Int).Mul(a, b)
	return product.Div(product, c), nil
}

// ConvertDecimals re-bases an amount between decimal widths. Scaling down a
// non-zero amount to zero is a PrecisionLoss error rather than a silent
// truncation.
func ConvertDecimals(amount *big.Int, fromDecimals, toDecimals uint32) (*big.Int, error) {
	if fromDecimals == toDecimals {
		return new(big.Int).Set(amount), nil
	}

	if fromDecimals < toDecimals {
		multiplier := new(big.Int).Exp(ten, big.NewInt(int64(toDecimals-fromDecimals)), nil)
		return new(big.Int).Mul(amount, multiplier), nil
	}

	divisor := new(big.Int).Exp(ten, big.NewInt(int64(fromDecimals-toDecimals)), nil)
	if amount.Sign() != 0 && amount.Cmp(divisor) < 0 {
		return nil, &icpierr.PrecisionLoss{
			Operation: fmt.Sprintf("convertDecimals(%s, %d, %d)", amount, fromDecimals, toDecimals),
			Original:  amount.String(),
		}
	}
	return new(big.Int).Div(amount, divisor), nil
}

// CalculateMintAmount computes the index tokens owed for a stablecoin deposit.
//
// Bootstrap (supply or TVL zero): 1:1 at decimal widths, so 1 stable mints
// 1 index unit. Otherwise: (deposit × supply) ÷ tvl with both stable legs
// re-based to e8 first.
func CalculateMintAmount(depositStable, currentSupply, currentTVL *big.Int) (*big.Int, error) {
	if depositStable.Sign() == 0 {
		return nil, &icpierr.InvalidAmount{
			Amount: "0",
			Reason: "deposit amount cannot be zero",
		}
	}

	if currentSupply.Sign() == 0 || currentTVL.Sign() == 0 {
		return ConvertDecimals(depositStable, StableDecimals, TokenDecimals)
	}

	depositE8, err := ConvertDecimals(depositStable, StableDecimals, TokenDecimals)
	if err != nil {
		return nil, err
	}
	tvlE8, err := ConvertDecimals(currentTVL, StableDecimals, TokenDecimals)
	if err != nil {
		return nil, err
	}

	minted, err := MulDiv(depositE8, currentSupply, tvlE8)
	if err != nil {
		return nil, err
	}
	if minted.Sign() == 0 {
		return nil, &icpierr.ProportionalCalculationError{
			Reason: "calculated mint amount is zero - deposit too small",
		}
	}
	return minted, nil
}

// TokenBalance pairs a basket symbol with the backend's holding of it.
type TokenBalance struct {
	Symbol  string
	Balance *big.Int
}

// Redemption is one leg of a proportional burn payout.
type Redemption struct {
	Symbol string
	Amount *big.Int
}

// CalculateRedemptions computes the proportional payout of every basket asset
// for a burn. Zero-balance assets are skipped; assets whose share floors to
// zero are omitted.
func CalculateRedemptions(burnAmount, totalSupply *big.Int, balances []TokenBalance) ([]Redemption, error) {
	if burnAmount.Sign() == 0 {
		return nil, &icpierr.InvalidAmount{
			Amount: "0",
			Reason: "burn amount cannot be zero",
		}
	}
	if totalSupply.Sign() == 0 {
		return nil, &icpierr.NoRedemptionsPossible{Reason: "total supply is zero"}
	}
	if burnAmount.Cmp(totalSupply) > 0 {
		return nil, &icpierr.InvalidAmount{
			Amount: burnAmount.String(),
			Reason: fmt.Sprintf("burn amount exceeds total supply %s", totalSupply),
		}
	}

	var redemptions []Redemption
	for _, tb := range balances {
		if tb.Balance.Sign() == 0 {
			continue
		}
		amount, err := MulDiv(burnAmount, tb.Balance, totalSupply)
		if err != nil {
			return nil, err
		}
		if amount.Sign() > 0 {
			redemptions = append(redemptions, Redemption{Symbol: tb.Symbol, Amount: amount})
		}
	}

	if len(redemptions) == 0 {
		return nil, &icpierr.NoRedemptionsPossible{Reason: "no tokens available for redemption"}
	}
	return redemptions, nil
}

// MaxBurnPercentage caps a single burn at this share of total supply.
const MaxBurnPercentage = 10

// ValidateBurnLimit enforces the per-transaction burn cap: amount·100 must not
// exceed supply·10. Exact integer comparison, no floats.
func ValidateBurnLimit(amount, supply *big.Int) error {
	amountScaled := new(big.Int).Mul(amount, oneHundred)
	supplyScaled := new(big.Int).Mul(supply, big.NewInt(MaxBurnPercentage))

	if amountScaled.Cmp(supplyScaled) > 0 {
		maximum := new(big.Int).Div(supplyScaled, oneHundred)
		return &icpierr.AmountExceedsMaximum{
			Amount:          amount.String(),
			Maximum:         maximum.String(),
			PercentageLimit: fmt.Sprintf("%d%%", MaxBurnPercentage),
		}
	}
	return nil
}

// CalculateTradeSize converts a USD allocation deviation into a stable-atom
// trade amount. Trades below the minimum are suppressed to zero so the
// rebalancer never emits dust.
func CalculateTradeSize(deviationUSD, tradeIntensity, minTradeUSD float64) *big.Int {
	if deviationUSD <= 0 {
		return new(big.Int)
	}

	tradeUSD := deviationUSD * tradeIntensity
	if tradeUSD < minTradeUSD {
		return new(big.Int)
	}

	return big.NewInt(int64(tradeUSD * 1_000_000))
}
