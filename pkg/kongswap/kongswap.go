// Package kongswap defines the request and reply envelopes for the DEX peer
// (price quotes, swaps, LP position listings) and the locked-liquidity
// catalog, together with the client interfaces the core consumes.
package kongswap

import (
	"context"
	"math/big"

	"icpigo/pkg/icrc"
)

// SwapAmountsReply is the quote returned by swap_amounts.
type SwapAmountsReply struct {
	PaySymbol     string   `json:"pay_symbol"`
	PayAmount     *big.Int `json:"pay_amount"`
	ReceiveSymbol string   `json:"receive_symbol"`
	ReceiveAmount *big.Int `json:"receive_amount"`
	Price         float64  `json:"price"`
	Slippage      float64  `json:"slippage"`
}

// SwapArgs is the swap request envelope. A nil PayTxID selects the
// approve-then-transfer_from flow.
type SwapArgs struct {
	PayToken       string   `json:"pay_token"`
	PayAmount      *big.Int `json:"pay_amount"`
	PayTxID        *big.Int `json:"pay_tx_id,omitempty"`
	ReceiveToken   string   `json:"receive_token"`
	ReceiveAmount  *big.Int `json:"receive_amount,omitempty"`
	ReceiveAddress string   `json:"receive_address,omitempty"`
	MaxSlippage    *float64 `json:"max_slippage,omitempty"`
	ReferredBy     string   `json:"referred_by,omitempty"`
}

// SwapReply is the executed-swap reply.
type SwapReply struct {
	TxID          uint64   `json:"tx_id"`
	PaySymbol     string   `json:"pay_symbol"`
	PayAmount     *big.Int `json:"pay_amount"`
	ReceiveSymbol string   `json:"receive_symbol"`
	ReceiveAmount *big.Int `json:"receive_amount"`
	Price         float64  `json:"price"`
	Slippage      float64  `json:"slippage"`
	Timestamp     uint64   `json:"ts"`
}

// LPReply is one LP position from user_balances. The per-side USD amounts let
// callers attribute value to a single symbol without double counting the
// combined balance.
type LPReply struct {
	Symbol     string  `json:"symbol"`
	Symbol0    string  `json:"symbol_0"`
	Symbol1    string  `json:"symbol_1"`
	Balance    float64 `json:"balance"`
	Amount0    float64 `json:"amount_0"`
	Amount1    float64 `json:"amount_1"`
	USDAmount0 float64 `json:"usd_amount_0"`
	USDAmount1 float64 `json:"usd_amount_1"`
	USDBalance float64 `json:"usd_balance"`
	Timestamp  uint64  `json:"ts"`
}

// Client is the DEX surface the core consumes.
type Client interface {
	// SwapAmounts quotes the expected receive amount without trading.
	SwapAmounts(ctx context.Context, paySymbol string, payAmount *big.Int, receiveSymbol string) (*SwapAmountsReply, error)

	// Swap executes a trade.
	Swap(ctx context.Context, args SwapArgs) (*SwapReply, error)

	// UserBalances lists the LP positions held by a principal.
	UserBalances(ctx context.Context, principalText string) ([]LPReply, error)
}

// Locker is the locked-liquidity catalog peer.
type Locker interface {
	// GetAllLockCanisters lists (user, lock canister) pairs.
	GetAllLockCanisters(ctx context.Context) ([]LockCanister, error)
}

// LockCanister pairs a user with their lock canister.
type LockCanister struct {
	User     icrc.Principal `json:"user"`
	Canister icrc.Principal `json:"lock_canister"`
}
