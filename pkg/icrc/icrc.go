// Package icrc defines the ICRC-1/ICRC-2 request and reply envelopes the
// backend exchanges with its token-ledger peers, and the Ledger interface the
// core consumes. Concrete transports are injected by the host wiring; tests
// inject in-memory fakes.
package icrc

import (
	"context"
	"fmt"
	"math/big"
)

// Principal is the opaque identity of a user or canister peer.
type Principal string

// Anonymous is the sentinel principal rejected by caller validation.
const Anonymous Principal = "2vxsx-fae"

func (p Principal) String() string {
	return string(p)
}

// IsAnonymous reports whether the principal is the anonymous sentinel.
func (p Principal) IsAnonymous() bool {
	return p == Anonymous || p == ""
}

// Account identifies a ledger account.
type Account struct {
	Owner      Principal `json:"owner"`
	Subaccount []byte    `json:"subaccount,omitempty"`
}

// TransferArgs is the icrc1_transfer request envelope.
type TransferArgs struct {
	FromSubaccount []byte   `json:"from_subaccount,omitempty"`
	To             Account  `json:"to"`
	Amount         *big.Int `json:"amount"`
	Fee            *big.Int `json:"fee,omitempty"`
	Memo           []byte   `json:"memo,omitempty"`
	CreatedAtTime  uint64   `json:"created_at_time,omitempty"`
}

// TransferFromArgs is the icrc2_transfer_from request envelope.
type TransferFromArgs struct {
	SpenderSubaccount []byte   `json:"spender_subaccount,omitempty"`
	From              Account  `json:"from"`
	To                Account  `json:"to"`
	Amount            *big.Int `json:"amount"`
	Fee               *big.Int `json:"fee,omitempty"`
	Memo              []byte   `json:"memo,omitempty"`
	CreatedAtTime     uint64   `json:"created_at_time,omitempty"`
}

// ApproveArgs is the icrc2_approve request envelope.
type ApproveArgs struct {
	FromSubaccount    []byte   `json:"from_subaccount,omitempty"`
	Spender           Account  `json:"spender"`
	Amount            *big.Int `json:"amount"`
	ExpectedAllowance *big.Int `json:"expected_allowance,omitempty"`
	ExpiresAt         uint64   `json:"expires_at,omitempty"`
	Fee               *big.Int `json:"fee,omitempty"`
	Memo              []byte   `json:"memo,omitempty"`
	CreatedAtTime     uint64   `json:"created_at_time,omitempty"`
}

// AllowanceArgs is the icrc2_allowance request envelope.
type AllowanceArgs struct {
	Account Account `json:"account"`
	Spender Account `json:"spender"`
}

// Allowance is the icrc2_allowance reply.
type Allowance struct {
	Allowance *big.Int `json:"allowance"`
	ExpiresAt uint64   `json:"expires_at,omitempty"`
}

// TransferError is the structured rejection a ledger returns for a transfer
// or transfer_from. Kind distinguishes the variants the core branches on.
type TransferError struct {
	Kind    TransferErrorKind
	Message string
	// Balance or allowance the ledger reported, when the variant carries one.
	Detail *big.Int
}

type TransferErrorKind int

const (
	ErrGeneric TransferErrorKind = iota
	ErrInsufficientFunds
	ErrInsufficientAllowance
	ErrBadFee
	ErrTooOld
	ErrCreatedInFuture
	ErrDuplicate
	ErrTemporarilyUnavailable
)

func (e *TransferError) Error() string {
	if e.Detail != nil {
		return fmt.Sprintf("%s (detail: %s)", e.Message, e.Detail)
	}
	return e.Message
}

// Ledger is the surface the core consumes from a token-ledger peer. Every
// method suspends the caller until the peer replies.
type Ledger interface {
	// Transfer moves tokens from the backend's own account and returns the
	// block index.
	Transfer(ctx context.Context, args TransferArgs) (*big.Int, error)

	// TransferFrom spends a caller-granted allowance and returns the block
	// index.
	TransferFrom(ctx context.Context, args TransferFromArgs) (*big.Int, error)

	// Approve grants a spender an allowance and returns the block index.
	Approve(ctx context.Context, args ApproveArgs) (*big.Int, error)

	// AllowanceOf reports the live allowance for an (account, spender) pair.
	AllowanceOf(ctx context.Context, args AllowanceArgs) (*Allowance, error)

	// BalanceOf reports the balance of an account.
	BalanceOf(ctx context.Context, account Account) (*big.Int, error)

	// TotalSupply reports the ledger's total supply.
	TotalSupply(ctx context.Context) (*big.Int, error)
}
