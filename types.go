package icpi

import (
	"math/big"
	"time"

	"icpigo/pkg/icrc"
)

// Tunable constants for the index core. Amounts are atoms: e6 for the
// stablecoin, e8 for the index and basket tokens.
const (
	StableDecimals = 6
	IndexDecimals  = 8

	// Flat fee charged on mint and burn, in stable atoms (0.1 ckUSDT).
	FeeAmount = 100_000

	// Smallest accepted burn, in index atoms.
	MinBurnAmount = 10_000

	// Smallest accepted mint deposit, in stable atoms (1 ckUSDT).
	MinMintAmount = 1_000_000

	MinTradeSizeUSD    = 10.0
	TradeIntensity     = 0.10
	MaxSlippagePercent = 2.0

	RebalanceInterval = time.Hour
	GracePeriod       = 60 * time.Second
	ApprovalExpiry    = 15 * time.Minute

	// Pending mints are garbage collected after this age, whatever their
	// status.
	PendingMintTTL = 24 * time.Hour

	MaxRebalanceHistory = 10
	MaxAdminLogEntries  = 1000

	// Per-caller cooldowns between repeated requests of the same class.
	MintRateLimitWindow = time.Second
	BurnRateLimitWindow = time.Second

	// Snapshots older than this at use time are logged but not rejected.
	MaxSnapshotAge = 30 * time.Second
)

// TrackedToken is one of the finite set of tokens the index knows about. The
// first four compose the basket; CKUSDT is the mint-deposit currency and the
// DEX intermediary.
type TrackedToken string

const (
	ALEX   TrackedToken = "ALEX"
	ZERO   TrackedToken = "ZERO"
	KONG   TrackedToken = "KONG"
	BOB    TrackedToken = "BOB"
	CKUSDT TrackedToken = "ckUSDT"
)

// BasketTokens lists the tokens backing the index, in distribution order.
func BasketTokens() []TrackedToken {
	return []TrackedToken{ALEX, ZERO, KONG, BOB}
}

// AllTokens lists every tracked token including the stablecoin.
func AllTokens() []TrackedToken {
	return []TrackedToken{ALEX, ZERO, KONG, BOB, CKUSDT}
}

func (t TrackedToken) Symbol() string {
	return string(t)
}

// Decimals returns the atoms-per-unit width of the token.
func (t TrackedToken) Decimals() uint32 {
	if t == CKUSDT {
		return StableDecimals
	}
	return IndexDecimals
}

// TokenMetadata describes a tracked token for API consumers.
type TokenMetadata struct {
	Token      TrackedToken `json:"token"`
	Symbol     string       `json:"symbol"`
	Decimals   uint32       `json:"decimals"`
	CanisterID string       `json:"canister_id"`
}

// MintStage enumerates the steps of the mint state machine.
type MintStage int

const (
	MintPending MintStage = iota
	MintCollectingFee
	MintSnapshotting
	MintCollectingDeposit
	MintCalculating
	MintMinting
	MintComplete
	MintRefunding
	MintFailed
	MintFailedRefunded
	MintFailedNoRefund
)

func (s MintStage) String() string {
	switch s {
	case MintPending:
		return "Pending"
	case MintCollectingFee:
		return "CollectingFee"
	case MintSnapshotting:
		return "Snapshotting"
	case MintCollectingDeposit:
		return "CollectingDeposit"
	case MintCalculating:
		return "Calculating"
	case MintMinting:
		return "Minting"
	case MintComplete:
		return "Complete"
	case MintRefunding:
		return "Refunding"
	case MintFailed:
		return "Failed"
	case MintFailedRefunded:
		return "FailedRefunded"
	case MintFailedNoRefund:
		return "FailedNoRefund"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the stage can never transition again.
func (s MintStage) Terminal() bool {
	switch s {
	case MintComplete, MintFailed, MintFailedRefunded, MintFailedNoRefund:
		return true
	default:
		return false
	}
}

// MintSnapshot captures supply and TVL at one logical instant, used as the
// denominator of the mint formula.
type MintSnapshot struct {
	Supply    *big.Int  `json:"supply"`
	TVL       *big.Int  `json:"tvl"`
	Timestamp time.Time `json:"timestamp"`
}

// PendingMint is a mint request moving through the state machine.
type PendingMint struct {
	ID          string         `json:"id"`
	User        icrc.Principal `json:"user"`
	Amount      *big.Int       `json:"amount"` // requested deposit, stable atoms
	Stage       MintStage      `json:"stage"`
	Minted      *big.Int       `json:"minted,omitempty"` // set when Complete
	FailureNote string         `json:"failure_note,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	LastUpdated time.Time      `json:"last_updated"`
	Snapshot    *MintSnapshot  `json:"snapshot,omitempty"`
}

// MintStatus is the caller-facing view of a pending mint.
type MintStatus struct {
	ID          string    `json:"id"`
	Stage       string    `json:"stage"`
	Minted      *big.Int  `json:"minted,omitempty"`
	FailureNote string    `json:"failure_note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// TransferOutcome is one leg of a burn distribution.
type TransferOutcome struct {
	Symbol string   `json:"symbol"`
	Amount *big.Int `json:"amount"`
	Error  string   `json:"error,omitempty"`
}

// BurnResult reports a finished burn, including per-asset partial failures.
// Successful and failed sets together cover every non-zero redemption.
type BurnResult struct {
	SuccessfulTransfers []TransferOutcome `json:"successful_transfers"`
	FailedTransfers     []TransferOutcome `json:"failed_transfers"`
	ICPIBurned          *big.Int          `json:"icpi_burned"`
	Timestamp           time.Time         `json:"timestamp"`
}

// RebalanceActionKind tags a rebalance decision.
type RebalanceActionKind int

const (
	ActionNone RebalanceActionKind = iota
	ActionBuy
	ActionSell
)

func (k RebalanceActionKind) String() string {
	switch k {
	case ActionBuy:
		return "Buy"
	case ActionSell:
		return "Sell"
	default:
		return "None"
	}
}

// RebalanceAction is the single trade (or no-op) chosen in one cycle.
type RebalanceAction struct {
	Kind  RebalanceActionKind `json:"kind"`
	Token TrackedToken        `json:"token,omitempty"`
	USD   float64             `json:"usd,omitempty"`
}

// RebalanceRecord is one cycle's outcome. The most recent records live in a
// bounded ring; the full history is appended to the persistent store.
type RebalanceRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Action    RebalanceAction `json:"action"`
	Success   bool            `json:"success"`
	Details   string          `json:"details"`
}

// RebalancerStatus summarizes the controller for status queries.
type RebalancerStatus struct {
	TimerRunning    bool              `json:"timer_running"`
	CycleInProgress bool              `json:"cycle_in_progress"`
	NextRebalance   time.Time         `json:"next_rebalance"`
	RecentHistory   []RebalanceRecord `json:"recent_history"`
}

// CurrentPosition is one basket holding with its share of the portfolio.
type CurrentPosition struct {
	Token      TrackedToken `json:"token"`
	Balance    *big.Int     `json:"balance"`
	USDValue   float64      `json:"usd_value"`
	Percentage float64      `json:"percentage"`
}

// TargetAllocation is the weight a token should hold, derived from locked
// liquidity.
type TargetAllocation struct {
	Token            TrackedToken `json:"token"`
	TargetPercentage float64      `json:"target_percentage"`
	TargetUSDValue   float64      `json:"target_usd_value"`
}

// AllocationDeviation compares a current position against its target.
type AllocationDeviation struct {
	Token         TrackedToken `json:"token"`
	CurrentPct    float64      `json:"current_pct"`
	TargetPct     float64      `json:"target_pct"`
	DeviationPct  float64      `json:"deviation_pct"`
	USDDifference float64      `json:"usd_difference"`
	TradeSizeUSD  float64      `json:"trade_size_usd"`
}

// IndexState is the derived view of the whole portfolio. It is recomputed
// from peer queries on demand and never cached authoritatively.
type IndexState struct {
	TotalValue        float64               `json:"total_value"`
	CurrentPositions  []CurrentPosition     `json:"current_positions"`
	TargetAllocations []TargetAllocation    `json:"target_allocations"`
	Deviations        []AllocationDeviation `json:"deviations"`
	CkusdtBalance     *big.Int              `json:"ckusdt_balance"`
	Timestamp         time.Time             `json:"timestamp"`
}

// TokenTVL is one token's share of the locked-liquidity aggregate.
type TokenTVL struct {
	Token      TrackedToken `json:"token"`
	TVLUSD     float64      `json:"tvl_usd"`
	Percentage float64      `json:"percentage"`
}

// TVLSummary is the locked-liquidity aggregate used for target weights.
type TVLSummary struct {
	TotalTVLUSD float64    `json:"total_tvl_usd"`
	Tokens      []TokenTVL `json:"tokens"`
	Timestamp   time.Time  `json:"timestamp"`
}

// AdminAction is one entry of the admin audit ring.
type AdminAction struct {
	Timestamp time.Time      `json:"timestamp"`
	Admin     icrc.Principal `json:"admin"`
	Action    string         `json:"action"`
}
