// Package icpi implements the backend of an on-chain portfolio index token:
// users deposit ckUSDT to mint index units, burn units to redeem a
// proportional slice of every basket asset, and a periodic controller
// rebalances holdings toward target weights derived from locked liquidity.
package icpi

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"icpigo/pkg/icrc"
	"icpigo/pkg/kongswap"
)

// StateStore persists the state that must survive restarts: the pending-mint
// table and the append-only trade history. Everything else is rebuilt.
type StateStore interface {
	SavePendingMint(m PendingMint) error
	DeletePendingMint(id string) error
	LoadPendingMints() ([]PendingMint, error)
	AppendTradeRecord(r RebalanceRecord) error
	LoadTradeHistory(offset, limit int) ([]RebalanceRecord, int64, error)
}

// Config carries the identities the index needs at construction time.
type Config struct {
	// Self is the backend's own principal; it owns every ledger account the
	// index holds and is the index ledger's minting account.
	Self icrc.Principal

	// Dex is the DEX peer's principal, the spender of swap approvals.
	Dex icrc.Principal

	// Admins is the fixed allow-list for admin entry points.
	Admins []icrc.Principal

	// CanisterIDs maps each tracked token to its ledger peer identifier.
	CanisterIDs map[TrackedToken]string

	// IndexCanisterID is the index token's own ledger peer identifier.
	IndexCanisterID string
}

// Index is the single owner of all mutable backend state. External peers are
// injected; every peer call is a suspension point, and the in-memory tables
// are guarded by one mutex so reads and writes between suspensions stay
// atomic.
type Index struct {
	cfg Config

	ledgers     map[TrackedToken]icrc.Ledger
	indexLedger icrc.Ledger
	dex         kongswap.Client
	locker      kongswap.Locker
	store       StateStore

	coord *Coordinator
	now   func() time.Time

	mu           sync.Mutex
	pendingMints map[string]*PendingMint
	paused       bool
	admins       map[icrc.Principal]struct{}
	adminLog     []AdminAction
	rateLimits   map[string]time.Time
	history      []RebalanceRecord

	rebalanceRunning bool
	timerRunning     bool
	nextRebalance    time.Time
	stopRebalance    chan struct{}
}

// Option adjusts an Index at construction.
type Option func(*Index)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(idx *Index) {
		idx.now = now
		idx.coord = NewCoordinator(now)
	}
}

// NewIndex wires an index backend. The store may be nil (no persistence);
// ledgers must cover every tracked token.
func NewIndex(
	cfg Config,
	ledgers map[TrackedToken]icrc.Ledger,
	indexLedger icrc.Ledger,
	dex kongswap.Client,
	locker kongswap.Locker,
	store StateStore,
	opts ...Option,
) (*Index, error) {
	if cfg.Self.IsAnonymous() {
		return nil, errors.New("backend principal not set")
	}
	for _, token := range AllTokens() {
		if ledgers[token] == nil {
			return nil, errors.New("missing ledger client for " + token.Symbol())
		}
	}
	if indexLedger == nil {
		return nil, errors.New("missing index ledger client")
	}

	idx := &Index{
		cfg:          cfg,
		ledgers:      ledgers,
		indexLedger:  indexLedger,
		dex:          dex,
		locker:       locker,
		store:        store,
		now:          time.Now,
		pendingMints: make(map[string]*PendingMint),
		admins:       make(map[icrc.Principal]struct{}),
		rateLimits:   make(map[string]time.Time),
	}
	idx.coord = NewCoordinator(idx.now)
	for _, a := range cfg.Admins {
		idx.admins[a] = struct{}{}
	}
	for _, opt := range opts {
		opt(idx)
	}

	if store != nil {
		if err := idx.restorePendingMints(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// backendAccount is the account the index holds on every ledger.
func (idx *Index) backendAccount() icrc.Account {
	return icrc.Account{Owner: idx.cfg.Self}
}

func (idx *Index) ledger(token TrackedToken) icrc.Ledger {
	return idx.ledgers[token]
}

func (idx *Index) stableLedger() icrc.Ledger {
	return idx.ledgers[CKUSDT]
}

// Index-ledger metadata, answered locally. The token itself lives on its own
// ledger peer; these accessors mirror its static properties.

func (idx *Index) Name() string   { return "Internet Computer Portfolio Index" }
func (idx *Index) Symbol() string { return "ICPI" }

func (idx *Index) Decimals() uint32 { return IndexDecimals }

func (idx *Index) Fee() *big.Int { return big.NewInt(FeeAmount) }

// Metadata returns the ICRC-1 style metadata entries.
func (idx *Index) Metadata() map[string]string {
	return map[string]string{
		"icrc1:name":     idx.Name(),
		"icrc1:symbol":   idx.Symbol(),
		"icrc1:decimals": "8",
		"icrc1:fee":      idx.Fee().String(),
	}
}

// SupportedStandards lists the ledger standards the index token implements.
func (idx *Index) SupportedStandards() []string {
	return []string{"ICRC-1"}
}

// GetTokenMetadata describes every tracked token.
func (idx *Index) GetTokenMetadata() []TokenMetadata {
	var out []TokenMetadata
	for _, token := range AllTokens() {
		out = append(out, TokenMetadata{
			Token:      token,
			Symbol:     token.Symbol(),
			Decimals:   token.Decimals(),
			CanisterID: idx.cfg.CanisterIDs[token],
		})
	}
	return out
}
