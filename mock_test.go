package icpi

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"icpigo/pkg/icrc"
	"icpigo/pkg/kongswap"
)

// fakeClock is a controllable wall clock for guard and rate-limit tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// opLog records peer calls in order, shared across fakes so tests can assert
// cross-peer ordering (snapshot before deposit).
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) record(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

func (l *opLog) entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.ops))
	copy(out, l.ops)
	return out
}

// fakeLedger is an in-memory ICRC ledger. When mintingAccount is set the
// ledger behaves like the index ledger: transfers from that account create
// supply, transfers to it destroy supply.
type fakeLedger struct {
	mu             sync.Mutex
	name           string
	log            *opLog
	balances       map[icrc.Principal]*big.Int
	allowances     map[string]*big.Int
	supply         *big.Int
	mintingAccount icrc.Principal

	transferErr     error
	transferFromErr error
	approveErr      error
	allowanceErr    error
	balanceErr      error
	supplyErr       error
}

func newFakeLedger(name string, log *opLog) *fakeLedger {
	return &fakeLedger{
		name:       name,
		log:        log,
		balances:   make(map[icrc.Principal]*big.Int),
		allowances: make(map[string]*big.Int),
		supply:     new(big.Int),
	}
}

func (l *fakeLedger) setBalance(p icrc.Principal, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[p] = big.NewInt(amount)
}

func (l *fakeLedger) balance(p icrc.Principal) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.balances[p]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (l *fakeLedger) setAllowance(owner, spender icrc.Principal, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[string(owner)+"/"+string(spender)] = big.NewInt(amount)
}

func (l *fakeLedger) setSupply(amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.supply = big.NewInt(amount)
}

func (l *fakeLedger) credit(p icrc.Principal, amount *big.Int) {
	if b, ok := l.balances[p]; ok {
		b.Add(b, amount)
	} else {
		l.balances[p] = new(big.Int).Set(amount)
	}
}

func (l *fakeLedger) debit(p icrc.Principal, amount *big.Int) error {
	b, ok := l.balances[p]
	if !ok || b.Cmp(amount) < 0 {
		detail := new(big.Int)
		if ok {
			detail.Set(b)
		}
		return &icrc.TransferError{
			Kind:    icrc.ErrInsufficientFunds,
			Message: "insufficient funds",
			Detail:  detail,
		}
	}
	b.Sub(b, amount)
	return nil
}

func (l *fakeLedger) Transfer(ctx context.Context, args icrc.TransferArgs) (*big.Int, error) {
	l.log.record("%s transfer to=%s amount=%s memo=%s", l.name, args.To.Owner, args.Amount, args.Memo)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transferErr != nil {
		return nil, l.transferErr
	}

	if l.mintingAccount != "" {
		// The backend is the minting account; its outbound transfers mint.
		l.supply.Add(l.supply, args.Amount)
		l.credit(args.To.Owner, args.Amount)
		return big.NewInt(1), nil
	}

	if err := l.debit(l.mintingAccountOrBackendLocked(), args.Amount); err != nil {
		return nil, err
	}
	l.credit(args.To.Owner, args.Amount)
	return big.NewInt(1), nil
}

// mintingAccountOrBackendLocked resolves the sender of a plain transfer; the
// fakes always send from the backend account.
func (l *fakeLedger) mintingAccountOrBackendLocked() icrc.Principal {
	return backendPrincipal
}

func (l *fakeLedger) TransferFrom(ctx context.Context, args icrc.TransferFromArgs) (*big.Int, error) {
	l.log.record("%s transfer_from from=%s amount=%s memo=%s", l.name, args.From.Owner, args.Amount, args.Memo)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transferFromErr != nil {
		return nil, l.transferFromErr
	}

	key := string(args.From.Owner) + "/" + string(args.To.Owner)
	allowance, ok := l.allowances[key]
	if !ok || allowance.Cmp(args.Amount) < 0 {
		detail := new(big.Int)
		if ok {
			detail.Set(allowance)
		}
		return nil, &icrc.TransferError{
			Kind:    icrc.ErrInsufficientAllowance,
			Message: "insufficient allowance",
			Detail:  detail,
		}
	}
	if err := l.debit(args.From.Owner, args.Amount); err != nil {
		return nil, err
	}
	allowance.Sub(allowance, args.Amount)

	if l.mintingAccount != "" && args.To.Owner == l.mintingAccount {
		// Transfers into the minting account burn.
		l.supply.Sub(l.supply, args.Amount)
		return big.NewInt(1), nil
	}
	l.credit(args.To.Owner, args.Amount)
	return big.NewInt(1), nil
}

func (l *fakeLedger) Approve(ctx context.Context, args icrc.ApproveArgs) (*big.Int, error) {
	l.log.record("%s approve spender=%s amount=%s", l.name, args.Spender.Owner, args.Amount)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.approveErr != nil {
		return nil, l.approveErr
	}
	l.allowances[string(backendPrincipal)+"/"+string(args.Spender.Owner)] = new(big.Int).Set(args.Amount)
	return big.NewInt(1), nil
}

func (l *fakeLedger) AllowanceOf(ctx context.Context, args icrc.AllowanceArgs) (*icrc.Allowance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowanceErr != nil {
		return nil, l.allowanceErr
	}
	key := string(args.Account.Owner) + "/" + string(args.Spender.Owner)
	allowance := new(big.Int)
	if a, ok := l.allowances[key]; ok {
		allowance.Set(a)
	}
	return &icrc.Allowance{Allowance: allowance}, nil
}

func (l *fakeLedger) BalanceOf(ctx context.Context, account icrc.Account) (*big.Int, error) {
	l.log.record("%s balance_of owner=%s", l.name, account.Owner)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balanceErr != nil {
		return nil, l.balanceErr
	}
	if b, ok := l.balances[account.Owner]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (l *fakeLedger) TotalSupply(ctx context.Context) (*big.Int, error) {
	l.log.record("%s total_supply", l.name)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.supplyErr != nil {
		return nil, l.supplyErr
	}
	return new(big.Int).Set(l.supply), nil
}

// fakeDex quotes and executes swaps at fixed USDT prices.
type fakeDex struct {
	mu         sync.Mutex
	log        *opLog
	prices     map[string]float64 // symbol -> USDT per whole token
	slippage   float64            // fraction shaved off every executed swap
	swapErr    error
	quoteErr   error
	positions  map[string][]kongswap.LPReply
	balanceErr map[string]error
}

func newFakeDex(log *opLog) *fakeDex {
	return &fakeDex{
		log:        log,
		prices:     map[string]float64{"ckUSDT": 1.0},
		positions:  make(map[string][]kongswap.LPReply),
		balanceErr: make(map[string]error),
	}
}

func decimalsOf(symbol string) int64 {
	if symbol == "ckUSDT" {
		return 6
	}
	return 8
}

func (d *fakeDex) quote(paySymbol string, payAmount *big.Int, receiveSymbol string) (*big.Int, float64, error) {
	payPrice, ok := d.prices[paySymbol]
	if !ok {
		return nil, 0, fmt.Errorf("no pool for %s", paySymbol)
	}
	receivePrice, ok := d.prices[receiveSymbol]
	if !ok {
		return nil, 0, fmt.Errorf("no pool for %s", receiveSymbol)
	}

	payUnit := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(decimalsOf(paySymbol)), nil))
	receiveUnit := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(decimalsOf(receiveSymbol)), nil))

	payWhole := new(big.Float).Quo(new(big.Float).SetInt(payAmount), payUnit)
	receiveWhole := new(big.Float).Quo(new(big.Float).Mul(payWhole, big.NewFloat(payPrice)), big.NewFloat(receivePrice))
	receiveAtoms, _ := new(big.Float).Mul(receiveWhole, receiveUnit).Int(nil)
	return receiveAtoms, payPrice / receivePrice, nil
}

func (d *fakeDex) SwapAmounts(ctx context.Context, paySymbol string, payAmount *big.Int, receiveSymbol string) (*kongswap.SwapAmountsReply, error) {
	d.log.record("dex swap_amounts pay=%s amount=%s receive=%s", paySymbol, payAmount, receiveSymbol)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.quoteErr != nil {
		return nil, d.quoteErr
	}
	receive, price, err := d.quote(paySymbol, payAmount, receiveSymbol)
	if err != nil {
		return nil, err
	}
	return &kongswap.SwapAmountsReply{
		PaySymbol:     paySymbol,
		PayAmount:     payAmount,
		ReceiveSymbol: receiveSymbol,
		ReceiveAmount: receive,
		Price:         price,
	}, nil
}

func (d *fakeDex) Swap(ctx context.Context, args kongswap.SwapArgs) (*kongswap.SwapReply, error) {
	d.log.record("dex swap pay=%s amount=%s receive=%s", args.PayToken, args.PayAmount, args.ReceiveToken)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.swapErr != nil {
		return nil, d.swapErr
	}
	expected, price, err := d.quote(args.PayToken, args.PayAmount, args.ReceiveToken)
	if err != nil {
		return nil, err
	}

	actual := new(big.Float).Mul(new(big.Float).SetInt(expected), big.NewFloat(1-d.slippage))
	received, _ := actual.Int(nil)

	return &kongswap.SwapReply{
		PaySymbol:     args.PayToken,
		PayAmount:     args.PayAmount,
		ReceiveSymbol: args.ReceiveToken,
		ReceiveAmount: received,
		Price:         price,
		Slippage:      d.slippage,
	}, nil
}

func (d *fakeDex) UserBalances(ctx context.Context, principalText string) ([]kongswap.LPReply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.balanceErr[principalText]; err != nil {
		return nil, err
	}
	return d.positions[principalText], nil
}

// fakeLocker serves a fixed lock-canister catalog.
type fakeLocker struct {
	canisters []kongswap.LockCanister
	err       error
}

func (l *fakeLocker) GetAllLockCanisters(ctx context.Context) ([]kongswap.LockCanister, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.canisters, nil
}

// memStore is an in-memory StateStore for persistence tests.
type memStore struct {
	mu     sync.Mutex
	mints  map[string]PendingMint
	trades []RebalanceRecord
}

func newMemStore() *memStore {
	return &memStore{mints: make(map[string]PendingMint)}
}

func (s *memStore) SavePendingMint(m PendingMint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mints[m.ID] = m
	return nil
}

func (s *memStore) DeletePendingMint(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mints, id)
	return nil
}

func (s *memStore) LoadPendingMints() ([]PendingMint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingMint
	for _, m := range s.mints {
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) AppendTradeRecord(r RebalanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, r)
	return nil
}

func (s *memStore) LoadTradeHistory(offset, limit int) ([]RebalanceRecord, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := int64(len(s.trades))
	if offset >= len(s.trades) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(s.trades) {
		end = len(s.trades)
	}
	out := make([]RebalanceRecord, end-offset)
	copy(out, s.trades[offset:end])
	return out, total, nil
}

const (
	backendPrincipal = icrc.Principal("ev6xm-haaaa-aaaap-qqcza-cai")
	dexPrincipal     = icrc.Principal("2ipq2-uqaaa-aaaar-qailq-cai")
	adminPrincipal   = icrc.Principal("admin-principal")
	userPrincipal    = icrc.Principal("user-principal")
	otherPrincipal   = icrc.Principal("other-principal")
)

func bigInt(v int64) *big.Int {
	return big.NewInt(v)
}

func lockEntry(id string) kongswap.LockCanister {
	return kongswap.LockCanister{
		User:     icrc.Principal("user-" + id),
		Canister: icrc.Principal(id),
	}
}

func lpPosition(symbol string, usd float64) []kongswap.LPReply {
	return []kongswap.LPReply{{
		Symbol0:    symbol,
		Symbol1:    "ckUSDT",
		USDAmount0: usd,
		USDAmount1: usd,
		USDBalance: 2 * usd,
	}}
}

// harness bundles a fully-wired index with its fakes.
type harness struct {
	index  *Index
	clock  *fakeClock
	log    *opLog
	stable *fakeLedger
	basket map[TrackedToken]*fakeLedger
	icpi   *fakeLedger
	dex    *fakeDex
	locker *fakeLocker
	store  *memStore
}

func newHarness(t interface{ Fatalf(string, ...any) }) *harness {
	clock := newFakeClock()
	ops := &opLog{}

	basket := make(map[TrackedToken]*fakeLedger)
	ledgers := make(map[TrackedToken]icrc.Ledger)
	for _, token := range BasketTokens() {
		l := newFakeLedger(token.Symbol(), ops)
		basket[token] = l
		ledgers[token] = l
	}
	stable := newFakeLedger("ckUSDT", ops)
	ledgers[CKUSDT] = stable

	indexLedger := newFakeLedger("ICPI", ops)
	indexLedger.mintingAccount = backendPrincipal

	dex := newFakeDex(ops)
	locker := &fakeLocker{}
	store := newMemStore()

	cfg := Config{
		Self:   backendPrincipal,
		Dex:    dexPrincipal,
		Admins: []icrc.Principal{adminPrincipal},
		CanisterIDs: map[TrackedToken]string{
			ALEX: "alex-ledger", ZERO: "zero-ledger", KONG: "kong-ledger",
			BOB: "bob-ledger", CKUSDT: "ckusdt-ledger",
		},
		IndexCanisterID: "icpi-ledger",
	}

	index, err := NewIndex(cfg, ledgers, indexLedger, dex, locker, store, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}

	return &harness{
		index:  index,
		clock:  clock,
		log:    ops,
		stable: stable,
		basket: basket,
		icpi:   indexLedger,
		dex:    dex,
		locker: locker,
		store:  store,
	}
}

// seedPortfolio gives the backend a simple priced portfolio so TVL queries
// succeed: each basket token priced at $1, holdings in e8 atoms.
func (h *harness) seedPortfolio(stableAtoms int64, basketAtoms map[TrackedToken]int64) {
	h.stable.setBalance(backendPrincipal, stableAtoms)
	for token, atoms := range basketAtoms {
		h.basket[token].setBalance(backendPrincipal, atoms)
		h.dex.prices[token.Symbol()] = 1.0
	}
	for _, token := range BasketTokens() {
		if _, ok := basketAtoms[token]; !ok {
			h.dex.prices[token.Symbol()] = 1.0
		}
	}
}
