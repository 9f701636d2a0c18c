// Package gateway implements the peer interfaces over an agent bridge: a
// sidecar that translates JSON calls into candid messages for the target
// canisters. The core never sees the transport; it only consumes the
// interfaces in pkg/icrc and pkg/kongswap.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"icpigo/pkg/icrc"
	"icpigo/pkg/kongswap"
)

// Client posts one canister call per request to the bridge.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type callEnvelope struct {
	CanisterID string `json:"canister_id"`
	Method     string `json:"method"`
	Args       any    `json:"args"`
}

func (c *Client) call(ctx context.Context, canisterID, method string, args, reply any) error {
	body, err := json.Marshal(callEnvelope{CanisterID: canisterID, Method: method, Args: args})
	if err != nil {
		return fmt.Errorf("encode %s args: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s on %s: %w", method, canisterID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		return fmt.Errorf("call %s on %s rejected: %s", method, canisterID, failure.Error)
	}
	if reply == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(reply)
}

// Ledger implements icrc.Ledger for one token canister.
type Ledger struct {
	client     *Client
	canisterID string
}

func (c *Client) Ledger(canisterID string) *Ledger {
	return &Ledger{client: c, canisterID: canisterID}
}

var _ icrc.Ledger = (*Ledger)(nil)

type blockReply struct {
	Block *big.Int `json:"block"`
}

func (l *Ledger) Transfer(ctx context.Context, args icrc.TransferArgs) (*big.Int, error) {
	var reply blockReply
	if err := l.client.call(ctx, l.canisterID, "icrc1_transfer", args, &reply); err != nil {
		return nil, err
	}
	return reply.Block, nil
}

func (l *Ledger) TransferFrom(ctx context.Context, args icrc.TransferFromArgs) (*big.Int, error) {
	var reply blockReply
	if err := l.client.call(ctx, l.canisterID, "icrc2_transfer_from", args, &reply); err != nil {
		return nil, err
	}
	return reply.Block, nil
}

func (l *Ledger) Approve(ctx context.Context, args icrc.ApproveArgs) (*big.Int, error) {
	var reply blockReply
	if err := l.client.call(ctx, l.canisterID, "icrc2_approve", args, &reply); err != nil {
		return nil, err
	}
	return reply.Block, nil
}

func (l *Ledger) AllowanceOf(ctx context.Context, args icrc.AllowanceArgs) (*icrc.Allowance, error) {
	var reply icrc.Allowance
	if err := l.client.call(ctx, l.canisterID, "icrc2_allowance", args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (l *Ledger) BalanceOf(ctx context.Context, account icrc.Account) (*big.Int, error) {
	var reply struct {
		Balance *big.Int `json:"balance"`
	}
	if err := l.client.call(ctx, l.canisterID, "icrc1_balance_of", account, &reply); err != nil {
		return nil, err
	}
	return reply.Balance, nil
}

func (l *Ledger) TotalSupply(ctx context.Context) (*big.Int, error) {
	var reply struct {
		TotalSupply *big.Int `json:"total_supply"`
	}
	if err := l.client.call(ctx, l.canisterID, "icrc1_total_supply", nil, &reply); err != nil {
		return nil, err
	}
	return reply.TotalSupply, nil
}

// Dex implements kongswap.Client against the DEX backend canister.
type Dex struct {
	client     *Client
	canisterID string
}

func (c *Client) Dex(canisterID string) *Dex {
	return &Dex{client: c, canisterID: canisterID}
}

var _ kongswap.Client = (*Dex)(nil)

func (d *Dex) SwapAmounts(ctx context.Context, paySymbol string, payAmount *big.Int, receiveSymbol string) (*kongswap.SwapAmountsReply, error) {
	args := map[string]any{
		"pay_symbol":     paySymbol,
		"pay_amount":     payAmount,
		"receive_symbol": receiveSymbol,
	}
	var reply kongswap.SwapAmountsReply
	if err := d.client.call(ctx, d.canisterID, "swap_amounts", args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (d *Dex) Swap(ctx context.Context, args kongswap.SwapArgs) (*kongswap.SwapReply, error) {
	var reply kongswap.SwapReply
	if err := d.client.call(ctx, d.canisterID, "swap", args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (d *Dex) UserBalances(ctx context.Context, principalText string) ([]kongswap.LPReply, error) {
	var reply []kongswap.LPReply
	if err := d.client.call(ctx, d.canisterID, "user_balances", principalText, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Locker implements kongswap.Locker against the lock-canister catalog.
type Locker struct {
	client     *Client
	canisterID string
}

func (c *Client) Locker(canisterID string) *Locker {
	return &Locker{client: c, canisterID: canisterID}
}

var _ kongswap.Locker = (*Locker)(nil)

func (l *Locker) GetAllLockCanisters(ctx context.Context) ([]kongswap.LockCanister, error) {
	var reply []kongswap.LockCanister
	if err := l.client.call(ctx, l.canisterID, "get_all_lock_canisters", nil, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}
