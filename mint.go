package icpi

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/log"

	"icpigo/pkg/icpierr"
	"icpigo/pkg/icrc"
	"icpigo/pkg/util"
)

// InitiateMint validates the request and records a pending mint. No external
// call happens here; the caller follows up with CompleteMint.
func (idx *Index) InitiateMint(caller icrc.Principal, amount *big.Int) (string, error) {
	if err := idx.checkNotPaused(); err != nil {
		return "", err
	}
	if caller.IsAnonymous() {
		return "", &icpierr.InvalidPrincipal{Principal: caller.String()}
	}
	if amount.Cmp(big.NewInt(MinMintAmount)) < 0 {
		return "", &icpierr.AmountBelowMinimum{
			Amount:  amount.String(),
			Minimum: fmt.Sprint(MinMintAmount),
		}
	}
	if err := idx.checkRateLimit("mint_"+caller.String(), MintRateLimitWindow); err != nil {
		return "", err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	// At most one live mint per principal.
	for _, m := range idx.pendingMints {
		if m.User == caller && !m.Stage.Terminal() {
			return "", &icpierr.OperationInProgress{Operation: "mint", Principal: caller.String()}
		}
	}

	now := idx.now()
	mint := &PendingMint{
		ID:          fmt.Sprintf("mint_%s_%d", caller, now.UnixNano()),
		User:        caller,
		Amount:      new(big.Int).Set(amount),
		Stage:       MintPending,
		CreatedAt:   now,
		LastUpdated: now,
	}
	idx.pendingMints[mint.ID] = mint
	idx.persistMintLocked(mint)

	log.Info("mint initiated", "id", mint.ID, "user", caller, "amount", amount)
	return mint.ID, nil
}

// CompleteMint drives a pending mint through fee collection, the supply+TVL
// snapshot, deposit collection, the proportional calculation and ledger
// issuance. Any failure after the deposit is held goes through the refund
// handler.
func (idx *Index) CompleteMint(ctx context.Context, caller icrc.Principal, mintID string) (*big.Int, error) {
	if err := idx.checkNotPaused(); err != nil {
		return nil, err
	}

	release, err := idx.beginMint(caller)
	if err != nil {
		return nil, err
	}
	defer release()

	mint, err := idx.loadMint(mintID)
	if err != nil {
		return nil, err
	}
	if mint.User != caller {
		return nil, &icpierr.MintUnauthorized{Principal: caller.String(), MintID: mintID}
	}
	if mint.Stage == MintComplete {
		return mint.Minted, nil
	}
	if mint.Stage.Terminal() {
		return nil, &icpierr.InvalidMintID{ID: mintID}
	}

	deposit := new(big.Int).Set(mint.Amount)

	// Step 1: fee. Nothing is held yet, so a failure here is terminal with no
	// refund path.
	idx.setMintStage(mintID, MintCollectingFee, "")
	if err := idx.collectStable(ctx, caller, big.NewInt(FeeAmount), "ICPI mint fee"); err != nil {
		idx.setMintStage(mintID, MintFailed, fmt.Sprintf("fee collection failed: %v", err))
		return nil, err
	}
	log.Info("mint fee collected", "id", mintID)

	// Step 2: snapshot supply and TVL BEFORE taking the deposit. Taking it
	// after would include the caller's own deposit in the denominator of
	// their mint formula and under-mint them.
	idx.setMintStage(mintID, MintSnapshotting, "")
	supply, tvl, err := idx.SupplyAndTVLAtomic(ctx)
	if err != nil {
		idx.setMintStage(mintID, MintFailed, fmt.Sprintf("snapshot failed: %v", err))
		return nil, err
	}
	if tvl.Sign() == 0 {
		idx.setMintStage(mintID, MintFailed, "TVL is zero - backend has no holdings")
		return nil, &icpierr.InsufficientTVL{TVL: "0", Required: "non-zero"}
	}

	snapshot := &MintSnapshot{
		Supply:    supply,
		TVL:       tvl,
		Timestamp: idx.now(),
	}
	idx.attachSnapshot(mintID, snapshot)

	if age := idx.now().Sub(snapshot.Timestamp); age > MaxSnapshotAge {
		log.Warn("using stale mint snapshot", "id", mintID, "age", age)
	}

	// Step 3: deposit. A failure here leaves nothing to refund; the fee from
	// step 1 is kept (operator policy, see DESIGN.md).
	idx.setMintStage(mintID, MintCollectingDeposit, "")
	if err := idx.collectStable(ctx, caller, deposit, "ICPI mint"); err != nil {
		idx.setMintStage(mintID, MintFailed, fmt.Sprintf("deposit collection failed: %v", err))
		return nil, err
	}
	log.Info("mint deposit collected", "id", mintID, "amount", deposit)

	// Step 4: proportional calculation against the pre-deposit snapshot.
	idx.setMintStage(mintID, MintCalculating, "")
	minted, err := util.CalculateMintAmount(deposit, snapshot.Supply, snapshot.TVL)
	if err != nil {
		idx.refundDeposit(ctx, mintID, caller, deposit, fmt.Sprintf("mint calculation failed: %v", err))
		return nil, err
	}
	log.Info("mint calculated", "id", mintID,
		"deposit", deposit, "supply", snapshot.Supply, "tvl", snapshot.TVL, "minted", minted)

	// Step 5: issue on the index ledger. The backend is the minting account,
	// so a plain transfer creates new tokens.
	idx.setMintStage(mintID, MintMinting, "")
	if err := idx.mintOnLedger(ctx, caller, minted); err != nil {
		idx.refundDeposit(ctx, mintID, caller, deposit, fmt.Sprintf("ledger minting failed: %v", err))
		return nil, err
	}

	idx.completeMint(mintID, minted)
	log.Info("mint complete", "id", mintID, "user", caller, "minted", minted)
	return minted, nil
}

// CheckMintStatus reports a pending mint's progress to its owner.
func (idx *Index) CheckMintStatus(caller icrc.Principal, mintID string) (*MintStatus, error) {
	mint, err := idx.loadMint(mintID)
	if err != nil {
		return nil, err
	}
	if mint.User != caller {
		return nil, &icpierr.MintUnauthorized{Principal: caller.String(), MintID: mintID}
	}
	return &MintStatus{
		ID:          mint.ID,
		Stage:       mint.Stage.String(),
		Minted:      mint.Minted,
		FailureNote: mint.FailureNote,
		CreatedAt:   mint.CreatedAt,
		LastUpdated: mint.LastUpdated,
	}, nil
}

// CleanupExpiredMints drops pending mints past the TTL, whatever their
// status. Runs periodically and once after restore.
func (idx *Index) CleanupExpiredMints() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := idx.now()
	removed := 0
	for id, mint := range idx.pendingMints {
		if now.Sub(mint.CreatedAt) >= PendingMintTTL {
			delete(idx.pendingMints, id)
			removed++
			if idx.store != nil {
				if err := idx.store.DeletePendingMint(id); err != nil {
					log.Warn("failed to delete expired mint from store", "id", id, "err", err)
				}
			}
		}
	}
	if removed > 0 {
		log.Info("expired pending mints removed", "count", removed)
	}
	return removed
}

// collectStable pulls stable tokens from the caller's allowance into the
// backend account.
func (idx *Index) collectStable(ctx context.Context, from icrc.Principal, amount *big.Int, memo string) error {
	_, err := idx.stableLedger().TransferFrom(ctx, icrc.TransferFromArgs{
		From:          icrc.Account{Owner: from},
		To:            idx.backendAccount(),
		Amount:        amount,
		Memo:          []byte(memo),
		CreatedAtTime: uint64(idx.now().UnixNano()),
	})
	if err != nil {
		return &icpierr.LedgerInteractionFailed{
			Operation: "transfer_from",
			Details:   err.Error(),
		}
	}
	return nil
}

func (idx *Index) mintOnLedger(ctx context.Context, recipient icrc.Principal, amount *big.Int) error {
	_, err := idx.indexLedger.Transfer(ctx, icrc.TransferArgs{
		To:            icrc.Account{Owner: recipient},
		Amount:        amount,
		Memo:          []byte("ICPI minting"),
		CreatedAtTime: uint64(idx.now().UnixNano()),
	})
	if err != nil {
		return &icpierr.LedgerInteractionFailed{
			Operation: "mint",
			Details:   err.Error(),
		}
	}
	return nil
}

// refundDeposit attempts to return a held deposit after a post-deposit
// failure. A failed refund is the single alertable terminal state.
func (idx *Index) refundDeposit(ctx context.Context, mintID string, user icrc.Principal, amount *big.Int, reason string) {
	idx.setMintStage(mintID, MintRefunding, "")

	_, err := idx.stableLedger().Transfer(ctx, icrc.TransferArgs{
		To:            icrc.Account{Owner: user},
		Amount:        amount,
		Memo:          []byte("ICPI mint refund"),
		CreatedAtTime: uint64(idx.now().UnixNano()),
	})
	if err != nil {
		log.Error("mint refund failed - operator intervention required",
			"id", mintID, "user", user, "amount", amount, "reason", reason, "err", err)
		idx.setMintStage(mintID, MintFailedNoRefund,
			fmt.Sprintf("%s. Refund failed: %v. Amount: %s. Contact support.", reason, err, amount))
		return
	}

	log.Info("mint deposit refunded", "id", mintID, "user", user, "amount", amount)
	idx.setMintStage(mintID, MintFailedRefunded, fmt.Sprintf("%s, deposit refunded", reason))
}

func (idx *Index) loadMint(mintID string) (PendingMint, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	mint, ok := idx.pendingMints[mintID]
	if !ok {
		return PendingMint{}, &icpierr.InvalidMintID{ID: mintID}
	}
	return *mint, nil
}

func (idx *Index) setMintStage(mintID string, stage MintStage, note string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	mint, ok := idx.pendingMints[mintID]
	if !ok {
		return
	}
	mint.Stage = stage
	mint.LastUpdated = idx.now()
	if note != "" {
		mint.FailureNote = note
	}
	idx.persistMintLocked(mint)
}

func (idx *Index) attachSnapshot(mintID string, snapshot *MintSnapshot) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	mint, ok := idx.pendingMints[mintID]
	if !ok {
		return
	}
	mint.Snapshot = snapshot
	mint.LastUpdated = idx.now()
	idx.persistMintLocked(mint)
}

func (idx *Index) completeMint(mintID string, minted *big.Int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	mint, ok := idx.pendingMints[mintID]
	if !ok {
		return
	}
	mint.Stage = MintComplete
	mint.Minted = minted
	mint.LastUpdated = idx.now()
	idx.persistMintLocked(mint)
}

// persistMintLocked mirrors a pending mint into the store. Persistence
// failures are logged, never fatal.
func (idx *Index) persistMintLocked(mint *PendingMint) {
	if idx.store == nil {
		return
	}
	if err := idx.store.SavePendingMint(*mint); err != nil {
		log.Warn("failed to persist pending mint", "id", mint.ID, "err", err)
	}
}

// restorePendingMints reloads the table after a restart, dropping entries
// past the TTL.
func (idx *Index) restorePendingMints() error {
	mints, err := idx.store.LoadPendingMints()
	if err != nil {
		log.Warn("no stable state to restore", "err", err)
		return nil
	}

	idx.mu.Lock()
	for i := range mints {
		mint := mints[i]
		idx.pendingMints[mint.ID] = &mint
	}
	idx.mu.Unlock()

	dropped := idx.CleanupExpiredMints()
	log.Info("pending mints restored", "count", len(mints), "expired", dropped)
	return nil
}
