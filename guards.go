package icpi

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"icpigo/pkg/icpierr"
	"icpigo/pkg/icrc"
)

// Operation classifies the system-wide activity the coordinator arbitrates.
type Operation int

const (
	OpIdle Operation = iota
	OpMinting
	OpBurning
	OpRebalancing
)

func (o Operation) String() string {
	switch o {
	case OpMinting:
		return "Minting"
	case OpBurning:
		return "Burning"
	case OpRebalancing:
		return "Rebalancing"
	default:
		return "Idle"
	}
}

// Coordinator is the two-layer concurrency guard: per-user active sets for
// mints and burns, and a global operation state machine that keeps
// rebalancing and mint/burn activity mutually exclusive with a grace period
// between operation-type switches.
//
// All state behind one mutex; the coordinator itself never suspends.
type Coordinator struct {
	mu sync.Mutex

	current Operation
	lastOp  Operation
	lastEnd time.Time

	activeMints map[icrc.Principal]struct{}
	activeBurns map[icrc.Principal]struct{}

	now func() time.Time
}

func NewCoordinator(now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		current:     OpIdle,
		lastOp:      OpIdle,
		activeMints: make(map[icrc.Principal]struct{}),
		activeBurns: make(map[icrc.Principal]struct{}),
		now:         now,
	}
}

// AcquireMintGuard inserts the principal into the active-mint set. Re-entry
// by the same principal fails.
func (c *Coordinator) AcquireMintGuard(p icrc.Principal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.activeMints[p]; ok {
		return &icpierr.OperationInProgress{Operation: "mint", Principal: p.String()}
	}
	c.activeMints[p] = struct{}{}
	return nil
}

// ReleaseMintGuard removes the principal from the active-mint set. Safe on
// every exit path.
func (c *Coordinator) ReleaseMintGuard(p icrc.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.activeMints, p)
}

func (c *Coordinator) AcquireBurnGuard(p icrc.Principal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.activeBurns[p]; ok {
		return &icpierr.OperationInProgress{Operation: "burn", Principal: p.String()}
	}
	c.activeBurns[p] = struct{}{}
	return nil
}

func (c *Coordinator) ReleaseBurnGuard(p icrc.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.activeBurns, p)
}

// TryStartOperation requests a global transition. Idle is never a valid
// target here; EndOperation is the only path back.
func (c *Coordinator) TryStartOperation(op Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if op == OpIdle {
		return &icpierr.StateCorrupted{
			Details: "Idle must be reached through EndOperation",
		}
	}

	switch c.current {
	case OpRebalancing:
		if op == OpMinting || op == OpBurning {
			return &icpierr.RebalancingInProgress{}
		}
		// A second Rebalancing request is tolerated; the timer normally
		// prevents it.
		return nil

	case OpMinting, OpBurning:
		if op == OpRebalancing {
			return &icpierr.CriticalOperationInProgress{Operation: c.current.String()}
		}
		c.current = op
		return nil

	default: // Idle
		if c.lastOp != OpIdle && op != c.lastOp {
			elapsed := c.now().Sub(c.lastEnd)
			if elapsed < GracePeriod {
				wait := GracePeriod - elapsed
				return &icpierr.GracePeriodActive{
					WaitSeconds:      uint64((wait + time.Second - 1) / time.Second),
					CurrentOperation: c.lastOp.String(),
				}
			}
		}
		c.current = op
		return nil
	}
}

// EndOperation returns the state machine toward Idle. Rebalancing always
// ends; Minting/Burning end only once both active sets have drained, so
// overlapping mints and burns coexist until the last one finishes.
func (c *Coordinator) EndOperation(op Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch op {
	case OpRebalancing:
		c.current = OpIdle
		c.lastOp = OpRebalancing
		c.lastEnd = c.now()

	case OpMinting, OpBurning:
		if len(c.activeMints) == 0 && len(c.activeBurns) == 0 {
			c.current = OpIdle
			c.lastOp = op
			c.lastEnd = c.now()
			return
		}
		// One class drained while the other is still busy.
		if len(c.activeMints) == 0 {
			c.current = OpBurning
		} else if len(c.activeBurns) == 0 {
			c.current = OpMinting
		}

	default:
		log.Warn("end requested for idle operation")
	}
}

// Current returns the global operation.
func (c *Coordinator) Current() Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ActiveCounts reports the sizes of the two active sets.
func (c *Coordinator) ActiveCounts() (mints, burns int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.activeMints), len(c.activeBurns)
}

// beginMint is the scoped acquisition used by the mint entry point: per-user
// guard first, then the global transition; the returned release undoes both
// on every exit path.
func (idx *Index) beginMint(caller icrc.Principal) (func(), error) {
	if err := idx.coord.AcquireMintGuard(caller); err != nil {
		return nil, err
	}
	if err := idx.coord.TryStartOperation(OpMinting); err != nil {
		idx.coord.ReleaseMintGuard(caller)
		return nil, fmt.Errorf("start mint: %w", err)
	}
	return func() {
		idx.coord.ReleaseMintGuard(caller)
		idx.coord.EndOperation(OpMinting)
	}, nil
}

func (idx *Index) beginBurn(caller icrc.Principal) (func(), error) {
	if err := idx.coord.AcquireBurnGuard(caller); err != nil {
		return nil, err
	}
	if err := idx.coord.TryStartOperation(OpBurning); err != nil {
		idx.coord.ReleaseBurnGuard(caller)
		return nil, fmt.Errorf("start burn: %w", err)
	}
	return func() {
		idx.coord.ReleaseBurnGuard(caller)
		idx.coord.EndOperation(OpBurning)
	}, nil
}
