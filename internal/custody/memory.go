package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Hook runs before a MemoryGateway transfer is applied. A non-nil error
// fails the transfer.
type Hook func(ctx context.Context, t Transfer) error

// MemoryGateway is an in-process custody account. It tracks what custody
// holds per asset and can be told to fail or short-deliver transfers.
type MemoryGateway struct {
	mu        sync.Mutex
	held      map[common.Address]*uint256.Int
	failIn    error
	failOut   error
	shortfall *uint256.Int
	hook      Hook
	transfers []Transfer
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{held: make(map[common.Address]*uint256.Int)}
}

// FailTransferIn makes every TransferIn fail with err until cleared with nil.
func (g *MemoryGateway) FailTransferIn(err error) {
	g.mu.Lock()
	g.failIn = err
	g.mu.Unlock()
}

// FailTransferOut makes every TransferOut fail with err until cleared with nil.
func (g *MemoryGateway) FailTransferOut(err error) {
	g.mu.Lock()
	g.failOut = err
	g.mu.Unlock()
}

// ShortDeliver makes TransferIn report receiving amount minus short.
func (g *MemoryGateway) ShortDeliver(short *uint256.Int) {
	g.mu.Lock()
	g.shortfall = short
	g.mu.Unlock()
}

// OnTransfer installs a hook called before each transfer, outside the
// gateway lock so it may call back into its caller.
func (g *MemoryGateway) OnTransfer(h Hook) {
	g.mu.Lock()
	g.hook = h
	g.mu.Unlock()
}

func (g *MemoryGateway) TransferIn(ctx context.Context, asset, from common.Address, amount *uint256.Int) (*uint256.Int, error) {
	t := Transfer{Direction: DirectionIn, Asset: asset, Account: from, Amount: amount.Clone()}
	if err := g.runHook(ctx, t); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failIn != nil {
		return nil, g.failIn
	}

	received := amount.Clone()
	if g.shortfall != nil {
		if _, underflow := received.SubOverflow(received, g.shortfall); underflow {
			received.Clear()
		}
	}
	g.holding(asset).Add(g.holding(asset), received)
	t.Amount = received.Clone()
	g.transfers = append(g.transfers, t)
	return received, nil
}

func (g *MemoryGateway) TransferOut(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	t := Transfer{Direction: DirectionOut, Asset: asset, Account: to, Amount: amount.Clone()}
	if err := g.runHook(ctx, t); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failOut != nil {
		return g.failOut
	}

	held := g.holding(asset)
	if amount.Gt(held) {
		return fmt.Errorf("custody holds %s of %s, cannot send %s", held, asset.Hex(), amount)
	}
	held.Sub(held, amount)
	g.transfers = append(g.transfers, t)
	return nil
}

// Held returns what custody holds of asset.
func (g *MemoryGateway) Held(asset common.Address) *uint256.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holding(asset).Clone()
}

// Fund seeds custody holdings, e.g. to mirror restored ledger balances.
func (g *MemoryGateway) Fund(asset common.Address, amount *uint256.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holding(asset).Add(g.holding(asset), amount)
}

// Transfers returns every applied transfer in order.
func (g *MemoryGateway) Transfers() []Transfer {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Transfer, len(g.transfers))
	copy(out, g.transfers)
	return out
}

func (g *MemoryGateway) runHook(ctx context.Context, t Transfer) error {
	g.mu.Lock()
	h := g.hook
	g.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(ctx, t)
}

func (g *MemoryGateway) holding(asset common.Address) *uint256.Int {
	v, ok := g.held[asset]
	if !ok {
		v = new(uint256.Int)
		g.held[asset] = v
	}
	return v
}
