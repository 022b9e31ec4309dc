package core

import (
	"fmt"

	"CustodyLedger/internal/ledger"
	"CustodyLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SnapshotState holds the in-memory engine state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]*uint256.Int
	Assets          []state.AssetEntry
	Policy          state.PolicyParams
	Authority       common.Address
	DepositCount    uint64
	WithdrawalCount uint64
}

// RestoreFromSnapshot replaces the engine state with snap. Call it before
// the engine starts serving. A zero StateHash keeps the genesis hash.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if snap == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authority.Restore(snap.Authority); err != nil {
		return fmt.Errorf("restore authority: %w", err)
	}

	balances := ledger.NewBalanceTracker()
	for key, amount := range snap.Balances {
		balances.SetBalance(key, amount)
	}
	e.balances = balances
	e.validator = ledger.NewInvariantValidator(balances)

	registry := state.NewAssetRegistry()
	for _, entry := range snap.Assets {
		registry.Restore(entry)
	}
	e.registry = registry
	e.adapter.SetOracles(registry)

	e.policy.Restore(snap.Policy)

	e.sequence = snap.Sequence
	e.depositCount = snap.DepositCount
	e.withdrawalCount = snap.WithdrawalCount
	if snap.StateHash != ([32]byte{}) {
		e.hasher.SetPrevHash(snap.StateHash)
	}

	e.metrics.ObserveSequence(e.sequence)
	e.observePolicy()
	e.log.Info().
		Int64("sequence", e.sequence).
		Int("balances", balances.Len()).
		Int("assets", len(snap.Assets)).
		Msg("state restored")
	return nil
}

// CreateSnapshotState captures the current in-memory state.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return &SnapshotState{
		Sequence:        e.sequence,
		StateHash:       e.hasher.GetPrevHash(),
		Balances:        e.balances.Snapshot(),
		Assets:          e.registry.Entries(),
		Policy:          e.policy.Params(),
		Authority:       e.authority.Current(),
		DepositCount:    e.depositCount,
		WithdrawalCount: e.withdrawalCount,
	}
}
