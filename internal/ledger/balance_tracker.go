package ledger

import (
	"fmt"

	"CustodyLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances. A missing entry reads
// as zero; entries are never removed once created.
type BalanceTracker struct {
	balances map[AccountKey]uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]uint256.Int),
	}
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	v := bt.balances[key]
	return new(uint256.Int).Set(&v)
}

// Credit adds amount to the account. On overflow nothing is mutated.
func (bt *BalanceTracker) Credit(key AccountKey, amount *uint256.Int) (Journal, error) {
	if amount.IsZero() {
		return Journal{}, errs.ErrZeroAmount
	}
	before := bt.GetBalance(key)
	after, overflow := new(uint256.Int).AddOverflow(before, amount)
	if overflow {
		return Journal{}, errs.New(errs.CodeBalanceOverflow,
			"account %s: %s + %s exceeds 256 bits", key.AccountPath(), before, amount)
	}

	bt.balances[key] = *after
	return Journal{
		JournalID: uuid.New(),
		Type:      JournalTypeCredit,
		Key:       key,
		Amount:    amount.Clone(),
		Before:    before,
		After:     after.Clone(),
	}, nil
}

// Debit subtracts exactly amount from the account, or fails with
// InsufficientBalance leaving the balance untouched.
func (bt *BalanceTracker) Debit(key AccountKey, amount *uint256.Int) (Journal, error) {
	if amount.IsZero() {
		return Journal{}, errs.ErrZeroAmount
	}
	before := bt.GetBalance(key)
	if amount.Gt(before) {
		return Journal{}, errs.InsufficientBalance(amount, before)
	}

	after := new(uint256.Int).Sub(before, amount)
	bt.balances[key] = *after
	return Journal{
		JournalID: uuid.New(),
		Type:      JournalTypeDebit,
		Key:       key,
		Amount:    amount.Clone(),
		Before:    before,
		After:     after.Clone(),
	}, nil
}

// Revert restores the balance a journal recorded before it was applied. The
// account must still hold the journal's After value.
func (bt *BalanceTracker) Revert(j Journal) error {
	current := bt.balances[j.Key]
	if !current.Eq(j.After) {
		return fmt.Errorf("revert journal %s: account %s holds %s, expected %s",
			j.JournalID, j.Key.AccountPath(), &current, j.After)
	}
	bt.balances[j.Key] = *j.Before
	return nil
}

// RevertBatch undoes every journal of a batch in reverse order.
func (bt *BalanceTracker) RevertBatch(b *Batch) error {
	for i := len(b.Journals) - 1; i >= 0; i-- {
		if err := bt.Revert(b.Journals[i]); err != nil {
			return err
		}
	}
	return nil
}

// SetBalance overwrites a balance. Used only for state restoration.
func (bt *BalanceTracker) SetBalance(key AccountKey, amount *uint256.Int) {
	bt.balances[key] = *amount
}

// ComputeAssetTotals sums balances per asset.
func (bt *BalanceTracker) ComputeAssetTotals() (map[common.Address]*uint256.Int, error) {
	totals := make(map[common.Address]*uint256.Int)
	for key, balance := range bt.balances {
		sum, ok := totals[key.Asset]
		if !ok {
			sum = new(uint256.Int)
			totals[key.Asset] = sum
		}
		if _, overflow := sum.AddOverflow(sum, &balance); overflow {
			return nil, fmt.Errorf("asset %s total exceeds 256 bits", key.Asset.Hex())
		}
	}
	return totals, nil
}

// Len returns the number of tracked accounts, including zero entries.
func (bt *BalanceTracker) Len() int {
	return len(bt.balances)
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]*uint256.Int {
	snapshot := make(map[AccountKey]*uint256.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(uint256.Int).Set(&v)
	}
	return snapshot
}
