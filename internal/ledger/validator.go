package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants after a batch is applied.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchApplied verifies every journal is consistent and that each
// touched account now holds the balance its last journal recorded.
func (v *InvariantValidator) ValidateBatchApplied(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	last := make(map[AccountKey]*uint256.Int, len(batch.Journals))
	for _, j := range batch.Journals {
		last[j.Key] = j.After
	}
	for key, want := range last {
		if got := v.tracker.GetBalance(key); !got.Eq(want) {
			return fmt.Errorf("account %s holds %s, journal recorded %s", key.AccountPath(), got, want)
		}
	}
	return nil
}

// ValidateAdmittedWithinCap verifies total admitted USD does not exceed the cap.
func (v *InvariantValidator) ValidateAdmittedWithinCap(total, limit *uint256.Int) error {
	if total.Gt(limit) {
		return fmt.Errorf("total admitted %s exceeds admission cap %s", total, limit)
	}
	return nil
}
