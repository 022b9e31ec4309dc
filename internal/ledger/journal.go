package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the direction of a balance mutation
type JournalType uint8

const (
	JournalTypeCredit JournalType = iota + 1
	JournalTypeDebit
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeCredit:
		return "credit"
	case JournalTypeDebit:
		return "debit"
	default:
		return "unknown"
	}
}

// Journal records a single applied balance mutation. Before and After are
// the balances on either side of it, so the mutation can be undone exactly.
type Journal struct {
	JournalID uuid.UUID
	Type      JournalType
	Key       AccountKey
	Amount    *uint256.Int // ALWAYS positive
	Before    *uint256.Int
	After     *uint256.Int
}

// Validate checks that the journal is internally consistent.
func (j Journal) Validate() error {
	if j.Amount == nil || j.Amount.IsZero() {
		return fmt.Errorf("journal %s has zero amount", j.JournalID)
	}
	if j.Before == nil || j.After == nil {
		return fmt.Errorf("journal %s is missing balances", j.JournalID)
	}

	switch j.Type {
	case JournalTypeCredit:
		want, overflow := new(uint256.Int).AddOverflow(j.Before, j.Amount)
		if overflow || !want.Eq(j.After) {
			return fmt.Errorf("journal %s: %s + %s != %s", j.JournalID, j.Before, j.Amount, j.After)
		}
	case JournalTypeDebit:
		want, underflow := new(uint256.Int).SubOverflow(j.Before, j.Amount)
		if underflow || !want.Eq(j.After) {
			return fmt.Errorf("journal %s: %s - %s != %s", j.JournalID, j.Before, j.Amount, j.After)
		}
	default:
		return fmt.Errorf("journal %s has unknown type %d", j.JournalID, j.Type)
	}
	return nil
}

// Batch groups the journals produced by one engine operation.
type Batch struct {
	Sequence int64
	Journals []Journal
}

func (b *Batch) Add(j Journal) {
	b.Journals = append(b.Journals, j)
}

// Validate ensures every journal in the batch is well-formed.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if err := j.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the distinct accounts touched by the batch, in first-touch order.
func (b *Batch) Keys() []AccountKey {
	seen := make(map[AccountKey]struct{}, len(b.Journals))
	keys := make([]AccountKey, 0, len(b.Journals))
	for _, j := range b.Journals {
		if _, ok := seen[j.Key]; ok {
			continue
		}
		seen[j.Key] = struct{}{}
		keys = append(keys, j.Key)
	}
	return keys
}
