// internal/event/withdrawal.go
package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// NewWithdrawal builds the record of a committed withdrawal. ValueUSD is the
// valuation at withdrawal time.
func NewWithdrawal(owner, asset common.Address, amount, valueUSD *uint256.Int, at time.Time) Record {
	return Record{
		RecordID:  uuid.New(),
		Type:      RecordTypeWithdrawal,
		Owner:     owner,
		Asset:     asset,
		Amount:    amount.Clone(),
		ValueUSD:  valueUSD.Clone(),
		Timestamp: at,
	}
}
