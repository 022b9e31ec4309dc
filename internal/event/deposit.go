// internal/event/deposit.go
package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// NewDeposit builds the record of a committed deposit.
func NewDeposit(owner, asset common.Address, amount, valueUSD *uint256.Int, at time.Time) Record {
	return Record{
		RecordID:  uuid.New(),
		Type:      RecordTypeDeposit,
		Owner:     owner,
		Asset:     asset,
		Amount:    amount.Clone(),
		ValueUSD:  valueUSD.Clone(),
		Timestamp: at,
	}
}
