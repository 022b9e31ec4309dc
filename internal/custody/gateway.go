// Package custody moves value between depositors and the custody account.
package custody

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Gateway performs the external side of deposits and withdrawals.
//
// The engine holds its lock for the duration of a transfer. Operations and
// quotes issued meanwhile fail with REENTRANT; the context-less reads
// (BalanceOf and friends) block, so an implementation must never call them.
type Gateway interface {
	// TransferIn pulls amount of asset from the account into custody and
	// returns what custody actually received. For the native asset it
	// confirms the value attached to the call.
	TransferIn(ctx context.Context, asset, from common.Address, amount *uint256.Int) (*uint256.Int, error)

	// TransferOut sends amount of asset from custody to the account.
	TransferOut(ctx context.Context, asset, to common.Address, amount *uint256.Int) error
}

// Direction of a transfer relative to custody
type Direction uint8

const (
	DirectionIn Direction = iota + 1
	DirectionOut
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	default:
		return "unknown"
	}
}

// Transfer describes one gateway call.
type Transfer struct {
	Direction Direction
	Asset     common.Address
	Account   common.Address
	Amount    *uint256.Int
}

func (t Transfer) String() string {
	return fmt.Sprintf("%s %s of %s for %s", t.Direction, t.Amount, t.Asset.Hex(), t.Account.Hex())
}
