package state

import (
	"CustodyLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
)

// Authority holds the single principal allowed to administer the ledger.
type Authority struct {
	current common.Address
}

func NewAuthority(initial common.Address) (*Authority, error) {
	if initial == (common.Address{}) {
		return nil, errs.ErrInvalidAuthority
	}
	return &Authority{current: initial}, nil
}

func (a *Authority) Current() common.Address {
	return a.current
}

// Require fails with AuthorityRequired unless caller is the authority.
func (a *Authority) Require(caller common.Address) error {
	if caller != a.current {
		return errs.New(errs.CodeAuthorityRequired, "caller %s is not the authority", caller.Hex())
	}
	return nil
}

// Transfer hands authority to next. Only the current authority may call it.
func (a *Authority) Transfer(caller, next common.Address) (previous common.Address, err error) {
	if err := a.Require(caller); err != nil {
		return common.Address{}, err
	}
	if next == (common.Address{}) {
		return common.Address{}, errs.ErrInvalidAuthority
	}
	previous = a.current
	a.current = next
	return previous, nil
}

// Restore sets the authority without a caller check. Used for recovery.
func (a *Authority) Restore(current common.Address) error {
	if current == (common.Address{}) {
		return errs.ErrInvalidAuthority
	}
	a.current = current
	return nil
}
