package event

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// RecordType discriminator for committed ledger records
type RecordType int32

const (
	RecordTypeUnknown RecordType = iota
	RecordTypeDeposit
	RecordTypeWithdrawal
	RecordTypeCapChanged
	RecordTypeCeilingChanged
	RecordTypeAssetAdmitted
	RecordTypeAssetDelisted
	RecordTypeAuthorityTransferred
)

var recordTypeNames = map[RecordType]string{
	RecordTypeDeposit:              "Deposit",
	RecordTypeWithdrawal:           "Withdrawal",
	RecordTypeCapChanged:           "CapChanged",
	RecordTypeCeilingChanged:       "CeilingChanged",
	RecordTypeAssetAdmitted:        "AssetAdmitted",
	RecordTypeAssetDelisted:        "AssetDelisted",
	RecordTypeAuthorityTransferred: "AuthorityTransferred",
}

func (rt RecordType) String() string {
	if name, ok := recordTypeNames[rt]; ok {
		return name
	}
	return "Unknown"
}

// ParseRecordType is the inverse of String.
func ParseRecordType(s string) (RecordType, error) {
	for rt, name := range recordTypeNames {
		if name == s {
			return rt, nil
		}
	}
	return RecordTypeUnknown, fmt.Errorf("unknown record type %q", s)
}

// Record is the externally observable notification of a committed
// operation. Only the fields meaningful for Type are set.
type Record struct {
	RecordID uuid.UUID
	Type     RecordType
	Sequence int64

	// Deposit, Withdrawal
	Owner    common.Address
	Amount   *uint256.Int
	ValueUSD *uint256.Int

	// Deposit, Withdrawal, AssetAdmitted, AssetDelisted
	Asset common.Address

	// AssetAdmitted
	Oracle string

	// CapChanged, CeilingChanged
	NewCap     *uint256.Int
	NewCeiling *uint256.Int

	// AuthorityTransferred
	Previous common.Address
	Next     common.Address

	// Wall-clock time of commit
	Timestamp time.Time
}

// BalanceRow is a balance after an operation.
type BalanceRow struct {
	Asset   common.Address
	Owner   common.Address
	Balance *uint256.Int
}

// AssetRow is a registry entry after an operation.
type AssetRow struct {
	Asset    common.Address
	Admitted bool
	Oracle   string
}

// PolicyRow is the policy and counter state after an operation.
type PolicyRow struct {
	AdmissionCap      *uint256.Int
	WithdrawalCeiling *uint256.Int
	TotalAdmitted     *uint256.Int
	Authority         common.Address
	DepositCount      uint64
	WithdrawalCount   uint64
	LastSequence      int64
}

// StateDelta carries every row an operation touched, in its post-operation
// form. Upserting it makes the stored tables mirror the in-memory ledger.
type StateDelta struct {
	Balances []BalanceRow
	Asset    *AssetRow
	Policy   PolicyRow
}

// Envelope wraps every committed record with the state it produced.
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence  int64
	Type      RecordType
	Timestamp time.Time
	Record    Record
	State     StateDelta

	// SHA-256 of state AFTER applying this record
	StateHash [32]byte

	// Previous record's state hash (chain integrity)
	PrevHash [32]byte
}
