// internal/event/admin.go
package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

func NewCapChanged(newCap *uint256.Int, at time.Time) Record {
	return Record{RecordID: uuid.New(), Type: RecordTypeCapChanged, NewCap: newCap.Clone(), Timestamp: at}
}

func NewCeilingChanged(newCeiling *uint256.Int, at time.Time) Record {
	return Record{RecordID: uuid.New(), Type: RecordTypeCeilingChanged, NewCeiling: newCeiling.Clone(), Timestamp: at}
}

func NewAssetAdmitted(asset common.Address, oracle string, at time.Time) Record {
	return Record{RecordID: uuid.New(), Type: RecordTypeAssetAdmitted, Asset: asset, Oracle: oracle, Timestamp: at}
}

func NewAssetDelisted(asset common.Address, at time.Time) Record {
	return Record{RecordID: uuid.New(), Type: RecordTypeAssetDelisted, Asset: asset, Timestamp: at}
}

func NewAuthorityTransferred(previous, next common.Address, at time.Time) Record {
	return Record{RecordID: uuid.New(), Type: RecordTypeAuthorityTransferred, Previous: previous, Next: next, Timestamp: at}
}
