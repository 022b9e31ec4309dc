package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NativeAsset is the reserved asset identifier for the native value unit.
var NativeAsset = common.Address{}

// AccountKey is the in-memory key for balance tracking: one entry per (asset, owner).
type AccountKey struct {
	Asset common.Address
	Owner common.Address
}

func NewAccountKey(asset, owner common.Address) AccountKey {
	return AccountKey{Asset: asset, Owner: owner}
}

// IsNative reports whether the key tracks the native value unit.
func (k AccountKey) IsNative() bool {
	return k.Asset == NativeAsset
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	return k.Asset.Hex() + ":" + k.Owner.Hex()
}

func (k AccountKey) String() string {
	return k.AccountPath()
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	asset, owner, ok := strings.Cut(path, ":")
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: missing separator", path)
	}
	if !common.IsHexAddress(asset) {
		return AccountKey{}, fmt.Errorf("account path %q: invalid asset %q", path, asset)
	}
	if !common.IsHexAddress(owner) {
		return AccountKey{}, fmt.Errorf("account path %q: invalid owner %q", path, owner)
	}
	return AccountKey{
		Asset: common.HexToAddress(asset),
		Owner: common.HexToAddress(owner),
	}, nil
}
