package state

import (
	"sort"

	"CustodyLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
)

// AssetEntry is the registry record for one asset. A missing entry means not
// admitted and no oracle.
type AssetEntry struct {
	Asset    common.Address
	Admitted bool
	Oracle   string // Empty when the asset has never been admitted
}

// AssetRegistry tracks which assets may be deposited and which price feed
// values each of them. Delisting blocks deposits only; the oracle reference
// is kept so holders can still be valued and withdraw.
type AssetRegistry struct {
	entries map[common.Address]*AssetEntry
}

func NewAssetRegistry() *AssetRegistry {
	return &AssetRegistry{
		entries: make(map[common.Address]*AssetEntry),
	}
}

// Admit marks the asset deposit-eligible and overwrites its oracle reference.
// It also re-admits a delisted asset.
func (r *AssetRegistry) Admit(asset common.Address, oracle string) (AssetEntry, error) {
	if oracle == "" {
		return AssetEntry{}, errs.ErrInvalidOracle
	}
	e := r.entry(asset)
	e.Admitted = true
	e.Oracle = oracle
	return *e, nil
}

// Delist blocks further deposits of the asset. Balances and the oracle
// reference are untouched.
func (r *AssetRegistry) Delist(asset common.Address) AssetEntry {
	e := r.entry(asset)
	e.Admitted = false
	return *e
}

func (r *AssetRegistry) IsAdmitted(asset common.Address) bool {
	e, ok := r.entries[asset]
	return ok && e.Admitted
}

// OracleOf returns the oracle reference, which survives delisting.
func (r *AssetRegistry) OracleOf(asset common.Address) (string, bool) {
	e, ok := r.entries[asset]
	if !ok || e.Oracle == "" {
		return "", false
	}
	return e.Oracle, true
}

// Get returns the entry for an asset, if one exists.
func (r *AssetRegistry) Get(asset common.Address) (AssetEntry, bool) {
	e, ok := r.entries[asset]
	if !ok {
		return AssetEntry{}, false
	}
	return *e, true
}

// Entries returns a copy of every entry, ordered by asset.
func (r *AssetRegistry) Entries() []AssetEntry {
	out := make([]AssetEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Asset.Cmp(out[j].Asset) < 0
	})
	return out
}

// Restore puts an entry back exactly as given. Used for recovery and undo.
func (r *AssetRegistry) Restore(e AssetEntry) {
	entry := e
	r.entries[e.Asset] = &entry
}

// Remove drops an entry entirely. Used only to undo the creation of one.
func (r *AssetRegistry) Remove(asset common.Address) {
	delete(r.entries, asset)
}

func (r *AssetRegistry) entry(asset common.Address) *AssetEntry {
	e, ok := r.entries[asset]
	if !ok {
		e = &AssetEntry{Asset: asset}
		r.entries[asset] = e
	}
	return e
}
