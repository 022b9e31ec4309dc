package core

import (
	"crypto/sha256"
	"encoding/binary"

	"CustodyLedger/internal/event"

	"github.com/holiman/uint256"
)

const GenesisHashSeed = "CustodyLedger:genesis:v1"

// StateHasher chains a hash over every committed state delta
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	genesis := sha256.Sum256([]byte(GenesisHashSeed))
	return &StateHasher{
		prevHash: genesis,
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash restores the chain tip after recovery
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// DigestDelta serializes a record and its state delta into a canonical byte
// form. Balance rows are hashed in the order given.
func DigestDelta(rec event.Record, delta event.StateDelta) []byte {
	buf := make([]byte, 0, 256)

	buf = append(buf, rec.RecordID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(rec.Type))
	buf = append(buf, rec.Owner[:]...)
	buf = append(buf, rec.Asset[:]...)
	buf = appendU256(buf, rec.Amount)
	buf = appendU256(buf, rec.ValueUSD)

	for _, row := range delta.Balances {
		buf = append(buf, row.Asset[:]...)
		buf = append(buf, row.Owner[:]...)
		buf = appendU256(buf, row.Balance)
	}

	if a := delta.Asset; a != nil {
		buf = append(buf, a.Asset[:]...)
		if a.Admitted {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(a.Oracle)))
		buf = append(buf, a.Oracle...)
	}

	p := delta.Policy
	buf = appendU256(buf, p.AdmissionCap)
	buf = appendU256(buf, p.WithdrawalCeiling)
	buf = appendU256(buf, p.TotalAdmitted)
	buf = append(buf, p.Authority[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, p.DepositCount)
	buf = binary.LittleEndian.AppendUint64(buf, p.WithdrawalCount)

	return buf
}

func appendU256(buf []byte, v *uint256.Int) []byte {
	if v == nil {
		var zero [32]byte
		return append(buf, zero[:]...)
	}
	b := v.Bytes32()
	return append(buf, b[:]...)
}
