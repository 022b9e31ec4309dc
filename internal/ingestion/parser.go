package ingestion

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"CustodyLedger/internal/event"
	"CustodyLedger/internal/oracle"

	"github.com/holiman/uint256"
)

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

// priceJSON is a price round published by the feed relay. Answer is a signed
// base-10 integer scaled by 10^decimals; updated_at is unix seconds.
type priceJSON struct {
	Oracle    string `json:"oracle"`
	Answer    string `json:"answer"`
	Decimals  uint8  `json:"decimals"`
	UpdatedAt int64  `json:"updated_at"`
	RoundID   uint64 `json:"round_id"`
}

// ParsePriceMessage decodes a price round. When the payload carries no
// oracle reference, the last token of the subject is used.
func ParsePriceMessage(subject string, data []byte) (string, oracle.Round, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return "", oracle.Round{}, fmt.Errorf("parse price: %w", err)
	}

	ref := j.Oracle
	if ref == "" {
		if i := strings.LastIndexByte(subject, '.'); i >= 0 && i < len(subject)-1 {
			ref = subject[i+1:]
		}
	}
	if ref == "" {
		return "", oracle.Round{}, fmt.Errorf("parse price: missing oracle reference")
	}

	answer, ok := new(big.Int).SetString(j.Answer, 10)
	if !ok {
		return "", oracle.Round{}, fmt.Errorf("parse price: answer %q is not an integer", j.Answer)
	}
	if j.UpdatedAt <= 0 {
		return "", oracle.Round{}, fmt.Errorf("parse price: missing updated_at")
	}

	return ref, oracle.Round{
		Answer:    answer,
		Decimals:  j.Decimals,
		UpdatedAt: time.Unix(j.UpdatedAt, 0).UTC(),
		RoundID:   j.RoundID,
	}, nil
}

// RecordMessage is the outbound wire form of a committed record. Amounts
// are base-10 strings; USD values carry 8 implied decimals.
type RecordMessage struct {
	Sequence   int64     `json:"sequence"`
	RecordID   string    `json:"record_id"`
	Type       string    `json:"type"`
	Owner      string    `json:"owner,omitempty"`
	Asset      string    `json:"asset,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	ValueUSD   string    `json:"value_usd,omitempty"`
	Oracle     string    `json:"oracle,omitempty"`
	NewCap     string    `json:"new_cap,omitempty"`
	NewCeiling string    `json:"new_ceiling,omitempty"`
	Previous   string    `json:"previous,omitempty"`
	Next       string    `json:"next,omitempty"`
	StateHash  string    `json:"state_hash"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewRecordMessage flattens an envelope for publishing.
func NewRecordMessage(env *event.Envelope) RecordMessage {
	rec := env.Record
	msg := RecordMessage{
		Sequence:  env.Sequence,
		RecordID:  rec.RecordID.String(),
		Type:      rec.Type.String(),
		StateHash: hex.EncodeToString(env.StateHash[:]),
		Timestamp: rec.Timestamp,
	}

	switch rec.Type {
	case event.RecordTypeDeposit, event.RecordTypeWithdrawal:
		msg.Owner = rec.Owner.Hex()
		msg.Asset = rec.Asset.Hex()
		msg.Amount = decString(rec.Amount)
		msg.ValueUSD = decString(rec.ValueUSD)
	case event.RecordTypeAssetAdmitted:
		msg.Asset = rec.Asset.Hex()
		msg.Oracle = rec.Oracle
	case event.RecordTypeAssetDelisted:
		msg.Asset = rec.Asset.Hex()
	case event.RecordTypeCapChanged:
		msg.NewCap = decString(rec.NewCap)
	case event.RecordTypeCeilingChanged:
		msg.NewCeiling = decString(rec.NewCeiling)
	case event.RecordTypeAuthorityTransferred:
		msg.Previous = rec.Previous.Hex()
		msg.Next = rec.Next.Hex()
	}
	return msg
}

// RecordSubject returns the outbound subject for a record type.
func RecordSubject(rt event.RecordType) string {
	return RecordSubjectPrefix + strings.ToLower(rt.String())
}

func decString(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}
