package query

import (
	"CustodyLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter selects records from the history. Nil fields match everything.
// AfterSequence is exclusive and pages forward.
type Filter struct {
	Owner         *common.Address
	Asset         *common.Address
	Type          *event.RecordType
	AfterSequence int64
	Limit         int
}

// RecordResponse represents a committed record for API queries. Amounts are
// base-10 strings in the asset's base unit; USD values carry 8 decimals and
// are also rendered in human form.
type RecordResponse struct {
	Sequence    int64  `json:"sequence"`
	RecordID    string `json:"record_id"`
	Type        string `json:"type"`
	Owner       string `json:"owner,omitempty"`
	Asset       string `json:"asset,omitempty"`
	Amount      string `json:"amount,omitempty"`
	ValueUSD    string `json:"value_usd,omitempty"`
	ValueUSDFmt string `json:"value_usd_formatted,omitempty"`
	Oracle      string `json:"oracle,omitempty"`
	NewCap      string `json:"new_cap,omitempty"`
	NewCeiling  string `json:"new_ceiling,omitempty"`
	Previous    string `json:"previous,omitempty"`
	Next        string `json:"next,omitempty"`
	StateHash   string `json:"state_hash"`
	PrevHash    string `json:"prev_hash"`
	Timestamp   int64  `json:"timestamp"`
}

// RecordPage is one page of history plus the persisted watermark.
type RecordPage struct {
	Records      []RecordResponse `json:"records"`
	NextAfter    int64            `json:"next_after,omitempty"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// BalanceResponse is a persisted balance row.
type BalanceResponse struct {
	Asset        string `json:"asset"`
	Owner        string `json:"owner"`
	Balance      string `json:"balance"`
	Sequence     int64  `json:"sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}
