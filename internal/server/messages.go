package server

import (
	"encoding/hex"

	"CustodyLedger/internal/core"
	"CustodyLedger/internal/event"
	fpmath "CustodyLedger/internal/math"
	"CustodyLedger/internal/oracle"
	"CustodyLedger/internal/state"

	"github.com/holiman/uint256"
)

// Request and reply messages for custody.v1.Custody. Addresses are 0x hex,
// amounts are base-10 integers in the asset's base unit, and USD values are
// decimal strings ("1000.5") or "raw:<int>" with 8 implied decimals.

// DepositRequest deposits Amount of Asset. An empty Asset selects the
// native unit, whose amount is the attached Value.
type DepositRequest struct {
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount,omitempty"`
	Value  string `json:"value,omitempty"`
}

// WithdrawRequest withdraws Amount of Asset. An empty Asset selects the
// native unit.
type WithdrawRequest struct {
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount"`
}

type AdmitRequest struct {
	Asset  string `json:"asset"`
	Oracle string `json:"oracle"`
}

type DelistRequest struct {
	Asset string `json:"asset"`
}

type SetAdmissionCapRequest struct {
	CapUSD string `json:"cap_usd"`
}

type SetWithdrawalCeilingRequest struct {
	CeilingUSD string `json:"ceiling_usd"`
}

type TransferAuthorityRequest struct {
	Next string `json:"next"`
}

type GetBalanceRequest struct {
	Asset string `json:"asset"`
	Owner string `json:"owner"`
}

type GetPolicyRequest struct{}

type GetAssetRequest struct {
	Asset string `json:"asset"`
}

type QuoteUSDRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type ListRecordsRequest struct {
	Owner         string `json:"owner,omitempty"`
	Asset         string `json:"asset,omitempty"`
	Type          string `json:"type,omitempty"`
	AfterSequence int64  `json:"after_sequence,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// RecordReply is the committed record of a state-changing call.
type RecordReply struct {
	Sequence    int64  `json:"sequence"`
	RecordID    string `json:"record_id"`
	Type        string `json:"type"`
	Owner       string `json:"owner,omitempty"`
	Asset       string `json:"asset,omitempty"`
	Amount      string `json:"amount,omitempty"`
	ValueUSD    string `json:"value_usd,omitempty"`
	Oracle      string `json:"oracle,omitempty"`
	NewCapUSD   string `json:"new_cap_usd,omitempty"`
	NewCeilUSD  string `json:"new_ceiling_usd,omitempty"`
	Previous    string `json:"previous,omitempty"`
	Next        string `json:"next,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
}

type BalanceReply struct {
	Asset    string `json:"asset"`
	Owner    string `json:"owner"`
	Balance  string `json:"balance"`
	Sequence int64  `json:"sequence"`
}

type PolicyReply struct {
	AdmissionCapUSD      string `json:"admission_cap_usd"`
	WithdrawalCeilingUSD string `json:"withdrawal_ceiling_usd"`
	TotalAdmittedUSD     string `json:"total_admitted_usd"`
	Authority            string `json:"authority"`
	DepositCount         uint64 `json:"deposit_count"`
	WithdrawalCount      uint64 `json:"withdrawal_count"`
	Sequence             int64  `json:"sequence"`
	StateHash            string `json:"state_hash"`
}

type AssetReply struct {
	Asset      string `json:"asset"`
	Registered bool   `json:"registered"`
	Admitted   bool   `json:"admitted"`
	Oracle     string `json:"oracle,omitempty"`
}

type QuoteReply struct {
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	ValueUSD      string `json:"value_usd"`
	Oracle        string `json:"oracle"`
	FeedDecimals  uint8  `json:"feed_decimals"`
	AssetDecimals uint8  `json:"asset_decimals"`
	UpdatedAt     int64  `json:"updated_at"`
	RoundID       uint64 `json:"round_id"`
}

func newRecordReply(rec event.Record) *RecordReply {
	reply := &RecordReply{
		Sequence:    rec.Sequence,
		RecordID:    rec.RecordID.String(),
		Type:        rec.Type.String(),
		TimestampMs: rec.Timestamp.UnixMilli(),
	}
	switch rec.Type {
	case event.RecordTypeDeposit, event.RecordTypeWithdrawal:
		reply.Owner = rec.Owner.Hex()
		reply.Asset = rec.Asset.Hex()
		reply.Amount = rec.Amount.Dec()
		reply.ValueUSD = fpmath.FormatUSD(rec.ValueUSD)
	case event.RecordTypeAssetAdmitted:
		reply.Asset = rec.Asset.Hex()
		reply.Oracle = rec.Oracle
	case event.RecordTypeAssetDelisted:
		reply.Asset = rec.Asset.Hex()
	case event.RecordTypeCapChanged:
		reply.NewCapUSD = fpmath.FormatUSD(rec.NewCap)
	case event.RecordTypeCeilingChanged:
		reply.NewCeilUSD = fpmath.FormatUSD(rec.NewCeiling)
	case event.RecordTypeAuthorityTransferred:
		reply.Previous = rec.Previous.Hex()
		reply.Next = rec.Next.Hex()
	}
	return reply
}

func newPolicyReply(s core.Summary) *PolicyReply {
	return &PolicyReply{
		AdmissionCapUSD:      fpmath.FormatUSD(s.AdmissionCap),
		WithdrawalCeilingUSD: fpmath.FormatUSD(s.WithdrawalCeiling),
		TotalAdmittedUSD:     fpmath.FormatUSD(s.TotalAdmitted),
		Authority:            s.Authority.Hex(),
		DepositCount:         s.DepositCount,
		WithdrawalCount:      s.WithdrawalCount,
		Sequence:             s.Sequence,
		StateHash:            hex.EncodeToString(s.StateHash[:]),
	}
}

func newAssetReply(asset string, entry state.AssetEntry, registered bool) *AssetReply {
	return &AssetReply{
		Asset:      asset,
		Registered: registered,
		Admitted:   entry.Admitted,
		Oracle:     entry.Oracle,
	}
}

func newQuoteReply(q oracle.Quote, amount, value *uint256.Int) *QuoteReply {
	return &QuoteReply{
		Asset:         q.Asset.Hex(),
		Amount:        amount.Dec(),
		ValueUSD:      fpmath.FormatUSD(value),
		Oracle:        q.Oracle,
		FeedDecimals:  q.FeedDecimals,
		AssetDecimals: q.AssetDecimals,
		UpdatedAt:     q.UpdatedAt.Unix(),
		RoundID:       q.RoundID,
	}
}
