package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"CustodyLedger/internal/core"
	"CustodyLedger/internal/event"
	"CustodyLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Postgres caps bind parameters per statement at 65535.
const defaultMaxRows = 1000

// Writer appends records and upserts the state tables from committed
// outputs. Every write goes through a caller-owned transaction.
type Writer struct {
	maxRows int
}

func NewWriter() *Writer {
	return &Writer{maxRows: defaultMaxRows}
}

// RecordRow represents a row in custody.records
type RecordRow struct {
	Sequence   int64
	RecordID   string
	RecordType string
	Owner      *string
	Asset      *string
	Amount     *string
	ValueUSD   *string
	Oracle     *string
	NewCap     *string
	NewCeiling *string
	Previous   *string
	Next       *string
	StateHash  []byte
	PrevHash   []byte
	CreatedAt  time.Time
}

// WriteBatch persists outputs in order. Later outputs win for rows touched
// more than once in the batch.
func (w *Writer) WriteBatch(ctx context.Context, tx *sql.Tx, outputs []core.CoreOutput) error {
	if len(outputs) == 0 {
		return nil
	}

	records := make([]RecordRow, 0, len(outputs))
	balances := newBalanceSet()
	assets := make(map[common.Address]event.AssetRow)
	var assetOrder []common.Address

	for _, out := range outputs {
		env := out.Envelope
		records = append(records, NewRecordRow(env))
		for _, row := range env.State.Balances {
			balances.put(row, env.Sequence)
		}
		if a := env.State.Asset; a != nil {
			if _, seen := assets[a.Asset]; !seen {
				assetOrder = append(assetOrder, a.Asset)
			}
			assets[a.Asset] = *a
		}
	}

	if err := w.writeRecords(ctx, tx, records); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	if err := w.upsertBalances(ctx, tx, balances); err != nil {
		return fmt.Errorf("upsert balances: %w", err)
	}

	last := outputs[len(outputs)-1].Envelope
	for _, asset := range assetOrder {
		if err := upsertAsset(ctx, tx, assets[asset], last.Sequence); err != nil {
			return fmt.Errorf("upsert asset %s: %w", asset.Hex(), err)
		}
	}
	if err := upsertPolicy(ctx, tx, last.State.Policy, last.StateHash); err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

// NewRecordRow flattens an envelope into its records row. Columns that do
// not apply to the record type are NULL.
func NewRecordRow(env *event.Envelope) RecordRow {
	rec := env.Record
	row := RecordRow{
		Sequence:   env.Sequence,
		RecordID:   rec.RecordID.String(),
		RecordType: rec.Type.String(),
		StateHash:  env.StateHash[:],
		PrevHash:   env.PrevHash[:],
		CreatedAt:  rec.Timestamp,
	}

	switch rec.Type {
	case event.RecordTypeDeposit, event.RecordTypeWithdrawal:
		row.Owner = addrPtr(rec.Owner)
		row.Asset = addrPtr(rec.Asset)
		row.Amount = decPtr(rec.Amount)
		row.ValueUSD = decPtr(rec.ValueUSD)
	case event.RecordTypeAssetAdmitted:
		row.Asset = addrPtr(rec.Asset)
		row.Oracle = &rec.Oracle
	case event.RecordTypeAssetDelisted:
		row.Asset = addrPtr(rec.Asset)
	case event.RecordTypeCapChanged:
		row.NewCap = decPtr(rec.NewCap)
	case event.RecordTypeCeilingChanged:
		row.NewCeiling = decPtr(rec.NewCeiling)
	case event.RecordTypeAuthorityTransferred:
		row.Previous = addrPtr(rec.Previous)
		row.Next = addrPtr(rec.Next)
	}
	return row
}

func (w *Writer) writeRecords(ctx context.Context, tx *sql.Tx, records []RecordRow) error {
	const cols = 15
	for start := 0; start < len(records); start += w.maxRows {
		chunk := records[start:min(start+w.maxRows, len(records))]

		query := `INSERT INTO custody.records
			(sequence, record_id, record_type, owner, asset, amount, value_usd, oracle,
			 new_cap, new_ceiling, previous, next, state_hash, prev_hash, created_at)
			VALUES `

		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*cols)
		for i, r := range chunk {
			values = append(values, placeholders(i*cols, cols))
			args = append(args,
				r.Sequence, r.RecordID, r.RecordType, r.Owner, r.Asset, r.Amount, r.ValueUSD, r.Oracle,
				r.NewCap, r.NewCeiling, r.Previous, r.Next, r.StateHash, r.PrevHash, r.CreatedAt,
			)
		}

		query += strings.Join(values, ", ")
		query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) upsertBalances(ctx context.Context, tx *sql.Tx, set *balanceSet) error {
	const cols = 4
	rows := set.rows()
	for start := 0; start < len(rows); start += w.maxRows {
		chunk := rows[start:min(start+w.maxRows, len(rows))]

		query := `INSERT INTO custody.balances (asset, owner, balance, sequence) VALUES `
		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*cols)
		for i, r := range chunk {
			values = append(values, placeholders(i*cols, cols))
			args = append(args, r.row.Asset.Hex(), r.row.Owner.Hex(), decOrZero(r.row.Balance), r.sequence)
		}

		query += strings.Join(values, ", ")
		query += ` ON CONFLICT (asset, owner) DO UPDATE
			SET balance = EXCLUDED.balance, sequence = EXCLUDED.sequence, updated_at = NOW()
			WHERE custody.balances.sequence < EXCLUDED.sequence`

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

func upsertAsset(ctx context.Context, tx *sql.Tx, row event.AssetRow, sequence int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO custody.assets (asset, admitted, oracle, sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (asset) DO UPDATE
		SET admitted = EXCLUDED.admitted, oracle = EXCLUDED.oracle,
		    sequence = EXCLUDED.sequence, updated_at = NOW()
		WHERE custody.assets.sequence < EXCLUDED.sequence
	`, row.Asset.Hex(), row.Admitted, row.Oracle, sequence)
	return err
}

func upsertPolicy(ctx context.Context, tx *sql.Tx, p event.PolicyRow, stateHash [32]byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO custody.policy
			(id, admission_cap, withdrawal_ceiling, total_admitted, authority,
			 deposit_count, withdrawal_count, last_sequence, state_hash)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET admission_cap = EXCLUDED.admission_cap,
		    withdrawal_ceiling = EXCLUDED.withdrawal_ceiling,
		    total_admitted = EXCLUDED.total_admitted,
		    authority = EXCLUDED.authority,
		    deposit_count = EXCLUDED.deposit_count,
		    withdrawal_count = EXCLUDED.withdrawal_count,
		    last_sequence = EXCLUDED.last_sequence,
		    state_hash = EXCLUDED.state_hash,
		    updated_at = NOW()
		WHERE custody.policy.last_sequence < EXCLUDED.last_sequence
	`,
		decOrZero(p.AdmissionCap), decOrZero(p.WithdrawalCeiling), decOrZero(p.TotalAdmitted),
		p.Authority.Hex(), int64(p.DepositCount), int64(p.WithdrawalCount), p.LastSequence, stateHash[:],
	)
	return err
}

// balanceSet keeps the last row per account in first-touch order.
type balanceSet struct {
	index map[ledger.AccountKey]int
	list  []sequencedBalance
}

type sequencedBalance struct {
	row      event.BalanceRow
	sequence int64
}

func newBalanceSet() *balanceSet {
	return &balanceSet{index: make(map[ledger.AccountKey]int)}
}

func (s *balanceSet) put(row event.BalanceRow, sequence int64) {
	key := ledger.NewAccountKey(row.Asset, row.Owner)
	if i, ok := s.index[key]; ok {
		s.list[i] = sequencedBalance{row: row, sequence: sequence}
		return
	}
	s.index[key] = len(s.list)
	s.list = append(s.list, sequencedBalance{row: row, sequence: sequence})
}

func (s *balanceSet) rows() []sequencedBalance {
	return s.list
}

func placeholders(base, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", base+i+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func addrPtr(a common.Address) *string {
	s := a.Hex()
	return &s
}

func decPtr(v *uint256.Int) *string {
	if v == nil {
		return nil
	}
	s := v.Dec()
	return &s
}

func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
