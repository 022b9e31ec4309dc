package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	fpmath "CustodyLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Service provides read-only access to the persisted custody tables.
// All responses include as_of_sequence, the last sequence the persistence
// worker committed, so callers can tell how far behind the live engine the
// durable view is.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// ListRecords returns one page of the record history in ascending sequence
// order. Pass the returned NextAfter as the next filter's AfterSequence.
func (s *Service) ListRecords(ctx context.Context, f Filter) (*RecordPage, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query, args := BuildRecordQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	page := &RecordPage{Records: []RecordResponse{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		page.Records = append(page.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if n := len(page.Records); n > 0 && n == clampLimit(f.Limit) {
		page.NextAfter = page.Records[n-1].Sequence
	}
	return page, nil
}

// GetPersistedBalance returns the durable balance of owner in asset. A
// missing row reads as zero at sequence 0.
func (s *Service) GetPersistedBalance(ctx context.Context, asset, owner common.Address) (*BalanceResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &BalanceResponse{
		Asset:        asset.Hex(),
		Owner:        owner.Hex(),
		Balance:      "0",
		AsOfSequence: asOfSeq,
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT balance::text, sequence FROM custody.balances
		WHERE asset = $1 AND owner = $2
	`, asset.Hex(), owner.Hex()).Scan(&resp.Balance, &resp.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("balance %s/%s: %w", asset.Hex(), owner.Hex(), err)
	}
	return resp, nil
}

// BuildRecordQuery renders the history query for a filter.
func BuildRecordQuery(f Filter) (string, []any) {
	query := `
		SELECT sequence, record_id::text, record_type, owner, asset,
		       amount::text, value_usd::text, oracle, new_cap::text, new_ceiling::text,
		       previous, next, state_hash, prev_hash, created_at
		FROM custody.records
		WHERE sequence > $1
	`
	args := []any{f.AfterSequence}
	argIdx := 2

	if f.Owner != nil {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, f.Owner.Hex())
		argIdx++
	}
	if f.Asset != nil {
		query += fmt.Sprintf(" AND asset = $%d", argIdx)
		args = append(args, f.Asset.Hex())
		argIdx++
	}
	if f.Type != nil {
		query += fmt.Sprintf(" AND record_type = $%d", argIdx)
		args = append(args, f.Type.String())
		argIdx++
	}

	query += " ORDER BY sequence ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(f.Limit))

	return query, args
}

// --- helpers ---

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM custody.policy WHERE id = 1
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func scanRecord(rows *sql.Rows) (RecordResponse, error) {
	var (
		r                              RecordResponse
		owner, asset, amount, valueUSD sql.NullString
		oracleRef, newCap, newCeiling  sql.NullString
		previous, next                 sql.NullString
		stateHash, prevHash            []byte
		createdAt                      sql.NullTime
	)
	if err := rows.Scan(
		&r.Sequence, &r.RecordID, &r.Type, &owner, &asset,
		&amount, &valueUSD, &oracleRef, &newCap, &newCeiling,
		&previous, &next, &stateHash, &prevHash, &createdAt,
	); err != nil {
		return RecordResponse{}, fmt.Errorf("scan record: %w", err)
	}

	r.Owner = owner.String
	r.Asset = asset.String
	r.Amount = amount.String
	r.ValueUSD = valueUSD.String
	r.Oracle = oracleRef.String
	r.NewCap = newCap.String
	r.NewCeiling = newCeiling.String
	r.Previous = previous.String
	r.Next = next.String
	r.StateHash = hex.EncodeToString(stateHash)
	r.PrevHash = hex.EncodeToString(prevHash)
	if createdAt.Valid {
		r.Timestamp = createdAt.Time.UnixMilli()
	}
	if valueUSD.Valid {
		if v, err := uint256.FromDecimal(valueUSD.String); err == nil {
			r.ValueUSDFmt = fpmath.FormatUSD(v)
		}
	}
	return r, nil
}
