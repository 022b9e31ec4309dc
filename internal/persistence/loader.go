package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"CustodyLedger/internal/core"
	"CustodyLedger/internal/ledger"
	"CustodyLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Loader reads the durable state tables back into an engine snapshot.
type Loader struct {
	db *sql.DB
}

func NewLoader(db *sql.DB) *Loader {
	return &Loader{db: db}
}

// LoadState returns the persisted state, or nil when nothing has been
// committed yet (cold start).
func (l *Loader) LoadState(ctx context.Context) (*core.SnapshotState, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin load: %w", err)
	}
	defer tx.Rollback()

	snap, err := loadPolicy(ctx, tx)
	if err != nil || snap == nil {
		return nil, err
	}
	if snap.Balances, err = loadBalances(ctx, tx); err != nil {
		return nil, err
	}
	if snap.Assets, err = loadAssets(ctx, tx); err != nil {
		return nil, err
	}
	return snap, tx.Commit()
}

// GetLatestSequence returns the highest sequence in the record log.
func (l *Loader) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := l.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM custody.records`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty record log
	}
	return seq.Int64, nil
}

func loadPolicy(ctx context.Context, tx *sql.Tx) (*core.SnapshotState, error) {
	var (
		capStr, ceilingStr, totalStr, authority string
		deposits, withdrawals, lastSeq          int64
		stateHash                               []byte
	)
	err := tx.QueryRowContext(ctx, `
		SELECT admission_cap::text, withdrawal_ceiling::text, total_admitted::text, authority,
		       deposit_count, withdrawal_count, last_sequence, state_hash
		FROM custody.policy WHERE id = 1
	`).Scan(&capStr, &ceilingStr, &totalStr, &authority, &deposits, &withdrawals, &lastSeq, &stateHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	snap := &core.SnapshotState{
		Sequence:        lastSeq,
		Authority:       common.HexToAddress(authority),
		DepositCount:    uint64(deposits),
		WithdrawalCount: uint64(withdrawals),
	}
	if len(stateHash) != len(snap.StateHash) {
		return nil, fmt.Errorf("load policy: state hash has %d bytes", len(stateHash))
	}
	copy(snap.StateHash[:], stateHash)

	var params state.PolicyParams
	if params.AdmissionCap, err = uint256.FromDecimal(capStr); err != nil {
		return nil, fmt.Errorf("load policy: admission cap %q: %w", capStr, err)
	}
	if params.WithdrawalCeiling, err = uint256.FromDecimal(ceilingStr); err != nil {
		return nil, fmt.Errorf("load policy: withdrawal ceiling %q: %w", ceilingStr, err)
	}
	if params.TotalAdmitted, err = uint256.FromDecimal(totalStr); err != nil {
		return nil, fmt.Errorf("load policy: total admitted %q: %w", totalStr, err)
	}
	snap.Policy = params
	return snap, nil
}

func loadBalances(ctx context.Context, tx *sql.Tx) (map[ledger.AccountKey]*uint256.Int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT asset, owner, balance::text FROM custody.balances`)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[ledger.AccountKey]*uint256.Int)
	for rows.Next() {
		var asset, owner, balance string
		if err := rows.Scan(&asset, &owner, &balance); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		amount, err := uint256.FromDecimal(balance)
		if err != nil {
			return nil, fmt.Errorf("balance %s:%s %q: %w", asset, owner, balance, err)
		}
		key := ledger.NewAccountKey(common.HexToAddress(asset), common.HexToAddress(owner))
		balances[key] = amount
	}
	return balances, rows.Err()
}

func loadAssets(ctx context.Context, tx *sql.Tx) ([]state.AssetEntry, error) {
	rows, err := tx.QueryContext(ctx, `SELECT asset, admitted, oracle FROM custody.assets ORDER BY asset`)
	if err != nil {
		return nil, fmt.Errorf("load assets: %w", err)
	}
	defer rows.Close()

	var assets []state.AssetEntry
	for rows.Next() {
		var (
			asset string
			entry state.AssetEntry
		)
		if err := rows.Scan(&asset, &entry.Admitted, &entry.Oracle); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		entry.Asset = common.HexToAddress(asset)
		assets = append(assets, entry)
	}
	return assets, rows.Err()
}
