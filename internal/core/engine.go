package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"CustodyLedger/internal/custody"
	"CustodyLedger/internal/errs"
	"CustodyLedger/internal/event"
	"CustodyLedger/internal/ledger"
	fpmath "CustodyLedger/internal/math"
	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/oracle"
	"CustodyLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Operation names used in logs and metrics
const (
	OpDepositNative        = "deposit_native"
	OpDepositAsset         = "deposit_asset"
	OpWithdrawNative       = "withdraw_native"
	OpWithdrawAsset        = "withdraw_asset"
	OpAdmit                = "admit"
	OpDelist               = "delist"
	OpSetAdmissionCap      = "set_admission_cap"
	OpSetWithdrawalCeiling = "set_withdrawal_ceiling"
	OpTransferAuthority    = "transfer_authority"
)

// inFlightKey marks contexts handed to the custody gateway.
type inFlightKey struct{}

// CoreOutput is everything downstream workers need about one committed operation
type CoreOutput struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch
}

// Options configures an Engine.
type Options struct {
	Authority         common.Address
	AdmissionCap      *uint256.Int
	WithdrawalCeiling *uint256.Int

	Feeds           oracle.FeedSource
	Decimals        oracle.DecimalsSource
	StalenessWindow time.Duration
	Gateway         custody.Gateway
	TransferTimeout time.Duration

	Clock   func() time.Time
	Metrics *observability.Metrics
	Logger  zerolog.Logger

	// Persist receives every committed output (blocking send). Publish
	// receives the same outputs but drops them when full.
	Persist chan<- CoreOutput
	Publish chan<- CoreOutput
}

// Engine is the single serialized state machine in front of the registry,
// policy, ledger and authority. Every operation takes mu and runs to
// completion or full rollback before the next is admitted.
type Engine struct {
	mu sync.Mutex

	// transferring is set while a custody transfer is in progress. Any call
	// arriving in that window is rejected, whatever context it carries.
	transferring atomic.Bool
	closed       bool

	sequence        int64
	depositCount    uint64
	withdrawalCount uint64

	hasher    *StateHasher
	balances  *ledger.BalanceTracker
	validator *ledger.InvariantValidator
	registry  *state.AssetRegistry
	policy    *state.PolicyLimits
	authority *state.Authority
	adapter   *oracle.Adapter
	gateway   custody.Gateway

	now             func() time.Time
	transferTimeout time.Duration
	metrics         *observability.Metrics
	log             zerolog.Logger

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

func NewEngine(opts Options) (*Engine, error) {
	authority, err := state.NewAuthority(opts.Authority)
	if err != nil {
		return nil, err
	}
	if opts.Feeds == nil || opts.Gateway == nil {
		return nil, fmt.Errorf("engine requires a price feed and a custody gateway")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	window := opts.StalenessWindow
	if window <= 0 {
		window = oracle.DefaultStalenessWindow
	}
	decimals := opts.Decimals
	if decimals == nil {
		decimals = oracle.NewStaticDecimals(nil, nil)
	}

	balances := ledger.NewBalanceTracker()
	registry := state.NewAssetRegistry()
	e := &Engine{
		hasher:          NewStateHasher(),
		balances:        balances,
		validator:       ledger.NewInvariantValidator(balances),
		registry:        registry,
		policy:          state.NewPolicyLimits(orZero(opts.AdmissionCap), orZero(opts.WithdrawalCeiling)),
		authority:       authority,
		adapter:         oracle.NewAdapter(registry, opts.Feeds, decimals, oracle.WithClock(now), oracle.WithStalenessWindow(window)),
		gateway:         opts.Gateway,
		now:             now,
		transferTimeout: opts.TransferTimeout,
		metrics:         opts.Metrics,
		log:             opts.Logger,
		persistChan:     opts.Persist,
		publishChan:     opts.Publish,
	}
	e.observePolicy()
	return e, nil
}

// ============================================================================
// Deposits
// ============================================================================

// DepositNative credits caller with the native value attached to the call.
func (e *Engine) DepositNative(ctx context.Context, caller common.Address, value *uint256.Int) (event.Record, error) {
	return e.run(ctx, OpDepositNative, func() (event.Record, error) {
		return e.deposit(ctx, OpDepositNative, caller, ledger.NativeAsset, value)
	})
}

// DepositAsset credits caller with amount of a registered asset, then pulls
// the amount into custody.
func (e *Engine) DepositAsset(ctx context.Context, caller, asset common.Address, amount *uint256.Int) (event.Record, error) {
	return e.run(ctx, OpDepositAsset, func() (event.Record, error) {
		if isZero(amount) {
			return event.Record{}, errs.ErrZeroAmount
		}
		if asset == ledger.NativeAsset {
			return event.Record{}, errs.ErrNativeAssetMisuse
		}
		return e.deposit(ctx, OpDepositAsset, caller, asset, amount)
	})
}

func (e *Engine) deposit(ctx context.Context, op string, caller, asset common.Address, amount *uint256.Int) (event.Record, error) {
	if isZero(amount) {
		return event.Record{}, errs.ErrZeroAmount
	}
	if !e.registry.IsAdmitted(asset) {
		return event.Record{}, errs.New(errs.CodeAssetNotAdmitted, "asset %s is not admitted", asset.Hex())
	}

	value, err := e.valueInUSD(ctx, asset, amount)
	if err != nil {
		return event.Record{}, err
	}

	u := e.beginUndo()
	defer e.abortOnPanic(op, u)

	// Commit point: the running total now includes value.
	prior, err := e.policy.CheckAdmission(value)
	if err != nil {
		return event.Record{}, err
	}
	u.priorTotal = prior

	key := ledger.NewAccountKey(asset, caller)
	j, err := e.balances.Credit(key, amount)
	if err != nil {
		e.rollback(u)
		return event.Record{}, err
	}
	u.batch.Add(j)
	e.depositCount++

	rec := event.NewDeposit(caller, asset, amount, value, e.now())

	if err := e.validator.ValidateBatchApplied(&u.batch); err != nil {
		panic(fmt.Sprintf("FATAL: deposit batch inconsistent: %v", err))
	}
	if err := e.validator.ValidateAdmittedWithinCap(e.policy.TotalAdmitted(), e.policy.AdmissionCap()); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	received, err := e.transferIn(ctx, asset, caller, amount)
	if err == nil && !received.Eq(amount) {
		err = fmt.Errorf("custody received %s, expected %s", received, amount)
	}
	if err != nil {
		e.rollback(u)
		e.metrics.ObserveRollback(op)
		e.transferFailureEvent(err).Err(err).
			Str("asset", asset.Hex()).
			Str("owner", caller.Hex()).
			Str("amount", amount.Dec()).
			Msg("transfer in failed, deposit rolled back")
		return event.Record{}, errs.Wrap(errs.CodeTransferFailed, err, "transfer in of %s %s", amount, asset.Hex())
	}

	u.done = true
	return e.commit(rec, &u.batch, nil), nil
}

// ============================================================================
// Withdrawals
// ============================================================================

// WithdrawNative sends amount of the native unit from caller's balance.
func (e *Engine) WithdrawNative(ctx context.Context, caller common.Address, amount *uint256.Int) (event.Record, error) {
	return e.run(ctx, OpWithdrawNative, func() (event.Record, error) {
		return e.withdraw(ctx, OpWithdrawNative, caller, ledger.NativeAsset, amount)
	})
}

// WithdrawAsset sends amount of asset from caller's balance. Delisted assets
// remain withdrawable.
func (e *Engine) WithdrawAsset(ctx context.Context, caller, asset common.Address, amount *uint256.Int) (event.Record, error) {
	return e.run(ctx, OpWithdrawAsset, func() (event.Record, error) {
		if isZero(amount) {
			return event.Record{}, errs.ErrZeroAmount
		}
		if asset == ledger.NativeAsset {
			return event.Record{}, errs.ErrNativeAssetMisuse
		}
		return e.withdraw(ctx, OpWithdrawAsset, caller, asset, amount)
	})
}

func (e *Engine) withdraw(ctx context.Context, op string, caller, asset common.Address, amount *uint256.Int) (event.Record, error) {
	if isZero(amount) {
		return event.Record{}, errs.ErrZeroAmount
	}
	key := ledger.NewAccountKey(asset, caller)
	if available := e.balances.GetBalance(key); amount.Gt(available) {
		return event.Record{}, errs.InsufficientBalance(amount, available)
	}

	value, err := e.valueInUSD(ctx, asset, amount)
	if err != nil {
		return event.Record{}, err
	}
	if err := e.policy.CheckWithdrawal(value); err != nil {
		return event.Record{}, err
	}

	u := e.beginUndo()
	defer e.abortOnPanic(op, u)

	j, err := e.balances.Debit(key, amount)
	if err != nil {
		return event.Record{}, err
	}
	u.batch.Add(j)

	prior, clamped := e.policy.Release(value)
	u.priorTotal = prior
	if clamped {
		e.metrics.ObserveReleaseClamped()
		e.log.Info().
			Str("asset", asset.Hex()).
			Str("value_usd", fpmath.FormatUSD(value)).
			Str("total_usd", fpmath.FormatUSD(prior)).
			Msg("withdrawal value exceeds admitted total, total clamped to zero")
	}
	e.withdrawalCount++

	rec := event.NewWithdrawal(caller, asset, amount, value, e.now())

	if err := e.validator.ValidateBatchApplied(&u.batch); err != nil {
		panic(fmt.Sprintf("FATAL: withdrawal batch inconsistent: %v", err))
	}

	if err := e.transferOut(ctx, asset, caller, amount); err != nil {
		e.rollback(u)
		e.metrics.ObserveRollback(op)
		e.transferFailureEvent(err).Err(err).
			Str("asset", asset.Hex()).
			Str("owner", caller.Hex()).
			Str("amount", amount.Dec()).
			Msg("transfer out failed, withdrawal rolled back")
		return event.Record{}, errs.Wrap(errs.CodeTransferFailed, err, "transfer out of %s %s", amount, asset.Hex())
	}

	u.done = true
	return e.commit(rec, &u.batch, nil), nil
}

// ============================================================================
// Admin operations (authority only)
// ============================================================================

// Admit makes an asset deposit-eligible and binds it to an oracle reference.
func (e *Engine) Admit(ctx context.Context, caller, asset common.Address, oracleRef string) (event.Record, error) {
	return e.run(ctx, OpAdmit, func() (event.Record, error) {
		if err := e.authority.Require(caller); err != nil {
			return event.Record{}, err
		}
		entry, err := e.registry.Admit(asset, oracleRef)
		if err != nil {
			return event.Record{}, err
		}
		return e.commit(event.NewAssetAdmitted(asset, oracleRef, e.now()), nil, assetRow(entry)), nil
	})
}

// Delist blocks further deposits of an asset. Holders can still withdraw.
func (e *Engine) Delist(ctx context.Context, caller, asset common.Address) (event.Record, error) {
	return e.run(ctx, OpDelist, func() (event.Record, error) {
		if err := e.authority.Require(caller); err != nil {
			return event.Record{}, err
		}
		entry := e.registry.Delist(asset)
		return e.commit(event.NewAssetDelisted(asset, e.now()), nil, assetRow(entry)), nil
	})
}

func (e *Engine) SetAdmissionCap(ctx context.Context, caller common.Address, newCap *uint256.Int) (event.Record, error) {
	return e.run(ctx, OpSetAdmissionCap, func() (event.Record, error) {
		if err := e.authority.Require(caller); err != nil {
			return event.Record{}, err
		}
		newCap = orZero(newCap)
		e.policy.SetAdmissionCap(newCap)
		return e.commit(event.NewCapChanged(newCap, e.now()), nil, nil), nil
	})
}

func (e *Engine) SetWithdrawalCeiling(ctx context.Context, caller common.Address, newCeiling *uint256.Int) (event.Record, error) {
	return e.run(ctx, OpSetWithdrawalCeiling, func() (event.Record, error) {
		if err := e.authority.Require(caller); err != nil {
			return event.Record{}, err
		}
		newCeiling = orZero(newCeiling)
		e.policy.SetWithdrawalCeiling(newCeiling)
		return e.commit(event.NewCeilingChanged(newCeiling, e.now()), nil, nil), nil
	})
}

func (e *Engine) TransferAuthority(ctx context.Context, caller, next common.Address) (event.Record, error) {
	return e.run(ctx, OpTransferAuthority, func() (event.Record, error) {
		previous, err := e.authority.Transfer(caller, next)
		if err != nil {
			return event.Record{}, err
		}
		return e.commit(event.NewAuthorityTransferred(previous, next, e.now()), nil, nil), nil
	})
}

// ============================================================================
// Reads
// ============================================================================

// UsdValueOf values amount of asset at the current oracle price.
func (e *Engine) UsdValueOf(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := e.checkReentry(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errs.ErrEngineClosed
	}
	return e.valueInUSD(ctx, asset, orZero(amount))
}

// Quote returns the validated price the next valuation of asset would use.
func (e *Engine) Quote(ctx context.Context, asset common.Address) (oracle.Quote, error) {
	if err := e.checkReentry(ctx); err != nil {
		return oracle.Quote{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return oracle.Quote{}, errs.ErrEngineClosed
	}
	return e.adapter.Quote(ctx, asset)
}

func (e *Engine) BalanceOf(asset, owner common.Address) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances.GetBalance(ledger.NewAccountKey(asset, owner))
}

func (e *Engine) AdmissionCap() *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy.AdmissionCap()
}

func (e *Engine) WithdrawalCeiling() *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy.WithdrawalCeiling()
}

func (e *Engine) TotalAdmittedUSD() *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy.TotalAdmitted()
}

func (e *Engine) OracleOf(asset common.Address) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.OracleOf(asset)
}

func (e *Engine) IsAdmitted(asset common.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.IsAdmitted(asset)
}

// Asset returns the registry entry for asset, if any.
func (e *Engine) Asset(asset common.Address) (state.AssetEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Get(asset)
}

func (e *Engine) CurrentAuthority() common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authority.Current()
}

// Counters returns the committed deposit and withdrawal counts.
func (e *Engine) Counters() (deposits, withdrawals uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.depositCount, e.withdrawalCount
}

// Sequence returns the sequence of the last committed operation.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// StateHash returns the current state hash (chain tip).
func (e *Engine) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}

// Summary is a consistent view of the policy scalars and counters.
type Summary struct {
	AdmissionCap      *uint256.Int
	WithdrawalCeiling *uint256.Int
	TotalAdmitted     *uint256.Int
	Authority         common.Address
	DepositCount      uint64
	WithdrawalCount   uint64
	Sequence          int64
	StateHash         [32]byte
}

// Summary reads every policy scalar under a single lock.
func (e *Engine) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.policy.Params()
	return Summary{
		AdmissionCap:      p.AdmissionCap,
		WithdrawalCeiling: p.WithdrawalCeiling,
		TotalAdmitted:     p.TotalAdmitted,
		Authority:         e.authority.Current(),
		DepositCount:      e.depositCount,
		WithdrawalCount:   e.withdrawalCount,
		Sequence:          e.sequence,
		StateHash:         e.hasher.GetPrevHash(),
	}
}

// ============================================================================
// Internals
// ============================================================================

// Close waits for the operation in progress, if any, and rejects every
// later call with ENGINE_CLOSED. Outputs are never emitted after Close
// returns, so the caller may then close the output channels.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// undo captures what an operation must restore if it fails after its
// commit point. done is set once the custody transfer has succeeded.
type undo struct {
	batch       ledger.Batch
	priorTotal  *uint256.Int
	deposits    uint64
	withdrawals uint64
	done        bool
}

func (e *Engine) beginUndo() *undo {
	return &undo{deposits: e.depositCount, withdrawals: e.withdrawalCount}
}

func (e *Engine) rollback(u *undo) {
	if err := e.balances.RevertBatch(&u.batch); err != nil {
		panic(fmt.Sprintf("FATAL: rollback failed: %v", err))
	}
	if u.priorTotal != nil {
		e.policy.SetTotalAdmitted(u.priorTotal)
	}
	e.depositCount = u.deposits
	e.withdrawalCount = u.withdrawals
}

// abortOnPanic restores u when the operation unwinds through a panic before
// its transfer succeeded, then re-panics.
func (e *Engine) abortOnPanic(op string, u *undo) {
	if u.done {
		return
	}
	if r := recover(); r != nil {
		e.rollback(u)
		e.metrics.ObserveRollback(op)
		e.log.Error().Str("op", op).Interface("panic", r).Msg("operation panicked, rolled back")
		panic(r)
	}
}

// run serializes one top-level operation and records its outcome.
func (e *Engine) run(ctx context.Context, op string, fn func() (event.Record, error)) (event.Record, error) {
	start := time.Now()
	if err := e.checkReentry(ctx); err != nil {
		e.observe(op, start, err)
		return event.Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.observe(op, start, errs.ErrEngineClosed)
		return event.Record{}, errs.ErrEngineClosed
	}
	rec, err := fn()
	e.observe(op, start, err)
	return rec, err
}

// checkReentry rejects calls made while a custody transfer is in progress,
// including calls from inside the gateway itself. It runs before taking mu,
// which the transferring operation still holds.
func (e *Engine) checkReentry(ctx context.Context) error {
	if e.transferring.Load() {
		return errs.ErrReentrant
	}
	if owner, ok := ctx.Value(inFlightKey{}).(*Engine); ok && owner == e {
		return errs.ErrReentrant
	}
	return nil
}

func (e *Engine) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, inFlightKey{}, e)
	if e.transferTimeout > 0 {
		return context.WithTimeout(ctx, e.transferTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) transferIn(ctx context.Context, asset, from common.Address, amount *uint256.Int) (*uint256.Int, error) {
	gctx, cancel := e.gatewayContext(ctx)
	defer cancel()
	e.transferring.Store(true)
	defer e.transferring.Store(false)
	received, err := e.gateway.TransferIn(gctx, asset, from, amount)
	if err != nil {
		return nil, err
	}
	if received == nil {
		return nil, fmt.Errorf("custody reported no received amount")
	}
	return received, nil
}

func (e *Engine) transferOut(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	gctx, cancel := e.gatewayContext(ctx)
	defer cancel()
	e.transferring.Store(true)
	defer e.transferring.Store(false)
	return e.gateway.TransferOut(gctx, asset, to, amount)
}

// transferFailureEvent logs ordinary transfer failures at warn. A transfer
// with an unknown outcome was rolled back locally but may have executed, so
// it is logged at error for reconciliation.
func (e *Engine) transferFailureEvent(err error) *zerolog.Event {
	if errors.Is(err, custody.ErrOutcomeUnknown) {
		return e.log.Error().Bool("reconcile", true)
	}
	return e.log.Warn()
}

func (e *Engine) valueInUSD(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	value, err := e.adapter.ValueInUSD(ctx, asset, amount)
	if err != nil {
		e.metrics.ObserveOracleRejection(string(errs.CodeOf(err)))
		return nil, err
	}
	return value, nil
}

// commit stamps the next sequence on rec, hashes the resulting state and
// emits the output. It must only be called once every mutation is final.
func (e *Engine) commit(rec event.Record, batch *ledger.Batch, asset *event.AssetRow) event.Record {
	e.sequence++
	rec.Sequence = e.sequence

	delta := e.stateDelta(batch, asset)
	prev := e.hasher.GetPrevHash()
	hash := e.hasher.ComputeHash(e.sequence, DigestDelta(rec, delta))

	out := CoreOutput{
		Envelope: &event.Envelope{
			Sequence:  e.sequence,
			Type:      rec.Type,
			Timestamp: rec.Timestamp,
			Record:    rec,
			State:     delta,
			StateHash: hash,
			PrevHash:  prev,
		},
		Batch: batch,
	}
	e.emit(out)

	e.metrics.ObserveSequence(e.sequence)
	e.observePolicy()
	return rec
}

func (e *Engine) stateDelta(batch *ledger.Batch, asset *event.AssetRow) event.StateDelta {
	delta := event.StateDelta{
		Asset: asset,
		Policy: event.PolicyRow{
			AdmissionCap:      e.policy.AdmissionCap(),
			WithdrawalCeiling: e.policy.WithdrawalCeiling(),
			TotalAdmitted:     e.policy.TotalAdmitted(),
			Authority:         e.authority.Current(),
			DepositCount:      e.depositCount,
			WithdrawalCount:   e.withdrawalCount,
			LastSequence:      e.sequence,
		},
	}
	if batch != nil {
		for _, key := range batch.Keys() {
			delta.Balances = append(delta.Balances, event.BalanceRow{
				Asset:   key.Asset,
				Owner:   key.Owner,
				Balance: e.balances.GetBalance(key),
			})
		}
	}
	return delta
}

// emit sends to the persist channel with a BLOCKING send (backpressure) and
// to the publish channel with a NON-BLOCKING send that drops on full.
func (e *Engine) emit(out CoreOutput) {
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			e.metrics.ObservePersistBackpressure()
			e.persistChan <- out
		}
	}

	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			e.metrics.ObservePublishDrop()
		}
	}
}

func (e *Engine) observe(op string, start time.Time, err error) {
	code := ""
	if err != nil {
		code = string(errs.CodeOf(err))
		e.log.Info().Str("op", op).Str("code", code).Err(err).Msg("operation rejected")
	} else {
		e.log.Debug().Str("op", op).Int64("sequence", e.sequence).Msg("operation committed")
	}
	e.metrics.ObserveOp(op, code, time.Since(start))
}

func (e *Engine) observePolicy() {
	e.metrics.ObservePolicy(
		fpmath.USDFloat(e.policy.TotalAdmitted()),
		fpmath.USDFloat(e.policy.AdmissionCap()),
		fpmath.USDFloat(e.policy.WithdrawalCeiling()),
	)
}

func assetRow(entry state.AssetEntry) *event.AssetRow {
	return &event.AssetRow{Asset: entry.Asset, Admitted: entry.Admitted, Oracle: entry.Oracle}
}

func isZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
