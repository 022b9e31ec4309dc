// Package oracle values asset amounts in USD from external price feeds.
package oracle

import (
	"context"
	"time"

	"CustodyLedger/internal/errs"
	fpmath "CustodyLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DefaultStalenessWindow is the maximum accepted age of a price.
const DefaultStalenessWindow = time.Hour

// OracleResolver maps an asset to its oracle reference.
type OracleResolver interface {
	OracleOf(asset common.Address) (string, bool)
}

// Quote is a validated price normalised to USD decimals.
type Quote struct {
	Asset         common.Address
	Oracle        string
	Price         *uint256.Int // USD per whole unit, scaled by 10^max(8, FeedDecimals)
	FeedDecimals  uint8
	AssetDecimals uint8
	UpdatedAt     time.Time
	RoundID       uint64
}

// Adapter turns an (asset, amount) pair into a USD valuation.
type Adapter struct {
	oracles  OracleResolver
	feeds    FeedSource
	decimals DecimalsSource
	window   time.Duration
	now      func() time.Time
}

type Option func(*Adapter)

func WithStalenessWindow(window time.Duration) Option {
	return func(a *Adapter) { a.window = window }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func NewAdapter(oracles OracleResolver, feeds FeedSource, decimals DecimalsSource, opts ...Option) *Adapter {
	a := &Adapter{
		oracles:  oracles,
		feeds:    feeds,
		decimals: decimals,
		window:   DefaultStalenessWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetOracles replaces the resolver the adapter reads references from.
func (a *Adapter) SetOracles(oracles OracleResolver) {
	a.oracles = oracles
}

func (a *Adapter) StalenessWindow() time.Duration {
	return a.window
}

// Quote fetches and validates the current price of an asset.
func (a *Adapter) Quote(ctx context.Context, asset common.Address) (Quote, error) {
	ref, ok := a.oracles.OracleOf(asset)
	if !ok {
		return Quote{}, errs.New(errs.CodeAssetNotRegistered, "asset %s has no oracle", asset.Hex())
	}

	round, err := a.feeds.LatestRound(ctx, ref)
	if err != nil {
		return Quote{}, errs.Wrap(errs.CodeOracleUnavailable, err, "oracle %s", ref)
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return Quote{}, errs.New(errs.CodeInvalidPrice, "oracle %s answered %v", ref, round.Answer)
	}
	price, overflow := uint256.FromBig(round.Answer)
	if overflow {
		return Quote{}, errs.New(errs.CodeInvalidPrice, "oracle %s answer exceeds 256 bits", ref)
	}

	// A timestamp in the future has age zero.
	if age := a.now().Sub(round.UpdatedAt); age > a.window {
		return Quote{}, errs.New(errs.CodeStalePrice, "oracle %s updated %s ago, window %s", ref, age, a.window)
	}

	assetDecimals := uint8(fpmath.NativeDecimals)
	if asset != (common.Address{}) {
		assetDecimals, err = a.decimals.Decimals(ctx, asset)
		if err != nil {
			return Quote{}, errs.Wrap(errs.CodeOracleUnavailable, err, "decimals of %s", asset.Hex())
		}
	}

	if round.Decimals < fpmath.USDDecimals {
		scale, _ := fpmath.Pow10(fpmath.USDDecimals - int(round.Decimals))
		price, err = fpmath.MulDiv(price, scale, uint256.NewInt(1))
		if err != nil {
			return Quote{}, errs.Wrap(errs.CodeInvalidPrice, err, "oracle %s rescale", ref)
		}
	}

	return Quote{
		Asset:         asset,
		Oracle:        ref,
		Price:         price,
		FeedDecimals:  round.Decimals,
		AssetDecimals: assetDecimals,
		UpdatedAt:     round.UpdatedAt,
		RoundID:       round.RoundID,
	}, nil
}

// Value returns floor(amount * price / 10^decimals) for a quote.
func (q Quote) Value(amount *uint256.Int) (*uint256.Int, error) {
	exp := int(q.AssetDecimals)
	if q.FeedDecimals > fpmath.USDDecimals {
		exp += int(q.FeedDecimals) - fpmath.USDDecimals
	}
	denom, err := fpmath.Pow10(exp)
	if err != nil {
		return nil, errs.Wrap(errs.CodeArithmeticOverflow, err, "valuation divisor")
	}
	return fpmath.MulDiv(amount, q.Price, denom)
}

// ValueInUSD values amount of asset in USD with 8 implied decimals.
func (a *Adapter) ValueInUSD(ctx context.Context, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	q, err := a.Quote(ctx, asset)
	if err != nil {
		return nil, err
	}
	return q.Value(amount)
}
