package oracle_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"CustodyLedger/internal/errs"
	"CustodyLedger/internal/oracle"
	"CustodyLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	native = common.Address{}
	usdc   = testutil.Addr(0x1001)
	now    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type resolver map[common.Address]string

func (r resolver) OracleOf(asset common.Address) (string, bool) {
	ref, ok := r[asset]
	return ref, ok
}

type failingFeed struct{}

func (failingFeed) LatestRound(context.Context, string) (oracle.Round, error) {
	return oracle.Round{}, errors.New("connection refused")
}

func newTestAdapter(feeds oracle.FeedSource) *oracle.Adapter {
	oracles := resolver{native: "eth-usd", usdc: "usdc-usd"}
	decimals := oracle.NewStaticDecimals(map[common.Address]uint8{usdc: 6}, nil)
	return oracle.NewAdapter(oracles, feeds, decimals, oracle.WithClock(func() time.Time { return now }))
}

func round(answer int64, decimals uint8, updatedAt time.Time) oracle.Round {
	return oracle.Round{Answer: big.NewInt(answer), Decimals: decimals, UpdatedAt: updatedAt, RoundID: 1}
}

// ============================================================================
// Test: ValueInUSD
// ============================================================================

func TestValueInUSD_NativeAt3000(t *testing.T) {
	feeds := oracle.NewMemoryFeeds()
	feeds.Set("eth-usd", round(3000_00000000, 8, now))
	a := newTestAdapter(feeds)

	got, err := a.ValueInUSD(context.Background(), native, testutil.Units(1, 18))
	if err != nil {
		t.Fatalf("ValueInUSD: %v", err)
	}
	if !got.Eq(testutil.USD(3000)) {
		t.Errorf("got %s, want %s", got, testutil.USD(3000))
	}
}

func TestValueInUSD_AssetDecimals(t *testing.T) {
	feeds := oracle.NewMemoryFeeds()
	feeds.Set("usdc-usd", round(1_00000000, 8, now))
	a := newTestAdapter(feeds)

	got, err := a.ValueInUSD(context.Background(), usdc, testutil.Units(250, 6))
	if err != nil {
		t.Fatalf("ValueInUSD: %v", err)
	}
	if !got.Eq(testutil.USD(250)) {
		t.Errorf("got %s, want %s", got, testutil.USD(250))
	}
}

func TestValueInUSD_Truncates(t *testing.T) {
	feeds := oracle.NewMemoryFeeds()
	feeds.Set("eth-usd", round(3000_00000000, 8, now))
	a := newTestAdapter(feeds)

	// 1 wei at $3000 is 3*10^-7 USD units
	got, err := a.ValueInUSD(context.Background(), native, uint256.NewInt(1))
	if err != nil {
		t.Fatalf("ValueInUSD: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("got %s, want 0", got)
	}
}

func TestValueInUSD_FeedDecimalsRescaled(t *testing.T) {
	tests := []struct {
		name     string
		answer   int64
		decimals uint8
	}{
		{"six decimal feed", 3000_000000, 6},
		{"eight decimal feed", 3000_00000000, 8},
		{"ten decimal feed", 3000_0000000000, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feeds := oracle.NewMemoryFeeds()
			feeds.Set("eth-usd", round(tt.answer, tt.decimals, now))
			a := newTestAdapter(feeds)

			got, err := a.ValueInUSD(context.Background(), native, testutil.Units(2, 18))
			if err != nil {
				t.Fatalf("ValueInUSD: %v", err)
			}
			if !got.Eq(testutil.USD(6000)) {
				t.Errorf("got %s, want %s", got, testutil.USD(6000))
			}
		})
	}
}

func TestValueInUSD_StalenessBoundary(t *testing.T) {
	tests := []struct {
		name    string
		age     time.Duration
		wantErr error
	}{
		{"fresh", 0, nil},
		{"exactly one hour", 3600 * time.Second, nil},
		{"one second past", 3601 * time.Second, errs.ErrStalePrice},
		{"future timestamp", -time.Minute, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feeds := oracle.NewMemoryFeeds()
			feeds.Set("eth-usd", round(3000_00000000, 8, now.Add(-tt.age)))
			a := newTestAdapter(feeds)

			_, err := a.ValueInUSD(context.Background(), native, testutil.Units(1, 18))
			if tt.wantErr == nil && err != nil {
				t.Errorf("expected success, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValueInUSD_CustomWindow(t *testing.T) {
	feeds := oracle.NewMemoryFeeds()
	feeds.Set("eth-usd", round(3000_00000000, 8, now.Add(-2*time.Minute)))
	oracles := resolver{native: "eth-usd"}
	a := oracle.NewAdapter(oracles, feeds, oracle.NewStaticDecimals(nil, nil),
		oracle.WithClock(func() time.Time { return now }),
		oracle.WithStalenessWindow(time.Minute))

	_, err := a.ValueInUSD(context.Background(), native, testutil.Units(1, 18))
	if !errors.Is(err, errs.ErrStalePrice) {
		t.Errorf("expected StalePrice, got %v", err)
	}
}

func TestValueInUSD_InvalidPrice(t *testing.T) {
	for _, answer := range []int64{0, -1} {
		feeds := oracle.NewMemoryFeeds()
		feeds.Set("eth-usd", round(answer, 8, now))
		a := newTestAdapter(feeds)

		_, err := a.ValueInUSD(context.Background(), native, testutil.Units(1, 18))
		if !errors.Is(err, errs.ErrInvalidPrice) {
			t.Errorf("answer %d: expected InvalidPrice, got %v", answer, err)
		}
	}
}

func TestValueInUSD_AnswerTooWide(t *testing.T) {
	feeds := oracle.NewMemoryFeeds()
	wide := new(big.Int).Lsh(big.NewInt(1), 300)
	feeds.Set("eth-usd", oracle.Round{Answer: wide, Decimals: 8, UpdatedAt: now})
	a := newTestAdapter(feeds)

	_, err := a.ValueInUSD(context.Background(), native, uint256.NewInt(1))
	if !errors.Is(err, errs.ErrInvalidPrice) {
		t.Errorf("expected InvalidPrice, got %v", err)
	}
}

func TestValueInUSD_NotRegistered(t *testing.T) {
	a := newTestAdapter(oracle.NewMemoryFeeds())

	_, err := a.ValueInUSD(context.Background(), testutil.Addr(0xdead), uint256.NewInt(1))
	if !errors.Is(err, errs.ErrAssetNotRegistered) {
		t.Errorf("expected AssetNotRegistered, got %v", err)
	}
}

func TestValueInUSD_FeedUnavailable(t *testing.T) {
	a := newTestAdapter(failingFeed{})

	_, err := a.ValueInUSD(context.Background(), native, uint256.NewInt(1))
	if !errors.Is(err, errs.ErrOracleUnavailable) {
		t.Errorf("expected OracleUnavailable, got %v", err)
	}

	a = newTestAdapter(oracle.NewMemoryFeeds())
	_, err = a.ValueInUSD(context.Background(), native, uint256.NewInt(1))
	if !errors.Is(err, errs.ErrOracleUnavailable) || !errors.Is(err, oracle.ErrNoRound) {
		t.Errorf("missing round: expected OracleUnavailable wrapping ErrNoRound, got %v", err)
	}
}

func TestValueInUSD_Overflow(t *testing.T) {
	whole := testutil.Addr(0x3003)
	feeds := oracle.NewMemoryFeeds()
	feeds.Set("whole-usd", round(3000_00000000, 8, now))
	a := oracle.NewAdapter(resolver{whole: "whole-usd"}, feeds,
		oracle.NewStaticDecimals(map[common.Address]uint8{whole: 0}, nil),
		oracle.WithClock(func() time.Time { return now }))

	_, err := a.ValueInUSD(context.Background(), whole, new(uint256.Int).SetAllOne())
	if !errors.Is(err, errs.ErrArithmeticOverflow) {
		t.Errorf("expected ArithmeticOverflow, got %v", err)
	}
}

// ============================================================================
// Test: MemoryFeeds / StaticDecimals
// ============================================================================

func TestMemoryFeeds_ApplyIgnoresOlderRounds(t *testing.T) {
	feeds := oracle.NewMemoryFeeds()

	r5 := oracle.Round{Answer: big.NewInt(5), Decimals: 8, UpdatedAt: now, RoundID: 5}
	r4 := oracle.Round{Answer: big.NewInt(4), Decimals: 8, UpdatedAt: now.Add(time.Second), RoundID: 4}
	r6 := oracle.Round{Answer: big.NewInt(6), Decimals: 8, UpdatedAt: now, RoundID: 6}

	if !feeds.Apply("x", r5) {
		t.Fatal("first round should apply")
	}
	if feeds.Apply("x", r4) {
		t.Error("older round id should be ignored")
	}
	if feeds.Apply("x", r5) {
		t.Error("duplicate round should be ignored")
	}
	if !feeds.Apply("x", r6) {
		t.Error("newer round should apply")
	}

	got, _ := feeds.LatestRound(context.Background(), "x")
	if got.Answer.Int64() != 6 {
		t.Errorf("got answer %s, want 6", got.Answer)
	}
}

func TestMemoryFeeds_StoresCopy(t *testing.T) {
	feeds := oracle.NewMemoryFeeds()
	answer := big.NewInt(100)
	feeds.Set("x", oracle.Round{Answer: answer, UpdatedAt: now})
	answer.SetInt64(-1)

	got, _ := feeds.LatestRound(context.Background(), "x")
	if got.Answer.Int64() != 100 {
		t.Errorf("stored round aliased caller's answer: %s", got.Answer)
	}
}

type countingDecimals struct {
	calls int
}

func (c *countingDecimals) Decimals(context.Context, common.Address) (uint8, error) {
	c.calls++
	return 9, nil
}

func TestStaticDecimals_FallbackCached(t *testing.T) {
	fallback := &countingDecimals{}
	d := oracle.NewStaticDecimals(map[common.Address]uint8{usdc: 6}, fallback)
	ctx := context.Background()

	if got, _ := d.Decimals(ctx, usdc); got != 6 {
		t.Errorf("configured: got %d, want 6", got)
	}
	other := testutil.Addr(0x2002)
	for i := 0; i < 3; i++ {
		if got, err := d.Decimals(ctx, other); err != nil || got != 9 {
			t.Errorf("fallback: got %d, %v", got, err)
		}
	}
	if fallback.calls != 1 {
		t.Errorf("fallback called %d times, want 1", fallback.calls)
	}
}

func TestStaticDecimals_MissingWithoutFallback(t *testing.T) {
	d := oracle.NewStaticDecimals(nil, nil)
	if _, err := d.Decimals(context.Background(), usdc); err == nil {
		t.Error("expected error for unconfigured asset")
	}
}

func TestParseDecimalsTable(t *testing.T) {
	table, err := oracle.ParseDecimalsTable(usdc.Hex() + "=6, " + testutil.Addr(7).Hex() + "=18")
	if err != nil {
		t.Fatalf("ParseDecimalsTable: %v", err)
	}
	if table[usdc] != 6 || table[testutil.Addr(7)] != 18 {
		t.Errorf("unexpected table: %v", table)
	}

	for _, bad := range []string{"0x12=6", usdc.Hex(), usdc.Hex() + "=300"} {
		if _, err := oracle.ParseDecimalsTable(bad); err == nil {
			t.Errorf("ParseDecimalsTable(%q) expected error", bad)
		}
	}

	empty, err := oracle.ParseDecimalsTable("")
	if err != nil || len(empty) != 0 {
		t.Errorf("empty input: got %v, %v", empty, err)
	}
}
