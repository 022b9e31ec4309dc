package oracle_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"CustodyLedger/internal/oracle"
	"CustodyLedger/internal/testutil"

	"github.com/redis/go-redis/v9"
)

func TestRedisFeeds_StoreAndRead(t *testing.T) {
	testutil.RequireIntegration(t)

	client := redis.NewClient(&redis.Options{Addr: testutil.TestRedisAddr()})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test redis not available: %v", err)
	}

	feeds := oracle.NewRedisFeeds(client, "custody:test:price:")
	defer client.Del(ctx, "custody:test:price:eth-usd")

	want := oracle.Round{
		Answer:    big.NewInt(3000_00000000),
		Decimals:  8,
		UpdatedAt: time.Unix(1_760_000_000, 0).UTC(),
		RoundID:   42,
	}
	if err := feeds.Store(ctx, "eth-usd", want); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := feeds.LatestRound(ctx, "eth-usd")
	if err != nil {
		t.Fatalf("LatestRound: %v", err)
	}
	if got.Answer.Cmp(want.Answer) != 0 || got.Decimals != 8 || !got.UpdatedAt.Equal(want.UpdatedAt) || got.RoundID != 42 {
		t.Errorf("got %+v, want %+v", got, want)
	}

	_, err = feeds.LatestRound(ctx, "missing")
	if !errors.Is(err, oracle.ErrNoRound) {
		t.Errorf("expected ErrNoRound, got %v", err)
	}
}
