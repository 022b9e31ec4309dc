package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is the key prefix of price hashes.
const DefaultRedisPrefix = "custody:price:"

// RedisFeeds reads rounds from hashes keyed <prefix><oracleRef> with fields
// answer, decimals, updated_at (unix seconds) and round_id.
type RedisFeeds struct {
	client redis.Cmdable
	prefix string
}

func NewRedisFeeds(client redis.Cmdable, prefix string) *RedisFeeds {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisFeeds{client: client, prefix: prefix}
}

func (f *RedisFeeds) LatestRound(ctx context.Context, oracleRef string) (Round, error) {
	key := f.prefix + oracleRef
	fields, err := f.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Round{}, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Round{}, fmt.Errorf("%w: %s", ErrNoRound, oracleRef)
	}
	return decodeRedisRound(key, fields)
}

// Store writes a round in the layout LatestRound reads.
func (f *RedisFeeds) Store(ctx context.Context, oracleRef string, r Round) error {
	key := f.prefix + oracleRef
	err := f.client.HSet(ctx, key,
		"answer", r.Answer.String(),
		"decimals", strconv.FormatUint(uint64(r.Decimals), 10),
		"updated_at", strconv.FormatInt(r.UpdatedAt.Unix(), 10),
		"round_id", strconv.FormatUint(r.RoundID, 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func decodeRedisRound(key string, fields map[string]string) (Round, error) {
	answer, ok := new(big.Int).SetString(fields["answer"], 10)
	if !ok {
		return Round{}, fmt.Errorf("%s: invalid answer %q", key, fields["answer"])
	}
	decimals, err := strconv.ParseUint(fields["decimals"], 10, 8)
	if err != nil {
		return Round{}, fmt.Errorf("%s: invalid decimals: %w", key, err)
	}
	updatedAt, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return Round{}, fmt.Errorf("%s: invalid updated_at: %w", key, err)
	}
	var roundID uint64
	if raw, ok := fields["round_id"]; ok && raw != "" {
		roundID, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Round{}, fmt.Errorf("%s: invalid round_id: %w", key, err)
		}
	}
	return Round{
		Answer:    answer,
		Decimals:  uint8(decimals),
		UpdatedAt: time.Unix(updatedAt, 0).UTC(),
		RoundID:   roundID,
	}, nil
}
