package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoRound indicates the feed has never reported for the oracle reference.
var ErrNoRound = errors.New("oracle: no round reported")

// Round is the latest answer of a price feed. Answer is signed and scaled by
// 10^Decimals.
type Round struct {
	Answer    *big.Int
	Decimals  uint8
	UpdatedAt time.Time
	RoundID   uint64
}

// Clone returns a deep copy of the round to prevent accidental mutations.
func (r Round) Clone() Round {
	clone := r
	if r.Answer != nil {
		clone.Answer = new(big.Int).Set(r.Answer)
	}
	return clone
}

// NewerThan reports whether r supersedes prev.
func (r Round) NewerThan(prev Round) bool {
	if r.RoundID != prev.RoundID {
		return r.RoundID > prev.RoundID
	}
	return r.UpdatedAt.After(prev.UpdatedAt)
}

// FeedSource returns the latest round for an oracle reference.
type FeedSource interface {
	LatestRound(ctx context.Context, oracleRef string) (Round, error)
}

// DecimalsSource returns the precision of an asset's base unit.
type DecimalsSource interface {
	Decimals(ctx context.Context, asset common.Address) (uint8, error)
}

// MemoryFeeds keeps the latest round per oracle reference in process.
type MemoryFeeds struct {
	mu     sync.RWMutex
	rounds map[string]Round
}

func NewMemoryFeeds() *MemoryFeeds {
	return &MemoryFeeds{rounds: make(map[string]Round)}
}

// Set stores a round unconditionally.
func (m *MemoryFeeds) Set(oracleRef string, r Round) {
	m.mu.Lock()
	m.rounds[oracleRef] = r.Clone()
	m.mu.Unlock()
}

// Apply stores a round only if it supersedes the stored one. It reports
// whether the round was applied.
func (m *MemoryFeeds) Apply(oracleRef string, r Round) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.rounds[oracleRef]; ok && !r.NewerThan(prev) {
		return false
	}
	m.rounds[oracleRef] = r.Clone()
	return true
}

func (m *MemoryFeeds) LatestRound(_ context.Context, oracleRef string) (Round, error) {
	m.mu.RLock()
	r, ok := m.rounds[oracleRef]
	m.mu.RUnlock()
	if !ok {
		return Round{}, fmt.Errorf("%w: %s", ErrNoRound, oracleRef)
	}
	return r.Clone(), nil
}

// StaticDecimals serves configured asset precisions. Assets missing from the
// table are looked up once through the fallback and cached, since an asset's
// precision never changes.
type StaticDecimals struct {
	mu       sync.RWMutex
	table    map[common.Address]uint8
	fallback DecimalsSource
}

func NewStaticDecimals(table map[common.Address]uint8, fallback DecimalsSource) *StaticDecimals {
	t := make(map[common.Address]uint8, len(table))
	for k, v := range table {
		t[k] = v
	}
	return &StaticDecimals{table: t, fallback: fallback}
}

func (s *StaticDecimals) Decimals(ctx context.Context, asset common.Address) (uint8, error) {
	s.mu.RLock()
	d, ok := s.table[asset]
	s.mu.RUnlock()
	if ok {
		return d, nil
	}
	if s.fallback == nil {
		return 0, fmt.Errorf("no decimals configured for asset %s", asset.Hex())
	}

	d, err := s.fallback.Decimals(ctx, asset)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.table[asset] = d
	s.mu.Unlock()
	return d, nil
}

// ParseDecimalsTable parses "0xasset=6,0xasset=18".
func ParseDecimalsTable(s string) (map[common.Address]uint8, error) {
	table := make(map[common.Address]uint8)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, dec, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("decimals entry %q: missing '='", part)
		}
		addr = strings.TrimSpace(addr)
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("decimals entry %q: invalid address", part)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(dec), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("decimals entry %q: %w", part, err)
		}
		table[common.HexToAddress(addr)] = uint8(n)
	}
	return table, nil
}
