package txguard

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/1sec-project/bastion/internal/breaker"
	"github.com/1sec-project/bastion/internal/core"
	"github.com/redis/go-redis/v9"
)

// ScamList answers whether an address is known to belong to a scam.
type ScamList interface {
	IsKnownScamAddress(ctx context.Context, address string) (bool, error)
}

// NormalizeAddress folds case for the case-insensitive address families
// (hex and bech32). Base58 addresses are case-sensitive and kept as is.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	lower := strings.ToLower(addr)
	if strings.HasPrefix(lower, "0x") || strings.HasPrefix(lower, "bc1") || strings.HasPrefix(lower, "ltc1") {
		return lower
	}
	return addr
}

// StaticScamList is a fixed in-process set, replaceable on reload.
type StaticScamList struct {
	set atomic.Pointer[map[string]struct{}]
}

func NewStaticScamList(addrs []string) *StaticScamList {
	l := &StaticScamList{}
	l.Replace(addrs)
	return l
}

// Replace swaps the whole set.
func (l *StaticScamList) Replace(addrs []string) {
	m := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		m[NormalizeAddress(a)] = struct{}{}
	}
	l.set.Store(&m)
}

func (l *StaticScamList) IsKnownScamAddress(_ context.Context, address string) (bool, error) {
	_, ok := (*l.set.Load())[NormalizeAddress(address)]
	return ok, nil
}

// ScamLists consults each list in order. A hit wins even when an earlier
// list failed; otherwise the first lookup error is returned.
type ScamLists []ScamList

func (ls ScamLists) IsKnownScamAddress(ctx context.Context, address string) (bool, error) {
	var firstErr error
	for _, l := range ls {
		ok, err := l.IsKnownScamAddress(ctx, address)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}

// RedisScamList looks addresses up in a Redis set fed by a threat
// intelligence job.
type RedisScamList struct {
	client redis.UniversalClient
	key    string
}

func NewRedisScamList(client redis.UniversalClient, key string) *RedisScamList {
	if key == "" {
		key = "bastion:scam_addresses"
	}
	return &RedisScamList{client: client, key: key}
}

// NewRedisScamListFromURL parses a redis:// URL and connects lazily.
func NewRedisScamListFromURL(url, key string) (*RedisScamList, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, core.NewError(core.KindConfig, "txguard.redis", "invalid redis url", err)
	}
	return NewRedisScamList(redis.NewClient(opts), key), nil
}

func (l *RedisScamList) IsKnownScamAddress(ctx context.Context, address string) (bool, error) {
	ok, err := l.client.SIsMember(ctx, l.key, NormalizeAddress(address)).Result()
	if err != nil {
		return false, core.NewError(core.KindDependencyUnavailable, "txguard.scam_lookup", "redis lookup failed", err)
	}
	return ok, nil
}

// Add inserts addresses into the set.
func (l *RedisScamList) Add(ctx context.Context, addrs ...string) error {
	if len(addrs) == 0 {
		return nil
	}
	members := make([]interface{}, len(addrs))
	for i, a := range addrs {
		members[i] = NormalizeAddress(a)
	}
	return l.client.SAdd(ctx, l.key, members...).Err()
}

func (l *RedisScamList) Close() error {
	return l.client.Close()
}

// GuardedScamList routes lookups through a circuit breaker.
type GuardedScamList struct {
	list    ScamList
	breaker *breaker.Breaker
}

func NewGuardedScamList(list ScamList, b *breaker.Breaker) *GuardedScamList {
	return &GuardedScamList{list: list, breaker: b}
}

func (g *GuardedScamList) IsKnownScamAddress(ctx context.Context, address string) (bool, error) {
	return breaker.Do(ctx, g.breaker, func(ctx context.Context) (bool, error) {
		return g.list.IsKnownScamAddress(ctx, address)
	})
}

// GuardedHistory routes history lookups through a circuit breaker.
type GuardedHistory struct {
	history HistoryProvider
	breaker *breaker.Breaker
}

func NewGuardedHistory(h HistoryProvider, b *breaker.Breaker) *GuardedHistory {
	return &GuardedHistory{history: h, breaker: b}
}

func (g *GuardedHistory) RecentTransactions(ctx context.Context, userID string, window time.Duration) ([]HistoryEntry, error) {
	return breaker.Do(ctx, g.breaker, func(ctx context.Context) ([]HistoryEntry, error) {
		return g.history.RecentTransactions(ctx, userID, window)
	})
}

// Record forwards to the wrapped provider when it accepts writes.
func (g *GuardedHistory) Record(ctx context.Context, e HistoryEntry) error {
	if r, ok := g.history.(HistoryRecorder); ok {
		return r.Record(ctx, e)
	}
	return nil
}
