package quote

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/caesar-terminal/arbwatch/internal/adapter"
)

// RedisClient abstracts the Redis operations used by the mirror and the
// signal publisher. In production this is satisfied by *GoRedis; in tests
// by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
	Publish(ctx context.Context, channel string, message any) error
}

// GoRedis adapts *redis.Client to RedisClient.
type GoRedis struct {
	c *redis.Client
}

// NewGoRedis opens a go-redis client. The connection is established lazily.
func NewGoRedis(addr, password string, db int) *GoRedis {
	return &GoRedis{c: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (g *GoRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

func (g *GoRedis) Publish(ctx context.Context, channel string, message any) error {
	return g.c.Publish(ctx, channel, message).Err()
}

// Ping checks connectivity.
func (g *GoRedis) Ping(ctx context.Context) error {
	return g.c.Ping(ctx).Err()
}

// Close releases the connection pool.
func (g *GoRedis) Close() error {
	return g.c.Close()
}

// lastWritten holds the last-written prices for a key so unchanged quotes
// can skip the price fields.
type lastWritten struct {
	Yes string
	No  string
}

// RedisMirror consumes a store subscription and mirrors the latest quote for
// every market into Redis using the schema:
//
//	Key:    quote:{venue}:{market}
//	Fields: yes, no, ts (unix millis)
//
// Unchanged prices only refresh ts. A Redis failure is logged and the quote
// skipped; the mirror never blocks the store.
type RedisMirror struct {
	client RedisClient
	feed   <-chan adapter.NormalizedQuote
	log    zerolog.Logger

	last map[string]lastWritten // keyed by Redis key
}

// NewRedisMirror creates a mirror reading from feed, typically
// Store.Subscribe.
func NewRedisMirror(client RedisClient, feed <-chan adapter.NormalizedQuote, log zerolog.Logger) *RedisMirror {
	return &RedisMirror{
		client: client,
		feed:   feed,
		log:    log.With().Str("component", "redis_mirror").Logger(),
		last:   make(map[string]lastWritten),
	}
}

// Run drains the feed until ctx is cancelled or the feed is closed.
func (m *RedisMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case q, ok := <-m.feed:
			if !ok {
				return nil
			}
			m.write(ctx, q)
		}
	}
}

// RedisKey returns the hash key a quote is mirrored under.
func RedisKey(k adapter.QuoteKey) string {
	return fmt.Sprintf("quote:%s:%s", k.Venue, k.Market)
}

func (m *RedisMirror) write(ctx context.Context, q adapter.NormalizedQuote) {
	key := RedisKey(q.Key())
	cur := lastWritten{Yes: q.BestYes.String(), No: q.BestNo.String()}

	ts := strconv.FormatInt(q.ObservedAt.UnixMilli(), 10)

	values := []any{"yes", cur.Yes, "no", cur.No, "ts", ts}
	if prev, ok := m.last[key]; ok && prev == cur {
		values = []any{"ts", ts}
	}
	if err := m.client.HSet(ctx, key, values...); err != nil {
		if ctx.Err() == nil {
			m.log.Warn().Err(err).Str("key", key).Msg("hset failed")
		}
		return
	}
	m.last[key] = cur
}
