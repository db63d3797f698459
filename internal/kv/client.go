package kv

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when the key-value store cannot be reached.
// Callers must treat every coordinator operation as potentially failing
// and retryable.
var ErrUnavailable = errors.New("kv: store unavailable")

// Coordinator wraps a Redis-compatible store (standalone or cluster) and
// exposes the typed operations the dial core coordinates through: counters,
// sets, lists, sorted sets, pub/sub, atomic scripts, SCAN and UNLINK.
type Coordinator struct {
	client  redis.UniversalClient
	cluster bool
}

// Connect parses the connection URL and verifies the store is reachable.
// URLs with multiple comma-separated hosts select cluster mode.
func Connect(ctx context.Context, url string) (*Coordinator, error) {
	if strings.Contains(url, ",") {
		addrs := strings.Split(strings.TrimPrefix(url, "redis://"), ",")
		client := redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           addrs,
			PoolSize:        50,
			MinIdleConns:    5,
			ConnMaxIdleTime: 10 * time.Minute,
			MaxRetries:      3,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("kv: cluster ping failed: %w", err)
		}
		log.Printf("[KV] Connected to cluster (%d nodes)", len(addrs))
		return &Coordinator{client: client, cluster: true}, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: invalid url: %w", err)
	}
	// Pool sizing for many concurrent dispatchers plus background services.
	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.ConnMaxIdleTime = 10 * time.Minute
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ContextTimeoutEnabled = true

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kv: ping failed: %w", err)
	}
	log.Printf("[KV] Connected to %s", opts.Addr)
	return &Coordinator{client: client}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(client redis.UniversalClient) *Coordinator {
	return &Coordinator{client: client}
}

// Client exposes the underlying client for pub/sub subscriptions.
func (c *Coordinator) Client() redis.UniversalClient {
	return c.client
}

// wrap converts transport-level failures to ErrUnavailable while keeping
// redis.Nil and application errors intact.
func wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// --- strings ---

func (c *Coordinator) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return v, true, nil
}

func (c *Coordinator) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(c.client.Set(ctx, key, value, ttl).Err())
}

// SetNX sets the key only if absent. Returns true when the key was set.
func (c *Coordinator) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	return ok, wrap(err)
}

func (c *Coordinator) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	return n, wrap(err)
}

func (c *Coordinator) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap(c.client.Del(ctx, keys...).Err())
}

// Unlink deletes keys without blocking the store on large values.
func (c *Coordinator) Unlink(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap(c.client.Unlink(ctx, keys...).Err())
}

func (c *Coordinator) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of a key. Missing keys return ok=false.
func (c *Coordinator) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, wrap(err)
	}
	// go-redis reports -2s for missing keys and -1s for keys without expiry.
	switch {
	case d == -2*time.Second:
		return 0, false, nil
	case d == -1*time.Second:
		return 0, true, nil
	default:
		return d, true, nil
	}
}

func (c *Coordinator) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.Expire(ctx, key, ttl).Result()
	return ok, wrap(err)
}

// --- sets ---

func (c *Coordinator) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(c.client.SAdd(ctx, key, args...).Err())
}

func (c *Coordinator) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(c.client.SRem(ctx, key, args...).Err())
}

func (c *Coordinator) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := c.client.SMembers(ctx, key).Result()
	return v, wrap(err)
}

func (c *Coordinator) SCard(ctx context.Context, key string) (int64, error) {
	n, err := c.client.SCard(ctx, key).Result()
	return n, wrap(err)
}

func (c *Coordinator) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, key, member).Result()
	return ok, wrap(err)
}

// --- lists ---

func (c *Coordinator) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return wrap(c.client.LPush(ctx, key, args...).Err())
}

func (c *Coordinator) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return wrap(c.client.RPush(ctx, key, args...).Err())
}

func (c *Coordinator) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return v, err == nil, wrap(err)
}

func (c *Coordinator) RPop(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return v, err == nil, wrap(err)
}

func (c *Coordinator) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := c.client.LRange(ctx, key, start, stop).Result()
	return v, wrap(err)
}

func (c *Coordinator) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	n, err := c.client.LRem(ctx, key, count, value).Result()
	return n, wrap(err)
}

func (c *Coordinator) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.client.LLen(ctx, key).Result()
	return n, wrap(err)
}

// BRPopLPush blocks up to timeout waiting to move the tail of src to the
// head of dst. Returns ok=false when the timeout elapses with src empty.
func (c *Coordinator) BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) (string, bool, error) {
	v, err := c.client.BRPopLPush(ctx, src, dst, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return v, err == nil, wrap(err)
}

// --- sorted sets ---

func (c *Coordinator) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap(c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (c *Coordinator) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(c.client.ZRem(ctx, key, args...).Err())
}

func (c *Coordinator) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	s, err := c.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	return s, err == nil, wrap(err)
}

func (c *Coordinator) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := c.client.ZCard(ctx, key).Result()
	return n, wrap(err)
}

// ZRangeWithScores returns all members ordered by score ascending.
func (c *Coordinator) ZRangeWithScores(ctx context.Context, key string) ([]ScoredMember, error) {
	zs, err := c.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		out = append(out, ScoredMember{Member: z.Member.(string), Score: z.Score})
	}
	return out, nil
}

// ZRangeByScoreMax returns members with score <= max, ascending.
func (c *Coordinator) ZRangeByScoreMax(ctx context.Context, key string, max float64) ([]string, error) {
	v, err := c.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", max),
	}).Result()
	return v, wrap(err)
}

// ScoredMember pairs a sorted-set member with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// --- pub/sub ---

func (c *Coordinator) Publish(ctx context.Context, channel, payload string) error {
	return wrap(c.client.Publish(ctx, channel, payload).Err())
}

// Subscribe opens a subscription on the named channels. The caller owns the
// returned PubSub and must close it.
func (c *Coordinator) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.client.Subscribe(ctx, channels...)
}

// PSubscribe opens a pattern subscription.
func (c *Coordinator) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return c.client.PSubscribe(ctx, patterns...)
}

// --- scripts ---

// Script is a registered Lua script executed atomically against the store.
// All keys passed to a single invocation must share a hash tag so the script
// is valid in cluster mode.
type Script struct {
	script *redis.Script
}

func NewScript(src string) *Script {
	return &Script{script: redis.NewScript(src)}
}

// Run executes the script. go-redis handles NOSCRIPT fallback internally.
func (c *Coordinator) Run(ctx context.Context, s *Script, keys []string, args ...interface{}) (interface{}, error) {
	v, err := s.script.Run(ctx, c.client, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, wrap(err)
}

// --- scan ---

// ScanKeys enumerates keys matching the pattern. In cluster mode the scan
// runs on every master so no slot is missed.
func (c *Coordinator) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	if cc, ok := c.client.(*redis.ClusterClient); ok {
		var keys []string
		err := cc.ForEachMaster(ctx, func(ctx context.Context, master *redis.Client) error {
			found, err := scanNode(ctx, master, pattern)
			if err != nil {
				return err
			}
			keys = append(keys, found...)
			return nil
		})
		return keys, wrap(err)
	}
	keys, err := scanNode(ctx, c.client, pattern)
	return keys, wrap(err)
}

func scanNode(ctx context.Context, client redis.UniversalClient, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Close releases the underlying connection pool.
func (c *Coordinator) Close() error {
	return c.client.Close()
}
