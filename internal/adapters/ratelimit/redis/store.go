// Package redis provides a rate limit bucket store shared by every gateway
// instance. Each consume is one Lua script, so the check and the increments
// of all buckets run atomically inside Redis.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/iotedge-gateway/internal/core/domain"
	"github.com/tjfontaine/iotedge-gateway/internal/core/ports"
)

// consumeScript reads every bucket, rolls expired windows by whole periods,
// and increments all buckets only if none is exhausted.
//
// KEYS[i]      bucket hash
// ARGV[1]      now (unix ms)
// ARGV[2i]     limit of bucket i
// ARGV[2i+1]   period of bucket i (ms)
//
// Returns {admitted, count_1, reset_1, ..., count_n, reset_n}.
var consumeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local n = #KEYS
local counts, resets = {}, {}
local admitted = 1
for i = 1, n do
  local limit = tonumber(ARGV[2 * i])
  local period = tonumber(ARGV[2 * i + 1])
  local vals = redis.call('HMGET', KEYS[i], 'count', 'reset')
  local count = tonumber(vals[1] or '0')
  local reset = tonumber(vals[2] or '0')
  if reset == 0 then
    reset = now + period
    count = 0
  elseif now >= reset then
    reset = reset + (math.floor((now - reset) / period) + 1) * period
    count = 0
  end
  counts[i] = count
  resets[i] = reset
  if count >= limit then
    admitted = 0
  end
end
local out = {admitted}
for i = 1, n do
  if admitted == 1 then
    counts[i] = counts[i] + 1
  end
  redis.call('HSET', KEYS[i], 'count', counts[i], 'reset', resets[i], 'limit', ARGV[2 * i])
  redis.call('PEXPIREAT', KEYS[i], resets[i] + tonumber(ARGV[2 * i + 1]))
  out[#out + 1] = counts[i]
  out[#out + 1] = resets[i]
end
return out
`)

// Store implements ports.BucketStore on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ ports.BucketStore = (*Store)(nil)

// Config holds connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

// Consume implements ports.BucketStore.
func (s *Store) Consume(ctx context.Context, specs []domain.BucketSpec, now time.Time) (*domain.ConsumeResult, error) {
	if len(specs) == 0 {
		return &domain.ConsumeResult{Admitted: true}, nil
	}

	keys := make([]string, len(specs))
	args := make([]any, 0, 1+2*len(specs))
	args = append(args, now.UnixMilli())
	for i, spec := range specs {
		keys[i] = s.bucketKey(spec)
		args = append(args, spec.Limit, spec.Period.Milliseconds())
	}

	vals, err := consumeScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("consume buckets: %w", err)
	}
	if len(vals) != 1+2*len(specs) {
		return nil, fmt.Errorf("consume buckets: unexpected reply length %d", len(vals))
	}

	res := &domain.ConsumeResult{
		Admitted: vals[0] == 1,
		Buckets:  make([]domain.BucketState, len(specs)),
	}
	for i, spec := range specs {
		res.Buckets[i] = domain.BucketState{
			Spec:      spec,
			Count:     vals[1+2*i],
			ResetTime: time.UnixMilli(vals[2+2*i]),
		}
	}
	return res, nil
}

// bucketKey hash-tags the API key id so every bucket of one key lands in the
// same cluster slot, as multi-key scripts require.
func (s *Store) bucketKey(spec domain.BucketSpec) string {
	base, policy, _ := strings.Cut(spec.Key, "|")
	var b strings.Builder
	b.WriteString(s.keyPrefix)
	b.WriteString("{")
	b.WriteString(base)
	b.WriteString("}:")
	if policy != "" {
		b.WriteString(policy)
		b.WriteString(":")
	}
	b.WriteString(spec.Type)
	return b.String()
}

// Count returns the stored count of a bucket, 0 if it does not exist.
func (s *Store) Count(ctx context.Context, spec domain.BucketSpec) (int64, error) {
	v, err := s.client.HGet(ctx, s.bucketKey(spec), "count").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
