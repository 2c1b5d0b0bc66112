package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/pricing-engine/internal/cache"
	"github.com/noah-isme/pricing-engine/internal/common"
)

// ResultCache memoises calculation results. It is optional: the service
// produces identical prices without one.
type ResultCache interface {
	Get(ctx context.Context, key string) (Result, bool, error)
	// Set stores r. A positive ttl shortens the cache's own TTL, zero
	// keeps it.
	Set(ctx context.Context, key string, r Result, ttl time.Duration) error
	InvalidateCompany(ctx context.Context, companyID string) (int64, error)
	InvalidateItem(ctx context.Context, companyID, itemID string) (int64, error)
}

// CacheKey hashes every context field that can change a result, together
// with the output options.
func CacheKey(itemID string, c Context, opts Options) string {
	attrs := ""
	if len(c.Attributes) > 0 {
		if encoded, err := json.Marshal(c.Attributes); err == nil {
			attrs = string(encoded)
		}
	}
	parts := []string{
		itemID,
		c.CompanyID,
		c.CustomerID,
		c.CustomerGroup,
		c.CustomerEmail,
		c.CustomerCode,
		strconv.FormatFloat(c.Quantity, 'g', -1, 64),
		string(c.Channel),
		c.PromotionCode,
		strconv.FormatFloat(c.OrderTotal, 'g', -1, 64),
		attrs,
		strconv.FormatBool(opts.Detailed),
		strconv.FormatBool(opts.IncludeMargins),
		strconv.FormatBool(opts.IncludeSkippedRules),
	}
	return cache.KeyPricingResult(c.CompanyID, itemID, common.Fingerprint(parts...))
}

// RedisCache stores results as JSON with a fixed TTL.
type RedisCache struct {
	client    *redis.Client
	ttl       time.Duration
	scanCount int64
}

// NewRedisCache constructs a Redis-backed result cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl, scanCount: 200}
}

// Get loads a cached result. It reports whether the key existed.
func (c *RedisCache) Get(ctx context.Context, key string) (Result, bool, error) {
	if c == nil || c.client == nil || key == "" {
		return Result{}, false, nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Result{}, false, nil
		}
		return Result{}, false, err
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, false, err
	}
	return r, true, nil
}

// Set stores r under key for the configured TTL, or for ttl when it is
// positive and shorter.
func (c *RedisCache) Set(ctx context.Context, key string, r Result, ttl time.Duration) error {
	if c == nil || c.client == nil || key == "" {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if ttl <= 0 || ttl > c.ttl {
		ttl = c.ttl
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// InvalidateCompany drops every result cached for companyID.
func (c *RedisCache) InvalidateCompany(ctx context.Context, companyID string) (int64, error) {
	return c.sweep(ctx, cache.PatternCompanyResults(companyID))
}

// InvalidateItem drops every result cached for one item.
func (c *RedisCache) InvalidateItem(ctx context.Context, companyID, itemID string) (int64, error) {
	return c.sweep(ctx, cache.PatternItemResults(companyID, itemID))
}

func (c *RedisCache) sweep(ctx context.Context, pattern string) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	var (
		cursor  uint64
		deleted int64
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, c.scanCount).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}
