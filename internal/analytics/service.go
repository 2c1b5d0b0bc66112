package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pricing-engine/internal/cache"
	"github.com/noah-isme/pricing-engine/internal/common"
	"github.com/noah-isme/pricing-engine/internal/db"
)

// ErrNotConfigured is returned when the service has no query backend.
var ErrNotConfigured = errors.New("analytics service not configured")

const (
	defaultStatsLimit = 50
	maxStatsLimit     = 500
)

// Querier reads aggregated pricing logs.
type Querier interface {
	RuleStats(ctx context.Context, arg db.RuleStatsParams) ([]db.RuleStatsRow, error)
}

// Service answers rule statistics queries. Answers are memoised in Redis
// for TTL when R is set.
type Service struct {
	Q            Querier
	R            *redis.Client
	TTL          time.Duration
	DefaultRange int
	Now          func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RuleStats returns per-rule statistics of a company between from
// (inclusive) and to (exclusive). limit is clamped to [1, 500].
func (s *Service) RuleStats(ctx context.Context, companyID string, from, to time.Time, limit int32) ([]db.RuleStatsRow, error) {
	if s == nil || s.Q == nil {
		return nil, ErrNotConfigured
	}
	switch {
	case limit <= 0:
		limit = defaultStatsLimit
	case limit > maxStatsLimit:
		limit = maxStatsLimit
	}

	key := cache.KeyRuleStats(companyID, common.Fingerprint(
		from.UTC().Format(time.RFC3339),
		to.UTC().Format(time.RFC3339),
		strconv.Itoa(int(limit)),
	))
	var rows []db.RuleStatsRow
	if s.load(ctx, key, &rows) {
		return rows, nil
	}

	rows, err := s.Q.RuleStats(ctx, db.RuleStatsParams{CompanyID: companyID, From: from, To: to, Limit: limit})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []db.RuleStatsRow{}
	}
	s.save(ctx, key, rows)
	return rows, nil
}

func (s *Service) load(ctx context.Context, key string, dst any) bool {
	if s.R == nil || s.TTL <= 0 {
		return false
	}
	data, err := s.R.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("rule_stats_cache_read_failed")
		}
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *Service) save(ctx context.Context, key string, value any) {
	if s.R == nil || s.TTL <= 0 {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.R.Set(ctx, key, data, s.TTL).Err(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("rule_stats_cache_write_failed")
	}
}
