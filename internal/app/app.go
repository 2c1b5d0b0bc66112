// Package app wires the shared infrastructure used by the API and the
// analytics worker.
package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pricing-engine/internal/analytics"
	"github.com/noah-isme/pricing-engine/internal/config"
	"github.com/noah-isme/pricing-engine/internal/db"
	"github.com/noah-isme/pricing-engine/internal/formula"
	"github.com/noah-isme/pricing-engine/internal/obs"
	"github.com/noah-isme/pricing-engine/internal/pricing"
	"github.com/noah-isme/pricing-engine/internal/repo"
	"github.com/noah-isme/pricing-engine/internal/resilience"
)

// Dependencies enumerates the clients shared by the pricing components.
type Dependencies struct {
	Config     *config.Config
	Logger     zerolog.Logger
	DB         *pgxpool.Pool
	Redis      *redis.Client
	TaskClient *asynq.Client
	Validator  *validator.Validate
}

// NewPool connects to Postgres with query tracing enabled.
func NewPool(ctx context.Context, databaseURL, appName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewRedis returns an instrumented client, or nil when redisURL is empty.
func NewRedis(ctx context.Context, redisURL string, withMetrics bool, logger zerolog.Logger) (*redis.Client, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if withMetrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// TaskRedisOpt converts the Redis URL into asynq connection options.
func TaskRedisOpt(redisURL string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse task redis uri: %w", err)
	}
	return opt, nil
}

// NewValidator reports validation errors by JSON field name.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// NewPricingService assembles the engine over Postgres, with the result
// cache and analytics publishing enabled when Redis is available.
func NewPricingService(d Dependencies) *pricing.Service {
	cfg := d.Config
	svc := &pricing.Service{
		Repo:        repo.NewPricingStore(d.DB, d.Redis, cfg.Pricing.RuleCacheTTL, d.Logger),
		Formulas:    formula.New(cfg.Pricing.FormulaMaxLength),
		Logger:      d.Logger.With().Str("component", "pricing").Logger(),
		Currency:    cfg.Pricing.Currency,
		BulkWorkers: cfg.Pricing.BulkConcurrency,
	}
	if d.Redis != nil && cfg.Pricing.CacheEnabled {
		svc.Cache = pricing.NewRedisCache(d.Redis, cfg.Pricing.CacheTTL)
	}
	if d.TaskClient != nil && cfg.Pricing.AnalyticsEnabled {
		svc.Events = &analytics.Publisher{
			Client: d.TaskClient,
			Breaker: resilience.NewBreaker(cfg.Breaker.MinRequests, cfg.Breaker.FailureRate, cfg.Breaker.OpenFor).
				WithTarget("pricing-analytics").
				WithLogger(d.Logger),
			Queue: cfg.Pricing.AnalyticsQueue,
		}
	}
	return svc
}

// RunMigrations applies pending schema migrations.
func RunMigrations(databaseURL string) error {
	return db.MigrateUp(databaseURL)
}
