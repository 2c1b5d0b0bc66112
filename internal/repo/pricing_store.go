// Package repo implements the pricing repository over Postgres and over an
// in-memory rule pack.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pricing-engine/internal/cache"
	"github.com/noah-isme/pricing-engine/internal/db"
	"github.com/noah-isme/pricing-engine/internal/pricing"
)

// UsageQuerier defines the counter statements used for usage tracking.
type UsageQuerier interface {
	IncrementRuleUsage(ctx context.Context, id pgtype.UUID) (int64, error)
	UpsertCustomerUsage(ctx context.Context, ruleID pgtype.UUID, customerID string) error
}

// PricingQuerier defines the queries used by PricingStore.
type PricingQuerier interface {
	UsageQuerier
	ListCandidateRules(ctx context.Context, arg db.ListCandidateRulesParams) ([]db.PricingRule, error)
	GetRule(ctx context.Context, companyID, id pgtype.UUID) (db.PricingRule, error)
	GetCustomerUsage(ctx context.Context, ruleID pgtype.UUID, customerID string) (int32, error)
	GetItemByID(ctx context.Context, companyID, id pgtype.UUID) (db.PricingItem, error)
	GetItemByReference(ctx context.Context, companyID pgtype.UUID, reference string) (db.PricingItem, error)
}

// TxBeginner opens the transaction usage increments run in.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PricingStore implements pricing.Repository over Postgres. Single rule
// lookups are cached in Redis when a client is configured.
type PricingStore struct {
	Q       PricingQuerier
	DB      TxBeginner
	Redis   *redis.Client
	RuleTTL time.Duration
	Logger  zerolog.Logger
}

// NewPricingStore wires the store to a pool-backed query set.
func NewPricingStore(pool interface {
	db.DBTX
	TxBeginner
}, rdb *redis.Client, ruleTTL time.Duration, logger zerolog.Logger) *PricingStore {
	return &PricingStore{Q: db.New(pool), DB: pool, Redis: rdb, RuleTTL: ruleTTL, Logger: logger}
}

// FindCandidateRules returns the company's rules that can target the item.
// An unparsable company id has no rules.
func (s *PricingStore) FindCandidateRules(ctx context.Context, q pricing.CandidateQuery) ([]pricing.Rule, error) {
	companyID, err := uuidValue(q.CompanyID)
	if err != nil {
		return nil, nil
	}
	itemID, err := optionalUUID(q.ItemID)
	if err != nil {
		return nil, nil
	}
	rows, err := s.Q.ListCandidateRules(ctx, db.ListCandidateRulesParams{
		CompanyID:  companyID,
		Channel:    string(q.Channel),
		ItemID:     itemID,
		ItemFamily: q.ItemFamily,
		CustomerID: q.CustomerID,
	})
	if err != nil {
		return nil, err
	}
	out := make([]pricing.Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := ruleFromRow(row)
		if err != nil {
			s.Logger.Warn().Err(err).Str("rule_id", row.ID).Msg("pricing_rule_decode_failed")
		}
		out = append(out, rule)
	}
	return out, nil
}

// FindRule loads one rule, read-through cached by company and rule id. The
// customer's usage count is read live on every call.
func (s *PricingStore) FindRule(ctx context.Context, companyID, ruleID, customerID string) (*pricing.Rule, error) {
	rule, err := s.findRule(ctx, companyID, ruleID)
	if err != nil || rule == nil || customerID == "" {
		return rule, err
	}
	rid, err := uuidValue(ruleID)
	if err != nil {
		return rule, nil
	}
	n, err := s.Q.GetCustomerUsage(ctx, rid, customerID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	rule.CustomerUsageCount = int(n)
	return rule, nil
}

func (s *PricingStore) findRule(ctx context.Context, companyID, ruleID string) (*pricing.Rule, error) {
	key := cache.KeyRule(companyID, ruleID)
	if rule, ok := s.cachedRule(ctx, key); ok {
		return rule, nil
	}

	cid, err := uuidValue(companyID)
	if err != nil {
		return nil, nil
	}
	rid, err := uuidValue(ruleID)
	if err != nil {
		return nil, nil
	}
	row, err := s.Q.GetRule(ctx, cid, rid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rule, err := ruleFromRow(row)
	if err != nil {
		s.Logger.Warn().Err(err).Str("rule_id", row.ID).Msg("pricing_rule_decode_failed")
	}
	s.storeRule(ctx, key, rule)
	return &rule, nil
}

// FindItem looks the item up by id, or by reference when no id is given.
func (s *PricingStore) FindItem(ctx context.Context, companyID string, ref pricing.ItemRef) (*pricing.Item, error) {
	cid, err := uuidValue(companyID)
	if err != nil {
		return nil, nil
	}
	var row db.PricingItem
	if ref.ID != "" {
		id, parseErr := uuidValue(ref.ID)
		if parseErr != nil {
			return nil, nil
		}
		row, err = s.Q.GetItemByID(ctx, cid, id)
	} else {
		row, err = s.Q.GetItemByReference(ctx, cid, ref.Reference)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	item := itemFromRow(row)
	return &item, nil
}

// SaveRuleUsageIncrement bumps the global and, with a customer, the
// per-customer counter. Both increments happen in the database, so
// concurrent calculations never lose updates.
func (s *PricingStore) SaveRuleUsageIncrement(ctx context.Context, ruleID, customerID string) error {
	id, err := uuidValue(ruleID)
	if err != nil {
		return err
	}
	if s.DB == nil {
		return incrementUsage(ctx, s.Q, id, customerID)
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := incrementUsage(ctx, db.New(tx), id, customerID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func incrementUsage(ctx context.Context, q UsageQuerier, id pgtype.UUID, customerID string) error {
	n, err := q.IncrementRuleUsage(ctx, id)
	if err != nil {
		return fmt.Errorf("increment rule usage: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("increment rule usage: %w", pgx.ErrNoRows)
	}
	if customerID == "" {
		return nil
	}
	if err := q.UpsertCustomerUsage(ctx, id, customerID); err != nil {
		return fmt.Errorf("increment customer usage: %w", err)
	}
	return nil
}

// ClearCompany drops every cached rule of a company.
func (s *PricingStore) ClearCompany(ctx context.Context, companyID string) error {
	if s.Redis == nil {
		return nil
	}
	iter := s.Redis.Scan(ctx, 0, cache.PatternCompanyRules(companyID), 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.Redis.Del(ctx, keys...).Err()
}

func (s *PricingStore) cachedRule(ctx context.Context, key string) (*pricing.Rule, bool) {
	if s.Redis == nil {
		return nil, false
	}
	data, err := s.Redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.Logger.Warn().Err(err).Str("key", key).Msg("pricing_rule_cache_read_failed")
		}
		return nil, false
	}
	var rule pricing.Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, false
	}
	return &rule, true
}

func (s *PricingStore) storeRule(ctx context.Context, key string, rule pricing.Rule) {
	if s.Redis == nil {
		return
	}
	ttl := s.RuleTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	data, err := json.Marshal(rule)
	if err != nil {
		return
	}
	if err := s.Redis.Set(ctx, key, data, ttl).Err(); err != nil {
		s.Logger.Warn().Err(err).Str("key", key).Msg("pricing_rule_cache_write_failed")
	}
}

// undecodable marks a rule whose stored conditions could not be read. No
// evaluator knows the kind, so the rule is skipped as not matching.
const undecodable pricing.ConditionKind = "undecodable"

// ruleFromRow maps a row to a rule. When the conditions column fails to
// decode the rule is still returned, carrying a single undecodable
// condition, together with the decode error.
func ruleFromRow(row db.PricingRule) (pricing.Rule, error) {
	rule := pricing.Rule{
		ID:                 row.ID,
		Name:               row.Name,
		CompanyID:          row.CompanyID,
		Channel:            pricing.Channel(row.Channel),
		ItemID:             row.ItemID,
		ItemFamily:         row.ItemFamily,
		Kind:               pricing.AdjustmentKind(row.AdjustmentType),
		Value:              row.AdjustmentValue,
		Unit:               row.AdjustmentUnit,
		Formula:            row.Formula,
		Priority:           int(row.Priority),
		Combinable:         row.Combinable,
		Active:             row.Active,
		UsageCount:         int(row.UsageCount),
		CustomerUsageCount: int(row.CustomerUsageCount),
		CreatedAt:          row.CreatedAt,
	}
	var decodeErr error
	if len(row.Conditions) > 0 {
		if err := json.Unmarshal(row.Conditions, &rule.Conditions); err != nil {
			rule.Conditions = []pricing.Condition{{Kind: undecodable}}
			decodeErr = fmt.Errorf("decode conditions: %w", err)
		}
	}
	if row.ValidFrom.Valid {
		t := row.ValidFrom.Time
		rule.ValidFrom = &t
	}
	if row.ValidUntil.Valid {
		t := row.ValidUntil.Time
		rule.ValidUntil = &t
	}
	if row.UsageLimit.Valid {
		v := int(row.UsageLimit.Int32)
		rule.UsageLimit = &v
	}
	if row.PerCustomerLimit.Valid {
		v := int(row.PerCustomerLimit.Int32)
		rule.PerCustomerLimit = &v
	}
	return rule, decodeErr
}

func itemFromRow(row db.PricingItem) pricing.Item {
	return pricing.Item{
		ID:                  row.ID,
		CompanyID:           row.CompanyID,
		Reference:           row.Reference,
		Name:                row.Name,
		Family:              row.Family,
		SalePrice:           row.SalePrice,
		PurchasePrice:       row.PurchasePrice,
		PurchaseCoefficient: row.PurchaseCoefficient,
		SaleCoefficient:     row.SaleCoefficient,
		Weight:              row.Weight,
		Length:              row.Length,
		Width:               row.Width,
		Height:              row.Height,
		Surface:             row.Surface,
		Volume:              row.Volume,
		WeightUnit:          row.WeightUnit,
		DimensionUnit:       row.DimensionUnit,
		StockUnit:           row.StockUnit,
		SaleUnit:            row.SaleUnit,
		PurchaseUnit:        row.PurchaseUnit,
	}
}
