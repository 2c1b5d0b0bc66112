package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pricing-engine/internal/cache"
	"github.com/noah-isme/pricing-engine/internal/db"
	"github.com/noah-isme/pricing-engine/internal/pricing"
)

type querierStub struct {
	rules        []db.PricingRule
	items        []db.PricingItem
	listParams   db.ListCandidateRulesParams
	getRuleCalls int
	increments   []pgtype.UUID
	customers    []string
	usageByKey   map[string]int32
	incrementErr error
	affected     int64
}

func (q *querierStub) ListCandidateRules(ctx context.Context, arg db.ListCandidateRulesParams) ([]db.PricingRule, error) {
	q.listParams = arg
	return q.rules, nil
}

func (q *querierStub) GetRule(ctx context.Context, companyID, id pgtype.UUID) (db.PricingRule, error) {
	q.getRuleCalls++
	for _, r := range q.rules {
		if r.ID == uuid.UUID(id.Bytes).String() {
			return r, nil
		}
	}
	return db.PricingRule{}, pgx.ErrNoRows
}

func (q *querierStub) GetCustomerUsage(ctx context.Context, ruleID pgtype.UUID, customerID string) (int32, error) {
	n, ok := q.usageByKey[uuid.UUID(ruleID.Bytes).String()+"/"+customerID]
	if !ok {
		return 0, pgx.ErrNoRows
	}
	return n, nil
}

func (q *querierStub) GetItemByID(ctx context.Context, companyID, id pgtype.UUID) (db.PricingItem, error) {
	for _, it := range q.items {
		if it.ID == uuid.UUID(id.Bytes).String() {
			return it, nil
		}
	}
	return db.PricingItem{}, pgx.ErrNoRows
}

func (q *querierStub) GetItemByReference(ctx context.Context, companyID pgtype.UUID, reference string) (db.PricingItem, error) {
	for _, it := range q.items {
		if it.Reference == reference {
			return it, nil
		}
	}
	return db.PricingItem{}, pgx.ErrNoRows
}

func (q *querierStub) IncrementRuleUsage(ctx context.Context, id pgtype.UUID) (int64, error) {
	if q.incrementErr != nil {
		return 0, q.incrementErr
	}
	q.increments = append(q.increments, id)
	return q.affected, nil
}

func (q *querierStub) UpsertCustomerUsage(ctx context.Context, ruleID pgtype.UUID, customerID string) error {
	q.customers = append(q.customers, customerID)
	return nil
}

var (
	companyID = uuid.NewString()
	ruleID    = uuid.NewString()
	itemID    = uuid.NewString()
)

func sampleRuleRow() db.PricingRule {
	return db.PricingRule{
		ID:                 ruleID,
		CompanyID:          companyID,
		Name:               "Bulk buyers",
		Channel:            "ALL",
		AdjustmentType:     "percentage",
		AdjustmentValue:    -7.5,
		Conditions:         []byte(`[{"type":"quantity","operator":"greater_than","value":10}]`),
		Priority:           3,
		Active:             true,
		ValidUntil:         pgtype.Timestamptz{Time: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), Valid: true},
		PerCustomerLimit:   pgtype.Int4{Int32: 5, Valid: true},
		UsageCount:         4,
		CustomerUsageCount: 2,
		CreatedAt:          time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestFindCandidateRulesMapsRows(t *testing.T) {
	q := &querierStub{rules: []db.PricingRule{sampleRuleRow(), {ID: "broken", Conditions: []byte("{")}}}
	store := &PricingStore{Q: q, Logger: zerolog.Nop()}

	rules, err := store.FindCandidateRules(context.Background(), pricing.CandidateQuery{
		CompanyID: companyID, Channel: pricing.ChannelB2B, ItemID: itemID, ItemFamily: "tools", CustomerID: "cust",
	})
	require.NoError(t, err)
	require.Len(t, rules, 2)

	broken := rules[1]
	require.Equal(t, "broken", broken.ID)
	require.Equal(t, []pricing.Condition{{Kind: undecodable}}, broken.Conditions)
	require.False(t, pricing.ConditionsSatisfied(broken.Conditions, pricing.Enriched{}))

	r := rules[0]
	require.Equal(t, pricing.AdjustPercentage, r.Kind)
	require.Equal(t, -7.5, r.Value)
	require.Equal(t, 3, r.Priority)
	require.Nil(t, r.ValidFrom)
	require.NotNil(t, r.ValidUntil)
	require.Nil(t, r.UsageLimit)
	require.Equal(t, 5, *r.PerCustomerLimit)
	require.Equal(t, 2, r.CustomerUsageCount)
	require.Len(t, r.Conditions, 1)
	require.Equal(t, pricing.CondQuantity, r.Conditions[0].Kind)

	require.Equal(t, "B2B", q.listParams.Channel)
	require.Equal(t, "cust", q.listParams.CustomerID)
	require.True(t, q.listParams.ItemID.Valid)
	require.Equal(t, uuid.MustParse(companyID), uuid.UUID(q.listParams.CompanyID.Bytes))
}

func TestFindCandidateRulesWithUnknownCompany(t *testing.T) {
	store := &PricingStore{Q: &querierStub{rules: []db.PricingRule{sampleRuleRow()}}}
	rules, err := store.FindCandidateRules(context.Background(), pricing.CandidateQuery{CompanyID: "not-a-uuid"})
	require.NoError(t, err)
	require.Empty(t, rules)
}

func TestFindItemByIDAndReference(t *testing.T) {
	q := &querierStub{items: []db.PricingItem{{ID: itemID, CompanyID: companyID, Reference: "REF", SalePrice: 12.5, SaleUnit: "PCE"}}}
	store := &PricingStore{Q: q}
	ctx := context.Background()

	item, err := store.FindItem(ctx, companyID, pricing.ItemRef{ID: itemID})
	require.NoError(t, err)
	require.Equal(t, 12.5, item.SalePrice)

	item, err = store.FindItem(ctx, companyID, pricing.ItemRef{Reference: "REF"})
	require.NoError(t, err)
	require.Equal(t, itemID, item.ID)

	item, err = store.FindItem(ctx, companyID, pricing.ItemRef{ID: uuid.NewString()})
	require.NoError(t, err)
	require.Nil(t, item)

	item, err = store.FindItem(ctx, companyID, pricing.ItemRef{ID: "bad"})
	require.NoError(t, err)
	require.Nil(t, item)
}

func TestFindRuleUsesRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := &querierStub{rules: []db.PricingRule{sampleRuleRow()}}
	store := &PricingStore{Q: q, Redis: rdb, RuleTTL: time.Minute, Logger: zerolog.Nop()}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rule, err := store.FindRule(ctx, companyID, ruleID, "")
		require.NoError(t, err)
		require.Equal(t, "Bulk buyers", rule.Name)
	}
	require.Equal(t, 1, q.getRuleCalls)
	require.True(t, mr.Exists(cache.KeyRule(companyID, ruleID)))

	q.usageByKey = map[string]int32{ruleID + "/cust-1": 5}
	rule, err := store.FindRule(ctx, companyID, ruleID, "cust-1")
	require.NoError(t, err)
	require.Equal(t, 5, rule.CustomerUsageCount)
	require.ErrorIs(t, rule.Gate(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "cust-1"), pricing.ErrCustomerLimitReached)
	rule, err = store.FindRule(ctx, companyID, ruleID, "cust-2")
	require.NoError(t, err)
	require.Zero(t, rule.CustomerUsageCount)
	require.Equal(t, 1, q.getRuleCalls)

	require.NoError(t, store.ClearCompany(ctx, companyID))
	require.False(t, mr.Exists(cache.KeyRule(companyID, ruleID)))

	missing, err := store.FindRule(ctx, companyID, uuid.NewString(), "")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestSaveRuleUsageIncrement(t *testing.T) {
	q := &querierStub{affected: 1}
	store := &PricingStore{Q: q}
	ctx := context.Background()

	require.NoError(t, store.SaveRuleUsageIncrement(ctx, ruleID, "cust"))
	require.NoError(t, store.SaveRuleUsageIncrement(ctx, ruleID, ""))
	require.Len(t, q.increments, 2)
	require.Equal(t, []string{"cust"}, q.customers)

	q.affected = 0
	require.ErrorIs(t, store.SaveRuleUsageIncrement(ctx, ruleID, ""), pgx.ErrNoRows)

	q.incrementErr = errors.New("deadlock")
	require.ErrorContains(t, store.SaveRuleUsageIncrement(ctx, ruleID, ""), "deadlock")
	require.ErrorIs(t, store.SaveRuleUsageIncrement(ctx, "nope", ""), ErrInvalidID)
}
