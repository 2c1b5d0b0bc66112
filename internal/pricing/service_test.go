package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func calc(t *testing.T, svc *Service, pc Context, opts Options) Result {
	t.Helper()
	res, err := svc.CalculatePrice(context.Background(), pc, opts)
	require.NoError(t, err)
	return res
}

func TestNonCombinableRuleStopsSequence(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.addRules(
		Rule{ID: "a", Name: "A", Kind: AdjustPercentage, Value: -10, Priority: 10, Active: true},
		Rule{ID: "b", Name: "B", Kind: AdjustPercentage, Value: -20, Priority: 5, Combinable: true, Active: true},
	)
	res := calc(t, newTestService(repo), Context{CompanyID: "c1", ItemID: "i1"}, Options{})

	require.Equal(t, 100.0, res.BasePrice)
	require.Equal(t, 90.0, res.FinalPrice)
	require.Len(t, res.AppliedRules, 1)
	require.Equal(t, "a", res.AppliedRules[0].RuleID)
	require.Equal(t, 10.0, res.AppliedRules[0].DiscountPercentage)
	require.Equal(t, DefaultCurrency, res.Currency)
}

func TestCombinableRulesCompound(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.addRules(
		Rule{ID: "b", Name: "B", Kind: AdjustPercentage, Value: -20, Priority: 5, Combinable: true, Active: true},
		Rule{ID: "a", Name: "A", Kind: AdjustPercentage, Value: -10, Priority: 10, Combinable: true, Active: true},
	)
	res := calc(t, newTestService(repo), Context{CompanyID: "c1", ItemID: "i1"}, Options{Detailed: true})

	require.Equal(t, 72.0, res.FinalPrice)
	require.Len(t, res.AppliedRules, 2)
	require.Equal(t, "a", res.AppliedRules[0].RuleID)
	require.Equal(t, "b", res.AppliedRules[1].RuleID)
	require.Equal(t, 28.0, res.TotalDiscount)
	require.Equal(t, 28.0, res.TotalDiscountPercentage)

	require.NotNil(t, res.Breakdown)
	require.Len(t, res.Breakdown.Steps, 2)
	require.Equal(t, 1, res.Breakdown.Steps[0].Step)
	require.Equal(t, 100.0, res.Breakdown.Steps[0].PriceBefore)
	require.Equal(t, 90.0, res.Breakdown.Steps[0].PriceAfter)
	require.Equal(t, 90.0, res.Breakdown.Steps[1].PriceBefore)
	require.Equal(t, 72.0, res.Breakdown.Steps[1].PriceAfter)
	require.Equal(t, "applied a 20% discount", res.Breakdown.Steps[1].Description)
	require.Equal(t, 2, res.Breakdown.Metadata.RulesEvaluated)
	require.Equal(t, 2, res.Breakdown.Metadata.RulesApplied)
	require.Equal(t, testNow, res.Breakdown.Metadata.CalculatedAt)
}

func TestFixedPriceRule(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.addRules(Rule{ID: "fp", Name: "Fixed", Kind: AdjustFixedPrice, Value: 75, Active: true})
	res := calc(t, newTestService(repo), Context{CompanyID: "c1", ItemID: "i1"}, Options{})

	require.Equal(t, 75.0, res.FinalPrice)
	require.Equal(t, 25.0, res.TotalDiscount)
	require.Equal(t, 25.0, res.TotalDiscountPercentage)
}

func TestConditionGatedRuleIsSkipped(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.addRules(Rule{
		ID: "vip", Name: "VIP", Kind: AdjustPercentage, Value: -15, Active: true,
		Conditions: []Condition{{Kind: CondCustomerGroup, Operator: OpEquals, Value: "VIP"}},
	})
	svc := newTestService(repo)

	res := calc(t, svc, Context{CompanyID: "c1", ItemID: "i1", CustomerGroup: "RETAIL"}, Options{IncludeSkippedRules: true})
	require.Equal(t, 100.0, res.FinalPrice)
	require.Empty(t, res.AppliedRules)
	require.Equal(t, []SkippedRule{{RuleID: "vip", RuleName: "VIP", Reason: "conditions not met"}}, res.Breakdown.SkippedRules)

	res = calc(t, svc, Context{CompanyID: "c1", ItemID: "i1", CustomerGroup: "VIP"}, Options{})
	require.Equal(t, 85.0, res.FinalPrice)
}

func TestFormulaErrorLeavesPriceUnchanged(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.addRules(
		Rule{ID: "f", Name: "Broken", Kind: AdjustFormula, Formula: "price * (", Priority: 10, Active: true},
		Rule{ID: "g", Name: "Escape", Kind: AdjustFormula, Formula: `system("rm")`, Priority: 5, Combinable: true, Active: true},
	)
	res := calc(t, newTestService(repo), Context{CompanyID: "c1", ItemID: "i1"}, Options{})

	require.Equal(t, 100.0, res.FinalPrice)
	require.Empty(t, res.AppliedRules)
	require.Contains(t, res.Warnings, "formula error on rule Broken")
	require.Contains(t, res.Warnings, "formula error on rule Escape")
	require.Empty(t, repo.usageCalls())
}

func TestFormulaRule(t *testing.T) {
	item := testItem()
	item.Weight = 2
	repo := newStubRepo(item)
	repo.addRules(Rule{ID: "f", Name: "Weighted", Kind: AdjustFormula, Formula: "price - weight * 5", Active: true})
	res := calc(t, newTestService(repo), Context{CompanyID: "c1", ItemID: "i1"}, Options{})

	require.Equal(t, 90.0, res.FinalPrice)
}

func TestMissingItemAndInvalidContext(t *testing.T) {
	svc := newTestService(newStubRepo(testItem()))

	res := calc(t, svc, Context{CompanyID: "c1", ItemID: "nope"}, Options{})
	require.Equal(t, []string{WarnItemNotFound}, res.Warnings)
	require.Equal(t, 0.0, res.FinalPrice)
	require.NotNil(t, res.AppliedRules)
	require.Empty(t, res.AppliedRules)

	res = calc(t, svc, Context{ItemID: "i1"}, Options{})
	require.Equal(t, []string{WarnCompanyRequired}, res.Warnings)

	res = calc(t, svc, Context{CompanyID: "c1"}, Options{})
	require.Equal(t, []string{WarnItemRequired}, res.Warnings)

	res = calc(t, svc, Context{CompanyID: "c1", ItemID: "i1", Channel: "FAX"}, Options{})
	require.Equal(t, []string{WarnUnknownChannel + ": FAX"}, res.Warnings)
}

func TestLookupByReference(t *testing.T) {
	svc := newTestService(newStubRepo(testItem()))
	res := calc(t, svc, Context{CompanyID: "c1", ItemReference: "REF-1"}, Options{})
	require.Equal(t, "i1", res.ItemID)
	require.Equal(t, 100.0, res.FinalPrice)
}

func TestRepositoryErrorIsReturned(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.findErr = errors.New("db down")
	_, err := newTestService(repo).CalculatePrice(context.Background(), Context{CompanyID: "c1", ItemID: "i1"}, Options{})
	require.ErrorContains(t, err, "find item")

	repo.findErr = nil
	repo.rulesErr = errors.New("db down")
	_, err = newTestService(repo).CalculatePrice(context.Background(), Context{CompanyID: "c1", ItemID: "i1"}, Options{})
	require.ErrorContains(t, err, "find candidate rules")
}

func TestFinalPriceIsFlooredAtZero(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.addRules(Rule{ID: "big", Name: "Big", Kind: AdjustFixedAmount, Value: -150, Active: true})
	res := calc(t, newTestService(repo), Context{CompanyID: "c1", ItemID: "i1"}, Options{})

	require.Equal(t, 0.0, res.FinalPrice)
	require.Equal(t, 100.0, res.TotalDiscount)
	require.Len(t, res.AppliedRules, 1)
}

func TestRuleWithoutPriceChangeIsNotApplied(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.addRules(
		Rule{ID: "noop", Name: "Noop", Kind: AdjustFixedAmount, Value: 0, Priority: 10, Active: true},
		Rule{ID: "real", Name: "Real", Kind: AdjustFixedAmount, Value: -5, Priority: 1, Active: true},
	)
	res := calc(t, newTestService(repo), Context{CompanyID: "c1", ItemID: "i1"}, Options{})

	require.Equal(t, 95.0, res.FinalPrice)
	require.Len(t, res.AppliedRules, 1)
	require.Equal(t, "real", res.AppliedRules[0].RuleID)
}

func TestSaleCoefficientAdjustsBasePrice(t *testing.T) {
	item := testItem()
	item.SaleCoefficient = 1.5
	item.SaleUnit = "PCE"
	repo := newStubRepo(item)
	repo.addRules(Rule{ID: "a", Name: "A", Kind: AdjustPercentage, Value: -10, Active: true})
	res := calc(t, newTestService(repo), Context{CompanyID: "c1", ItemID: "i1"}, Options{Detailed: true})

	require.Equal(t, 150.0, res.BasePrice)
	require.Equal(t, 135.0, res.FinalPrice)
	require.NotNil(t, res.UnitPrice)
	require.Equal(t, 135.0, *res.UnitPrice)
	require.Equal(t, "PCE", res.SaleUnit)
	require.Len(t, res.Breakdown.Steps, 2)
	require.Equal(t, coefficientRuleID, res.Breakdown.Steps[0].RuleID)
	require.Equal(t, 2, res.Breakdown.Steps[1].Step)
}

func TestMarginsInDetailedResult(t *testing.T) {
	item := testItem()
	item.PurchasePrice = 50
	item.PurchaseCoefficient = 1.2
	repo := newStubRepo(item)
	repo.addRules(Rule{ID: "a", Name: "A", Kind: AdjustPercentage, Value: -10, Active: true})
	res := calc(t, newTestService(repo), Context{CompanyID: "c1", ItemID: "i1"}, Options{IncludeMargins: true})

	require.NotNil(t, res.Breakdown)
	m := res.Breakdown.Margins
	require.NotNil(t, m)
	require.Equal(t, 60.0, m.CostPrice)
	require.Equal(t, 30.0, m.Margin)
	require.Equal(t, 50.0, m.MarginPercentage)
	require.InDelta(t, 33.3333, m.MarkupPercentage, 0.001)

	item.PurchasePrice = 0
	require.Nil(t, ComputeMargins(item, 90))
}

func TestCalculationIsIdempotent(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.addRules(
		Rule{ID: "a", Name: "A", Kind: AdjustPercentage, Value: -10, Priority: 10, Combinable: true, Active: true},
		Rule{ID: "b", Name: "B", Kind: AdjustFixedAmount, Value: -3, Priority: 5, Active: true},
	)
	svc := newTestService(repo)
	pc := Context{CompanyID: "c1", ItemID: "i1", Quantity: 3}

	first := calc(t, svc, pc, Options{})
	second := calc(t, svc, pc, Options{})
	require.Equal(t, first, second)
	require.Equal(t, 87.0, first.FinalPrice)
}

func TestUsageRecordedOnlyForAppliedRules(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.addRules(
		Rule{ID: "applied", Name: "Applied", Kind: AdjustPercentage, Value: -10, Priority: 10, Active: true, UsageLimit: intPtr(5)},
		Rule{ID: "inactive", Name: "Inactive", Kind: AdjustPercentage, Value: -10, Priority: 9, Combinable: true},
		Rule{ID: "after", Name: "After stop", Kind: AdjustPercentage, Value: -10, Priority: 1, Active: true},
	)
	calc(t, newTestService(repo), Context{CompanyID: "c1", ItemID: "i1", CustomerID: "cust"}, Options{})

	require.Equal(t, []usageCall{{ruleID: "applied", customerID: "cust"}}, repo.usageCalls())
}

func TestUsageWriteFailureDoesNotFailCalculation(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.usageErr = errors.New("write failed")
	repo.addRules(Rule{ID: "a", Name: "A", Kind: AdjustPercentage, Value: -10, Active: true})
	res := calc(t, newTestService(repo), Context{CompanyID: "c1", ItemID: "i1"}, Options{})

	require.Equal(t, 90.0, res.FinalPrice)
	require.Len(t, res.AppliedRules, 1)
}

func TestUsageLimitReachedSkipsRule(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.addRules(
		Rule{ID: "global", Name: "Global", Kind: AdjustPercentage, Value: -10, Active: true, UsageLimit: intPtr(3), UsageCount: 3},
		Rule{ID: "mine", Name: "Mine", Kind: AdjustPercentage, Value: -10, Active: true, PerCustomerLimit: intPtr(1), CustomerUsageCount: 1},
	)
	res := calc(t, newTestService(repo), Context{CompanyID: "c1", ItemID: "i1", CustomerID: "cust"}, Options{IncludeSkippedRules: true})

	require.Equal(t, 100.0, res.FinalPrice)
	require.Equal(t, []SkippedRule{
		{RuleID: "global", RuleName: "Global", Reason: "usage limit reached"},
		{RuleID: "mine", RuleName: "Mine", Reason: "customer usage limit reached"},
	}, res.Breakdown.SkippedRules)
}

func TestChannelScoping(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.addRules(
		Rule{ID: "b2b", Name: "B2B", Channel: ChannelB2B, Kind: AdjustPercentage, Value: -10, Active: true},
		Rule{ID: "all", Name: "All", Channel: ChannelAll, Kind: AdjustFixedAmount, Value: -1, Active: true, Combinable: true, Priority: 1},
	)
	svc := newTestService(repo)

	res := calc(t, svc, Context{CompanyID: "c1", ItemID: "i1"}, Options{})
	require.Equal(t, 99.0, res.FinalPrice)

	res = calc(t, svc, Context{CompanyID: "c1", ItemID: "i1", Channel: "b2b"}, Options{})
	require.Equal(t, 89.1, res.FinalPrice)
}

func TestRedisCacheServesRepeatCalculations(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newStubRepo(testItem())
	repo.addRules(Rule{ID: "a", Name: "A", Kind: AdjustPercentage, Value: -10, Active: true})
	sink := &sinkStub{}
	svc := newTestService(repo)
	svc.Cache = NewRedisCache(client, time.Minute)
	svc.Events = sink
	pc := Context{CompanyID: "c1", ItemID: "i1", CustomerID: "cust"}

	first := calc(t, svc, pc, Options{Detailed: true})
	require.False(t, first.Breakdown.Metadata.CacheHit)
	second := calc(t, svc, pc, Options{Detailed: true})
	require.True(t, second.Breakdown.Metadata.CacheHit)
	require.Equal(t, first.FinalPrice, second.FinalPrice)
	require.Equal(t, first.AppliedRules, second.AppliedRules)

	require.Len(t, repo.usageCalls(), 1)
	require.Len(t, sink.events, 2)
	require.False(t, sink.events[0].CacheHit)
	require.True(t, sink.events[1].CacheHit)
	require.True(t, sink.events[1].Applied)

	other := calc(t, svc, pc, Options{})
	require.Nil(t, other.Breakdown)

	deleted, err := svc.InvalidateItem(context.Background(), "c1", "i1")
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)

	calc(t, svc, pc, Options{})
	deleted, err = svc.InvalidateCompany(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)
	require.Equal(t, []string{"c1"}, repo.cleared)
}

func TestUsageLimitedResultsAreNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newStubRepo(testItem())
	repo.addRules(Rule{ID: "a", Name: "A", Kind: AdjustPercentage, Value: -10, Active: true, UsageLimit: intPtr(10)})
	svc := newTestService(repo)
	svc.Cache = NewRedisCache(client, time.Minute)
	pc := Context{CompanyID: "c1", ItemID: "i1"}

	calc(t, svc, pc, Options{})
	calc(t, svc, pc, Options{})
	require.Len(t, repo.usageCalls(), 2)
	require.Empty(t, mr.Keys())
}

func TestCachedResultFollowsRuleValidity(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newStubRepo(testItem())
	repo.addRules(
		Rule{ID: "flash", Name: "Flash", Kind: AdjustPercentage, Value: -50, Active: true, ValidUntil: timePtr(testNow.Add(time.Minute))},
		Rule{ID: "next", Name: "Next", Kind: AdjustFixedAmount, Value: -10, Combinable: true, Active: true, ValidFrom: timePtr(testNow.Add(3 * time.Minute))},
	)
	now := testNow
	clock := func() time.Time { return now }
	cached := newTestService(repo)
	cached.Now = clock
	cached.Cache = NewRedisCache(client, 5*time.Minute)
	fresh := newTestService(repo)
	fresh.Now = clock
	pc := Context{CompanyID: "c1", ItemID: "i1"}

	require.Equal(t, 50.0, calc(t, cached, pc, Options{}).FinalPrice)
	keys := mr.Keys()
	require.Len(t, keys, 1)
	require.LessOrEqual(t, mr.TTL(keys[0]), time.Minute)

	for _, step := range []time.Duration{2 * time.Minute, 2 * time.Minute} {
		now = now.Add(step)
		mr.FastForward(step)
		hit := calc(t, cached, pc, Options{})
		miss := calc(t, fresh, pc, Options{})
		require.Equal(t, miss.FinalPrice, hit.FinalPrice)
		require.Len(t, hit.AppliedRules, len(miss.AppliedRules))
	}
	require.Equal(t, 90.0, calc(t, cached, pc, Options{}).FinalPrice)
}

func TestEventsCoverSkippedAndAppliedRules(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.addRules(
		Rule{ID: "a", Name: "A", Kind: AdjustPercentage, Value: -10, Priority: 10, Active: true},
		Rule{ID: "off", Name: "Off", Kind: AdjustPercentage, Value: -10, Priority: 5},
	)
	sink := &sinkStub{}
	svc := newTestService(repo)
	svc.Events = sink
	calc(t, svc, Context{CompanyID: "c1", ItemID: "i1", CustomerGroup: "VIP"}, Options{})

	require.Len(t, sink.events, 2)
	require.Equal(t, "off", sink.events[0].RuleID)
	require.Equal(t, "rule inactive", sink.events[0].Reason)
	require.False(t, sink.events[0].Applied)
	require.Equal(t, "a", sink.events[1].RuleID)
	require.True(t, sink.events[1].Applied)
	require.Equal(t, 10.0, sink.events[1].Discount)
	require.Equal(t, "VIP", sink.events[1].CustomerGroup)
	require.Equal(t, ChannelERP, sink.events[1].Channel)
}

func TestPreviewRuleIgnoresGatingButReportsIt(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.addRules(Rule{
		ID: "r1", Name: "Expired", Kind: AdjustPercentage, Value: -50,
		ValidUntil: timePtr(testNow.Add(-time.Hour)), Active: true,
	})
	svc := newTestService(repo)

	res, err := svc.PreviewRule(context.Background(), "r1", "i1", Context{CompanyID: "c1"})
	require.NoError(t, err)
	require.Equal(t, 50.0, res.FinalPrice)
	require.Contains(t, res.Warnings, "rule would be skipped: expired")
	require.NotNil(t, res.Breakdown)
	require.Empty(t, repo.usageCalls())

	res, err = svc.PreviewRule(context.Background(), "missing", "i1", Context{CompanyID: "c1"})
	require.NoError(t, err)
	require.Equal(t, []string{WarnRuleNotFound}, res.Warnings)
}

func TestPreviewRuleReportsCustomerLimit(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.addRules(Rule{ID: "once", Name: "Once", Kind: AdjustPercentage, Value: -20, PerCustomerLimit: intPtr(1), Active: true})
	repo.customerUsage = map[string]map[string]int{"once": {"cust-1": 1}}
	svc := newTestService(repo)

	res, err := svc.PreviewRule(context.Background(), "once", "i1", Context{CompanyID: "c1", CustomerID: "cust-1"})
	require.NoError(t, err)
	require.Equal(t, 80.0, res.FinalPrice)
	require.Contains(t, res.Warnings, "rule would be skipped: customer usage limit reached")

	res, err = svc.PreviewRule(context.Background(), "once", "i1", Context{CompanyID: "c1", CustomerID: "cust-2"})
	require.NoError(t, err)
	for _, w := range res.Warnings {
		require.NotContains(t, w, "rule would be skipped")
	}

	live := calc(t, svc, Context{CompanyID: "c1", ItemID: "i1", CustomerID: "cust-1"}, Options{})
	require.Equal(t, 100.0, live.FinalPrice)
}

func TestBulkPricesEveryLine(t *testing.T) {
	second := testItem()
	second.ID = "i2"
	second.Reference = "REF-2"
	second.SalePrice = 40
	repo := newStubRepo(testItem(), second)
	repo.addRules(Rule{
		ID: "qty", Name: "Quantity break", Kind: AdjustPercentage, Value: -10, Active: true,
		Conditions: []Condition{{Kind: CondQuantity, Operator: OpGreaterThan, Value: 9}},
	})
	svc := newTestService(repo)
	svc.BulkWorkers = 2

	out, err := svc.CalculateBulkPrices(context.Background(), []BulkLine{
		{ItemID: "i1", Quantity: 10},
		{ItemReference: "REF-2"},
		{ItemID: "ghost"},
		{},
	}, Context{CompanyID: "c1", Quantity: 1}, Options{})
	require.NoError(t, err)
	require.Len(t, out, 4)
	require.Equal(t, []string{WarnItemRequired}, out["line[3]"].Warnings)
	require.Empty(t, out["line[3]"].AppliedRules)
	require.Equal(t, 90.0, out["i1"].FinalPrice)
	require.Equal(t, 40.0, out["REF-2"].FinalPrice)
	require.Equal(t, []string{WarnItemNotFound}, out["ghost"].Warnings)
}

func TestBulkStopsOnRepositoryError(t *testing.T) {
	repo := newStubRepo(testItem())
	repo.findErr = errors.New("db down")
	_, err := newTestService(repo).CalculateBulkPrices(context.Background(), []BulkLine{{ItemID: "i1"}, {ItemID: "i2"}}, Context{CompanyID: "c1"}, Options{})
	require.ErrorContains(t, err, "db down")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newTestService(newStubRepo(testItem())).CalculateBulkPrices(ctx, []BulkLine{{ItemID: "i1"}}, Context{CompanyID: "c1"}, Options{})
	require.ErrorIs(t, err, context.Canceled)
}
