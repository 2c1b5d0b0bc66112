package pricing

import (
	"context"
	"sync"
	"time"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type usageCall struct {
	ruleID     string
	customerID string
}

type stubRepo struct {
	mu       sync.Mutex
	items    map[string]Item
	rules    []Rule
	usage    []usageCall
	usageErr error
	findErr  error
	rulesErr error
	cleared  []string

	customerUsage map[string]map[string]int
}

func newStubRepo(items ...Item) *stubRepo {
	r := &stubRepo{items: make(map[string]Item)}
	for _, it := range items {
		r.items[it.ID] = it
	}
	return r
}

func (r *stubRepo) addRules(rules ...Rule) {
	for i := range rules {
		if rules[i].CompanyID == "" {
			rules[i].CompanyID = "c1"
		}
		if rules[i].CreatedAt.IsZero() {
			rules[i].CreatedAt = testNow.Add(time.Duration(len(r.rules)) * time.Minute)
		}
		r.rules = append(r.rules, rules[i])
	}
}

func (r *stubRepo) FindCandidateRules(ctx context.Context, q CandidateQuery) ([]Rule, error) {
	if r.rulesErr != nil {
		return nil, r.rulesErr
	}
	item := Item{ID: q.ItemID, Family: q.ItemFamily}
	var out []Rule
	for _, rule := range r.rules {
		if InScope(rule, q.CompanyID, q.Channel, item) {
			if n, ok := r.customerUsage[rule.ID][q.CustomerID]; ok {
				rule.CustomerUsageCount = n
			}
			out = append(out, rule)
		}
	}
	return out, nil
}

func (r *stubRepo) SaveRuleUsageIncrement(ctx context.Context, ruleID, customerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.usageErr != nil {
		return r.usageErr
	}
	r.usage = append(r.usage, usageCall{ruleID: ruleID, customerID: customerID})
	return nil
}

func (r *stubRepo) FindRule(ctx context.Context, companyID, ruleID, customerID string) (*Rule, error) {
	for _, rule := range r.rules {
		if rule.ID == ruleID && rule.CompanyID == companyID {
			rule := rule
			if n, ok := r.customerUsage[ruleID][customerID]; ok {
				rule.CustomerUsageCount = n
			}
			return &rule, nil
		}
	}
	return nil, nil
}

func (r *stubRepo) FindItem(ctx context.Context, companyID string, ref ItemRef) (*Item, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	for _, it := range r.items {
		if it.CompanyID != companyID {
			continue
		}
		if (ref.ID != "" && it.ID == ref.ID) || (ref.ID == "" && it.Reference == ref.Reference) {
			it := it
			return &it, nil
		}
	}
	return nil, nil
}

func (r *stubRepo) ClearCompany(ctx context.Context, companyID string) error {
	r.cleared = append(r.cleared, companyID)
	return nil
}

func (r *stubRepo) usageCalls() []usageCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]usageCall(nil), r.usage...)
}

type sinkStub struct {
	mu     sync.Mutex
	events []RuleEvent
}

func (s *sinkStub) Publish(ctx context.Context, events []RuleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func testItem() Item {
	return Item{ID: "i1", CompanyID: "c1", Reference: "REF-1", Name: "Widget", Family: "tools", SalePrice: 100}
}

func newTestService(repo *stubRepo) *Service {
	return &Service{Repo: repo, Now: func() time.Time { return testNow }}
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }
