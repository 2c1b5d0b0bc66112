package repo

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/pricing-engine/internal/pricing"
)

// RulePack is the YAML document of items and rules used for seeding and
// offline simulation.
type RulePack struct {
	Items []pricing.Item `yaml:"items"`
	Rules []pricing.Rule `yaml:"rules"`
}

// DecodeRulePack parses and validates a rule pack. Missing ids are filled
// with fresh UUIDs.
func DecodeRulePack(r io.Reader) (RulePack, error) {
	var pack RulePack
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pack); err != nil {
		if err == io.EOF {
			return RulePack{}, nil
		}
		return RulePack{}, fmt.Errorf("decode rule pack: %w", err)
	}
	for i := range pack.Items {
		if pack.Items[i].ID == "" {
			pack.Items[i].ID = uuid.NewString()
		}
		if pack.Items[i].CompanyID == "" {
			return RulePack{}, fmt.Errorf("item %s: company is required", pack.Items[i].Reference)
		}
	}
	for i := range pack.Rules {
		if pack.Rules[i].ID == "" {
			pack.Rules[i].ID = uuid.NewString()
		}
		if err := pack.Rules[i].Validate(); err != nil {
			return RulePack{}, fmt.Errorf("rule %s: %w", pack.Rules[i].Name, err)
		}
	}
	return pack, nil
}

// LoadRulePack reads a rule pack from disk.
func LoadRulePack(path string) (RulePack, error) {
	f, err := os.Open(path)
	if err != nil {
		return RulePack{}, err
	}
	defer f.Close()
	return DecodeRulePack(f)
}

// MemoryStore is a concurrency-safe pricing.Repository held in memory.
type MemoryStore struct {
	mu            sync.RWMutex
	items         map[string]pricing.Item
	rules         []pricing.Rule
	usage         map[string]int
	customerUsage map[string]map[string]int
}

// NewMemoryStore builds a store from a rule pack.
func NewMemoryStore(pack RulePack) *MemoryStore {
	s := &MemoryStore{
		items:         make(map[string]pricing.Item, len(pack.Items)),
		usage:         make(map[string]int),
		customerUsage: make(map[string]map[string]int),
	}
	for _, it := range pack.Items {
		s.items[it.ID] = it
	}
	for _, r := range pack.Rules {
		s.rules = append(s.rules, r)
		s.usage[r.ID] = r.UsageCount
	}
	return s
}

// FindCandidateRules implements pricing.RuleSource.
func (s *MemoryStore) FindCandidateRules(ctx context.Context, q pricing.CandidateQuery) ([]pricing.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item := pricing.Item{ID: q.ItemID, Family: q.ItemFamily}
	var out []pricing.Rule
	for _, r := range s.rules {
		if !pricing.InScope(r, q.CompanyID, q.Channel, item) {
			continue
		}
		r.UsageCount = s.usage[r.ID]
		if q.CustomerID != "" {
			r.CustomerUsageCount = s.customerUsage[r.ID][q.CustomerID]
		}
		out = append(out, r)
	}
	pricing.SortRules(out)
	return out, nil
}

// FindRule implements pricing.Repository.
func (s *MemoryStore) FindRule(ctx context.Context, companyID, ruleID, customerID string) (*pricing.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.ID == ruleID && r.CompanyID == companyID {
			r.UsageCount = s.usage[r.ID]
			if customerID != "" {
				r.CustomerUsageCount = s.customerUsage[r.ID][customerID]
			}
			return &r, nil
		}
	}
	return nil, nil
}

// FindItem implements pricing.Repository.
func (s *MemoryStore) FindItem(ctx context.Context, companyID string, ref pricing.ItemRef) (*pricing.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ref.ID != "" {
		it, ok := s.items[ref.ID]
		if !ok || it.CompanyID != companyID {
			return nil, nil
		}
		return &it, nil
	}
	for _, it := range s.items {
		if it.CompanyID == companyID && it.Reference == ref.Reference {
			return &it, nil
		}
	}
	return nil, nil
}

// SaveRuleUsageIncrement implements pricing.UsageStore.
func (s *MemoryStore) SaveRuleUsageIncrement(ctx context.Context, ruleID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[ruleID]++
	if customerID != "" {
		perRule := s.customerUsage[ruleID]
		if perRule == nil {
			perRule = make(map[string]int)
			s.customerUsage[ruleID] = perRule
		}
		perRule[customerID]++
	}
	return nil
}

// Usage returns the global and per-customer usage of a rule.
func (s *MemoryStore) Usage(ruleID, customerID string) (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[ruleID], s.customerUsage[ruleID][customerID]
}

// Items returns the items of the store in no particular order.
func (s *MemoryStore) Items() []pricing.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pricing.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	return out
}
