package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/pricing-engine/internal/formula"
	"github.com/noah-isme/pricing-engine/internal/obs"
)

// DefaultCurrency is used when the service has no currency configured.
const DefaultCurrency = "EUR"

const coefficientRuleID = "coefficient"

var tracer = otel.Tracer("pricing")

// Service exposes price calculation over a rule repository.
type Service struct {
	Repo        Repository
	Cache       ResultCache
	Events      EventSink
	Formulas    *formula.Evaluator
	Logger      zerolog.Logger
	Currency    string
	BulkWorkers int
	Now         func() time.Time
}

// companyCacheClearer is implemented by repositories that keep their own
// per-company caches.
type companyCacheClearer interface {
	ClearCompany(ctx context.Context, companyID string) error
}

type calculation struct {
	result    Result
	events    []RuleEvent
	cacheable bool
	// cacheFor bounds the cache lifetime when a candidate rule changes
	// state with the clock. Zero means the cache default.
	cacheFor time.Duration
}

// CalculatePrice prices one item. Input problems produce an empty result
// with a warning; only repository failures return an error.
func (s *Service) CalculatePrice(ctx context.Context, pc Context, opts Options) (Result, error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "pricing.calculate")
	defer span.End()

	pc = pc.Normalize()
	span.SetAttributes(
		attribute.String("pricing.company_id", pc.CompanyID),
		attribute.String("pricing.item_id", pc.ItemID),
		attribute.String("pricing.channel", string(pc.Channel)),
	)

	if warn := contextWarning(pc); warn != "" {
		obs.ObservePricingCalculation(string(pc.Channel), "rejected", time.Since(started))
		return s.empty(warn), nil
	}

	item, err := s.Repo.FindItem(ctx, pc.CompanyID, ItemRef{ID: pc.ItemID, Reference: pc.ItemReference})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find item")
		obs.ObservePricingCalculation(string(pc.Channel), "error", time.Since(started))
		return Result{}, fmt.Errorf("find item: %w", err)
	}
	if item == nil {
		obs.ObservePricingCalculation(string(pc.Channel), "item_not_found", time.Since(started))
		return s.empty(WarnItemNotFound), nil
	}

	var key string
	if s.Cache != nil {
		key = CacheKey(item.ID, pc, opts)
		if cached, ok := s.cached(ctx, key); ok {
			if cached.Breakdown != nil {
				cached.Breakdown.Metadata.CacheHit = true
			}
			frame := eventFrame{ctx: Enrich(pc, *item, s.now()), itemID: item.ID, basePrice: cached.BasePrice, finalPrice: cached.FinalPrice, elapsed: time.Since(started), cacheHit: true}
			s.publish(ctx, cacheHitEvents(frame, cached.AppliedRules))
			obs.ObservePricingCalculation(string(pc.Channel), "cache_hit", time.Since(started))
			span.SetAttributes(attribute.Bool("pricing.cache_hit", true))
			return cached, nil
		}
	}

	calc, err := s.calculate(ctx, *item, pc, opts, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve rules")
		obs.ObservePricingCalculation(string(pc.Channel), "error", time.Since(started))
		return Result{}, err
	}
	if key != "" && calc.cacheable {
		if err := s.Cache.Set(ctx, key, calc.result, calc.cacheFor); err != nil {
			s.Logger.Warn().Err(err).Str("company_id", pc.CompanyID).Str("item_id", item.ID).Msg("pricing_cache_write_failed")
		}
	}
	s.publish(ctx, calc.events)

	for _, applied := range calc.result.AppliedRules {
		obs.ObservePricingRuleApplied(string(applied.Kind))
	}
	obs.ObservePricingCalculation(string(pc.Channel), "ok", time.Since(started))
	span.SetAttributes(attribute.Int("pricing.rules_applied", len(calc.result.AppliedRules)))
	return calc.result, nil
}

func (s *Service) calculate(ctx context.Context, item Item, pc Context, opts Options, started time.Time) (calculation, error) {
	ec := Enrich(pc, item, s.now())
	base, steps := startingPrice(item)

	res, err := Resolver{Rules: s.Repo}.Resolve(ctx, item, ec, opts.IncludeSkippedRules || s.Events != nil)
	if err != nil {
		return calculation{}, err
	}
	seq := s.sequencer(true).Run(ctx, res.Applicable, base, item, ec, len(steps))
	elapsed := time.Since(started)
	result := s.assemble(item, ec, base, append(steps, seq.Steps...), seq, res, opts, elapsed)

	cacheable := true
	for _, rule := range seq.AppliedFrom {
		if rule.Limited() {
			cacheable = false
			break
		}
	}
	var cacheFor time.Duration
	if !res.NextChange.IsZero() {
		// Redis expiry has millisecond resolution.
		cacheFor = res.NextChange.Sub(ec.Now).Truncate(time.Millisecond)
		if cacheFor <= 0 {
			cacheable = false
		}
	}
	var events []RuleEvent
	if s.Events != nil {
		frame := eventFrame{ctx: ec, itemID: item.ID, basePrice: base, finalPrice: seq.FinalPrice, elapsed: elapsed}
		events = ruleEvents(frame, res.Skipped, seq)
	}
	return calculation{result: result, events: events, cacheable: cacheable, cacheFor: cacheFor}, nil
}

func (s *Service) assemble(item Item, ec Enriched, base float64, steps []Step, seq Sequence, res Resolution, opts Options, elapsed time.Duration) Result {
	result := Result{
		ItemID:       item.ID,
		BasePrice:    base,
		FinalPrice:   seq.FinalPrice,
		Currency:     s.currency(),
		AppliedRules: seq.Applied,
		Warnings:     seq.Warnings,
	}
	result.TotalDiscount = sub(base, seq.FinalPrice)
	result.TotalDiscountPercentage = percentOf(result.TotalDiscount, base)
	if item.SaleUnit != "" {
		unitPrice := seq.FinalPrice
		result.UnitPrice = &unitPrice
		result.SaleUnit = item.SaleUnit
	}
	if opts.Detailed || opts.IncludeMargins || opts.IncludeSkippedRules {
		result.Breakdown = BuildBreakdown(BreakdownInput{
			Item:           item,
			Context:        ec,
			BasePrice:      base,
			FinalPrice:     seq.FinalPrice,
			Applied:        seq.Applied,
			Skipped:        res.Skipped,
			Steps:          steps,
			Elapsed:        elapsed,
			RulesEvaluated: res.Candidates,
			IncludeSkipped: opts.IncludeSkippedRules,
			IncludeMargins: opts.IncludeMargins,
		})
	}
	return result
}

// BulkLine is one item of a bulk calculation.
type BulkLine struct {
	ItemID        string  `json:"itemId" validate:"required_without=ItemReference"`
	ItemReference string  `json:"itemReference,omitempty" validate:"required_without=ItemID"`
	Quantity      float64 `json:"quantity,omitempty"`
}

func (l BulkLine) key() string {
	if l.ItemID != "" {
		return l.ItemID
	}
	return l.ItemReference
}

// CalculateBulkPrices prices every line against the shared context using a
// bounded worker pool. Results are keyed by item id, or by reference when
// the line has no id. A line with neither gets an item-required warning
// keyed "line[<index>]". The first repository error aborts the batch.
func (s *Service) CalculateBulkPrices(parent context.Context, lines []BulkLine, shared Context, opts Options) (map[string]Result, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	workers := s.BulkWorkers
	if workers <= 0 {
		workers = 4
	}
	sem := make(chan struct{}, workers)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	out := make(map[string]Result, len(lines))

	for i, line := range lines {
		key := line.key()
		if key == "" {
			mu.Lock()
			out[fmt.Sprintf("line[%d]", i)] = s.empty(WarnItemRequired)
			mu.Unlock()
			continue
		}
		lineCtx := shared
		lineCtx.ItemID = line.ItemID
		lineCtx.ItemReference = line.ItemReference
		if line.Quantity > 0 {
			lineCtx.Quantity = line.Quantity
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(key string, lineCtx Context) {
			defer wg.Done()
			defer func() { <-sem }()
			res, err := s.CalculatePrice(ctx, lineCtx, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("item %s: %w", key, err)
					cancel()
				}
				return
			}
			out[key] = res
		}(key, lineCtx)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := parent.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PreviewRule applies a single rule to an item in isolation. Conditions,
// validity and usage are not enforced, but the reason the rule would be
// skipped in live pricing is reported as a warning. Usage is not recorded
// and the cache is not consulted.
func (s *Service) PreviewRule(ctx context.Context, ruleID, itemID string, pc Context) (Result, error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "pricing.preview")
	defer span.End()

	if itemID != "" {
		pc.ItemID = itemID
	}
	pc = pc.Normalize()
	if warn := contextWarning(pc); warn != "" {
		return s.empty(warn), nil
	}

	rule, err := s.Repo.FindRule(ctx, pc.CompanyID, ruleID, pc.CustomerID)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("find rule: %w", err)
	}
	if rule == nil {
		return s.empty(WarnRuleNotFound), nil
	}
	item, err := s.Repo.FindItem(ctx, pc.CompanyID, ItemRef{ID: pc.ItemID, Reference: pc.ItemReference})
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("find item: %w", err)
	}
	if item == nil {
		return s.empty(WarnItemNotFound), nil
	}

	ec := Enrich(pc, *item, s.now())
	base, steps := startingPrice(*item)
	var notes []string
	if !InScope(*rule, pc.CompanyID, pc.Channel, *item) {
		notes = append(notes, "rule does not target this item or channel")
	}
	if err := Eligibility(*rule, ec); err != nil {
		notes = append(notes, "rule would be skipped: "+err.Error())
	}

	seq := s.sequencer(false).Run(ctx, []Rule{*rule}, base, *item, ec, len(steps))
	seq.Warnings = append(notes, seq.Warnings...)
	res := Resolution{Candidates: 1}
	return s.assemble(*item, ec, base, append(steps, seq.Steps...), seq, res, Options{Detailed: true, IncludeMargins: true}, time.Since(started)), nil
}

// InvalidateCompany drops every cached result and rule of a company.
func (s *Service) InvalidateCompany(ctx context.Context, companyID string) (int64, error) {
	var (
		deleted int64
		err     error
	)
	if s.Cache != nil {
		deleted, err = s.Cache.InvalidateCompany(ctx, companyID)
		if err != nil {
			return deleted, fmt.Errorf("invalidate company results: %w", err)
		}
	}
	if clearer, ok := s.Repo.(companyCacheClearer); ok {
		if err := clearer.ClearCompany(ctx, companyID); err != nil {
			return deleted, fmt.Errorf("clear company rules: %w", err)
		}
	}
	return deleted, nil
}

// InvalidateItem drops every cached result of one item.
func (s *Service) InvalidateItem(ctx context.Context, companyID, itemID string) (int64, error) {
	if s.Cache == nil {
		return 0, nil
	}
	deleted, err := s.Cache.InvalidateItem(ctx, companyID, itemID)
	if err != nil {
		return deleted, fmt.Errorf("invalidate item results: %w", err)
	}
	return deleted, nil
}

func (s *Service) cached(ctx context.Context, key string) (Result, bool) {
	res, ok, err := s.Cache.Get(ctx, key)
	if err != nil {
		s.Logger.Warn().Err(err).Str("key", key).Msg("pricing_cache_read_failed")
		obs.ObservePricingCacheLookup("error")
		return Result{}, false
	}
	if !ok {
		obs.ObservePricingCacheLookup("miss")
		return Result{}, false
	}
	obs.ObservePricingCacheLookup("hit")
	return res, true
}

func (s *Service) publish(ctx context.Context, events []RuleEvent) {
	if s.Events == nil || len(events) == 0 {
		return
	}
	if err := s.Events.Publish(ctx, events); err != nil {
		obs.ObservePricingAnalytics("error", len(events))
		s.Logger.Warn().Err(err).Int("events", len(events)).Msg("pricing_analytics_publish_failed")
		return
	}
	obs.ObservePricingAnalytics("ok", len(events))
}

func (s *Service) sequencer(recordUsage bool) Sequencer {
	seq := Sequencer{Adjuster: Adjuster{Formulas: s.Formulas}, Logger: s.Logger}
	if recordUsage {
		seq.Usage = UsageTracker{Store: s.Repo, Logger: s.Logger}
	}
	return seq
}

func (s *Service) empty(warning string) Result {
	return Result{
		Currency:     s.currency(),
		AppliedRules: []AppliedRule{},
		Warnings:     []string{warning},
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) currency() string {
	if s.Currency == "" {
		return DefaultCurrency
	}
	return s.Currency
}

func contextWarning(pc Context) string {
	switch {
	case pc.CompanyID == "":
		return WarnCompanyRequired
	case !pc.ValidChannel():
		return WarnUnknownChannel + ": " + string(pc.Channel)
	case pc.ItemID == "" && pc.ItemReference == "":
		return WarnItemRequired
	}
	return ""
}

// startingPrice applies the item's sale coefficient and returns the
// matching audit step, if any.
func startingPrice(item Item) (float64, []Step) {
	base := item.SalePrice
	coef := item.SaleCoefficient
	if coef <= 0 || coef == 1 {
		return base, nil
	}
	adjusted := dec(base).Mul(dec(coef)).InexactFloat64()
	return adjusted, []Step{{
		Step:        1,
		RuleID:      coefficientRuleID,
		RuleName:    "sale coefficient",
		Kind:        coefficientRuleID,
		PriceBefore: base,
		PriceAfter:  adjusted,
		Adjustment:  sub(adjusted, base),
		Description: "applied sale coefficient " + num(coef),
	}}
}
