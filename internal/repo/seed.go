package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/pricing-engine/internal/db"
	"github.com/noah-isme/pricing-engine/internal/pricing"
)

// Seeder writes pack contents. *db.Queries satisfies it.
type Seeder interface {
	UpsertItem(ctx context.Context, id, companyID pgtype.UUID, arg db.UpsertItemParams) error
	UpsertRule(ctx context.Context, arg db.UpsertRuleParams) error
}

// SeedStats counts what SeedPack wrote.
type SeedStats struct {
	Items int
	Rules int
}

// SeedPack upserts every item then every rule of pack. Ids must be UUIDs.
func SeedPack(ctx context.Context, q Seeder, pack RulePack) (SeedStats, error) {
	var stats SeedStats
	for _, it := range pack.Items {
		id, err := uuidValue(it.ID)
		if err != nil {
			return stats, fmt.Errorf("item %s id: %w", it.Reference, err)
		}
		company, err := uuidValue(it.CompanyID)
		if err != nil {
			return stats, fmt.Errorf("item %s company: %w", it.Reference, err)
		}
		if err := q.UpsertItem(ctx, id, company, itemParams(it)); err != nil {
			return stats, fmt.Errorf("upsert item %s: %w", it.Reference, err)
		}
		stats.Items++
	}
	for _, r := range pack.Rules {
		arg, err := ruleParams(r)
		if err != nil {
			return stats, fmt.Errorf("rule %s: %w", r.Name, err)
		}
		if err := q.UpsertRule(ctx, arg); err != nil {
			return stats, fmt.Errorf("upsert rule %s: %w", r.Name, err)
		}
		stats.Rules++
	}
	return stats, nil
}

func itemParams(it pricing.Item) db.UpsertItemParams {
	return db.UpsertItemParams{
		ID:                  it.ID,
		CompanyID:           it.CompanyID,
		Reference:           it.Reference,
		Name:                it.Name,
		Family:              it.Family,
		SalePrice:           it.SalePrice,
		PurchasePrice:       it.PurchasePrice,
		PurchaseCoefficient: it.PurchaseCoefficient,
		SaleCoefficient:     it.SaleCoefficient,
		Weight:              it.Weight,
		Length:              it.Length,
		Width:               it.Width,
		Height:              it.Height,
		Surface:             it.Surface,
		Volume:              it.Volume,
		WeightUnit:          it.WeightUnit,
		DimensionUnit:       it.DimensionUnit,
		StockUnit:           it.StockUnit,
		SaleUnit:            it.SaleUnit,
		PurchaseUnit:        it.PurchaseUnit,
	}
}

func ruleParams(r pricing.Rule) (db.UpsertRuleParams, error) {
	id, err := uuidValue(r.ID)
	if err != nil {
		return db.UpsertRuleParams{}, fmt.Errorf("id: %w", err)
	}
	company, err := uuidValue(r.CompanyID)
	if err != nil {
		return db.UpsertRuleParams{}, fmt.Errorf("company: %w", err)
	}
	item, err := optionalUUID(r.ItemID)
	if err != nil {
		return db.UpsertRuleParams{}, fmt.Errorf("item: %w", err)
	}
	conditions := []byte("[]")
	if len(r.Conditions) > 0 {
		if conditions, err = json.Marshal(r.Conditions); err != nil {
			return db.UpsertRuleParams{}, fmt.Errorf("encode conditions: %w", err)
		}
	}
	channel := pricing.ChannelAll
	if r.Channel != "" {
		channel, _ = pricing.ParseChannel(string(r.Channel))
	}
	return db.UpsertRuleParams{
		ID:               id,
		CompanyID:        company,
		Name:             r.Name,
		Channel:          string(channel),
		ItemID:           item,
		ItemFamily:       r.ItemFamily,
		AdjustmentType:   string(r.Kind),
		AdjustmentValue:  r.Value,
		AdjustmentUnit:   r.Unit,
		Formula:          r.Formula,
		Conditions:       conditions,
		Priority:         int32(r.Priority),
		Combinable:       r.Combinable,
		Active:           r.Active,
		ValidFrom:        timestamptz(r.ValidFrom),
		ValidUntil:       timestamptz(r.ValidUntil),
		UsageLimit:       int4(r.UsageLimit),
		PerCustomerLimit: int4(r.PerCustomerLimit),
	}, nil
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func int4(v *int) pgtype.Int4 {
	if v == nil {
		return pgtype.Int4{}
	}
	return pgtype.Int4{Int32: int32(*v), Valid: true}
}
