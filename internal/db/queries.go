package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Queries runs the pricing statements over a connection or transaction.
type Queries struct {
	db DBTX
}

// New returns queries bound to db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx rebinds the queries to tx.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// PricingItem is a row of pricing_items.
type PricingItem struct {
	ID                  string
	CompanyID           string
	Reference           string
	Name                string
	Family              string
	SalePrice           float64
	PurchasePrice       float64
	PurchaseCoefficient float64
	SaleCoefficient     float64
	Weight              float64
	Length              float64
	Width               float64
	Height              float64
	Surface             float64
	Volume              float64
	WeightUnit          string
	DimensionUnit       string
	StockUnit           string
	SaleUnit            string
	PurchaseUnit        string
}

// PricingRule is a row of pricing_rules joined with the usage of one customer.
type PricingRule struct {
	ID                 string
	CompanyID          string
	Name               string
	Channel            string
	ItemID             string
	ItemFamily         string
	AdjustmentType     string
	AdjustmentValue    float64
	AdjustmentUnit     string
	Formula            string
	Conditions         []byte
	Priority           int32
	Combinable         bool
	Active             bool
	ValidFrom          pgtype.Timestamptz
	ValidUntil         pgtype.Timestamptz
	UsageLimit         pgtype.Int4
	PerCustomerLimit   pgtype.Int4
	UsageCount         int32
	CustomerUsageCount int32
	CreatedAt          time.Time
}

const itemColumns = `id::text, company_id::text, reference, name, family,
	sale_price::float8, COALESCE(purchase_price, 0)::float8,
	COALESCE(purchase_coefficient, 0)::float8, COALESCE(sale_coefficient, 0)::float8,
	COALESCE(weight, 0)::float8, COALESCE(length, 0)::float8, COALESCE(width, 0)::float8,
	COALESCE(height, 0)::float8, COALESCE(surface, 0)::float8, COALESCE(volume, 0)::float8,
	weight_unit, dimension_unit, stock_unit, sale_unit, purchase_unit`

func scanItem(row pgx.Row) (PricingItem, error) {
	var i PricingItem
	err := row.Scan(
		&i.ID, &i.CompanyID, &i.Reference, &i.Name, &i.Family,
		&i.SalePrice, &i.PurchasePrice,
		&i.PurchaseCoefficient, &i.SaleCoefficient,
		&i.Weight, &i.Length, &i.Width,
		&i.Height, &i.Surface, &i.Volume,
		&i.WeightUnit, &i.DimensionUnit, &i.StockUnit, &i.SaleUnit, &i.PurchaseUnit,
	)
	return i, err
}

const getItemByID = `SELECT ` + itemColumns + ` FROM pricing_items WHERE company_id = $1 AND id = $2`

// GetItemByID returns pgx.ErrNoRows when the item does not exist.
func (q *Queries) GetItemByID(ctx context.Context, companyID, id pgtype.UUID) (PricingItem, error) {
	return scanItem(q.db.QueryRow(ctx, getItemByID, companyID, id))
}

const getItemByReference = `SELECT ` + itemColumns + ` FROM pricing_items WHERE company_id = $1 AND reference = $2`

// GetItemByReference returns pgx.ErrNoRows when the item does not exist.
func (q *Queries) GetItemByReference(ctx context.Context, companyID pgtype.UUID, reference string) (PricingItem, error) {
	return scanItem(q.db.QueryRow(ctx, getItemByReference, companyID, reference))
}

const ruleColumns = `r.id::text, r.company_id::text, r.name, r.channel, COALESCE(r.item_id::text, ''),
	r.item_family, r.adjustment_type, r.adjustment_value::float8, r.adjustment_unit, r.formula,
	r.conditions, r.priority, r.combinable, r.active, r.valid_from, r.valid_until,
	r.usage_limit, r.per_customer_limit, r.usage_count`

func scanRule(row pgx.Row) (PricingRule, error) {
	var r PricingRule
	err := row.Scan(
		&r.ID, &r.CompanyID, &r.Name, &r.Channel, &r.ItemID,
		&r.ItemFamily, &r.AdjustmentType, &r.AdjustmentValue, &r.AdjustmentUnit, &r.Formula,
		&r.Conditions, &r.Priority, &r.Combinable, &r.Active, &r.ValidFrom, &r.ValidUntil,
		&r.UsageLimit, &r.PerCustomerLimit, &r.UsageCount, &r.CustomerUsageCount, &r.CreatedAt,
	)
	return r, err
}

// ListCandidateRulesParams scopes the candidate rule query.
type ListCandidateRulesParams struct {
	CompanyID  pgtype.UUID
	Channel    string
	ItemID     pgtype.UUID
	ItemFamily string
	CustomerID string
}

const listCandidateRules = `SELECT ` + ruleColumns + `, COALESCE(u.usage_count, 0), r.created_at
FROM pricing_rules r
LEFT JOIN pricing_rule_customer_usage u ON u.rule_id = r.id AND u.customer_id = $5
WHERE r.company_id = $1
  AND r.channel IN ($2, 'ALL')
  AND (r.item_id IS NULL OR r.item_id = $3)
  AND (r.item_family = '' OR r.item_family = $4)
ORDER BY r.priority DESC, r.created_at ASC, r.id ASC`

// ListCandidateRules returns the rules that can target an item, ordered by
// priority desc then creation asc.
func (q *Queries) ListCandidateRules(ctx context.Context, arg ListCandidateRulesParams) ([]PricingRule, error) {
	rows, err := q.db.Query(ctx, listCandidateRules, arg.CompanyID, arg.Channel, arg.ItemID, arg.ItemFamily, arg.CustomerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PricingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

const getRule = `SELECT ` + ruleColumns + `, 0, r.created_at FROM pricing_rules r WHERE r.company_id = $1 AND r.id = $2`

// GetRule returns pgx.ErrNoRows when the rule does not exist. The row is
// customer independent: CustomerUsageCount is always zero, see
// GetCustomerUsage.
func (q *Queries) GetRule(ctx context.Context, companyID, id pgtype.UUID) (PricingRule, error) {
	return scanRule(q.db.QueryRow(ctx, getRule, companyID, id))
}

const getCustomerUsage = `SELECT usage_count FROM pricing_rule_customer_usage WHERE rule_id = $1 AND customer_id = $2`

// GetCustomerUsage returns pgx.ErrNoRows when the customer never used the rule.
func (q *Queries) GetCustomerUsage(ctx context.Context, ruleID pgtype.UUID, customerID string) (int32, error) {
	var n int32
	err := q.db.QueryRow(ctx, getCustomerUsage, ruleID, customerID).Scan(&n)
	return n, err
}

const incrementRuleUsage = `UPDATE pricing_rules SET usage_count = usage_count + 1, updated_at = now() WHERE id = $1`

// IncrementRuleUsage bumps the global counter in place.
func (q *Queries) IncrementRuleUsage(ctx context.Context, id pgtype.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, incrementRuleUsage, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const upsertCustomerUsage = `INSERT INTO pricing_rule_customer_usage (rule_id, customer_id, usage_count)
VALUES ($1, $2, 1)
ON CONFLICT (rule_id, customer_id)
DO UPDATE SET usage_count = pricing_rule_customer_usage.usage_count + 1, updated_at = now()`

// UpsertCustomerUsage bumps the per-customer counter, creating it on first use.
func (q *Queries) UpsertCustomerUsage(ctx context.Context, ruleID pgtype.UUID, customerID string) error {
	_, err := q.db.Exec(ctx, upsertCustomerUsage, ruleID, customerID)
	return err
}

// InsertPricingLogParams is one row of pricing_logs.
type InsertPricingLogParams struct {
	RuleID             string
	CompanyID          string
	CustomerID         string
	CustomerGroup      string
	ItemID             string
	Channel            string
	BasePrice          float64
	FinalPrice         float64
	Discount           float64
	DiscountPercentage float64
	Quantity           float64
	CalculationTimeMs  int64
	Applied            bool
	Reason             string
	CacheHit           bool
	OccurredAt         time.Time
}

const insertPricingLog = `INSERT INTO pricing_logs (
	rule_id, company_id, customer_id, customer_group, item_id, channel,
	base_price, final_price, discount, discount_percentage, quantity,
	calculation_time_ms, applied, reason, cache_hit, occurred_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

// InsertPricingLogs writes every row in one batch round trip.
func (q *Queries) InsertPricingLogs(ctx context.Context, rows []InsertPricingLogParams) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertPricingLog,
			r.RuleID, r.CompanyID, r.CustomerID, r.CustomerGroup, r.ItemID, r.Channel,
			r.BasePrice, r.FinalPrice, r.Discount, r.DiscountPercentage, r.Quantity,
			r.CalculationTimeMs, r.Applied, r.Reason, r.CacheHit, r.OccurredAt,
		)
	}
	return q.db.SendBatch(ctx, batch).Close()
}

// UpsertItemParams is a seeded item.
type UpsertItemParams = PricingItem

const upsertItem = `INSERT INTO pricing_items (
	id, company_id, reference, name, family, sale_price, purchase_price,
	purchase_coefficient, sale_coefficient, weight, length, width, height,
	surface, volume, weight_unit, dimension_unit, stock_unit, sale_unit, purchase_unit
) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7::numeric, 0), NULLIF($8::numeric, 0), NULLIF($9::numeric, 0), NULLIF($10::numeric, 0),
	NULLIF($11::numeric, 0), NULLIF($12::numeric, 0), NULLIF($13::numeric, 0), NULLIF($14::numeric, 0), NULLIF($15::numeric, 0), $16, $17, $18, $19, $20)
ON CONFLICT (id) DO UPDATE SET
	reference = EXCLUDED.reference, name = EXCLUDED.name, family = EXCLUDED.family,
	sale_price = EXCLUDED.sale_price, purchase_price = EXCLUDED.purchase_price,
	purchase_coefficient = EXCLUDED.purchase_coefficient, sale_coefficient = EXCLUDED.sale_coefficient,
	weight = EXCLUDED.weight, length = EXCLUDED.length, width = EXCLUDED.width, height = EXCLUDED.height,
	surface = EXCLUDED.surface, volume = EXCLUDED.volume, weight_unit = EXCLUDED.weight_unit,
	dimension_unit = EXCLUDED.dimension_unit, stock_unit = EXCLUDED.stock_unit,
	sale_unit = EXCLUDED.sale_unit, purchase_unit = EXCLUDED.purchase_unit, updated_at = now()`

// UpsertItem inserts or replaces an item by id.
func (q *Queries) UpsertItem(ctx context.Context, id, companyID pgtype.UUID, arg UpsertItemParams) error {
	_, err := q.db.Exec(ctx, upsertItem,
		id, companyID, arg.Reference, arg.Name, arg.Family, arg.SalePrice, arg.PurchasePrice,
		arg.PurchaseCoefficient, arg.SaleCoefficient, arg.Weight, arg.Length, arg.Width, arg.Height,
		arg.Surface, arg.Volume, arg.WeightUnit, arg.DimensionUnit, arg.StockUnit, arg.SaleUnit, arg.PurchaseUnit,
	)
	return err
}

// UpsertRuleParams is a seeded rule.
type UpsertRuleParams struct {
	ID               pgtype.UUID
	CompanyID        pgtype.UUID
	Name             string
	Channel          string
	ItemID           pgtype.UUID
	ItemFamily       string
	AdjustmentType   string
	AdjustmentValue  float64
	AdjustmentUnit   string
	Formula          string
	Conditions       []byte
	Priority         int32
	Combinable       bool
	Active           bool
	ValidFrom        pgtype.Timestamptz
	ValidUntil       pgtype.Timestamptz
	UsageLimit       pgtype.Int4
	PerCustomerLimit pgtype.Int4
}

const upsertRule = `INSERT INTO pricing_rules (
	id, company_id, name, channel, item_id, item_family, adjustment_type, adjustment_value,
	adjustment_unit, formula, conditions, priority, combinable, active, valid_from, valid_until,
	usage_limit, per_customer_limit
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name, channel = EXCLUDED.channel, item_id = EXCLUDED.item_id,
	item_family = EXCLUDED.item_family, adjustment_type = EXCLUDED.adjustment_type,
	adjustment_value = EXCLUDED.adjustment_value, adjustment_unit = EXCLUDED.adjustment_unit,
	formula = EXCLUDED.formula, conditions = EXCLUDED.conditions, priority = EXCLUDED.priority,
	combinable = EXCLUDED.combinable, active = EXCLUDED.active, valid_from = EXCLUDED.valid_from,
	valid_until = EXCLUDED.valid_until, usage_limit = EXCLUDED.usage_limit,
	per_customer_limit = EXCLUDED.per_customer_limit, updated_at = now()`

// UpsertRule inserts or replaces a rule by id. Usage counters are kept.
func (q *Queries) UpsertRule(ctx context.Context, arg UpsertRuleParams) error {
	_, err := q.db.Exec(ctx, upsertRule,
		arg.ID, arg.CompanyID, arg.Name, arg.Channel, arg.ItemID, arg.ItemFamily, arg.AdjustmentType,
		arg.AdjustmentValue, arg.AdjustmentUnit, arg.Formula, arg.Conditions, arg.Priority,
		arg.Combinable, arg.Active, arg.ValidFrom, arg.ValidUntil, arg.UsageLimit, arg.PerCustomerLimit,
	)
	return err
}

// RuleStatsParams bounds the rule statistics window.
type RuleStatsParams struct {
	CompanyID string
	From      time.Time
	To        time.Time
	Limit     int32
}

// RuleStatsRow aggregates the pricing log of one rule.
type RuleStatsRow struct {
	RuleID                string  `json:"ruleId"`
	Evaluations           int64   `json:"evaluations"`
	Applied               int64   `json:"applied"`
	CacheHits             int64   `json:"cacheHits"`
	TotalDiscount         float64 `json:"totalDiscount"`
	AvgDiscountPercentage float64 `json:"avgDiscountPercentage"`
}

const ruleStats = `SELECT rule_id,
	COUNT(*),
	COUNT(*) FILTER (WHERE applied),
	COUNT(*) FILTER (WHERE cache_hit),
	COALESCE(SUM(discount) FILTER (WHERE applied), 0)::float8,
	COALESCE(AVG(discount_percentage) FILTER (WHERE applied), 0)::float8
FROM pricing_logs
WHERE company_id = $1 AND occurred_at >= $2 AND occurred_at < $3
GROUP BY rule_id
ORDER BY 3 DESC, rule_id
LIMIT $4`

// RuleStats summarises how often each rule was evaluated and applied.
func (q *Queries) RuleStats(ctx context.Context, arg RuleStatsParams) ([]RuleStatsRow, error) {
	rows, err := q.db.Query(ctx, ruleStats, arg.CompanyID, arg.From, arg.To, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []RuleStatsRow
	for rows.Next() {
		var i RuleStatsRow
		if err := rows.Scan(&i.RuleID, &i.Evaluations, &i.Applied, &i.CacheHits, &i.TotalDiscount, &i.AvgDiscountPercentage); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
