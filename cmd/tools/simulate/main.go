package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pricing-engine/internal/formula"
	"github.com/noah-isme/pricing-engine/internal/pricing"
	"github.com/noah-isme/pricing-engine/internal/repo"
)

// simulate prices items against a YAML rule pack without any database.
func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("simulate: %v", err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	var (
		packPath = fs.String("pack", "rules.yaml", "path to the YAML rule pack")
		ruleID   = fs.String("rule", "", "preview a single rule instead of running the full pipeline")
		all      = fs.Bool("all", false, "price every item of the company")
		currency = fs.String("currency", pricing.DefaultCurrency, "result currency")
		pc       pricing.Context
		opts     = pricing.Options{Detailed: true, IncludeMargins: true, IncludeSkippedRules: true}
	)
	fs.StringVar(&pc.CompanyID, "company", "", "company id")
	fs.StringVar(&pc.ItemID, "item", "", "item id")
	fs.StringVar(&pc.ItemReference, "ref", "", "item reference")
	fs.StringVar(&pc.CustomerID, "customer", "", "customer id")
	fs.StringVar(&pc.CustomerGroup, "group", "", "customer group")
	fs.StringVar(&pc.CustomerEmail, "email", "", "customer email")
	fs.StringVar(&pc.CustomerCode, "code", "", "customer code")
	fs.Float64Var(&pc.Quantity, "qty", 1, "quantity")
	fs.StringVar((*string)(&pc.Channel), "channel", "ERP", "sales channel")
	fs.StringVar(&pc.PromotionCode, "promo", "", "promotion code")
	fs.Float64Var(&pc.OrderTotal, "total", 0, "order total")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pack, err := repo.LoadRulePack(*packPath)
	if err != nil {
		return fmt.Errorf("load pack: %w", err)
	}
	store := repo.NewMemoryStore(pack)
	svc := &pricing.Service{
		Repo:     store,
		Formulas: formula.New(0),
		Logger:   zerolog.New(os.Stderr).Level(zerolog.WarnLevel),
		Currency: *currency,
	}

	var result any
	switch {
	case *ruleID != "":
		result, err = svc.PreviewRule(ctx, *ruleID, pc.ItemID, pc)
	case *all:
		var lines []pricing.BulkLine
		for _, it := range store.Items() {
			if it.CompanyID == pc.CompanyID {
				lines = append(lines, pricing.BulkLine{ItemID: it.ID})
			}
		}
		result, err = svc.CalculateBulkPrices(ctx, lines, pc, opts)
	default:
		result, err = svc.CalculatePrice(ctx, pc, opts)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
