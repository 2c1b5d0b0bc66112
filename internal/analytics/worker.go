package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pricing-engine/internal/db"
)

// LogWriter persists pricing log rows.
type LogWriter interface {
	InsertPricingLogs(ctx context.Context, rows []db.InsertPricingLogParams) error
}

// LogHandler consumes pricing log tasks.
type LogHandler struct {
	Store  LogWriter
	Logger zerolog.Logger
}

// ProcessTask implements asynq.Handler. Undecodable payloads are not retried.
func (h LogHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload LogPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.Logger.Error().Err(err).Str("task", t.Type()).Msg("pricing_log_decode_failed")
		return fmt.Errorf("decode pricing log: %v: %w", err, asynq.SkipRetry)
	}
	if len(payload.Events) == 0 {
		return nil
	}
	rows := make([]db.InsertPricingLogParams, 0, len(payload.Events))
	for _, ev := range payload.Events {
		rows = append(rows, db.InsertPricingLogParams{
			RuleID:             ev.RuleID,
			CompanyID:          ev.CompanyID,
			CustomerID:         ev.CustomerID,
			CustomerGroup:      ev.CustomerGroup,
			ItemID:             ev.ItemID,
			Channel:            string(ev.Channel),
			BasePrice:          ev.BasePrice,
			FinalPrice:         ev.FinalPrice,
			Discount:           ev.Discount,
			DiscountPercentage: ev.DiscountPercentage,
			Quantity:           ev.Quantity,
			CalculationTimeMs:  ev.CalculationTimeMs,
			Applied:            ev.Applied,
			Reason:             ev.Reason,
			CacheHit:           ev.CacheHit,
			OccurredAt:         ev.OccurredAt,
		})
	}
	if err := h.Store.InsertPricingLogs(ctx, rows); err != nil {
		return fmt.Errorf("insert pricing logs: %w", err)
	}
	h.Logger.Debug().Int("rows", len(rows)).Msg("pricing_logs_written")
	return nil
}

// NewServeMux routes pricing log tasks to h.
func NewServeMux(h LogHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypePricingLog, h)
	return mux
}
