// Package analytics ships rule evaluation events to the pricing log and
// serves aggregated rule statistics.
package analytics

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/pricing-engine/internal/pricing"
)

// TypePricingLog is the asynq task type carrying a batch of rule events.
const TypePricingLog = "pricing:log"

// DefaultQueue is used when no queue is configured.
const DefaultQueue = "pricing-analytics"

// LogPayload is the task body.
type LogPayload struct {
	Events []pricing.RuleEvent `json:"events"`
}

// NewLogTask encodes events into a task.
func NewLogTask(events []pricing.RuleEvent) (*asynq.Task, error) {
	data, err := json.Marshal(LogPayload{Events: events})
	if err != nil {
		return nil, fmt.Errorf("encode pricing log task: %w", err)
	}
	return asynq.NewTask(TypePricingLog, data), nil
}
