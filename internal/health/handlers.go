// Package health serves liveness and readiness probes for the pricing API.
package health

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/pricing-engine/internal/common"
)

// ErrDisabled marks an optional dependency that is not configured.
var ErrDisabled = errors.New("disabled")

var draining atomic.Bool

// SetReady toggles readiness. The API turns it off before draining
// connections so load balancers stop routing to the instance.
func SetReady(v bool) { draining.Store(!v) }

// Checker probes the dependencies a pricing instance needs to serve.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Probe checks the rule store pool and the optional cache client.
type Probe struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
}

func (p Probe) PingDB(ctx context.Context, timeout time.Duration) error {
	if p.DB == nil {
		return errors.New("database not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.DB.Ping(ctx)
}

func (p Probe) PingRedis(ctx context.Context, timeout time.Duration) error {
	if p.Redis == nil {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Redis.Ping(ctx).Err()
}

// Report is the readiness payload.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	Checker      Checker
	DBTimeout    time.Duration
	RedisTimeout time.Duration
}

// Live always answers 200 while the process runs.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready answers 200 when Postgres answers and Redis is either reachable or
// not configured. Pricing without the result cache is slower but correct.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if draining.Load() {
		common.JSON(w, http.StatusServiceUnavailable, Report{Status: "draining"})
		return
	}
	if h.Checker == nil {
		common.JSON(w, http.StatusServiceUnavailable, Report{Status: "unconfigured"})
		return
	}

	report := Report{Status: "ready", Checks: map[string]string{}}
	if err := h.Checker.PingDB(r.Context(), timeoutOr(h.DBTimeout, 500*time.Millisecond)); err != nil {
		report.Status = "unavailable"
		report.Checks["db"] = err.Error()
	} else {
		report.Checks["db"] = "ok"
	}
	switch err := h.Checker.PingRedis(r.Context(), timeoutOr(h.RedisTimeout, 300*time.Millisecond)); {
	case err == nil:
		report.Checks["redis"] = "ok"
	case errors.Is(err, ErrDisabled):
		report.Checks["redis"] = "disabled"
	default:
		report.Status = "unavailable"
		report.Checks["redis"] = err.Error()
	}

	status := http.StatusOK
	if report.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	common.JSON(w, status, report)
}

func timeoutOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
