package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pricing-engine/internal/app"
	"github.com/noah-isme/pricing-engine/internal/health"
	"github.com/noah-isme/pricing-engine/internal/obs"
	"github.com/noah-isme/pricing-engine/internal/pricing"
	"github.com/noah-isme/pricing-engine/internal/ratelimit"
	"github.com/noah-isme/pricing-engine/internal/repo"
)

const routerPack = `
items:
  - id: item-1
    company_id: acme
    reference: BOLT-10
    sale_price: 80
rules:
  - id: promo
    name: Promo
    company_id: acme
    channel: ALL
    adjustment_type: percentage
    adjustment_value: -25
    active: true
`

func testRouter(t *testing.T, rate string) http.Handler {
	t.Helper()
	pack, err := repo.DecodeRulePack(strings.NewReader(routerPack))
	require.NoError(t, err)

	store, err := ratelimit.NewStore(nil)
	require.NoError(t, err)
	lim, err := ratelimit.New(store, rate)
	require.NoError(t, err)

	svc := &pricing.Service{Repo: repo.NewMemoryStore(pack), Logger: zerolog.Nop()}
	return newRouter(routerConfig{
		Logger:    zerolog.Nop(),
		Metrics:   obs.NewHTTPMetrics("router_test", nil, prometheus.NewRegistry()),
		Pricing:   &pricing.Handler{Svc: svc, Validate: app.NewValidator()},
		Health:    health.Handler{},
		RateLimit: ratelimit.Handler{Limiter: lim},
	})
}

func TestRouterCalculate(t *testing.T) {
	router := testRouter(t, "100-M")

	body, err := json.Marshal(map[string]any{"itemReference": "BOLT-10"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pricing/calculate", bytes.NewReader(body))
	req.Header.Set(obs.CompanyHeader, "acme")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	var resp struct {
		Data pricing.Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 60.0, resp.Data.FinalPrice)
	require.Equal(t, "EUR", resp.Data.Currency)
}

func TestRouterValidationUsesJSONNames(t *testing.T) {
	router := testRouter(t, "100-M")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pricing/calculate", strings.NewReader(`{"companyId":"acme","itemId":"item-1","quantity":-1}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), `"quantity":"gte"`)
}

func TestRouterRateLimitsPricingOnly(t *testing.T) {
	router := testRouter(t, "1-M")

	send := func(path string) int {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"itemId":"item-1"}`))
		req.Header.Set(obs.CompanyHeader, "acme")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, send("/api/v1/pricing/calculate"))
	require.Equal(t, http.StatusTooManyRequests, send("/api/v1/pricing/calculate"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterServesMetrics(t *testing.T) {
	router := testRouter(t, "100-M")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAllowedOrigins(t *testing.T) {
	require.Equal(t, []string{"*"}, allowedOrigins(nil))
	require.Equal(t, []string{"https://erp.example.com"}, allowedOrigins([]string{"https://erp.example.com"}))
}
