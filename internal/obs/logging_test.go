package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRequestLoggerLevelsByStatus(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	var buf bytes.Buffer
	logger := newLogger(&buf, "json", "debug")
	handler := RequestLogger{Logger: logger}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEqual(t, zerolog.Disabled, zerolog.Ctx(r.Context()).GetLevel())
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pricing/calculate", nil)
	req.Header.Set(CompanyHeader, "acme")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "error", line["level"])
	require.Equal(t, "http_request", line["message"])
	require.Equal(t, "acme", line["company_id"])
	require.Equal(t, "/api/v1/pricing/calculate", line["route"])
	require.EqualValues(t, 503, line["status"])
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	var buf bytes.Buffer
	logger := newLogger(&buf, "json", "chatty")
	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}

func TestStatementHelpers(t *testing.T) {
	require.Equal(t, "SELECT", statementOperation("  select id from pricing_rules"))
	require.Equal(t, "UNKNOWN", statementOperation("   "))

	long := "SELECT " + string(bytes.Repeat([]byte("x"), 400))
	got := truncateStatement(long)
	require.Len(t, got, maxStatementLen+3)
	require.Equal(t, "UPDATE pricing_rules SET usage_count = usage_count + 1", truncateStatement("UPDATE pricing_rules\n\tSET usage_count = usage_count + 1"))
}
