package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	limiter "github.com/ulule/limiter/v3"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareEnforcesLimitPerCompany(t *testing.T) {
	store, err := NewStore(nil)
	require.NoError(t, err)
	lim, err := New(store, "1-M")
	require.NoError(t, err)

	counted := Handler{Limiter: lim}.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pricing/calculate", nil)
	req.Header.Set("X-Company-ID", "c1")

	rr1 := httptest.NewRecorder()
	counted.ServeHTTP(rr1, req.Clone(req.Context()))
	require.Equal(t, http.StatusOK, rr1.Code)
	require.Equal(t, "1", rr1.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rr1.Header().Get("X-RateLimit-Remaining"))

	rr2 := httptest.NewRecorder()
	counted.ServeHTTP(rr2, req.Clone(req.Context()))
	require.Equal(t, http.StatusTooManyRequests, rr2.Code)
	require.Contains(t, rr2.Body.String(), "RATE_LIMITED")
	require.NotEmpty(t, rr2.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodPost, "/api/v1/pricing/calculate", nil)
	other.Header.Set("X-Company-ID", "c2")
	rr3 := httptest.NewRecorder()
	counted.ServeHTTP(rr3, other)
	require.Equal(t, http.StatusOK, rr3.Code)
}

func TestRedisStoreSharesCounters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewStore(client)
	require.NoError(t, err)
	lim, err := New(store, "2-M")
	require.NoError(t, err)

	ctx := context.Background()
	first, err := lim.Get(ctx, "company:c1")
	require.NoError(t, err)
	require.False(t, first.Reached)
	require.EqualValues(t, 1, first.Remaining)

	_, err = lim.Get(ctx, "company:c1")
	require.NoError(t, err)
	third, err := lim.Get(ctx, "company:c1")
	require.NoError(t, err)
	require.True(t, third.Reached)
}

type failingGetter struct{}

func (failingGetter) Get(context.Context, string) (limiter.Context, error) {
	return limiter.Context{}, errors.New("store down")
}

func TestMiddlewareFailsOpen(t *testing.T) {
	called := false
	h := Handler{Limiter: failingGetter{}, OnError: func(error) { called = true }}

	rr := httptest.NewRecorder()
	h.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, called)
}

func TestNewRejectsBadRate(t *testing.T) {
	store, err := NewStore(nil)
	require.NoError(t, err)
	_, err = New(store, "fast")
	require.Error(t, err)
}

func TestCompanyKeyFallsBackToIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5000"
	require.Equal(t, "ip:10.0.0.7", CompanyKey(req))

	req.Header.Set("X-Company-ID", " c9 ")
	require.Equal(t, "company:c9", CompanyKey(req))
}
