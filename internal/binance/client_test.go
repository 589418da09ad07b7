package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheolwanpark/lowerbound/internal/apperr"
)

func testClient(spotURL, futuresURL string) *Client {
	return NewClient(Config{
		SpotBaseURL:       spotURL,
		FuturesBaseURL:    futuresURL,
		RequestsPerMinute: 60000,
		RequestDelay:      0,
	}, zerolog.Nop())
}

func klinePayload(openMS int64, close float64) []any {
	return []any{
		openMS, "100.0", "110.0", "90.0", fmt.Sprintf("%.2f", close), "12.5",
		openMS + 12*3600*1000 - 1, "0", 10, "0", "0", "0",
	}
}

func TestGetKlinesParsesWirePayload(t *testing.T) {
	t.Parallel()

	open := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "12h", r.URL.Query().Get("interval"))

		_ = json.NewEncoder(w).Encode([][]any{
			klinePayload(open.UnixMilli(), 50000),
			klinePayload(open.Add(12*time.Hour).UnixMilli(), 50500),
		})
	}))
	defer server.Close()

	client := testClient(server.URL, server.URL)
	candles, err := client.GetKlines(context.Background(), "BTCUSDT", "12h", open, time.Time{}, 1000)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.True(t, candles[0].Timestamp.Equal(open))
	assert.Equal(t, "50000", candles[0].Close.String())
	assert.Equal(t, "12.5", candles[0].Volume.String())
	assert.Equal(t, time.UTC, candles[0].Timestamp.Location())
}

func TestGetFundingRatesPagination(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)

		var rows []map[string]any
		if call == 1 {
			// A full page forces a second request from the advanced cursor.
			for i := 0; i < 1000; i++ {
				rows = append(rows, map[string]any{
					"symbol":      "BTCUSDT",
					"fundingTime": start.Add(time.Duration(i) * 8 * time.Hour).UnixMilli(),
					"fundingRate": "0.00010000",
					"markPrice":   "50000.00",
				})
			}
		} else {
			startTime, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
			assert.Greater(t, startTime, start.UnixMilli())
			rows = append(rows, map[string]any{
				"symbol":      "BTCUSDT",
				"fundingTime": start.Add(1000 * 8 * time.Hour).UnixMilli(),
				"fundingRate": "0.00020000",
			})
		}
		_ = json.NewEncoder(w).Encode(rows)
	}))
	defer server.Close()

	client := testClient(server.URL, server.URL)
	rates, err := client.GetFundingRatesPaginated(context.Background(), "BTCUSDT", start, time.Time{})
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Len(t, rates, 1001)
	assert.Equal(t, "0.0002", rates[len(rates)-1].FundingRate.String())
	require.NotNil(t, rates[0].MarkPrice)
}

func TestRetryAfterOn429(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode([][]any{klinePayload(time.Now().UnixMilli(), 100)})
	}))
	defer server.Close()

	client := testClient(server.URL, server.URL)
	started := time.Now()
	candles, err := client.GetKlines(context.Background(), "BTCUSDT", "12h", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, candles, 1)
	assert.GreaterOrEqual(t, time.Since(started), time.Second)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestRetryOnServerError(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode([][]any{klinePayload(time.Now().UnixMilli(), 100)})
	}))
	defer server.Close()

	client := testClient(server.URL, server.URL)
	candles, err := client.GetKlines(context.Background(), "BTCUSDT", "12h", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	assert.Len(t, candles, 1)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClientErrorFailsFast(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer server.Close()

	client := testClient(server.URL, server.URL)
	_, err := client.GetKlines(context.Background(), "NOPEUSDT", "12h", time.Time{}, time.Time{}, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrProviderPermanent))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestOpenInterestParsing(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/futures/data/openInterestHist", r.URL.Path)
		assert.Equal(t, "5m", r.URL.Query().Get("period"))
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"symbol":               "BTCUSDT",
				"sumOpenInterest":      "81234.5",
				"sumOpenInterestValue": "4000000000",
				"timestamp":            now.UnixMilli(),
			},
		})
	}))
	defer server.Close()

	client := testClient(server.URL, server.URL)
	points, err := client.GetOpenInterestHist(context.Background(), "BTCUSDT", "5m", time.Time{}, time.Time{}, 500)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "81234.5", points[0].OpenInterest.String())
}

func TestSymbol(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "BTCUSDT", Symbol("BTC"))
}
