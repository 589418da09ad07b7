package binance

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cheolwanpark/lowerbound/internal/apperr"
	"github.com/cheolwanpark/lowerbound/internal/models"
)

// Page sizes per endpoint (Binance maxima).
const (
	klinePageSize        = 1000
	fundingPageSize      = 1000
	futuresKlinePageSize = 1500
	openInterestPageSize = 500
)

// rawKline is one kline array entry:
// [openTime, open, high, low, close, volume, closeTime, ...].
type rawKline []json.RawMessage

func (k rawKline) times() (openMS, closeMS int64, err error) {
	if len(k) < 7 {
		return 0, 0, apperr.Permanentf("kline entry has %d fields, expected >= 7", len(k))
	}
	if err = json.Unmarshal(k[0], &openMS); err != nil {
		return 0, 0, apperr.Permanentf("kline open time: %v", err)
	}
	if err = json.Unmarshal(k[6], &closeMS); err != nil {
		return 0, 0, apperr.Permanentf("kline close time: %v", err)
	}
	return openMS, closeMS, nil
}

func (k rawKline) price(i int) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(k[i], &s); err != nil {
		return decimal.Zero, apperr.Permanentf("kline field %d: %v", i, err)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperr.Permanentf("kline field %d value %q: %v", i, s, err)
	}
	return d, nil
}

// GetKlines fetches one page of 12h spot candles.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]models.SpotCandle, error) {
	if limit <= 0 || limit > klinePageSize {
		limit = klinePageSize
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	params = timeParams(params, start, end)

	var raw []rawKline
	if err := c.getJSON(ctx, c.cfg.SpotBaseURL+"/api/v3/klines", params, &raw); err != nil {
		return nil, err
	}

	candles := make([]models.SpotCandle, 0, len(raw))
	for _, k := range raw {
		openMS, _, err := k.times()
		if err != nil {
			return nil, err
		}
		candle := models.SpotCandle{Timestamp: time.UnixMilli(openMS).UTC()}
		if candle.Open, err = k.price(1); err != nil {
			return nil, err
		}
		if candle.High, err = k.price(2); err != nil {
			return nil, err
		}
		if candle.Low, err = k.price(3); err != nil {
			return nil, err
		}
		if candle.Close, err = k.price(4); err != nil {
			return nil, err
		}
		if candle.Volume, err = k.price(5); err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// GetKlinesPaginated walks the 1000-candle pages until the range is covered.
// The cursor advances to the last candle's close time + 1ms.
func (c *Client) GetKlinesPaginated(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.SpotCandle, error) {
	var all []models.SpotCandle
	cursor := start

	for {
		batch, err := c.GetKlines(ctx, symbol, interval, cursor, end, klinePageSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		if len(batch) < klinePageSize {
			break
		}

		lastOpen := batch[len(batch)-1].Timestamp
		step, _ := intervalDuration(interval)
		cursor = lastOpen.Add(step)
		if !end.IsZero() && !cursor.Before(end) {
			break
		}
	}

	c.log.Debug().Str("symbol", symbol).Int("count", len(all)).Msg("fetched spot klines")
	return dedupeCandles(all), nil
}

type rawFundingRate struct {
	Symbol      string `json:"symbol"`
	FundingTime int64  `json:"fundingTime"`
	FundingRate string `json:"fundingRate"`
	MarkPrice   string `json:"markPrice"`
}

// GetFundingRates fetches one page of funding rate history.
func (c *Client) GetFundingRates(ctx context.Context, symbol string, start, end time.Time, limit int) ([]models.FundingRate, error) {
	if limit <= 0 || limit > fundingPageSize {
		limit = fundingPageSize
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	params = timeParams(params, start, end)

	var raw []rawFundingRate
	if err := c.getJSON(ctx, c.cfg.FuturesBaseURL+"/fapi/v1/fundingRate", params, &raw); err != nil {
		return nil, err
	}

	rates := make([]models.FundingRate, 0, len(raw))
	for _, r := range raw {
		rate, err := decimal.NewFromString(r.FundingRate)
		if err != nil {
			return nil, apperr.Permanentf("funding rate %q: %v", r.FundingRate, err)
		}
		f := models.FundingRate{
			Timestamp:   time.UnixMilli(r.FundingTime).UTC(),
			FundingRate: rate,
		}
		if r.MarkPrice != "" {
			if mp, err := decimal.NewFromString(r.MarkPrice); err == nil {
				f.MarkPrice = &mp
			}
		}
		rates = append(rates, f)
	}
	return rates, nil
}

// GetFundingRatesPaginated walks funding pages; the cursor advances to the
// last event time + 1ms.
func (c *Client) GetFundingRatesPaginated(ctx context.Context, symbol string, start, end time.Time) ([]models.FundingRate, error) {
	var all []models.FundingRate
	cursor := start

	for {
		batch, err := c.GetFundingRates(ctx, symbol, cursor, end, fundingPageSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		if len(batch) < fundingPageSize {
			break
		}

		cursor = batch[len(batch)-1].Timestamp.Add(time.Millisecond)
		if !end.IsZero() && !cursor.Before(end) {
			break
		}
	}

	c.log.Debug().Str("symbol", symbol).Int("count", len(all)).Msg("fetched funding rates")
	return dedupeFunding(all), nil
}

// GetMarkPriceKlines fetches one page of mark-price klines.
func (c *Client) GetMarkPriceKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]models.FuturesKline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	return c.futuresKlines(ctx, c.cfg.FuturesBaseURL+"/fapi/v1/markPriceKlines", params, interval, start, end, limit)
}

// GetIndexPriceKlines fetches one page of index-price klines. This endpoint
// takes `pair` instead of `symbol`.
func (c *Client) GetIndexPriceKlines(ctx context.Context, pair, interval string, start, end time.Time, limit int) ([]models.FuturesKline, error) {
	params := url.Values{}
	params.Set("pair", pair)
	return c.futuresKlines(ctx, c.cfg.FuturesBaseURL+"/fapi/v1/indexPriceKlines", params, interval, start, end, limit)
}

func (c *Client) futuresKlines(ctx context.Context, endpoint string, params url.Values, interval string, start, end time.Time, limit int) ([]models.FuturesKline, error) {
	if limit <= 0 || limit > futuresKlinePageSize {
		limit = futuresKlinePageSize
	}
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	params = timeParams(params, start, end)

	var raw []rawKline
	if err := c.getJSON(ctx, endpoint, params, &raw); err != nil {
		return nil, err
	}

	klines := make([]models.FuturesKline, 0, len(raw))
	for _, k := range raw {
		openMS, _, err := k.times()
		if err != nil {
			return nil, err
		}
		kline := models.FuturesKline{Timestamp: time.UnixMilli(openMS).UTC()}
		if kline.Open, err = k.price(1); err != nil {
			return nil, err
		}
		if kline.High, err = k.price(2); err != nil {
			return nil, err
		}
		if kline.Low, err = k.price(3); err != nil {
			return nil, err
		}
		if kline.Close, err = k.price(4); err != nil {
			return nil, err
		}
		klines = append(klines, kline)
	}
	return klines, nil
}

// GetMarkPriceKlinesPaginated walks the 1500-candle pages for mark prices.
func (c *Client) GetMarkPriceKlinesPaginated(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.FuturesKline, error) {
	return c.paginateFuturesKlines(ctx, start, end, interval, func(cursor time.Time) ([]models.FuturesKline, error) {
		return c.GetMarkPriceKlines(ctx, symbol, interval, cursor, end, futuresKlinePageSize)
	})
}

// GetIndexPriceKlinesPaginated walks the 1500-candle pages for index prices.
func (c *Client) GetIndexPriceKlinesPaginated(ctx context.Context, pair, interval string, start, end time.Time) ([]models.FuturesKline, error) {
	return c.paginateFuturesKlines(ctx, start, end, interval, func(cursor time.Time) ([]models.FuturesKline, error) {
		return c.GetIndexPriceKlines(ctx, pair, interval, cursor, end, futuresKlinePageSize)
	})
}

func (c *Client) paginateFuturesKlines(ctx context.Context, start, end time.Time, interval string, fetch func(cursor time.Time) ([]models.FuturesKline, error)) ([]models.FuturesKline, error) {
	var all []models.FuturesKline
	cursor := start

	for {
		batch, err := fetch(cursor)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		if len(batch) < futuresKlinePageSize {
			break
		}

		step, _ := intervalDuration(interval)
		cursor = batch[len(batch)-1].Timestamp.Add(step)
		if !end.IsZero() && !cursor.Before(end) {
			break
		}
	}
	return dedupeFuturesKlines(all), nil
}

type rawOpenInterest struct {
	Symbol           string `json:"symbol"`
	SumOpenInterest  string `json:"sumOpenInterest"`
	SumOpenInterestV string `json:"sumOpenInterestValue"`
	Timestamp        int64  `json:"timestamp"`
}

// GetOpenInterestHist fetches one page of open-interest history. Binance
// retains roughly 30 days for this endpoint.
func (c *Client) GetOpenInterestHist(ctx context.Context, symbol, period string, start, end time.Time, limit int) ([]models.OpenInterestPoint, error) {
	if limit <= 0 || limit > openInterestPageSize {
		limit = openInterestPageSize
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("period", period)
	params.Set("limit", strconv.Itoa(limit))
	params = timeParams(params, start, end)

	var raw []rawOpenInterest
	if err := c.getJSON(ctx, c.cfg.FuturesBaseURL+"/futures/data/openInterestHist", params, &raw); err != nil {
		return nil, err
	}

	points := make([]models.OpenInterestPoint, 0, len(raw))
	for _, r := range raw {
		oi, err := decimal.NewFromString(r.SumOpenInterest)
		if err != nil {
			return nil, apperr.Permanentf("open interest %q: %v", r.SumOpenInterest, err)
		}
		points = append(points, models.OpenInterestPoint{
			Timestamp:    time.UnixMilli(r.Timestamp).UTC(),
			OpenInterest: oi,
		})
	}
	return points, nil
}

// GetOpenInterestHistPaginated walks the 500-point pages.
func (c *Client) GetOpenInterestHistPaginated(ctx context.Context, symbol, period string, start, end time.Time) ([]models.OpenInterestPoint, error) {
	var all []models.OpenInterestPoint
	cursor := start

	for {
		batch, err := c.GetOpenInterestHist(ctx, symbol, period, cursor, end, openInterestPageSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		if len(batch) < openInterestPageSize {
			break
		}

		cursor = batch[len(batch)-1].Timestamp.Add(time.Millisecond)
		if !end.IsZero() && !cursor.Before(end) {
			break
		}
	}

	c.log.Debug().Str("symbol", symbol).Int("count", len(all)).Msg("fetched open interest")
	return dedupeOpenInterest(all), nil
}

func intervalDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return time.Hour, nil
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return time.Hour, nil
	}
	switch s[len(s)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.Hour, nil
}

func dedupeCandles(in []models.SpotCandle) []models.SpotCandle {
	seen := make(map[int64]bool, len(in))
	out := in[:0]
	for _, c := range in {
		key := c.Timestamp.UnixMilli()
		if !seen[key] {
			seen[key] = true
			out = append(out, c)
		}
	}
	return out
}

func dedupeFunding(in []models.FundingRate) []models.FundingRate {
	seen := make(map[int64]bool, len(in))
	out := in[:0]
	for _, f := range in {
		key := f.Timestamp.UnixMilli()
		if !seen[key] {
			seen[key] = true
			out = append(out, f)
		}
	}
	return out
}

func dedupeFuturesKlines(in []models.FuturesKline) []models.FuturesKline {
	seen := make(map[int64]bool, len(in))
	out := in[:0]
	for _, k := range in {
		key := k.Timestamp.UnixMilli()
		if !seen[key] {
			seen[key] = true
			out = append(out, k)
		}
	}
	return out
}

func dedupeOpenInterest(in []models.OpenInterestPoint) []models.OpenInterestPoint {
	seen := make(map[int64]bool, len(in))
	out := in[:0]
	for _, p := range in {
		key := p.Timestamp.UnixMilli()
		if !seen[key] {
			seen[key] = true
			out = append(out, p)
		}
	}
	return out
}
