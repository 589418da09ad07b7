// Package binance wraps the Binance spot and futures REST APIs behind
// paginated, rate-limited fetch methods. It is the only package that knows
// Binance pagination cursors, page sizes, retry policy, and wire shapes.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/cheolwanpark/lowerbound/internal/apperr"
)

const (
	maxAttempts    = 3
	maxBackoff     = 10 * time.Second
	maxConcurrent  = 10
	defaultRetryIn = 60 * time.Second
)

// Config holds client construction options.
type Config struct {
	SpotBaseURL       string
	FuturesBaseURL    string
	RequestsPerMinute int
	RequestDelay      time.Duration
}

// Client is a rate-limited HTTP client for Binance. One instance is shared by
// the spot and futures ingesters so they draw from the same request budget.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	sem     chan struct{}
	log     zerolog.Logger

	mu       sync.Mutex
	lastCall time.Time
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 2440
	}
	if cfg.SpotBaseURL == "" {
		cfg.SpotBaseURL = "https://api.binance.com"
	}
	if cfg.FuturesBaseURL == "" {
		cfg.FuturesBaseURL = "https://fapi.binance.com"
	}

	perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "binance",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: maxConcurrent,
			},
		},
		limiter: rate.NewLimiter(perSecond, maxConcurrent),
		breaker: breaker,
		sem:     make(chan struct{}, maxConcurrent),
		log:     log.With().Str("component", "binance").Logger(),
	}
}

// acquire blocks until the request fits the rate budget: semaphore slot,
// token bucket, and minimum inter-request delay.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		<-c.sem
		return err
	}

	c.mu.Lock()
	wait := time.Duration(0)
	if !c.lastCall.IsZero() {
		elapsed := time.Since(c.lastCall)
		if elapsed < c.cfg.RequestDelay {
			wait = c.cfg.RequestDelay - elapsed
		}
	}
	c.lastCall = time.Now().Add(wait)
	c.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			<-c.sem
			return ctx.Err()
		}
	}
	return nil
}

func (c *Client) release() {
	<-c.sem
}

// getJSON performs one logical request with retries. 429 honours Retry-After,
// 5xx and network errors back off exponentially (1s, then 2s; three attempts
// in all), other 4xx fail fast as permanent errors.
func (c *Client) getJSON(ctx context.Context, rawURL string, params url.Values, out any) error {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		body, err := c.doOnce(ctx, rawURL, params)
		if err == nil {
			if jsonErr := json.Unmarshal(body, out); jsonErr != nil {
				return apperr.Permanentf("decode %s: %v", rawURL, jsonErr)
			}
			return nil
		}

		if errors.Is(err, apperr.ErrProviderPermanent) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
		c.log.Warn().Err(err).Str("url", rawURL).Int("attempt", attempt+1).Msg("request failed, retrying")
	}

	return lastErr
}

func (c *Client) doOnce(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"?"+params.Encode(), nil)
		if err != nil {
			return nil, apperr.Permanentf("build request: %v", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, apperr.Transientf("request %s: %v", rawURL, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, apperr.Transientf("read body: %v", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryIn := defaultRetryIn
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
					retryIn = time.Duration(secs) * time.Second
				}
			}
			c.log.Warn().Dur("retry_after", retryIn).Msg("rate limit exceeded, pausing")
			select {
			case <-time.After(retryIn):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return nil, apperr.Transientf("rate limited by provider")
		case resp.StatusCode >= 500:
			return nil, apperr.Transientf("server error %d from %s", resp.StatusCode, rawURL)
		case resp.StatusCode >= 400:
			return nil, apperr.Permanentf("client error %d from %s: %s", resp.StatusCode, rawURL, truncate(body, 200))
		}

		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperr.Transientf("circuit breaker open for binance")
		}
		return nil, err
	}
	return result.([]byte), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Symbol converts an asset name to the Binance trading pair, e.g. BTC→BTCUSDT.
func Symbol(asset string) string {
	return asset + "USDT"
}

func timeParams(params url.Values, start, end time.Time) url.Values {
	if !start.IsZero() {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}
	return params
}
