// Package dune wraps the Dune Analytics execution API for the Aave lending
// market query. One execution returns daily snapshots for every tracked
// reserve, so callers share a single fetch per cycle.
package dune

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cheolwanpark/lowerbound/internal/apperr"
	"github.com/cheolwanpark/lowerbound/internal/models"
)

const (
	// Free tier allows roughly one execution per minute; 65s keeps a margin.
	minRequestInterval = 65 * time.Second
	maxAttempts        = 3
	pollInterval       = 5 * time.Second
	executionTimeout   = 5 * time.Minute
)

// RAY bounds used to reject corrupt provider rows before storage.
var (
	maxRateRay  = decimal.New(2, 27)  // 200% APY
	minIndexRay = decimal.New(1, 27)  // indices start at 1.0 RAY
	maxIndexRay = decimal.New(1, 30)
)

// Config holds client construction options.
type Config struct {
	BaseURL string
	APIKey  string
	QueryID int
}

// Client executes the lending query and normalizes its rows.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger

	mu       sync.Mutex
	lastExec time.Time
}

func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("dune api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.dune.com"
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log.With().Str("component", "dune").Logger(),
	}, nil
}

type executeResponse struct {
	ExecutionID string `json:"execution_id"`
	State       string `json:"state"`
}

type resultsResponse struct {
	State  string `json:"state"`
	Result struct {
		Rows []lendingRow `json:"rows"`
	} `json:"result"`
}

type lendingRow struct {
	Dt                     string `json:"dt"`
	Symbol                 string `json:"symbol"`
	Reserve                string `json:"reserve"`
	AvgStableBorrowRate    string `json:"avg_stableBorrowRate"`
	AvgVariableBorrowRate  string `json:"avg_variableBorrowRate"`
	AvgSupplyRate          string `json:"avg_supplyRate"`
	AvgLiquidityIndex      string `json:"avg_liquidityIndex"`
	AvgVariableBorrowIndex string `json:"avg_variableBorrowIndex"`
}

// GetLendingSnapshots executes the configured query and returns validated
// snapshots grouped by reserve symbol.
func (c *Client) GetLendingSnapshots(ctx context.Context) (map[string][]models.LendingSnapshot, error) {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			// 5s, then 10s between the three execution attempts.
			backoff := time.Duration(5*(1<<(attempt-1))) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rows, err := c.runQuery(ctx)
		if err == nil {
			return c.normalize(rows), nil
		}
		lastErr = err
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("dune query failed")
	}
	return nil, lastErr
}

func (c *Client) runQuery(ctx context.Context) ([]lendingRow, error) {
	c.throttle(ctx)

	execURL := fmt.Sprintf("%s/api/v1/query/%d/execute", c.cfg.BaseURL, c.cfg.QueryID)
	var exec executeResponse
	if err := c.postJSON(ctx, execURL, &exec); err != nil {
		return nil, err
	}
	if exec.ExecutionID == "" {
		return nil, apperr.Permanentf("dune execute returned no execution id")
	}

	deadline := time.Now().Add(executionTimeout)
	resultsURL := fmt.Sprintf("%s/api/v1/execution/%s/results", c.cfg.BaseURL, exec.ExecutionID)

	for time.Now().Before(deadline) {
		var results resultsResponse
		if err := c.getJSON(ctx, resultsURL, &results); err != nil {
			return nil, err
		}

		switch results.State {
		case "QUERY_STATE_COMPLETED":
			return results.Result.Rows, nil
		case "QUERY_STATE_FAILED", "QUERY_STATE_CANCELLED":
			return nil, apperr.Permanentf("dune execution %s ended in state %s", exec.ExecutionID, results.State)
		}

		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, apperr.Transientf("dune execution %s timed out", exec.ExecutionID)
}

// throttle enforces the minimum interval between executions.
func (c *Client) throttle(ctx context.Context) {
	c.mu.Lock()
	wait := time.Duration(0)
	if !c.lastExec.IsZero() {
		elapsed := time.Since(c.lastExec)
		if elapsed < minRequestInterval {
			wait = minRequestInterval - elapsed
		}
	}
	c.lastExec = time.Now().Add(wait)
	c.mu.Unlock()

	if wait > 0 {
		c.log.Info().Dur("wait", wait).Msg("rate limiting dune execution")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}
}

func (c *Client) postJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return apperr.Permanentf("build request: %v", err)
	}
	return c.send(req, out)
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperr.Permanentf("build request: %v", err)
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	req.Header.Set("X-Dune-API-Key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Transientf("dune request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Transientf("read dune response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.Transientf("dune status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return apperr.Permanentf("dune status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Permanentf("decode dune response: %v", err)
	}
	return nil
}

// normalize parses and validates rows, dropping any that fail the RAY bounds
// or carry malformed fields.
func (c *Client) normalize(rows []lendingRow) map[string][]models.LendingSnapshot {
	byAsset := make(map[string][]models.LendingSnapshot)
	now := time.Now().UTC()

	for _, row := range rows {
		snap, err := row.toSnapshot()
		if err != nil {
			c.log.Warn().Err(err).Str("symbol", row.Symbol).Str("dt", row.Dt).Msg("skipping invalid lending row")
			continue
		}
		if err := validateSnapshot(snap, now); err != nil {
			c.log.Warn().Err(err).Str("symbol", snap.Asset).Time("ts", snap.Timestamp).Msg("skipping out-of-range lending row")
			continue
		}
		byAsset[snap.Asset] = append(byAsset[snap.Asset], snap)
	}
	return byAsset
}

func (r lendingRow) toSnapshot() (models.LendingSnapshot, error) {
	var snap models.LendingSnapshot

	ts, err := parseDuneTime(r.Dt)
	if err != nil {
		return snap, fmt.Errorf("timestamp %q: %w", r.Dt, err)
	}

	snap = models.LendingSnapshot{
		Asset:          strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Timestamp:      ts,
		ReserveAddress: strings.ToLower(strings.TrimSpace(r.Reserve)),
	}

	if snap.SupplyRateRay, err = decimal.NewFromString(r.AvgSupplyRate); err != nil {
		return snap, fmt.Errorf("supply rate %q: %w", r.AvgSupplyRate, err)
	}
	if snap.VarBorrowRateRay, err = decimal.NewFromString(r.AvgVariableBorrowRate); err != nil {
		return snap, fmt.Errorf("variable borrow rate %q: %w", r.AvgVariableBorrowRate, err)
	}
	if snap.StableBorrowRateRay, err = decimal.NewFromString(r.AvgStableBorrowRate); err != nil {
		return snap, fmt.Errorf("stable borrow rate %q: %w", r.AvgStableBorrowRate, err)
	}
	if snap.LiquidityIndex, err = decimal.NewFromString(r.AvgLiquidityIndex); err != nil {
		return snap, fmt.Errorf("liquidity index %q: %w", r.AvgLiquidityIndex, err)
	}
	if snap.VariableBorrowIndex, err = decimal.NewFromString(r.AvgVariableBorrowIndex); err != nil {
		return snap, fmt.Errorf("variable borrow index %q: %w", r.AvgVariableBorrowIndex, err)
	}
	return snap, nil
}

func parseDuneTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05.000 MST", "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format")
}

func validateSnapshot(s models.LendingSnapshot, now time.Time) error {
	if s.Timestamp.After(now) {
		return fmt.Errorf("future timestamp")
	}
	if !strings.HasPrefix(s.ReserveAddress, "0x") || len(s.ReserveAddress) != 42 {
		return fmt.Errorf("invalid reserve address %q", s.ReserveAddress)
	}
	for _, rate := range []decimal.Decimal{s.SupplyRateRay, s.VarBorrowRateRay, s.StableBorrowRateRay} {
		if rate.IsNegative() || rate.GreaterThanOrEqual(maxRateRay) {
			return fmt.Errorf("rate out of range: %s", rate)
		}
	}
	for _, index := range []decimal.Decimal{s.LiquidityIndex, s.VariableBorrowIndex} {
		if index.LessThan(minIndexRay) || index.GreaterThanOrEqual(maxIndexRay) {
			return fmt.Errorf("index out of range: %s", index)
		}
	}
	return nil
}
