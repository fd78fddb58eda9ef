// Package oracle is an HTTP client for the Coinbase spot price endpoint
// (spec §6.4), the upstream source behind internal/pricing's cache.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.coinbase.com/v2/prices"

// Client fetches spot USD prices from Coinbase.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client. An empty baseURL defaults to Coinbase's public
// API host.
func New(baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type spotResponse struct {
	Data struct {
		Amount string `json:"amount"`
	} `json:"data"`
}

// FetchUSD implements pricing.Source: GET /prices/<SYMBOL>-USD/spot.
func (c *Client) FetchUSD(ctx context.Context, symbol string) (float64, error) {
	endpoint := fmt.Sprintf("%s/%s-USD/spot", c.baseURL, strings.ToUpper(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("oracle: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("oracle: spot price failed: status=%d", resp.StatusCode)
	}
	var body spotResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("oracle: decode response: %w", err)
	}
	amount, err := strconv.ParseFloat(body.Data.Amount, 64)
	if err != nil {
		return 0, fmt.Errorf("oracle: invalid amount %q: %w", body.Data.Amount, err)
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return 0, fmt.Errorf("oracle: non-finite price for %s", symbol)
	}
	return amount, nil
}
