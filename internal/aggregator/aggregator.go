// Package aggregator is an HTTP client for the external swap quote
// aggregator (spec §6.3): AllowanceHolder-style quotes used by the
// rebalance planner to convert an open-loop USD delta into a concrete
// on-chain swap.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Transaction is the submission payload returned by the aggregator.
type Transaction struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Gas      string `json:"gas,omitempty"`
	GasPrice string `json:"gasPrice,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Fill describes one route leg, surfaced for diagnostic logging only.
type Fill struct {
	Source        string `json:"source"`
	ProportionBps int64  `json:"proportionBps"`
}

// Route is the aggregator's chosen execution path.
type Route struct {
	Fills []Fill `json:"fills"`
}

// Issues carries non-fatal allowance information.
type Issues struct {
	Allowance *struct {
		Spender string `json:"spender"`
	} `json:"allowance"`
}

// Quote is the aggregator's response shape (spec §6.3).
type Quote struct {
	BuyAmount   string      `json:"buyAmount"`
	SellAmount  string      `json:"sellAmount"`
	Issues      *Issues     `json:"issues,omitempty"`
	Transaction Transaction `json:"transaction"`
	Route       *Route      `json:"route,omitempty"`
}

// SpenderAddress returns the allowance target named in the quote, if any.
func (q Quote) SpenderAddress() string {
	if q.Issues == nil || q.Issues.Allowance == nil {
		return ""
	}
	return q.Issues.Allowance.Spender
}

// Client requests swap quotes from the aggregator's AllowanceHolder API.
type Client struct {
	baseURL string
	chainID int64
	http    *http.Client
}

// New constructs a Client against baseURL for chainID.
func New(baseURL string, chainID int64) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		chainID: chainID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Quote requests a swap quote for sellAmount units of sellToken into
// buyToken, on behalf of taker. Non-2xx responses are fatal (spec §6.3).
func (c *Client) Quote(ctx context.Context, sellToken, buyToken, sellAmount, taker string) (*Quote, error) {
	q := url.Values{}
	q.Set("sellToken", sellToken)
	q.Set("buyToken", buyToken)
	q.Set("sellAmount", sellAmount)
	q.Set("taker", taker)
	q.Set("chainId", fmt.Sprintf("%d", c.chainID))

	endpoint := fmt.Sprintf("%s/swap/allowance-holder/quote?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aggregator: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("aggregator: quote failed: status=%d", resp.StatusCode)
	}
	var quote Quote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, fmt.Errorf("aggregator: decode response: %w", err)
	}
	return &quote, nil
}
